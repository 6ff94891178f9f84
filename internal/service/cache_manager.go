package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshmcp/meshmcp/internal/domain/cache"
)

// CacheSnapshotStore persists a point-in-time snapshot of cached tasks for
// restart recovery. It is a periodic best-effort snapshot, not a
// transactional store: the in-memory map in CacheManager is canonical.
type CacheSnapshotStore interface {
	Load() ([]*cache.TaskRecord, error)
	Save(records []*cache.TaskRecord) error
	Close() error
}

// CacheManager is the in-memory, mutex-guarded tool-call result cache. It
// mirrors the map[string]*T + sync.RWMutex shape used throughout this
// package's other managers (ServiceManager.connections,
// EndpointManager.endpoints), here keyed by cache.Fingerprint.
type CacheManager struct {
	mu      sync.RWMutex
	tasks   map[uint64]*cache.TaskRecord
	ttl     time.Duration
	sweep   time.Duration
	store   CacheSnapshotStore
	logger  *slog.Logger
	cancel  context.CancelFunc
	stopped bool
	stopMu  sync.Mutex
}

// NewCacheManager creates a CacheManager with the given TTL and sweep
// interval. store may be nil to disable snapshot persistence.
func NewCacheManager(ttl, sweepInterval time.Duration, store CacheSnapshotStore, logger *slog.Logger) *CacheManager {
	m := &CacheManager{
		tasks:  make(map[uint64]*cache.TaskRecord),
		ttl:    ttl,
		sweep:  sweepInterval,
		store:  store,
		logger: logger,
	}

	if store != nil {
		if records, err := store.Load(); err != nil {
			logger.Warn("failed to load cache snapshot", "error", err)
		} else {
			now := time.Now()
			for _, r := range records {
				if !r.IsExpired(now) {
					m.tasks[r.Fingerprint] = r
				}
			}
			logger.Info("cache snapshot restored", "entries", len(m.tasks))
		}
	}

	return m
}

// Lookup returns the cached record for (toolName, args) if present, not
// expired, and not already consumed. A StatusPending entry is returned so
// callers respond "task in progress" rather than duplicate an in-flight
// upstream call; a StatusCompleted or StatusFailed entry is returned so the
// caller can serve it and then call MarkConsumed. A StatusConsumed entry
// (already served once) is treated as a miss, same as an absent or expired
// one — the caller falls through to a fresh upstream call.
func (m *CacheManager) Lookup(toolName string, args json.RawMessage) (*cache.TaskRecord, bool) {
	fp := cache.Fingerprint(toolName, args)

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.tasks[fp]
	if !ok {
		return nil, false
	}
	if rec.IsExpired(time.Now()) {
		return nil, false
	}
	if rec.Status == cache.StatusConsumed {
		return nil, false
	}
	return rec, true
}

// BeginPending records a StatusPending placeholder for a tool call about to
// be issued upstream, so concurrent identical calls observe it in flight.
// Returns false if an entry (pending, completed, or failed, unexpired and
// not yet consumed) already exists; a consumed or expired entry is replaced.
func (m *CacheManager) BeginPending(toolName, upstreamID string, args json.RawMessage) (*cache.TaskRecord, bool) {
	fp := cache.Fingerprint(toolName, args)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tasks[fp]; ok && !existing.IsExpired(now) && existing.Status != cache.StatusConsumed {
		return existing, false
	}

	rec := &cache.TaskRecord{
		Fingerprint: fp,
		ToolName:    toolName,
		UpstreamID:  upstreamID,
		Status:      cache.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	m.tasks[fp] = rec
	return rec, true
}

// Complete transitions a pending task to completed (result set) or failed
// (callErr set), per the cache.TaskRecord state machine, and resets its TTL
// from the completion time. An unknown fingerprint (already torn down) is
// ignored; a record not in StatusPending (illegally re-completed) is left
// untouched and the rejected transition is logged.
func (m *CacheManager) Complete(fingerprint uint64, result json.RawMessage, callErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[fingerprint]
	if !ok {
		return
	}

	next := cache.StatusCompleted
	if callErr != nil {
		next = cache.StatusFailed
	}
	if err := rec.Transition(next); err != nil {
		m.logger.Warn("cache transition rejected", "fingerprint", fingerprint, "error", err)
		return
	}

	now := time.Now()
	rec.CompletedAt = now
	rec.ExpiresAt = now.Add(m.ttl)
	if callErr != nil {
		rec.Error = callErr.Error()
	} else {
		rec.Result = result
	}
}

// MarkConsumed transitions a completed or failed record to consumed,
// marking it served and ineligible for further reuse. A no-op if the
// fingerprint is unknown or already consumed.
func (m *CacheManager) MarkConsumed(fingerprint uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tasks[fingerprint]
	if !ok || rec.Status == cache.StatusConsumed {
		return nil
	}
	return rec.Transition(cache.StatusConsumed)
}

// StartSweep starts a background goroutine that evicts expired entries and,
// if a snapshot store is configured, persists the surviving set on every
// sweep. Safe to call once; subsequent calls are no-ops.
func (m *CacheManager) StartSweep(ctx context.Context) {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	go func() {
		ticker := time.NewTicker(m.sweep)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweepExpired()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// consumedRetention bounds how long a consumed (already-served) entry is
// kept around before the sweep drops it, per the cache module's cleanup
// contract.
const consumedRetention = time.Minute

// sweepExpired drops expired entries, failed entries (dropped immediately,
// regardless of TTL, since a failed result is only ever meant to be
// surfaced to one in-flight duplicate), and consumed entries older than
// consumedRetention, then snapshots the remainder.
func (m *CacheManager) sweepExpired() {
	now := time.Now()

	m.mu.Lock()
	for fp, rec := range m.tasks {
		switch {
		case rec.IsExpired(now):
			delete(m.tasks, fp)
		case rec.Status == cache.StatusFailed:
			delete(m.tasks, fp)
		case rec.Status == cache.StatusConsumed && now.Sub(rec.CompletedAt) > consumedRetention:
			delete(m.tasks, fp)
		}
	}
	records := make([]*cache.TaskRecord, 0, len(m.tasks))
	for _, rec := range m.tasks {
		records = append(records, rec)
	}
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.Save(records); err != nil {
		m.logger.Warn("failed to persist cache snapshot", "error", err)
	}
}

// Stats summarizes the current task set. Computed live from the in-memory
// map rather than a time-bucketed rolling window: simpler, and consistent
// with how the rest of this package (e.g. PerformanceMonitor) reports
// current state rather than maintaining a separate windowing structure.
func (m *CacheManager) Stats() cache.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s cache.Stats
	for _, rec := range m.tasks {
		s.TotalEntries++
		switch rec.Status {
		case cache.StatusPending:
			s.PendingTasks++
		case cache.StatusCompleted:
			s.CompletedTasks++
		case cache.StatusFailed:
			s.FailedTasks++
		case cache.StatusConsumed:
			s.ConsumedEntries++
		}
		s.MemoryBytes += recordSize(rec)
	}

	denom := s.CompletedTasks + s.ConsumedEntries
	if denom == 0 {
		denom = 1
	}
	s.CacheHitRate = float64(s.ConsumedEntries) / float64(denom)
	return s
}

// recordSize approximates a TaskRecord's in-memory footprint for Stats'
// memoryBytes figure; not an exact accounting.
func recordSize(rec *cache.TaskRecord) int64 {
	return int64(len(rec.ToolName) + len(rec.UpstreamID) + len(rec.Result) + len(rec.Error) + 64)
}

// CheckIntegrity validates every cached record's required fields, timestamp
// sanity, and status enum membership, reporting issues without mutating any
// record.
func (m *CacheManager) CheckIntegrity() []cache.IntegrityIssue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var issues []cache.IntegrityIssue
	for fp, rec := range m.tasks {
		if rec.ToolName == "" {
			issues = append(issues, cache.IntegrityIssue{Fingerprint: fp, Reason: "missing tool name"})
		}
		if rec.CreatedAt.IsZero() {
			issues = append(issues, cache.IntegrityIssue{Fingerprint: fp, Reason: "missing created_at"})
		}
		if rec.ExpiresAt.IsZero() {
			issues = append(issues, cache.IntegrityIssue{Fingerprint: fp, Reason: "missing expires_at"})
		}
		switch rec.Status {
		case cache.StatusPending, cache.StatusCompleted, cache.StatusFailed, cache.StatusConsumed:
		default:
			issues = append(issues, cache.IntegrityIssue{Fingerprint: fp, Reason: fmt.Sprintf("unknown status %q", rec.Status)})
		}
		if rec.Status == cache.StatusCompleted && len(rec.Result) == 0 {
			issues = append(issues, cache.IntegrityIssue{Fingerprint: fp, Reason: "completed without result"})
		}
		if rec.Status == cache.StatusFailed && rec.Error == "" {
			issues = append(issues, cache.IntegrityIssue{Fingerprint: fp, Reason: "failed without error"})
		}
	}
	return issues
}

// Count returns the number of entries currently cached, including pending.
func (m *CacheManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// Stop cancels the sweep goroutine, persists a final snapshot, and closes
// the snapshot store. Safe to call multiple times.
func (m *CacheManager) Stop() {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.store == nil {
		return
	}
	m.sweepExpired()
	if err := m.store.Close(); err != nil {
		m.logger.Warn("failed to close cache snapshot store", "error", err)
	}
}
