package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshmcp/meshmcp/internal/adapter/outbound/state"
	"github.com/meshmcp/meshmcp/internal/domain/event"
	"github.com/meshmcp/meshmcp/internal/domain/upstream"
)

// CustomToolStore provides the minimal persistence surface ToolSyncService
// needs: append-only custom-tool registration, keyed by public name.
type CustomToolStore interface {
	Has(name string) bool
	Add(entry state.CustomToolEntry)
	List() []state.CustomToolEntry
}

// ToolSyncService projects a connected service's enabled tools into the
// user-visible custom-tool list. It is additive only: it never removes or
// rewrites existing custom entries.
type ToolSyncService struct {
	store    CustomToolStore
	logger   *slog.Logger
	eventBus *event.Bus

	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// NewToolSyncService creates a new ToolSyncService.
func NewToolSyncService(store CustomToolStore, logger *slog.Logger) *ToolSyncService {
	return &ToolSyncService{
		store:  store,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithEventBus sets the event bus tools-updated notifications are published
// on.
func (s *ToolSyncService) WithEventBus(bus *event.Bus) *ToolSyncService {
	s.eventBus = bus
	return s
}

// serviceLock returns the per-service mutex, creating it if absent.
func (s *ToolSyncService) serviceLock(serviceName string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[serviceName]
	if !ok {
		l = &sync.Mutex{}
		s.locks[serviceName] = l
	}
	return l
}

// SyncToolsAfterConnection projects the enabled subset of tools discovered
// from serviceName into the custom-tool list. Concurrent invocations for
// the same service collapse: the second caller skips with a debug log
// rather than blocking indefinitely, since a sync in flight will already
// pick up the same tool set. Different services sync in parallel.
func (s *ToolSyncService) SyncToolsAfterConnection(_ context.Context, u *upstream.Upstream, tools []*upstream.DiscoveredTool) {
	enabled := u.EnabledTools()
	if len(enabled) == 0 {
		return
	}

	lock := s.serviceLock(u.Name)
	if !lock.TryLock() {
		s.logger.Debug("tool-sync already in progress, skipping", "service", u.Name)
		return
	}
	defer lock.Unlock()

	now := time.Now().UTC()
	added := 0

	for _, t := range tools {
		if !enabled[t.Name] {
			continue
		}

		publicName := u.Name + "__" + t.Name
		if s.store.Has(publicName) {
			continue
		}

		var schema interface{}
		if len(t.InputSchema) > 0 {
			schema = t.InputSchema
		}

		s.store.Add(state.CustomToolEntry{
			Name:        publicName,
			Description: t.Description,
			InputSchema: schema,
			Kind:        "mcp",
			ServiceName: u.Name,
			ToolName:    t.Name,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		added++
	}

	if added > 0 {
		s.logger.Info("tool-sync projected tools", "service", u.Name, "added", added)
		if s.eventBus != nil {
			s.eventBus.Publish(event.Event{
				Type:   event.TypeToolsUpdated,
				Source: u.Name,
				Payload: map[string]any{
					"added": added,
				},
				Timestamp: now,
			})
		}
	}
}

// fileCustomToolStore is the FileStateStore-backed CustomToolStore used in
// production: every mutation is immediately persisted to state.json.
type fileCustomToolStore struct {
	stateStore *state.FileStateStore
	mu         sync.Mutex
	cache      map[string]bool
}

// NewFileCustomToolStore creates a CustomToolStore backed by the given
// FileStateStore, seeding its presence cache from the current state.
func NewFileCustomToolStore(stateStore *state.FileStateStore) (CustomToolStore, error) {
	appState, err := stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load state for tool-sync store: %w", err)
	}

	cache := make(map[string]bool, len(appState.CustomTools))
	for _, t := range appState.CustomTools {
		cache[t.Name] = true
	}

	return &fileCustomToolStore{stateStore: stateStore, cache: cache}, nil
}

func (f *fileCustomToolStore) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache[name]
}

func (f *fileCustomToolStore) Add(entry state.CustomToolEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	appState, err := f.stateStore.Load()
	if err != nil {
		return
	}

	appState.CustomTools = append(appState.CustomTools, entry)
	if err := f.stateStore.Save(appState); err != nil {
		return
	}

	f.cache[entry.Name] = true
}

func (f *fileCustomToolStore) List() []state.CustomToolEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	appState, err := f.stateStore.Load()
	if err != nil {
		return nil
	}
	return appState.CustomTools
}
