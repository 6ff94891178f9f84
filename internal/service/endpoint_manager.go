package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/meshmcp/meshmcp/internal/domain/endpoint"
	"github.com/meshmcp/meshmcp/internal/domain/event"
)

// EndpointDialer opens a connection to a downstream WebSocket endpoint.
// The default dialer wraps wsendpoint.Dial; tests inject a fake.
type EndpointDialer func(ctx context.Context, url string) (EndpointConn, error)

// EndpointConn is the minimal connection surface EndpointManager drives.
type EndpointConn interface {
	WriteMessage(ctx context.Context, data []byte) error
	ReadMessage(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context, timeout time.Duration) error
	Close() error
}

// endpointEntry holds the runtime state for one managed endpoint.
type endpointEntry struct {
	url            string
	conn           EndpointConn
	status         endpoint.Status
	lastError      string
	attempts       int
	missedPongs    int
	connectedSince time.Time
	cancelRetry    context.CancelFunc
	mu             sync.Mutex
}

// EndpointManager manages many downstream WebSocket endpoints as independent
// state machines, each with its own scheduled reconnect.
type EndpointManager struct {
	dialer EndpointDialer
	logger *slog.Logger

	entries map[string]*endpointEntry
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	baseDelay    time.Duration
	maxDelay     time.Duration
	maxAttempts  int
	pingInterval time.Duration

	// eventBus publishes status-change events, if set. Nil disables publishing.
	eventBus *event.Bus
}

// WithEventBus attaches an event.Bus that receives TypeEndpointStatusChanged
// events on every state-machine transition. Returns the manager for
// chaining at construction time.
func (m *EndpointManager) WithEventBus(bus *event.Bus) *EndpointManager {
	m.eventBus = bus
	return m
}

// publishStatusChanged publishes a TypeEndpointStatusChanged event for the
// named endpoint, if an event bus is configured.
func (m *EndpointManager) publishStatusChanged(url string, status endpoint.Status) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Publish(event.Event{
		Type:      event.TypeEndpointStatusChanged,
		Source:    url,
		Payload:   map[string]any{"status": string(status)},
		Timestamp: time.Now(),
	})
}

// NewEndpointManager creates a new EndpointManager.
func NewEndpointManager(dialer EndpointDialer, logger *slog.Logger) *EndpointManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &EndpointManager{
		dialer:       dialer,
		logger:       logger,
		entries:      make(map[string]*endpointEntry),
		ctx:          ctx,
		cancel:       cancel,
		baseDelay:    2 * time.Second,
		maxDelay:     60 * time.Second,
		maxAttempts:  16,
		pingInterval: 30 * time.Second,
	}
}

// AddEndpoint registers a new endpoint and attempts an initial connection.
// Refuses with ErrEndpointAlreadyExists if the URL is already managed.
func (m *EndpointManager) AddEndpoint(url string) (endpoint.State, error) {
	m.mu.Lock()
	if _, ok := m.entries[url]; ok {
		m.mu.Unlock()
		return endpoint.State{}, ErrEndpointAlreadyExists
	}
	e := &endpointEntry{url: url, status: endpoint.StatusDisconnected}
	m.entries[url] = e
	m.mu.Unlock()

	m.connect(e)
	return m.snapshot(e), nil
}

// RemoveEndpoint disconnects (if connected), cancels timers, and removes
// the endpoint from management.
func (m *EndpointManager) RemoveEndpoint(url string) error {
	m.mu.Lock()
	e, ok := m.entries[url]
	if !ok {
		m.mu.Unlock()
		return ErrEndpointNotFound
	}
	delete(m.entries, url)
	m.mu.Unlock()

	m.teardown(e)
	return nil
}

// ConnectExistingEndpoint connects an already-registered endpoint that is
// currently disconnected or suspended. Refuses if already connected.
func (m *EndpointManager) ConnectExistingEndpoint(url string) (endpoint.State, error) {
	e, ok := m.get(url)
	if !ok {
		return endpoint.State{}, ErrEndpointNotFound
	}

	e.mu.Lock()
	if e.status == endpoint.StatusConnected {
		e.mu.Unlock()
		return endpoint.State{}, ErrEndpointAlreadyConnected
	}
	e.attempts = 0
	e.mu.Unlock()

	m.connect(e)
	return m.snapshot(e), nil
}

// DisconnectEndpoint closes an active connection without removing the
// endpoint from management. Refuses if not currently connected.
func (m *EndpointManager) DisconnectEndpoint(url string) (endpoint.State, error) {
	e, ok := m.get(url)
	if !ok {
		return endpoint.State{}, ErrEndpointNotFound
	}

	e.mu.Lock()
	if e.status != endpoint.StatusConnected {
		e.mu.Unlock()
		return endpoint.State{}, ErrEndpointNotConnected
	}
	if e.cancelRetry != nil {
		e.cancelRetry()
		e.cancelRetry = nil
	}
	conn := e.conn
	e.conn = nil
	e.status = endpoint.StatusDisconnected
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	m.publishStatusChanged(url, endpoint.StatusDisconnected)
	return m.snapshot(e), nil
}

// TriggerReconnect resets the attempt counter and immediately retries,
// resuming a suspended endpoint.
func (m *EndpointManager) TriggerReconnect(url string) (endpoint.State, error) {
	e, ok := m.get(url)
	if !ok {
		return endpoint.State{}, ErrEndpointNotFound
	}

	e.mu.Lock()
	e.attempts = 0
	if e.cancelRetry != nil {
		e.cancelRetry()
		e.cancelRetry = nil
	}
	e.mu.Unlock()

	m.connect(e)
	return m.snapshot(e), nil
}

// GetConnectionStatus returns the current state of every managed endpoint.
func (m *EndpointManager) GetConnectionStatus() []endpoint.State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]endpoint.State, 0, len(m.entries))
	for _, e := range m.entries {
		result = append(result, m.snapshot(e))
	}
	return result
}

// Close tears down every managed endpoint and stops the manager.
func (m *EndpointManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*endpointEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*endpointEntry)
	m.mu.Unlock()

	for _, e := range entries {
		m.teardown(e)
	}

	m.cancel()
	return nil
}

func (m *EndpointManager) get(url string) (*endpointEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[url]
	return e, ok
}

func (m *EndpointManager) snapshot(e *endpointEntry) endpoint.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return endpoint.State{
		URL:             e.url,
		Status:          e.status,
		Attempts:        e.attempts,
		LastError:       e.lastError,
		ConnectedSince:  e.connectedSince,
		LastAttemptedAt: time.Now(),
	}
}

func (m *EndpointManager) teardown(e *endpointEntry) {
	e.mu.Lock()
	if e.cancelRetry != nil {
		e.cancelRetry()
		e.cancelRetry = nil
	}
	conn := e.conn
	e.conn = nil
	e.status = endpoint.StatusDisconnected
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// connect performs a single connection attempt, scheduling a retry on
// failure and starting the liveness loop on success.
func (m *EndpointManager) connect(e *endpointEntry) {
	e.mu.Lock()
	e.status = endpoint.StatusConnecting
	e.mu.Unlock()

	conn, err := m.dialer(m.ctx, e.url)
	if err != nil {
		e.mu.Lock()
		e.status = endpoint.StatusReconnecting
		e.lastError = err.Error()
		e.mu.Unlock()
		m.logger.Warn("endpoint connect failed", "url", e.url, "error", err)
		m.publishStatusChanged(e.url, endpoint.StatusReconnecting)
		m.scheduleRetry(e)
		return
	}

	e.mu.Lock()
	e.conn = conn
	e.status = endpoint.StatusConnected
	e.lastError = ""
	e.attempts = 0
	e.missedPongs = 0
	e.connectedSince = time.Now()
	e.mu.Unlock()

	m.logger.Info("endpoint connected", "url", e.url)
	m.publishStatusChanged(e.url, endpoint.StatusConnected)
	go m.livenessLoop(e, conn)
}

// scheduleRetry computes the next backoff delay with jitter and schedules
// a reconnect attempt, or suspends the endpoint after maxAttempts failures.
func (m *EndpointManager) scheduleRetry(e *endpointEntry) {
	e.mu.Lock()
	if e.attempts >= m.maxAttempts {
		e.status = endpoint.StatusSuspended
		e.mu.Unlock()
		m.logger.Error("endpoint suspended after repeated failures", "url", e.url, "attempts", m.maxAttempts)
		m.publishStatusChanged(e.url, endpoint.StatusSuspended)
		return
	}

	delay := m.calcBackoffDelay(e.attempts)
	e.attempts++
	url := e.url

	retryCtx, retryCancel := context.WithCancel(m.ctx)
	e.cancelRetry = retryCancel
	e.mu.Unlock()

	go func() {
		select {
		case <-time.After(delay):
		case <-retryCtx.Done():
			return
		}

		m.mu.RLock()
		current, ok := m.entries[url]
		m.mu.RUnlock()
		if !ok || current != e {
			return
		}

		m.connect(e)
	}()
}

// calcBackoffDelay returns min(baseDelay * 2^attempts, maxDelay) with ±10% jitter.
func (m *EndpointManager) calcBackoffDelay(attempts int) time.Duration {
	delay := m.baseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay > m.maxDelay {
			delay = m.maxDelay
			break
		}
	}

	jitter := float64(delay) * 0.1 * (2*rand.Float64() - 1)
	return delay + time.Duration(jitter)
}

// livenessLoop pings the endpoint at pingInterval; two consecutive missed
// pongs are treated as a dead connection and trigger a reconnect.
func (m *EndpointManager) livenessLoop(e *endpointEntry, conn EndpointConn) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(m.ctx, m.pingInterval/3)
			err := conn.Ping(pingCtx, m.pingInterval/3)
			cancel()

			e.mu.Lock()
			if e.conn != conn {
				e.mu.Unlock()
				return
			}
			if err != nil {
				e.missedPongs++
				missed := e.missedPongs
				e.mu.Unlock()
				if missed >= 2 {
					m.logger.Warn("endpoint missed liveness pings, reconnecting", "url", e.url)
					m.dropAndReconnect(e, conn)
					return
				}
				continue
			}
			e.missedPongs = 0
			e.mu.Unlock()
		case <-m.ctx.Done():
			return
		}
	}
}

// dropAndReconnect closes the dead connection and schedules a fresh attempt.
func (m *EndpointManager) dropAndReconnect(e *endpointEntry, conn EndpointConn) {
	_ = conn.Close()

	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.status = endpoint.StatusReconnecting
	e.mu.Unlock()

	m.publishStatusChanged(e.url, endpoint.StatusReconnecting)
	m.scheduleRetry(e)
}

// Sentinel errors for canonical error-code mapping at the admin API layer.
var (
	ErrEndpointAlreadyExists    = fmt.Errorf("endpoint already exists")
	ErrEndpointNotFound         = fmt.Errorf("endpoint not found")
	ErrEndpointAlreadyConnected = fmt.Errorf("endpoint already connected")
	ErrEndpointNotConnected     = fmt.Errorf("endpoint not connected")
)
