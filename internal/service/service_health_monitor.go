package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meshmcp/meshmcp/internal/domain/event"
	"github.com/meshmcp/meshmcp/internal/domain/upstream"
)

// ServiceHealthMonitor periodically samples the upstream pool and publishes
// a TypeHealthChanged event whenever the aggregate health flips between
// healthy and unhealthy. It is the periodic-pass counterpart to the HTTP
// health handler's on-demand snapshot: the handler answers "what's the
// status right now", this publishes "the status just changed" so other
// components (logging, a future push surface) can react without polling.
type ServiceHealthMonitor struct {
	serviceManager *ServiceManager
	eventBus       *event.Bus
	logger         *slog.Logger
	interval       time.Duration

	mu      sync.Mutex
	healthy bool
	started bool
}

// NewServiceHealthMonitor creates a ServiceHealthMonitor. A non-positive
// interval defaults to 30s.
func NewServiceHealthMonitor(serviceManager *ServiceManager, bus *event.Bus, logger *slog.Logger, interval time.Duration) *ServiceHealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ServiceHealthMonitor{
		serviceManager: serviceManager,
		eventBus:       bus,
		logger:         logger,
		interval:       interval,
		healthy:        true,
	}
}

// Start runs the periodic health pass until ctx is canceled. A second call
// is a no-op; Start is meant to be called once at startup.
func (m *ServiceHealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run(ctx)
}

func (m *ServiceHealthMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check()
		case <-ctx.Done():
			return
		}
	}
}

// check samples the current connection state and publishes a transition
// event only when the aggregate health differs from the last pass.
func (m *ServiceHealthMonitor) check() {
	healthy, reason := m.snapshot()

	m.mu.Lock()
	changed := healthy != m.healthy
	m.healthy = healthy
	m.mu.Unlock()

	if !changed {
		return
	}

	if m.logger != nil {
		m.logger.Info("aggregate health changed", "healthy", healthy, "reason", reason)
	}

	if m.eventBus != nil {
		m.eventBus.Publish(event.Event{
			Type:   event.TypeHealthChanged,
			Source: "mesh",
			Payload: map[string]any{
				"healthy": healthy,
				"reason":  reason,
			},
			Timestamp: time.Now(),
		})
	}
}

// snapshot mirrors the HTTP health handler's rule: unhealthy only when at
// least one upstream is configured and none of them are connected.
func (m *ServiceHealthMonitor) snapshot() (bool, string) {
	if m.serviceManager == nil {
		return true, "no service manager configured"
	}

	statuses := m.serviceManager.StatusAll()
	connected, total := 0, len(statuses)
	for _, s := range statuses {
		if s == upstream.StatusConnected {
			connected++
		}
	}

	if total > 0 && connected == 0 {
		return false, "no upstreams connected"
	}
	return true, "ok"
}
