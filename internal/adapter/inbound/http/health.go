package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/meshmcp/meshmcp/internal/domain/endpoint"
	"github.com/meshmcp/meshmcp/internal/domain/upstream"
	"github.com/meshmcp/meshmcp/internal/service"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker reports liveness of the upstream connection pool and the
// downstream endpoint pool.
type HealthChecker struct {
	serviceManager  *service.ServiceManager
	endpointManager *service.EndpointManager
	version         string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(
	serviceManager *service.ServiceManager,
	endpointManager *service.EndpointManager,
	version string,
) *HealthChecker {
	return &HealthChecker{
		serviceManager:  serviceManager,
		endpointManager: endpointManager,
		version:         version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.serviceManager != nil {
		statuses := h.serviceManager.StatusAll()
		connected, total := 0, len(statuses)
		for _, s := range statuses {
			if s == upstream.StatusConnected {
				connected++
			}
		}
		checks["upstreams"] = fmt.Sprintf("%d/%d connected", connected, total)
		if total > 0 && connected == 0 {
			healthy = false
		}
	} else {
		checks["upstreams"] = "not configured"
	}

	if h.endpointManager != nil {
		states := h.endpointManager.GetConnectionStatus()
		suspended := 0
		for _, s := range states {
			if s.Status == endpoint.StatusSuspended {
				suspended++
			}
		}
		checks["endpoints"] = fmt.Sprintf("%d total, %d suspended", len(states), suspended)
	} else {
		checks["endpoints"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable) // 503
		} else {
			w.WriteHeader(http.StatusOK) // 200
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
