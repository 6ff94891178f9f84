// Package admin provides the JSON admin API for managing upstream MCP
// servers, downstream WebSocket endpoints, and runtime status.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/meshmcp/meshmcp/internal/adapter/outbound/state"
	"github.com/meshmcp/meshmcp/internal/domain/event"
	"github.com/meshmcp/meshmcp/internal/domain/upstream"
	"github.com/meshmcp/meshmcp/internal/service"
)

// BuildInfo carries version metadata surfaced by the system info endpoint.
// Injected via WithBuildInfo to avoid an import cycle with the cmd package.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// AdminAPIHandler provides JSON API endpoints for the admin interface:
// upstream MCP server management, endpoint management, and tool listing.
type AdminAPIHandler struct {
	upstreamService *service.UpstreamService
	serviceManager  *service.ServiceManager
	endpointManager *service.EndpointManager
	toolDiscovery   *service.ToolDiscoveryService
	toolSync        *service.ToolSyncService
	toolCache       *upstream.ToolCache
	stateStore      *state.FileStateStore
	buildInfo       *BuildInfo
	logger          *slog.Logger
	startTime       time.Time
	eventBus        *event.Bus
}

// AdminAPIOption configures an AdminAPIHandler dependency.
type AdminAPIOption func(*AdminAPIHandler)

// WithUpstreamService sets the upstream CRUD service.
func WithUpstreamService(s *service.UpstreamService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.upstreamService = s }
}

// WithServiceManager sets the upstream connection lifecycle manager.
func WithServiceManager(s *service.ServiceManager) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.serviceManager = s }
}

// WithEndpointManager sets the downstream WebSocket endpoint manager.
func WithEndpointManager(m *service.EndpointManager) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.endpointManager = m }
}

// WithToolDiscoveryService sets the service used to discover tools from a
// newly added upstream before projecting them via the tool-sync service.
func WithToolDiscoveryService(s *service.ToolDiscoveryService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.toolDiscovery = s }
}

// WithToolSyncService sets the custom-tool projection service.
func WithToolSyncService(s *service.ToolSyncService) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.toolSync = s }
}

// WithToolCache sets the shared discovered-tool cache.
func WithToolCache(c *upstream.ToolCache) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.toolCache = c }
}

// WithStateStore sets the persisted-state store.
func WithStateStore(s *state.FileStateStore) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.stateStore = s }
}

// WithAPILogger sets the structured logger.
func WithAPILogger(l *slog.Logger) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.logger = l }
}

// WithBuildInfo sets the build version information.
func WithBuildInfo(info *BuildInfo) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.buildInfo = info }
}

// WithStartTime sets the server start time for uptime calculation.
func WithStartTime(t time.Time) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.startTime = t }
}

// WithEventBus sets the event bus upstream add/remove events are published on.
func WithEventBus(bus *event.Bus) AdminAPIOption {
	return func(h *AdminAPIHandler) { h.eventBus = bus }
}

// NewAdminAPIHandler creates a new AdminAPIHandler with the given options.
func NewAdminAPIHandler(opts ...AdminAPIOption) *AdminAPIHandler {
	h := &AdminAPIHandler{
		logger:    slog.Default(),
		startTime: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns an http.Handler with all admin API routes registered.
func (h *AdminAPIHandler) Routes() http.Handler {
	mux := http.NewServeMux()

	// MCP server (upstream) management.
	mux.HandleFunc("GET /api/mcp-servers", h.handleListMCPServers)
	mux.HandleFunc("POST /api/mcp-servers", h.handleCreateMCPServers)
	mux.HandleFunc("DELETE /api/mcp-servers/{name}", h.handleDeleteMCPServer)
	mux.HandleFunc("GET /api/mcp-servers/{name}/status", h.handleMCPServerStatus)

	// Downstream WebSocket endpoint management.
	mux.HandleFunc("GET /api/endpoints", h.handleListEndpoints)
	mux.HandleFunc("POST /api/endpoints/add", h.handleAddEndpoint)
	mux.HandleFunc("POST /api/endpoints/remove", h.handleRemoveEndpoint)
	mux.HandleFunc("POST /api/endpoints/connect", h.handleConnectEndpoint)
	mux.HandleFunc("POST /api/endpoints/disconnect", h.handleDisconnectEndpoint)
	mux.HandleFunc("POST /api/endpoints/reconnect", h.handleReconnectEndpoint)

	// Tool catalog and system info.
	mux.HandleFunc("GET /api/tools", h.handleListTools)
	mux.HandleFunc("GET /api/system", h.handleSystemInfo)

	return h.loggingMiddleware(mux)
}

// loggingMiddleware logs each admin API request at debug level.
func (h *AdminAPIHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debug("admin api request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// --- JSON helper methods ---

// respondJSON writes a JSON response with the given status code and data.
func (h *AdminAPIHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

// apiError is the canonical error body shape, keyed by a stable error code.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondError writes a JSON error response with the given status code,
// canonical error code, and message.
func (h *AdminAPIHandler) respondError(w http.ResponseWriter, status int, code, message string) {
	h.respondJSON(w, status, apiError{Code: code, Message: message})
}

// readJSON decodes the request body into the given value.
func (h *AdminAPIHandler) readJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pathParam extracts a named path parameter from the request URL.
func (h *AdminAPIHandler) pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
