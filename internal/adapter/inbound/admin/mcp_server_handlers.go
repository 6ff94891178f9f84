package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/meshmcp/meshmcp/internal/domain/event"
	"github.com/meshmcp/meshmcp/internal/domain/upstream"
)

// mcpServerConfig is the wire shape of a single entry in the config field
// of POST /api/mcp-servers (either the single-entry or batch form).
type mcpServerConfig struct {
	Type        string            `json:"type"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	URL         string            `json:"url,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	ToolsConfig map[string]bool   `json:"toolsConfig,omitempty"`
}

// createMCPServerRequest accepts either the single-entry form
// {name, config} or the batch form {mcpServers: {name: config}}.
type createMCPServerRequest struct {
	Name       string                     `json:"name"`
	Config     *mcpServerConfig           `json:"config"`
	MCPServers map[string]mcpServerConfig `json:"mcpServers"`
}

// mcpServerResponse is the JSON shape of a single registered upstream.
type mcpServerResponse struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	URL         string            `json:"url,omitempty"`
	Enabled     bool              `json:"enabled"`
	Status      string            `json:"status"`
	LastError   string            `json:"lastError,omitempty"`
	ToolCount   int               `json:"toolCount"`
	ToolsConfig map[string]bool   `json:"toolsConfig,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

func toMCPServerResponse(u upstream.Upstream, status upstream.ConnectionStatus, lastErr string) mcpServerResponse {
	return mcpServerResponse{
		Name:        u.Name,
		Type:        string(u.Transport),
		Command:     u.Command,
		Args:        u.Args,
		URL:         u.URL,
		Enabled:     u.Enabled,
		Status:      string(status),
		LastError:   lastErr,
		ToolCount:   u.ToolCount,
		ToolsConfig: u.ToolsConfig,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

// handleListMCPServers handles GET /api/mcp-servers.
func (h *AdminAPIHandler) handleListMCPServers(w http.ResponseWriter, r *http.Request) {
	upstreams, err := h.upstreamService.List(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	servers := make([]mcpServerResponse, 0, len(upstreams))
	for _, u := range upstreams {
		status, lastErr := h.serviceManager.Status(u.ID)
		servers = append(servers, toMCPServerResponse(u, status, lastErr))
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"mcpServers": servers})
}

// handleMCPServerStatus handles GET /api/mcp-servers/{name}/status.
func (h *AdminAPIHandler) handleMCPServerStatus(w http.ResponseWriter, r *http.Request) {
	name := h.pathParam(r, "name")

	u, err := h.findByName(r.Context(), name)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error())
		return
	}

	status, lastErr := h.serviceManager.Status(u.ID)
	h.respondJSON(w, http.StatusOK, toMCPServerResponse(*u, status, lastErr))
}

// handleDeleteMCPServer handles DELETE /api/mcp-servers/{name}.
func (h *AdminAPIHandler) handleDeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	name := h.pathParam(r, "name")

	u, err := h.findByName(r.Context(), name)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "SERVER_NOT_FOUND", err.Error())
		return
	}

	_ = h.serviceManager.Stop(u.ID)

	if err := h.upstreamService.Delete(r.Context(), u.ID); err != nil {
		h.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	h.publishServerEvent(event.TypeServerRemoved, u.Name, nil)

	w.WriteHeader(http.StatusOK)
}

// handleCreateMCPServers handles POST /api/mcp-servers, accepting either a
// single-entry body or a batch body. Single-entry semantics: 201 on
// success, 409 if the name already exists, 400 on invalid config, 500 on
// connect failure. Batch semantics: 200 with {addedCount,failedCount,results}
// on partial success; an all-failures batch is reported as an error.
func (h *AdminAPIHandler) handleCreateMCPServers(w http.ResponseWriter, r *http.Request) {
	var req createMCPServerRequest
	if err := h.readJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "INVALID_CONFIG", "malformed JSON body")
		return
	}

	if len(req.MCPServers) > 0 {
		h.createBatch(w, r, req.MCPServers)
		return
	}

	if req.Name == "" || req.Config == nil {
		h.respondError(w, http.StatusBadRequest, "INVALID_SERVICE_NAME", "name and config are required")
		return
	}

	u, status, err := h.createOne(r.Context(), req.Name, *req.Config)
	if err != nil {
		if u != nil && status == upstream.StatusError {
			// Persisted, but the connect attempt failed.
			h.respondError(w, http.StatusInternalServerError, "CONNECTION_FAILED", err.Error())
			return
		}
		h.respondCreateError(w, err)
		return
	}
	if status == upstream.StatusError {
		// Persisted, but the connect attempt failed; Start reports that
		// through the status, not an error.
		_, lastErr := h.serviceManager.Status(u.ID)
		h.respondError(w, http.StatusInternalServerError, "CONNECTION_FAILED", lastErr)
		return
	}

	h.respondJSON(w, http.StatusCreated, toMCPServerResponse(*u, status, ""))
}

// batchResult is one entry in the batch-create response's results array.
type batchResult struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *AdminAPIHandler) createBatch(w http.ResponseWriter, r *http.Request, servers map[string]mcpServerConfig) {
	results := make([]batchResult, 0, len(servers))
	added, failed := 0, 0

	for name, cfg := range servers {
		_, _, err := h.createOne(r.Context(), name, cfg)
		if err != nil {
			failed++
			results = append(results, batchResult{Name: name, Success: false, Error: err.Error()})
			continue
		}
		added++
		results = append(results, batchResult{Name: name, Success: true})
	}

	if added == 0 {
		h.respondError(w, http.StatusBadRequest, "INVALID_CONFIG", "no servers were added")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"addedCount":  added,
		"failedCount": failed,
		"results":     results,
	})
}

// createOne validates, persists, and connects a single upstream. It is the
// shared core of both the single-entry and batch creation paths.
func (h *AdminAPIHandler) createOne(ctx context.Context, name string, cfg mcpServerConfig) (*upstream.Upstream, upstream.ConnectionStatus, error) {
	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	u := &upstream.Upstream{
		Name:        name,
		Transport:   upstream.TransportKind(cfg.Type),
		Enabled:     enabled,
		Command:     cfg.Command,
		Args:        cfg.Args,
		Env:         cfg.Env,
		URL:         cfg.URL,
		ToolsConfig: cfg.ToolsConfig,
	}

	created, err := h.upstreamService.Add(ctx, u)
	if err != nil {
		return nil, "", err
	}

	if !enabled {
		return created, upstream.StatusDisconnected, nil
	}

	if err := h.serviceManager.Start(ctx, created.ID); err != nil {
		return created, upstream.StatusError, err
	}

	h.discoverAndSync(created)

	status, _ := h.serviceManager.Status(created.ID)
	h.publishServerEvent(event.TypeServerAdded, created.Name, map[string]any{
		"type": string(created.Transport),
	})
	return created, status, nil
}

// publishServerEvent publishes an upstream add/remove notification if an
// event bus is configured.
func (h *AdminAPIHandler) publishServerEvent(typ event.Type, name string, payload map[string]any) {
	if h.eventBus == nil {
		return
	}
	h.eventBus.Publish(event.Event{
		Type:      typ,
		Source:    name,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// discoverAndSync runs tool discovery for a just-connected upstream. Any
// tools found are projected into the custom-tool list via the discovery
// service's onDiscovered hook (wired to tool-sync at startup). It runs
// detached from the request context: discovery spawns a process or dials a
// URL and waits on a tools/list round trip, which must not be bound to the
// HTTP client's lifetime.
func (h *AdminAPIHandler) discoverAndSync(u *upstream.Upstream) {
	if h.toolDiscovery == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := h.toolDiscovery.DiscoverFromUpstream(ctx, u.ID); err != nil {
			h.logger.Warn("tool discovery failed for new upstream", "name", u.Name, "error", err)
		}
	}()
}

func (h *AdminAPIHandler) respondCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upstream.ErrDuplicateUpstreamName):
		h.respondError(w, http.StatusConflict, "SERVER_ALREADY_EXISTS", err.Error())
	default:
		h.respondError(w, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
	}
}

// findByName looks up an upstream by its display name, since the REST
// surface is name-keyed while the store is ID-keyed.
func (h *AdminAPIHandler) findByName(ctx context.Context, name string) (*upstream.Upstream, error) {
	upstreams, err := h.upstreamService.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range upstreams {
		if upstreams[i].Name == name {
			return &upstreams[i], nil
		}
	}
	return nil, upstream.ErrUpstreamNotFound
}
