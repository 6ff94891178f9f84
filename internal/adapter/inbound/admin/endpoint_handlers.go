package admin

import (
	"errors"
	"net/http"

	"github.com/meshmcp/meshmcp/internal/service"
)

// endpointRequest is the JSON body for every /api/endpoints/* mutation.
type endpointRequest struct {
	Endpoint string `json:"endpoint"`
}

// handleListEndpoints handles GET /api/endpoints.
func (h *AdminAPIHandler) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": h.endpointManager.GetConnectionStatus(),
	})
}

// handleAddEndpoint handles POST /api/endpoints/add.
func (h *AdminAPIHandler) handleAddEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := h.readJSON(r, &req); err != nil || req.Endpoint == "" {
		h.respondError(w, http.StatusBadRequest, "INVALID_CONFIG", "endpoint is required")
		return
	}

	state, err := h.endpointManager.AddEndpoint(req.Endpoint)
	if err != nil {
		h.respondEndpointError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, state)
}

// handleRemoveEndpoint handles POST /api/endpoints/remove.
func (h *AdminAPIHandler) handleRemoveEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := h.readJSON(r, &req); err != nil || req.Endpoint == "" {
		h.respondError(w, http.StatusBadRequest, "INVALID_CONFIG", "endpoint is required")
		return
	}

	if err := h.endpointManager.RemoveEndpoint(req.Endpoint); err != nil {
		h.respondEndpointError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleConnectEndpoint handles POST /api/endpoints/connect.
func (h *AdminAPIHandler) handleConnectEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := h.readJSON(r, &req); err != nil || req.Endpoint == "" {
		h.respondError(w, http.StatusBadRequest, "INVALID_CONFIG", "endpoint is required")
		return
	}

	state, err := h.endpointManager.ConnectExistingEndpoint(req.Endpoint)
	if err != nil {
		h.respondEndpointError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, state)
}

// handleDisconnectEndpoint handles POST /api/endpoints/disconnect.
func (h *AdminAPIHandler) handleDisconnectEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := h.readJSON(r, &req); err != nil || req.Endpoint == "" {
		h.respondError(w, http.StatusBadRequest, "INVALID_CONFIG", "endpoint is required")
		return
	}

	state, err := h.endpointManager.DisconnectEndpoint(req.Endpoint)
	if err != nil {
		h.respondEndpointError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, state)
}

// handleReconnectEndpoint handles POST /api/endpoints/reconnect.
func (h *AdminAPIHandler) handleReconnectEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := h.readJSON(r, &req); err != nil || req.Endpoint == "" {
		h.respondError(w, http.StatusBadRequest, "INVALID_CONFIG", "endpoint is required")
		return
	}

	state, err := h.endpointManager.TriggerReconnect(req.Endpoint)
	if err != nil {
		h.respondEndpointError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, state)
}

func (h *AdminAPIHandler) respondEndpointError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrEndpointAlreadyExists):
		h.respondError(w, http.StatusConflict, "ENDPOINT_ALREADY_EXISTS", err.Error())
	case errors.Is(err, service.ErrEndpointNotFound):
		h.respondError(w, http.StatusNotFound, "ENDPOINT_NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrEndpointAlreadyConnected):
		h.respondError(w, http.StatusConflict, "ENDPOINT_ALREADY_CONNECTED", err.Error())
	case errors.Is(err, service.ErrEndpointNotConnected):
		h.respondError(w, http.StatusConflict, "ENDPOINT_NOT_CONNECTED", err.Error())
	default:
		h.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
