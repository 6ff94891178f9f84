package admin

import (
	"net/http"
)

// toolResponse is the JSON shape of a single catalog entry.
type toolResponse struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ServiceName  string `json:"serviceName"`
	OriginalName string `json:"originalName"`
}

// handleListTools handles GET /api/tools, returning the full disambiguated
// tool catalog aggregated across all connected upstreams.
func (h *AdminAPIHandler) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools := h.toolCache.GetAllTools()

	resp := make([]toolResponse, 0, len(tools))
	for _, t := range tools {
		resp = append(resp, toolResponse{
			Name:         t.PublicName,
			Description:  t.Description,
			ServiceName:  t.UpstreamName,
			OriginalName: t.Name,
		})
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tools": resp})
}
