// Package mcptool contains the curated, user-facing tool catalog: tools an
// operator explicitly exposes, as opposed to the raw per-upstream tool list
// the Service Manager discovers automatically. A CustomMCPTool either
// aliases an upstream tool or delegates to an external workflow API.
// Persistence lives alongside the rest of the app state
// (internal/adapter/outbound/state.CustomToolEntry); this package holds the
// in-memory shape and its invariants.
package mcptool

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrServiceNotConnected is returned at invocation time when an mcp
// handler's referenced upstream service is not live. The reference is
// intentionally allowed to be stale at registration time; this error is the
// invariant's enforcement point.
var ErrServiceNotConnected = errors.New("referenced service is not connected")

// HandlerKind discriminates a CustomMCPTool's handler variant.
type HandlerKind string

const (
	// HandlerMCP delegates the call to an upstream service's tool.
	HandlerMCP HandlerKind = "mcp"
	// HandlerProxy delegates the call to an external HTTP workflow API.
	HandlerProxy HandlerKind = "proxy"
)

// CustomMCPTool is a user-facing exposed tool, distinct from the raw tools
// an upstream advertises: it is explicitly registered and routed through one
// of two handler variants.
type CustomMCPTool struct {
	// Name is the tool's unique name in the exposed catalog.
	Name string
	// Description is the human-readable tool description.
	Description string
	// InputSchema is the JSON Schema for the tool's input parameters.
	InputSchema json.RawMessage

	// Handler selects which fields below apply.
	Handler HandlerKind

	// ServiceName and ToolName identify the upstream tool this custom tool
	// aliases (HandlerMCP only). Need not be live at registration time.
	ServiceName string
	ToolName    string

	// Platform and Config identify the external workflow API this custom
	// tool delegates to (HandlerProxy only), e.g. Platform "coze" with
	// Config holding the bot ID and endpoint. No vendor-specific behavior is
	// implemented here; Config is forwarded to the WorkflowClient verbatim.
	Platform string
	Config   map[string]string
}

// Validate checks that the tool is internally consistent for its handler
// variant. It does not check that an mcp handler's referenced service is
// live — that is an invocation-time concern (ErrServiceNotConnected).
func (t *CustomMCPTool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}

	switch t.Handler {
	case HandlerMCP:
		if t.ServiceName == "" || t.ToolName == "" {
			return fmt.Errorf("mcp handler requires serviceName and toolName")
		}
	case HandlerProxy:
		if t.Platform == "" {
			return fmt.Errorf("proxy handler requires platform")
		}
	default:
		return fmt.Errorf("handler must be %q or %q", HandlerMCP, HandlerProxy)
	}

	return nil
}
