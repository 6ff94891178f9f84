package outbound

import (
	"context"
	"encoding/json"
)

// WorkflowClient invokes an external, vendor-hosted workflow API on behalf
// of a proxy-handler CustomMCPTool. Implementations are vendor-specific only
// in their HTTP shape, not in any domain logic — platform and config are
// forwarded as given, with no per-vendor branching in this proxy.
type WorkflowClient interface {
	// Invoke calls the named workflow platform with the given config and
	// tool-call arguments, returning the workflow's result as raw JSON.
	Invoke(ctx context.Context, platform string, config map[string]string, args json.RawMessage) (json.RawMessage, error)
}
