// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/meshmcp/meshmcp/internal/domain/cache"
)

// JSON-RPC error codes shared by routing components.
const (
	// ErrCodeMethodNotFound is returned when a tool is not found in any upstream.
	ErrCodeMethodNotFound int64 = -32601
	// ErrCodeInternal is returned when an upstream connection fails.
	ErrCodeInternal int64 = -32603
	// ErrCodeNoUpstreams is returned when no upstreams are available (503-equivalent).
	ErrCodeNoUpstreams int64 = -32000
)

// RoutableTool represents a tool that can be routed to a specific upstream.
// This is a minimal struct with just the fields the routing layer needs,
// avoiding circular imports with the upstream package's DiscoveredTool type.
type RoutableTool struct {
	// Name is the tool's unique name.
	Name string
	// UpstreamID identifies which upstream owns this tool.
	UpstreamID string
	// Description is the human-readable tool description.
	Description string
	// InputSchema is the JSON Schema for the tool's input parameters.
	InputSchema json.RawMessage
}

// ToolCacheReader provides read access to the shared tool cache.
// The ToolCache from the upstream package will satisfy this interface.
type ToolCacheReader interface {
	// GetTool looks up a tool by name. Returns the tool and true if found.
	GetTool(name string) (*RoutableTool, bool)
	// GetAllTools returns all discovered tools across all upstreams.
	GetAllTools() []*RoutableTool
}

// UpstreamConnectionProvider provides access to upstream connections.
// The ServiceManager satisfies this interface.
type UpstreamConnectionProvider interface {
	// GetConnection returns the stdin writer and stdout reader for an upstream.
	GetConnection(upstreamID string) (io.WriteCloser, io.ReadCloser, error)
	// AllConnected returns true if at least one upstream is connected.
	AllConnected() bool
}

// ToolCallRecorder receives tool-call latency and error observations. The
// PerformanceMonitor satisfies this; a nil recorder disables recording.
type ToolCallRecorder interface {
	RecordToolCall(ctx context.Context, upstreamName string, d time.Duration, err error)
}

// CustomToolResult is the outcome of resolving a name against the curated
// custom-tool catalog.
type CustomToolResult struct {
	// RouteToUpstream is set for mcp-handler tools: routing should continue
	// by looking up this name in the normal tool catalog.
	RouteToUpstream string
	// Result is set for proxy-handler tools: the call is already complete.
	Result json.RawMessage
}

// CustomToolSummary is the tools/list-facing view of a registered custom
// tool: just enough to advertise it to a client, independent of the
// adapter-level storage shape (state.CustomToolEntry) backing it.
type CustomToolSummary struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CustomToolResolver resolves a name against the curated custom-tool
// catalog before the normal upstream tool catalog is consulted. A nil
// result (with a nil error) means the name is not a registered custom tool
// and routing should proceed exactly as if no resolver were configured.
// CustomToolService satisfies this; a nil resolver disables the catalog.
type CustomToolResolver interface {
	Resolve(ctx context.Context, name string, args json.RawMessage) (*CustomToolResult, error)
	// ListTools returns every registered custom tool, in catalog order, for
	// inclusion in tools/list ahead of the raw upstream catalog.
	ListTools(ctx context.Context) []CustomToolSummary
}

// ResultCache provides the tool-call result cache's read/write surface to
// the routing layer. CacheManager satisfies this; a nil cache disables
// caching.
type ResultCache interface {
	Lookup(toolName string, args json.RawMessage) (*cache.TaskRecord, bool)
	BeginPending(toolName, upstreamID string, args json.RawMessage) (*cache.TaskRecord, bool)
	Complete(fingerprint uint64, result json.RawMessage, err error)
	MarkConsumed(fingerprint uint64) error
}
