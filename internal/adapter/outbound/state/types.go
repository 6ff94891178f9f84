// Package state provides file-based persistence for meshmcp runtime state.
//
// The state.json file stores the configured upstream MCP servers, the
// custom tools projected on top of them, and the downstream endpoints the
// proxy maintains outbound connections to. This package provides atomic
// writes, file locking, and backup functionality.
package state

import "time"

// AppState is the top-level structure persisted in state.json. It mirrors
// the ConfigSource-supplied shape from spec.md §6: mcpServers, per-service
// toolsConfig (folded into UpstreamEntry.ToolsConfig), customMCPTools,
// mcpEndpoints, and tuning knobs (webUIPort, toolCallLogConfig).
type AppState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// Upstreams are the configured MCP upstream servers (mcpServers).
	Upstreams []UpstreamEntry `json:"upstreams"`

	// CustomTools are the user-facing tools layered on top of upstream
	// services or proxy workflow APIs (customMCPTools).
	CustomTools []CustomToolEntry `json:"custom_tools,omitempty"`

	// Endpoints are the downstream WebSocket endpoints this proxy
	// maintains outbound connections to (mcpEndpoints).
	Endpoints []EndpointEntry `json:"endpoints,omitempty"`

	// WebUIPort is the port the admin REST surface listens on.
	WebUIPort int `json:"web_ui_port,omitempty"`

	// ToolCallLog holds the tool-call log setting persisted with the state.
	// It is stored and loaded only; no component in this module reads it.
	ToolCallLog ToolCallLogConfigEntry `json:"tool_call_log,omitempty"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// UpstreamEntry represents a configured MCP upstream server.
type UpstreamEntry struct {
	// ID is the unique identifier (UUID).
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Type is the transport kind: "stdio", "sse", or "streamable_http".
	Type string `json:"type"`

	// Enabled indicates whether this upstream is active.
	Enabled bool `json:"enabled"`

	// Command is the executable path for stdio upstreams.
	Command string `json:"command,omitempty"`

	// Args are the command-line arguments for stdio upstreams.
	Args []string `json:"args,omitempty"`

	// URL is the endpoint for sse and streamable_http upstreams.
	URL string `json:"url,omitempty"`

	// Env holds environment variables passed to stdio upstreams.
	Env map[string]string `json:"env,omitempty"`

	// ToolsConfig maps original tool name to whether Tool-Sync should
	// project it into the custom-tool list on connect.
	ToolsConfig map[string]bool `json:"tools_config,omitempty"`

	// CreatedAt is when this upstream was added.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this upstream was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// CustomToolEntry represents a persisted CustomMCPTool (spec.md §3).
// Exactly one of the two handler variants is populated, selected by Kind.
type CustomToolEntry struct {
	// Name is the tool name exposed to downstream consumers.
	Name string `json:"name"`

	// Description is shown to downstream consumers in tools/list.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema interface{} `json:"input_schema,omitempty"`

	// Kind selects the handler variant: "mcp" or "proxy".
	Kind string `json:"kind"`

	// ServiceName and ToolName are set for Kind == "mcp": the tool
	// delegates to an upstream service's original tool.
	ServiceName string `json:"service_name,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`

	// Platform and Config are set for Kind == "proxy": the tool delegates
	// to an external HTTP workflow API (e.g. "coze").
	Platform string            `json:"platform,omitempty"`
	Config   map[string]string `json:"config,omitempty"`

	// CreatedAt is when this custom tool was registered.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when this custom tool was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// EndpointEntry represents a downstream WebSocket endpoint this proxy
// maintains an outbound connection to.
type EndpointEntry struct {
	// URL is the endpoint's unique identifier.
	URL string `json:"url"`

	// CreatedAt is when this endpoint was added.
	CreatedAt time.Time `json:"created_at"`
}

// ToolCallLogConfigEntry is the persisted tool-call log setting.
type ToolCallLogConfigEntry struct {
	// Capacity is the stored maximum number of log records. No tool-call log
	// in this module consumes it.
	Capacity int `json:"capacity,omitempty"`
}
