// Package upstream contains domain types for MCP upstream server configuration.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// TransportKind identifies the transport protocol for an upstream server.
type TransportKind string

const (
	// TransportStdio launches the upstream as a child process.
	TransportStdio TransportKind = "stdio"
	// TransportSSE connects to a remote SSE endpoint with an event stream.
	TransportSSE TransportKind = "sse"
	// TransportStreamableHTTP connects to a single /mcp URL using POST+GET SSE.
	TransportStreamableHTTP TransportKind = "streamable_http"
)

// ConnectionStatus represents the runtime connection state of an upstream.
type ConnectionStatus string

const (
	// StatusConnected indicates the upstream is connected and operational.
	StatusConnected ConnectionStatus = "connected"
	// StatusDisconnected indicates the upstream is not connected.
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusConnecting indicates a connection attempt is in progress.
	StatusConnecting ConnectionStatus = "connecting"
	// StatusError indicates the upstream encountered a connection error.
	StatusError ConnectionStatus = "error"
)

// namePattern allows alphanumeric, spaces, hyphens, and underscores.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

// nameMaxLength is the maximum allowed length for an upstream name.
const nameMaxLength = 100

// Upstream represents a configured MCP upstream server (the ServiceConfig
// tagged variant from spec.md §3), plus the runtime fields the Service
// Manager tracks once it is registered.
type Upstream struct {
	// ID is the unique identifier (UUID).
	ID string
	// Name is the human-readable display name (unique among services).
	Name string
	// Transport selects stdio, sse, or streamable_http.
	Transport TransportKind
	// Enabled indicates whether this upstream should be (re)connected.
	Enabled bool

	// Command is the executable path (stdio only).
	Command string
	// Args are the command-line arguments (stdio only).
	Args []string
	// Env holds environment variables passed to stdio upstreams (stdio only).
	Env map[string]string

	// URL is the endpoint (sse and streamable_http only).
	URL string

	// ToolsConfig maps original tool name to whether Tool-Sync should
	// project it into the custom-tool list on connect (spec.md §4.G).
	ToolsConfig map[string]bool

	// Status is the runtime connection state (not persisted).
	Status ConnectionStatus
	// LastError is the most recent error message (not persisted).
	LastError string
	// ToolCount is the number of tools discovered (not persisted).
	ToolCount int

	// CreatedAt is when this upstream was added.
	CreatedAt time.Time
	// UpdatedAt is when this upstream was last modified.
	UpdatedAt time.Time
}

// Validate checks that the upstream has valid configuration.
// Returns nil if valid, or an error describing the first validation failure.
func (u *Upstream) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}

	if len(u.Name) > nameMaxLength {
		return fmt.Errorf("name must be %d characters or less", nameMaxLength)
	}

	if !namePattern.MatchString(u.Name) {
		return fmt.Errorf("name contains invalid characters (allowed: alphanumeric, spaces, hyphens, underscores)")
	}

	switch u.Transport {
	case TransportStdio:
		if u.Command == "" {
			return fmt.Errorf("command is required for stdio upstream")
		}
	case TransportSSE, TransportStreamableHTTP:
		if u.URL == "" {
			return fmt.Errorf("url is required for %s upstream", u.Transport)
		}
		parsed, err := url.Parse(u.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("url is not a valid URL")
		}
	default:
		return fmt.Errorf("transport must be %q, %q or %q", TransportStdio, TransportSSE, TransportStreamableHTTP)
	}

	return nil
}

// EnabledTools returns the set of original tool names that Tool-Sync is
// allowed to project for this upstream (spec.md §4.G step 2).
func (u *Upstream) EnabledTools() map[string]bool {
	enabled := make(map[string]bool, len(u.ToolsConfig))
	for name, on := range u.ToolsConfig {
		if on {
			enabled[name] = true
		}
	}
	return enabled
}
