// Package outbound defines the outbound port interfaces for connecting
// to upstream MCP servers.
package outbound

import (
	"context"
	"io"
)

// MCPClient is the outbound port for connecting to upstream MCP servers.
// Adapters implement this to support different transports (stdio, HTTP).
type MCPClient interface {
	// Start launches the upstream MCP server connection.
	// Returns the server's stdin (for sending) and stdout (for receiving).
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)

	// Wait blocks until the upstream server process/connection terminates.
	// Returns nil on graceful shutdown, error on failure.
	Wait() error

	// Close terminates the upstream connection and cleans up resources.
	Close() error
}

// ClientInfo identifies this proxy to an upstream during the initialize
// handshake.
type ClientInfo struct {
	Name    string
	Version string
}

// InitializeResult is the subset of an upstream's initialize response this
// proxy tracks: enough to log what it connected to, without depending on
// the full protocol schema here.
type InitializeResult struct {
	ProtocolVersion string
	ServerName      string
	ServerVersion   string
}

// TransportAdapter generalizes MCPClient with the initialize handshake the
// MCP protocol requires before any other request may be sent on a freshly
// started connection: write "initialize", read its result, then send the
// "notifications/initialized" acknowledgement. Start must be called and
// must succeed before Initialize.
type TransportAdapter interface {
	MCPClient

	// Initialize performs the initialize handshake over the pipes returned
	// by Start, using the given stdin/stdout (the same values Start
	// returned — passed explicitly so the adapter need not retain them).
	Initialize(ctx context.Context, stdin io.Writer, stdout io.Reader, info ClientInfo) (*InitializeResult, error)
}
