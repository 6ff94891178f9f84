// Package http provides HTTP/Streamable HTTP transport for meshmcp.
//
// This package implements inbound HTTP transport following the MCP
// Streamable HTTP specification (2025-03-26). It enables remote clients
// to connect to meshmcp via HTTP/HTTPS instead of stdio.
//
// # Usage
//
// Create and start an HTTP transport:
//
//	transport := http.NewHTTPTransport(proxyService,
//	    http.WithAddr(":8080"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithAllowedOrigins([]string{"https://example.com"}),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
// The MCP handler is mounted at /mcp, /mcp/ and as the catch-all for every
// path not claimed by /health, /metrics, /favicon.ico or the admin API
// (mounted under /admin when WithExtraHandler is set):
//
//	POST /mcp    - Send JSON-RPC request, receive JSON-RPC response
//	GET /mcp     - Open SSE stream for server-initiated messages
//	DELETE /mcp  - Terminate session and close SSE connections
//	OPTIONS /mcp - CORS preflight handling
//
// # Request Headers
//
//	Mcp-Session-Id: <session-id>        - Session identifier for stateful requests
//	Content-Type: application/json      - Required for POST requests
//
// # Response Headers
//
//	MCP-Protocol-Version: 2024-11-05    - MCP protocol version
//	Mcp-Session-Id: <session-id>        - Session identifier echoed back
//	Content-Type: application/json      - JSON-RPC response format
//
// # Security Features
//
// The transport implements several security measures:
//
//   - TLS 1.2 minimum: When HTTPS enabled via WithTLS, TLS 1.2 is enforced
//   - DNS rebinding protection: Origin header validation via WithAllowedOrigins
//   - Real IP extraction: From X-Forwarded-For/X-Real-IP, stored in the request context for logging
//
// The transport performs no authentication and no rate limiting.
//
// # Middleware Chain
//
// Requests to the MCP handler pass through middleware in this order:
//
//  1. MetricsMiddleware - Records request duration and status
//  2. RequestIDMiddleware - Extracts or generates a request ID and enriches the logger
//  3. RealIPMiddleware - Extracts client IP from proxy headers
//  4. DNSRebindingProtection - Validates Origin header
//  5. Handler - Routes to POST/GET/DELETE/OPTIONS handlers
//
// The POST handler then passes each message to ProxyService.Run, which applies
// the proxy service's configured MessageInterceptor.
//
// # Server-Sent Events (SSE)
//
// GET requests open an SSE stream for server-initiated messages. The stream:
//   - Requires Mcp-Session-Id header
//   - Sends "data: <json>\n\n" formatted events
//   - Supports multiple connections per session
//   - Cleanly disconnects on context cancellation or session termination
//
// # LangChain / Framework Compatibility
//
// This transport is compatible with:
//   - LangChain MCP client (via Streamable HTTP transport)
//   - Direct HTTP clients using JSON-RPC
//   - Browser-based clients with CORS support
//
// Session management via Mcp-Session-Id enables stateful interactions
// across multiple HTTP requests.
package http
