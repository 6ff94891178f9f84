package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/meshmcp/meshmcp/internal/domain/cache"
	"github.com/meshmcp/meshmcp/internal/domain/proxy"
	"github.com/meshmcp/meshmcp/pkg/mcp"
)

// JSON-RPC error codes used by MessageHandler.
const (
	ErrCodeMethodNotFound int64 = -32601
	ErrCodeInvalidParams  int64 = -32602
	ErrCodeInternal       int64 = -32603
	ErrCodeNoUpstreams    int64 = -32000
)

// deferredTaskMessage is returned as the tool/call result when an identical
// call is already in flight, so a retrying or concurrent duplicate observes
// the task is being worked rather than triggering a second upstream call.
const deferredTaskMessage = "任务处理中"

// compiledSchema pairs a compiled jsonschema.Schema with the raw bytes it
// was compiled from, so a tool's schema can be recompiled if it changes.
type compiledSchema struct {
	raw    string
	schema *jsonschema.Schema
}

// MessageHandler is the full method-table dispatcher for client-to-server
// MCP requests. Unlike a bare passthrough router, every method is handled
// explicitly: initialize and tools/list are answered locally, tools/call is
// validated against the tool's declared input schema before being routed to
// its owning upstream, ping is acknowledged without a round trip, and any
// notifications/* message is consumed silently. Anything else is rejected
// with Method Not Found rather than forwarded on spec.
type MessageHandler struct {
	toolCache   proxy.ToolCacheReader
	manager     proxy.UpstreamConnectionProvider
	cache       proxy.ResultCache
	metrics     proxy.ToolCallRecorder
	customTools proxy.CustomToolResolver
	logger      *slog.Logger

	schemaMu sync.Mutex
	schemas  map[string]compiledSchema
}

// NewMessageHandler creates a MessageHandler over the given tool cache and
// upstream connection provider.
func NewMessageHandler(toolCache proxy.ToolCacheReader, manager proxy.UpstreamConnectionProvider, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		toolCache: toolCache,
		manager:   manager,
		logger:    logger,
		schemas:   make(map[string]compiledSchema),
	}
}

// WithCache attaches a ResultCache so tools/call results are served from
// cache on a fingerprint match instead of re-invoking the upstream.
func (h *MessageHandler) WithCache(c proxy.ResultCache) *MessageHandler {
	h.cache = c
	return h
}

// WithMetrics attaches a ToolCallRecorder that observes tools/call latency
// and error outcomes.
func (h *MessageHandler) WithMetrics(m proxy.ToolCallRecorder) *MessageHandler {
	h.metrics = m
	return h
}

// WithCustomTools attaches a CustomToolResolver so tools/call first checks
// the curated custom-tool catalog (aliases and workflow-proxy handlers)
// before consulting the raw upstream tool catalog.
func (h *MessageHandler) WithCustomTools(r proxy.CustomToolResolver) *MessageHandler {
	h.customTools = r
	return h
}

// Intercept dispatches msg per the method table described on MessageHandler.
func (h *MessageHandler) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if msg.Direction == mcp.ServerToClient {
		return msg, nil
	}

	method := msg.Method()

	if method == "ping" {
		return h.buildResultResponse(msg, map[string]any{})
	}
	if strings.HasPrefix(method, "notifications/") || method == "initialized" {
		return h.buildResultResponse(msg, map[string]any{})
	}

	switch method {
	case "initialize":
		return h.handleInitialize(msg)
	case "tools/list":
		return h.handleToolsList(ctx, msg)
	case "tools/call":
		if !h.manager.AllConnected() {
			h.logger.Warn("no upstreams available")
			return h.buildErrorResponse(msg, ErrCodeNoUpstreams, "No upstreams available"), nil
		}
		return h.handleToolsCall(ctx, msg)
	default:
		return h.buildErrorResponse(msg, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", method)), nil
	}
}

// handleInitialize responds to the MCP initialize handshake directly. The
// proxy advertises its own capabilities without forwarding to upstreams.
func (h *MessageHandler) handleInitialize(msg *mcp.Message) (*mcp.Message, error) {
	result := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "meshmcp",
			"version": "1.0.0",
		},
	}
	return h.buildResultResponse(msg, result)
}

// handleToolsList returns the custom-tool catalog (if configured) followed
// by the raw upstream catalog, in service-insertion order throughout.
// Custom tools take priority on a name collision: a catalog tool already
// listed under a custom tool's name is skipped.
func (h *MessageHandler) handleToolsList(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	allTools := h.toolCache.GetAllTools()

	tools := make([]toolEntry, 0, len(allTools))
	seen := make(map[string]bool, len(allTools))

	if h.customTools != nil {
		for _, ct := range h.customTools.ListTools(ctx) {
			if seen[ct.Name] {
				continue
			}
			seen[ct.Name] = true
			tools = append(tools, toolEntry{Name: ct.Name, Description: ct.Description, InputSchema: ct.InputSchema})
		}
	}

	for _, t := range allTools {
		if seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		entry := toolEntry{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			entry.InputSchema = t.InputSchema
		}
		tools = append(tools, entry)
	}

	return h.buildResultResponse(msg, toolsListResult{Tools: tools})
}

// handleToolsCall first checks the curated custom-tool catalog (if one is
// configured), then validates the call's arguments against the tool's
// declared input schema, serves a cached result when available, and
// otherwise routes the call to the upstream that owns the tool.
func (h *MessageHandler) handleToolsCall(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	toolName := h.extractToolName(msg)
	if toolName == "" {
		h.logger.Warn("tools/call missing tool name")
		return h.buildErrorResponse(msg, ErrCodeMethodNotFound, "Tool not found: (empty name)"), nil
	}

	args := h.extractToolArgs(msg)

	if h.customTools != nil {
		custom, err := h.customTools.Resolve(ctx, toolName, args)
		if err != nil {
			h.logger.Warn("custom tool resolution failed", "tool", toolName, "error", err)
			return h.buildErrorResponse(msg, ErrCodeInternal, err.Error()), nil
		}
		if custom != nil {
			if custom.Result != nil {
				return h.buildResultResponse(msg, custom.Result)
			}
			if custom.RouteToUpstream != "" {
				toolName = custom.RouteToUpstream
			}
		}
	}

	tool, found := h.toolCache.GetTool(toolName)
	if !found {
		h.logger.Warn("tool not found", "tool", toolName)
		return h.buildErrorResponse(msg, ErrCodeMethodNotFound, fmt.Sprintf("Tool not found: %s", toolName)), nil
	}

	if errResp := h.validateArgs(msg, tool, args); errResp != nil {
		return errResp, nil
	}

	h.logger.Debug("routing tools/call", "tool", toolName, "upstream", tool.UpstreamID)

	var fingerprint uint64
	if h.cache != nil {
		if rec, ok := h.cache.Lookup(toolName, args); ok {
			switch rec.Status {
			case cache.StatusPending:
				h.logger.Debug("tool call already in progress", "tool", toolName)
				return h.buildResultResponse(msg, toolCallResult{
					IsError: false,
					Content: []toolCallContent{{Type: "text", Text: deferredTaskMessage}},
				})
			case cache.StatusCompleted:
				h.logger.Debug("serving cached tool result", "tool", toolName)
				if err := h.cache.MarkConsumed(rec.Fingerprint); err != nil {
					h.logger.Warn("cache mark consumed failed", "tool", toolName, "error", err)
				}
				return h.buildResultResponse(msg, json.RawMessage(rec.Result))
			case cache.StatusFailed:
				h.logger.Debug("serving cached failure", "tool", toolName)
				if err := h.cache.MarkConsumed(rec.Fingerprint); err != nil {
					h.logger.Warn("cache mark consumed failed", "tool", toolName, "error", err)
				}
				return h.buildResultResponse(msg, toolCallResult{
					IsError: true,
					Content: []toolCallContent{{Type: "text", Text: rec.Error}},
				})
			}
		}
		rec, _ := h.cache.BeginPending(toolName, tool.UpstreamID, args)
		if rec != nil {
			fingerprint = rec.Fingerprint
		}
	}

	writer, reader, err := h.manager.GetConnection(tool.UpstreamID)
	if err != nil {
		h.logger.Error("upstream connection failed", "upstream", tool.UpstreamID, "error", err)
		if h.metrics != nil {
			h.metrics.RecordToolCall(ctx, tool.UpstreamID, 0, err)
		}
		if h.cache != nil && fingerprint != 0 {
			h.cache.Complete(fingerprint, nil, err)
		}
		return h.buildErrorResponse(msg, ErrCodeInternal, fmt.Sprintf("Upstream unavailable: %s", tool.UpstreamID)), nil
	}

	start := time.Now()
	resp, err := h.forwardToUpstream(msg, writer, reader)
	if h.metrics != nil {
		h.metrics.RecordToolCall(ctx, tool.UpstreamID, time.Since(start), err)
	}
	if h.cache != nil && fingerprint != 0 {
		h.cache.Complete(fingerprint, extractResult(resp), err)
	}
	return resp, err
}

// validateArgs checks args against tool.InputSchema, returning a non-nil
// error-response message if validation fails or nil if it passes (or no
// schema was declared). A schema that fails to compile is logged and
// treated as "no schema" rather than rejecting every call for that tool.
func (h *MessageHandler) validateArgs(msg *mcp.Message, tool *proxy.RoutableTool, args json.RawMessage) *mcp.Message {
	schema, err := h.schemaFor(tool)
	if err != nil {
		h.logger.Warn("tool input schema failed to compile, skipping validation", "tool", tool.Name, "error", err)
		return nil
	}
	if schema == nil {
		return nil
	}

	var instance any
	if len(args) == 0 {
		instance = map[string]any{}
	} else if err := json.Unmarshal(args, &instance); err != nil {
		return h.buildErrorResponse(msg, ErrCodeInvalidParams, fmt.Sprintf("tool arguments for %s are not valid JSON", tool.Name))
	}

	if err := schema.Validate(instance); err != nil {
		h.logger.Warn("tool arguments failed schema validation", "tool", tool.Name, "error", err)
		return h.buildErrorResponse(msg, ErrCodeInvalidParams, fmt.Sprintf("invalid arguments for tool %s: %v", tool.Name, err))
	}
	return nil
}

// schemaFor compiles and caches tool.InputSchema, recompiling only when the
// raw schema bytes change. Returns (nil, nil) when the tool declares no
// schema.
func (h *MessageHandler) schemaFor(tool *proxy.RoutableTool) (*jsonschema.Schema, error) {
	if len(tool.InputSchema) == 0 {
		return nil, nil
	}

	h.schemaMu.Lock()
	defer h.schemaMu.Unlock()

	if cs, ok := h.schemas[tool.Name]; ok && cs.raw == string(tool.InputSchema) {
		return cs.schema, nil
	}

	var schemaDoc any
	if err := json.Unmarshal(tool.InputSchema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal input schema: %w", err)
	}

	resourceID := tool.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceID, schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}

	h.schemas[tool.Name] = compiledSchema{raw: string(tool.InputSchema), schema: compiled}
	return compiled, nil
}

// upstreamLineBufSize bounds how large a single response line from an
// upstream may be before forwardToUpstream gives up on it, matching the
// cap the HTTP and SSE transport adapters already enforce on their own
// internal scanners. Without this, a stdio upstream writing an unbounded
// line would force an unbounded buffer grow here.
const upstreamLineBufSize = 1024 * 1024 // 1MiB

// forwardToUpstream writes the raw message to the upstream's stdin and reads
// the response.
func (h *MessageHandler) forwardToUpstream(msg *mcp.Message, writer io.WriteCloser, reader io.ReadCloser) (*mcp.Message, error) {
	data := msg.Raw
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message to forward")
	}
	if data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("writing to upstream: %w", err)
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), upstreamLineBufSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				h.logger.Warn("upstream response exceeded line buffer, dropping", "limit", upstreamLineBufSize)
				return nil, fmt.Errorf("upstream response too large")
			}
			return nil, fmt.Errorf("reading from upstream: %w", err)
		}
		return nil, fmt.Errorf("upstream closed connection without response")
	}

	return &mcp.Message{
		Raw:       scanner.Bytes(),
		Direction: mcp.ServerToClient,
		Timestamp: time.Now(),
	}, nil
}

// extractToolName extracts the tool name from a tools/call request's params.
func (h *MessageHandler) extractToolName(msg *mcp.Message) string {
	params := msg.ParseParams()
	if params == nil {
		return ""
	}
	name, ok := params["name"].(string)
	if !ok {
		return ""
	}
	return name
}

// extractToolArgs extracts the raw "arguments" object from a tools/call
// request, used both as the schema-validation instance and the cache
// fingerprint's input.
func (h *MessageHandler) extractToolArgs(msg *mcp.Message) json.RawMessage {
	var req struct {
		Params struct {
			Arguments json.RawMessage `json:"arguments"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg.Raw, &req); err != nil {
		return nil
	}
	return req.Params.Arguments
}

// extractResult pulls the "result" field out of an upstream's JSON-RPC
// response, for storage in the result cache. Returns nil for error
// responses or malformed messages.
func extractResult(msg *mcp.Message) json.RawMessage {
	if msg == nil {
		return nil
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(msg.Raw, &resp); err != nil {
		return nil
	}
	return resp.Result
}

// buildErrorResponse constructs a JSON-RPC error response message.
func (h *MessageHandler) buildErrorResponse(msg *mcp.Message, code int64, message string) *mcp.Message {
	rawID := msg.RawID()

	resp := jsonRPCError{
		JSONRPC: "2.0",
		Error:   jsonRPCErrorDetail{Code: code, Message: message},
	}
	if rawID != nil {
		resp.ID = rawID
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal error response", "error", err)
		return msg
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		Timestamp: time.Now(),
	}
}

// buildResultResponse constructs a JSON-RPC success response message.
func (h *MessageHandler) buildResultResponse(msg *mcp.Message, result interface{}) (*mcp.Message, error) {
	rawID := msg.RawID()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}

	resp := jsonRPCResult{JSONRPC: "2.0", Result: json.RawMessage(resultJSON)}
	if rawID != nil {
		resp.ID = rawID
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		Timestamp: time.Now(),
	}, nil
}

// --- JSON response types ---

type jsonRPCError struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id,omitempty"`
	Error   jsonRPCErrorDetail `json:"error"`
}

type jsonRPCErrorDetail struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result"`
}

type toolEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []toolEntry `json:"tools"`
}

// toolCallContent is one block of a tools/call result's content array.
type toolCallContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolCallResult is the synthesized tools/call result MessageHandler builds
// directly (without forwarding to an upstream) for the deferred-task and
// cached-failure cases.
type toolCallResult struct {
	IsError bool              `json:"isError"`
	Content []toolCallContent `json:"content"`
}

// Compile-time check that MessageHandler implements proxy.MessageInterceptor.
var _ proxy.MessageInterceptor = (*MessageHandler)(nil)
