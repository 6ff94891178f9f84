package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/meshmcp/meshmcp/internal/domain/cache"
	"github.com/meshmcp/meshmcp/internal/domain/proxy"
	"github.com/meshmcp/meshmcp/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// --- Mock implementations ---

type mockToolCacheReader struct {
	tools map[string]*proxy.RoutableTool
}

func newMockToolCacheReader(tools ...*proxy.RoutableTool) *mockToolCacheReader {
	m := &mockToolCacheReader{tools: make(map[string]*proxy.RoutableTool)}
	for _, t := range tools {
		m.tools[t.Name] = t
	}
	return m
}

func (m *mockToolCacheReader) GetTool(name string) (*proxy.RoutableTool, bool) {
	t, ok := m.tools[name]
	return t, ok
}

func (m *mockToolCacheReader) GetAllTools() []*proxy.RoutableTool {
	result := make([]*proxy.RoutableTool, 0, len(m.tools))
	for _, t := range m.tools {
		result = append(result, t)
	}
	return result
}

type mockUpstreamConnectionProvider struct {
	connections  map[string]*mockConnection
	allConnected bool
}

type mockConnection struct {
	writer *mockWriteCloser
	reader *mockReadCloser
}

type mockWriteCloser struct {
	buf    []byte
	closed bool
	err    error
}

func (w *mockWriteCloser) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *mockWriteCloser) Close() error {
	w.closed = true
	return nil
}

type mockReadCloser struct {
	reader io.Reader
	closed bool
}

func (r *mockReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *mockReadCloser) Close() error {
	r.closed = true
	return nil
}

func newMockUpstreamConnectionProvider() *mockUpstreamConnectionProvider {
	return &mockUpstreamConnectionProvider{
		connections:  make(map[string]*mockConnection),
		allConnected: true,
	}
}

func (m *mockUpstreamConnectionProvider) GetConnection(upstreamID string) (io.WriteCloser, io.ReadCloser, error) {
	conn, ok := m.connections[upstreamID]
	if !ok {
		return nil, nil, fmt.Errorf("upstream %s not connected", upstreamID)
	}
	return conn.writer, conn.reader, nil
}

func (m *mockUpstreamConnectionProvider) AllConnected() bool {
	return m.allConnected
}

func (m *mockUpstreamConnectionProvider) addConnection(upstreamID string, responseJSON string) {
	m.connections[upstreamID] = &mockConnection{
		writer: &mockWriteCloser{},
		reader: &mockReadCloser{reader: strings.NewReader(responseJSON + "\n")},
	}
}

// fakeResultCache is a minimal in-memory ResultCache for handler tests.
type fakeResultCache struct {
	tasks          map[uint64]*cache.TaskRecord
	beginCallCount int
}

func newFakeResultCache() *fakeResultCache {
	return &fakeResultCache{tasks: make(map[uint64]*cache.TaskRecord)}
}

func (c *fakeResultCache) Lookup(toolName string, args json.RawMessage) (*cache.TaskRecord, bool) {
	rec, ok := c.tasks[cache.Fingerprint(toolName, args)]
	if ok && rec.Status == cache.StatusConsumed {
		return nil, false
	}
	return rec, ok
}

func (c *fakeResultCache) BeginPending(toolName, upstreamID string, args json.RawMessage) (*cache.TaskRecord, bool) {
	c.beginCallCount++
	fp := cache.Fingerprint(toolName, args)
	if existing, ok := c.tasks[fp]; ok && existing.Status != cache.StatusConsumed {
		return existing, false
	}
	rec := &cache.TaskRecord{Fingerprint: fp, ToolName: toolName, UpstreamID: upstreamID, Status: cache.StatusPending}
	c.tasks[fp] = rec
	return rec, true
}

func (c *fakeResultCache) Complete(fingerprint uint64, result json.RawMessage, err error) {
	rec, ok := c.tasks[fingerprint]
	if !ok {
		return
	}
	if err != nil {
		_ = rec.Transition(cache.StatusFailed)
		rec.Error = err.Error()
		return
	}
	_ = rec.Transition(cache.StatusCompleted)
	rec.Result = result
}

func (c *fakeResultCache) MarkConsumed(fingerprint uint64) error {
	rec, ok := c.tasks[fingerprint]
	if !ok || rec.Status == cache.StatusConsumed {
		return nil
	}
	return rec.Transition(cache.StatusConsumed)
}

// --- Helper functions ---

func makeToolsListRequest(t *testing.T, id int64) *mcp.Message {
	t.Helper()
	reqID, _ := jsonrpc.MakeID(float64(id))
	req := &jsonrpc.Request{ID: reqID, Method: "tools/list"}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		t.Fatalf("failed to encode tools/list request: %v", err)
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ClientToServer, Decoded: req}
}

func makeToolsCallRequest(t *testing.T, id int64, toolName string, args map[string]interface{}) *mcp.Message {
	t.Helper()
	params := map[string]interface{}{"name": toolName}
	if args != nil {
		params["arguments"] = args
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to marshal params: %v", err)
	}

	reqID, _ := jsonrpc.MakeID(float64(id))
	req := &jsonrpc.Request{ID: reqID, Method: "tools/call", Params: json.RawMessage(paramsJSON)}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		t.Fatalf("failed to encode tools/call request: %v", err)
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ClientToServer, Decoded: req}
}

func makeInitializeRequest(t *testing.T, id int64) *mcp.Message {
	t.Helper()
	reqID, _ := jsonrpc.MakeID(float64(id))
	req := &jsonrpc.Request{ID: reqID, Method: "initialize"}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		t.Fatalf("failed to encode initialize request: %v", err)
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ClientToServer, Decoded: req}
}

func makePingRequest(t *testing.T, id int64) *mcp.Message {
	t.Helper()
	reqID, _ := jsonrpc.MakeID(float64(id))
	req := &jsonrpc.Request{ID: reqID, Method: "ping"}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		t.Fatalf("failed to encode ping request: %v", err)
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ClientToServer, Decoded: req}
}

func makeNotificationRequest(t *testing.T, method string) *mcp.Message {
	t.Helper()
	req := &jsonrpc.Request{Method: method}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		t.Fatalf("failed to encode notification: %v", err)
	}
	return &mcp.Message{Raw: raw, Direction: mcp.ClientToServer, Decoded: req}
}

func newTestHandler(toolCache proxy.ToolCacheReader, manager proxy.UpstreamConnectionProvider) *MessageHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMessageHandler(toolCache, manager, logger)
}

// --- Tests ---

func TestMessageHandlerCompileTimeCheck(t *testing.T) {
	var _ proxy.MessageInterceptor = (*MessageHandler)(nil)
}

// fakeCustomToolResolver is a minimal CustomToolResolver for handler tests.
type fakeCustomToolResolver struct {
	summaries []proxy.CustomToolSummary
}

func (r *fakeCustomToolResolver) Resolve(ctx context.Context, name string, args json.RawMessage) (*proxy.CustomToolResult, error) {
	return nil, nil
}

func (r *fakeCustomToolResolver) ListTools(ctx context.Context) []proxy.CustomToolSummary {
	return r.summaries
}

func TestMessageHandlerToolsListCustomToolsFirstAndDeduped(t *testing.T) {
	toolCache := newMockToolCacheReader(
		&proxy.RoutableTool{Name: "catalog-only", UpstreamID: "upstream-1", Description: "from catalog"},
		&proxy.RoutableTool{Name: "aliased", UpstreamID: "upstream-1", Description: "shadowed by a custom tool"},
	)
	manager := newMockUpstreamConnectionProvider()
	customTools := &fakeCustomToolResolver{summaries: []proxy.CustomToolSummary{
		{Name: "aliased", Description: "custom override"},
	}}
	handler := newTestHandler(toolCache, manager).WithCustomTools(customTools)

	msg := makeToolsListRequest(t, 1)
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if len(result.Result.Tools) != 2 {
		t.Fatalf("expected 2 tools (deduped), got %d: %+v", len(result.Result.Tools), result.Result.Tools)
	}
	if result.Result.Tools[0].Name != "aliased" || result.Result.Tools[0].Description != "custom override" {
		t.Errorf("expected the custom tool first with its own description, got %+v", result.Result.Tools[0])
	}
	if result.Result.Tools[1].Name != "catalog-only" {
		t.Errorf("expected the remaining catalog tool second, got %+v", result.Result.Tools[1])
	}
}

func TestMessageHandlerToolsListAggregation(t *testing.T) {
	toolCache := newMockToolCacheReader(
		&proxy.RoutableTool{Name: "tool-a", UpstreamID: "upstream-1", Description: "Tool A desc", InputSchema: json.RawMessage(`{"type":"object"}`)},
		&proxy.RoutableTool{Name: "tool-b", UpstreamID: "upstream-1", Description: "Tool B desc", InputSchema: json.RawMessage(`{"type":"object"}`)},
		&proxy.RoutableTool{Name: "tool-c", UpstreamID: "upstream-2", Description: "Tool C desc", InputSchema: json.RawMessage(`{"type":"object"}`)},
	)
	manager := newMockUpstreamConnectionProvider()
	handler := newTestHandler(toolCache, manager)

	msg := makeToolsListRequest(t, 1)
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(result.Result.Tools) != 3 {
		t.Errorf("expected 3 tools, got %d", len(result.Result.Tools))
	}
}

func TestMessageHandlerToolsCallRouting(t *testing.T) {
	toolCache := newMockToolCacheReader(
		&proxy.RoutableTool{Name: "read-file", UpstreamID: "upstream-1", Description: "Read a file"},
		&proxy.RoutableTool{Name: "search-web", UpstreamID: "upstream-2", Description: "Search the web"},
	)

	upstreamResponse := `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"file contents"}]}}`

	manager := newMockUpstreamConnectionProvider()
	manager.addConnection("upstream-1", upstreamResponse)
	manager.addConnection("upstream-2", `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"search results"}]}}`)

	handler := newTestHandler(toolCache, manager)

	msg := makeToolsCallRequest(t, 1, "read-file", map[string]interface{}{"path": "/tmp/test"})
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn1 := manager.connections["upstream-1"]
	if len(conn1.writer.buf) == 0 {
		t.Error("expected request to be forwarded to upstream-1")
	}
	conn2 := manager.connections["upstream-2"]
	if len(conn2.writer.buf) != 0 {
		t.Error("did not expect request to be forwarded to upstream-2")
	}
	if resp.Direction != mcp.ServerToClient {
		t.Errorf("expected ServerToClient direction, got %v", resp.Direction)
	}
}

func TestMessageHandlerToolsCallNotFound(t *testing.T) {
	toolCache := newMockToolCacheReader(&proxy.RoutableTool{Name: "tool-a", UpstreamID: "upstream-1"})
	manager := newMockUpstreamConnectionProvider()
	handler := newTestHandler(toolCache, manager)

	msg := makeToolsCallRequest(t, 1, "nonexistent-tool", nil)
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Error *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result.Error == nil || result.Error.Code != -32601 {
		t.Fatalf("expected error code -32601, got %+v", result.Error)
	}
}

func TestMessageHandlerUnknownMethodRejected(t *testing.T) {
	toolCache := newMockToolCacheReader()
	manager := newMockUpstreamConnectionProvider()
	handler := newTestHandler(toolCache, manager)

	req := &jsonrpc.Request{Method: "resources/list"}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	msg := &mcp.Message{Raw: raw, Direction: mcp.ClientToServer, Decoded: req}

	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Error *struct {
			Code int64 `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result.Error == nil || result.Error.Code != -32601 {
		t.Fatalf("expected default -32601 for unhandled method, got %+v", result.Error)
	}
}

func TestMessageHandlerPingAnsweredLocally(t *testing.T) {
	toolCache := newMockToolCacheReader()
	manager := newMockUpstreamConnectionProvider()
	manager.allConnected = false // ping must not depend on upstream availability
	handler := newTestHandler(toolCache, manager)

	msg := makePingRequest(t, 7)
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Error  *struct{}       `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result.Error != nil {
		t.Fatal("ping should not produce an error response")
	}
}

func TestMessageHandlerNotificationsConsumedSilently(t *testing.T) {
	toolCache := newMockToolCacheReader()
	manager := newMockUpstreamConnectionProvider()
	manager.allConnected = false
	handler := newTestHandler(toolCache, manager)

	msg := makeNotificationRequest(t, "notifications/initialized")
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Error *struct{} `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result.Error != nil {
		t.Fatal("notification should not produce an error response")
	}
}

func TestMessageHandlerAllUpstreamsDisconnected(t *testing.T) {
	toolCache := newMockToolCacheReader(&proxy.RoutableTool{Name: "tool-a", UpstreamID: "upstream-1"})
	manager := newMockUpstreamConnectionProvider()
	manager.allConnected = false
	handler := newTestHandler(toolCache, manager)

	msg := makeToolsCallRequest(t, 1, "tool-a", nil)
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Error *struct {
			Code int64 `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result.Error == nil || result.Error.Code != -32000 {
		t.Fatalf("expected error code -32000, got %+v", result.Error)
	}
}

func TestMessageHandlerHandlesInitializeLocally(t *testing.T) {
	toolCache := newMockToolCacheReader()
	manager := newMockUpstreamConnectionProvider()
	handler := newTestHandler(toolCache, manager)

	msg := makeInitializeRequest(t, 1)
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Result struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result.Result.ServerInfo.Name != "meshmcp" {
		t.Errorf("expected serverInfo.name=meshmcp, got %q", result.Result.ServerInfo.Name)
	}
}

func TestMessageHandlerToolsCallServesFromCache(t *testing.T) {
	toolCache := newMockToolCacheReader(&proxy.RoutableTool{Name: "echo", UpstreamID: "upstream-1"})
	manager := newMockUpstreamConnectionProvider()
	manager.addConnection("upstream-1", `{"jsonrpc":"2.0","id":1,"result":{"text":"first"}}`)

	resultCache := newFakeResultCache()
	handler := newTestHandler(toolCache, manager).WithCache(resultCache)

	args := map[string]interface{}{"text": "hello"}
	msg1 := makeToolsCallRequest(t, 1, "echo", args)
	resp1, err := handler.Intercept(context.Background(), msg1)
	if err != nil {
		t.Fatalf("first call: unexpected error: %v", err)
	}

	var parsed1 struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp1.Raw, &parsed1); err != nil {
		t.Fatalf("failed to parse first response: %v", err)
	}
	if string(parsed1.Result) != `{"text":"first"}` {
		t.Errorf("first response result = %s, want {\"text\":\"first\"}", parsed1.Result)
	}

	manager.connections["upstream-1"] = &mockConnection{
		writer: &mockWriteCloser{},
		reader: &mockReadCloser{reader: strings.NewReader(`{"jsonrpc":"2.0","id":2,"result":{"text":"second"}}` + "\n")},
	}

	msg2 := makeToolsCallRequest(t, 2, "echo", args)
	resp2, err := handler.Intercept(context.Background(), msg2)
	if err != nil {
		t.Fatalf("second call: unexpected error: %v", err)
	}

	var parsed2 struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp2.Raw, &parsed2); err != nil {
		t.Fatalf("failed to parse second response: %v", err)
	}
	if string(parsed2.Result) != `{"text":"first"}` {
		t.Errorf("expected cached result on second call, got %s", parsed2.Result)
	}

	conn := manager.connections["upstream-1"]
	if len(conn.writer.buf) != 0 {
		t.Error("expected second identical call to be served from cache, not forwarded to upstream")
	}
}

func TestMessageHandlerToolsCallReportsInProgressForPendingEntry(t *testing.T) {
	toolCache := newMockToolCacheReader(&proxy.RoutableTool{Name: "slow", UpstreamID: "upstream-1"})
	manager := newMockUpstreamConnectionProvider()
	manager.addConnection("upstream-1", `{"jsonrpc":"2.0","id":1,"result":{"text":"done"}}`)

	resultCache := newFakeResultCache()
	handler := newTestHandler(toolCache, manager).WithCache(resultCache)

	args := map[string]interface{}{"n": 1}

	// Seed a pending entry directly, as if an in-flight call had already
	// begun it, before the handler's own call is made.
	resultCache.BeginPending("slow", "upstream-1", mustMarshalArgs(t, args))

	msg := makeToolsCallRequest(t, 1, "slow", args)
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed struct {
		Result struct {
			IsError bool `json:"isError"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Raw, &parsed); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if parsed.Result.IsError {
		t.Error("expected isError=false for a deferred-task response")
	}
	if len(parsed.Result.Content) != 1 || parsed.Result.Content[0].Text != "任务处理中" {
		t.Errorf("expected deferred-task content, got %+v", parsed.Result.Content)
	}

	conn := manager.connections["upstream-1"]
	if len(conn.writer.buf) != 0 {
		t.Error("expected an in-progress pending entry to prevent a duplicate upstream call")
	}
}

func mustMarshalArgs(t *testing.T, args map[string]interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("failed to marshal args: %v", err)
	}
	return raw
}

func TestMessageHandlerValidatesArgsAgainstSchema(t *testing.T) {
	toolCache := newMockToolCacheReader(&proxy.RoutableTool{
		Name:        "add",
		UpstreamID:  "upstream-1",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}},"required":["x"]}`),
	})
	manager := newMockUpstreamConnectionProvider()
	manager.addConnection("upstream-1", `{"jsonrpc":"2.0","id":1,"result":{"sum":3}}`)

	handler := newTestHandler(toolCache, manager)

	msg := makeToolsCallRequest(t, 1, "add", map[string]interface{}{"x": "not-a-number"})
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Error *struct {
			Code int64 `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result.Error == nil || result.Error.Code != -32602 {
		t.Fatalf("expected error code -32602 for schema violation, got %+v", result.Error)
	}

	conn := manager.connections["upstream-1"]
	if len(conn.writer.buf) != 0 {
		t.Error("expected upstream not to be invoked for an argument that fails schema validation")
	}
}

func TestMessageHandlerValidArgsPassSchema(t *testing.T) {
	toolCache := newMockToolCacheReader(&proxy.RoutableTool{
		Name:        "add",
		UpstreamID:  "upstream-1",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}},"required":["x"]}`),
	})
	manager := newMockUpstreamConnectionProvider()
	manager.addConnection("upstream-1", `{"jsonrpc":"2.0","id":1,"result":{"sum":3}}`)

	handler := newTestHandler(toolCache, manager)

	msg := makeToolsCallRequest(t, 1, "add", map[string]interface{}{"x": 3})
	resp, err := handler.Intercept(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Error *struct{} `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &result); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if result.Error != nil {
		t.Fatalf("did not expect an error for valid arguments, got %+v", result.Error)
	}

	conn := manager.connections["upstream-1"]
	if len(conn.writer.buf) == 0 {
		t.Error("expected upstream to be invoked for valid arguments")
	}
}

func TestMessageHandlerRejectsOversizedUpstreamResponse(t *testing.T) {
	toolCache := newMockToolCacheReader(&proxy.RoutableTool{
		Name:       "echo",
		UpstreamID: "upstream-1",
	})
	manager := newMockUpstreamConnectionProvider()
	oversized := strings.Repeat("x", upstreamLineBufSize+1)
	manager.connections["upstream-1"] = &mockConnection{
		writer: &mockWriteCloser{},
		reader: &mockReadCloser{reader: strings.NewReader(oversized + "\n")},
	}

	handler := newTestHandler(toolCache, manager)

	msg := makeToolsCallRequest(t, 1, "echo", nil)
	_, err := handler.Intercept(context.Background(), msg)
	if err == nil {
		t.Fatal("expected an error for an oversized upstream response, got nil")
	}
}
