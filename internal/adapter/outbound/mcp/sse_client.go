package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/meshmcp/meshmcp/internal/port/outbound"
)

// SSEClientOption configures an SSEClient.
type SSEClientOption func(*SSEClient)

// WithSSETimeout sets the HTTP client timeout used for outgoing POSTs.
// The GET stream itself is long-lived and not subject to this timeout.
func WithSSETimeout(d time.Duration) SSEClientOption {
	return func(c *SSEClient) { c.postTimeout = d }
}

// SSEClient connects to an MCP server using the legacy HTTP+SSE transport:
// a long-lived GET request delivers server-to-client messages as
// "event: message" frames, while client-to-server messages are POSTed to
// a separate endpoint the server announces in the stream's first
// "event: endpoint" frame.
type SSEClient struct {
	sseURL     string
	httpClient *http.Client // used for the long-lived GET stream, no timeout
	postClient *http.Client // used for outgoing POSTs, bounded by postTimeout

	postTimeout time.Duration

	mu           sync.Mutex
	postURL      string
	postURLReady chan struct{}
	state        clientState
	wg           sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	requestPipeReader  *io.PipeReader
	requestPipeWriter  *io.PipeWriter
	responsePipeReader *io.PipeReader
	responsePipeWriter *io.PipeWriter

	waitErr error
	done    chan struct{}
}

// NewSSEClient creates a client for the given MCP server SSE endpoint.
func NewSSEClient(sseURL string, opts ...SSEClientOption) *SSEClient {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	c := &SSEClient{
		sseURL:       sseURL,
		postTimeout:  30 * time.Second,
		httpClient:   &http.Client{Transport: transport},
		postURLReady: make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.postClient = &http.Client{Transport: transport, Timeout: c.postTimeout}
	return c
}

// Start opens the SSE stream and returns pipe ends for sending requests and
// receiving responses/notifications.
func (c *SSEClient) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateStarted:
		return nil, nil, errors.New("client already started")
	case stateClosed:
		return nil, nil, errors.New("client is closed, create a new instance")
	}
	c.state = stateStarted

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.requestPipeReader, c.requestPipeWriter = io.Pipe()
	c.responsePipeReader, c.responsePipeWriter = io.Pipe()

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("open SSE stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, nil, fmt.Errorf("SSE stream returned status %d", resp.StatusCode)
	}

	c.wg.Add(2)
	go c.readEvents(resp.Body)
	go c.forwardRequests()

	return c.requestPipeWriter, c.responsePipeReader, nil
}

// readEvents parses "event:"/"data:" frames from the SSE body. The first
// "endpoint" event supplies the URL used for outgoing POSTs; "message"
// events are forwarded verbatim to the response pipe.
func (c *SSEClient) readEvents(body io.ReadCloser) {
	defer c.wg.Done()
	defer func() { _ = body.Close() }()
	defer func() { _ = c.responsePipeWriter.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	var event string
	var data bytes.Buffer

	flush := func() {
		if data.Len() == 0 {
			return
		}
		payload := strings.TrimSuffix(data.String(), "\n")
		data.Reset()

		switch event {
		case "endpoint":
			resolved := c.resolveEndpoint(payload)
			c.mu.Lock()
			if c.postURL == "" {
				c.postURL = resolved
				close(c.postURLReady)
			}
			c.mu.Unlock()
		default: // "message" and unlabeled frames both carry JSON-RPC payloads
			if _, err := c.responsePipeWriter.Write([]byte(payload + "\n")); err != nil {
				return
			}
		}
		event = ""
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(line, "data:"))
			data.WriteString("\n")
		}
	}
	flush()

	c.mu.Lock()
	c.waitErr = scanner.Err()
	c.mu.Unlock()
	close(c.done)
}

// resolveEndpoint resolves a (possibly relative) endpoint announcement
// against the original SSE URL.
func (c *SSEClient) resolveEndpoint(raw string) string {
	base, err := url.Parse(c.sseURL)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

// forwardRequests reads newline-delimited JSON-RPC messages from the
// request pipe and POSTs each to the announced endpoint. Responses arrive
// asynchronously on the SSE stream, not on the POST response body.
func (c *SSEClient) forwardRequests() {
	defer c.wg.Done()

	select {
	case <-c.postURLReady:
	case <-c.ctx.Done():
		return
	}

	c.mu.Lock()
	postURL := c.postURL
	c.mu.Unlock()

	scanner := bufio.NewScanner(c.requestPipeReader)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, postURL, bytes.NewReader(raw))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.postClient.Do(req)
		if err != nil {
			continue
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
		_ = resp.Body.Close()
	}
}

// Wait blocks until the SSE stream terminates.
func (c *SSEClient) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}

// Close terminates the connection and releases resources.
func (c *SSEClient) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c.requestPipeWriter != nil {
		_ = c.requestPipeWriter.Close()
	}
	c.wg.Wait()

	select {
	case <-c.postURLReady:
	default:
		close(c.postURLReady)
	}
	return nil
}

// Initialize performs the MCP initialize handshake over the pipes returned
// by Start.
func (c *SSEClient) Initialize(ctx context.Context, stdin io.Writer, stdout io.Reader, info outbound.ClientInfo) (*outbound.InitializeResult, error) {
	return performInitialize(ctx, stdin, stdout, info)
}

// Compile-time check that SSEClient implements TransportAdapter (which
// embeds MCPClient).
var _ outbound.TransportAdapter = (*SSEClient)(nil)

// compile-time reminder that time is imported for future timeout options.
var _ = time.Second
