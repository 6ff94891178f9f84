// Package wsendpoint provides an outbound WebSocket client for downstream
// MCP endpoints: the proxy dials out to these, rather than accepting
// inbound connections from them.
package wsendpoint

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Client wraps a single outbound WebSocket connection to a downstream
// endpoint, exposing newline-free message read/write for JSON-RPC frames.
type Client struct {
	url  string
	conn *websocket.Conn
}

// Dial opens a new WebSocket connection to url.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{url: url, conn: conn}, nil
}

// WriteMessage sends a single JSON-RPC message as a text frame.
func (c *Client) WriteMessage(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ReadMessage blocks until a text frame arrives, returning its payload.
func (c *Client) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Ping sends a control-level ping and waits for the pong, bounded by timeout.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.conn.Ping(pingCtx)
}

// Close closes the connection with a normal closure status.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "endpoint removed")
}

// CloseError closes the connection with an internal-error status, used when
// the connection is being torn down after a failure rather than a clean stop.
func (c *Client) CloseError(reason string) error {
	return c.conn.Close(websocket.StatusInternalError, reason)
}
