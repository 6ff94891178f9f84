package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/meshmcp/meshmcp/internal/port/outbound"
)

// initializeProtocolVersion is the MCP protocol version this proxy
// advertises to upstreams during the initialize handshake.
const initializeProtocolVersion = "2025-06-18"

// performInitialize writes an "initialize" request to stdin, reads its
// response from stdout (bounded by the same scannerMaxBufSize cap every
// adapter already applies), and sends the "notifications/initialized"
// acknowledgement. Shared by StdioClient, HTTPClient, and SSEClient so the
// handshake shape stays identical regardless of transport.
func performInitialize(ctx context.Context, stdin io.Writer, stdout io.Reader, info outbound.ClientInfo) (*outbound.InitializeResult, error) {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": initializeProtocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    info.Name,
				"version": info.Version,
			},
		},
	}
	if err := writeJSONLine(stdin, req); err != nil {
		return nil, fmt.Errorf("send initialize: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read initialize response: %w", err)
		}
		return nil, errors.New("upstream closed connection during initialize")
	}

	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode initialize response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream rejected initialize: %s", resp.Error.Message)
	}

	if err := writeJSONLine(stdin, map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	}); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	return &outbound.InitializeResult{
		ProtocolVersion: resp.Result.ProtocolVersion,
		ServerName:      resp.Result.ServerInfo.Name,
		ServerVersion:   resp.Result.ServerInfo.Version,
	}, nil
}

func writeJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
