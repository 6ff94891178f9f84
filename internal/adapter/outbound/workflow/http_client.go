// Package workflow provides a generic HTTP-backed WorkflowClient adapter
// for proxy-handler CustomMCPTool invocations. It carries no vendor-specific
// logic: platform and config are forwarded to the configured endpoint as
// given, exactly as the distilled spec's scope calls for.
package workflow

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/meshmcp/meshmcp/internal/port/outbound"
)

const (
	// maxResponseBodySize bounds how much of a workflow API's response body
	// is read, matching the cap the MCP transport clients enforce on their
	// own upstream responses.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// configURLKey is the Config map key a CustomMCPTool's proxy handler
	// must set to the workflow endpoint to POST to.
	configURLKey = "url"
)

// HTTPWorkflowClient invokes a workflow API over a single POST request: the
// tool-call arguments are sent as the JSON body, and the response body is
// returned as the call's raw JSON result.
type HTTPWorkflowClient struct {
	httpClient *http.Client
}

// NewHTTPWorkflowClient creates a WorkflowClient with the given request
// timeout.
func NewHTTPWorkflowClient(timeout time.Duration) *HTTPWorkflowClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPWorkflowClient{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// Invoke POSTs args to the URL named by config["url"], setting
// X-Workflow-Platform so the receiving endpoint can branch on platform
// itself if it serves more than one. No vendor-specific request shaping is
// performed here.
func (c *HTTPWorkflowClient) Invoke(ctx context.Context, platform string, config map[string]string, args json.RawMessage) (json.RawMessage, error) {
	url, ok := config[configURLKey]
	if !ok || url == "" {
		return nil, fmt.Errorf("workflow config missing %q", configURLKey)
	}

	if args == nil {
		args = json.RawMessage("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("create workflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workflow-Platform", platform)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call workflow endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read workflow response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("workflow endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	return json.RawMessage(body), nil
}

// Compile-time interface verification.
var _ outbound.WorkflowClient = (*HTTPWorkflowClient)(nil)
