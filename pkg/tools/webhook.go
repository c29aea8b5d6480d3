package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const defaultHTTPTimeout = 30 * time.Second

// maxResponseBody caps how much of a platform response is kept.
const maxResponseBody = 1 << 20

// PublishWebhookTool delivers a JSON payload to a publishing platform endpoint.
type PublishWebhookTool struct {
	client  *http.Client
	timeout time.Duration
}

// NewPublishWebhookTool creates the tool. A zero timeout means 30s.
func NewPublishWebhookTool(client *http.Client, timeout time.Duration) *PublishWebhookTool {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &PublishWebhookTool{client: client, timeout: timeout}
}

func (t *PublishWebhookTool) Name() string { return "publish_webhook" }
func (t *PublishWebhookTool) Description() string {
	return "POST or PUT a JSON payload to a platform publishing endpoint."
}

// Execute sends params.payload and returns {"status", "body", "platform"}.
// Non-2xx responses are errors.
func (t *PublishWebhookTool) Execute(ctx context.Context, params map[string]any) (any, error) {
	var p struct {
		URL      string            `json:"url" validate:"required,url"`
		Method   string            `json:"method" validate:"omitempty,oneof=POST PUT post put"`
		Platform string            `json:"platform"`
		Headers  map[string]string `json:"headers"`
		Payload  any               `json:"payload"`
	}
	if err := decodeParams(t.Name(), params, &p); err != nil {
		return nil, err
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("publish_webhook: encode payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, p.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("publish_webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if p.Platform != "" {
		req.Header.Set("X-Flowpress-Platform", p.Platform)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("publish_webhook: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("publish_webhook: read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("publish_webhook: %s returned status %d: %s", p.URL, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	out := map[string]any{"status": resp.StatusCode, "body": string(respBody)}
	if p.Platform != "" {
		out["platform"] = p.Platform
	}
	var parsed any
	if json.Unmarshal(respBody, &parsed) == nil {
		out["response"] = parsed
	}
	return out, nil
}
