package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/floorkeeper/floorkeeper/internal/types"
)

/*
 * call_webhook action.
 *
 * Template-substitutes the payload, issues the HTTP call under a bounded
 * timeout, and truncates the captured response body before it is stored in
 * the action result. A non-2xx response is an error outcome; the response
 * snippet is still captured either way so operators can see what the
 * remote end said.
 */

// WebhookConfig bounds webhook execution.
type WebhookConfig struct {
	Timeout      time.Duration // per-call ceiling; zero means 10s
	MaxBodyBytes int           // stored response cap; zero means types.MaxWebhookResponseBytes
	Client       *http.Client  // injectable for tests; nil builds one from Timeout
}

type webhookHandler struct {
	client  *http.Client
	maxBody int
}

func newWebhookHandler(cfg WebhookConfig) *webhookHandler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = types.MaxWebhookResponseBytes
	}
	return &webhookHandler{client: client, maxBody: maxBody}
}

func (h *webhookHandler) Execute(ctx context.Context, act *types.Action, inv *Invocation) (map[string]any, error) {
	if act.URL == "" {
		return nil, fmt.Errorf("call_webhook requires a URL")
	}

	method := act.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(act.Payload) > 0 {
		rendered := SubstituteValue(act.Payload, inv)
		encoded, err := json.Marshal(rendered)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, act.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range act.Headers {
		req.Header.Set(k, Substitute(v, inv))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return map[string]any{"url": act.URL}, fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()

	// Truncate before storing to bound execution record size.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, int64(h.maxBody)))

	result := map[string]any{
		"url":           act.URL,
		"method":        method,
		"status_code":   resp.StatusCode,
		"response_body": string(snippet),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return result, nil
}
