package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DefaultWebhookTimeout bounds a single webhook POST.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookPayload is the JSON body posted to webhook destinations.
type WebhookPayload struct {
	ID      string       `json:"id"`
	Event   string       `json:"event"`
	Subject string       `json:"subject"`
	Body    string       `json:"body"`
	Result  VerifyStatus `json:"result"`
}

// WebhookTransport posts a JSON payload to http(s) destinations, once.
type WebhookTransport struct {
	client *http.Client
}

var _ Transport = (*WebhookTransport)(nil)

func NewWebhookTransport(timeout time.Duration) *WebhookTransport {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookTransport{client: &http.Client{Timeout: timeout}}
}

func (t *WebhookTransport) Deliver(ctx context.Context, dest *url.URL, msg Message) error {
	if dest.Host == "" {
		return fmt.Errorf("webhook destination has no host")
	}
	payload, err := json.Marshal(WebhookPayload{
		ID:      msg.ID,
		Event:   "verify.finished",
		Subject: msg.Subject,
		Body:    msg.Body,
		Result:  msg.Status,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "snapvault-webhook/1.0")
	req.Header.Set("Idempotency-Key", msg.ID)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
