package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 15 * time.Second

// WebhookChannel posts notifications as JSON to an external URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel. Only http and https URLs are accepted.
func NewWebhookChannel(url string, timeout time.Duration) (*WebhookChannel, error) {
	url = strings.TrimSpace(url)
	lower := strings.ToLower(url)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return nil, fmt.Errorf("unsupported notification webhook url scheme: %q", url)
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}, nil
}

// Name returns the method name.
func (c *WebhookChannel) Name() string { return MethodWebhook }

// Notify posts the notification. Any non-2xx answer is a failure.
func (c *WebhookChannel) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Id", n.ID)

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("webhook request failed: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}
