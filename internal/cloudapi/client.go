// Package cloudapi sends WhatsApp messages through the Meta WhatsApp Business Cloud API.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/messaging"
)

// Default configuration values
const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v22.0"
	DefaultLanguage   = "fr"
	DefaultTimeout    = 30 * time.Second

	// MaxButtons and MaxButtonTitle are WhatsApp limits for reply buttons.
	MaxButtons     = 3
	MaxButtonTitle = 20
)

// ErrNotConfigured is returned when the access token or phone number id is missing.
var ErrNotConfigured = errors.New("whatsapp cloud api not configured")

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	AccessToken   string
	PhoneNumberID string
	APIVersion    string
	BaseURL       string
	HTTPClient    *http.Client
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithAccessToken sets the bearer token.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the sending phone number id.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithAPIVersion sets the Graph API version, e.g. v22.0.
func WithAPIVersion(version string) Option {
	return func(o *Opts) { o.APIVersion = version }
}

// WithBaseURL overrides the Graph API base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client implements messaging.Transport over the Cloud API.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

var _ messaging.Transport = (*Client)(nil)

// NewClient creates a Cloud API client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{APIVersion: DefaultAPIVersion, BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("%w: access token and phone number id must be provided", ErrNotConfigured)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	slog.Debug("CloudAPI client configured", "baseURL", cfg.BaseURL, "apiVersion", cfg.APIVersion)
	return &Client{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/" + cfg.APIVersion + "/" + cfg.PhoneNumberID + "/messages",
		token:    cfg.AccessToken,
		http:     cfg.HTTPClient,
	}, nil
}

// SendText sends a free-form text message.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	if body == "" {
		return "", messaging.ErrEmptyBody
	}
	return c.send(ctx, sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               messaging.CanonicalizePhone(to),
		Type:             "text",
		Text:             &textContent{Body: body},
	})
}

// SendTemplate sends an approved template; params fill the body component in order.
func (c *Client) SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error) {
	if language == "" {
		language = DefaultLanguage
	}
	tpl := &templateContent{Name: name, Language: templateLanguage{Code: language}}
	if len(params) > 0 {
		comp := templateComponent{Type: "body"}
		for _, p := range params {
			comp.Parameters = append(comp.Parameters, templateParameter{Type: "text", Text: p})
		}
		tpl.Components = []templateComponent{comp}
	}
	return c.send(ctx, sendRequest{
		MessagingProduct: "whatsapp",
		To:               messaging.CanonicalizePhone(to),
		Type:             "template",
		Template:         tpl,
	})
}

// SendInteractive sends up to three reply buttons under body.
func (c *Client) SendInteractive(ctx context.Context, to, body string, buttons []string) (string, error) {
	if len(buttons) > MaxButtons {
		slog.Warn("CloudAPI SendInteractive: too many buttons, truncating", "count", len(buttons))
		buttons = buttons[:MaxButtons]
	}
	action := interactiveAction{}
	for i, title := range buttons {
		action.Buttons = append(action.Buttons, replyButton{
			Type:  "reply",
			Reply: replyTitle{ID: fmt.Sprintf("btn_%d", i), Title: truncateRunes(title, MaxButtonTitle)},
		})
	}
	return c.send(ctx, sendRequest{
		MessagingProduct: "whatsapp",
		To:               messaging.CanonicalizePhone(to),
		Type:             "interactive",
		Interactive: &interactiveContent{
			Type:   "button",
			Body:   textBody{Text: body},
			Action: action,
		},
	})
}

// MarkRead marks an inbound message as read.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	_, err := c.post(ctx, sendRequest{MessagingProduct: "whatsapp", Status: "read", MessageID: messageID})
	return err
}

func (c *Client) send(ctx context.Context, payload sendRequest) (string, error) {
	sr, err := c.post(ctx, payload)
	if err != nil {
		slog.Error("CloudAPI send failed", "error", err, "to", payload.To, "type", payload.Type)
		return "", err
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return "", fmt.Errorf("missing message id in response")
	}
	slog.Debug("CloudAPI message sent", "to", payload.To, "type", payload.Type, "id", sr.Messages[0].ID)
	return sr.Messages[0].ID, nil
}

func (c *Client) post(ctx context.Context, payload sendRequest) (*sendResponse, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "unknown error"
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
			msg = er.Error.Message
		}
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, msg)
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	return &sr, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
