// Package genai provides the completion provider used for auto-replies and
// message analysis. It speaks the OpenAI chat completions protocol, which
// Mistral exposes at its /v1 base URL.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default configuration values
const (
	DefaultBaseURL     = "https://api.mistral.ai/v1"
	DefaultModel       = "mistral-small-latest"
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7
	DefaultTimeout     = 30 * time.Second
	DefaultAppName     = "Polaris CRM"
	DefaultTimezone    = "Africa/Dakar"
)

var (
	// ErrNoChoicesReturned is returned when the provider answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyResponse is returned when the only choice has no text.
	ErrEmptyResponse = errors.New("empty response from completion provider")
	// ErrMissingAPIKey is returned by NewClient without an API key.
	ErrMissingAPIKey = errors.New("completion provider API key not set")
	// ErrInvalidJSON wraps structured outputs that could not be parsed.
	ErrInvalidJSON = errors.New("invalid structured output")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the openai-go chat completions service to chatService.
type completionsService struct {
	svc openai.ChatCompletionService
}

func (c completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
	AppName     string // association name used in prompts
	Timezone    string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL sets the OpenAI-compatible base URL.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(o *Opts) { o.Temperature = temp }
}

// WithMaxTokens bounds the length of generated answers.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout bounds every provider call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithAppName sets the association name used in prompts.
func WithAppName(name string) Option {
	return func(o *Opts) { o.AppName = name }
}

// WithTimezone sets the timezone mentioned in the auto-reply prompt.
func WithTimezone(tz string) Option {
	return func(o *Opts) { o.Timezone = tz }
}

// Client wraps the chat completion service.
type Client struct {
	chat chatService
	cfg  Opts
	now  func() time.Time
}

func defaultOpts() Opts {
	return Opts{
		BaseURL:     DefaultBaseURL,
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
		AppName:     DefaultAppName,
		Timezone:    DefaultTimezone,
	}
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cli := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(0),
	)
	slog.Debug("GenAI client configured", "baseURL", cfg.BaseURL, "model", cfg.Model, "timeout", cfg.Timeout)
	return &Client{chat: completionsService{svc: cli.Chat.Completions}, cfg: cfg, now: time.Now}, nil
}

// newTestClient builds a client around a fake chat service.
func newTestClient(chat chatService, opts ...Option) *Client {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{chat: chat, cfg: cfg, now: time.Now}
}

// Complete sends the system framing, prior turns (oldest first) and the user
// message, and returns the trimmed answer. The call is bounded by the
// configured timeout; a timeout is reported like any other provider error.
func (c *Client) Complete(ctx context.Context, systemPrompt string, history []models.ConversationTurn, userMessage string) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, turn := range history {
		switch turn.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userMessage))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.cfg.Model),
		Messages:    messages,
		Temperature: openai.Float(c.cfg.Temperature),
		MaxTokens:   openai.Int(c.cfg.MaxTokens),
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI.Complete: provider call failed", "error", err, "model", c.cfg.Model, "elapsed", time.Since(start))
		return "", fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyResponse
	}
	slog.Debug("GenAI.Complete: success", "model", c.cfg.Model, "history", len(history), "length", len(out), "elapsed", time.Since(start))
	return out, nil
}

// GenerateReply answers a member message in the association's voice.
func (c *Client) GenerateReply(ctx context.Context, history []models.ConversationTurn, message string) (string, error) {
	return c.Complete(ctx, c.autoReplyPrompt(), history, message)
}

// DetectIntent classifies a member message. Unknown urgency labels are left empty.
func (c *Client) DetectIntent(ctx context.Context, message string) (*models.IntentAnalysis, error) {
	out, err := c.Complete(ctx, jsonExpertPrompt, nil, fmt.Sprintf(intentPrompt, message))
	if err != nil {
		return nil, err
	}
	var raw struct {
		Intent          string   `json:"intent"`
		Urgency         string   `json:"urgency"`
		Category        string   `json:"category"`
		RequiresHuman   flexBool `json:"requires_human"`
		SuggestedAction string   `json:"suggested_action"`
	}
	if err := decodeJSON(out, &raw); err != nil {
		slog.Warn("GenAI.DetectIntent: unparseable output", "error", err)
		return nil, err
	}
	return &models.IntentAnalysis{
		Intent:          raw.Intent,
		Urgency:         models.ParseUrgency(raw.Urgency),
		Category:        raw.Category,
		RequiresHuman:   bool(raw.RequiresHuman),
		SuggestedAction: raw.SuggestedAction,
	}, nil
}

// AnalyzeSentiment returns the sentiment of a text.
func (c *Client) AnalyzeSentiment(ctx context.Context, text string) (*models.SentimentAnalysis, error) {
	out, err := c.Complete(ctx, sentimentExpertPrompt, nil, fmt.Sprintf(sentimentPrompt, text))
	if err != nil {
		return nil, err
	}
	var raw struct {
		Sentiment  string   `json:"sentiment"`
		Confidence float64  `json:"confidence"`
		Emotions   []string `json:"emotions"`
		Summary    string   `json:"summary"`
	}
	if err := decodeJSON(out, &raw); err != nil {
		slog.Warn("GenAI.AnalyzeSentiment: unparseable output", "error", err)
		return nil, err
	}
	if raw.Emotions == nil {
		raw.Emotions = []string{}
	}
	return &models.SentimentAnalysis{
		Sentiment:  models.ParseSentiment(raw.Sentiment),
		Confidence: clamp01(raw.Confidence),
		Emotions:   raw.Emotions,
		Summary:    raw.Summary,
	}, nil
}

// MaxSuggestions is the number of reply suggestions requested.
const MaxSuggestions = 3

// SuggestReplies proposes up to MaxSuggestions short answers to a member message.
func (c *Client) SuggestReplies(ctx context.Context, message string) ([]string, error) {
	out, err := c.Complete(ctx, c.communicationExpertPrompt(), nil, fmt.Sprintf(suggestionsPrompt, MaxSuggestions, c.cfg.AppName, message))
	if err != nil {
		return nil, err
	}
	var list []string
	if decodeJSON(out, &list) != nil {
		list = parseNumberedList(out)
	}
	var suggestions []string
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			suggestions = append(suggestions, s)
		}
		if len(suggestions) == MaxSuggestions {
			break
		}
	}
	if len(suggestions) == 0 {
		return nil, fmt.Errorf("%w: no suggestions found", ErrInvalidJSON)
	}
	return suggestions, nil
}

// ImproveMessage rewrites a draft for grammar, tone and clarity.
func (c *Client) ImproveMessage(ctx context.Context, message string) (string, error) {
	out, err := c.Complete(ctx, improveExpertPrompt, nil, fmt.Sprintf(improvePrompt, message))
	if err != nil {
		return "", err
	}
	return strings.Trim(out, `"`), nil
}

// GeneratePushMessage drafts a broadcast message about topic for the given audience.
func (c *Client) GeneratePushMessage(ctx context.Context, topic, audience string) (string, error) {
	if audience == "" {
		audience = "tous les membres"
	}
	prompt := fmt.Sprintf(pushPrompt, c.cfg.AppName, topic, audience)
	return c.Complete(ctx, c.communicationExpertPrompt(), nil, prompt)
}
