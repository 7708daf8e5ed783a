// Package notify alerts the team about escalated member messages.
//
// A Dispatcher fans a Notification out to every configured Channel in the
// background. Delivery is best effort: each channel runs under its own
// timeout and failures are only logged.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/twiliowhatsapp"
	"github.com/BTreeMap/PolarisCRM/internal/util"
)

// DefaultTimeout bounds a single channel delivery.
const DefaultTimeout = 30 * time.Second

// Channel method names accepted in NOTIFICATION_METHODS.
const (
	MethodDatabase = "database"
	MethodEmail    = "email"
	MethodSMS      = "sms"
	MethodWebhook  = "webhook"
)

// Notification describes one escalated inbound message.
type Notification struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	MemberID    int64          `json:"member_id"`
	MemberName  string         `json:"member"`
	MemberPhone string         `json:"phone"`
	Message     string         `json:"message"`
	Urgency     models.Urgency `json:"urgency"`
	Timestamp   time.Time      `json:"timestamp"`
	App         string         `json:"app"`
}

// NewNotification builds a notification for an escalated message.
func NewNotification(member models.Member, message string, urgency models.Urgency, app string, now time.Time) Notification {
	return Notification{
		ID:          util.NewID(util.NotificationIDPrefix),
		Type:        "urgent_message",
		MemberID:    member.ID,
		MemberName:  member.FullName(),
		MemberPhone: member.Phone,
		Message:     message,
		Urgency:     urgency,
		Timestamp:   now,
		App:         app,
	}
}

// Metadata returns the snapshot stored on the notification message row.
func (n Notification) Metadata() map[string]any {
	return map[string]any{
		"type":      n.Type,
		"urgency":   string(n.Urgency),
		"member":    n.MemberName,
		"member_id": n.MemberID,
		"message":   n.Message,
		"timestamp": n.Timestamp.Format(time.RFC3339),
		"app":       n.App,
	}
}

// subject is the one-line summary used by email and SMS.
func (n Notification) subject() string {
	urgency := string(n.Urgency)
	if urgency == "" {
		urgency = "unknown"
	}
	return fmt.Sprintf("[%s] Urgent message from %s (urgency: %s)", n.App, n.MemberName, urgency)
}

// Channel delivers a notification to one destination.
type Channel interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	Channels []Channel
	Timeout  time.Duration
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithChannels sets the channels notified on every dispatch.
func WithChannels(channels ...Channel) Option {
	return func(o *Opts) { o.Channels = append(o.Channels, channels...) }
}

// WithTimeout overrides the per-channel delivery timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Dispatcher fans notifications out to channels in background goroutines.
type Dispatcher struct {
	channels []Channel
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Dispatcher{channels: cfg.Channels, timeout: cfg.Timeout}
}

// Channels returns the names of the configured channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Dispatch starts delivery on every channel and returns immediately.
// Deliveries outlive the caller's context but not its values.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	base := context.WithoutCancel(ctx)
	for _, ch := range d.channels {
		d.wg.Add(1)
		go func(ch Channel) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Dispatcher.Dispatch: channel panicked", "channel", ch.Name(), "notificationID", n.ID, "panic", r)
				}
			}()
			cctx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := ch.Notify(cctx, n); err != nil {
				slog.Error("Dispatcher.Dispatch: channel delivery failed", "channel", ch.Name(), "notificationID", n.ID, "error", err)
				return
			}
			slog.Debug("Dispatcher.Dispatch: channel delivered", "channel", ch.Name(), "notificationID", n.ID)
		}(ch)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Config carries the destinations used to build channels from method names.
type Config struct {
	AdminEmail string
	AdminPhone string
	WebhookURL string
	SMTP       SMTPConfig
	SMS        twiliowhatsapp.Sender
}

// ChannelsFromMethods builds channels for the given method names.
// Unknown methods and methods missing their destination are errors.
func ChannelsFromMethods(methods []string, cfg Config) ([]Channel, error) {
	var channels []Channel
	seen := make(map[string]bool)
	for _, raw := range methods {
		method := strings.ToLower(strings.TrimSpace(raw))
		if method == "" || seen[method] {
			continue
		}
		seen[method] = true
		switch method {
		case MethodDatabase:
			channels = append(channels, DatabaseChannel{})
		case MethodEmail:
			if cfg.AdminEmail == "" || cfg.SMTP.Host == "" {
				return nil, fmt.Errorf("notification method %q requires ADMIN_EMAIL and SMTP_HOST", method)
			}
			channels = append(channels, NewEmailChannel(cfg.SMTP, cfg.AdminEmail))
		case MethodSMS:
			if cfg.AdminPhone == "" || cfg.SMS == nil {
				return nil, fmt.Errorf("notification method %q requires ADMIN_PHONE and Twilio credentials", method)
			}
			channels = append(channels, NewSMSChannel(cfg.SMS, cfg.AdminPhone))
		case MethodWebhook:
			if cfg.WebhookURL == "" {
				return nil, fmt.Errorf("notification method %q requires NOTIFICATION_WEBHOOK_URL", method)
			}
			ch, err := NewWebhookChannel(cfg.WebhookURL, 0)
			if err != nil {
				return nil, err
			}
			channels = append(channels, ch)
		default:
			return nil, fmt.Errorf("unknown notification method %q", method)
		}
	}
	return channels, nil
}

// DatabaseChannel is the channel whose record is the notification row itself.
type DatabaseChannel struct{}

// Name returns the method name.
func (DatabaseChannel) Name() string { return MethodDatabase }

// Notify does nothing; the row is written before dispatch.
func (DatabaseChannel) Notify(ctx context.Context, n Notification) error { return nil }
