// Package reply produces the automatic answer to an inbound member message.
//
// The Orchestrator classifies the message, escalates it to the team when
// needed, generates a reply (or falls back to a fixed greeting), sends it and
// records exactly one outbound_conversation row for the attempt.
package reply

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/messaging"
	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/notify"
)

// Default configuration values
const (
	DefaultHistoryTurns    = 5
	DefaultTimeout         = 30 * time.Second
	DefaultAppName         = "Polaris CRM"
	DefaultUrgentThreshold = models.UrgencyHigh
)

// Fixed member-facing texts.
const (
	fallbackGreetingFormat = "Bonjour ! Merci pour votre message à %s. Notre équipe vous répondra bientôt. 😊"
	apologyText            = "Merci pour votre message ! Nous vous répondrons rapidement. 🙏"
	humanFollowUpNotice    = "\n\nUn membre de notre équipe vous contactera bientôt. 👥"
)

// Completer is the part of the completion provider used for auto-replies.
type Completer interface {
	DetectIntent(ctx context.Context, message string) (*models.IntentAnalysis, error)
	GenerateReply(ctx context.Context, history []models.ConversationTurn, message string) (string, error)
}

// MessageStore persists the rows written while replying.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *models.Message) error
	ConversationHistory(ctx context.Context, memberID int64, limit int) ([]models.Message, error)
}

// Notifier starts team notification delivery without waiting for it.
type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notification)
}

// SentRecorder remembers which row an external message id belongs to,
// so later status callbacks can be applied by primary key.
type SentRecorder interface {
	StoreSent(ctx context.Context, messageID int64, externalID string, sentAt time.Time) error
}

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	AIEnabled            bool
	NotificationsEnabled bool
	UrgentThreshold      models.Urgency
	HistoryTurns         int
	AppName              string
	Timeout              time.Duration
	Notifier             Notifier
	SentRecorder         SentRecorder
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithAIEnabled toggles intent classification and reply generation.
func WithAIEnabled(enabled bool) Option {
	return func(o *Opts) { o.AIEnabled = enabled }
}

// WithNotificationsEnabled toggles channel delivery and the threshold escalation rule.
func WithNotificationsEnabled(enabled bool) Option {
	return func(o *Opts) { o.NotificationsEnabled = enabled }
}

// WithUrgentThreshold sets the urgency that escalates when notifications are enabled.
func WithUrgentThreshold(u models.Urgency) Option {
	return func(o *Opts) { o.UrgentThreshold = u }
}

// WithHistoryTurns sets how many prior turns are handed to reply generation.
func WithHistoryTurns(n int) Option {
	return func(o *Opts) { o.HistoryTurns = n }
}

// WithAppName sets the name used in the fallback greeting and notifications.
func WithAppName(name string) Option {
	return func(o *Opts) { o.AppName = name }
}

// WithTimeout bounds each provider and transport call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithNotifier sets the team notification dispatcher.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithSentRecorder sets the external id cache fed after successful sends.
func WithSentRecorder(r SentRecorder) Option {
	return func(o *Opts) { o.SentRecorder = r }
}

// Inbound is one persisted inbound message awaiting a reply.
type Inbound struct {
	Member    models.Member
	From      string // address to reply to
	Text      string
	MessageID int64 // id of the inbound_conversation row
}

// Outcome reports what HandleInbound did.
type Outcome struct {
	Intent    *models.IntentAnalysis
	Escalated bool
	Fallback  bool
	Reply     string
	Outbound  *models.Message
	Recovered bool
}

// Orchestrator runs the auto-reply pipeline for one inbound message at a time.
// It is safe for concurrent use.
type Orchestrator struct {
	cfg       Opts
	completer Completer
	store     MessageStore
	transport messaging.Transport
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator. completer may be nil when AI is disabled.
func NewOrchestrator(store MessageStore, transport messaging.Transport, completer Completer, opts ...Option) *Orchestrator {
	cfg := Opts{
		AIEnabled:            true,
		NotificationsEnabled: true,
		UrgentThreshold:      DefaultUrgentThreshold,
		HistoryTurns:         DefaultHistoryTurns,
		AppName:              DefaultAppName,
		Timeout:              DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if completer == nil {
		cfg.AIEnabled = false
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Orchestrator{cfg: cfg, completer: completer, store: store, transport: transport, now: time.Now}
}

// ShouldEscalate decides whether an inbound message is brought to the team's attention.
func ShouldEscalate(urgency models.Urgency, requiresHuman bool, threshold models.Urgency, notificationsEnabled bool) bool {
	return urgency == models.UrgencyHigh || requiresHuman || (urgency == threshold && notificationsEnabled)
}

// FallbackGreeting is the reply used when no generated reply is available.
func FallbackGreeting(appName string) string {
	return fmt.Sprintf(fallbackGreetingFormat, appName)
}

// HandleInbound classifies, escalates, replies and records the outbound row.
// It never panics; an unexpected failure results in one best-effort apology.
func (o *Orchestrator) HandleInbound(ctx context.Context, in Inbound) (out Outcome) {
	attempted := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		slog.Error("Orchestrator.HandleInbound: recovered from panic", "panic", r, "memberID", in.Member.ID)
		out.Recovered = true
		if !attempted {
			out.Reply = apologyText
			out.Outbound = o.apologize(ctx, in)
		}
	}()

	var urgency models.Urgency
	requiresHuman := false
	if o.cfg.AIEnabled {
		out.Intent = o.classify(ctx, in)
		if out.Intent != nil {
			urgency, requiresHuman = out.Intent.Urgency, out.Intent.RequiresHuman
		}
	}

	if ShouldEscalate(urgency, requiresHuman, o.cfg.UrgentThreshold, o.cfg.NotificationsEnabled) {
		out.Escalated = true
		o.escalate(ctx, in, urgency)
	}

	text := ""
	if o.cfg.AIEnabled {
		text = o.generate(ctx, in)
		if text != "" && out.Escalated {
			text += humanFollowUpNotice
		}
	}
	if text == "" {
		out.Fallback = true
		text = FallbackGreeting(o.cfg.AppName)
		slog.Info("Orchestrator.HandleInbound: using fallback response", "memberID", in.Member.ID, "aiEnabled", o.cfg.AIEnabled)
	}
	out.Reply = text

	out.Outbound = o.send(ctx, in, text, &attempted)
	return out
}

func (o *Orchestrator) classify(ctx context.Context, in Inbound) *models.IntentAnalysis {
	intent, err := o.completer.DetectIntent(ctx, in.Text)
	if err != nil {
		slog.Warn("Orchestrator.classify: classification unavailable", "error", err, "memberID", in.Member.ID)
		return nil
	}
	slog.Info("Orchestrator.classify: message intent detected", "memberID", in.Member.ID, "intent", intent.Intent,
		"urgency", intent.Urgency, "requiresHuman", intent.RequiresHuman)
	return intent
}

// escalate writes the notification row and, when enabled, fires the channels.
func (o *Orchestrator) escalate(ctx context.Context, in Inbound, urgency models.Urgency) {
	n := notify.NewNotification(in.Member, in.Text, urgency, o.cfg.AppName, o.now())
	row := &models.Message{
		MemberID: in.Member.ID,
		Kind:     models.KindNotification,
		Content:  "Urgent message: " + in.Text,
		Status:   models.StatusPending,
		Metadata: n.Metadata(),
	}
	if err := o.store.CreateMessage(ctx, row); err != nil {
		slog.Error("Orchestrator.escalate: failed to record notification", "error", err, "memberID", in.Member.ID)
	} else {
		slog.Info("Orchestrator.escalate: team notification created", "memberID", in.Member.ID, "notificationID", n.ID, "urgency", urgency)
	}
	if o.cfg.NotificationsEnabled && o.cfg.Notifier != nil {
		o.cfg.Notifier.Dispatch(ctx, n)
	}
}

// generate returns the provider's reply, or "" when it is unavailable.
func (o *Orchestrator) generate(ctx context.Context, in Inbound) string {
	history := o.history(ctx, in)
	reply, err := o.completer.GenerateReply(ctx, history, in.Text)
	if err != nil {
		slog.Warn("Orchestrator.generate: reply generation failed", "error", err, "memberID", in.Member.ID)
		return ""
	}
	return reply
}

// history loads the last turns before the message being answered, oldest first.
func (o *Orchestrator) history(ctx context.Context, in Inbound) []models.ConversationTurn {
	if o.cfg.HistoryTurns == 0 {
		return nil
	}
	msgs, err := o.store.ConversationHistory(ctx, in.Member.ID, o.cfg.HistoryTurns+1)
	if err != nil {
		slog.Warn("Orchestrator.history: failed to load history", "error", err, "memberID", in.Member.ID)
		return nil
	}
	prior := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if in.MessageID != 0 && m.ID == in.MessageID {
			continue
		}
		prior = append(prior, m)
	}
	if len(prior) > o.cfg.HistoryTurns {
		prior = prior[len(prior)-o.cfg.HistoryTurns:]
	}
	return models.TurnsFromMessages(prior)
}

// send delivers text and records the attempt as an outbound_conversation row.
// attempted is set as soon as the transport call returns, so a later panic
// does not lead to a second message.
func (o *Orchestrator) send(ctx context.Context, in Inbound, text string, attempted *bool) *models.Message {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	externalID, err := o.transport.SendText(sctx, in.From, text)
	cancel()
	*attempted = true

	row := &models.Message{
		MemberID: in.Member.ID,
		Kind:     models.KindOutboundConversation,
		Content:  text,
	}
	if err != nil {
		slog.Error("Orchestrator.send: failed to send auto reply", "error", err, "memberID", in.Member.ID)
		row.Status = models.StatusFailed
		row.Metadata = map[string]any{"error": err.Error(), "failed_at": o.now().UTC().Format(time.RFC3339)}
	} else {
		slog.Info("Orchestrator.send: auto reply sent", "memberID", in.Member.ID, "externalID", externalID)
		row.Status = models.StatusSent
		row.ExternalID = externalID
	}

	if err := o.store.CreateMessage(ctx, row); err != nil {
		slog.Error("Orchestrator.send: failed to record outbound message", "error", err, "memberID", in.Member.ID)
		return row
	}
	if row.Status == models.StatusSent && o.cfg.SentRecorder != nil {
		if err := o.cfg.SentRecorder.StoreSent(ctx, row.ID, externalID, row.CreatedAt); err != nil {
			slog.Warn("Orchestrator.send: failed to cache external id", "error", err, "messageID", row.ID)
		}
	}
	return row
}

// apologize is the last resort after a panic. A second panic is logged and dropped.
func (o *Orchestrator) apologize(ctx context.Context, in Inbound) (row *models.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator.apologize: apology failed", "panic", r, "memberID", in.Member.ID)
			row = nil
		}
	}()
	var attempted bool
	return o.send(ctx, in, apologyText, &attempted)
}
