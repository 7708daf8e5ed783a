package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/messaging"
	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/reply"
)

const markReadTimeout = 10 * time.Second

// MessageStore is the persistence the processor needs.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *models.Message) error
	UpdateMessageDelivery(ctx context.Context, id int64, status models.MessageStatus, externalID string, metadata map[string]any) error
	UpdateStatusByExternalID(ctx context.Context, externalID string, status models.MessageStatus) (bool, error)
}

// Deduper records inbound message ids; RecordInbound reports false for a redelivery.
type Deduper interface {
	RecordInbound(ctx context.Context, messageID, sender string) (bool, error)
}

// processedMarker is implemented by dedup stores that track completion.
type processedMarker interface {
	MarkProcessed(ctx context.Context, messageID string) error
}

// SentLookup maps an external message id to the row it was recorded under; 0 if unknown.
type SentLookup interface {
	LookupSent(ctx context.Context, externalID string) (int64, error)
}

// ContactResolver maps a sender address to a member; nil when none may be created.
type ContactResolver interface {
	Resolve(ctx context.Context, rawPhone, profileName string) (*models.Member, error)
}

// Replier answers a persisted inbound message.
type Replier interface {
	HandleInbound(ctx context.Context, in reply.Inbound) reply.Outcome
}

// ProcessorOpts holds the optional collaborators and switches of a Processor.
type ProcessorOpts struct {
	AutoReply  bool
	Deduper    Deduper
	SentLookup SentLookup
	Transport  messaging.Transport
}

// ProcessorOption defines a configuration option for the Processor.
type ProcessorOption func(*ProcessorOpts)

// WithAutoReply toggles the reply pipeline; inbound rows are persisted either way.
func WithAutoReply(enabled bool) ProcessorOption {
	return func(o *ProcessorOpts) { o.AutoReply = enabled }
}

// WithDeduper sets the inbound id deduplicator.
func WithDeduper(d Deduper) ProcessorOption {
	return func(o *ProcessorOpts) { o.Deduper = d }
}

// WithSentLookup sets the external id cache consulted for status updates.
func WithSentLookup(l SentLookup) ProcessorOption {
	return func(o *ProcessorOpts) { o.SentLookup = l }
}

// WithTransport sets the transport used to mark inbound messages read.
func WithTransport(t messaging.Transport) ProcessorOption {
	return func(o *ProcessorOpts) { o.Transport = t }
}

// Processor applies webhook events.
type Processor struct {
	cfg      ProcessorOpts
	store    MessageStore
	resolver ContactResolver
	replier  Replier
}

// NewProcessor creates a Processor. replier may be nil when auto-reply is disabled.
func NewProcessor(store MessageStore, resolver ContactResolver, replier Replier, opts ...ProcessorOption) *Processor {
	cfg := ProcessorOpts{AutoReply: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if replier == nil {
		cfg.AutoReply = false
	}
	return &Processor{cfg: cfg, store: store, resolver: resolver, replier: replier}
}

// Process applies the statuses of an event, then its messages. Each item is
// handled on its own; a failure is logged and does not affect the others.
func (p *Processor) Process(ctx context.Context, evt Event) {
	for _, st := range evt.Batch.Statuses {
		p.guard(evt.ID, "status", func() { p.applyStatus(ctx, evt.ID, st) })
	}
	for _, msg := range evt.Batch.Messages {
		p.guard(evt.ID, "message", func() { p.handleMessage(ctx, evt.ID, msg) })
	}
}

func (p *Processor) guard(eventID, item string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Processor.Process: item panicked", "eventID", eventID, "item", item, "panic", r)
		}
	}()
	fn()
}

func (p *Processor) applyStatus(ctx context.Context, eventID string, st models.StatusUpdate) {
	if len(st.Errors) > 0 {
		slog.Warn("Processor.applyStatus: provider reported errors", "eventID", eventID, "externalID", st.ExternalID, "errors", st.Errors)
	}
	if p.cfg.SentLookup != nil {
		id, err := p.cfg.SentLookup.LookupSent(ctx, st.ExternalID)
		if err != nil {
			slog.Warn("Processor.applyStatus: sent cache lookup failed", "eventID", eventID, "error", err)
		} else if id > 0 {
			err := p.store.UpdateMessageDelivery(ctx, id, st.Status, "", nil)
			if err == nil {
				slog.Debug("Processor.applyStatus: status applied by id", "eventID", eventID, "messageID", id, "status", st.Status)
				return
			}
			if !errors.Is(err, models.ErrNotFound) {
				slog.Error("Processor.applyStatus: update failed", "eventID", eventID, "messageID", id, "error", err)
				return
			}
		}
	}

	changed, err := p.store.UpdateStatusByExternalID(ctx, st.ExternalID, st.Status)
	switch {
	case errors.Is(err, models.ErrNotFound):
		slog.Info("Processor.applyStatus: unknown message id, ignoring", "eventID", eventID, "externalID", st.ExternalID, "status", st.Status)
	case err != nil:
		slog.Error("Processor.applyStatus: update failed", "eventID", eventID, "externalID", st.ExternalID, "error", err)
	default:
		slog.Debug("Processor.applyStatus: status processed", "eventID", eventID, "externalID", st.ExternalID, "status", st.Status, "changed", changed)
	}
}

func (p *Processor) handleMessage(ctx context.Context, eventID string, msg models.InboundMessage) {
	if msg.Text == "" {
		slog.Info("Processor.handleMessage: unable to extract message content, skipping", "eventID", eventID, "messageID", msg.ID, "type", msg.Type)
		return
	}

	if p.cfg.Deduper != nil && msg.ID != "" {
		fresh, err := p.cfg.Deduper.RecordInbound(ctx, msg.ID, msg.From)
		if err != nil {
			slog.Warn("Processor.handleMessage: dedup check failed, processing anyway", "eventID", eventID, "messageID", msg.ID, "error", err)
		} else if !fresh {
			slog.Info("Processor.handleMessage: duplicate message skipped", "eventID", eventID, "messageID", msg.ID)
			return
		}
	}

	member, err := p.resolver.Resolve(ctx, msg.From, msg.ProfileName)
	if err != nil {
		slog.Error("Processor.handleMessage: contact resolution failed", "eventID", eventID, "messageID", msg.ID, "error", err)
		return
	}
	if member == nil {
		slog.Info("Processor.handleMessage: unknown sender and auto creation disabled", "eventID", eventID, "messageID", msg.ID)
		return
	}

	row := &models.Message{
		MemberID:   member.ID,
		Kind:       models.KindInboundConversation,
		Content:    msg.Text,
		Status:     models.StatusRead,
		ExternalID: msg.ID,
		Metadata: map[string]any{
			"message_type":         msg.Type,
			"received_at":          msg.Timestamp.UTC().Format(time.RFC3339),
			"processed_by_webhook": true,
			"profile_name":         msg.ProfileName,
		},
	}
	if err := p.store.CreateMessage(ctx, row); err != nil {
		slog.Error("Processor.handleMessage: failed to save inbound message", "eventID", eventID, "memberID", member.ID, "error", err)
		return
	}
	slog.Info("Processor.handleMessage: inbound message saved", "eventID", eventID, "memberID", member.ID, "messageID", row.ID, "type", msg.Type)

	if p.cfg.Transport != nil && msg.ID != "" {
		rctx, cancel := context.WithTimeout(ctx, markReadTimeout)
		if err := p.cfg.Transport.MarkRead(rctx, msg.ID); err != nil {
			slog.Warn("Processor.handleMessage: mark read failed", "eventID", eventID, "messageID", msg.ID, "error", err)
		}
		cancel()
	}

	if !p.cfg.AutoReply {
		slog.Debug("Processor.handleMessage: auto reply disabled", "eventID", eventID, "memberID", member.ID)
	} else {
		out := p.replier.HandleInbound(ctx, reply.Inbound{Member: *member, From: msg.From, Text: msg.Text, MessageID: row.ID})
		slog.Debug("Processor.handleMessage: reply handled", "eventID", eventID, "memberID", member.ID,
			"escalated", out.Escalated, "fallback", out.Fallback)
	}

	if m, ok := p.cfg.Deduper.(processedMarker); ok && msg.ID != "" {
		if err := m.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("Processor.handleMessage: mark processed failed", "eventID", eventID, "messageID", msg.ID, "error", err)
		}
	}
}
