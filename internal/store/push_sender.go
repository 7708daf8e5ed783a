package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// PushSendFunc performs the actual send of a queued push message and returns
// the provider message id.
type PushSendFunc func(ctx context.Context, msg models.Message) (string, error)

// PushQueue is the subset of Store the PushSender needs.
type PushQueue interface {
	ListPendingPush(ctx context.Context, limit int) ([]models.Message, error)
	UpdateMessageDelivery(ctx context.Context, id int64, status models.MessageStatus, externalID string, metadata map[string]any) error
}

// PushSender periodically drains pending outbound_push rows and sends them.
// Failed rows are marked failed and never retried.
type PushSender struct {
	queue        PushQueue
	sendFunc     PushSendFunc
	pollInterval time.Duration
	sendDelay    time.Duration
	claimLimit   int
}

// NewPushSender creates a new PushSender. Zero durations fall back to defaults.
func NewPushSender(queue PushQueue, sendFunc PushSendFunc, pollInterval, sendDelay time.Duration) *PushSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if sendDelay < 0 {
		sendDelay = 0
	}
	return &PushSender{
		queue:        queue,
		sendFunc:     sendFunc,
		pollInterval: pollInterval,
		sendDelay:    sendDelay,
		claimLimit:   50,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *PushSender) Run(ctx context.Context) error {
	slog.Info("PushSender.Run: starting push sender", "pollInterval", s.pollInterval, "sendDelay", s.sendDelay)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("PushSender.Run: stopping")
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll sends one batch of pending push messages and returns how many were sent.
func (s *PushSender) Poll(ctx context.Context) int {
	msgs, err := s.queue.ListPendingPush(ctx, s.claimLimit)
	if err != nil {
		slog.Error("PushSender.poll: claim failed", "error", err)
		return 0
	}

	sent := 0
	for i, msg := range msgs {
		if ctx.Err() != nil {
			return sent
		}
		if i > 0 && s.sendDelay > 0 {
			select {
			case <-ctx.Done():
				return sent
			case <-time.After(s.sendDelay):
			}
		}

		slog.Debug("PushSender.poll: sending message", "id", msg.ID, "memberID", msg.MemberID)
		externalID, err := s.sendFunc(ctx, msg)
		if err != nil {
			slog.Error("PushSender.poll: send failed", "id", msg.ID, "error", err)
			md := map[string]any{"error": err.Error(), "failed_at": time.Now().UTC().Format(time.RFC3339)}
			if err := s.queue.UpdateMessageDelivery(ctx, msg.ID, models.StatusFailed, "", md); err != nil {
				slog.Error("PushSender.poll: mark failed error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.queue.UpdateMessageDelivery(ctx, msg.ID, models.StatusSent, externalID, nil); err != nil {
			slog.Error("PushSender.poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		sent++
		slog.Debug("PushSender.poll: message sent", "id", msg.ID, "externalID", externalID)
	}
	return sent
}
