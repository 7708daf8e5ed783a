package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// DefaultMessageListLimit bounds message listings when the caller passes no limit.
const DefaultMessageListLimit = 50

// CreateMessage appends a row to the audit trail and fills in ID and timestamps.
// A missing member yields models.ErrNotFound.
func (s *sqlStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if !models.IsValidMessageKind(m.Kind) {
		return fmt.Errorf("%w: invalid message kind %q", models.ErrValidation, m.Kind)
	}
	if m.Status == "" {
		m.Status = models.StatusPending
	}
	metadata, err := marshalMetadata(m.Metadata)
	if err != nil {
		slog.Error(s.d.name+" CreateMessage metadata marshal failed", "error", err, "memberID", m.MemberID)
		return fmt.Errorf("failed to encode message metadata: %w", err)
	}

	ts := nowFunc()
	err = s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO messages (member_id, kind, content, status, external_message_id, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		m.MemberID, string(m.Kind), m.Content, string(m.Status), nilIfEmpty(m.ExternalID), metadata, ts, ts,
	).Scan(&m.ID)
	if err != nil {
		if s.d.isForeignKey(err) {
			return fmt.Errorf("member %d: %w", m.MemberID, models.ErrNotFound)
		}
		slog.Error(s.d.name+" CreateMessage failed", "error", err, "memberID", m.MemberID, "kind", m.Kind)
		return fmt.Errorf("failed to insert message for member %d: %w", m.MemberID, err)
	}
	m.CreatedAt, m.UpdatedAt = ts, ts
	slog.Debug(s.d.name+" CreateMessage succeeded", "messageID", m.ID, "memberID", m.MemberID, "kind", m.Kind, "status", m.Status)
	return nil
}

// GetMessage returns a message by id, or nil if it does not exist.
func (s *sqlStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.d.name+" GetMessage failed", "error", err, "messageID", id)
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return &m, nil
}

// UpdateMessageDelivery records the outcome of a send attempt for a row.
// The status only moves forward; an empty externalID or nil metadata keeps the stored value.
func (s *sqlStore) UpdateMessageDelivery(ctx context.Context, id int64, status models.MessageStatus, externalID string, metadata map[string]any) error {
	preds := models.PredecessorsOf(status)
	if len(preds) == 0 {
		return fmt.Errorf("%w: status %q cannot be applied", models.ErrValidation, status)
	}
	md, err := marshalMetadata(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode message metadata: %w", err)
	}

	args := []any{string(status), nilIfEmpty(externalID), md, nowFunc(), id}
	for _, p := range preds {
		args = append(args, string(p))
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE messages
		SET status = ?, external_message_id = COALESCE(?, external_message_id), metadata = COALESCE(?, metadata), updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(preds))+`)`), args...)
	if err != nil {
		slog.Error(s.d.name+" UpdateMessageDelivery failed", "error", err, "messageID", id, "status", status)
		return fmt.Errorf("failed to update message %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := s.exists(ctx, `SELECT 1 FROM messages WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("message %d: %w", id, models.ErrNotFound)
		}
		slog.Debug(s.d.name+" UpdateMessageDelivery ignored non-forward transition", "messageID", id, "status", status)
		return nil
	}
	slog.Debug(s.d.name+" UpdateMessageDelivery succeeded", "messageID", id, "status", status)
	return nil
}

// UpdateStatusByExternalID applies a provider status callback.
// It reports whether the row changed; a transition that would move backwards
// (or out of failed) is accepted and ignored. An unknown id yields models.ErrNotFound.
func (s *sqlStore) UpdateStatusByExternalID(ctx context.Context, externalID string, status models.MessageStatus) (bool, error) {
	preds := models.PredecessorsOf(status)
	if len(preds) > 0 {
		args := []any{string(status), nowFunc(), externalID}
		for _, p := range preds {
			args = append(args, string(p))
		}
		res, err := s.db.ExecContext(ctx, s.q(`
			UPDATE messages SET status = ?, updated_at = ?
			WHERE external_message_id = ? AND status IN (`+placeholders(len(preds))+`)`), args...)
		if err != nil {
			slog.Error(s.d.name+" UpdateStatusByExternalID failed", "error", err, "externalID", externalID, "status", status)
			return false, fmt.Errorf("failed to update status of %s: %w", externalID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Debug(s.d.name+" UpdateStatusByExternalID succeeded", "externalID", externalID, "status", status, "rows", n)
			return true, nil
		}
	}

	ok, err := s.exists(ctx, `SELECT 1 FROM messages WHERE external_message_id = ?`, externalID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("message %s: %w", externalID, models.ErrNotFound)
	}
	slog.Debug(s.d.name+" UpdateStatusByExternalID ignored non-forward transition", "externalID", externalID, "status", status)
	return false, nil
}

// ListRecentMessages returns the newest messages joined with their member.
func (s *sqlStore) ListRecentMessages(ctx context.Context, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+messageColumns+`, mem.first_name, mem.last_name, mem.phone
		FROM messages m
		JOIN members mem ON mem.id = m.member_id
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`), limit)
	if err != nil {
		slog.Error(s.d.name+" ListRecentMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	msgs, err := scanMessages(rows, true)
	if err != nil {
		slog.Error(s.d.name+" ListRecentMessages failed", "error", err)
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// ConversationHistory returns up to limit conversation turns of a member, oldest first.
func (s *sqlStore) ConversationHistory(ctx context.Context, memberID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.member_id = ? AND m.kind IN (?, ?)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?`),
		memberID, string(models.KindInboundConversation), string(models.KindOutboundConversation), limit)
	if err != nil {
		slog.Error(s.d.name+" ConversationHistory query failed", "error", err, "memberID", memberID)
		return nil, fmt.Errorf("failed to query history of member %d: %w", memberID, err)
	}
	msgs, err := scanMessages(rows, false)
	if err != nil {
		return nil, err
	}
	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// ListPendingPush returns queued push messages in insertion order, joined with the recipient.
func (s *sqlStore) ListPendingPush(ctx context.Context, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+messageColumns+`, mem.first_name, mem.last_name, mem.phone
		FROM messages m
		JOIN members mem ON mem.id = m.member_id
		WHERE m.kind = ? AND m.status = ?
		ORDER BY m.id
		LIMIT ?`), string(models.KindOutboundPush), string(models.StatusPending), limit)
	if err != nil {
		slog.Error(s.d.name+" ListPendingPush query failed", "error", err)
		return nil, fmt.Errorf("failed to query pending push messages: %w", err)
	}
	return scanMessages(rows, true)
}

// Stats returns dashboard counters.
func (s *sqlStore) Stats(ctx context.Context) (*models.Stats, error) {
	var st models.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM members),
			(SELECT COUNT(*) FROM segments),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM messages WHERE status = 'pending'),
			(SELECT COUNT(*) FROM messages WHERE status IN ('sent', 'delivered', 'read')),
			(SELECT COUNT(*) FROM messages WHERE status = 'failed')`,
	).Scan(&st.MembersCount, &st.SegmentsCount, &st.MessagesCount, &st.PendingMessages, &st.SentMessages, &st.FailedMessages)
	if err != nil {
		slog.Error(s.d.name+" Stats failed", "error", err)
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return &st, nil
}

// WebhookStats counts webhook activity since the given instant.
func (s *sqlStore) WebhookStats(ctx context.Context, since time.Time) (*models.WebhookStats, error) {
	since = since.UTC()
	var st models.WebhookStats
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT
			(SELECT COUNT(*) FROM messages WHERE kind = 'inbound_conversation' AND created_at >= ?),
			(SELECT COUNT(*) FROM messages WHERE kind = 'outbound_conversation' AND created_at >= ?),
			(SELECT COUNT(*) FROM messages WHERE kind = 'notification' AND created_at >= ?),
			(SELECT COUNT(*) FROM members WHERE created_at >= ?)`),
		since, since, since, since,
	).Scan(&st.MessagesToday, &st.AutoRepliesToday, &st.UrgentMessagesToday, &st.NewMembersToday)
	if err != nil {
		slog.Error(s.d.name+" WebhookStats failed", "error", err)
		return nil, fmt.Errorf("failed to compute webhook stats: %w", err)
	}
	return &st, nil
}
