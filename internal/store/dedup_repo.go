package store

import (
	"context"
	"time"
)

// DedupRepo defines the interface for inbound message deduplication.
// The transport may deliver the same webhook more than once; the provider
// message id is the dedup key.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, sender string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// PurgeInbound deletes records received before the cutoff and returns how many were removed.
	PurgeInbound(ctx context.Context, before time.Time) (int64, error)
}
