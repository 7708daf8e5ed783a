// Package store provides storage backends for PolarisCRM.
//
// Members, segments, segment membership and the message audit trail live in a
// relational database: SQLite by default, PostgreSQL when the DSN says so.
// Uniqueness and foreign-key constraints are enforced by the database and
// surfaced as models.ErrConflict / models.ErrNotFound.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// Store is the persistence contract shared by every backend.
//
// Single-row lookups return (nil, nil) when the row does not exist; mutations
// of a missing row return an error wrapping models.ErrNotFound.
type Store interface {
	CreateMember(ctx context.Context, in models.MemberInput) (*models.Member, error)
	GetMember(ctx context.Context, id int64) (*models.Member, error)
	GetMemberByPhone(ctx context.Context, phone string) (*models.Member, error)
	ListMembers(ctx context.Context) ([]models.Member, error)
	SearchMembers(ctx context.Context, query string) ([]models.Member, error)
	UpdateMember(ctx context.Context, id int64, in models.MemberInput) (*models.Member, error)
	DeleteMember(ctx context.Context, id int64) error

	CreateSegment(ctx context.Context, in models.SegmentInput) (*models.Segment, error)
	GetSegment(ctx context.Context, id int64) (*models.Segment, error)
	ListSegments(ctx context.Context) ([]models.Segment, error)
	UpdateSegment(ctx context.Context, id int64, in models.SegmentInput) (*models.Segment, error)
	DeleteSegment(ctx context.Context, id int64) error
	AddMemberToSegment(ctx context.Context, segmentID, memberID int64) error
	RemoveMemberFromSegment(ctx context.Context, segmentID, memberID int64) error

	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	UpdateMessageDelivery(ctx context.Context, id int64, status models.MessageStatus, externalID string, metadata map[string]any) error
	UpdateStatusByExternalID(ctx context.Context, externalID string, status models.MessageStatus) (bool, error)
	ListRecentMessages(ctx context.Context, limit int) ([]models.Message, error)
	ConversationHistory(ctx context.Context, memberID int64, limit int) ([]models.Message, error)
	ListPendingPush(ctx context.Context, limit int) ([]models.Message, error)

	Stats(ctx context.Context) (*models.Stats, error)
	WebhookStats(ctx context.Context, since time.Time) (*models.WebhookStats, error)

	DedupRepo

	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // data source name (file path for SQLite, URL for Postgres)
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// lib/pq key=value form: "host=... dbname=..."
	for _, key := range []string{"host=", "dbname=", "user="} {
		if strings.Contains(dsn, key) && !strings.HasPrefix(dsn, "file:") {
			return "postgres"
		}
	}
	return "sqlite3"
}

// New opens the backend matching the DSN.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
