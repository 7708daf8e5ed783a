// Package cache keeps short-lived webhook state in Redis: which inbound
// WhatsApp ids were already accepted, and which row a recent outbound
// provider id belongs to.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default TTLs. WhatsApp redelivers unacknowledged webhooks for about a day.
const (
	DefaultDedupTTL = 24 * time.Hour
	DefaultSentTTL  = 7 * 24 * time.Hour
	keyPrefix       = "polaris:"
)

// Opts holds configuration options for the Redis cache.
type Opts struct {
	Addr     string
	Password string
	DB       int
	DedupTTL time.Duration
	SentTTL  time.Duration
}

// Option defines a configuration option for the Redis cache.
type Option func(*Opts)

// WithAddr sets the Redis address (host:port).
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPassword sets the Redis password.
func WithPassword(pw string) Option {
	return func(o *Opts) { o.Password = pw }
}

// WithDB selects the Redis logical database.
func WithDB(db int) Option {
	return func(o *Opts) { o.DB = db }
}

// WithDedupTTL sets how long inbound ids are remembered.
func WithDedupTTL(d time.Duration) Option {
	return func(o *Opts) { o.DedupTTL = d }
}

// WithSentTTL sets how long outbound id mappings are remembered.
func WithSentTTL(d time.Duration) Option {
	return func(o *Opts) { o.SentTTL = d }
}

// RedisCache implements inbound dedup and the sent-message lookup on Redis.
type RedisCache struct {
	rdb      *redis.Client
	dedupTTL time.Duration
	sentTTL  time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(rdb *redis.Client, opts ...Option) *RedisCache {
	cfg := Opts{DedupTTL: DefaultDedupTTL, SentTTL: DefaultSentTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RedisCache{rdb: rdb, dedupTTL: cfg.DedupTTL, sentTTL: cfg.SentTTL}
}

// Connect dials Redis and verifies the connection with PING.
func Connect(ctx context.Context, opts ...Option) (*RedisCache, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		return nil, errors.New("redis address must be provided")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	slog.Info("RedisCache connected", "addr", cfg.Addr, "db", cfg.DB)
	return NewRedisCache(rdb, opts...), nil
}

// RecordInbound remembers an inbound message id. It returns false when the
// id was already recorded, i.e. the webhook is a redelivery.
func (c *RedisCache) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, keyPrefix+"in:"+messageID, sender, c.dedupTTL).Result()
	if err != nil {
		slog.Error("RedisCache RecordInbound failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("failed to record inbound %s: %w", messageID, err)
	}
	return ok, nil
}

type sentValue struct {
	MessageID int64     `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

// StoreSent maps a provider message id to the row that recorded the send.
func (c *RedisCache) StoreSent(ctx context.Context, messageID int64, externalID string, sentAt time.Time) error {
	b, err := json.Marshal(sentValue{MessageID: messageID, SentAt: sentAt.UTC()})
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, keyPrefix+"out:"+externalID, b, c.sentTTL).Err(); err != nil {
		slog.Error("RedisCache StoreSent failed", "error", err, "externalID", externalID)
		return fmt.Errorf("failed to store sent %s: %w", externalID, err)
	}
	return nil
}

// LookupSent returns the row id for a provider message id, or 0 if unknown.
func (c *RedisCache) LookupSent(ctx context.Context, externalID string) (int64, error) {
	raw, err := c.rdb.Get(ctx, keyPrefix+"out:"+externalID).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		slog.Error("RedisCache LookupSent failed", "error", err, "externalID", externalID)
		return 0, fmt.Errorf("failed to look up %s: %w", externalID, err)
	}
	var v sentValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("corrupt sent entry for %s: %w", externalID, err)
	}
	return v.MessageID, nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
