package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// DefaultMaxBodyBytes bounds the size of a webhook request body.
const DefaultMaxBodyBytes = 1 << 20

// Enqueuer accepts decoded events for asynchronous processing.
type Enqueuer interface {
	Enqueue(evt Event) error
}

// ReceiverOpts holds configuration options for the Receiver.
type ReceiverOpts struct {
	Enabled         bool
	VerifyToken     string
	AppSecret       string
	VerifySignature bool
	MaxBodyBytes    int64
}

// ReceiverOption defines a configuration option for the Receiver.
type ReceiverOption func(*ReceiverOpts)

// WithEnabled toggles the whole endpoint; a disabled receiver answers 503.
func WithEnabled(enabled bool) ReceiverOption {
	return func(o *ReceiverOpts) { o.Enabled = enabled }
}

// WithVerifyToken sets the token expected during subscription verification.
func WithVerifyToken(token string) ReceiverOption {
	return func(o *ReceiverOpts) { o.VerifyToken = token }
}

// WithSignature enables X-Hub-Signature-256 checks against the app secret.
func WithSignature(appSecret string) ReceiverOption {
	return func(o *ReceiverOpts) {
		o.AppSecret = appSecret
		o.VerifySignature = true
	}
}

// WithMaxBodyBytes overrides the request body limit.
func WithMaxBodyBytes(n int64) ReceiverOption {
	return func(o *ReceiverOpts) { o.MaxBodyBytes = n }
}

// Receiver is the http.Handler mounted at the webhook path.
type Receiver struct {
	cfg   ReceiverOpts
	queue Enqueuer
}

// NewReceiver creates a Receiver that hands decoded events to queue.
func NewReceiver(queue Enqueuer, opts ...ReceiverOption) *Receiver {
	cfg := ReceiverOpts{Enabled: true, MaxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Receiver{cfg: cfg, queue: queue}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("webhook writeJSON failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ServeHTTP dispatches on the request method.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !rc.cfg.Enabled {
		writeError(w, http.StatusServiceUnavailable, "Webhook disabled")
		return
	}
	switch r.Method {
	case http.MethodGet:
		rc.verify(w, r)
	case http.MethodPost:
		rc.receive(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// queryParam reads hub_x, falling back to Meta's literal hub.x spelling.
func queryParam(r *http.Request, name string) string {
	q := r.URL.Query()
	if v := q.Get("hub_" + name); v != "" {
		return v
	}
	return q.Get("hub." + name)
}

func (rc *Receiver) verify(w http.ResponseWriter, r *http.Request) {
	mode := queryParam(r, "mode")
	token := queryParam(r, "verify_token")
	challenge := queryParam(r, "challenge")

	if mode == "subscribe" && rc.cfg.VerifyToken != "" &&
		hmac.Equal([]byte(token), []byte(rc.cfg.VerifyToken)) {
		slog.Info("Receiver.verify: webhook verified successfully")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, challenge)
		return
	}
	slog.Warn("Receiver.verify: webhook verification failed", "mode", mode)
	writeError(w, http.StatusForbidden, "Forbidden")
}

func (rc *Receiver) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rc.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Unable to read body")
		return
	}

	if rc.cfg.VerifySignature && !ValidSignature(body, r.Header.Get("X-Hub-Signature-256"), rc.cfg.AppSecret) {
		slog.Warn("Receiver.receive: invalid webhook signature", "bodySize", len(body))
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		slog.Warn("Receiver.receive: invalid JSON", "error", err, "bodySize", len(body))
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	batch := env.Decode()
	if !batch.Empty() {
		evt := NewEvent(batch)
		if err := rc.queue.Enqueue(evt); err != nil {
			// Meta redelivers on non-2xx; dedup drops anything already handled.
			slog.Error("Receiver.receive: event not queued", "eventID", evt.ID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "Busy, retry later")
			return
		}
		slog.Debug("Receiver.receive: webhook received", "eventID", evt.ID,
			"messages", len(batch.Messages), "statuses", len(batch.Statuses), "skipped", batch.Skipped)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ValidSignature checks a "sha256=<hex>" HMAC of body under secret.
func ValidSignature(body []byte, signature, secret string) bool {
	if secret == "" || !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// StatsStore computes the counters served by StatsHandler.
type StatsStore interface {
	WebhookStats(ctx context.Context, since time.Time) (*models.WebhookStats, error)
}

// StatsHandler serves today's webhook counters. The day starts at midnight in loc.
func StatsHandler(store StatsStore, loc *time.Location, now func() time.Time) http.HandlerFunc {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		stats, err := store.WebhookStats(r.Context(), StartOfDay(now(), loc))
		if err != nil {
			slog.Error("StatsHandler: failed to compute stats", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// StartOfDay returns midnight of t's day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
