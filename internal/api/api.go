// Package api provides the HTTP server of PolarisCRM.
//
// It exposes the REST endpoints for members, segments, messages and AI
// helpers under /api, mounts the WhatsApp webhook, and owns the lifecycle of
// the background workers (push delivery, webhook dispatch) that run beside it.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/store"
)

// Default server settings
const (
	DefaultAddr            = ":8080"
	DefaultAppName         = "Polaris CRM"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMessagesLimit   = 50
	MaxMessagesLimit       = 500
	maxRequestBodyBytes    = 1 << 20
)

// Assistant is the completion provider behind the /api/ai endpoints.
type Assistant interface {
	AnalyzeSentiment(ctx context.Context, text string) (*models.SentimentAnalysis, error)
	SuggestReplies(ctx context.Context, message string) ([]string, error)
	ImproveMessage(ctx context.Context, message string) (string, error)
	GeneratePushMessage(ctx context.Context, topic, audience string) (string, error)
}

// Worker is a background loop run for the lifetime of the server. It must
// return once ctx is cancelled.
type Worker func(ctx context.Context) error

type namedWorker struct {
	name string
	run  Worker
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr            string
	AppName         string
	AIEnabled       bool
	Assistant       Assistant
	ShutdownTimeout time.Duration

	routes  map[string]http.Handler
	workers []namedWorker
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAppName sets the service name reported by /api/health and /api/test.
func WithAppName(name string) Option {
	return func(o *Opts) { o.AppName = name }
}

// WithAssistant enables the AI endpoints backed by a. A nil assistant or
// enabled=false makes them answer 503.
func WithAssistant(a Assistant, enabled bool) Option {
	return func(o *Opts) {
		o.Assistant = a
		o.AIEnabled = enabled
	}
}

// WithShutdownTimeout bounds the graceful shutdown of the HTTP server.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithRoute mounts an extra handler, e.g. the WhatsApp webhook.
func WithRoute(pattern string, h http.Handler) Option {
	return func(o *Opts) {
		if o.routes == nil {
			o.routes = make(map[string]http.Handler)
		}
		o.routes[pattern] = h
	}
}

// WithWorker registers a background loop started by Run.
func WithWorker(name string, w Worker) Option {
	return func(o *Opts) { o.workers = append(o.workers, namedWorker{name: name, run: w}) }
}

// WithPushSender runs the push delivery loop beside the server.
func WithPushSender(ps *store.PushSender) Option {
	return WithWorker("push sender", ps.Run)
}

// Server serves the REST API.
type Server struct {
	cfg   Opts
	st    store.Store
	mux   *http.ServeMux
	start time.Time
}

// NewServer creates a Server over st.
func NewServer(st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, AppName: DefaultAppName, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Assistant == nil {
		cfg.AIEnabled = false
	}
	s := &Server{cfg: cfg, st: st, mux: http.NewServeMux(), start: time.Now()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/members", s.membersHandler)
	s.mux.HandleFunc("/api/members/{id}", s.memberHandler)
	s.mux.HandleFunc("/api/members/{id}/messages", s.memberMessagesHandler)
	s.mux.HandleFunc("/api/segments", s.segmentsHandler)
	s.mux.HandleFunc("/api/segments/{id}", s.segmentHandler)
	s.mux.HandleFunc("/api/segments/{id}/members", s.segmentMembersHandler)
	s.mux.HandleFunc("/api/segments/{id}/members/{memberID}", s.segmentMemberHandler)
	s.mux.HandleFunc("/api/messages", s.messagesHandler)
	s.mux.HandleFunc("/api/messages/push", s.pushHandler)
	s.mux.HandleFunc("/api/stats", s.statsHandler)
	s.mux.HandleFunc("/api/health", s.healthHandler)
	s.mux.HandleFunc("/api/test", s.testHandler)
	s.mux.HandleFunc("/api/ai/sentiment", s.sentimentHandler)
	s.mux.HandleFunc("/api/ai/suggestions", s.suggestionsHandler)
	s.mux.HandleFunc("/api/ai/improve", s.improveHandler)
	s.mux.HandleFunc("/api/ai/push-message", s.pushMessageHandler)
	s.mux.HandleFunc("/api/", s.notFoundHandler)
	for pattern, h := range s.cfg.routes {
		s.mux.Handle(pattern, h)
	}
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves HTTP on the configured address and runs the registered workers
// until ctx is cancelled or one of them fails. The HTTP server is shut down
// gracefully before Run returns.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.cfg.workers {
		g.Go(func() error {
			slog.Info("Server.Run: starting worker", "worker", w.name)
			if err := w.run(gctx); err != nil {
				slog.Error("Server.Run: worker failed", "worker", w.name, "error", err)
				return err
			}
			slog.Debug("Server.Run: worker stopped", "worker", w.name)
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("Server.Run: API listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Run: listen failed", "error", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
