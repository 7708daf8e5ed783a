// Package scheduler runs periodic maintenance jobs on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/store"
	"github.com/robfig/cron/v3"
)

// DefaultRetentionSchedule runs the dedup purge daily at 03:00.
const DefaultRetentionSchedule = "0 3 * * *"

// DefaultDedupRetention is how long inbound dedup records are kept.
const DefaultDedupRetention = 30 * 24 * time.Hour

// Standard 5-field parser (min, hour, dom, month, dow) plus @daily style descriptors
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
}

// NewScheduler creates a scheduler evaluating expressions in loc (UTC if nil).
// Jobs do not fire until Run is called.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{cron: c, ctx: ctx, stop: cancel}
}

// ValidateExpr reports whether expr parses.
func ValidateExpr(expr string) error {
	if _, err := parser.Parse(strings.Join(strings.Fields(expr), " ")); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// AddJob schedules job under name. It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	expr = strings.Join(strings.Fields(expr), " ")
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		if err := job(s.ctx); err != nil {
			slog.Error("Scheduler: job failed", "job", name, "error", err)
			return
		}
		slog.Debug("Scheduler: job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for job %s: %w", expr, name, err)
	}
	slog.Info("Scheduler: job registered", "job", name, "schedule", expr)
	return nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	s.stop()
	<-s.cron.Stop().Done()
	slog.Info("Scheduler stopped")
	return nil
}

// DedupRetentionJob deletes inbound dedup records older than retention.
func DedupRetentionJob(repo store.DedupRepo, retention time.Duration, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		n, err := repo.PurgeInbound(ctx, now().Add(-retention))
		if err != nil {
			return err
		}
		slog.Info("Scheduler: purged inbound dedup records", "count", n, "retention", retention)
		return nil
	}
}
