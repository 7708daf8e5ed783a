package webhook

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/PolarisCRM/internal/messaging"
	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/util"
)

// Default dispatcher sizing
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 100
)

// ErrQueueFull is returned by Enqueue when the queue has no room left.
var ErrQueueFull = errors.New("webhook event queue full")

// Event is one unit of queued work, tagged with a correlation id for logs.
type Event struct {
	ID    string
	Batch Batch
}

// NewEvent wraps a batch with a fresh evt_<uuid> id.
func NewEvent(b Batch) Event {
	return Event{ID: util.NewID(util.EventIDPrefix), Batch: b}
}

// Handler processes one event.
type Handler interface {
	Process(ctx context.Context, evt Event)
}

// Dispatcher hands events to a fixed pool of workers through a bounded queue.
type Dispatcher struct {
	handler Handler
	workers int
	queue   chan Event

	mu     sync.RWMutex // held for writing only to set closed
	closed bool
}

// NewDispatcher creates a Dispatcher. Non-positive sizes use the defaults.
func NewDispatcher(handler Handler, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{handler: handler, workers: workers, queue: make(chan Event, queueSize)}
}

// Enqueue queues an event without blocking.
func (d *Dispatcher) Enqueue(evt Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrQueueFull
	}
	select {
	case d.queue <- evt:
		slog.Debug("Dispatcher.Enqueue: event queued", "eventID", evt.ID,
			"messages", len(evt.Batch.Messages), "statuses", len(evt.Batch.Statuses), "queued", len(d.queue))
		return nil
	default:
		slog.Warn("Dispatcher.Enqueue: queue full, event rejected", "eventID", evt.ID)
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is done. Events still queued
// at that point are processed before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case evt := <-d.queue:
					d.process(ctx, evt)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
	err := g.Wait()

	// Once closed is set under the write lock no Enqueue can add to the
	// queue, so the drain below sees every accepted event.
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	drainCtx := context.WithoutCancel(ctx)
	for {
		select {
		case evt := <-d.queue:
			d.process(drainCtx, evt)
		default:
			slog.Debug("Dispatcher.Run: stopped")
			return err
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.process: handler panicked", "eventID", evt.ID, "panic", r)
		}
	}()
	d.handler.Process(ctx, evt)
}

// Consume forwards events from a transport that receives them itself
// (linked device, Twilio) into the queue until ctx is done or the source closes.
func (d *Dispatcher) Consume(ctx context.Context, src messaging.EventSource) error {
	inbound, statuses := src.Inbound(), src.Statuses()
	for inbound != nil || statuses != nil {
		var b Batch
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			b.Messages = []models.InboundMessage{msg}
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			b.Statuses = []models.StatusUpdate{st}
		}
		if err := d.offer(ctx, NewEvent(b)); err != nil {
			return nil
		}
	}
	slog.Info("Dispatcher.Consume: event source closed")
	return nil
}

// consumeRetry is how often Consume retries a full queue.
const consumeRetry = 50 * time.Millisecond

// offer waits for room in the queue without holding the lock while waiting.
// It fails once ctx is done or the dispatcher has stopped.
func (d *Dispatcher) offer(ctx context.Context, evt Event) error {
	for {
		d.mu.RLock()
		if d.closed {
			d.mu.RUnlock()
			slog.Warn("Dispatcher.Consume: dispatcher stopped, event dropped", "eventID", evt.ID)
			return ErrQueueFull
		}
		select {
		case d.queue <- evt:
			d.mu.RUnlock()
			return nil
		default:
		}
		d.mu.RUnlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(consumeRetry):
		}
	}
}
