package messaging

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// Constants for event channel configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound and status channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines how long an emit may block before the event is dropped
	DefaultChannelTimeout = 1 * time.Second
)

// eventBus holds the inbound and status channels shared by the event-driven services.
type eventBus struct {
	inbound  chan models.InboundMessage
	statuses chan models.StatusUpdate
	mu       sync.RWMutex
	stopped  bool
}

func newEventBus() *eventBus {
	return &eventBus{
		inbound:  make(chan models.InboundMessage, DefaultChannelBufferSize),
		statuses: make(chan models.StatusUpdate, DefaultChannelBufferSize),
	}
}

// Inbound returns the channel of member messages.
func (b *eventBus) Inbound() <-chan models.InboundMessage {
	return b.inbound
}

// Statuses returns the channel of delivery status updates.
func (b *eventBus) Statuses() <-chan models.StatusUpdate {
	return b.statuses
}

func (b *eventBus) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// emitInbound holds the read lock while sending so close cannot race it.
func (b *eventBus) emitInbound(msg models.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn("messaging: dropping inbound message (service stopped)", "from", msg.From)
		return
	}
	select {
	case b.inbound <- msg:
		slog.Debug("messaging: inbound message forwarded", "from", msg.From, "id", msg.ID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: inbound channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

func (b *eventBus) emitStatus(st models.StatusUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}
	select {
	case b.statuses <- st:
		slog.Debug("messaging: status forwarded", "id", st.ExternalID, "status", st.Status)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging: status channel blocked, dropping update", "id", st.ExternalID, "timeout", DefaultChannelTimeout)
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.inbound)
	close(b.statuses)
}
