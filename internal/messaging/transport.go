// Package messaging defines how PolarisCRM talks to members over WhatsApp:
// the outbound Transport, the inbound event source, and phone number rules
// shared by every provider.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// Transport delivers outbound WhatsApp messages. Each send returns the
// provider's message id, which later status callbacks refer to.
type Transport interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error)
	SendInteractive(ctx context.Context, to, body string, buttons []string) (string, error)
	// MarkRead acknowledges an inbound message. Best effort.
	MarkRead(ctx context.Context, messageID string) error
}

// EventSource is implemented by transports that receive events themselves
// instead of through the Cloud API webhook.
type EventSource interface {
	Start(ctx context.Context) error
	Stop() error
	Inbound() <-chan models.InboundMessage
	Statuses() <-chan models.StatusUpdate
}

var (
	// ErrServiceStopped is returned when sending through a stopped service.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrEmptyBody is returned for sends without content.
	ErrEmptyBody = errors.New("message body cannot be empty")
)
