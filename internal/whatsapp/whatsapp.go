// Package whatsapp wraps the Whatsmeow client so PolarisCRM can run over a
// linked device instead of the Cloud API.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is used when no session DSN is configured
	DefaultSQLitePath = "/var/lib/polaris/whatsmeow.db"
	// JIDSuffix is the server part of a personal account JID
	JIDSuffix = "s.whatsapp.net"

	DefaultConnectAttempts = 5
	DefaultReconnectDelay  = time.Second
)

var (
	ErrNotConnected   = errors.New("whatsapp client not connected")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// WhatsAppSender sends a text message and returns the WhatsApp message id.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// ReadMarker sends read receipts for messages received from a phone number.
type ReadMarker interface {
	MarkRead(ctx context.Context, from string, messageIDs ...string) error
}

// Opts holds the session store and login settings of the linked device.
type Opts struct {
	DBDSN           string // session database; SQLite path or postgres DSN
	QRPath          string // write the login code here instead of stdout
	NumericCode     bool   // print the raw login code instead of a QR block
	ConnectAttempts int
	ReconnectDelay  time.Duration
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the session database DSN.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login code to path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the login code as text.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithConnectRetry bounds connection attempts after login.
func WithConnectRetry(attempts int, delay time.Duration) Option {
	return func(o *Opts) {
		o.ConnectAttempts = attempts
		o.ReconnectDelay = delay
	}
}

func (o *Opts) applyDefaults() {
	if o.DBDSN == "" {
		o.DBDSN = DefaultSQLitePath
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = DefaultConnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
}

// sessionDriver picks the database/sql driver for the session store.
func sessionDriver(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// Client is a connected linked-device session.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient opens the session store, logs in if the device is not paired yet
// and connects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults()
	ctx := context.Background()

	driver := sessionDriver(cfg.DBDSN)
	if driver == "sqlite3" && !strings.Contains(cfg.DBDSN, "foreign_keys") {
		slog.Warn("WhatsApp session database does not enable foreign keys; whatsmeow requires them",
			"dsn_example", "file:"+cfg.DBDSN+"?_foreign_keys=on")
	}
	slog.Debug("WhatsApp NewClient opening session store", "driver", driver, "qrPath", cfg.QRPath, "numericCode", cfg.NumericCode)

	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load whatsapp device: %w", err)
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	}
	if err := connectWithRetry(ctx, waClient, cfg.ConnectAttempts, cfg.ReconnectDelay); err != nil {
		return nil, err
	}
	if err := waClient.SendPresence(types.PresenceAvailable); err != nil {
		slog.Warn("WhatsApp presence update failed", "error", err)
	}
	slog.Info("WhatsApp client connected", "jid", waClient.Store.ID)
	return &Client{waClient: waClient}, nil
}

// login pairs a new device, rendering each code the server issues until the
// pairing succeeds or the channel closes.
func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; waiting for the device to be linked")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to start whatsapp login: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to whatsapp during login: %w", err)
	}

	var w io.Writer = os.Stdout
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create login code file: %w", err)
		}
		defer f.Close()
		w = f
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if cfg.NumericCode {
				fmt.Fprintln(w, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, w)
			}
		case "success":
			slog.Info("WhatsApp device linked")
			return nil
		default:
			slog.Warn("WhatsApp login event", "event", evt.Event)
		}
	}
	if waClient.Store.ID == nil {
		return errors.New("whatsapp login did not complete")
	}
	return nil
}

func connectWithRetry(ctx context.Context, waClient *whatsmeow.Client, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if waClient.IsConnected() {
			return nil
		}
		if err = waClient.Connect(); err == nil && waClient.IsConnected() {
			return nil
		}
		slog.Warn("WhatsApp connect attempt failed", "attempt", i+1, "error", err)
		select {
		case <-time.After(delay * time.Duration(i+1)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err == nil {
		err = ErrNotConnected
	}
	return fmt.Errorf("failed to connect to whatsapp after %d attempts: %w", attempts, err)
}

// userJID builds the personal JID for a canonical phone number.
func userJID(phone string) types.JID {
	return types.NewJID(strings.TrimPrefix(phone, "+"), JIDSuffix)
}

func validateSend(to, body string) error {
	if to == "" {
		return ErrEmptyRecipient
	}
	if body == "" {
		return ErrEmptyBody
	}
	return nil
}

// SendMessage sends a text message to the given canonical phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if err := validateSend(to, body); err != nil {
		return "", err
	}
	if c.waClient == nil || !c.waClient.IsConnected() {
		return "", ErrNotConnected
	}
	resp, err := c.waClient.SendMessage(ctx, userJID(to), &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("WhatsApp SendMessage failed", "error", err, "to", to)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to, "id", resp.ID)
	return string(resp.ID), nil
}

// MarkRead sends a read receipt for messages in the one-to-one chat with from.
func (c *Client) MarkRead(ctx context.Context, from string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if c.waClient == nil || !c.waClient.IsConnected() {
		return ErrNotConnected
	}
	ids := make([]types.MessageID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = types.MessageID(id)
	}
	// In a one-to-one chat the sender is implied by the chat
	if err := c.waClient.MarkRead(ids, time.Now(), userJID(from), types.EmptyJID); err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Close disconnects from the WhatsApp servers.
func (c *Client) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
		slog.Info("WhatsApp client disconnected")
	}
}

// MockClient records messages instead of sending them (for tests).
type MockClient struct {
	mu   sync.Mutex
	Sent []SentMessage
	Read map[string][]string // sender phone -> message ids
	Err  error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{Read: make(map[string][]string)}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if err := validateSend(to, body); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return fmt.Sprintf("3EB0%012d", len(m.Sent)), nil
}

func (m *MockClient) MarkRead(ctx context.Context, from string, messageIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Read[from] = append(m.Read[from], messageIDs...)
	return nil
}
