// Package webhook receives WhatsApp Business Cloud API callbacks.
//
// The Receiver verifies and acknowledges requests, the Dispatcher queues the
// decoded events for a pool of workers, and the Processor applies status
// updates and runs the inbound message pipeline.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/messaging"
	"github.com/BTreeMap/PolarisCRM/internal/models"
)

// Envelope is the body Meta posts to the webhook. Entries, changes and
// contacts stay raw so that Decode can skip a malformed one on its own.
type Envelope struct {
	Object string
	Entry  json.RawMessage
}

type Entry struct {
	ID      string          `json:"id"`
	Changes json.RawMessage `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string          `json:"messaging_product"`
	Metadata         Metadata        `json:"metadata"`
	Contacts         json.RawMessage `json:"contacts,omitempty"`
	Messages         json.RawMessage `json:"messages,omitempty"`
	Statuses         json.RawMessage `json:"statuses,omitempty"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Message is one inbound message. Only the field matching Type is set.
type Message struct {
	ID          string        `json:"id"`
	From        string        `json:"from"`
	Timestamp   string        `json:"timestamp"`
	Type        string        `json:"type"`
	Text        *Text         `json:"text,omitempty"`
	Image       *Media        `json:"image,omitempty"`
	Video       *Media        `json:"video,omitempty"`
	Audio       *Media        `json:"audio,omitempty"`
	Voice       *Media        `json:"voice,omitempty"`
	Sticker     *Media        `json:"sticker,omitempty"`
	Document    *Document     `json:"document,omitempty"`
	Location    *Location     `json:"location,omitempty"`
	Contacts    []ContactCard `json:"contacts,omitempty"`
	Button      *Button       `json:"button,omitempty"`
	Interactive *Interactive  `json:"interactive,omitempty"`
	Reaction    *Reaction     `json:"reaction,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type Document struct {
	Media
	Filename string `json:"filename,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type ContactCard struct {
	Name   json.RawMessage `json:"name,omitempty"`
	Phones json.RawMessage `json:"phones,omitempty"`
}

type Button struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type Interactive struct {
	Type        string `json:"type"`
	ButtonReply *Reply `json:"button_reply,omitempty"`
	ListReply   *Reply `json:"list_reply,omitempty"`
}

// Reply is the chosen option of an interactive message.
type Reply struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type Reaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// Status is a delivery callback for a message we sent.
type Status struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Timestamp   string     `json:"timestamp"`
	RecipientID string     `json:"recipient_id"`
	Errors      []APIError `json:"errors,omitempty"`
}

type APIError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// Batch is the decoded content of one webhook request.
type Batch struct {
	Messages []models.InboundMessage
	Statuses []models.StatusUpdate
	Skipped  int
}

// Empty reports whether the batch has nothing to process.
func (b Batch) Empty() bool {
	return len(b.Messages) == 0 && len(b.Statuses) == 0
}

// ErrNotObject is returned by ParseEnvelope for a body that is valid JSON
// but not an object, such as null or an array.
var ErrNotObject = errors.New("webhook body is not a JSON object")

// ParseEnvelope decodes the top level of a webhook body. Only a body that is
// not a JSON object is an error; malformed entries are skipped by Decode.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("invalid webhook body: %w", err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}
	env := &Envelope{Entry: fields["entry"]}
	if raw, ok := fields["object"]; ok {
		if err := json.Unmarshal(raw, &env.Object); err != nil {
			slog.Debug("ParseEnvelope: ignoring malformed object field", "error", err)
		}
	}
	return env, nil
}

// Decode converts the "messages" changes of an envelope into typed events.
// Entries, changes, contacts, messages and statuses are decoded one by one so
// that a malformed item does not discard the rest.
func (env *Envelope) Decode() Batch {
	var b Batch
	for _, rawEntry := range splitArray(env.Entry, &b.Skipped) {
		var entry Entry
		if err := json.Unmarshal(rawEntry, &entry); err != nil {
			slog.Warn("Envelope.Decode: malformed entry skipped", "error", err)
			b.Skipped++
			continue
		}
		for _, rawChange := range splitArray(entry.Changes, &b.Skipped) {
			var change Change
			if err := json.Unmarshal(rawChange, &change); err != nil {
				slog.Warn("Envelope.Decode: malformed change skipped", "entry", entry.ID, "error", err)
				b.Skipped++
				continue
			}
			if change.Field != "messages" {
				slog.Debug("Envelope.Decode: ignoring change", "field", change.Field)
				continue
			}
			b.addChange(change.Value)
		}
	}
	return b
}

func (b *Batch) addChange(v ChangeValue) {
	profiles := make(map[string]string)
	for _, raw := range splitArray(v.Contacts, &b.Skipped) {
		var c Contact
		if err := json.Unmarshal(raw, &c); err != nil {
			slog.Warn("Envelope.Decode: malformed contact skipped", "error", err)
			b.Skipped++
			continue
		}
		profiles[c.WaID] = c.Profile.Name
	}
	for _, raw := range splitArray(v.Statuses, &b.Skipped) {
		var st Status
		if err := json.Unmarshal(raw, &st); err != nil {
			slog.Warn("Envelope.Decode: malformed status skipped", "error", err)
			b.Skipped++
			continue
		}
		upd, ok := st.toUpdate()
		if !ok {
			b.Skipped++
			continue
		}
		b.Statuses = append(b.Statuses, upd)
	}
	for _, raw := range splitArray(v.Messages, &b.Skipped) {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Warn("Envelope.Decode: malformed message skipped", "error", err)
			b.Skipped++
			continue
		}
		if msg.ID == "" || msg.From == "" {
			slog.Warn("Envelope.Decode: message without id or sender skipped", "id", msg.ID)
			b.Skipped++
			continue
		}
		b.Messages = append(b.Messages, models.InboundMessage{
			ID:          msg.ID,
			From:        msg.From,
			ProfileName: profiles[msg.From],
			Type:        msg.Type,
			Text:        ExtractContent(msg),
			Timestamp:   parseUnix(msg.Timestamp),
		})
	}
}

// splitArray splits a raw JSON array into its elements. Anything else counts as skipped.
func splitArray(raw json.RawMessage, skipped *int) []json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		slog.Warn("Envelope.Decode: expected an array", "error", err)
		*skipped++
		return nil
	}
	return items
}

var cloudStatuses = map[string]models.MessageStatus{
	"sent":      models.StatusSent,
	"delivered": models.StatusDelivered,
	"read":      models.StatusRead,
	"failed":    models.StatusFailed,
}

func (st Status) toUpdate() (models.StatusUpdate, bool) {
	status, ok := cloudStatuses[st.Status]
	if st.ID == "" || !ok {
		slog.Warn("Envelope.Decode: unsupported status skipped", "id", st.ID, "status", st.Status)
		return models.StatusUpdate{}, false
	}
	upd := models.StatusUpdate{
		ExternalID:  st.ID,
		Status:      status,
		RecipientID: st.RecipientID,
		Timestamp:   parseUnix(st.Timestamp),
	}
	for _, e := range st.Errors {
		upd.Errors = append(upd.Errors, fmt.Sprintf("%d: %s", e.Code, e.Title))
	}
	return upd, true
}

// ExtractContent renders the text stored for an inbound message of any type.
// It returns "" when a text or button message carries nothing.
func ExtractContent(msg Message) string {
	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return ""
		}
		return strings.TrimSpace(msg.Text.Body)
	case "button":
		if msg.Button == nil {
			return ""
		}
		if msg.Button.Text != "" {
			return msg.Button.Text
		}
		return "Button: " + msg.Button.Payload
	case "interactive":
		if msg.Interactive != nil {
			if r := msg.Interactive.ButtonReply; r != nil {
				return "Button: " + r.Title
			}
			if r := msg.Interactive.ListReply; r != nil {
				return "List: " + r.Title
			}
		}
		return "Interactive message"
	case "image":
		return messaging.Placeholder(msg.Type, caption(msg.Image))
	case "video":
		return messaging.Placeholder(msg.Type, caption(msg.Video))
	case "document":
		name := "file"
		if msg.Document != nil && msg.Document.Filename != "" {
			name = msg.Document.Filename
		}
		return messaging.Placeholder(msg.Type, name)
	default:
		return messaging.Placeholder(msg.Type, "")
	}
}

func caption(m *Media) string {
	if m == nil || m.Caption == "" {
		return ""
	}
	return " " + m.Caption
}

// parseUnix parses a unix-seconds timestamp string; invalid values yield now.
func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
