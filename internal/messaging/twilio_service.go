package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/twiliowhatsapp"
)

// TwilioService implements Transport and EventSource using the Twilio API.
// Inbound messages and status callbacks arrive through WebhookHandler.
type TwilioService struct {
	*eventBus
	client twiliowhatsapp.Sender // real Twilio client or MockClient
}

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		eventBus: newEventBus(),
		client:   client,
	}
}

// Start is a no-op for Twilio (events are pushed to WebhookHandler).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the event channels.
func (s *TwilioService) Stop() error {
	s.close()
	return nil
}

// SendText sends a WhatsApp message via Twilio.
func (s *TwilioService) SendText(ctx context.Context, to, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	if body == "" {
		return "", ErrEmptyBody
	}
	canonicalTo, err := ValidatePhone(to)
	if err != nil {
		slog.Error("TwilioService SendText validation error", "error", err, "to", to)
		return "", err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// SendTemplate sends the template parameters as text.
func (s *TwilioService) SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error) {
	return s.SendText(ctx, to, RenderTemplate(name, params))
}

// SendInteractive sends the body followed by a numbered list of the buttons.
func (s *TwilioService) SendInteractive(ctx context.Context, to, body string, buttons []string) (string, error) {
	return s.SendText(ctx, to, RenderButtons(body, buttons))
}

// MarkRead is not exposed by the Twilio API; it is a no-op.
func (s *TwilioService) MarkRead(ctx context.Context, messageID string) error {
	return nil
}

// twilioStatuses maps Twilio MessageStatus values onto ours.
var twilioStatuses = map[string]models.MessageStatus{
	"sent":        models.StatusSent,
	"delivered":   models.StatusDelivered,
	"read":        models.StatusRead,
	"failed":      models.StatusFailed,
	"undelivered": models.StatusFailed,
}

// WebhookHandler handles Twilio inbound message webhooks and status callbacks.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	sid := r.FormValue("MessageSid")
	from := r.FormValue("From")
	body := r.FormValue("Body")
	now := time.Now().UTC()

	if status := r.FormValue("MessageStatus"); status != "" && body == "" {
		mapped, ok := twilioStatuses[status]
		if ok && sid != "" {
			st := models.StatusUpdate{
				ExternalID:  sid,
				Status:      mapped,
				RecipientID: CanonicalizePhone(r.FormValue("To")),
				Timestamp:   now,
			}
			if code := r.FormValue("ErrorCode"); code != "" {
				st.Errors = []string{fmt.Sprintf("twilio error %s", code)}
			}
			s.emitStatus(st)
		} else {
			slog.Debug("TwilioService ignoring status callback", "sid", sid, "status", status)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from", from, "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	s.emitInbound(models.InboundMessage{
		ID:          sid,
		From:        CanonicalizePhone(from),
		ProfileName: r.FormValue("ProfileName"),
		Type:        "text",
		Text:        body,
		Timestamp:   now,
	})
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
