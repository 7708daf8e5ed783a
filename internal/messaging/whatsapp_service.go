package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/PolarisCRM/internal/models"
	"github.com/BTreeMap/PolarisCRM/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// maxTrackedSenders bounds the inbound id -> sender map used for read receipts
const maxTrackedSenders = 1000

// WhatsAppService implements Transport and EventSource over a linked-device
// whatsmeow client. Templates and buttons degrade to plain text.
type WhatsAppService struct {
	*eventBus
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // underlying client for event handling; nil for mocks

	sendersMu sync.Mutex
	senders   map[string]string
	order     []string
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		eventBus: newEventBus(),
		client:   client,
		senders:  make(map[string]string),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppService event handler registered")
	return nil
}

// Stop closes the event channels.
func (s *WhatsAppService) Stop() error {
	s.close()
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendText sends a plain text message.
func (s *WhatsAppService) SendText(ctx context.Context, to, body string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	if body == "" {
		return "", ErrEmptyBody
	}
	id, err := s.client.SendMessage(ctx, CanonicalizePhone(to), body)
	if err != nil {
		slog.Error("WhatsAppService SendText error", "error", err, "to", to)
		return "", err
	}
	slog.Debug("WhatsAppService message sent", "to", to, "id", id)
	return id, nil
}

// SendTemplate sends the template parameters as text.
func (s *WhatsAppService) SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error) {
	return s.SendText(ctx, to, RenderTemplate(name, params))
}

// SendInteractive sends the body followed by a numbered list of the buttons.
func (s *WhatsAppService) SendInteractive(ctx context.Context, to, body string, buttons []string) (string, error) {
	return s.SendText(ctx, to, RenderButtons(body, buttons))
}

// MarkRead sends a read receipt when the client supports it. Receipts need
// the chat, so only recently received message ids can be acknowledged.
func (s *WhatsAppService) MarkRead(ctx context.Context, messageID string) error {
	reader, ok := s.client.(whatsapp.ReadMarker)
	if !ok {
		return nil
	}
	from := s.senderOf(messageID)
	if from == "" {
		slog.Debug("WhatsAppService MarkRead: unknown message id", "id", messageID)
		return nil
	}
	return reader.MarkRead(ctx, from, messageID)
}

func (s *WhatsAppService) rememberSender(messageID, from string) {
	s.sendersMu.Lock()
	defer s.sendersMu.Unlock()
	if _, ok := s.senders[messageID]; ok {
		return
	}
	if len(s.order) >= maxTrackedSenders {
		delete(s.senders, s.order[0])
		s.order = s.order[1:]
	}
	s.senders[messageID] = from
	s.order = append(s.order, messageID)
}

func (s *WhatsAppService) senderOf(messageID string) string {
	s.sendersMu.Lock()
	defer s.sendersMu.Unlock()
	return s.senders[messageID]
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if msg, ok := inboundFromEvent(v); ok {
			s.rememberSender(msg.ID, msg.From)
			s.emitInbound(msg)
		}
	case *events.Receipt:
		for _, st := range statusesFromReceipt(v) {
			s.emitStatus(st)
		}
	}
}

// inboundFromEvent converts a whatsmeow message event. Own messages and
// group chats are skipped.
func inboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}
	m := evt.Message
	msgType, text := "text", ""
	switch {
	case m.GetConversation() != "":
		text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		text = m.GetExtendedTextMessage().GetText()
	case m.GetButtonsResponseMessage() != nil:
		msgType, text = "interactive", "Button: "+m.GetButtonsResponseMessage().GetSelectedDisplayText()
	case m.GetListResponseMessage() != nil:
		msgType, text = "interactive", "List: "+m.GetListResponseMessage().GetTitle()
	case m.GetImageMessage() != nil:
		msgType = "image"
		text = Placeholder(msgType, m.GetImageMessage().GetCaption())
	case m.GetVideoMessage() != nil:
		msgType = "video"
		text = Placeholder(msgType, m.GetVideoMessage().GetCaption())
	case m.GetDocumentMessage() != nil:
		msgType = "document"
		text = Placeholder(msgType, m.GetDocumentMessage().GetFileName())
	case m.GetAudioMessage() != nil:
		msgType = "audio"
		text = Placeholder(msgType, "")
	case m.GetLocationMessage() != nil:
		msgType = "location"
		text = Placeholder(msgType, "")
	case m.GetContactMessage() != nil:
		msgType = "contacts"
		text = Placeholder(msgType, "")
	default:
		msgType = "unknown"
		text = Placeholder(msgType, "")
	}

	return models.InboundMessage{
		ID:          string(evt.Info.ID),
		From:        CanonicalizePhone(evt.Info.Sender.User),
		ProfileName: evt.Info.PushName,
		Type:        msgType,
		Text:        text,
		Timestamp:   evt.Info.Timestamp.UTC(),
	}, true
}

// statusesFromReceipt converts delivery and read receipts; others are ignored.
func statusesFromReceipt(evt *events.Receipt) []models.StatusUpdate {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.StatusDelivered
	case events.ReceiptTypeRead:
		status = models.StatusRead
	default:
		slog.Debug("WhatsAppService ignoring receipt type", "type", evt.Type)
		return nil
	}
	out := make([]models.StatusUpdate, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		out = append(out, models.StatusUpdate{
			ExternalID:  string(id),
			Status:      status,
			RecipientID: CanonicalizePhone(evt.Chat.User),
			Timestamp:   evt.Timestamp.UTC(),
		})
	}
	return out
}
