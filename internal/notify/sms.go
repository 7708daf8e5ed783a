package notify

import (
	"context"
	"fmt"

	"github.com/BTreeMap/PolarisCRM/internal/twiliowhatsapp"
)

// maxSMSMessage caps the quoted member text so alerts stay a few segments long.
const maxSMSMessage = 280

// SMSChannel texts notifications to the admin phone through Twilio.
type SMSChannel struct {
	sender twiliowhatsapp.Sender
	to     string
}

// NewSMSChannel creates an SMS channel.
func NewSMSChannel(sender twiliowhatsapp.Sender, to string) *SMSChannel {
	return &SMSChannel{sender: sender, to: to}
}

// Name returns the method name.
func (c *SMSChannel) Name() string { return MethodSMS }

// Notify sends the alert text.
func (c *SMSChannel) Notify(ctx context.Context, n Notification) error {
	msg := []rune(n.Message)
	if len(msg) > maxSMSMessage {
		msg = append(msg[:maxSMSMessage], '…')
	}
	body := fmt.Sprintf("%s\n%s: %s", n.subject(), n.MemberPhone, string(msg))
	if _, err := c.sender.SendSMS(ctx, c.to, body); err != nil {
		return fmt.Errorf("failed to send notification sms: %w", err)
	}
	return nil
}
