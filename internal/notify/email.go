package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel mails notifications to the team address.
type EmailChannel struct {
	cfg      SMTPConfig
	to       string
	sendMail sendMailFunc
}

// NewEmailChannel creates an email channel. Port defaults to 587 and the
// sender to the recipient.
func NewEmailChannel(cfg SMTPConfig, to string) *EmailChannel {
	if cfg.Port < 1 {
		cfg.Port = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = to
	}
	return &EmailChannel{cfg: cfg, to: to, sendMail: smtp.SendMail}
}

// Name returns the method name.
func (c *EmailChannel) Name() string { return MethodEmail }

// Notify sends a plain-text email. net/smtp has no context support, so the
// context is only checked before dialing.
func (c *EmailChannel) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if strings.TrimSpace(c.cfg.Username) != "" {
		if c.cfg.Password == "" {
			return fmt.Errorf("smtp password is required when username is set")
		}
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	addr := c.cfg.Host + ":" + strconv.Itoa(c.cfg.Port)
	if err := c.sendMail(addr, auth, c.cfg.From, []string{c.to}, c.compose(n)); err != nil {
		return fmt.Errorf("failed to send notification email: %w", err)
	}
	return nil
}

func (c *EmailChannel) compose(n Notification) []byte {
	headers := []string{
		"From: " + sanitizeHeader(c.cfg.From),
		"To: " + sanitizeHeader(c.to),
		"Subject: " + sanitizeHeader(n.subject()),
		"Date: " + n.Timestamp.UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	}
	body := []string{
		"Member: " + n.MemberName,
		"Phone: " + n.MemberPhone,
		"Urgency: " + string(n.Urgency),
		"Received: " + n.Timestamp.Format(time.RFC3339),
		"",
		n.Message,
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + strings.Join(body, "\r\n") + "\r\n")
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(strings.TrimSpace(v))
}
