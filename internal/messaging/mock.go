package messaging

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage is one send captured by MockTransport.
type SentMessage struct {
	Kind     string // text, template or interactive
	To       string
	Body     string
	Template string
	Params   []string
	Buttons  []string
	ID       string
}

// MockTransport records sends instead of delivering them (for tests).
// Sends to a number listed in FailFor, or any send while Err is set, fail.
type MockTransport struct {
	mu      sync.Mutex
	Sent    []SentMessage
	Read    []string
	Err     error
	FailFor map[string]error
	seq     int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{FailFor: map[string]error{}}
}

func (m *MockTransport) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if err := m.FailFor[msg.To]; err != nil {
		return "", err
	}
	m.seq++
	msg.ID = fmt.Sprintf("wamid.mock.%d", m.seq)
	m.Sent = append(m.Sent, msg)
	return msg.ID, nil
}

func (m *MockTransport) SendText(ctx context.Context, to, body string) (string, error) {
	return m.record(SentMessage{Kind: "text", To: CanonicalizePhone(to), Body: body})
}

func (m *MockTransport) SendTemplate(ctx context.Context, to, name, language string, params []string) (string, error) {
	return m.record(SentMessage{Kind: "template", To: CanonicalizePhone(to), Template: name, Params: params})
}

func (m *MockTransport) SendInteractive(ctx context.Context, to, body string, buttons []string) (string, error) {
	return m.record(SentMessage{Kind: "interactive", To: CanonicalizePhone(to), Body: body, Buttons: buttons})
}

func (m *MockTransport) MarkRead(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Read = append(m.Read, messageID)
	return nil
}

// Messages returns a copy of the recorded sends.
func (m *MockTransport) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
