package models

import "time"

// InboundMessage is a member message received from any WhatsApp transport,
// reduced to what the reply pipeline needs.
type InboundMessage struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	ProfileName string    `json:"profile_name,omitempty"`
	Type        string    `json:"type"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
}

// StatusUpdate is a delivery callback for a message we sent earlier.
type StatusUpdate struct {
	ExternalID  string        `json:"id"`
	Status      MessageStatus `json:"status"`
	RecipientID string        `json:"recipient_id"`
	Timestamp   time.Time     `json:"timestamp"`
	Errors      []string      `json:"errors,omitempty"`
}
