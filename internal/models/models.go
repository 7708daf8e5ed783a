// Package models defines the core data structures for PolarisCRM.
//
// It includes members, segments and conversation messages, which are shared
// across the store, the webhook pipeline and the REST API.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageKind identifies the role a message row plays in the audit trail.
type MessageKind string

const (
	// KindOutboundPush is a broadcast message not tied to a conversation.
	KindOutboundPush MessageKind = "outbound_push"
	// KindInboundConversation is a message received from a member.
	KindInboundConversation MessageKind = "inbound_conversation"
	// KindOutboundConversation is a reply sent to a member.
	KindOutboundConversation MessageKind = "outbound_conversation"
	// KindNotification is an escalation record addressed to the team.
	KindNotification MessageKind = "notification"
)

// IsValidMessageKind checks if the given kind is supported.
func IsValidMessageKind(k MessageKind) bool {
	switch k {
	case KindOutboundPush, KindInboundConversation, KindOutboundConversation, KindNotification:
		return true
	default:
		return false
	}
}

// MessageStatus is the delivery status of a message row.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// IsValidMessageStatus checks if the given status is supported.
func IsValidMessageStatus(s MessageStatus) bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	default:
		return false
	}
}

// rank orders statuses along the successful delivery path.
func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether a row currently in status from may move to status to.
// Transitions only move forward; failed is terminal and a read message cannot fail.
func CanTransition(from, to MessageStatus) bool {
	if !IsValidMessageStatus(to) || from == StatusFailed || from == to {
		return false
	}
	if to == StatusFailed {
		return from != StatusRead
	}
	return to.rank() > from.rank()
}

// PredecessorsOf lists every status from which a row may move to status to.
func PredecessorsOf(to MessageStatus) []MessageStatus {
	var from []MessageStatus
	for _, s := range []MessageStatus{StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

// Validation constants for input validation
const (
	// MinPhoneDigits is the minimum length of a canonical phone number.
	MinPhoneDigits = 9
	// MaxPhoneDigits is the maximum length of a canonical phone number (E.164).
	MaxPhoneDigits = 15
	// MaxNameLength bounds first, last and segment names.
	MaxNameLength = 100
	// MaxMessageLength is the WhatsApp text body limit.
	MaxMessageLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("already exists")
	ErrValidation = errors.New("validation failed")

	ErrMissingMemberFields = fmt.Errorf("%w: first_name, last_name and phone are required", ErrValidation)
	ErrInvalidPhone        = fmt.Errorf("%w: phone must contain between %d and %d digits", ErrValidation, MinPhoneDigits, MaxPhoneDigits)
	ErrNameTooLong         = fmt.Errorf("%w: name exceeds maximum length", ErrValidation)
	ErrEmptyUpdate         = fmt.Errorf("%w: no fields to update", ErrValidation)
	ErrMissingSegmentName  = fmt.Errorf("%w: segment name is required", ErrValidation)
	ErrMissingMemberID     = fmt.Errorf("%w: member_id is required", ErrValidation)
	ErrEmptyContent        = fmt.Errorf("%w: content is required", ErrValidation)
	ErrContentTooLong      = fmt.Errorf("%w: content exceeds maximum length", ErrValidation)
	ErrNoRecipients        = fmt.Errorf("%w: member_ids or segment_id is required", ErrValidation)
)

// Member is a contact tracked by the CRM.
type Member struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Segments  []Segment `json:"segments,omitempty"`
}

// FullName returns "First Last".
func (m Member) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

// Segment is a named grouping of members.
type Segment struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	MemberCount int       `json:"member_count"`
	Members     []Member  `json:"members,omitempty"`
}

// Message is one row of the conversation audit trail.
type Message struct {
	ID         int64          `json:"id"`
	MemberID   int64          `json:"member_id"`
	Kind       MessageKind    `json:"kind"`
	Content    string         `json:"content"`
	Status     MessageStatus  `json:"status"`
	ExternalID string         `json:"external_message_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`

	// Populated by listings joined with members.
	MemberFirstName string `json:"first_name,omitempty"`
	MemberLastName  string `json:"last_name,omitempty"`
	MemberPhone     string `json:"phone,omitempty"`
}

// Stats summarizes store contents for the dashboard.
type Stats struct {
	MembersCount    int `json:"members_count"`
	SegmentsCount   int `json:"segments_count"`
	MessagesCount   int `json:"messages_count"`
	PendingMessages int `json:"pending_messages"`
	SentMessages    int `json:"sent_messages"`
	FailedMessages  int `json:"failed_messages"`
}

// WebhookStats summarizes webhook activity since a given instant.
type WebhookStats struct {
	MessagesToday       int `json:"messages_today"`
	AutoRepliesToday    int `json:"auto_replies_today"`
	UrgentMessagesToday int `json:"urgent_messages_today"`
	NewMembersToday     int `json:"new_members_today"`
}

// MemberInput is the payload for creating or updating a member.
// Phone is expected in canonical digits-only form when validated.
type MemberInput struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

// Trim removes surrounding whitespace from every field.
func (in *MemberInput) Trim() {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Phone = strings.TrimSpace(in.Phone)
}

// ValidateCreate requires every field.
func (in *MemberInput) ValidateCreate() error {
	if in.FirstName == "" || in.LastName == "" || in.Phone == "" {
		return ErrMissingMemberFields
	}
	return in.validateFields()
}

// ValidateUpdate requires at least one field.
func (in *MemberInput) ValidateUpdate() error {
	if in.FirstName == "" && in.LastName == "" && in.Phone == "" {
		return ErrEmptyUpdate
	}
	return in.validateFields()
}

func (in *MemberInput) validateFields() error {
	if len(in.FirstName) > MaxNameLength || len(in.LastName) > MaxNameLength {
		return ErrNameTooLong
	}
	if in.Phone != "" && (len(in.Phone) < MinPhoneDigits || len(in.Phone) > MaxPhoneDigits) {
		return ErrInvalidPhone
	}
	return nil
}

// SegmentInput is the payload for creating or updating a segment.
// A nil Description leaves the stored value untouched on update.
type SegmentInput struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// Validate checks a segment creation payload.
func (in *SegmentInput) Validate() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return ErrMissingSegmentName
	}
	if len(in.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// ValidateUpdate checks a segment update payload.
func (in *SegmentInput) ValidateUpdate() error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" && in.Description == nil {
		return ErrEmptyUpdate
	}
	if len(in.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// MembershipInput is the payload for adding a member to a segment.
type MembershipInput struct {
	MemberID int64 `json:"member_id"`
}

// PushRequest queues a broadcast message for a set of members and/or a segment.
type PushRequest struct {
	Content   string  `json:"content"`
	MemberIDs []int64 `json:"member_ids,omitempty"`
	SegmentID *int64  `json:"segment_id,omitempty"`
}

// Validate checks a push request.
func (p *PushRequest) Validate() error {
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return ErrEmptyContent
	}
	if len(p.Content) > MaxMessageLength {
		return ErrContentTooLong
	}
	if len(p.MemberIDs) == 0 && p.SegmentID == nil {
		return ErrNoRecipients
	}
	return nil
}

// TurnRole is the speaker of one conversation turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// ConversationTurn is one entry of the history handed to the completion provider.
type ConversationTurn struct {
	Role    TurnRole `json:"role"`
	Content string   `json:"content"`
}

// TurnsFromMessages maps conversation rows (oldest first) to provider turns.
// Inbound messages become user turns, outbound replies and pushes assistant turns;
// notifications are skipped.
func TurnsFromMessages(msgs []Message) []ConversationTurn {
	turns := make([]ConversationTurn, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case KindInboundConversation:
			turns = append(turns, ConversationTurn{Role: RoleUser, Content: m.Content})
		case KindOutboundConversation, KindOutboundPush:
			turns = append(turns, ConversationTurn{Role: RoleAssistant, Content: m.Content})
		}
	}
	return turns
}
