package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned when a status change is not allowed by the
// transition table of the entity.
var ErrInvalidTransition = errors.New("invalid status transition")

// MessageStatus represents the lifecycle of a queued outbound message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusSent       MessageStatus = "sent"
	MessageStatusFailed     MessageStatus = "failed"
)

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusPending:    {MessageStatusProcessing},
	MessageStatusProcessing: {MessageStatusSent, MessageStatusPending, MessageStatusFailed},
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusPending, MessageStatusProcessing, MessageStatusSent, MessageStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s MessageStatus) Terminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	for _, allowed := range messageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Message kinds produced inside the pipeline. Callers may use other values.
const (
	KindConfirmationRequest  = "confirmation-request"
	KindConfirmationFollowUp = "confirmation-follow-up"
	KindConfirmationAck      = "confirmation-ack"
	KindStallAlert           = "stall-alert"
	KindAutoReply            = "auto-reply"
	KindNotification         = "notification"
)

// Metadata keys linking a message back to the entity that produced it.
const (
	MetaOrderID        = "order_id"
	MetaAlertID        = "alert_id"
	MetaConfirmationID = "confirmation_id"
	MetaLogID          = "log_id"
)

// Media is an attachment sent after the text body.
type Media struct {
	Base64   string `json:"base64"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// QueueMessage is one unit of outbound work.
type QueueMessage struct {
	ID                uuid.UUID
	Recipient         string
	RecipientName     *string
	Kind              string
	Body              string
	Media             *Media
	Priority          int
	Status            MessageStatus
	Attempts          int
	MaxAttempts       int
	ScheduledAt       time.Time
	LastAttemptAt     *time.Time
	SentAt            *time.Time
	LastError         *string
	ProviderMessageID *string
	Metadata          map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TransitionTo moves the message to next, refusing any move the transition
// table does not list.
func (m *QueueMessage) TransitionTo(next MessageStatus) error {
	if !m.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: message %s %s -> %s", ErrInvalidTransition, m.ID, m.Status, next)
	}
	m.Status = next
	return nil
}

// MetaString returns a metadata value as a string.
func (m *QueueMessage) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	switch v := m.Metadata[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

// AttemptOutcome classifies one send attempt.
type AttemptOutcome string

const (
	AttemptSent       AttemptOutcome = "sent"
	AttemptRetrying   AttemptOutcome = "retrying"
	AttemptFailed     AttemptOutcome = "failed"
	AttemptSuperseded AttemptOutcome = "superseded"
)

// MessageAttempt is the audit record of one send attempt.
type MessageAttempt struct {
	MessageID         uuid.UUID
	AttemptNum        int
	Outcome           AttemptOutcome
	Recipient         string
	Error             string
	ProviderMessageID string
	Duration          time.Duration
	CreatedAt         time.Time
}

// DailyStats aggregates queue activity for one calendar day.
type DailyStats struct {
	Day    time.Time `db:"day" json:"day"`
	Queued int64     `db:"queued" json:"queued"`
	Sent   int64     `db:"sent" json:"sent"`
	Failed int64     `db:"failed" json:"failed"`
}
