package queue

import (
	"time"

	"github.com/google/uuid"
)

// DispatchEvent reports the outcome of one send attempt.
type DispatchEvent struct {
	MessageID         uuid.UUID      `json:"message_id"`
	Kind              string         `json:"kind"`
	Recipient         string         `json:"recipient"`
	Outcome           string         `json:"outcome"`
	Attempt           int            `json:"attempt"`
	MaxAttempts       int            `json:"max_attempts"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	DurationMs        int64          `json:"duration_ms"`
	NextAttempt       *time.Time     `json:"next_attempt,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at"`
}

// InboundEvent is one message received from a customer or contact.
type InboundEvent struct {
	SourceID       string    `json:"source_id"`
	SenderPhone    string    `json:"sender_phone"`
	Text           string    `json:"text"`
	FromMe         bool      `json:"from_me"`
	HasMedia       bool      `json:"has_media"`
	MediaType      string    `json:"media_type,omitempty"`
	CounterpartyID *string   `json:"counterparty_id,omitempty"`
	ContactType    string    `json:"contact_type,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}
