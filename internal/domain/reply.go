package domain

import (
	"time"

	"github.com/google/uuid"
)

// Fragment is one inbound message buffered for debouncing.
type Fragment struct {
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
	HasMedia   bool      `json:"has_media,omitempty"`
	MediaType  string    `json:"media_type,omitempty"`
}

// PendingReply collects fragments from one sender until the quiet period ends.
type PendingReply struct {
	ID             uuid.UUID
	SenderPhone    string
	CounterpartyID *string
	ContactType    string
	Fragments      []Fragment
	SourceIDs      []string
	ScheduledAt    time.Time
	ProcessedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
