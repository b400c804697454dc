package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResponseType is the classified meaning of a customer's reply.
type ResponseType string

const (
	ResponseConfirmed   ResponseType = "confirmed"
	ResponseNotReceived ResponseType = "not_received"
	ResponseInvalid     ResponseType = "invalid_response"
)

// Answers reports whether the response closes the confirmation.
func (r ResponseType) Answers() bool {
	return r == ResponseConfirmed || r == ResponseNotReceived
}

// ConfirmationState is derived from a DeliveryConfirmation row.
type ConfirmationState string

const (
	ConfirmationAwaiting  ConfirmationState = "awaiting"
	ConfirmationResponded ConfirmationState = "responded"
	ConfirmationExhausted ConfirmationState = "exhausted"
)

// DeliveryConfirmation tracks the delivery prompt of one order.
type DeliveryConfirmation struct {
	ID               uuid.UUID
	OrderID          uuid.UUID
	OrganizationID   uuid.UUID
	RecipientPhone   string
	RecipientName    *string
	OrderStatus      string
	SentAt           time.Time
	ResponseReceived bool
	ResponseType     *ResponseType
	ResponseText     *string
	RespondedAt      *time.Time
	Attempts         int
	MaxAttempts      int
	LastAttemptAt    *time.Time
	RequiresAnalysis bool
	AnalysisNotes    *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// State returns where the row sits in the prompt cycle.
func (c *DeliveryConfirmation) State() ConfirmationState {
	switch {
	case c.ResponseReceived:
		return ConfirmationResponded
	case c.MaxAttempts > 0 && c.Attempts >= c.MaxAttempts:
		return ConfirmationExhausted
	default:
		return ConfirmationAwaiting
	}
}

// RecordResponse stores a classified reply. Only answering types mark the
// row as received; an invalid reply keeps the raw text but leaves the row
// open for future prompts.
func (c *DeliveryConfirmation) RecordResponse(kind ResponseType, text string, at time.Time) error {
	if c.ResponseReceived {
		return fmt.Errorf("%w: confirmation %s already answered", ErrInvalidTransition, c.ID)
	}
	switch kind {
	case ResponseConfirmed, ResponseNotReceived:
		c.ResponseReceived = true
		c.RespondedAt = &at
	case ResponseInvalid:
	default:
		return fmt.Errorf("%w: unknown response type %q", ErrInvalidTransition, kind)
	}
	k := kind
	c.ResponseType = &k
	c.ResponseText = &text
	c.UpdatedAt = at
	return nil
}
