package transport

import (
	"context"
	"errors"

	"github.com/acme/order-dispatch/internal/domain"
)

// ErrRecipientRejected means the provider does not know the number as
// written. Callers may retry with an alternate spelling of the same phone.
var ErrRecipientRejected = errors.New("recipient rejected by provider")

// SendResult captures the provider's acknowledgement.
type SendResult struct {
	ProviderMessageID string
}

// Provider abstracts the messaging provider. Only the dispatch worker calls it.
type Provider interface {
	SendText(ctx context.Context, phone, text string) (SendResult, error)
	SendMedia(ctx context.Context, phone string, media domain.Media) (SendResult, error)
	// Ready returns an error when no connected instance can send right now.
	Ready(ctx context.Context) error
}
