// Package inbound routes customer messages to the confirmation tracker or,
// when no confirmation is waiting, to the debouncer.
package inbound

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/queue"
	"github.com/acme/order-dispatch/internal/service/confirmation"
	"github.com/acme/order-dispatch/internal/service/debounce"
)

// ReplyHandler is satisfied by confirmation.Tracker.
type ReplyHandler interface {
	HandleReply(ctx context.Context, reply confirmation.Reply) (confirmation.ReplyOutcome, error)
}

// Buffer is satisfied by debounce.Debouncer.
type Buffer interface {
	Ingest(ctx context.Context, in debounce.Inbound) (*domain.PendingReply, error)
}

// Route names where a message ended up.
type Route string

const (
	RouteIgnored      Route = "ignored"
	RouteConfirmation Route = "confirmation"
	RouteDebounce     Route = "debounce"
)

// Result describes one routed message.
type Result struct {
	Route        Route                      `json:"route"`
	Confirmation *confirmation.ReplyOutcome `json:"confirmation,omitempty"`
	PendingReply *domain.PendingReply       `json:"-"`
}

// Router dispatches inbound events.
type Router struct {
	replies ReplyHandler
	buffer  Buffer
	logger  *zap.Logger
}

// NewRouter builds a router.
func NewRouter(replies ReplyHandler, buffer Buffer, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{replies: replies, buffer: buffer, logger: logger}
}

// Route handles one inbound event. Messages sent by the business itself are
// ignored.
func (r *Router) Route(ctx context.Context, evt queue.InboundEvent) (Result, error) {
	if evt.FromMe {
		return Result{Route: RouteIgnored}, nil
	}

	if strings.TrimSpace(evt.Text) != "" {
		outcome, err := r.replies.HandleReply(ctx, confirmation.Reply{SenderPhone: evt.SenderPhone, Text: evt.Text})
		if err != nil {
			return Result{}, fmt.Errorf("inbound router: confirmation: %w", err)
		}
		if outcome.Matched {
			return Result{Route: RouteConfirmation, Confirmation: &outcome}, nil
		}
	}

	row, err := r.buffer.Ingest(ctx, debounce.Inbound{
		SenderPhone:    evt.SenderPhone,
		Text:           evt.Text,
		SourceID:       evt.SourceID,
		HasMedia:       evt.HasMedia,
		MediaType:      evt.MediaType,
		CounterpartyID: evt.CounterpartyID,
		ContactType:    evt.ContactType,
		ReceivedAt:     evt.ReceivedAt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("inbound router: debounce: %w", err)
	}
	return Result{Route: RouteDebounce, PendingReply: row}, nil
}
