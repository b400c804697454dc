// Package confirmation asks customers whether an order arrived and acts on
// their answer.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/clock"
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/metrics"
	"github.com/acme/order-dispatch/internal/phone"
	"github.com/acme/order-dispatch/internal/repository"
	"github.com/acme/order-dispatch/internal/service/dispatch"
)

// Enqueuer accepts outbound messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, in dispatch.EnqueueInput) (uuid.UUID, error)
}

// Config tunes the tracker.
type Config struct {
	TriggerAfter      time.Duration
	RetryInterval     time.Duration
	MaxAttempts       int
	FollowUpEnabled   bool
	AutoComplete      bool
	FlagNotReceived   bool
	InTransitStatuses []string
	CompletedStatus   string
	ScanLimit         int
	Templates         Templates
}

// ackPriority puts acknowledgements ahead of bulk notifications.
const ackPriority = 2

// Tracker owns the delivery confirmation rows.
type Tracker struct {
	orders        repository.OrderRepository
	confirmations repository.ConfirmationRepository
	queue         Enqueuer
	clock         clock.Clock
	cfg           Config
	logger        *zap.Logger
	tracer        trace.Tracer
}

// NewTracker builds a tracker.
func NewTracker(
	orders repository.OrderRepository,
	confirmations repository.ConfirmationRepository,
	queue Enqueuer,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Tracker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 200
	}
	if cfg.CompletedStatus == "" {
		cfg.CompletedStatus = "completed"
	}
	cfg.Templates = cfg.Templates.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		orders:        orders,
		confirmations: confirmations,
		queue:         queue,
		clock:         clk,
		cfg:           cfg,
		logger:        logger,
		tracer:        otel.Tracer("orderdispatch.confirmation"),
	}
}

// ScanSummary reports one eligibility scan.
type ScanSummary struct {
	Scanned   int `json:"scanned"`
	Initial   int `json:"initial"`
	FollowUps int `json:"follow_ups"`
	Skipped   int `json:"skipped"`
}

// Scan prompts every eligible order that has not confirmed delivery yet.
func (t *Tracker) Scan(ctx context.Context) (ScanSummary, error) {
	ctx, span := t.tracer.Start(ctx, "confirmation.scan")
	defer span.End()

	var summary ScanSummary
	now := t.clock.Now()
	orders, err := t.orders.ListAwaitingConfirmation(ctx, t.cfg.InTransitStatuses, now.Add(-t.cfg.TriggerAfter), t.cfg.ScanLimit)
	if err != nil {
		span.RecordError(err)
		return summary, fmt.Errorf("confirmation tracker: list orders: %w", err)
	}

	for _, order := range orders {
		summary.Scanned++
		existing, err := t.confirmations.GetByOrder(ctx, order.ID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			if err := t.sendInitial(ctx, order, now); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					summary.Skipped++
					continue
				}
				return summary, err
			}
			summary.Initial++
		case err != nil:
			span.RecordError(err)
			return summary, fmt.Errorf("confirmation tracker: load confirmation for %s: %w", order.ID, err)
		default:
			sent, err := t.maybeFollowUp(ctx, order, existing, now)
			if err != nil {
				return summary, err
			}
			if sent {
				summary.FollowUps++
			} else {
				summary.Skipped++
			}
		}
	}

	span.SetAttributes(
		attribute.Int("confirmation.initial", summary.Initial),
		attribute.Int("confirmation.follow_ups", summary.FollowUps),
	)
	t.logger.Info("confirmation scan finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("initial", summary.Initial),
		zap.Int("follow_ups", summary.FollowUps),
	)
	return summary, nil
}

// sendInitial inserts the row before enqueueing so that a concurrent scan
// hits the unique order constraint instead of prompting twice.
func (t *Tracker) sendInitial(ctx context.Context, order *domain.Order, now time.Time) error {
	recipient := phone.Canonicalize(order.CustomerPhone)
	var name *string
	if order.CustomerName != "" {
		n := order.CustomerName
		name = &n
	}
	c := &domain.DeliveryConfirmation{
		ID:             uuid.New(),
		OrderID:        order.ID,
		OrganizationID: order.OrganizationID,
		RecipientPhone: recipient,
		RecipientName:  name,
		OrderStatus:    order.Status,
		SentAt:         now,
		Attempts:       1,
		MaxAttempts:    t.cfg.MaxAttempts,
		LastAttemptAt:  &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.confirmations.Create(ctx, c); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return err
		}
		return fmt.Errorf("confirmation tracker: create confirmation for %s: %w", order.ID, err)
	}

	body := render(t.cfg.Templates.Initial, order.CustomerName, order.Number, "")
	t.enqueue(ctx, c, domain.KindConfirmationRequest, body, nil)
	return nil
}

func (t *Tracker) maybeFollowUp(ctx context.Context, order *domain.Order, c *domain.DeliveryConfirmation, now time.Time) (bool, error) {
	if c.State() != domain.ConfirmationAwaiting || !t.cfg.FollowUpEnabled {
		return false, nil
	}
	last := c.SentAt
	if c.LastAttemptAt != nil {
		last = *c.LastAttemptAt
	}
	if now.Sub(last) < t.cfg.RetryInterval {
		return false, nil
	}

	if err := t.confirmations.RecordAttempt(ctx, c.ID, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("confirmation tracker: record attempt %s: %w", c.ID, err)
	}

	body := render(t.cfg.Templates.FollowUp, order.CustomerName, order.Number, "")
	t.enqueue(ctx, c, domain.KindConfirmationFollowUp, body, nil)
	return true, nil
}

// Reply is one inbound message offered to the tracker.
type Reply struct {
	SenderPhone string
	Text        string
}

// ReplyOutcome describes what HandleReply did. Matched is false when the
// sender has no open confirmation.
type ReplyOutcome struct {
	Matched        bool                `json:"matched"`
	ConfirmationID uuid.UUID           `json:"confirmation_id,omitempty"`
	OrderID        uuid.UUID           `json:"order_id,omitempty"`
	ResponseType   domain.ResponseType `json:"response_type,omitempty"`
	OrderCompleted bool                `json:"order_completed"`
	AckMessageID   uuid.UUID           `json:"ack_message_id,omitempty"`
}

// HandleReply classifies a reply against the latest open confirmation of the
// sender and applies its side effects.
func (t *Tracker) HandleReply(ctx context.Context, reply Reply) (ReplyOutcome, error) {
	ctx, span := t.tracer.Start(ctx, "confirmation.reply")
	defer span.End()

	suffix := phone.Suffix(reply.SenderPhone, phone.SubscriberDigits)
	if len(suffix) < phone.SubscriberDigits {
		return ReplyOutcome{}, nil
	}
	c, err := t.confirmations.FindLatestPendingByPhoneSuffix(ctx, suffix)
	if errors.Is(err, repository.ErrNotFound) {
		t.logger.Debug("no pending confirmation for sender", zap.String("suffix", suffix))
		return ReplyOutcome{}, nil
	}
	if err != nil {
		span.RecordError(err)
		return ReplyOutcome{}, fmt.Errorf("confirmation tracker: find pending: %w", err)
	}

	now := t.clock.Now()
	kind := Classify(reply.Text)
	span.SetAttributes(attribute.String("confirmation.response_type", string(kind)))
	metrics.ConfirmationReplies.WithLabelValues(string(kind)).Inc()

	orderNumber, customerName := c.OrderID.String(), ""
	if c.RecipientName != nil {
		customerName = *c.RecipientName
	}
	order, err := t.orders.Get(ctx, c.OrderID)
	switch {
	case err == nil:
		orderNumber = order.Number
		if customerName == "" {
			customerName = order.CustomerName
		}
	case errors.Is(err, repository.ErrNotFound):
		order = nil
	default:
		return ReplyOutcome{}, fmt.Errorf("confirmation tracker: load order %s: %w", c.OrderID, err)
	}

	if err := c.RecordResponse(kind, reply.Text, now); err != nil {
		return ReplyOutcome{}, fmt.Errorf("confirmation tracker: record response: %w", err)
	}
	if kind == domain.ResponseNotReceived {
		c.RequiresAnalysis = true
		if t.cfg.FlagNotReceived {
			notes := render(t.cfg.Templates.AnalysisNotes, customerName, orderNumber, reply.Text)
			c.AnalysisNotes = &notes
		}
	}
	if err := t.confirmations.SaveResponse(ctx, c); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			t.logger.Info("confirmation answered concurrently", zap.String("confirmation_id", c.ID.String()))
			return ReplyOutcome{}, nil
		}
		return ReplyOutcome{}, fmt.Errorf("confirmation tracker: save response: %w", err)
	}

	outcome := ReplyOutcome{
		Matched:        true,
		ConfirmationID: c.ID,
		OrderID:        c.OrderID,
		ResponseType:   kind,
	}

	var tpl string
	switch kind {
	case domain.ResponseConfirmed:
		tpl = t.cfg.Templates.ThankYou
		if t.cfg.AutoComplete && order != nil {
			completed, err := t.complete(ctx, order, now)
			if err != nil {
				return outcome, err
			}
			outcome.OrderCompleted = completed
		}
	case domain.ResponseNotReceived:
		tpl = t.cfg.Templates.Apology
	default:
		tpl = t.cfg.Templates.Clarify
	}

	body := render(tpl, customerName, orderNumber, reply.Text)
	priority := ackPriority
	if id, ok := t.enqueue(ctx, c, domain.KindConfirmationAck, body, &priority); ok {
		outcome.AckMessageID = id
	}

	t.logger.Info("confirmation reply handled",
		zap.String("confirmation_id", c.ID.String()),
		zap.String("order_id", c.OrderID.String()),
		zap.String("response_type", string(kind)),
		zap.Bool("order_completed", outcome.OrderCompleted),
	)
	return outcome, nil
}

func (t *Tracker) complete(ctx context.Context, order *domain.Order, now time.Time) (bool, error) {
	if order.Status == t.cfg.CompletedStatus {
		return false, nil
	}
	err := t.orders.TransitionStatus(ctx, domain.OrderStatusChange{
		OrderID:    order.ID,
		FromStatus: order.Status,
		ToStatus:   t.cfg.CompletedStatus,
		Reason:     "delivery confirmed by customer",
		ChangedAt:  now,
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrConflict):
		t.logger.Info("order status changed before auto-complete", zap.String("order_id", order.ID.String()))
		return false, nil
	default:
		return false, fmt.Errorf("confirmation tracker: complete order %s: %w", order.ID, err)
	}
}

// enqueue is best effort: a rejected message is logged and the row state
// already written stays as is.
func (t *Tracker) enqueue(ctx context.Context, c *domain.DeliveryConfirmation, kind, body string, priority *int) (uuid.UUID, bool) {
	id, err := t.queue.Enqueue(ctx, dispatch.EnqueueInput{
		Recipient:     c.RecipientPhone,
		RecipientName: c.RecipientName,
		Kind:          kind,
		Body:          body,
		Priority:      priority,
		Metadata: map[string]any{
			domain.MetaOrderID:        c.OrderID.String(),
			domain.MetaConfirmationID: c.ID.String(),
		},
	})
	if err != nil {
		t.logger.Error("confirmation tracker: enqueue message",
			zap.String("confirmation_id", c.ID.String()),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return uuid.Nil, false
	}
	return id, true
}

// Guard re-checks confirmation prompts right before they are sent.
type Guard struct {
	orders            repository.OrderRepository
	confirmations     repository.ConfirmationRepository
	inTransitStatuses []string
}

// NewGuard builds the pre-send guard for confirmation prompts.
func NewGuard(orders repository.OrderRepository, confirmations repository.ConfirmationRepository, inTransitStatuses []string) *Guard {
	return &Guard{orders: orders, confirmations: confirmations, inTransitStatuses: inTransitStatuses}
}

// StillEligible implements dispatch.Guard. Messages of other kinds always
// pass.
func (g *Guard) StillEligible(ctx context.Context, msg *domain.QueueMessage) (bool, string, error) {
	if msg.Kind != domain.KindConfirmationRequest && msg.Kind != domain.KindConfirmationFollowUp {
		return true, "", nil
	}
	orderID, err := uuid.Parse(msg.MetaString(domain.MetaOrderID))
	if err != nil {
		return true, "", nil
	}

	order, err := g.orders.Get(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, "order no longer exists", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("confirmation guard: load order: %w", err)
	}
	if len(g.inTransitStatuses) > 0 && !slices.Contains(g.inTransitStatuses, order.Status) {
		return false, "order moved to " + order.Status, nil
	}

	c, err := g.confirmations.GetByOrder(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return true, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("confirmation guard: load confirmation: %w", err)
	}
	if c.ResponseReceived {
		return false, "confirmation already answered", nil
	}
	return true, "", nil
}
