package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/clock"
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/metrics"
	"github.com/acme/order-dispatch/internal/phone"
	"github.com/acme/order-dispatch/internal/repository"
	"github.com/acme/order-dispatch/internal/service/common"
	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

// Defaults applied to enqueue requests that leave fields unset.
type Defaults struct {
	Priority    int
	MaxAttempts int
}

// Service accepts work into the dispatch queue and serves read models.
type Service struct {
	messages repository.MessageRepository
	stats    repository.DispatchStatsRepository
	attempts repository.AttemptStore
	settings *SettingsSource
	clock    clock.Clock
	defaults Defaults
	validate *validator.Validate
	logger   *zap.Logger
}

// NewService builds the dispatch queue service. attempts may be nil.
func NewService(
	messages repository.MessageRepository,
	stats repository.DispatchStatsRepository,
	attempts repository.AttemptStore,
	settings *SettingsSource,
	clk clock.Clock,
	defaults Defaults,
	logger *zap.Logger,
) *Service {
	if defaults.Priority < 0 || defaults.Priority > 10 {
		defaults.Priority = 5
	}
	if defaults.MaxAttempts < 1 {
		defaults.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		messages: messages,
		stats:    stats,
		attempts: attempts,
		settings: settings,
		clock:    clk,
		defaults: defaults,
		validate: validator.New(),
		logger:   logger,
	}
}

// EnqueueInput describes one outbound message.
type EnqueueInput struct {
	Recipient     string         `json:"recipient" validate:"required"`
	RecipientName *string        `json:"recipient_name,omitempty"`
	Kind          string         `json:"kind" validate:"omitempty,max=64"`
	Body          string         `json:"body" validate:"required"`
	Media         *domain.Media  `json:"media,omitempty"`
	Priority      *int           `json:"priority,omitempty" validate:"omitempty,min=0,max=10"`
	MaxAttempts   *int           `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=20"`
	ScheduledAt   *time.Time     `json:"scheduled_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Enqueue validates the input and stores a pending message.
func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (uuid.UUID, error) {
	if err := s.validate.StructCtx(ctx, in); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", apperrors.ErrValidation, describeValidation(err))
	}
	if in.Media != nil && strings.TrimSpace(in.Media.Base64) == "" {
		return uuid.Nil, fmt.Errorf("%w: media requires base64 content", apperrors.ErrValidation)
	}

	recipient := phone.Canonicalize(in.Recipient)
	if recipient == "" {
		return uuid.Nil, fmt.Errorf("%w: recipient has no digits", apperrors.ErrValidation)
	}

	now := s.clock.Now()
	if s.settings != nil {
		settings := s.settings.Load(ctx)
		if !settings.QueueOutsideWindow && !settings.InWindow(now) {
			return uuid.Nil, fmt.Errorf("dispatch service: enqueue: %w", apperrors.ErrOutsideWindow)
		}
	}

	msg := &domain.QueueMessage{
		ID:            uuid.New(),
		Recipient:     recipient,
		RecipientName: in.RecipientName,
		Kind:          in.Kind,
		Body:          in.Body,
		Media:         in.Media,
		Priority:      s.defaults.Priority,
		Status:        domain.MessageStatusPending,
		Attempts:      0,
		MaxAttempts:   s.defaults.MaxAttempts,
		ScheduledAt:   now,
		Metadata:      in.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if msg.Kind == "" {
		msg.Kind = domain.KindNotification
	}
	if in.Priority != nil {
		msg.Priority = *in.Priority
	}
	if in.MaxAttempts != nil {
		msg.MaxAttempts = *in.MaxAttempts
	}
	if in.ScheduledAt != nil && in.ScheduledAt.After(now) {
		msg.ScheduledAt = in.ScheduledAt.UTC()
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return uuid.Nil, fmt.Errorf("dispatch service: persist message: %w", err)
	}

	metrics.MessagesEnqueued.WithLabelValues(msg.Kind).Inc()
	if err := s.stats.Increment(ctx, now, repository.StatsDelta{Queued: 1}); err != nil {
		s.logger.Warn("dispatch service: increment queued counter", zap.Error(err))
	}

	s.logger.Debug("message enqueued",
		zap.String("message_id", msg.ID.String()),
		zap.String("kind", msg.Kind),
		zap.Int("priority", msg.Priority),
	)
	return msg.ID, nil
}

// Get returns one message.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.QueueMessage, error) {
	return s.messages.Get(ctx, id)
}

// List returns messages matching filter, newest first.
func (s *Service) List(ctx context.Context, filter repository.MessageFilter) ([]*domain.QueueMessage, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", apperrors.ErrValidation, *filter.Status)
	}
	if filter.Recipient != "" {
		filter.Recipient = phone.Canonicalize(filter.Recipient)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.messages.List(ctx, filter)
}

// AttemptsPage is one page of the attempt audit trail.
type AttemptsPage struct {
	Attempts  []domain.MessageAttempt
	NextToken string
}

// Attempts pages through the audit trail of one message. token is the
// opaque value returned by the previous page.
func (s *Service) Attempts(ctx context.Context, id uuid.UUID, limit int, token string) (*AttemptsPage, error) {
	if s.attempts == nil {
		return nil, fmt.Errorf("dispatch service: attempt history: %w", apperrors.ErrUnavailable)
	}
	if _, err := s.messages.Get(ctx, id); err != nil {
		return nil, err
	}
	state, err := common.DecodePageToken(token)
	if err != nil {
		return nil, err
	}
	attempts, next, err := s.attempts.ListAttempts(ctx, id, limit, state)
	if err != nil {
		return nil, fmt.Errorf("dispatch service: list attempts: %w", err)
	}
	return &AttemptsPage{Attempts: attempts, NextToken: common.EncodePageToken(next)}, nil
}

// DailyStats returns aggregates for the inclusive day range.
func (s *Service) DailyStats(ctx context.Context, from, to time.Time) ([]domain.DailyStats, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end before start", apperrors.ErrValidation)
	}
	if to.Sub(from) > 366*24*time.Hour {
		return nil, fmt.Errorf("%w: range longer than a year", apperrors.ErrValidation)
	}
	return s.stats.ListRange(ctx, from, to)
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s is %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
