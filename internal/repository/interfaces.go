package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/order-dispatch/internal/domain"
	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// MessageRepository persists the dispatch queue. Every status update is
// conditional on the status the caller expects, so a stale writer can never
// move a row backwards.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.QueueMessage) error
	Get(ctx context.Context, id uuid.UUID) (*domain.QueueMessage, error)
	List(ctx context.Context, filter MessageFilter) ([]*domain.QueueMessage, error)
	// ListDue returns pending messages whose scheduled time has passed,
	// ordered by priority then scheduled time.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueueMessage, error)
	CountSentSince(ctx context.Context, since time.Time) (int, error)
	// MarkProcessing claims a pending message and increments its attempts.
	// ok is false when another runner claimed it first.
	MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) (attempts int, ok bool, err error)
	MarkSent(ctx context.Context, id uuid.UUID, providerID *string, at time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastErr string, at time.Time) error
	// RequeueStale releases messages stuck in processing since before the
	// cutoff, failing those that already used every attempt.
	RequeueStale(ctx context.Context, before time.Time) (int, error)
}

// MessageFilter narrows List queries.
type MessageFilter struct {
	Status    *domain.MessageStatus
	Recipient string
	Kind      string
	Limit     int
}

// DispatchStatsRepository keeps daily aggregate counters.
type DispatchStatsRepository interface {
	Increment(ctx context.Context, day time.Time, delta StatsDelta) error
	Get(ctx context.Context, day time.Time) (*domain.DailyStats, error)
	ListRange(ctx context.Context, from, to time.Time) ([]domain.DailyStats, error)
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	Queued int64
	Sent   int64
	Failed int64
}

// IsZero reports whether the delta changes nothing.
func (d StatsDelta) IsZero() bool {
	return d.Queued == 0 && d.Sent == 0 && d.Failed == 0
}

// SettingsRepository serves operator-managed rate limit settings.
type SettingsRepository interface {
	// RateLimits returns ErrNotFound when no row has been configured.
	RateLimits(ctx context.Context) (*domain.RateLimitSettings, error)
}

// AttemptStore persists the send attempt audit trail.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, attempt domain.MessageAttempt) error
	ListAttempts(ctx context.Context, messageID uuid.UUID, limit int, pagingState []byte) ([]domain.MessageAttempt, []byte, error)
}

// OrderRepository is the order store collaborator.
type OrderRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// ListAwaitingConfirmation returns orders in one of statuses with a
	// phone, whose status last changed before changedBefore.
	ListAwaitingConfirmation(ctx context.Context, statuses []string, changedBefore time.Time, limit int) ([]*domain.Order, error)
	// ListActive returns orders whose status is not in excluded.
	ListActive(ctx context.Context, excluded []string, limit int) ([]*domain.Order, error)
	// TransitionStatus changes the status only when it still equals from and
	// writes the audit record in the same transaction.
	TransitionStatus(ctx context.Context, change domain.OrderStatusChange) error
}

// ConfirmationRepository persists delivery confirmations.
type ConfirmationRepository interface {
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*domain.DeliveryConfirmation, error)
	Create(ctx context.Context, c *domain.DeliveryConfirmation) error
	RecordAttempt(ctx context.Context, id uuid.UUID, at time.Time) error
	// FindLatestPendingByPhoneSuffix returns the most recent unanswered
	// confirmation whose phone ends with suffix.
	FindLatestPendingByPhoneSuffix(ctx context.Context, suffix string) (*domain.DeliveryConfirmation, error)
	SaveResponse(ctx context.Context, c *domain.DeliveryConfirmation) error
}

// AlertRepository persists stall alerts.
type AlertRepository interface {
	// CreateIfAbsent inserts the alert unless an unresolved alert exists for
	// the same order, phase and tier. created is false when skipped.
	CreateIfAbsent(ctx context.Context, alert *domain.StallAlert) (created bool, err error)
	// AssignManager records the manager the alert is addressed to.
	AssignManager(ctx context.Context, id uuid.UUID, managerID uuid.UUID, at time.Time) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.AlertStatus, messageID *uuid.UUID, at time.Time) error
	ResolveStale(ctx context.Context, createdBefore time.Time, at time.Time) (int, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.StallAlert, error)
}

// ThresholdRepository reads phase thresholds.
type ThresholdRepository interface {
	ListEnabled(ctx context.Context) ([]domain.PhaseThreshold, error)
}

// ManagerRepository resolves alert recipients.
type ManagerRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Manager, error)
	// ListPhaseManagers returns the roster of a phase ordered by priority.
	ListPhaseManagers(ctx context.Context, organizationID uuid.UUID, phase string) ([]domain.Manager, error)
}

// PendingReplyRepository buffers inbound fragments.
type PendingReplyRepository interface {
	// AppendFragment adds the fragment to the open row of the sender or opens
	// a new one, and moves the schedule to scheduleAt.
	AppendFragment(ctx context.Context, in AppendFragmentInput) (*domain.PendingReply, error)
	// ClaimDue marks due rows processed and returns them. A row is returned
	// by at most one call.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.PendingReply, error)
}

// AppendFragmentInput carries one inbound fragment.
type AppendFragmentInput struct {
	SenderPhone    string
	CounterpartyID *string
	ContactType    string
	Fragment       domain.Fragment
	SourceID       string
	ScheduleAt     time.Time
}
