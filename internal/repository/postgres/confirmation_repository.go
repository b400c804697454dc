package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository"
)

const confirmationColumns = `id, order_id, organization_id, recipient_phone, recipient_name, order_status, sent_at,
	response_received, response_type, response_text, responded_at, attempts, max_attempts, last_attempt_at,
	requires_analysis, analysis_notes, created_at, updated_at`

// ConfirmationRepository implements repository.ConfirmationRepository.
type ConfirmationRepository struct {
	db *sqlx.DB
}

// NewConfirmationRepository builds the repository.
func NewConfirmationRepository(db *sqlx.DB) *ConfirmationRepository {
	return &ConfirmationRepository{db: db}
}

// GetByOrder returns the confirmation of an order.
func (r *ConfirmationRepository) GetByOrder(ctx context.Context, orderID uuid.UUID) (*domain.DeliveryConfirmation, error) {
	return r.getOne(ctx, "get by order", `SELECT `+confirmationColumns+` FROM delivery_confirmations WHERE order_id = $1`, orderID)
}

// Create inserts the first prompt record of an order.
func (r *ConfirmationRepository) Create(ctx context.Context, c *domain.DeliveryConfirmation) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO delivery_confirmations (`+confirmationColumns+`)
		VALUES (:id, :order_id, :organization_id, :recipient_phone, :recipient_name, :order_status, :sent_at,
			:response_received, :response_type, :response_text, :responded_at, :attempts, :max_attempts, :last_attempt_at,
			:requires_analysis, :analysis_notes, :created_at, :updated_at)`, newConfirmationRecord(c))
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("confirmations: insert: %w", err)
	}
	return nil
}

// RecordAttempt increments attempts of an unanswered confirmation.
func (r *ConfirmationRepository) RecordAttempt(ctx context.Context, id uuid.UUID, at time.Time) error {
	return execGuarded(ctx, r.db, "confirmations: record attempt", `UPDATE delivery_confirmations
		SET attempts = attempts + 1, last_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND NOT response_received`, id, at)
}

// FindLatestPendingByPhoneSuffix matches replies on the trailing digits of the phone.
func (r *ConfirmationRepository) FindLatestPendingByPhoneSuffix(ctx context.Context, suffix string) (*domain.DeliveryConfirmation, error) {
	return r.getOne(ctx, "find pending", `SELECT `+confirmationColumns+` FROM delivery_confirmations
		WHERE NOT response_received AND right(recipient_phone, $2) = $1
		ORDER BY sent_at DESC
		LIMIT 1`, suffix, len(suffix))
}

// SaveResponse stores the classified reply. It refuses to overwrite an
// answered row.
func (r *ConfirmationRepository) SaveResponse(ctx context.Context, c *domain.DeliveryConfirmation) error {
	rec := newConfirmationRecord(c)
	res, err := r.db.NamedExecContext(ctx, `UPDATE delivery_confirmations SET
			response_received = :response_received,
			response_type = :response_type,
			response_text = :response_text,
			responded_at = :responded_at,
			requires_analysis = :requires_analysis,
			analysis_notes = :analysis_notes,
			updated_at = :updated_at
		WHERE id = :id AND NOT response_received`, rec)
	if err != nil {
		return fmt.Errorf("confirmations: save response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("confirmations: save response: %w", repository.ErrConflict)
	}
	return nil
}

func (r *ConfirmationRepository) getOne(ctx context.Context, op, query string, args ...any) (*domain.DeliveryConfirmation, error) {
	var rec confirmationRecord
	if err := r.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("confirmations: %s: %w", op, err)
	}
	return rec.toModel(), nil
}

type confirmationRecord struct {
	ID               uuid.UUID      `db:"id"`
	OrderID          uuid.UUID      `db:"order_id"`
	OrganizationID   uuid.UUID      `db:"organization_id"`
	RecipientPhone   string         `db:"recipient_phone"`
	RecipientName    sql.NullString `db:"recipient_name"`
	OrderStatus      string         `db:"order_status"`
	SentAt           time.Time      `db:"sent_at"`
	ResponseReceived bool           `db:"response_received"`
	ResponseType     sql.NullString `db:"response_type"`
	ResponseText     sql.NullString `db:"response_text"`
	RespondedAt      sql.NullTime   `db:"responded_at"`
	Attempts         int            `db:"attempts"`
	MaxAttempts      int            `db:"max_attempts"`
	LastAttemptAt    sql.NullTime   `db:"last_attempt_at"`
	RequiresAnalysis bool           `db:"requires_analysis"`
	AnalysisNotes    sql.NullString `db:"analysis_notes"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func newConfirmationRecord(c *domain.DeliveryConfirmation) confirmationRecord {
	rec := confirmationRecord{
		ID:               c.ID,
		OrderID:          c.OrderID,
		OrganizationID:   c.OrganizationID,
		RecipientPhone:   c.RecipientPhone,
		RecipientName:    nullString(c.RecipientName),
		OrderStatus:      c.OrderStatus,
		SentAt:           c.SentAt,
		ResponseReceived: c.ResponseReceived,
		ResponseText:     nullString(c.ResponseText),
		RespondedAt:      nullTime(c.RespondedAt),
		Attempts:         c.Attempts,
		MaxAttempts:      c.MaxAttempts,
		LastAttemptAt:    nullTime(c.LastAttemptAt),
		RequiresAnalysis: c.RequiresAnalysis,
		AnalysisNotes:    nullString(c.AnalysisNotes),
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
	if c.ResponseType != nil {
		rec.ResponseType = sql.NullString{String: string(*c.ResponseType), Valid: true}
	}
	return rec
}

func (r confirmationRecord) toModel() *domain.DeliveryConfirmation {
	c := &domain.DeliveryConfirmation{
		ID:               r.ID,
		OrderID:          r.OrderID,
		OrganizationID:   r.OrganizationID,
		RecipientPhone:   r.RecipientPhone,
		RecipientName:    stringPtr(r.RecipientName),
		OrderStatus:      r.OrderStatus,
		SentAt:           r.SentAt,
		ResponseReceived: r.ResponseReceived,
		ResponseText:     stringPtr(r.ResponseText),
		RespondedAt:      timePtr(r.RespondedAt),
		Attempts:         r.Attempts,
		MaxAttempts:      r.MaxAttempts,
		LastAttemptAt:    timePtr(r.LastAttemptAt),
		RequiresAnalysis: r.RequiresAnalysis,
		AnalysisNotes:    stringPtr(r.AnalysisNotes),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.ResponseType.Valid {
		t := domain.ResponseType(r.ResponseType.String)
		c.ResponseType = &t
	}
	return c
}
