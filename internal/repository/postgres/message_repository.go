package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository"
)

const messageColumns = `id, recipient, recipient_name, kind, body, media, priority, status, attempts, max_attempts,
	scheduled_at, last_attempt_at, sent_at, last_error, provider_message_id, metadata, created_at, updated_at`

// MessageRepository implements repository.MessageRepository.
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository builds the repository.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a pending message.
func (r *MessageRepository) Create(ctx context.Context, msg *domain.QueueMessage) error {
	rec, err := newMessageRecord(msg)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `INSERT INTO queue_messages (`+messageColumns+`)
		VALUES (:id, :recipient, :recipient_name, :kind, :body, :media, :priority, :status, :attempts, :max_attempts,
			:scheduled_at, :last_attempt_at, :sent_at, :last_error, :provider_message_id, :metadata, :created_at, :updated_at)`, rec)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrConflict
		}
		return fmt.Errorf("messages: insert: %w", err)
	}
	return nil
}

// Get fetches a message by id.
func (r *MessageRepository) Get(ctx context.Context, id uuid.UUID) (*domain.QueueMessage, error) {
	var rec messageRecord
	if err := r.db.GetContext(ctx, &rec, `SELECT `+messageColumns+` FROM queue_messages WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("messages: get: %w", err)
	}
	return rec.toModel(), nil
}

// List returns the most recent messages matching the filter.
func (r *MessageRepository) List(ctx context.Context, f repository.MessageFilter) ([]*domain.QueueMessage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + messageColumns + ` FROM queue_messages WHERE 1 = 1`
	var args []any
	if f.Status != nil {
		args = append(args, string(*f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Recipient != "" {
		args = append(args, f.Recipient)
		query += fmt.Sprintf(" AND recipient = $%d", len(args))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	return r.selectMessages(ctx, "list", query, args...)
}

// ListDue returns pending messages whose scheduled time has passed.
func (r *MessageRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueueMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.selectMessages(ctx, "list due", `SELECT `+messageColumns+` FROM queue_messages
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY priority ASC, scheduled_at ASC
		LIMIT $2`, now, limit)
}

// CountSentSince counts messages sent at or after since.
func (r *MessageRepository) CountSentSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM queue_messages WHERE status = 'sent' AND sent_at >= $1`, since); err != nil {
		return 0, fmt.Errorf("messages: count sent: %w", err)
	}
	return n, nil
}

// MarkProcessing claims a pending message.
func (r *MessageRepository) MarkProcessing(ctx context.Context, id uuid.UUID, at time.Time) (int, bool, error) {
	var attempts int
	err := r.db.GetContext(ctx, &attempts, `UPDATE queue_messages
		SET status = 'processing', attempts = attempts + 1, last_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING attempts`, id, at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("messages: mark processing: %w", err)
	}
	return attempts, true, nil
}

// MarkSent records a successful send.
func (r *MessageRepository) MarkSent(ctx context.Context, id uuid.UUID, providerID *string, at time.Time) error {
	return r.execFromProcessing(ctx, "mark sent", `UPDATE queue_messages
		SET status = 'sent', sent_at = $2, last_error = NULL, provider_message_id = $3, updated_at = $2
		WHERE id = $1 AND status = 'processing'`, id, at, providerID)
}

// Reschedule returns the message to pending with a new eligible time.
func (r *MessageRepository) Reschedule(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error {
	return r.execFromProcessing(ctx, "reschedule", `UPDATE queue_messages
		SET status = 'pending', scheduled_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id, next, lastErr)
}

// MarkFailed terminates the message.
func (r *MessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, lastErr string, at time.Time) error {
	return r.execFromProcessing(ctx, "mark failed", `UPDATE queue_messages
		SET status = 'failed', last_error = $2, updated_at = $3
		WHERE id = $1 AND status = 'processing'`, id, lastErr, at)
}

// RequeueStale releases messages left in processing by a crashed run.
func (r *MessageRepository) RequeueStale(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_messages
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			last_error = 'stale processing lease released',
			updated_at = NOW()
		WHERE status = 'processing' AND last_attempt_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("messages: requeue stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *MessageRepository) execFromProcessing(ctx context.Context, op, query string, args ...any) error {
	return execGuarded(ctx, r.db, "messages: "+op, query, args...)
}

func (r *MessageRepository) selectMessages(ctx context.Context, op, query string, args ...any) ([]*domain.QueueMessage, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("messages: %s: %w", op, err)
	}
	defer rows.Close()

	var out []*domain.QueueMessage
	for rows.Next() {
		var rec messageRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("messages: %s scan: %w", op, err)
		}
		out = append(out, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages: %s rows err: %w", op, err)
	}
	return out, nil
}

type messageRecord struct {
	ID                uuid.UUID      `db:"id"`
	Recipient         string         `db:"recipient"`
	RecipientName     sql.NullString `db:"recipient_name"`
	Kind              string         `db:"kind"`
	Body              string         `db:"body"`
	Media             []byte         `db:"media"`
	Priority          int            `db:"priority"`
	Status            string         `db:"status"`
	Attempts          int            `db:"attempts"`
	MaxAttempts       int            `db:"max_attempts"`
	ScheduledAt       time.Time      `db:"scheduled_at"`
	LastAttemptAt     sql.NullTime   `db:"last_attempt_at"`
	SentAt            sql.NullTime   `db:"sent_at"`
	LastError         sql.NullString `db:"last_error"`
	ProviderMessageID sql.NullString `db:"provider_message_id"`
	Metadata          []byte         `db:"metadata"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func newMessageRecord(m *domain.QueueMessage) (messageRecord, error) {
	rec := messageRecord{
		ID:                m.ID,
		Recipient:         m.Recipient,
		RecipientName:     nullString(m.RecipientName),
		Kind:              m.Kind,
		Body:              m.Body,
		Priority:          m.Priority,
		Status:            string(m.Status),
		Attempts:          m.Attempts,
		MaxAttempts:       m.MaxAttempts,
		ScheduledAt:       m.ScheduledAt,
		LastAttemptAt:     nullTime(m.LastAttemptAt),
		SentAt:            nullTime(m.SentAt),
		LastError:         nullString(m.LastError),
		ProviderMessageID: nullString(m.ProviderMessageID),
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.Media != nil {
		media, err := json.Marshal(m.Media)
		if err != nil {
			return rec, fmt.Errorf("messages: marshal media: %w", err)
		}
		rec.Media = media
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return rec, fmt.Errorf("messages: marshal metadata: %w", err)
	}
	rec.Metadata = raw
	return rec, nil
}

func (r messageRecord) toModel() *domain.QueueMessage {
	m := &domain.QueueMessage{
		ID:                r.ID,
		Recipient:         r.Recipient,
		RecipientName:     stringPtr(r.RecipientName),
		Kind:              r.Kind,
		Body:              r.Body,
		Priority:          r.Priority,
		Status:            domain.MessageStatus(r.Status),
		Attempts:          r.Attempts,
		MaxAttempts:       r.MaxAttempts,
		ScheduledAt:       r.ScheduledAt,
		LastAttemptAt:     timePtr(r.LastAttemptAt),
		SentAt:            timePtr(r.SentAt),
		LastError:         stringPtr(r.LastError),
		ProviderMessageID: stringPtr(r.ProviderMessageID),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if len(r.Media) > 0 {
		var media domain.Media
		if err := json.Unmarshal(r.Media, &media); err == nil {
			m.Media = &media
		}
	}
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &m.Metadata)
	}
	return m
}
