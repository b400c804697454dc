package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository"
)

const pendingReplyReturning = `RETURNING id, sender_phone, counterparty_id, contact_type, fragments,
	array_to_json(source_ids) AS source_ids, scheduled_at, processed_at, created_at, updated_at`

// PendingReplyRepository implements repository.PendingReplyRepository.
type PendingReplyRepository struct {
	db *sqlx.DB
}

// NewPendingReplyRepository builds the repository.
func NewPendingReplyRepository(db *sqlx.DB) *PendingReplyRepository {
	return &PendingReplyRepository{db: db}
}

// AppendFragment upserts the open row of the sender in one statement; the
// partial unique index on open rows serialises concurrent fragments.
func (r *PendingReplyRepository) AppendFragment(ctx context.Context, in repository.AppendFragmentInput) (*domain.PendingReply, error) {
	fragment, err := json.Marshal([]domain.Fragment{in.Fragment})
	if err != nil {
		return nil, fmt.Errorf("pending replies: marshal fragment: %w", err)
	}
	sources := []string{}
	if in.SourceID != "" {
		sources = append(sources, in.SourceID)
	}

	var rec pendingReplyRecord
	err = r.db.GetContext(ctx, &rec, `INSERT INTO pending_replies
		(id, sender_phone, counterparty_id, contact_type, fragments, source_ids, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (sender_phone) WHERE processed_at IS NULL DO UPDATE SET
			fragments = pending_replies.fragments || EXCLUDED.fragments,
			source_ids = pending_replies.source_ids || EXCLUDED.source_ids,
			scheduled_at = EXCLUDED.scheduled_at,
			updated_at = EXCLUDED.updated_at
		`+pendingReplyReturning,
		uuid.New(), in.SenderPhone, in.CounterpartyID, in.ContactType, fragment, sources, in.ScheduleAt, in.Fragment.ReceivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("pending replies: append: %w", err)
	}
	return rec.toModel()
}

// ClaimDue stamps processed_at on due rows and returns them.
func (r *PendingReplyRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.PendingReply, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []pendingReplyRecord
	err := r.db.SelectContext(ctx, &recs, `UPDATE pending_replies SET processed_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM pending_replies
			WHERE processed_at IS NULL AND scheduled_at <= $1
			ORDER BY scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		`+pendingReplyReturning, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pending replies: claim due: %w", err)
	}
	out := make([]*domain.PendingReply, 0, len(recs))
	for _, rec := range recs {
		p, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

type pendingReplyRecord struct {
	ID             uuid.UUID      `db:"id"`
	SenderPhone    string         `db:"sender_phone"`
	CounterpartyID sql.NullString `db:"counterparty_id"`
	ContactType    string         `db:"contact_type"`
	Fragments      []byte         `db:"fragments"`
	SourceIDs      []byte         `db:"source_ids"`
	ScheduledAt    time.Time      `db:"scheduled_at"`
	ProcessedAt    sql.NullTime   `db:"processed_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r pendingReplyRecord) toModel() (*domain.PendingReply, error) {
	p := &domain.PendingReply{
		ID:             r.ID,
		SenderPhone:    r.SenderPhone,
		CounterpartyID: stringPtr(r.CounterpartyID),
		ContactType:    r.ContactType,
		ScheduledAt:    r.ScheduledAt,
		ProcessedAt:    timePtr(r.ProcessedAt),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Fragments, &p.Fragments); err != nil {
		return nil, fmt.Errorf("pending replies: decode fragments: %w", err)
	}
	if len(r.SourceIDs) > 0 {
		if err := json.Unmarshal(r.SourceIDs, &p.SourceIDs); err != nil {
			return nil, fmt.Errorf("pending replies: decode source ids: %w", err)
		}
	}
	return p, nil
}
