package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository"
)

// PendingReplyRepository implements repository.PendingReplyRepository.
type PendingReplyRepository struct {
	mu   sync.Mutex
	rows []*domain.PendingReply
}

// NewPendingReplyRepository builds an empty repository.
func NewPendingReplyRepository() *PendingReplyRepository {
	return &PendingReplyRepository{}
}

func (r *PendingReplyRepository) AppendFragment(_ context.Context, in repository.AppendFragmentInput) (*domain.PendingReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.SenderPhone == in.SenderPhone && row.ProcessedAt == nil {
			row.Fragments = append(row.Fragments, in.Fragment)
			if in.SourceID != "" {
				row.SourceIDs = append(row.SourceIDs, in.SourceID)
			}
			row.ScheduledAt = in.ScheduleAt
			row.UpdatedAt = in.Fragment.ReceivedAt
			return clonePending(row), nil
		}
	}
	row := &domain.PendingReply{
		ID:             uuid.New(),
		SenderPhone:    in.SenderPhone,
		CounterpartyID: in.CounterpartyID,
		ContactType:    in.ContactType,
		Fragments:      []domain.Fragment{in.Fragment},
		ScheduledAt:    in.ScheduleAt,
		CreatedAt:      in.Fragment.ReceivedAt,
		UpdatedAt:      in.Fragment.ReceivedAt,
	}
	if in.SourceID != "" {
		row.SourceIDs = []string{in.SourceID}
	}
	r.rows = append(r.rows, row)
	return clonePending(row), nil
}

func (r *PendingReplyRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]*domain.PendingReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*domain.PendingReply
	for _, row := range r.rows {
		if row.ProcessedAt == nil && !row.ScheduledAt.After(now) {
			due = append(due, row)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*domain.PendingReply, 0, len(due))
	for _, row := range due {
		at := now
		row.ProcessedAt = &at
		out = append(out, clonePending(row))
	}
	return out, nil
}

// All returns a copy of every row.
func (r *PendingReplyRepository) All() []*domain.PendingReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.PendingReply, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, clonePending(row))
	}
	return out
}

func clonePending(p *domain.PendingReply) *domain.PendingReply {
	c := *p
	c.Fragments = append([]domain.Fragment(nil), p.Fragments...)
	c.SourceIDs = append([]string(nil), p.SourceIDs...)
	return &c
}
