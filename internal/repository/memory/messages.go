// Package memory holds in-process implementations of the repository
// interfaces. They honour the same conditional-update rules as the
// Postgres implementations and back the service tests.
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

// MessageRepository implements repository.MessageRepository.
type MessageRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.QueueMessage
	// seq preserves insertion order for stable listings
	seq []uuid.UUID
}

// NewMessageRepository builds an empty repository.
func NewMessageRepository() *MessageRepository {
	return &MessageRepository{rows: make(map[uuid.UUID]*domain.QueueMessage)}
}

func (r *MessageRepository) Create(_ context.Context, msg *domain.QueueMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[msg.ID]; ok {
		return repository.ErrConflict
	}
	r.rows[msg.ID] = cloneMessage(msg)
	r.seq = append(r.seq, msg.ID)
	return nil
}

func (r *MessageRepository) Get(_ context.Context, id uuid.UUID) (*domain.QueueMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (r *MessageRepository) List(_ context.Context, f repository.MessageFilter) ([]*domain.QueueMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.QueueMessage
	for i := len(r.seq) - 1; i >= 0; i-- {
		m := r.rows[r.seq[i]]
		if f.Status != nil && m.Status != *f.Status {
			continue
		}
		if f.Recipient != "" && m.Recipient != f.Recipient {
			continue
		}
		if f.Kind != "" && m.Kind != f.Kind {
			continue
		}
		out = append(out, cloneMessage(m))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (r *MessageRepository) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.QueueMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*domain.QueueMessage
	for _, id := range r.seq {
		m := r.rows[id]
		if m.Status == domain.MessageStatusPending && !m.ScheduledAt.After(now) {
			due = append(due, cloneMessage(m))
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MessageRepository) CountSentSince(_ context.Context, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.rows {
		if m.Status == domain.MessageStatusSent && m.SentAt != nil && !m.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *MessageRepository) MarkProcessing(_ context.Context, id uuid.UUID, at time.Time) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return 0, false, repository.ErrNotFound
	}
	if m.Status != domain.MessageStatusPending {
		return m.Attempts, false, nil
	}
	m.Status = domain.MessageStatusProcessing
	m.Attempts++
	m.LastAttemptAt = &at
	m.UpdatedAt = at
	return m.Attempts, true, nil
}

func (r *MessageRepository) MarkSent(_ context.Context, id uuid.UUID, providerID *string, at time.Time) error {
	return r.fromProcessing(id, domain.MessageStatusSent, func(m *domain.QueueMessage) {
		m.SentAt = &at
		m.LastError = nil
		m.ProviderMessageID = providerID
		m.UpdatedAt = at
	})
}

func (r *MessageRepository) Reschedule(_ context.Context, id uuid.UUID, next time.Time, lastErr string) error {
	return r.fromProcessing(id, domain.MessageStatusPending, func(m *domain.QueueMessage) {
		m.ScheduledAt = next
		m.LastError = &lastErr
	})
}

func (r *MessageRepository) MarkFailed(_ context.Context, id uuid.UUID, lastErr string, at time.Time) error {
	return r.fromProcessing(id, domain.MessageStatusFailed, func(m *domain.QueueMessage) {
		m.LastError = &lastErr
		m.UpdatedAt = at
	})
}

func (r *MessageRepository) RequeueStale(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.rows {
		if m.Status != domain.MessageStatusProcessing || m.LastAttemptAt == nil || !m.LastAttemptAt.Before(before) {
			continue
		}
		msg := "stale processing lease released"
		m.LastError = &msg
		if m.Attempts >= m.MaxAttempts {
			m.Status = domain.MessageStatusFailed
		} else {
			m.Status = domain.MessageStatusPending
		}
		n++
	}
	return n, nil
}

func (r *MessageRepository) fromProcessing(id uuid.UUID, next domain.MessageStatus, mutate func(*domain.QueueMessage)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if err := m.TransitionTo(next); err != nil {
		return repository.ErrConflict
	}
	mutate(m)
	return nil
}

func cloneMessage(m *domain.QueueMessage) *domain.QueueMessage {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	if m.Media != nil {
		media := *m.Media
		c.Media = &media
	}
	return &c
}

// StatsRepository implements repository.DispatchStatsRepository.
type StatsRepository struct {
	mu   sync.Mutex
	days map[string]*domain.DailyStats
}

// NewStatsRepository builds an empty repository.
func NewStatsRepository() *StatsRepository {
	return &StatsRepository{days: make(map[string]*domain.DailyStats)}
}

func (r *StatsRepository) Increment(_ context.Context, day time.Time, d repository.StatsDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := day.UTC().Format(time.DateOnly)
	s, ok := r.days[key]
	if !ok {
		s = &domain.DailyStats{Day: truncateDay(day)}
		r.days[key] = s
	}
	s.Queued += d.Queued
	s.Sent += d.Sent
	s.Failed += d.Failed
	return nil
}

func (r *StatsRepository) Get(_ context.Context, day time.Time) (*domain.DailyStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.days[day.UTC().Format(time.DateOnly)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (r *StatsRepository) ListRange(_ context.Context, from, to time.Time) ([]domain.DailyStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lo, hi := truncateDay(from), truncateDay(to)
	var out []domain.DailyStats
	for _, s := range r.days {
		if !s.Day.Before(lo) && !s.Day.After(hi) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SettingsRepository implements repository.SettingsRepository.
type SettingsRepository struct {
	Settings *domain.RateLimitSettings
	Err      error
}

func (r *SettingsRepository) RateLimits(context.Context) (*domain.RateLimitSettings, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	if r.Settings == nil {
		return nil, repository.ErrNotFound
	}
	s := *r.Settings
	return &s, nil
}

// AttemptStore implements repository.AttemptStore. It returns a single page.
type AttemptStore struct {
	mu       sync.Mutex
	attempts map[uuid.UUID][]domain.MessageAttempt
}

// NewAttemptStore builds an empty store.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{attempts: make(map[uuid.UUID][]domain.MessageAttempt)}
}

func (s *AttemptStore) AppendAttempt(_ context.Context, a domain.MessageAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.MessageID] = append(s.attempts[a.MessageID], a)
	return nil
}

func (s *AttemptStore) ListAttempts(_ context.Context, id uuid.UUID, limit int, _ []byte) ([]domain.MessageAttempt, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.attempts[id]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]domain.MessageAttempt, len(all))
	copy(out, all)
	return out, nil, nil
}
