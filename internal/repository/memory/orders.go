package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/phone"
	"github.com/acme/order-dispatch/internal/repository"
)

// OrderRepository implements repository.OrderRepository.
type OrderRepository struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]*domain.Order
	history []domain.OrderStatusChange
}

// NewOrderRepository builds a repository seeded with orders.
func NewOrderRepository(orders ...*domain.Order) *OrderRepository {
	r := &OrderRepository{orders: make(map[uuid.UUID]*domain.Order)}
	for _, o := range orders {
		r.Put(o)
	}
	return r
}

// Put inserts or replaces an order.
func (r *OrderRepository) Put(o *domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *o
	r.orders[o.ID] = &c
}

// History returns every recorded status change.
func (r *OrderRepository) History() []domain.OrderStatusChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OrderStatusChange, len(r.history))
	copy(out, r.history)
	return out
}

func (r *OrderRepository) Get(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *o
	return &c, nil
}

func (r *OrderRepository) ListAwaitingConfirmation(_ context.Context, statuses []string, changedBefore time.Time, limit int) ([]*domain.Order, error) {
	return r.filter(limit, func(o *domain.Order) bool {
		return contains(statuses, o.Status) && strings.TrimSpace(o.CustomerPhone) != "" && o.StatusChangedAt.Before(changedBefore)
	}), nil
}

func (r *OrderRepository) ListActive(_ context.Context, excluded []string, limit int) ([]*domain.Order, error) {
	return r.filter(limit, func(o *domain.Order) bool { return !contains(excluded, o.Status) }), nil
}

func (r *OrderRepository) TransitionStatus(_ context.Context, ch domain.OrderStatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[ch.OrderID]
	if !ok {
		return repository.ErrNotFound
	}
	if o.Status != ch.FromStatus {
		return repository.ErrConflict
	}
	o.Status = ch.ToStatus
	o.StatusChangedAt = ch.ChangedAt
	r.history = append(r.history, ch)
	return nil
}

func (r *OrderRepository) filter(limit int, keep func(*domain.Order) bool) []*domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if keep(o) {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StatusChangedAt.Before(out[j].StatusChangedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ConfirmationRepository implements repository.ConfirmationRepository.
type ConfirmationRepository struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.DeliveryConfirmation
}

// NewConfirmationRepository builds an empty repository.
func NewConfirmationRepository() *ConfirmationRepository {
	return &ConfirmationRepository{rows: make(map[uuid.UUID]*domain.DeliveryConfirmation)}
}

func (r *ConfirmationRepository) GetByOrder(_ context.Context, orderID uuid.UUID) (*domain.DeliveryConfirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.rows {
		if c.OrderID == orderID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *ConfirmationRepository) Create(_ context.Context, c *domain.DeliveryConfirmation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.OrderID == c.OrderID {
			return repository.ErrConflict
		}
	}
	cp := *c
	r.rows[c.ID] = &cp
	return nil
}

func (r *ConfirmationRepository) RecordAttempt(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if c.ResponseReceived {
		return repository.ErrConflict
	}
	c.Attempts++
	c.LastAttemptAt = &at
	c.UpdatedAt = at
	return nil
}

func (r *ConfirmationRepository) FindLatestPendingByPhoneSuffix(_ context.Context, suffix string) (*domain.DeliveryConfirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.DeliveryConfirmation
	for _, c := range r.rows {
		if c.ResponseReceived || phone.Suffix(c.RecipientPhone, len(suffix)) != suffix {
			continue
		}
		if best == nil || c.SentAt.After(best.SentAt) {
			best = c
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *ConfirmationRepository) SaveResponse(_ context.Context, c *domain.DeliveryConfirmation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rows[c.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if existing.ResponseReceived {
		return repository.ErrConflict
	}
	cp := *c
	r.rows[c.ID] = &cp
	return nil
}
