package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository"
)

// AlertRepository implements repository.AlertRepository.
type AlertRepository struct {
	mu   sync.Mutex
	rows []*domain.StallAlert
}

// NewAlertRepository builds an empty repository.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{}
}

// All returns a copy of every stored alert.
func (r *AlertRepository) All() []domain.StallAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.StallAlert, 0, len(r.rows))
	for _, a := range r.rows {
		out = append(out, *a)
	}
	return out
}

func (r *AlertRepository) CreateIfAbsent(_ context.Context, a *domain.StallAlert) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.OrderID == a.OrderID && existing.Phase == a.Phase && existing.Tier == a.Tier &&
			existing.Status != domain.AlertResolved {
			return false, nil
		}
	}
	cp := *a
	r.rows = append(r.rows, &cp)
	return true, nil
}

func (r *AlertRepository) AssignManager(_ context.Context, id uuid.UUID, managerID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.rows {
		if a.ID == id {
			a.ManagerID = &managerID
			a.UpdatedAt = at
			return nil
		}
	}
	return repository.ErrNotFound
}

func (r *AlertRepository) UpdateStatus(_ context.Context, id uuid.UUID, status domain.AlertStatus, messageID *uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.rows {
		if a.ID != id {
			continue
		}
		if err := a.TransitionTo(status); err != nil {
			return repository.ErrConflict
		}
		if messageID != nil {
			a.MessageID = messageID
		}
		a.UpdatedAt = at
		return nil
	}
	return repository.ErrNotFound
}

func (r *AlertRepository) ResolveStale(_ context.Context, createdBefore, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.rows {
		if (a.Status == domain.AlertPending || a.Status == domain.AlertSent) && a.CreatedAt.Before(createdBefore) {
			a.Status = domain.AlertResolved
			a.ResolvedAt = &at
			a.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (r *AlertRepository) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*domain.StallAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.StallAlert
	for _, a := range r.rows {
		if a.OrderID == orderID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Tier.Rank() < out[j].Tier.Rank() })
	return out, nil
}

// ThresholdRepository implements repository.ThresholdRepository.
type ThresholdRepository struct {
	Thresholds []domain.PhaseThreshold
}

func (r *ThresholdRepository) ListEnabled(context.Context) ([]domain.PhaseThreshold, error) {
	var out []domain.PhaseThreshold
	for _, t := range r.Thresholds {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

// ManagerRepository implements repository.ManagerRepository.
type ManagerRepository struct {
	Managers map[uuid.UUID]domain.Manager
	// Roster is keyed by phase.
	Roster map[string][]domain.Manager

	lookups atomic.Int64
}

// Lookups counts Get and ListPhaseManagers calls.
func (r *ManagerRepository) Lookups() int {
	return int(r.lookups.Load())
}

func (r *ManagerRepository) Get(_ context.Context, id uuid.UUID) (*domain.Manager, error) {
	r.lookups.Add(1)
	m, ok := r.Managers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

func (r *ManagerRepository) ListPhaseManagers(_ context.Context, organizationID uuid.UUID, phase string) ([]domain.Manager, error) {
	r.lookups.Add(1)
	var out []domain.Manager
	for _, m := range r.Roster[phase] {
		if m.OrganizationID == organizationID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}
