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

// AlertRepository implements repository.AlertRepository.
type AlertRepository struct {
	db *sqlx.DB
}

// NewAlertRepository builds the repository.
func NewAlertRepository(db *sqlx.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// CreateIfAbsent relies on the partial unique index over unresolved
// (order, phase, tier) rows, so concurrent scans cannot both insert.
func (r *AlertRepository) CreateIfAbsent(ctx context.Context, a *domain.StallAlert) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO stall_alerts
		(id, order_id, organization_id, phase, manager_id, days_stalled, tier, status, message_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (order_id, phase, tier) WHERE status <> 'resolved' DO NOTHING`,
		a.ID, a.OrderID, a.OrganizationID, a.Phase, a.ManagerID, a.DaysStalled, string(a.Tier), string(a.Status), a.MessageID, a.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("stall alerts: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stall alerts: rows affected: %w", err)
	}
	return n == 1, nil
}

// AssignManager sets the recipient of an unresolved alert.
func (r *AlertRepository) AssignManager(ctx context.Context, id uuid.UUID, managerID uuid.UUID, at time.Time) error {
	return execGuarded(ctx, r.db, "stall alerts: assign manager "+id.String(), `UPDATE stall_alerts
		SET manager_id = $2, updated_at = $3
		WHERE id = $1 AND status <> 'resolved'`, id, managerID, at)
}

// UpdateStatus moves an alert along its transition table.
func (r *AlertRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.AlertStatus, messageID *uuid.UUID, at time.Time) error {
	var from []string
	for _, s := range []domain.AlertStatus{domain.AlertPending, domain.AlertSent, domain.AlertFailed} {
		if s.CanTransitionTo(status) {
			from = append(from, string(s))
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("stall alerts: update status to %s: %w", status, domain.ErrInvalidTransition)
	}

	return execGuarded(ctx, r.db, "stall alerts: update status "+id.String(), `UPDATE stall_alerts
		SET status = $2, message_id = COALESCE($3, message_id), updated_at = $4
		WHERE id = $1 AND status = ANY($5)`, id, string(status), messageID, at, from)
}

// ResolveStale closes alerts that stayed pending or sent since before createdBefore.
func (r *AlertRepository) ResolveStale(ctx context.Context, createdBefore, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE stall_alerts
		SET status = 'resolved', resolved_at = $2, updated_at = $2
		WHERE status IN ('pending', 'sent') AND created_at < $1`, createdBefore, at)
	if err != nil {
		return 0, fmt.Errorf("stall alerts: resolve stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListByOrder returns every alert of an order.
func (r *AlertRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.StallAlert, error) {
	var recs []alertRecord
	if err := r.db.SelectContext(ctx, &recs, `SELECT id, order_id, organization_id, phase, manager_id, days_stalled, tier,
		status, message_id, created_at, updated_at, resolved_at
		FROM stall_alerts WHERE order_id = $1 ORDER BY created_at ASC`, orderID); err != nil {
		return nil, fmt.Errorf("stall alerts: list by order: %w", err)
	}
	out := make([]*domain.StallAlert, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toModel())
	}
	return out, nil
}

type alertRecord struct {
	ID             uuid.UUID     `db:"id"`
	OrderID        uuid.UUID     `db:"order_id"`
	OrganizationID uuid.UUID     `db:"organization_id"`
	Phase          string        `db:"phase"`
	ManagerID      uuid.NullUUID `db:"manager_id"`
	DaysStalled    float64       `db:"days_stalled"`
	Tier           string        `db:"tier"`
	Status         string        `db:"status"`
	MessageID      uuid.NullUUID `db:"message_id"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
	ResolvedAt     sql.NullTime  `db:"resolved_at"`
}

func (r alertRecord) toModel() *domain.StallAlert {
	return &domain.StallAlert{
		ID:             r.ID,
		OrderID:        r.OrderID,
		OrganizationID: r.OrganizationID,
		Phase:          r.Phase,
		ManagerID:      uuidPtr(r.ManagerID),
		DaysStalled:    r.DaysStalled,
		Tier:           domain.AlertTier(r.Tier),
		Status:         domain.AlertStatus(r.Status),
		MessageID:      uuidPtr(r.MessageID),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ResolvedAt:     timePtr(r.ResolvedAt),
	}
}

func uuidPtr(u uuid.NullUUID) *uuid.UUID {
	if !u.Valid {
		return nil
	}
	v := u.UUID
	return &v
}

// ThresholdRepository implements repository.ThresholdRepository.
type ThresholdRepository struct {
	db *sqlx.DB
}

// NewThresholdRepository builds the repository.
func NewThresholdRepository(db *sqlx.DB) *ThresholdRepository {
	return &ThresholdRepository{db: db}
}

type thresholdRecord struct {
	OrganizationID uuid.UUID     `db:"organization_id"`
	Phase          string        `db:"phase"`
	WarningDays    float64       `db:"warning_days"`
	MaxDaysAllowed float64       `db:"max_days_allowed"`
	Enabled        bool          `db:"enabled"`
	ManagerID      uuid.NullUUID `db:"manager_id"`
}

// ListEnabled returns every enabled threshold.
func (r *ThresholdRepository) ListEnabled(ctx context.Context) ([]domain.PhaseThreshold, error) {
	var recs []thresholdRecord
	if err := r.db.SelectContext(ctx, &recs, `SELECT organization_id, phase, warning_days::float8 AS warning_days,
		max_days_allowed::float8 AS max_days_allowed, enabled, manager_id
		FROM phase_thresholds WHERE enabled`); err != nil {
		return nil, fmt.Errorf("phase thresholds: list: %w", err)
	}
	out := make([]domain.PhaseThreshold, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.PhaseThreshold{
			OrganizationID: rec.OrganizationID,
			Phase:          rec.Phase,
			WarningDays:    rec.WarningDays,
			MaxDaysAllowed: rec.MaxDaysAllowed,
			Enabled:        rec.Enabled,
			ManagerID:      uuidPtr(rec.ManagerID),
		})
	}
	return out, nil
}

// ManagerRepository implements repository.ManagerRepository.
type ManagerRepository struct {
	db *sqlx.DB
}

// NewManagerRepository builds the repository.
func NewManagerRepository(db *sqlx.DB) *ManagerRepository {
	return &ManagerRepository{db: db}
}

type managerRecord struct {
	ID                  uuid.UUID `db:"id"`
	OrganizationID      uuid.UUID `db:"organization_id"`
	Name                string    `db:"name"`
	Phone               string    `db:"phone"`
	Priority            int       `db:"priority"`
	ReceiveUrgentAlerts bool      `db:"receive_urgent_alerts"`
}

// Get fetches a manager profile.
func (r *ManagerRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Manager, error) {
	var rec managerRecord
	err := r.db.GetContext(ctx, &rec, `SELECT id, organization_id, name, phone, 0 AS priority, receive_urgent_alerts
		FROM managers WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("managers: get: %w", err)
	}
	m := domain.Manager(rec)
	return &m, nil
}

// ListPhaseManagers returns the phase roster ordered by priority.
func (r *ManagerRepository) ListPhaseManagers(ctx context.Context, organizationID uuid.UUID, phase string) ([]domain.Manager, error) {
	var recs []managerRecord
	if err := r.db.SelectContext(ctx, &recs, `SELECT m.id, m.organization_id, m.name, m.phone, pm.priority, m.receive_urgent_alerts
		FROM phase_managers pm
		JOIN managers m ON m.id = pm.manager_id
		WHERE pm.organization_id = $1 AND pm.phase = $2
		ORDER BY pm.priority ASC`, organizationID, phase); err != nil {
		return nil, fmt.Errorf("managers: list phase roster: %w", err)
	}
	out := make([]domain.Manager, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.Manager(rec))
	}
	return out, nil
}
