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

const orderColumns = `id, organization_id, number, status, customer_name, customer_phone, status_changed_at`

// OrderRepository implements repository.OrderRepository.
type OrderRepository struct {
	db *sqlx.DB
}

// NewOrderRepository builds the repository.
func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

type orderRecord struct {
	ID              uuid.UUID `db:"id"`
	OrganizationID  uuid.UUID `db:"organization_id"`
	Number          string    `db:"number"`
	Status          string    `db:"status"`
	CustomerName    string    `db:"customer_name"`
	CustomerPhone   string    `db:"customer_phone"`
	StatusChangedAt time.Time `db:"status_changed_at"`
}

func (r orderRecord) toModel() *domain.Order {
	o := domain.Order(r)
	return &o
}

// Get fetches one order.
func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var rec orderRecord
	if err := r.db.GetContext(ctx, &rec, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("orders: get: %w", err)
	}
	return rec.toModel(), nil
}

// ListAwaitingConfirmation returns in-transit orders old enough to prompt.
func (r *OrderRepository) ListAwaitingConfirmation(ctx context.Context, statuses []string, changedBefore time.Time, limit int) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = 200
	}
	return r.selectOrders(ctx, "list awaiting confirmation", `SELECT `+orderColumns+` FROM orders
		WHERE status = ANY($1) AND customer_phone <> '' AND status_changed_at < $2
		ORDER BY status_changed_at ASC
		LIMIT $3`, statuses, changedBefore, limit)
}

// ListActive returns orders not in a terminal status.
func (r *OrderRepository) ListActive(ctx context.Context, excluded []string, limit int) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = 1000
	}
	return r.selectOrders(ctx, "list active", `SELECT `+orderColumns+` FROM orders
		WHERE NOT (status = ANY($1))
		ORDER BY status_changed_at ASC
		LIMIT $2`, excluded, limit)
}

// TransitionStatus moves the order and appends the audit row atomically.
func (r *OrderRepository) TransitionStatus(ctx context.Context, ch domain.OrderStatusChange) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := execGuarded(ctx, tx, "orders: transition "+ch.OrderID.String(), `UPDATE orders SET status = $2, status_changed_at = $3
			WHERE id = $1 AND status = $4`, ch.OrderID, ch.ToStatus, ch.ChangedAt, ch.FromStatus); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO order_status_history (order_id, from_status, to_status, reason, changed_at)
			VALUES ($1, $2, $3, $4, $5)`, ch.OrderID, ch.FromStatus, ch.ToStatus, ch.Reason, ch.ChangedAt); err != nil {
			return fmt.Errorf("orders: insert history: %w", err)
		}
		return nil
	})
}

func (r *OrderRepository) selectOrders(ctx context.Context, op, query string, args ...any) ([]*domain.Order, error) {
	var recs []orderRecord
	if err := r.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("orders: %s: %w", op, err)
	}
	out := make([]*domain.Order, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toModel())
	}
	return out, nil
}
