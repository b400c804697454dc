package domain

import (
	"time"

	"github.com/google/uuid"
)

// Order is the read model of a work order owned by the order store.
type Order struct {
	ID              uuid.UUID
	OrganizationID  uuid.UUID
	Number          string
	Status          string
	CustomerName    string
	CustomerPhone   string
	StatusChangedAt time.Time
}

// OrderStatusChange is an audit record of a status transition.
type OrderStatusChange struct {
	OrderID    uuid.UUID
	FromStatus string
	ToStatus   string
	Reason     string
	ChangedAt  time.Time
}
