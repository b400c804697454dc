package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertTier is the severity of a stall alert.
type AlertTier string

const (
	TierWarning    AlertTier = "warning"
	TierCritical   AlertTier = "critical"
	TierEscalation AlertTier = "escalation"
)

// Rank orders tiers from least to most severe.
func (t AlertTier) Rank() int {
	switch t {
	case TierWarning:
		return 1
	case TierCritical:
		return 2
	case TierEscalation:
		return 3
	}
	return 0
}

// AlertStatus is the delivery lifecycle of an alert.
type AlertStatus string

const (
	AlertPending  AlertStatus = "pending"
	AlertSent     AlertStatus = "sent"
	AlertFailed   AlertStatus = "failed"
	AlertResolved AlertStatus = "resolved"
)

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertPending: {AlertSent, AlertFailed, AlertResolved},
	AlertSent:    {AlertResolved},
	AlertFailed:  {AlertResolved},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StallAlert records that an order overstayed a phase.
type StallAlert struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	OrganizationID uuid.UUID
	Phase          string
	ManagerID      *uuid.UUID
	DaysStalled    float64
	Tier           AlertTier
	Status         AlertStatus
	MessageID      *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
}

// TransitionTo moves the alert to next.
func (a *StallAlert) TransitionTo(next AlertStatus) error {
	if !a.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: alert %s %s -> %s", ErrInvalidTransition, a.ID, a.Status, next)
	}
	a.Status = next
	return nil
}

// PhaseThreshold configures stall limits of one phase for one organization.
type PhaseThreshold struct {
	OrganizationID uuid.UUID
	Phase          string
	WarningDays    float64
	MaxDaysAllowed float64
	Enabled        bool
	ManagerID      *uuid.UUID
}

// Manager is a person who may receive stall alerts.
type Manager struct {
	ID                  uuid.UUID
	OrganizationID      uuid.UUID
	Name                string
	Phone               string
	Priority            int
	ReceiveUrgentAlerts bool
}
