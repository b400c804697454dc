package stall

import (
	"math"

	"github.com/acme/order-dispatch/internal/domain"
)

// DefaultPhases maps order statuses to the workflow phase whose threshold
// applies. Statuses absent from the table are never checked.
var DefaultPhases = map[string]string{
	"received":          "intake",
	"awaiting_triage":   "intake",
	"diagnosis":         "diagnosis",
	"awaiting_quote":    "quote",
	"awaiting_approval": "approval",
	"awaiting_parts":    "parts",
	"in_progress":       "execution",
	"quality_check":     "quality",
	"ready_for_pickup":  "delivery",
	"shipped":           "delivery",
	"in_transit":        "delivery",
	"out_for_delivery":  "delivery",
	"awaiting_payment":  "billing",
}

// PhaseTable resolves statuses to phases.
type PhaseTable map[string]string

// NewPhaseTable merges overrides into DefaultPhases. An override with an
// empty phase removes the status.
func NewPhaseTable(overrides map[string]string) PhaseTable {
	table := make(PhaseTable, len(DefaultPhases)+len(overrides))
	for status, phase := range DefaultPhases {
		table[status] = phase
	}
	for status, phase := range overrides {
		if phase == "" {
			delete(table, status)
			continue
		}
		table[status] = phase
	}
	return table
}

// Phase returns the phase of status or "".
func (t PhaseTable) Phase(status string) string {
	return t[status]
}

// QualifyingTiers returns every tier whose condition holds after days in a
// phase. Escalation is only reached once the critical condition holds.
func QualifyingTiers(days float64, thr domain.PhaseThreshold) []domain.AlertTier {
	if days < 0 || math.IsNaN(days) {
		return nil
	}
	var tiers []domain.AlertTier
	if thr.MaxDaysAllowed <= 0 {
		if thr.WarningDays > 0 && days >= thr.WarningDays {
			tiers = append(tiers, domain.TierWarning)
		}
		return tiers
	}
	if thr.WarningDays > 0 && days >= thr.WarningDays && days < thr.MaxDaysAllowed {
		tiers = append(tiers, domain.TierWarning)
	}
	if days >= thr.MaxDaysAllowed {
		tiers = append(tiers, domain.TierCritical)
		if days >= 2*thr.MaxDaysAllowed {
			tiers = append(tiers, domain.TierEscalation)
		}
	}
	return tiers
}
