package stall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/order-dispatch/internal/clock"
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/repository/memory"
	"github.com/acme/order-dispatch/internal/service/dispatch"
)

var start = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type recordingQueue struct {
	inputs []dispatch.EnqueueInput
	err    error
}

func (q *recordingQueue) Enqueue(_ context.Context, in dispatch.EnqueueInput) (uuid.UUID, error) {
	if q.err != nil {
		return uuid.Nil, q.err
	}
	q.inputs = append(q.inputs, in)
	return uuid.New(), nil
}

type fixture struct {
	org      uuid.UUID
	order    *domain.Order
	alerts   *memory.AlertRepository
	queue    *recordingQueue
	clock    *clock.Fake
	detector *Detector
}

func newFixture(t *testing.T, managers *memory.ManagerRepository, threshold domain.PhaseThreshold) *fixture {
	t.Helper()
	org := threshold.OrganizationID
	order := &domain.Order{
		ID:              uuid.New(),
		OrganizationID:  org,
		Number:          "OS-77",
		Status:          "awaiting_parts",
		StatusChangedAt: start,
	}
	f := &fixture{
		org:    org,
		order:  order,
		alerts: memory.NewAlertRepository(),
		queue:  &recordingQueue{},
		clock:  clock.NewFake(start),
	}
	f.detector = NewDetector(
		memory.NewOrderRepository(order),
		&memory.ThresholdRepository{Thresholds: []domain.PhaseThreshold{threshold}},
		managers,
		f.alerts,
		f.queue,
		f.clock,
		Config{TerminalStatuses: []string{"completed", "cancelled"}},
		nil,
	)
	return f
}

func partsThreshold(org uuid.UUID, manager *uuid.UUID) domain.PhaseThreshold {
	return domain.PhaseThreshold{
		OrganizationID: org,
		Phase:          "parts",
		WarningDays:    3,
		MaxDaysAllowed: 7,
		Enabled:        true,
		ManagerID:      manager,
	}
}

func countTiers(alerts []domain.StallAlert) map[domain.AlertTier]int {
	out := make(map[domain.AlertTier]int)
	for _, a := range alerts {
		out[a.Tier]++
	}
	return out
}

func TestQualifyingTiers(t *testing.T) {
	thr := domain.PhaseThreshold{WarningDays: 3, MaxDaysAllowed: 7}
	assert.Empty(t, QualifyingTiers(2.9, thr))
	assert.Equal(t, []domain.AlertTier{domain.TierWarning}, QualifyingTiers(4, thr))
	assert.Equal(t, []domain.AlertTier{domain.TierCritical}, QualifyingTiers(7, thr))
	assert.Equal(t, []domain.AlertTier{domain.TierCritical}, QualifyingTiers(13.9, thr))
	assert.Equal(t, []domain.AlertTier{domain.TierCritical, domain.TierEscalation}, QualifyingTiers(15, thr))
	assert.Empty(t, QualifyingTiers(-1, thr))
}

func TestScanRaisesEachTierOnce(t *testing.T) {
	org := uuid.New()
	managerID := uuid.New()
	managers := &memory.ManagerRepository{Managers: map[uuid.UUID]domain.Manager{
		managerID: {ID: managerID, OrganizationID: org, Name: "Carla", Phone: "5511900001111"},
	}}
	f := newFixture(t, managers, partsThreshold(org, &managerID))
	ctx := context.Background()

	f.clock.Set(start.Add(4 * 24 * time.Hour))
	summary, err := f.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, map[domain.AlertTier]int{domain.TierWarning: 1}, countTiers(f.alerts.All()))

	// rescanning the same day creates nothing
	summary, err = f.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Created)

	f.clock.Set(start.Add(8 * 24 * time.Hour))
	_, err = f.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.AlertTier]int{domain.TierWarning: 1, domain.TierCritical: 1}, countTiers(f.alerts.All()))

	f.clock.Set(start.Add(15 * 24 * time.Hour))
	_, err = f.detector.Scan(ctx)
	require.NoError(t, err)
	_, err = f.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.AlertTier]int{
		domain.TierWarning:    1,
		domain.TierCritical:   1,
		domain.TierEscalation: 1,
	}, countTiers(f.alerts.All()))

	require.Len(t, f.queue.inputs, 3)
	for _, in := range f.queue.inputs {
		assert.Equal(t, "5511900001111", in.Recipient)
		assert.Equal(t, domain.KindStallAlert, in.Kind)
	}
	assert.Equal(t, 4, *f.queue.inputs[0].Priority)
	assert.Equal(t, 2, *f.queue.inputs[1].Priority)
	assert.Equal(t, 1, *f.queue.inputs[2].Priority)
	assert.Contains(t, f.queue.inputs[2].Body, "ESCALONAMENTO")

	for _, a := range f.alerts.All() {
		assert.Equal(t, domain.AlertSent, a.Status)
		assert.NotNil(t, a.MessageID)
	}
}

func TestRescanOfExistingAlertSkipsRecipientLookup(t *testing.T) {
	org := uuid.New()
	managerID := uuid.New()
	managers := &memory.ManagerRepository{Managers: map[uuid.UUID]domain.Manager{
		managerID: {ID: managerID, OrganizationID: org, Name: "Carla", Phone: "5511900001111"},
	}}
	f := newFixture(t, managers, partsThreshold(org, &managerID))
	ctx := context.Background()

	f.clock.Set(start.Add(15 * 24 * time.Hour))
	summary, err := f.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 2, managers.Lookups())

	for _, a := range f.alerts.All() {
		require.NotNil(t, a.ManagerID)
		assert.Equal(t, managerID, *a.ManagerID)
	}

	summary, err = f.detector.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, 2, summary.Duplicates)
	assert.Equal(t, 2, managers.Lookups())
}

func TestScanFallsBackToOptedInRoster(t *testing.T) {
	org := uuid.New()
	optedOut := domain.Manager{ID: uuid.New(), OrganizationID: org, Phone: "5511900000001", Priority: 1}
	optedIn := domain.Manager{ID: uuid.New(), OrganizationID: org, Phone: "5511900000002", Priority: 2, ReceiveUrgentAlerts: true}
	managers := &memory.ManagerRepository{Roster: map[string][]domain.Manager{"parts": {optedIn, optedOut}}}
	f := newFixture(t, managers, partsThreshold(org, nil))

	f.clock.Set(start.Add(4 * 24 * time.Hour))
	_, err := f.detector.Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, f.queue.inputs, 1)
	assert.Equal(t, "5511900000002", f.queue.inputs[0].Recipient)
	alerts := f.alerts.All()
	require.Len(t, alerts, 1)
	require.NotNil(t, alerts[0].ManagerID)
	assert.Equal(t, optedIn.ID, *alerts[0].ManagerID)
}

func TestScanWithoutRecipientLeavesAlertPending(t *testing.T) {
	org := uuid.New()
	f := newFixture(t, &memory.ManagerRepository{}, partsThreshold(org, nil))

	f.clock.Set(start.Add(4 * 24 * time.Hour))
	summary, err := f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NoRecipient)
	assert.Empty(t, f.queue.inputs)

	alerts := f.alerts.All()
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertPending, alerts[0].Status)
}

func TestScanMarksAlertFailedWhenEnqueueFails(t *testing.T) {
	org := uuid.New()
	managerID := uuid.New()
	managers := &memory.ManagerRepository{Managers: map[uuid.UUID]domain.Manager{
		managerID: {ID: managerID, OrganizationID: org, Phone: "5511900001111"},
	}}
	f := newFixture(t, managers, partsThreshold(org, &managerID))
	f.queue.err = errors.New("validation error")

	f.clock.Set(start.Add(8 * 24 * time.Hour))
	summary, err := f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, domain.AlertFailed, f.alerts.All()[0].Status)
}

func TestScanSkipsUnmonitoredPhases(t *testing.T) {
	org := uuid.New()
	thr := partsThreshold(org, nil)
	thr.Phase = "billing"
	f := newFixture(t, &memory.ManagerRepository{}, thr)

	f.clock.Set(start.Add(30 * 24 * time.Hour))
	summary, err := f.detector.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Unmonitored)
	assert.Empty(t, f.alerts.All())
}

func TestResolveStale(t *testing.T) {
	org := uuid.New()
	f := newFixture(t, &memory.ManagerRepository{}, partsThreshold(org, nil))
	ctx := context.Background()

	f.clock.Set(start.Add(4 * 24 * time.Hour))
	_, err := f.detector.Scan(ctx)
	require.NoError(t, err)

	f.clock.Advance(6 * 24 * time.Hour)
	n, err := f.detector.ResolveStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * 24 * time.Hour)
	n, err = f.detector.ResolveStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.AlertResolved, f.alerts.All()[0].Status)
}

func TestPhaseTableOverrides(t *testing.T) {
	table := NewPhaseTable(map[string]string{"awaiting_parts": "", "custom": "execution"})
	assert.Equal(t, "", table.Phase("awaiting_parts"))
	assert.Equal(t, "execution", table.Phase("custom"))
	assert.Equal(t, "delivery", table.Phase("shipped"))
}
