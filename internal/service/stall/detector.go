// Package stall raises graduated alerts for orders that overstay a phase.
package stall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/clock"
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/metrics"
	"github.com/acme/order-dispatch/internal/repository"
	"github.com/acme/order-dispatch/internal/service/dispatch"
)

// Enqueuer accepts outbound messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, in dispatch.EnqueueInput) (uuid.UUID, error)
}

// Config tunes the detector.
type Config struct {
	Phases           PhaseTable
	TerminalStatuses []string
	ScanLimit        int
	// ResolveAfter is the age at which pending or sent alerts are resolved.
	ResolveAfter time.Duration
}

// Detector scans active orders against phase thresholds.
type Detector struct {
	orders     repository.OrderRepository
	thresholds repository.ThresholdRepository
	managers   repository.ManagerRepository
	alerts     repository.AlertRepository
	queue      Enqueuer
	clock      clock.Clock
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewDetector builds a detector.
func NewDetector(
	orders repository.OrderRepository,
	thresholds repository.ThresholdRepository,
	managers repository.ManagerRepository,
	alerts repository.AlertRepository,
	queue Enqueuer,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Detector {
	if cfg.Phases == nil {
		cfg.Phases = NewPhaseTable(nil)
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 1000
	}
	if cfg.ResolveAfter <= 0 {
		cfg.ResolveAfter = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		orders:     orders,
		thresholds: thresholds,
		managers:   managers,
		alerts:     alerts,
		queue:      queue,
		clock:      clk,
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("orderdispatch.stall"),
	}
}

// ScanSummary reports one detector run.
type ScanSummary struct {
	Scanned     int `json:"scanned"`
	Unmonitored int `json:"unmonitored"`
	Created     int `json:"created"`
	Duplicates  int `json:"duplicates"`
	Notified    int `json:"notified"`
	NoRecipient int `json:"no_recipient"`
	Failed      int `json:"failed"`
}

type thresholdKey struct {
	org   uuid.UUID
	phase string
}

// Scan evaluates every active order once.
func (d *Detector) Scan(ctx context.Context) (ScanSummary, error) {
	ctx, span := d.tracer.Start(ctx, "stall.scan")
	defer span.End()

	var summary ScanSummary
	list, err := d.thresholds.ListEnabled(ctx)
	if err != nil {
		span.RecordError(err)
		return summary, fmt.Errorf("stall detector: load thresholds: %w", err)
	}
	thresholds := make(map[thresholdKey]domain.PhaseThreshold, len(list))
	for _, thr := range list {
		thresholds[thresholdKey{org: thr.OrganizationID, phase: thr.Phase}] = thr
	}

	orders, err := d.orders.ListActive(ctx, d.cfg.TerminalStatuses, d.cfg.ScanLimit)
	if err != nil {
		span.RecordError(err)
		return summary, fmt.Errorf("stall detector: list orders: %w", err)
	}

	now := d.clock.Now()
	for _, order := range orders {
		summary.Scanned++
		phase := d.cfg.Phases.Phase(order.Status)
		thr, ok := thresholds[thresholdKey{org: order.OrganizationID, phase: phase}]
		if phase == "" || !ok {
			summary.Unmonitored++
			continue
		}

		days := now.Sub(order.StatusChangedAt).Hours() / 24
		for _, tier := range QualifyingTiers(days, thr) {
			if err := d.raise(ctx, order, thr, tier, days, now, &summary); err != nil {
				span.RecordError(err)
				return summary, err
			}
		}
	}

	span.SetAttributes(
		attribute.Int("stall.created", summary.Created),
		attribute.Int("stall.notified", summary.Notified),
	)
	d.logger.Info("stall scan finished",
		zap.Int("scanned", summary.Scanned),
		zap.Int("created", summary.Created),
		zap.Int("notified", summary.Notified),
		zap.Int("no_recipient", summary.NoRecipient),
	)
	return summary, nil
}

func (d *Detector) raise(ctx context.Context, order *domain.Order, thr domain.PhaseThreshold, tier domain.AlertTier, days float64, now time.Time, summary *ScanSummary) error {
	alert := &domain.StallAlert{
		ID:             uuid.New(),
		OrderID:        order.ID,
		OrganizationID: order.OrganizationID,
		Phase:          thr.Phase,
		DaysStalled:    days,
		Tier:           tier,
		Status:         domain.AlertPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created, err := d.alerts.CreateIfAbsent(ctx, alert)
	if err != nil {
		return fmt.Errorf("stall detector: create alert: %w", err)
	}
	if !created {
		summary.Duplicates++
		return nil
	}
	summary.Created++
	metrics.StallAlerts.WithLabelValues(string(tier)).Inc()

	logger := d.logger.With(
		zap.String("alert_id", alert.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.String("phase", thr.Phase),
		zap.String("tier", string(tier)),
	)
	recipient, err := d.resolveRecipient(ctx, order.OrganizationID, thr)
	if err != nil {
		return err
	}
	if recipient == nil {
		summary.NoRecipient++
		logger.Warn("stall alert has no recipient, left pending")
		return nil
	}

	if err := d.alerts.AssignManager(ctx, alert.ID, recipient.ID, d.clock.Now()); err != nil {
		return fmt.Errorf("stall detector: assign manager: %w", err)
	}

	priority := tierPriority(tier)
	name := recipient.Name
	messageID, err := d.queue.Enqueue(ctx, dispatch.EnqueueInput{
		Recipient:     recipient.Phone,
		RecipientName: &name,
		Kind:          domain.KindStallAlert,
		Body:          formatAlert(order, thr, tier, days),
		Priority:      &priority,
		Metadata: map[string]any{
			domain.MetaOrderID: order.ID.String(),
			domain.MetaAlertID: alert.ID.String(),
		},
	})
	if err != nil {
		summary.Failed++
		logger.Error("stall detector: enqueue alert", zap.Error(err))
		if err := d.alerts.UpdateStatus(ctx, alert.ID, domain.AlertFailed, nil, d.clock.Now()); err != nil {
			return fmt.Errorf("stall detector: mark alert failed: %w", err)
		}
		return nil
	}

	if err := d.alerts.UpdateStatus(ctx, alert.ID, domain.AlertSent, &messageID, d.clock.Now()); err != nil {
		return fmt.Errorf("stall detector: mark alert sent: %w", err)
	}
	summary.Notified++
	logger.Info("stall alert queued", zap.String("message_id", messageID.String()))
	return nil
}

// resolveRecipient prefers the manager assigned to the phase threshold and
// falls back to the first opted-in roster entry. nil means nobody.
func (d *Detector) resolveRecipient(ctx context.Context, orgID uuid.UUID, thr domain.PhaseThreshold) (*domain.Manager, error) {
	if thr.ManagerID != nil {
		m, err := d.managers.Get(ctx, *thr.ManagerID)
		switch {
		case err == nil && m.Phone != "":
			return m, nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("stall detector: load manager: %w", err)
		}
	}

	roster, err := d.managers.ListPhaseManagers(ctx, orgID, thr.Phase)
	if err != nil {
		return nil, fmt.Errorf("stall detector: load phase managers: %w", err)
	}
	for i := range roster {
		if roster[i].ReceiveUrgentAlerts && roster[i].Phone != "" {
			return &roster[i], nil
		}
	}
	return nil, nil
}

// ResolveStale closes alerts older than the configured age.
func (d *Detector) ResolveStale(ctx context.Context) (int, error) {
	ctx, span := d.tracer.Start(ctx, "stall.resolve_stale")
	defer span.End()

	now := d.clock.Now()
	n, err := d.alerts.ResolveStale(ctx, now.Add(-d.cfg.ResolveAfter), now)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("stall detector: resolve stale: %w", err)
	}
	if n > 0 {
		d.logger.Info("stale stall alerts resolved", zap.Int("count", n))
	}
	return n, nil
}

func tierPriority(tier domain.AlertTier) int {
	switch tier {
	case domain.TierEscalation:
		return 1
	case domain.TierCritical:
		return 2
	default:
		return 4
	}
}

var tierLabels = map[domain.AlertTier]string{
	domain.TierWarning:    "ATENÇÃO",
	domain.TierCritical:   "CRÍTICO",
	domain.TierEscalation: "ESCALONAMENTO",
}

func formatAlert(order *domain.Order, thr domain.PhaseThreshold, tier domain.AlertTier, days float64) string {
	number := order.Number
	if number == "" {
		number = order.ID.String()
	}
	return fmt.Sprintf("⚠️ [%s] Pedido %s está há %.0f dias na fase %s (aviso: %.0f, limite: %.0f dias). Status atual: %s.",
		tierLabels[tier], number, days, thr.Phase, thr.WarningDays, thr.MaxDaysAllowed, order.Status)
}
