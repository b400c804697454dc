package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/clock"
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/metrics"
	"github.com/acme/order-dispatch/internal/phone"
	"github.com/acme/order-dispatch/internal/queue"
	"github.com/acme/order-dispatch/internal/repository"
	"github.com/acme/order-dispatch/internal/transport"
	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

// SkipReason explains why a batch ended without sending.
type SkipReason string

const (
	SkipOutsideWindow        SkipReason = "outside_send_window"
	SkipRateLimitedHour      SkipReason = "rate_limited_hour"
	SkipRateLimitedMinute    SkipReason = "rate_limited_minute"
	SkipNoPending            SkipReason = "no_pending"
	SkipTransportUnavailable SkipReason = "transport_unavailable"
)

// Guard re-checks a message right before it is sent. A false result fails
// the message with the returned reason instead of sending it.
type Guard interface {
	StillEligible(ctx context.Context, msg *domain.QueueMessage) (bool, string, error)
}

// EventPublisher receives one event per send outcome.
type EventPublisher interface {
	PublishDispatch(ctx context.Context, evt queue.DispatchEvent) error
}

// WorkerConfig tunes the batch worker.
type WorkerConfig struct {
	BatchSize   int
	SendTimeout time.Duration
	// StaleAfter releases rows left in processing by a crashed run. Zero
	// disables the sweep.
	StaleAfter time.Duration
}

// WorkerDeps groups the collaborators of the worker. Guard, Attempts and
// Events are optional.
type WorkerDeps struct {
	Messages repository.MessageRepository
	Stats    repository.DispatchStatsRepository
	Attempts repository.AttemptStore
	Settings *SettingsSource
	Provider transport.Provider
	Guard    Guard
	Events   EventPublisher
	Clock    clock.Clock
	Pacer    *Pacer
	Logger   *zap.Logger
}

// BatchSummary reports what one run did.
type BatchSummary struct {
	Selected   int        `json:"selected"`
	Processed  int        `json:"processed"`
	Sent       int        `json:"sent"`
	Retried    int        `json:"retried"`
	Failed     int        `json:"failed"`
	Superseded int        `json:"superseded"`
	Contended  int        `json:"contended"`
	Requeued   int        `json:"requeued"`
	Skipped    bool       `json:"skipped"`
	Reason     SkipReason `json:"reason,omitempty"`
}

// Worker drains the dispatch queue in paced batches. It is the only
// component that talks to the transport.
type Worker struct {
	deps   WorkerDeps
	cfg    WorkerConfig
	tracer trace.Tracer
}

// NewWorker builds the batch worker.
func NewWorker(deps WorkerDeps, cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Pacer == nil {
		deps.Pacer = NewPacer(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, tracer: otel.Tracer("orderdispatch.dispatch")}
}

// RunBatch processes one batch. Expected no-op conditions are reported in
// the summary. Only persistence failures and an unavailable transport
// return an error.
func (w *Worker) RunBatch(ctx context.Context) (BatchSummary, error) {
	ctx, span := w.tracer.Start(ctx, "dispatch.run_batch")
	defer span.End()

	var summary BatchSummary
	now := w.deps.Clock.Now()
	settings := w.deps.Settings.Load(ctx)

	if !settings.InWindow(now) {
		return w.skip(span, summary, SkipOutsideWindow), nil
	}

	limit := w.cfg.BatchSize
	if settings.PerHour > 0 {
		sent, err := w.deps.Messages.CountSentSince(ctx, now.Add(-time.Hour))
		if err != nil {
			return w.fail(span, summary, fmt.Errorf("dispatch worker: count hourly sends: %w", err))
		}
		if sent >= settings.PerHour {
			return w.skip(span, summary, SkipRateLimitedHour), nil
		}
		limit = min(limit, settings.PerHour-sent)
	}
	if settings.PerMinute > 0 {
		sent, err := w.deps.Messages.CountSentSince(ctx, now.Add(-time.Minute))
		if err != nil {
			return w.fail(span, summary, fmt.Errorf("dispatch worker: count minute sends: %w", err))
		}
		if sent >= settings.PerMinute {
			return w.skip(span, summary, SkipRateLimitedMinute), nil
		}
		limit = min(limit, settings.PerMinute-sent)
	}

	if w.cfg.StaleAfter > 0 {
		n, err := w.deps.Messages.RequeueStale(ctx, now.Add(-w.cfg.StaleAfter))
		if err != nil {
			return w.fail(span, summary, fmt.Errorf("dispatch worker: requeue stale: %w", err))
		}
		if n > 0 {
			w.deps.Logger.Warn("dispatch worker: released stale processing rows", zap.Int("count", n))
		}
		summary.Requeued = n
	}

	due, err := w.deps.Messages.ListDue(ctx, now, limit)
	if err != nil {
		return w.fail(span, summary, fmt.Errorf("dispatch worker: list due: %w", err))
	}
	if len(due) == 0 {
		return w.skip(span, summary, SkipNoPending), nil
	}
	summary.Selected = len(due)

	if err := w.deps.Provider.Ready(ctx); err != nil {
		summary = w.skip(span, summary, SkipTransportUnavailable)
		return w.fail(span, summary, fmt.Errorf("dispatch worker: transport not ready: %w: %w", apperrors.ErrUnavailable, err))
	}

	paced := false
	for _, msg := range due {
		if err := w.process(ctx, msg, settings, &paced, &summary); err != nil {
			return w.fail(span, summary, err)
		}
	}

	span.SetAttributes(
		attribute.Int("dispatch.sent", summary.Sent),
		attribute.Int("dispatch.failed", summary.Failed),
		attribute.Int("dispatch.retried", summary.Retried),
	)
	w.deps.Logger.Info("dispatch batch finished",
		zap.Int("selected", summary.Selected),
		zap.Int("sent", summary.Sent),
		zap.Int("retried", summary.Retried),
		zap.Int("failed", summary.Failed),
		zap.Int("superseded", summary.Superseded),
	)
	return summary, nil
}

func (w *Worker) process(ctx context.Context, msg *domain.QueueMessage, settings domain.RateLimitSettings, paced *bool, summary *BatchSummary) error {
	ctx, span := w.tracer.Start(ctx, "dispatch.message", trace.WithAttributes(
		attribute.String("message.id", msg.ID.String()),
		attribute.String("message.kind", msg.Kind),
	))
	defer span.End()

	attempts, ok, err := w.deps.Messages.MarkProcessing(ctx, msg.ID, w.deps.Clock.Now())
	if err != nil {
		return fmt.Errorf("dispatch worker: claim %s: %w", msg.ID, err)
	}
	if !ok {
		summary.Contended++
		return nil
	}
	msg.Attempts = attempts
	summary.Processed++

	logger := w.deps.Logger.With(
		zap.String("message_id", msg.ID.String()),
		zap.String("kind", msg.Kind),
		zap.Int("attempt", attempts),
	)

	if w.deps.Guard != nil {
		eligible, reason, err := w.deps.Guard.StillEligible(ctx, msg)
		if err != nil {
			logger.Warn("dispatch worker: eligibility check failed, sending anyway", zap.Error(err))
		} else if !eligible {
			return w.supersede(ctx, msg, reason, logger, summary)
		}
	}

	if *paced {
		if err := w.deps.Clock.Sleep(ctx, w.deps.Pacer.Delay(settings)); err != nil {
			return fmt.Errorf("dispatch worker: pacing: %w", err)
		}
	}
	*paced = true

	started := time.Now()
	result, recipient, sendErr := w.sendText(ctx, msg)
	if sendErr == nil && msg.Media != nil {
		if err := w.deps.Clock.Sleep(ctx, settings.MediaDelay); err != nil {
			return fmt.Errorf("dispatch worker: media delay: %w", err)
		}
		if _, err := w.sendMedia(ctx, recipient, *msg.Media); err != nil {
			logger.Warn("dispatch worker: media send failed after text", zap.Error(err))
		}
	}
	elapsed := time.Since(started)
	metrics.SendDuration.WithLabelValues(msg.Kind).Observe(elapsed.Seconds())

	now := w.deps.Clock.Now()
	attempt := domain.MessageAttempt{
		MessageID:  msg.ID,
		AttemptNum: attempts,
		Recipient:  recipient,
		Duration:   elapsed,
		CreatedAt:  now,
	}
	var next *time.Time

	switch {
	case sendErr == nil:
		var providerID *string
		if result.ProviderMessageID != "" {
			providerID = &result.ProviderMessageID
		}
		if err := w.settle(w.deps.Messages.MarkSent(ctx, msg.ID, providerID, now), msg.ID, logger); err != nil {
			return err
		}
		attempt.Outcome = domain.AttemptSent
		attempt.ProviderMessageID = result.ProviderMessageID
		summary.Sent++
		w.bumpStats(ctx, now, repository.StatsDelta{Sent: 1}, logger)
		logger.Info("message sent", zap.String("recipient", recipient))

	case attempts >= msg.MaxAttempts:
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "send failed permanently")
		if err := w.settle(w.deps.Messages.MarkFailed(ctx, msg.ID, sendErr.Error(), now), msg.ID, logger); err != nil {
			return err
		}
		attempt.Outcome = domain.AttemptFailed
		attempt.Error = sendErr.Error()
		summary.Failed++
		w.bumpStats(ctx, now, repository.StatsDelta{Failed: 1}, logger)
		logger.Warn("message failed permanently", zap.Error(sendErr))

	default:
		span.RecordError(sendErr)
		at := now.Add(Backoff(settings, attempts))
		next = &at
		if err := w.settle(w.deps.Messages.Reschedule(ctx, msg.ID, at, sendErr.Error()), msg.ID, logger); err != nil {
			return err
		}
		attempt.Outcome = domain.AttemptRetrying
		attempt.Error = sendErr.Error()
		summary.Retried++
		logger.Info("message rescheduled", zap.Time("next_attempt", at), zap.Error(sendErr))
	}

	w.record(ctx, msg, attempt, next, logger)
	return nil
}

// sendText tries every spelling of the recipient until the provider accepts
// one. Any error other than a recipient rejection stops the loop.
func (w *Worker) sendText(ctx context.Context, msg *domain.QueueMessage) (transport.SendResult, string, error) {
	candidates := phone.Variants(msg.Recipient)
	if len(candidates) == 0 {
		candidates = []string{msg.Recipient}
	}

	var lastErr error
	for _, candidate := range candidates {
		sctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		result, err := w.deps.Provider.SendText(sctx, candidate, msg.Body)
		cancel()
		if err == nil {
			return result, candidate, nil
		}
		lastErr = err
		if !errors.Is(err, transport.ErrRecipientRejected) {
			return transport.SendResult{}, candidate, err
		}
	}
	return transport.SendResult{}, candidates[0], lastErr
}

func (w *Worker) sendMedia(ctx context.Context, recipient string, media domain.Media) (transport.SendResult, error) {
	sctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()
	return w.deps.Provider.SendMedia(sctx, recipient, media)
}

func (w *Worker) supersede(ctx context.Context, msg *domain.QueueMessage, reason string, logger *zap.Logger, summary *BatchSummary) error {
	now := w.deps.Clock.Now()
	lastErr := "superseded"
	if reason != "" {
		lastErr = "superseded: " + reason
	}
	if err := w.settle(w.deps.Messages.MarkFailed(ctx, msg.ID, lastErr, now), msg.ID, logger); err != nil {
		return err
	}
	summary.Superseded++
	logger.Info("message superseded before send", zap.String("reason", reason))
	w.record(ctx, msg, domain.MessageAttempt{
		MessageID:  msg.ID,
		AttemptNum: msg.Attempts,
		Outcome:    domain.AttemptSuperseded,
		Recipient:  msg.Recipient,
		Error:      lastErr,
		CreatedAt:  now,
	}, nil, logger)
	return nil
}

// settle tolerates a lost race on the final status write and aborts the run
// on any other persistence error.
func (w *Worker) settle(err error, id uuid.UUID, logger *zap.Logger) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrConflict) {
		logger.Warn("dispatch worker: row changed under the worker", zap.Error(err))
		return nil
	}
	return fmt.Errorf("dispatch worker: update %s: %w", id, err)
}

func (w *Worker) bumpStats(ctx context.Context, at time.Time, delta repository.StatsDelta, logger *zap.Logger) {
	if err := w.deps.Stats.Increment(ctx, at, delta); err != nil {
		logger.Warn("dispatch worker: update daily stats", zap.Error(err))
	}
}

// record writes the audit trail and the outcome event. Both are best effort.
func (w *Worker) record(ctx context.Context, msg *domain.QueueMessage, attempt domain.MessageAttempt, next *time.Time, logger *zap.Logger) {
	metrics.SendOutcomes.WithLabelValues(msg.Kind, string(attempt.Outcome)).Inc()

	if w.deps.Attempts != nil {
		if err := w.deps.Attempts.AppendAttempt(ctx, attempt); err != nil {
			logger.Warn("dispatch worker: append attempt", zap.Error(err))
		}
	}
	if w.deps.Events != nil {
		evt := queue.DispatchEvent{
			MessageID:         msg.ID,
			Kind:              msg.Kind,
			Recipient:         attempt.Recipient,
			Outcome:           string(attempt.Outcome),
			Attempt:           attempt.AttemptNum,
			MaxAttempts:       msg.MaxAttempts,
			ProviderMessageID: attempt.ProviderMessageID,
			Error:             attempt.Error,
			DurationMs:        attempt.Duration.Milliseconds(),
			NextAttempt:       next,
			Metadata:          msg.Metadata,
			OccurredAt:        attempt.CreatedAt,
		}
		if err := w.deps.Events.PublishDispatch(ctx, evt); err != nil {
			logger.Warn("dispatch worker: publish event", zap.Error(err))
		}
	}
}

func (w *Worker) skip(span trace.Span, summary BatchSummary, reason SkipReason) BatchSummary {
	summary.Skipped = true
	summary.Reason = reason
	span.SetAttributes(attribute.String("dispatch.skip_reason", string(reason)))
	metrics.BatchSkips.WithLabelValues(string(reason)).Inc()
	w.deps.Logger.Debug("dispatch batch skipped", zap.String("reason", string(reason)))
	return summary
}

func (w *Worker) fail(span trace.Span, summary BatchSummary, err error) (BatchSummary, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return summary, err
}
