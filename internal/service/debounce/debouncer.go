// Package debounce collapses bursts of inbound fragments from one sender
// into a single message before a reply is generated.
package debounce

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/order-dispatch/internal/clock"
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/metrics"
	"github.com/acme/order-dispatch/internal/phone"
	"github.com/acme/order-dispatch/internal/replygen"
	"github.com/acme/order-dispatch/internal/repository"
	"github.com/acme/order-dispatch/internal/service/dispatch"
	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

// shortFragmentRunes is the length at or below which a lone fragment is
// treated as a stray keystroke unless it is a greeting.
const shortFragmentRunes = 2

// Generator produces replies for combined messages.
type Generator interface {
	Generate(ctx context.Context, in replygen.Request) (replygen.Result, error)
}

// Enqueuer accepts outbound messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, in dispatch.EnqueueInput) (uuid.UUID, error)
}

// Config tunes the debouncer.
type Config struct {
	Window        time.Duration
	BatchSize     int
	Greetings     []string
	ReplyPriority int
}

// Debouncer buffers fragments and hands complete messages to the generator.
type Debouncer struct {
	replies   repository.PendingReplyRepository
	generator Generator
	queue     Enqueuer
	clock     clock.Clock
	cfg       Config
	greetings map[string]struct{}
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewDebouncer builds a debouncer.
func NewDebouncer(
	replies repository.PendingReplyRepository,
	generator Generator,
	queue Enqueuer,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Debouncer {
	if cfg.Window <= 0 {
		cfg.Window = 20 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ReplyPriority < 0 || cfg.ReplyPriority > 10 {
		cfg.ReplyPriority = 2
	}
	if generator == nil {
		generator = replygen.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	greetings := make(map[string]struct{}, len(cfg.Greetings))
	for _, g := range cfg.Greetings {
		greetings[normalizeToken(g)] = struct{}{}
	}
	return &Debouncer{
		replies:   replies,
		generator: generator,
		queue:     queue,
		clock:     clk,
		cfg:       cfg,
		greetings: greetings,
		logger:    logger,
		tracer:    otel.Tracer("orderdispatch.debounce"),
	}
}

// Inbound is one fragment received from a sender.
type Inbound struct {
	SenderPhone    string
	Text           string
	SourceID       string
	HasMedia       bool
	MediaType      string
	CounterpartyID *string
	ContactType    string
	ReceivedAt     time.Time
}

// Ingest buffers the fragment and pushes the processing time of the sender's
// open batch to now plus the window.
func (d *Debouncer) Ingest(ctx context.Context, in Inbound) (*domain.PendingReply, error) {
	sender := phone.Canonicalize(in.SenderPhone)
	if sender == "" {
		return nil, fmt.Errorf("%w: sender phone is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(in.Text) == "" && !in.HasMedia {
		return nil, fmt.Errorf("%w: fragment has no content", apperrors.ErrValidation)
	}

	now := d.clock.Now()
	received := in.ReceivedAt
	if received.IsZero() {
		received = now
	}
	row, err := d.replies.AppendFragment(ctx, repository.AppendFragmentInput{
		SenderPhone:    sender,
		CounterpartyID: in.CounterpartyID,
		ContactType:    in.ContactType,
		Fragment: domain.Fragment{
			Text:       in.Text,
			ReceivedAt: received.UTC(),
			HasMedia:   in.HasMedia,
			MediaType:  in.MediaType,
		},
		SourceID:   in.SourceID,
		ScheduleAt: now.Add(d.cfg.Window),
	})
	if err != nil {
		return nil, fmt.Errorf("debouncer: append fragment: %w", err)
	}
	d.logger.Debug("inbound fragment buffered",
		zap.String("pending_reply_id", row.ID.String()),
		zap.Int("fragments", len(row.Fragments)),
	)
	return row, nil
}

// RunSummary reports one debounce run.
type RunSummary struct {
	Claimed   int `json:"claimed"`
	Dropped   int `json:"dropped"`
	Generated int `json:"generated"`
	Forwarded int `json:"forwarded"`
	NoReply   int `json:"no_reply"`
	Errors    int `json:"errors"`
}

// Run processes every batch whose quiet period has ended. Rows are claimed
// before processing, so each batch is handled at most once even when the
// generator or the queue fails.
func (d *Debouncer) Run(ctx context.Context) (RunSummary, error) {
	ctx, span := d.tracer.Start(ctx, "debounce.run")
	defer span.End()

	var summary RunSummary
	rows, err := d.replies.ClaimDue(ctx, d.clock.Now(), d.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return summary, fmt.Errorf("debouncer: claim due: %w", err)
	}
	summary.Claimed = len(rows)

	for _, row := range rows {
		result := d.process(ctx, row)
		metrics.DebouncedReplies.WithLabelValues(result).Inc()
		switch result {
		case "dropped":
			summary.Dropped++
		case "forwarded":
			summary.Generated++
			summary.Forwarded++
		case "generated":
			summary.Generated++
		case "no_reply":
			summary.NoReply++
		default:
			summary.Errors++
		}
	}

	span.SetAttributes(attribute.Int("debounce.claimed", summary.Claimed))
	if summary.Claimed > 0 {
		d.logger.Info("debounce run finished",
			zap.Int("claimed", summary.Claimed),
			zap.Int("forwarded", summary.Forwarded),
			zap.Int("dropped", summary.Dropped),
		)
	}
	return summary, nil
}

func (d *Debouncer) process(ctx context.Context, row *domain.PendingReply) string {
	logger := d.logger.With(
		zap.String("pending_reply_id", row.ID.String()),
		zap.Int("fragments", len(row.Fragments)),
	)

	combined := Combine(row.Fragments)
	if combined == "" || d.isStray(row.Fragments) {
		logger.Debug("debounced batch dropped")
		return "dropped"
	}

	res, err := d.generator.Generate(ctx, replygen.Request{
		CombinedText:   combined,
		SenderPhone:    row.SenderPhone,
		CounterpartyID: row.CounterpartyID,
		ContactType:    row.ContactType,
	})
	if err != nil {
		logger.Error("debouncer: generate reply", zap.Error(err))
		return "error"
	}
	if !res.Generated || res.ReplyText == "" {
		return "no_reply"
	}
	if res.AlreadySent {
		return "generated"
	}

	priority := d.cfg.ReplyPriority
	meta := map[string]any{"pending_reply_id": row.ID.String()}
	if len(row.SourceIDs) > 0 {
		meta[domain.MetaLogID] = row.SourceIDs[len(row.SourceIDs)-1]
	}
	if _, err := d.queue.Enqueue(ctx, dispatch.EnqueueInput{
		Recipient: row.SenderPhone,
		Kind:      domain.KindAutoReply,
		Body:      res.ReplyText,
		Priority:  &priority,
		Metadata:  meta,
	}); err != nil {
		logger.Error("debouncer: enqueue reply", zap.Error(err))
		return "error"
	}
	return "forwarded"
}

// isStray reports a lone fragment of at most two characters that is not a
// greeting.
func (d *Debouncer) isStray(fragments []domain.Fragment) bool {
	if len(fragments) != 1 || fragments[0].HasMedia {
		return false
	}
	text := strings.TrimSpace(fragments[0].Text)
	if utf8.RuneCountInString(text) > shortFragmentRunes {
		return false
	}
	_, greeting := d.greetings[normalizeToken(text)]
	return !greeting
}

// Combine joins fragment texts in arrival order, skipping empty ones.
// Media-only fragments contribute a [media:<type>] marker.
func Combine(fragments []domain.Fragment) string {
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		text := strings.TrimSpace(f.Text)
		if text == "" && f.HasMedia {
			kind := f.MediaType
			if kind == "" {
				kind = "file"
			}
			text = "[media:" + kind + "]"
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ' '
	})
}
