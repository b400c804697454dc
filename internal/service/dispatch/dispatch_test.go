package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/order-dispatch/internal/clock"
	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/queue"
	"github.com/acme/order-dispatch/internal/repository"
	"github.com/acme/order-dispatch/internal/repository/memory"
	"github.com/acme/order-dispatch/internal/transport"
	"github.com/acme/order-dispatch/internal/transport/mock"
	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

// 11:00 in São Paulo.
var monday = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func testSettings() domain.RateLimitSettings {
	return domain.RateLimitSettings{
		MinDelay:           5 * time.Second,
		MaxDelay:           15 * time.Second,
		Jitter:             3 * time.Second,
		PerMinute:          15,
		PerHour:            200,
		WindowStart:        8 * 60,
		WindowEnd:          20 * 60,
		TimeZone:           "America/Sao_Paulo",
		EnforceWindow:      true,
		QueueOutsideWindow: true,
		RetryBaseDelay:     time.Minute,
		RetryMultiplier:    2,
		RetryMaxDelay:      6 * time.Hour,
		MediaDelay:         2 * time.Second,
	}
}

type fixture struct {
	messages *memory.MessageRepository
	stats    *memory.StatsRepository
	attempts *memory.AttemptStore
	provider *mock.Provider
	clock    *clock.Fake
	events   *eventRecorder
	svc      *Service
	worker   *Worker
}

type eventRecorder struct {
	events []queue.DispatchEvent
}

func (r *eventRecorder) PublishDispatch(_ context.Context, evt queue.DispatchEvent) error {
	r.events = append(r.events, evt)
	return nil
}

type guardFunc func(msg *domain.QueueMessage) (bool, string, error)

func (g guardFunc) StillEligible(_ context.Context, msg *domain.QueueMessage) (bool, string, error) {
	return g(msg)
}

func newFixture(t *testing.T, settings domain.RateLimitSettings, guard Guard) *fixture {
	t.Helper()
	f := &fixture{
		messages: memory.NewMessageRepository(),
		stats:    memory.NewStatsRepository(),
		attempts: memory.NewAttemptStore(),
		provider: mock.NewProvider(1),
		clock:    clock.NewFake(monday),
		events:   &eventRecorder{},
	}
	source := NewSettingsSource(&memory.SettingsRepository{Settings: &settings}, settings, nil)
	f.svc = NewService(f.messages, f.stats, f.attempts, source, f.clock, Defaults{Priority: 5, MaxAttempts: 3}, nil)
	f.worker = NewWorker(WorkerDeps{
		Messages: f.messages,
		Stats:    f.stats,
		Attempts: f.attempts,
		Settings: source,
		Provider: f.provider,
		Guard:    guard,
		Events:   f.events,
		Clock:    f.clock,
		Pacer:    NewPacer(rand.New(rand.NewPCG(1, 2))),
	}, WorkerConfig{BatchSize: 10, SendTimeout: time.Second, StaleAfter: 10 * time.Minute})
	return f
}

func (f *fixture) enqueue(t *testing.T, in EnqueueInput) uuid.UUID {
	t.Helper()
	if in.Recipient == "" {
		in.Recipient = "(11) 98765-4321"
	}
	if in.Body == "" {
		in.Body = "Seu pedido saiu para entrega"
	}
	id, err := f.svc.Enqueue(context.Background(), in)
	require.NoError(t, err)
	return id
}

func intPtr(v int) *int { return &v }

func TestEnqueueAppliesDefaults(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	id := f.enqueue(t, EnqueueInput{Recipient: "+55 (11) 8765-4321"})

	msg, err := f.messages.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "5511987654321", msg.Recipient)
	assert.Equal(t, domain.MessageStatusPending, msg.Status)
	assert.Equal(t, 0, msg.Attempts)
	assert.Equal(t, 3, msg.MaxAttempts)
	assert.Equal(t, 5, msg.Priority)
	assert.Equal(t, domain.KindNotification, msg.Kind)
	assert.Equal(t, monday, msg.ScheduledAt)

	stats, err := f.stats.Get(context.Background(), monday)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Queued)
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	ctx := context.Background()

	cases := map[string]EnqueueInput{
		"missing recipient":  {Body: "hi"},
		"missing body":       {Recipient: "11987654321"},
		"priority too high":  {Recipient: "11987654321", Body: "hi", Priority: intPtr(11)},
		"zero max attempts":  {Recipient: "11987654321", Body: "hi", MaxAttempts: intPtr(0)},
		"no digits":          {Recipient: "n/a", Body: "hi"},
		"media without data": {Recipient: "11987654321", Body: "hi", Media: &domain.Media{Filename: "a.pdf"}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Enqueue(ctx, in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrValidation))
		})
	}
}

func TestEnqueueOutsideWindowRejectedWhenNotQueueing(t *testing.T) {
	settings := testSettings()
	settings.QueueOutsideWindow = false
	f := newFixture(t, settings, nil)
	// 23:30 in São Paulo
	f.clock.Set(time.Date(2026, 3, 3, 2, 30, 0, 0, time.UTC))

	_, err := f.svc.Enqueue(context.Background(), EnqueueInput{Recipient: "11987654321", Body: "hi"})
	require.ErrorIs(t, err, apperrors.ErrOutsideWindow)
}

func TestRunBatchSendsByPriorityWithPacing(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	low := f.enqueue(t, EnqueueInput{Recipient: "11911110001", Priority: intPtr(5)})
	high := f.enqueue(t, EnqueueInput{Recipient: "11911110002", Priority: intPtr(1)})
	mid := f.enqueue(t, EnqueueInput{Recipient: "11911110003", Priority: intPtr(3)})

	summary, err := f.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Skipped)
	assert.Equal(t, 3, summary.Sent)

	calls := f.provider.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "5511911110002", calls[0].Phone)
	assert.Equal(t, "5511911110003", calls[1].Phone)
	assert.Equal(t, "5511911110001", calls[2].Phone)

	// one gap between each pair of sends, none after the last
	sleeps := f.clock.Sleeps()
	require.Len(t, sleeps, 2)
	for _, d := range sleeps {
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 18*time.Second)
	}

	for _, id := range []uuid.UUID{low, high, mid} {
		msg, err := f.messages.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.MessageStatusSent, msg.Status)
		assert.Nil(t, msg.LastError)
		require.NotNil(t, msg.ProviderMessageID)
	}

	stats, err := f.stats.Get(context.Background(), monday)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Sent)
	assert.Len(t, f.events.events, 3)
}

func TestRunBatchRetriesWithBackoffUntilFailed(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	f.provider.TextFunc = func(string, string) error { return errors.New("provider timeout") }
	id := f.enqueue(t, EnqueueInput{MaxAttempts: intPtr(3)})
	ctx := context.Background()

	var previous time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		_, err := f.worker.RunBatch(ctx)
		require.NoError(t, err)

		msg, err := f.messages.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attempt, msg.Attempts)
		require.NotNil(t, msg.LastError)
		assert.Equal(t, "provider timeout", *msg.LastError)

		if attempt < 3 {
			assert.Equal(t, domain.MessageStatusPending, msg.Status)
			assert.True(t, msg.ScheduledAt.After(previous), "eligible time must increase")
			assert.Equal(t, Backoff(testSettings(), attempt), msg.ScheduledAt.Sub(f.clock.Now()))
			previous = msg.ScheduledAt
			f.clock.Set(msg.ScheduledAt)
		} else {
			assert.Equal(t, domain.MessageStatusFailed, msg.Status)
		}
	}

	assert.Len(t, f.provider.Calls(), 3)

	summary, err := f.worker.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, SkipNoPending, summary.Reason)
	assert.Len(t, f.provider.Calls(), 3)

	attempts, _, err := f.attempts.ListAttempts(ctx, id, 10, nil)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, domain.AttemptRetrying, attempts[0].Outcome)
	assert.Equal(t, domain.AttemptFailed, attempts[2].Outcome)
}

func TestRunBatchRateLimitedMinuteLeavesRowsUntouched(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	ctx := context.Background()
	sentAt := monday.Add(-30 * time.Second)
	for i := 0; i < 15; i++ {
		require.NoError(t, f.messages.Create(ctx, &domain.QueueMessage{
			ID:          uuid.New(),
			Recipient:   "5511900000000",
			Body:        "x",
			Status:      domain.MessageStatusSent,
			MaxAttempts: 3,
			SentAt:      &sentAt,
		}))
	}
	id := f.enqueue(t, EnqueueInput{})

	summary, err := f.worker.RunBatch(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Skipped)
	assert.Equal(t, SkipRateLimitedMinute, summary.Reason)
	assert.Empty(t, f.provider.Calls())

	msg, err := f.messages.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, msg.Status)
	assert.Equal(t, 0, msg.Attempts)
}

func TestRunBatchCapsBatchAtRemainingBudget(t *testing.T) {
	settings := testSettings()
	settings.PerMinute = 2
	f := newFixture(t, settings, nil)
	for i := 0; i < 4; i++ {
		f.enqueue(t, EnqueueInput{})
	}

	summary, err := f.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Selected)
	assert.Equal(t, 2, summary.Sent)
}

func TestRunBatchOutsideWindow(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	id := f.enqueue(t, EnqueueInput{})
	f.clock.Set(time.Date(2026, 3, 3, 2, 30, 0, 0, time.UTC))

	summary, err := f.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkipOutsideWindow, summary.Reason)

	msg, err := f.messages.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, msg.Status)
}

func TestRunBatchMediaFailureKeepsTextSent(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	f.provider.MediaFunc = func(string, domain.Media) error { return errors.New("media rejected") }
	id := f.enqueue(t, EnqueueInput{Media: &domain.Media{Base64: "aGVsbG8=", Filename: "nota.pdf", MimeType: "application/pdf"}})

	summary, err := f.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	calls := f.provider.Calls()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0].Media)
	require.NotNil(t, calls[1].Media)
	assert.Equal(t, []time.Duration{2 * time.Second}, f.clock.Sleeps())

	msg, err := f.messages.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSent, msg.Status)
}

func TestRunBatchFallsBackToAlternateSpelling(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	f.provider.TextFunc = func(phone, _ string) error {
		if phone == "5511987654321" {
			return transport.ErrRecipientRejected
		}
		return nil
	}
	id := f.enqueue(t, EnqueueInput{Recipient: "11987654321"})

	summary, err := f.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)

	attempts, _, err := f.attempts.ListAttempts(context.Background(), id, 10, nil)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "551187654321", attempts[0].Recipient)
}

func TestRunBatchTransportUnavailable(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	f.provider.ReadyErr = errors.New("instance disconnected")
	id := f.enqueue(t, EnqueueInput{})

	summary, err := f.worker.RunBatch(context.Background())
	require.ErrorIs(t, err, apperrors.ErrUnavailable)
	assert.Equal(t, SkipTransportUnavailable, summary.Reason)

	msg, err := f.messages.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusPending, msg.Status)
	assert.Equal(t, 0, msg.Attempts)
}

func TestRunBatchGuardSupersedesMessage(t *testing.T) {
	guard := guardFunc(func(msg *domain.QueueMessage) (bool, string, error) {
		return msg.Kind != domain.KindConfirmationFollowUp, "order completed", nil
	})
	f := newFixture(t, testSettings(), guard)
	stale := f.enqueue(t, EnqueueInput{Kind: domain.KindConfirmationFollowUp})
	fresh := f.enqueue(t, EnqueueInput{Kind: domain.KindNotification})

	summary, err := f.worker.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Superseded)
	assert.Equal(t, 1, summary.Sent)
	require.Len(t, f.provider.Calls(), 1)
	// the skipped message does not cost a pacing gap
	assert.Empty(t, f.clock.Sleeps())

	msg, err := f.messages.Get(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusFailed, msg.Status)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, "superseded: order completed", *msg.LastError)

	msg, err = f.messages.Get(context.Background(), fresh)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSent, msg.Status)
}

func TestRunBatchRequeuesStaleProcessingRows(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	ctx := context.Background()
	claimedAt := monday.Add(-time.Hour)
	id := uuid.New()
	require.NoError(t, f.messages.Create(ctx, &domain.QueueMessage{
		ID:            id,
		Recipient:     "5511987654321",
		Body:          "x",
		Kind:          domain.KindNotification,
		Status:        domain.MessageStatusProcessing,
		Attempts:      1,
		MaxAttempts:   3,
		ScheduledAt:   claimedAt,
		LastAttemptAt: &claimedAt,
	}))

	summary, err := f.worker.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Requeued)
	assert.Equal(t, 1, summary.Sent)

	msg, err := f.messages.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSent, msg.Status)
	assert.Equal(t, 2, msg.Attempts)
}

func TestSettingsSourceFallsBack(t *testing.T) {
	fallback := testSettings()
	fallback.PerMinute = 3

	source := NewSettingsSource(&memory.SettingsRepository{Err: errors.New("db down")}, fallback, nil)
	assert.Equal(t, 3, source.Load(context.Background()).PerMinute)

	source = NewSettingsSource(&memory.SettingsRepository{}, fallback, nil)
	assert.Equal(t, 3, source.Load(context.Background()).PerMinute)

	stored := testSettings()
	stored.PerMinute = 9
	source = NewSettingsSource(&memory.SettingsRepository{Settings: &stored}, fallback, nil)
	assert.Equal(t, 9, source.Load(context.Background()).PerMinute)
}

func TestBackoff(t *testing.T) {
	s := testSettings()
	assert.Equal(t, time.Minute, Backoff(s, 1))
	assert.Equal(t, 2*time.Minute, Backoff(s, 2))
	assert.Equal(t, 4*time.Minute, Backoff(s, 3))
	assert.Equal(t, 6*time.Hour, Backoff(s, 30))

	assert.Equal(t, time.Minute, Backoff(domain.RateLimitSettings{}, 0))
}

func TestPacerDelayBounds(t *testing.T) {
	p := NewPacer(rand.New(rand.NewPCG(7, 7)))
	s := testSettings()
	for i := 0; i < 200; i++ {
		d := p.Delay(s)
		assert.GreaterOrEqual(t, d, s.MinDelay)
		assert.LessOrEqual(t, d, s.MaxDelay+s.Jitter)
	}

	s.MaxDelay = time.Second
	s.Jitter = 0
	assert.Equal(t, s.MinDelay, p.Delay(s))
}

func TestServiceListRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t, testSettings(), nil)
	status := domain.MessageStatus("archived")
	_, err := f.svc.List(context.Background(), repository.MessageFilter{Status: &status})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}
