package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStatusNeverRegresses(t *testing.T) {
	all := []MessageStatus{MessageStatusPending, MessageStatusProcessing, MessageStatusSent, MessageStatusFailed}
	for _, terminal := range []MessageStatus{MessageStatusSent, MessageStatusFailed} {
		for _, next := range all {
			msg := &QueueMessage{ID: uuid.New(), Status: terminal}
			err := msg.TransitionTo(next)
			require.ErrorIs(t, err, ErrInvalidTransition)
			require.Equal(t, terminal, msg.Status)
		}
	}
}

func TestMessageStatusForwardPath(t *testing.T) {
	msg := &QueueMessage{ID: uuid.New(), Status: MessageStatusPending}
	require.NoError(t, msg.TransitionTo(MessageStatusProcessing))
	require.NoError(t, msg.TransitionTo(MessageStatusPending))
	require.ErrorIs(t, msg.TransitionTo(MessageStatusSent), ErrInvalidTransition)
	require.NoError(t, msg.TransitionTo(MessageStatusProcessing))
	require.NoError(t, msg.TransitionTo(MessageStatusSent))
	assert.True(t, msg.Status.Terminal())
}

func TestInWindow(t *testing.T) {
	s := RateLimitSettings{EnforceWindow: true, WindowStart: 8 * 60, WindowEnd: 20 * 60, TimeZone: "UTC"}
	assert.True(t, s.InWindow(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)))
	assert.True(t, s.InWindow(time.Date(2024, 1, 1, 19, 59, 0, 0, time.UTC)))
	assert.False(t, s.InWindow(time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)))
	assert.False(t, s.InWindow(time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)))

	night := RateLimitSettings{EnforceWindow: true, WindowStart: 22 * 60, WindowEnd: 2 * 60, TimeZone: "UTC"}
	assert.True(t, night.InWindow(time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)))
	assert.True(t, night.InWindow(time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)))
	assert.False(t, night.InWindow(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)))

	s.EnforceWindow = false
	assert.True(t, s.InWindow(time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)))
}

func TestInWindowUsesTimeZone(t *testing.T) {
	s := RateLimitSettings{EnforceWindow: true, WindowStart: 8 * 60, WindowEnd: 20 * 60, TimeZone: "America/Sao_Paulo"}
	// 10:00 UTC is 07:00 in Sao Paulo.
	assert.False(t, s.InWindow(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)))
	assert.True(t, s.InWindow(time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)))
}

func TestRecordResponse(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	c := &DeliveryConfirmation{ID: uuid.New(), Attempts: 1, MaxAttempts: 3}
	require.NoError(t, c.RecordResponse(ResponseInvalid, "talvez", at))
	assert.False(t, c.ResponseReceived)
	assert.Equal(t, ConfirmationAwaiting, c.State())
	assert.Equal(t, "talvez", *c.ResponseText)

	require.NoError(t, c.RecordResponse(ResponseConfirmed, "sim", at))
	assert.True(t, c.ResponseReceived)
	assert.Equal(t, ConfirmationResponded, c.State())

	require.ErrorIs(t, c.RecordResponse(ResponseNotReceived, "nao", at), ErrInvalidTransition)

	exhausted := &DeliveryConfirmation{Attempts: 3, MaxAttempts: 3}
	assert.Equal(t, ConfirmationExhausted, exhausted.State())
}

func TestAlertTransitions(t *testing.T) {
	a := &StallAlert{ID: uuid.New(), Status: AlertPending}
	require.NoError(t, a.TransitionTo(AlertSent))
	require.ErrorIs(t, a.TransitionTo(AlertFailed), ErrInvalidTransition)
	require.NoError(t, a.TransitionTo(AlertResolved))
	assert.Less(t, TierWarning.Rank(), TierCritical.Rank())
	assert.Less(t, TierCritical.Rank(), TierEscalation.Rank())
}
