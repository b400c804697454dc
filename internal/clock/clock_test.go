package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeSleepAdvancesTime(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	require.NoError(t, fake.Sleep(context.Background(), 3*time.Second))
	require.NoError(t, fake.Sleep(context.Background(), 0))

	require.Equal(t, start.Add(3*time.Second), fake.Now())
	require.Equal(t, []time.Duration{3 * time.Second, 0}, fake.Sleeps())
}

func TestRealSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Real{}.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
