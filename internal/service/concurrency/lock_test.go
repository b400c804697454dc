package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLock(t *testing.T, ttl time.Duration) (*RunLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRunLock(client, "test:lock", ttl), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	lock, mr := newLock(t, time.Minute)
	ctx := context.Background()

	first, err := lock.Acquire(ctx, "dispatch")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.True(t, mr.Exists("test:lock:dispatch"))

	second, err := lock.Acquire(ctx, "dispatch")
	require.NoError(t, err)
	assert.Nil(t, second)

	other, err := lock.Acquire(ctx, "stall")
	require.NoError(t, err)
	assert.NotNil(t, other)

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists("test:lock:dispatch"))

	again, err := lock.Acquire(ctx, "dispatch")
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestExpiredLeaseDoesNotReleaseNewHolder(t *testing.T) {
	lock, mr := newLock(t, time.Second)
	ctx := context.Background()

	stale, err := lock.Acquire(ctx, "dispatch")
	require.NoError(t, err)
	require.NotNil(t, stale)

	mr.FastForward(2 * time.Second)

	fresh, err := lock.Acquire(ctx, "dispatch")
	require.NoError(t, err)
	require.NotNil(t, fresh)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("test:lock:dispatch"))
	assert.ErrorIs(t, stale.Extend(ctx), ErrLeaseLost)

	require.NoError(t, fresh.Extend(ctx))
	assert.Equal(t, time.Second, mr.TTL("test:lock:dispatch"))
}

func TestTryLock(t *testing.T) {
	lock, _ := newLock(t, time.Minute)
	ctx := context.Background()

	unlock, err := lock.TryLock(ctx, "debounce")
	require.NoError(t, err)
	require.NotNil(t, unlock)

	busy, err := lock.TryLock(ctx, "debounce")
	require.NoError(t, err)
	assert.Nil(t, busy)

	require.NoError(t, unlock(ctx))
	unlock, err = lock.TryLock(ctx, "debounce")
	require.NoError(t, err)
	assert.NotNil(t, unlock)
}
