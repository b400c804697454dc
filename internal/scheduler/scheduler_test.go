package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/order-dispatch/pkg/errors"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
	err      error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) TryLock(_ context.Context, name string) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if l.held[name] {
		return nil, nil
	}
	l.held[name] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
		l.released = append(l.released, name)
		return nil
	}, nil
}

func TestRunOnceReturnsOutput(t *testing.T) {
	locker := newFakeLocker()
	s := New([]Job{{
		Name: "dispatch",
		Run:  func(context.Context) (any, error) { return map[string]int{"sent": 3}, nil },
	}}, locker, nil)

	res, err := s.RunOnce(context.Background(), "dispatch")
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, map[string]int{"sent": 3}, res.Output)
	assert.Equal(t, []string{"dispatch"}, locker.released)
}

func TestRunOnceUnknownJob(t *testing.T) {
	s := New(nil, nil, nil)
	_, err := s.RunOnce(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRunOnceSkipsWhenLocked(t *testing.T) {
	locker := newFakeLocker()
	locker.held["stall"] = true
	var calls int32
	s := New([]Job{{
		Name: "stall",
		Run: func(context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	}}, locker, nil)

	res, err := s.RunOnce(context.Background(), "stall")
	assert.ErrorIs(t, err, apperrors.ErrLocked)
	assert.True(t, res.Skipped)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestRunOnceJobErrorReleasesLock(t *testing.T) {
	locker := newFakeLocker()
	s := New([]Job{{
		Name: "debounce",
		Run:  func(context.Context) (any, error) { return nil, errors.New("boom") },
	}}, locker, nil)

	res, err := s.RunOnce(context.Background(), "debounce")
	require.Error(t, err)
	assert.Equal(t, "boom", res.Error)
	assert.Equal(t, []string{"debounce"}, locker.released)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	var ticks, manual int32
	s := New([]Job{
		{
			Name:     "fast",
			Interval: 5 * time.Millisecond,
			Run: func(context.Context) (any, error) {
				atomic.AddInt32(&ticks, 1)
				return nil, nil
			},
		},
		{
			Name: "manual",
			Run: func(context.Context) (any, error) {
				atomic.AddInt32(&manual, 1)
				return nil, nil
			},
		},
	}, newFakeLocker(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&ticks) >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Zero(t, atomic.LoadInt32(&manual))
	assert.Equal(t, []string{"fast", "manual"}, s.Jobs())
}
