// Package concurrency keeps a periodic job from running on two instances at
// the same time.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RunLock is a Redis backed mutual exclusion lock keyed by job name.
type RunLock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRunLock constructs a lock. A zero ttl defaults to five minutes.
func NewRunLock(client redis.UniversalClient, prefix string, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if prefix == "" {
		prefix = "orderdispatch:lock"
	}
	return &RunLock{client: client, prefix: prefix, ttl: ttl}
}

// Lease is a held lock. Release it when the run ends.
type Lease struct {
	lock  *RunLock
	key   string
	token string
}

// Acquire tries to take the lock for name. It returns (nil, nil) when another
// holder owns it.
func (l *RunLock) Acquire(ctx context.Context, name string) (*Lease, error) {
	key := l.key(name)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("run lock acquire %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{lock: l, key: key, token: token}, nil
}

// Extend pushes the expiry out by the lock ttl. It fails when the lease was
// lost to expiry.
func (s *Lease) Extend(ctx context.Context) error {
	res, err := extendScript.Run(ctx, s.lock.client, []string{s.key}, s.token, s.lock.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("run lock extend: %w", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release drops the lock if this lease still owns it.
func (s *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, s.lock.client, []string{s.key}, s.token).Int(); err != nil {
		return fmt.Errorf("run lock release: %w", err)
	}
	return nil
}

// ErrLeaseLost reports that the lock expired and may be held by someone else.
var ErrLeaseLost = errors.New("run lock: lease lost")

func (l *RunLock) key(name string) string {
	return fmt.Sprintf("%s:%s", l.prefix, name)
}

// TryLock acquires the lock for name and returns its release func. A nil
// func means the lock is busy.
func (l *RunLock) TryLock(ctx context.Context, name string) (func(context.Context) error, error) {
	lease, err := l.Acquire(ctx, name)
	if err != nil || lease == nil {
		return nil, err
	}
	return lease.Release, nil
}
