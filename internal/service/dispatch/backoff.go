package dispatch

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/acme/order-dispatch/internal/domain"
)

const (
	defaultRetryBase  = time.Minute
	defaultMultiplier = 2.0
)

// Backoff returns the delay before the next attempt once attempts sends have
// failed: base * multiplier^(attempts-1), capped at the retry max delay.
func Backoff(s domain.RateLimitSettings, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := s.RetryBaseDelay
	if base <= 0 {
		base = defaultRetryBase
	}
	mult := s.RetryMultiplier
	if mult < 1 {
		mult = defaultMultiplier
	}

	delay := float64(base) * math.Pow(mult, float64(attempts-1))
	if s.RetryMaxDelay > 0 && delay > float64(s.RetryMaxDelay) {
		return s.RetryMaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Pacer draws the randomized gap between two sends of a batch.
type Pacer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPacer builds a pacer. A nil rng uses a randomly seeded source.
func NewPacer(rng *rand.Rand) *Pacer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Pacer{rng: rng}
}

// Delay returns uniform[min,max] + uniform[0,jitter]. A max below min is
// treated as min.
func (p *Pacer) Delay(s domain.RateLimitSettings) time.Duration {
	lo, hi := s.MinDelay, s.MaxDelay
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d := lo
	if hi > lo {
		d += time.Duration(p.rng.Int64N(int64(hi-lo) + 1))
	}
	if s.Jitter > 0 {
		d += time.Duration(p.rng.Int64N(int64(s.Jitter) + 1))
	}
	return d
}
