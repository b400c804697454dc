// Package mock provides a scriptable transport used in development and tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/order-dispatch/internal/domain"
	"github.com/acme/order-dispatch/internal/transport"
)

// Call records one invocation of the provider.
type Call struct {
	Phone string
	Text  string
	Media *domain.Media
}

// Provider simulates a messaging provider. With no script installed every
// send succeeds with probability SuccessRate.
type Provider struct {
	mu          sync.Mutex
	successRate float64
	rng         *rand.Rand
	calls       []Call
	seq         int

	// TextFunc, when set, decides the outcome of each text send.
	TextFunc func(phone, text string) error
	// MediaFunc, when set, decides the outcome of each media send.
	MediaFunc func(phone string, media domain.Media) error
	// ReadyErr is returned by Ready.
	ReadyErr error
}

// NewProvider constructs a mock provider.
func NewProvider(successRate float64) *Provider {
	if successRate <= 0 || successRate > 1 {
		successRate = 1
	}
	return &Provider{
		successRate: successRate,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SendText records the call and returns the scripted outcome.
func (p *Provider) SendText(ctx context.Context, phone, text string) (transport.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return transport.SendResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{Phone: phone, Text: text})
	if err := p.outcome(func() error {
		if p.TextFunc != nil {
			return p.TextFunc(phone, text)
		}
		return nil
	}); err != nil {
		return transport.SendResult{}, err
	}
	return p.result(), nil
}

// SendMedia records the call and returns the scripted outcome.
func (p *Provider) SendMedia(ctx context.Context, phone string, media domain.Media) (transport.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return transport.SendResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m := media
	p.calls = append(p.calls, Call{Phone: phone, Media: &m})
	if err := p.outcome(func() error {
		if p.MediaFunc != nil {
			return p.MediaFunc(phone, media)
		}
		return nil
	}); err != nil {
		return transport.SendResult{}, err
	}
	return p.result(), nil
}

// Ready reports ReadyErr.
func (p *Provider) Ready(context.Context) error {
	return p.ReadyErr
}

// Calls returns every recorded call in order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *Provider) outcome(script func() error) error {
	if err := script(); err != nil {
		return err
	}
	if p.successRate < 1 && p.rng.Float64() > p.successRate {
		return errors.New("mock: simulated failure")
	}
	return nil
}

func (p *Provider) result() transport.SendResult {
	p.seq++
	return transport.SendResult{ProviderMessageID: fmt.Sprintf("mock-%d", p.seq)}
}
