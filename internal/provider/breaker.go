package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/subsync/internal/metrics"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

// Breaker opens after failThreshold consecutive failures and lets a single
// probe through once openFor has elapsed.
type Breaker struct {
	mu               sync.Mutex
	st               state
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	probeInFlight    bool
	now              func() time.Time
}

func NewBreaker(threshold int, openFor time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	return &Breaker{failThreshold: threshold, openFor: openFor, now: time.Now}
}

func (b *Breaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case open:
		if b.now().After(b.nextTryAt) && !b.probeInFlight {
			b.st = halfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case halfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	b.consecutiveFails = 0
	b.st = closed
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == halfOpen {
		b.st = open
		b.nextTryAt = b.now().Add(b.openFor)
		b.probeInFlight = false
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failThreshold {
		b.st = open
		b.nextTryAt = b.now().Add(b.openFor)
	}
}

// Open reports whether calls are currently being rejected.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st == open && !b.now().After(b.nextTryAt)
}

// BreakerClient guards a Client with a Breaker. A definitive "no subscription"
// answer counts as success; caller cancellation counts as neither.
type BreakerClient struct {
	inner Client
	br    *Breaker
}

func WithBreaker(inner Client, br *Breaker) *BreakerClient {
	return &BreakerClient{inner: inner, br: br}
}

func (c *BreakerClient) FetchSubscription(ctx context.Context, ownerID string) (*Subscription, error) {
	if !c.br.TryAcquire() {
		metrics.ProviderRequestsTotal.WithLabelValues("breaker_open").Inc()
		return nil, ErrBreakerOpen
	}

	start := time.Now()
	sub, err := c.inner.FetchSubscription(ctx, ownerID)
	metrics.ProviderLatency.Observe(time.Since(start).Seconds())

	switch {
	case err == nil, errors.Is(err, ErrNoSubscription):
		c.br.OnSuccess()
		metrics.ProviderRequestsTotal.WithLabelValues("ok").Inc()
	case errors.Is(err, context.Canceled):
		// The probe slot must be released even when nobody learned anything.
		c.br.mu.Lock()
		c.br.probeInFlight = false
		c.br.mu.Unlock()
		metrics.ProviderRequestsTotal.WithLabelValues("error").Inc()
	default:
		c.br.OnFailure()
		metrics.ProviderRequestsTotal.WithLabelValues("error").Inc()
	}
	return sub, err
}
