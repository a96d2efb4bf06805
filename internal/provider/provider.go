// Package provider talks to the payment provider: live subscription lookups
// and webhook signature verification.
package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/subsync/internal/model"
)

var (
	// ErrNoSubscription means the provider answered and the owner has no subscription there.
	ErrNoSubscription = errors.New("no provider subscription")
	ErrBreakerOpen    = errors.New("provider circuit open")
)

// Subscription is the provider's live view of one owner's subscription.
type Subscription struct {
	ExternalSubscriptionID string
	Status                 model.SubscriptionStatus
	PlanID                 string
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
}

type Client interface {
	FetchSubscription(ctx context.Context, ownerID string) (*Subscription, error)
}

// Locator maps an owner to the provider's subscription id; "" means unknown.
type Locator func(ctx context.Context, ownerID string) (string, error)

// StaticClient serves subscriptions from a map keyed by owner. It is used in
// memory mode and tests.
type StaticClient struct {
	mu   sync.Mutex
	subs map[string]Subscription
	err  error
}

func NewStaticClient() *StaticClient {
	return &StaticClient{subs: map[string]Subscription{}}
}

func (c *StaticClient) Put(ownerID string, sub Subscription) {
	c.mu.Lock()
	c.subs[ownerID] = sub
	c.mu.Unlock()
}

// FailWith makes every lookup return err until cleared with nil.
func (c *StaticClient) FailWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *StaticClient) FetchSubscription(ctx context.Context, ownerID string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	sub, ok := c.subs[ownerID]
	if !ok {
		return nil, ErrNoSubscription
	}
	return &sub, nil
}

type hintKey struct{}

// WithSubscriptionHint attaches a known provider subscription id to ctx for
// owners the Locator cannot resolve yet, such as right after checkout.
func WithSubscriptionHint(ctx context.Context, externalID string) context.Context {
	if externalID == "" {
		return ctx
	}
	return context.WithValue(ctx, hintKey{}, externalID)
}

func subscriptionHint(ctx context.Context) string {
	v, _ := ctx.Value(hintKey{}).(string)
	return v
}
