package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jmehdipour/subsync/internal/model"
	stripe "github.com/stripe/stripe-go/v82"
)

// StripeClient fetches subscriptions from Stripe by the id the Locator returns.
// The API key is bound to its own stripe.Client; the package-level stripe.Key
// is never touched.
type StripeClient struct {
	api     *stripe.Client
	locate  Locator
	getSubs func(ctx context.Context, id string) (*stripe.Subscription, error)
}

func NewStripeClient(apiKey string, locate Locator) *StripeClient {
	c := &StripeClient{
		api:    stripe.NewClient(strings.TrimSpace(apiKey)),
		locate: locate,
	}
	c.getSubs = func(ctx context.Context, id string) (*stripe.Subscription, error) {
		return c.api.V1Subscriptions.Retrieve(ctx, id, nil)
	}
	return c
}

func (c *StripeClient) FetchSubscription(ctx context.Context, ownerID string) (*Subscription, error) {
	externalID := subscriptionHint(ctx)
	if externalID == "" {
		var err error
		if externalID, err = c.locate(ctx, ownerID); err != nil {
			return nil, fmt.Errorf("locate subscription: %w", err)
		}
	}
	if externalID == "" {
		return nil, ErrNoSubscription
	}

	sub, err := c.getSubs(ctx, externalID)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return nil, ErrNoSubscription
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("stripe get subscription %s: %w", externalID, err)
	}
	if sub == nil {
		return nil, ErrNoSubscription
	}

	// Decode the raw body with the same minimal representation webhooks use,
	// which tolerates API versions moving period fields onto items.
	obj := &Object{ID: sub.ID, Status: string(sub.Status), CancelAtPeriodEnd: sub.CancelAtPeriodEnd}
	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		if decoded, err := DecodeObject(sub.LastResponse.RawJSON); err == nil {
			obj = decoded
		}
	}
	return subscriptionFromObject(obj)
}

func subscriptionFromObject(obj *Object) (*Subscription, error) {
	status, ok := model.ParseSubscriptionStatus(obj.Status)
	if !ok {
		return nil, fmt.Errorf("unknown subscription status %q", obj.Status)
	}
	return &Subscription{
		ExternalSubscriptionID: obj.ID,
		Status:                 status,
		PlanID:                 obj.FirstPriceID(),
		CurrentPeriodEnd:       obj.PeriodEnd(),
		CancelAtPeriodEnd:      obj.CancelAtPeriodEnd,
	}, nil
}
