package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

func TestBreaker_OpensAndHalfOpens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	br := NewBreaker(2, time.Minute)
	br.now = func() time.Time { return now }

	require.True(t, br.TryAcquire())
	br.OnFailure()
	require.True(t, br.TryAcquire())
	br.OnFailure()

	assert.True(t, br.Open())
	assert.False(t, br.TryAcquire())

	now = now.Add(2 * time.Minute)
	assert.True(t, br.TryAcquire(), "one trial call after the open window")
	assert.False(t, br.TryAcquire(), "only one trial call at a time")

	br.OnSuccess()
	assert.False(t, br.Open())
	assert.True(t, br.TryAcquire())
}

func TestBreakerClient(t *testing.T) {
	ctx := context.Background()
	static := NewStaticClient()
	static.FailWith(errors.New("boom"))
	c := WithBreaker(static, NewBreaker(1, time.Hour))

	_, err := c.FetchSubscription(ctx, "u1")
	require.Error(t, err)
	_, err = c.FetchSubscription(ctx, "u1")
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreakerClient_NoSubscriptionIsNotAFailure(t *testing.T) {
	ctx := context.Background()
	c := WithBreaker(NewStaticClient(), NewBreaker(1, time.Hour))

	for i := 0; i < 3; i++ {
		_, err := c.FetchSubscription(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNoSubscription)
	}
}

func TestDecodeObject(t *testing.T) {
	t.Run("subscription with item period", func(t *testing.T) {
		obj, err := DecodeObject([]byte(`{
			"object":"subscription","id":"sub_1","status":"active","customer":"cus_1",
			"metadata":{"user_id":"u1"},
			"items":{"data":[{"price":{"id":"price_pro"},"current_period_end":1767225600}]}
		}`))
		require.NoError(t, err)
		assert.Equal(t, "sub_1", obj.SubscriptionID())
		assert.Equal(t, "u1", obj.OwnerHint())
		assert.Equal(t, "price_pro", obj.FirstPriceID())
		require.NotNil(t, obj.PeriodEnd())
		assert.Equal(t, int64(1767225600), obj.PeriodEnd().Unix())
		assert.Equal(t, ExpandableID("cus_1"), obj.Customer)
	})

	t.Run("event envelope", func(t *testing.T) {
		obj, err := DecodeObject([]byte(`{"object":"event","data":{"object":{"object":"checkout.session","id":"cs_1","subscription":{"id":"sub_9"},"client_reference_id":"u7"}}}`))
		require.NoError(t, err)
		assert.Equal(t, "sub_9", obj.SubscriptionID())
		assert.Equal(t, "u7", obj.OwnerHint())
	})

	t.Run("invoice parent details", func(t *testing.T) {
		obj, err := DecodeObject([]byte(`{"object":"invoice","id":"in_1","next_payment_attempt":null,
			"parent":{"subscription_details":{"subscription":"sub_3","metadata":{"owner_id":"u3"}}}}`))
		require.NoError(t, err)
		assert.Equal(t, "sub_3", obj.SubscriptionID())
		assert.Equal(t, "u3", obj.OwnerHint())
		assert.Nil(t, obj.NextPaymentAttempt)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := DecodeObject([]byte(`not json`))
		assert.Error(t, err)
	})
}

func TestStripeClient_FetchSubscription(t *testing.T) {
	ctx := context.Background()
	locate := func(_ context.Context, owner string) (string, error) {
		if owner == "u1" {
			return "sub_1", nil
		}
		return "", nil
	}
	c := NewStripeClient("sk_test_x", locate)
	c.getSubs = func(got context.Context, id string) (*stripe.Subscription, error) {
		assert.Equal(t, "sub_1", id)
		assert.Equal(t, ctx, got)
		return &stripe.Subscription{
			ID: id,
			APIResource: stripe.APIResource{LastResponse: &stripe.APIResponse{RawJSON: []byte(
				`{"object":"subscription","id":"sub_1","status":"past_due","cancel_at_period_end":true,
				  "items":{"data":[{"price":{"id":"price_basic"},"current_period_end":1767225600}]}}`,
			)}},
		}, nil
	}

	sub, err := c.FetchSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ExternalSubscriptionID)
	assert.Equal(t, model.SubscriptionPastDue, sub.Status)
	assert.Equal(t, "price_basic", sub.PlanID)
	assert.True(t, sub.CancelAtPeriodEnd)

	_, err = c.FetchSubscription(ctx, "u2")
	assert.ErrorIs(t, err, ErrNoSubscription)

	hinted := WithSubscriptionHint(ctx, "sub_1")
	c.getSubs = func(_ context.Context, id string) (*stripe.Subscription, error) {
		assert.Equal(t, "sub_1", id)
		return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusTrialing}, nil
	}
	sub, err = c.FetchSubscription(hinted, "u2")
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionTrialing, sub.Status)
}

func TestStripeClient_NotFound(t *testing.T) {
	c := NewStripeClient("sk_test_x", func(context.Context, string) (string, error) { return "sub_gone", nil })
	c.getSubs = func(context.Context, string) (*stripe.Subscription, error) {
		return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound}
	}
	_, err := c.FetchSubscription(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrNoSubscription)
}

func TestStripeClient_KeysStayPerClient(t *testing.T) {
	before := stripe.Key
	locate := func(context.Context, string) (string, error) { return "sub_1", nil }
	stub := func(_ context.Context, id string) (*stripe.Subscription, error) {
		return &stripe.Subscription{ID: id, Status: stripe.SubscriptionStatusActive}, nil
	}

	a := NewStripeClient(" sk_test_a ", locate)
	b := NewStripeClient("sk_test_b", locate)
	a.getSubs, b.getSubs = stub, stub
	assert.Equal(t, "sk_test_a", a.api.V1Subscriptions.Key)
	assert.Equal(t, "sk_test_b", b.api.V1Subscriptions.Key)

	clients := []*StripeClient{a, b}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(c *StripeClient) {
			defer wg.Done()
			_, err := c.FetchSubscription(context.Background(), "u1")
			assert.NoError(t, err)
		}(clients[i%2])
	}
	wg.Wait()
	assert.Equal(t, before, stripe.Key, "fetching never writes the package-level key")
}

func TestStripeVerifier(t *testing.T) {
	const secret = "whsec_test_secret"
	body := `{"id":"evt_123","object":"event","type":"customer.subscription.updated",
		"data":{"object":{"object":"subscription","id":"sub_1","status":"active","metadata":{"owner_id":"u1"}}}}`
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	n, err := NewStripeVerifier(secret).Verify(signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_123", n.ProviderEventID)
	assert.Equal(t, "customer.subscription.updated", n.EventType)
	assert.Equal(t, "u1", n.OwnerID)
	assert.Contains(t, string(n.Payload), `"sub_1"`)

	_, err = NewStripeVerifier("whsec_other").Verify(signed.Payload, signed.Header)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = NewStripeVerifier("").Verify(signed.Payload, signed.Header)
	assert.ErrorIs(t, err, ErrWebhookNotConfigured)
}
