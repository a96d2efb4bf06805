package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrWebhookNotConfigured = errors.New("webhook secret not configured")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
)

// StripeVerifier turns a signed Stripe delivery into a Notification.
type StripeVerifier struct {
	secret string
}

func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: strings.TrimSpace(secret)}
}

func (v *StripeVerifier) Verify(payload []byte, sigHeader string) (model.Notification, error) {
	if v.secret == "" {
		return model.Notification{}, ErrWebhookNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return model.Notification{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	n := model.Notification{
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
	}
	if event.Data != nil {
		n.Payload = model.Payload(event.Data.Raw)
		if obj, err := DecodeObject(event.Data.Raw); err == nil {
			n.OwnerID = obj.OwnerHint()
		}
	}
	return n, nil
}
