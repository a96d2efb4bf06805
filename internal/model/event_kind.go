package model

import "strings"

// EventKind is the closed set of notification types the projector understands.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindCheckoutCompleted
	KindPaymentSucceeded
	KindPaymentFailed
	KindPaymentActionRequired
	KindManualSync
)

// EventTypeManualSync tags events synthesized by a user-triggered resync.
const EventTypeManualSync = "subsync.manual_sync"

var kindNames = map[EventKind]string{
	KindUnknown:               "unknown",
	KindSubscriptionCreated:   "subscription_created",
	KindSubscriptionUpdated:   "subscription_updated",
	KindSubscriptionDeleted:   "subscription_deleted",
	KindCheckoutCompleted:     "checkout_completed",
	KindPaymentSucceeded:      "payment_succeeded",
	KindPaymentFailed:         "payment_failed",
	KindPaymentActionRequired: "payment_action_required",
	KindManualSync:            "manual_sync",
}

func (k EventKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseEventKind maps a provider event type tag to its kind. Both the Stripe
// form ("customer.subscription.updated") and the short form
// ("subscription.updated") are accepted.
func ParseEventKind(eventType string) EventKind {
	t := strings.ToLower(strings.TrimSpace(eventType))
	t = strings.TrimPrefix(t, "customer.")
	switch t {
	case "subscription.created":
		return KindSubscriptionCreated
	case "subscription.updated", "subscription.resumed", "subscription.paused":
		return KindSubscriptionUpdated
	case "subscription.deleted":
		return KindSubscriptionDeleted
	case "checkout.session.completed":
		return KindCheckoutCompleted
	case "invoice.payment_succeeded", "invoice.paid":
		return KindPaymentSucceeded
	case "invoice.payment_failed":
		return KindPaymentFailed
	case "invoice.payment_action_required":
		return KindPaymentActionRequired
	case EventTypeManualSync:
		return KindManualSync
	default:
		return KindUnknown
	}
}
