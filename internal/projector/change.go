package projector

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/provider"
)

// change is the set of fields one event writes. Applying it twice yields the
// same record.
type change struct {
	status     *model.SubscriptionStatus
	externalID string
	payment    *model.PaymentMethodStatus
	metadata   model.Metadata
	// failCode marks the owner's sync as terminally failed.
	failCode string
	failMsg  string
}

func (p *Projector) changeFor(ctx context.Context, kind model.EventKind, obj *provider.Object, owner string) (change, error) {
	var ch change
	switch kind {
	case model.KindSubscriptionCreated, model.KindSubscriptionUpdated:
		ch.externalID = obj.SubscriptionID()
		if status, ok := model.ParseSubscriptionStatus(obj.Status); ok {
			ch.status = &status
			ch.metadata = subscriptionMetadata(obj.FirstPriceID(), obj.PeriodEnd(), obj.CancelAtPeriodEnd)
			break
		}
		live, err := p.fetch(ctx, owner, ch.externalID)
		if err != nil {
			return ch, err
		}
		ch.fromProvider(live)

	case model.KindSubscriptionDeleted:
		canceled := model.SubscriptionCanceled
		ch.status = &canceled
		ch.externalID = obj.SubscriptionID()
		ch.metadata = model.Metadata{"canceled": true}

	case model.KindCheckoutCompleted:
		ch.externalID = obj.SubscriptionID()
		live, err := p.fetch(ctx, owner, ch.externalID)
		if err != nil {
			return ch, err
		}
		ch.fromProvider(live)

	case model.KindManualSync:
		live, err := p.fetch(ctx, owner, "")
		if err != nil {
			return ch, err
		}
		ch.fromProvider(live)

	case model.KindPaymentSucceeded:
		active := model.SubscriptionActive
		valid := model.PaymentMethodValid
		ch.status, ch.payment = &active, &valid
		ch.externalID = obj.SubscriptionID()
		ch.metadata = model.Metadata{"last_invoice_id": obj.ID}

	case model.KindPaymentFailed:
		declined := model.PaymentMethodDeclined
		ch.payment = &declined
		ch.externalID = obj.SubscriptionID()
		ch.metadata = model.Metadata{"last_invoice_id": obj.ID}
		if obj.NextPaymentAttempt == nil {
			ch.failCode = CodePaymentFinal
			ch.failMsg = "invoice " + obj.ID + " failed with no further payment attempt"
		} else {
			pastDue := model.SubscriptionPastDue
			ch.status = &pastDue
			ch.metadata["next_payment_attempt"] = time.Unix(*obj.NextPaymentAttempt, 0).UTC().Format(time.RFC3339)
		}

	case model.KindPaymentActionRequired:
		action := model.PaymentMethodRequiresAction
		ch.payment = &action
		ch.externalID = obj.SubscriptionID()
		ch.metadata = model.Metadata{"last_invoice_id": obj.ID}
	}

	if ch.failCode == "" && ch.status != nil && ch.status.Terminal() {
		ch.failCode = fmt.Sprintf(CodeTerminalStatusFmt, *ch.status)
		ch.failMsg = "subscription reached terminal status " + ch.status.String()
	}
	return ch, nil
}

func (ch *change) fromProvider(live *provider.Subscription) {
	status := live.Status
	ch.status = &status
	if live.ExternalSubscriptionID != "" {
		ch.externalID = live.ExternalSubscriptionID
	}
	ch.metadata = subscriptionMetadata(live.PlanID, live.CurrentPeriodEnd, live.CancelAtPeriodEnd)
	ch.metadata["sync_source"] = "provider"
}

func subscriptionMetadata(planID string, periodEnd *time.Time, cancelAtPeriodEnd bool) model.Metadata {
	md := model.Metadata{"cancel_at_period_end": cancelAtPeriodEnd}
	if planID != "" {
		md["plan_id"] = planID
	}
	if periodEnd != nil {
		md["current_period_end"] = periodEnd.UTC().Format(time.RFC3339)
	}
	return md
}

func (ch change) apply(st *model.EnhancedSubscriptionStatus, ev *model.WebhookEvent, kind model.EventKind, now time.Time) {
	if ch.status != nil {
		st.SubscriptionStatus = *ch.status
	}
	st.SetExternalID(ch.externalID)
	if ch.payment != nil {
		st.PaymentMethodStatus = *ch.payment
	}

	patch := model.Metadata{
		"last_event_id":   ev.ProviderEventID,
		"last_event_type": ev.EventType,
		"sync_source":     "webhook",
	}.Merge(ch.metadata)
	if kind == model.KindManualSync {
		patch["sync_source"] = "manual"
	}
	st.MergeMetadata(patch)

	if ch.failCode != "" {
		st.MarkFailed()
		st.RecordError(ev.ProviderEventID, ch.failCode, ch.failMsg, now)
		return
	}
	st.MarkSynced(now)
}
