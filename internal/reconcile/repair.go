package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/repository"
)

const TopicResync = "subscription.resync"

// Policy selects which side wins when an owner is inconsistent.
type Policy string

const (
	// PolicyReport only reports drift.
	PolicyReport   Policy = ""
	PolicyProvider Policy = "provider"
	PolicyLocal    Policy = "local"
)

func ParsePolicy(raw string) (Policy, error) {
	switch p := Policy(raw); p {
	case PolicyReport, PolicyProvider, PolicyLocal:
		return p, nil
	}
	return "", fmt.Errorf("unknown repair policy %q", raw)
}

// Repairer fixes one inconsistent owner. applied is false when the repair was
// only scheduled and the pair cannot be re-checked yet.
type Repairer interface {
	Repair(ctx context.Context, rep Report) (applied bool, err error)
}

// Syncer refreshes one owner from the live provider state.
type Syncer interface {
	Resync(ctx context.Context, ownerID string) error
}

var errNoBase = errors.New("base subscription no longer exists")

// InlineRepairer applies the policy in the calling goroutine. The caller
// holds the owner's lease.
type InlineRepairer struct {
	policy   Policy
	statuses repository.StatusRepository
	subs     repository.SubscriptionsRepository
	syncer   Syncer
	now      func() time.Time
}

func NewInlineRepairer(policy Policy, statuses repository.StatusRepository, subs repository.SubscriptionsRepository, syncer Syncer) *InlineRepairer {
	return &InlineRepairer{
		policy:   policy,
		statuses: statuses,
		subs:     subs,
		syncer:   syncer,
		now:      time.Now,
	}
}

func (r *InlineRepairer) WithClock(now func() time.Time) *InlineRepairer {
	r.now = now
	return r
}

func (r *InlineRepairer) Repair(ctx context.Context, rep Report) (bool, error) {
	switch r.policy {
	case PolicyProvider:
		if r.syncer == nil {
			return false, errors.New("provider repair needs a syncer")
		}
		return true, r.syncer.Resync(ctx, rep.OwnerID)
	case PolicyLocal:
		return true, r.copyLocal(ctx, rep.OwnerID)
	default:
		return false, nil
	}
}

func (r *InlineRepairer) copyLocal(ctx context.Context, ownerID string) error {
	sub, err := r.subs.GetByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	if sub == nil {
		return errNoBase
	}
	status, ok := model.ParseSubscriptionStatus(sub.Status)
	if !ok {
		return fmt.Errorf("base subscription has unknown status %q", sub.Status)
	}
	now := r.now().UTC()
	_, err = r.statuses.Mutate(ctx, ownerID, func(st *model.EnhancedSubscriptionStatus) error {
		st.SubscriptionStatus = status
		st.ExternalSubscriptionID = nil
		st.SetExternalID(sub.ExternalID())
		patch := model.Metadata{
			"sync_source":          "reconcile_local",
			"cancel_at_period_end": sub.CancelAtPeriodEnd,
			"reconcile_conflict":   nil,
		}
		if sub.PlanID != nil {
			patch["plan_id"] = *sub.PlanID
		}
		if sub.CurrentPeriodEnd != nil {
			patch["current_period_end"] = sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
		}
		st.MergeMetadata(patch)
		st.MarkSynced(now)
		return nil
	})
	return err
}

// OutboxRepairer defers repairs to the resync worker through the outbox.
type OutboxRepairer struct {
	outbox repository.OutboxRepository
	policy Policy
}

func NewOutboxRepairer(outbox repository.OutboxRepository, policy Policy) *OutboxRepairer {
	return &OutboxRepairer{outbox: outbox, policy: policy}
}

func (r *OutboxRepairer) Repair(ctx context.Context, rep Report) (bool, error) {
	payload, err := json.Marshal(model.ResyncRequest{
		OwnerID: rep.OwnerID,
		Issues:  rep.Issues,
		Policy:  string(r.policy),
	})
	if err != nil {
		return false, err
	}
	return false, r.outbox.Insert(ctx, nil, "subscription", rep.OwnerID, TopicResync, payload)
}
