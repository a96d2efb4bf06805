// Package projector applies webhook events to the owner's enhanced
// subscription status and records the attempt outcome on the event.
package projector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/subsync/internal/eventlog"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/provider"
	"github.com/jmehdipour/subsync/internal/repository"
	"go.uber.org/zap"
)

const (
	CodeDecode            = "decode_error"
	CodeOwnerLookup       = "owner_lookup_error"
	CodeOwnerUnresolved   = "owner_unresolved"
	CodeUnknownType       = "unknown_event_type"
	CodeProviderTimeout   = "provider_timeout"
	CodeProviderOpen      = "provider_unavailable"
	CodeProviderError     = "provider_error"
	CodeNoSubscription    = "no_provider_subscription"
	CodeStorage           = "storage_error"
	CodePaymentFailed     = "payment_failed"
	CodePaymentFinal      = "payment_failed_final"
	CodeTerminalStatusFmt = "subscription_%s"
)

var errProviderNotConfigured = errors.New("provider client not configured")

// EventRecorder stores attempt outcomes; eventlog.Service implements it.
type EventRecorder interface {
	RecordAttempt(ctx context.Context, eventID string, out eventlog.AttemptOutcome) (bool, error)
}

// Attempt identifies one processing attempt of an event.
type Attempt struct {
	// Number equals the event's retry_count once the attempt is claimed.
	Number int
	// Last is set when a failure of this attempt exhausts the retry budget.
	Last bool
}

type Result struct {
	Success   bool
	Outcome   model.ProcessingStatus
	OwnerID   string
	NewStatus *model.EnhancedSubscriptionStatus
	// Recorded is false when the event row was not updated because it was
	// already final or claimed by a newer attempt.
	Recorded bool
	Err      error
}

type Projector struct {
	statuses repository.StatusRepository
	subs     repository.SubscriptionsRepository
	events   EventRecorder
	provider provider.Client
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// New builds a projector. prov may be nil, in which case events that need a
// live lookup fail and are retried.
func New(
	statuses repository.StatusRepository,
	subs repository.SubscriptionsRepository,
	events EventRecorder,
	prov provider.Client,
	timeout time.Duration,
	log *zap.Logger,
) *Projector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Projector{
		statuses: statuses,
		subs:     subs,
		events:   events,
		provider: prov,
		timeout:  timeout,
		log:      log,
		now:      time.Now,
	}
}

func (p *Projector) WithClock(now func() time.Time) *Projector {
	p.now = now
	return p
}

// Project applies ev. The enhanced status is written before the event is
// marked, so a crash in between leaves the event pending and a replay writes
// the same status again.
func (p *Projector) Project(ctx context.Context, ev *model.WebhookEvent, att Attempt) Result {
	kind := model.ParseEventKind(ev.EventType)
	if kind == model.KindUnknown {
		return p.skip(ctx, ev, att, ev.Owner(), CodeUnknownType, "event type "+ev.EventType+" is not handled")
	}

	var obj *provider.Object
	if kind != model.KindManualSync {
		var err error
		if obj, err = provider.DecodeObject(ev.Payload); err != nil {
			return p.fail(ctx, ev, att, ev.Owner(), CodeDecode, fmt.Errorf("decode payload: %w", err))
		}
	}

	owner, err := p.resolveOwner(ctx, ev, obj)
	if err != nil {
		return p.fail(ctx, ev, att, "", CodeOwnerLookup, err)
	}
	if owner == "" {
		return p.skip(ctx, ev, att, "", CodeOwnerUnresolved, "no owner could be resolved for the event")
	}

	ch, err := p.changeFor(ctx, kind, obj, owner)
	if errors.Is(err, provider.ErrNoSubscription) {
		return p.skip(ctx, ev, att, owner, CodeNoSubscription, "provider has no subscription for the owner")
	}
	if err != nil {
		return p.fail(ctx, ev, att, owner, providerCode(err), err)
	}

	now := p.now().UTC()
	st, err := p.statuses.Mutate(ctx, owner, func(st *model.EnhancedSubscriptionStatus) error {
		ch.apply(st, ev, kind, now)
		return nil
	})
	if err != nil {
		return p.fail(ctx, ev, att, owner, CodeStorage, fmt.Errorf("write enhanced status: %w", err))
	}

	recorded, err := p.events.RecordAttempt(ctx, ev.ID, eventlog.AttemptOutcome{
		Attempt: att.Number,
		Status:  model.ProcessingProcessed,
		OwnerID: owner,
	})
	if err != nil {
		// Status is already applied; the event stays pending/failed and the
		// next attempt rewrites the same values.
		p.log.Error("record processed event failed", zap.String("event_id", ev.ID), zap.Error(err))
		return Result{Outcome: ev.ProcessingStatus, OwnerID: owner, NewStatus: st, Err: err}
	}

	p.log.Debug("event projected",
		zap.String("event_id", ev.ID),
		zap.String("kind", kind.String()),
		zap.String("owner_id", owner),
		zap.String("subscription_status", st.SubscriptionStatus.String()),
		zap.String("sync_status", st.SyncStatus.String()))
	return Result{
		Success:   true,
		Outcome:   model.ProcessingProcessed,
		OwnerID:   owner,
		NewStatus: st,
		Recorded:  recorded,
	}
}

func (p *Projector) resolveOwner(ctx context.Context, ev *model.WebhookEvent, obj *provider.Object) (string, error) {
	if owner := ev.Owner(); owner != "" {
		return owner, nil
	}
	if obj == nil {
		return "", nil
	}
	if hint := obj.OwnerHint(); hint != "" {
		return hint, nil
	}
	if subID := obj.SubscriptionID(); subID != "" {
		owner, err := p.subs.FindOwnerByExternalID(ctx, subID)
		if err != nil {
			return "", fmt.Errorf("find owner by subscription %s: %w", subID, err)
		}
		return owner, nil
	}
	return "", nil
}

func (p *Projector) fetch(ctx context.Context, owner, externalID string) (*provider.Subscription, error) {
	if p.provider == nil {
		return nil, errProviderNotConfigured
	}
	ctx, cancel := context.WithTimeout(provider.WithSubscriptionHint(ctx, externalID), p.timeout)
	defer cancel()
	return p.provider.FetchSubscription(ctx, owner)
}

func providerCode(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeProviderTimeout
	case errors.Is(err, provider.ErrBreakerOpen), errors.Is(err, errProviderNotConfigured):
		return CodeProviderOpen
	default:
		return CodeProviderError
	}
}

func (p *Projector) skip(ctx context.Context, ev *model.WebhookEvent, att Attempt, owner, code, msg string) Result {
	details := &model.ErrorDetails{Code: code, Message: msg, Attempt: att.Number, At: p.now().UTC()}
	recorded, err := p.events.RecordAttempt(ctx, ev.ID, eventlog.AttemptOutcome{
		Attempt: att.Number,
		Status:  model.ProcessingSkipped,
		Details: details,
		OwnerID: owner,
	})
	if err != nil {
		return Result{Outcome: ev.ProcessingStatus, OwnerID: owner, Err: err}
	}
	p.log.Info("event skipped",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("reason", code))
	return Result{Success: true, Outcome: model.ProcessingSkipped, OwnerID: owner, Recorded: recorded}
}

func (p *Projector) fail(ctx context.Context, ev *model.WebhookEvent, att Attempt, owner, code string, cause error) Result {
	now := p.now().UTC()
	details := &model.ErrorDetails{
		Code:     code,
		Message:  cause.Error(),
		Attempt:  att.Number,
		Terminal: att.Last,
		At:       now,
	}
	res := Result{Outcome: model.ProcessingFailed, OwnerID: owner, Err: cause}

	recorded, err := p.events.RecordAttempt(ctx, ev.ID, eventlog.AttemptOutcome{
		Attempt: att.Number,
		Status:  model.ProcessingFailed,
		Details: details,
		OwnerID: owner,
	})
	if err != nil {
		p.log.Error("record failed event failed", zap.String("event_id", ev.ID), zap.Error(err))
		res.Outcome = ev.ProcessingStatus
		return res
	}
	res.Recorded = recorded
	p.log.Warn("event processing failed",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("code", code),
		zap.Int("attempt", att.Number),
		zap.Bool("terminal", att.Last),
		zap.Error(cause))

	if !recorded || owner == "" {
		return res
	}
	st, err := p.statuses.Mutate(ctx, owner, func(st *model.EnhancedSubscriptionStatus) error {
		if att.Last {
			st.MarkFailed()
			st.RecordError(ev.ProviderEventID, code, cause.Error(), now)
			return nil
		}
		st.MarkRetryNeeded()
		st.MergeMetadata(model.Metadata{
			"last_error": map[string]any{"key": ev.ProviderEventID, "code": code, "message": cause.Error()},
		})
		return nil
	})
	if err != nil {
		p.log.Error("flag enhanced status failed", zap.String("owner_id", owner), zap.Error(err))
		return res
	}
	res.NewStatus = st
	return res
}
