package worker

import (
	"context"
	"time"

	"github.com/jmehdipour/subsync/internal/kafka"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/reconcile"
	"go.uber.org/zap"
)

type OwnerReconciler interface {
	ReconcileOwner(ctx context.Context, ownerID string) reconcile.Result
}

// ResyncKafka consumes subscription.resync requests written to the outbox by
// reconcile.OutboxRepairer and repairs each owner in-process.
type ResyncKafka struct {
	Source     Source
	Reconciler OwnerReconciler
	Log        *zap.Logger

	// BusyRetries is how often an owner whose lease is taken is retried
	// before the request is dropped; the next sweep finds it again.
	BusyRetries int
	BusyBackoff time.Duration
}

func NewResyncKafka(src Source, rec OwnerReconciler, log *zap.Logger) *ResyncKafka {
	return &ResyncKafka{
		Source:      src,
		Reconciler:  rec,
		Log:         log,
		BusyRetries: 3,
		BusyBackoff: 2 * time.Second,
	}
}

func (w *ResyncKafka) Run(ctx context.Context) error {
	msgCh := make(chan kafka.Message)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range msgCh {
			w.processOne(ctx, m)
		}
	}()
	fetchLoop(ctx, w.Source, w.Log, msgCh)
	close(msgCh)
	<-done
	return nil
}

func (w *ResyncKafka) processOne(ctx context.Context, m kafka.Message) {
	var req model.ResyncRequest
	if err := kafka.DecodeJSON(m, &req); err != nil || req.OwnerID == "" {
		w.Log.Warn("bad resync request, skipped", zap.Int64("offset", m.Offset), zap.Error(err))
		w.commit(ctx, m)
		return
	}

	log := w.Log.With(zap.String("owner_id", req.OwnerID), zap.String("policy", req.Policy))
	for attempt := 1; ; attempt++ {
		res := w.Reconciler.ReconcileOwner(ctx, req.OwnerID)
		if ctx.Err() != nil {
			return
		}
		if res != reconcile.ResultLocked || attempt > w.BusyRetries {
			log.Info("resync handled", zap.String("result", string(res)), zap.Strings("issues", req.Issues))
			break
		}
		if !sleep(ctx, w.BusyBackoff) {
			return
		}
	}
	w.commit(ctx, m)
}

func (w *ResyncKafka) commit(ctx context.Context, m kafka.Message) {
	if err := w.Source.Commit(ctx, m); err != nil {
		w.Log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}
