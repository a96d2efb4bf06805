package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmehdipour/subsync/internal/kafka"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/service/ingest"
	"go.uber.org/zap"
)

// Source is the part of kafka.Consumer the workers use.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

type Ingester interface {
	Ingest(ctx context.Context, n model.Notification) (ingest.Result, error)
}

// IngestKafka consumes pre-verified notifications and feeds them to the
// ingest service.
//
// Offsets are committed per message. With more than one worker a later
// offset may be committed before an earlier message is logged, so Workers
// defaults to 1.
type IngestKafka struct {
	Source Source
	Svc    Ingester
	Log    *zap.Logger

	Workers      int           // goroutines processing messages
	StoreRetries int           // attempts on storage errors before giving up on a message
	StoreBackoff time.Duration // wait between those attempts
}

func NewIngestKafka(src Source, svc Ingester, log *zap.Logger) *IngestKafka {
	return &IngestKafka{
		Source:       src,
		Svc:          svc,
		Log:          log,
		Workers:      1,
		StoreRetries: 5,
		StoreBackoff: time.Second,
	}
}

// Run blocks until ctx is cancelled and in-flight messages are done.
func (w *IngestKafka) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 1
	}
	msgCh := make(chan kafka.Message, w.Workers*2)

	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range msgCh {
				w.processOne(ctx, m)
			}
		}()
	}

	fetchLoop(ctx, w.Source, w.Log, msgCh)
	close(msgCh)
	wg.Wait()
	return nil
}

func (w *IngestKafka) processOne(ctx context.Context, m kafka.Message) {
	var n model.Notification
	if err := kafka.DecodeJSON(m, &n); err != nil {
		w.Log.Warn("bad notification json, skipped", zap.Int64("offset", m.Offset), zap.Error(err))
		w.commit(ctx, m)
		return
	}

	for attempt := 1; ; attempt++ {
		res, err := w.Svc.Ingest(ctx, n)
		if err == nil {
			w.Log.Debug("notification ingested",
				zap.String("provider_event_id", n.ProviderEventID),
				zap.String("event_id", res.EventID),
				zap.Bool("duplicate", res.IsDuplicate),
				zap.String("outcome", res.Outcome.String()))
			break
		}
		if errors.Is(err, model.ErrInvalidNotification) {
			w.Log.Warn("invalid notification, skipped", zap.Int64("offset", m.Offset), zap.Error(err))
			break
		}
		if ctx.Err() != nil {
			// Uncommitted; redelivered after restart.
			return
		}
		if attempt >= w.StoreRetries {
			// Not committing would not help: later offsets commit past it.
			w.Log.Error("ingest failed, message dropped",
				zap.String("provider_event_id", n.ProviderEventID),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			break
		}
		if !sleep(ctx, w.StoreBackoff) {
			return
		}
	}
	w.commit(ctx, m)
}

func (w *IngestKafka) commit(ctx context.Context, m kafka.Message) {
	if err := w.Source.Commit(ctx, m); err != nil {
		w.Log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}

// fetchLoop pushes fetched messages into out until ctx is cancelled.
func fetchLoop(ctx context.Context, src Source, log *zap.Logger, out chan<- kafka.Message) {
	for {
		m, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("kafka fetch failed", zap.Error(err))
			if !sleep(ctx, 200*time.Millisecond) {
				return
			}
			continue
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return
		}
	}
}

// sleep waits d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
