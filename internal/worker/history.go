package worker

import (
	"context"
	"time"

	"github.com/jmehdipour/subsync/internal/metrics"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/repository"
	"go.uber.org/zap"
)

// HistoryWriter mirrors settled events into ClickHouse with a size/time
// based flush. Add never blocks the caller; when the buffer is full the row
// is dropped and counted.
type HistoryWriter struct {
	Repo repository.CHEventsRepository
	Log  *zap.Logger

	BatchSize    int           // max rows per insert
	BatchWait    time.Duration // max time a row waits before flush
	FlushTimeout time.Duration // bound for the final flush on shutdown

	in chan model.WebhookEvent
}

func NewHistoryWriter(repo repository.CHEventsRepository, log *zap.Logger, batchSize int, batchWait time.Duration, buffer int) *HistoryWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if batchWait <= 0 {
		batchWait = time.Second
	}
	if buffer < batchSize {
		buffer = batchSize * 4
	}
	return &HistoryWriter{
		Repo:         repo,
		Log:          log,
		BatchSize:    batchSize,
		BatchWait:    batchWait,
		FlushTimeout: 5 * time.Second,
		in:           make(chan model.WebhookEvent, buffer),
	}
}

func (w *HistoryWriter) Add(ev model.WebhookEvent) {
	select {
	case w.in <- ev:
	default:
		metrics.HistoryRowsTotal.WithLabelValues("dropped").Inc()
		w.Log.Warn("history buffer full, row dropped", zap.String("event_id", ev.ID))
	}
}

// Run flushes until ctx is cancelled, then drains what is buffered and
// flushes once more.
func (w *HistoryWriter) Run(ctx context.Context) error {
	tick := time.NewTicker(w.BatchWait)
	defer tick.Stop()

	batch := make([]model.WebhookEvent, 0, w.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.Repo.InsertBatch(ctx, batch); err != nil {
			metrics.HistoryRowsTotal.WithLabelValues("error").Add(float64(len(batch)))
			w.Log.Error("history batch insert failed", zap.Int("rows", len(batch)), zap.Error(err))
		} else {
			metrics.HistoryRowsTotal.WithLabelValues("ok").Add(float64(len(batch)))
			w.Log.Debug("history batch flushed", zap.Int("rows", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.FlushTimeout)
			defer cancel()
			for {
				select {
				case ev := <-w.in:
					batch = append(batch, ev)
					if len(batch) >= w.BatchSize {
						flush(fctx)
					}
				default:
					flush(fctx)
					return nil
				}
			}

		case ev := <-w.in:
			batch = append(batch, ev)
			if len(batch) >= w.BatchSize {
				flush(ctx)
			}

		case <-tick.C:
			flush(ctx)
		}
	}
}
