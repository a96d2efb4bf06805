package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/subsync/internal/metrics"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/projector"
	"github.com/jmehdipour/subsync/internal/repository"
	"go.uber.org/zap"
)

const DefaultBatchSize = 25

// Processor reprocesses one claimed event.
type Processor interface {
	Project(ctx context.Context, ev *model.WebhookEvent, att projector.Attempt) projector.Result
}

// RunStats summarizes one RunOnce pass.
type RunStats struct {
	Selected  int `json:"selected"`
	Claimed   int `json:"claimed"`
	Lost      int `json:"lost"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Exhausted int `json:"exhausted"`
	Errors    int `json:"errors"`
}

type Scheduler struct {
	events   repository.EventsRepository
	statuses repository.StatusRepository
	proc     Processor
	policy   Policy
	log      *zap.Logger
	now      func() time.Time

	BatchSize int
	// StalePendingAfter, when positive, also picks up pending events that were
	// never finished, such as after a crash between record and process.
	StalePendingAfter time.Duration
}

func NewScheduler(
	events repository.EventsRepository,
	statuses repository.StatusRepository,
	proc Processor,
	policy Policy,
	log *zap.Logger,
) *Scheduler {
	return &Scheduler{
		events:    events,
		statuses:  statuses,
		proc:      proc,
		policy:    policy,
		log:       log,
		now:       time.Now,
		BatchSize: DefaultBatchSize,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Policy() Policy { return s.policy }

// SelectForRetry returns events with retryCount < maxRetryCount whose backoff
// has elapsed, oldest attempt first, at most BatchSize of them. minDelay is a
// floor applied in the query; per-event backoff is checked on each page, and
// pages are read until the batch is full or candidates run out, so rows still
// waiting out a long backoff cannot hide newer eligible ones.
func (s *Scheduler) SelectForRetry(ctx context.Context, maxRetryCount int, minDelay time.Duration) ([]model.WebhookEvent, error) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	now := s.now().UTC()
	q := repository.RetryQuery{
		MaxRetryCount:   maxRetryCount,
		AttemptedBefore: now.Add(-minDelay),
		Limit:           batch * 4,
	}
	if s.StalePendingAfter > 0 {
		stale := now.Add(-s.StalePendingAfter)
		q.StalePendingBefore = &stale
	}

	p := s.policy
	p.MaxRetries = min(p.MaxRetries, maxRetryCount)
	out := make([]model.WebhookEvent, 0, batch)
	for {
		rows, err := s.events.ListRetryCandidates(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("list retry candidates: %w", err)
		}
		for _, ev := range rows {
			if len(out) == batch {
				return out, nil
			}
			if ev.ProcessingStatus == model.ProcessingPending {
				if ev.RetryCount < p.MaxRetries {
					out = append(out, ev)
				}
				continue
			}
			if p.isEligible(ev.LastAttemptAt, ev.RetryCount, now, ev.ID) {
				out = append(out, ev)
			}
		}
		if len(out) == batch || len(rows) < q.Limit {
			return out, nil
		}
		last := rows[len(rows)-1]
		q.After = &repository.RetryCursor{LastAttempt: last.LastAttempt(), ID: last.ID}
	}
}

// RunOnce claims and reprocesses one batch. Per-event errors are logged and
// counted; only a failure to select aborts the pass.
func (s *Scheduler) RunOnce(ctx context.Context) (RunStats, error) {
	var stats RunStats
	events, err := s.SelectForRetry(ctx, s.policy.MaxRetries, s.policy.NextDelay(0))
	if err != nil {
		return stats, err
	}
	stats.Selected = len(events)

	for i := range events {
		if ctx.Err() != nil {
			break
		}
		ev := events[i]
		s.attempt(ctx, &ev, &stats)
	}
	if stats.Claimed > 0 {
		s.log.Info("retry pass finished",
			zap.Int("selected", stats.Selected),
			zap.Int("claimed", stats.Claimed),
			zap.Int("succeeded", stats.Succeeded),
			zap.Int("failed", stats.Failed),
			zap.Int("exhausted", stats.Exhausted))
	}
	return stats, nil
}

func (s *Scheduler) attempt(ctx context.Context, ev *model.WebhookEvent, stats *RunStats) {
	expected := ev.RetryCount
	claimed, err := s.events.IncrementRetry(ctx, ev.ID, expected, s.now().UTC())
	if err != nil {
		stats.Errors++
		s.log.Error("claim retry failed", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	if !claimed {
		stats.Lost++
		return
	}
	stats.Claimed++
	metrics.RetryAttemptsTotal.Inc()
	ev.RetryCount = expected + 1

	if owner := ev.Owner(); owner != "" {
		if _, err := s.statuses.Mutate(ctx, owner, func(st *model.EnhancedSubscriptionStatus) error {
			st.RetryCount++
			return nil
		}); err != nil {
			s.log.Warn("bump enhanced retry count failed", zap.String("owner_id", owner), zap.Error(err))
		}
	}

	last := ev.RetryCount >= s.policy.MaxRetries
	res := s.proc.Project(ctx, ev, projector.Attempt{Number: ev.RetryCount, Last: last})
	switch {
	case res.Success:
		stats.Succeeded++
	case res.Outcome == model.ProcessingFailed && last && res.Recorded:
		stats.Exhausted++
		metrics.RetryExhaustedTotal.Inc()
		s.log.Warn("event exhausted retries",
			zap.String("event_id", ev.ID),
			zap.String("provider_event_id", ev.ProviderEventID),
			zap.Int("retry_count", ev.RetryCount))
	default:
		stats.Failed++
	}
}
