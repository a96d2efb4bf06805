// Package ingest wires the event log, the projector and the owner locks into
// the operations exposed to transports: webhook ingestion, manual sync and
// owner resync.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/subsync/internal/eventlog"
	"github.com/jmehdipour/subsync/internal/health"
	"github.com/jmehdipour/subsync/internal/lock"
	"github.com/jmehdipour/subsync/internal/metrics"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/projector"
	"github.com/jmehdipour/subsync/internal/repository"
	"github.com/jmehdipour/subsync/internal/util"
	"go.uber.org/zap"
)

const (
	DefaultLockTTL  = 30 * time.Second
	metricsPageSize = 500
)

// HistorySink receives every event whose attempt outcome was recorded.
type HistorySink interface {
	Add(ev model.WebhookEvent)
}

type Projector interface {
	Project(ctx context.Context, ev *model.WebhookEvent, att projector.Attempt) projector.Result
}

// Result is what Ingest reports back to the transport.
type Result struct {
	eventlog.LogResult
	Processed bool                   `json:"processed"`
	Outcome   model.ProcessingStatus `json:"outcome,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

type Service struct {
	events     *eventlog.Service
	proj       Projector
	statuses   repository.StatusRepository
	locker     lock.Locker
	history    HistorySink
	log        *zap.Logger
	now        func() time.Time
	maxRetries int

	LockTTL time.Duration
}

func New(
	events *eventlog.Service,
	proj Projector,
	statuses repository.StatusRepository,
	locker lock.Locker,
	log *zap.Logger,
	maxRetries int,
) *Service {
	return &Service{
		events:     events,
		proj:       proj,
		statuses:   statuses,
		locker:     locker,
		log:        log,
		now:        time.Now,
		maxRetries: maxRetries,
		LockTTL:    DefaultLockTTL,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithHistory mirrors recorded outcomes into h.
func (s *Service) WithHistory(h HistorySink) *Service {
	s.history = h
	return s
}

// Ingest logs n and, unless it is a settled duplicate, projects it right away.
// A processing failure is not an error here: the event is left failed for the
// retry scheduler and the returned error is reserved for storage failures.
func (s *Service) Ingest(ctx context.Context, n model.Notification) (Result, error) {
	logged, err := s.events.LogEvent(ctx, n)
	if err != nil {
		return Result{}, err
	}
	res := Result{LogResult: logged, Outcome: logged.ProcessingStatus}
	if !logged.NeedsProcessing {
		return res, nil
	}

	ev, err := s.events.GetEvent(ctx, logged.EventID)
	if err != nil {
		return res, err
	}
	if ev == nil {
		return res, fmt.Errorf("event %s vanished after insert", logged.EventID)
	}

	pr := s.Project(ctx, ev, projector.Attempt{
		Number: ev.RetryCount,
		Last:   ev.RetryCount >= s.maxRetries,
	})
	res.Processed = pr.Success
	res.Outcome = pr.Outcome
	if pr.Err != nil {
		res.Error = pr.Err.Error()
	}
	return res, nil
}

// Project runs the projector and forwards the recorded outcome to the history
// sink. The retry scheduler uses it as its processor.
func (s *Service) Project(ctx context.Context, ev *model.WebhookEvent, att projector.Attempt) projector.Result {
	pr := s.proj.Project(ctx, ev, att)
	if pr.Recorded && s.history != nil {
		settled, err := s.events.GetEvent(ctx, ev.ID)
		switch {
		case err != nil:
			s.log.Warn("load event for history failed", zap.String("event_id", ev.ID), zap.Error(err))
		case settled != nil:
			s.history.Add(*settled)
		}
	}
	return pr
}

// Resync records a manual sync event for ownerID and projects it. The caller
// is expected to hold the owner's lease.
func (s *Service) Resync(ctx context.Context, ownerID string) error {
	payload, err := json.Marshal(map[string]string{"owner_id": ownerID})
	if err != nil {
		return err
	}
	res, err := s.Ingest(ctx, model.Notification{
		ProviderEventID: "manual:" + ownerID + ":" + util.New(),
		EventType:       model.EventTypeManualSync,
		Payload:         payload,
		OwnerID:         ownerID,
	})
	if err != nil {
		return err
	}
	if !res.Processed {
		return fmt.Errorf("manual sync for %s: %s", ownerID, res.Error)
	}
	return nil
}

// SyncNow refreshes ownerID from the provider under the owner's lease and
// reduces the result to a user-facing outcome. Only storage failures are
// returned as errors.
func (s *Service) SyncNow(ctx context.Context, ownerID string) (health.Outcome, error) {
	release, err := s.locker.Acquire(ctx, lock.OwnerKey(ownerID), s.LockTTL)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		return health.Outcome{
			Verdict: health.VerdictProcessing,
			Message: "A sync for your subscription is already running.",
		}, nil
	case err != nil:
		return health.Outcome{}, fmt.Errorf("acquire owner lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("release owner lock failed", zap.String("owner_id", ownerID), zap.Error(err))
		}
	}()

	if err := s.Resync(ctx, ownerID); err != nil {
		s.log.Warn("manual sync did not complete", zap.String("owner_id", ownerID), zap.Error(err))
	}

	st, err := s.statuses.Get(ctx, ownerID)
	if err != nil {
		return health.Outcome{}, fmt.Errorf("load status: %w", err)
	}
	return health.Evaluate(st, s.now().UTC(), s.maxRetries), nil
}

// GetSyncMetrics aggregates every owner's status and refreshes the per-status
// gauge.
func (s *Service) GetSyncMetrics(ctx context.Context) (health.SyncMetrics, error) {
	var m health.SyncMetrics
	after := ""
	for {
		rows, err := s.statuses.List(ctx, after, metricsPageSize)
		if err != nil {
			return health.SyncMetrics{}, fmt.Errorf("list statuses: %w", err)
		}
		for i := range rows {
			m.Add(&rows[i])
		}
		if len(rows) < metricsPageSize {
			break
		}
		after = rows[len(rows)-1].OwnerID
	}
	m.Finish()

	metrics.SyncStatusOwners.WithLabelValues(model.SyncSynced.String()).Set(float64(m.Synced))
	metrics.SyncStatusOwners.WithLabelValues(model.SyncPending.String()).Set(float64(m.Pending))
	metrics.SyncStatusOwners.WithLabelValues(model.SyncFailed.String()).Set(float64(m.Failed))
	metrics.SyncStatusOwners.WithLabelValues(model.SyncRetryNeeded.String()).Set(float64(m.RetryNeeded))
	return m, nil
}
