// Package eventlog is the idempotency gate in front of webhook_events: it
// records each provider notification once and owns its status transitions.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmehdipour/subsync/internal/metrics"
	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmehdipour/subsync/internal/repository"
	"github.com/jmehdipour/subsync/internal/util"
	"go.uber.org/zap"
)

const DefaultRetryPageSize = 50

var ErrInvalidTransition = errors.New("invalid status transition")

// LogResult describes what LogEvent found or created.
type LogResult struct {
	Success          bool                   `json:"success"`
	EventID          string                 `json:"event_id,omitempty"`
	IsDuplicate      bool                   `json:"is_duplicate"`
	ProcessingStatus model.ProcessingStatus `json:"processing_status,omitempty"`
	NeedsProcessing  bool                   `json:"needs_processing"`
}

type Service struct {
	events     repository.EventsRepository
	log        *zap.Logger
	now        func() time.Time
	maxRetries int
}

// New builds the gate. maxRetries is only used to count exhausted events in stats.
func New(events repository.EventsRepository, log *zap.Logger, maxRetries int) *Service {
	return &Service{
		events:     events,
		log:        log,
		now:        time.Now,
		maxRetries: maxRetries,
	}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// LogEvent records n unless its provider event id was seen before.
// A previously recorded event that is still pending or failed is reported as
// needing processing, so a crash between record and process is recoverable by
// redelivery.
func (s *Service) LogEvent(ctx context.Context, n model.Notification) (LogResult, error) {
	if err := n.Normalize(); err != nil {
		return LogResult{}, err
	}

	ev := &model.WebhookEvent{
		ID:              util.New(),
		ProviderEventID: n.ProviderEventID,
		EventType:       n.EventType,
		Payload:         n.Payload,
		CreatedAt:       s.now().UTC(),
	}
	if n.OwnerID != "" {
		owner := n.OwnerID
		ev.OwnerID = &owner
	}

	created, stored, err := s.events.InsertIfAbsent(ctx, ev)
	if err != nil {
		s.log.Error("log event failed",
			zap.String("provider_event_id", n.ProviderEventID), zap.Error(err))
		return LogResult{}, fmt.Errorf("record event: %w", err)
	}

	res := LogResult{
		Success:          true,
		EventID:          stored.ID,
		ProcessingStatus: stored.ProcessingStatus,
	}
	switch {
	case created:
		res.NeedsProcessing = true
		metrics.EventsTotal.WithLabelValues("logged").Inc()
	case stored.ProcessingStatus.Final():
		res.IsDuplicate = true
		metrics.EventsTotal.WithLabelValues("duplicate").Inc()
		s.log.Debug("duplicate event",
			zap.String("provider_event_id", n.ProviderEventID),
			zap.String("event_id", stored.ID),
			zap.String("status", stored.ProcessingStatus.String()))
	default:
		res.NeedsProcessing = true
		s.log.Info("redelivered unfinished event",
			zap.String("provider_event_id", n.ProviderEventID),
			zap.String("event_id", stored.ID),
			zap.String("status", stored.ProcessingStatus.String()))
	}
	return res, nil
}

// AttemptOutcome is the result of one processing attempt.
type AttemptOutcome struct {
	// Attempt is the event's retry_count when the attempt was claimed.
	Attempt int
	Status  model.ProcessingStatus
	Details *model.ErrorDetails
	// OwnerID is recorded when the event arrived without one.
	OwnerID string
}

// UpdateEventStatus applies a transition out of pending/failed. It returns
// false when the event is unknown or already final.
func (s *Service) UpdateEventStatus(ctx context.Context, eventID string, status model.ProcessingStatus, details *model.ErrorDetails) (bool, error) {
	return s.update(ctx, eventID, repository.StatusUpdate{Status: status, Details: details})
}

// RecordAttempt is UpdateEventStatus guarded by the attempt number, so an
// attempt that lost its claim cannot overwrite a newer attempt's outcome.
func (s *Service) RecordAttempt(ctx context.Context, eventID string, out AttemptOutcome) (bool, error) {
	attempt := out.Attempt
	return s.update(ctx, eventID, repository.StatusUpdate{
		Status:  out.Status,
		Details: out.Details,
		Attempt: &attempt,
		OwnerID: out.OwnerID,
	})
}

func (s *Service) update(ctx context.Context, eventID string, upd repository.StatusUpdate) (bool, error) {
	status := upd.Status
	if !model.ProcessingFailed.CanTransition(status) {
		return false, fmt.Errorf("%w: to %q", ErrInvalidTransition, status)
	}

	upd.At = s.now().UTC()
	ok, err := s.events.UpdateStatus(ctx, eventID, upd)
	if err != nil {
		return false, fmt.Errorf("update event status: %w", err)
	}
	if ok {
		metrics.EventsTotal.WithLabelValues(status.String()).Inc()
	}
	return ok, nil
}

// GetEvent returns nil, nil for an unknown id.
func (s *Service) GetEvent(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	ev, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// GetEventsForRetry lists failed events under maxRetryCount whose last attempt
// is at least retryDelayMinutes old, oldest first.
func (s *Service) GetEventsForRetry(ctx context.Context, maxRetryCount, retryDelayMinutes int) ([]model.WebhookEvent, error) {
	if retryDelayMinutes < 0 {
		retryDelayMinutes = 0
	}
	rows, err := s.events.ListRetryCandidates(ctx, repository.RetryQuery{
		MaxRetryCount:   maxRetryCount,
		AttemptedBefore: s.now().UTC().Add(-time.Duration(retryDelayMinutes) * time.Minute),
		Limit:           DefaultRetryPageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list retry candidates: %w", err)
	}
	return rows, nil
}

// GetEventStats aggregates events created in [from, to). Either bound may be nil.
func (s *Service) GetEventStats(ctx context.Context, from, to *time.Time) (model.EventStats, error) {
	counts, err := s.events.CountByStatus(ctx, repository.StatsQuery{
		From:       from,
		To:         to,
		MaxRetries: s.maxRetries,
	})
	if err != nil {
		return model.EventStats{}, fmt.Errorf("count events: %w", err)
	}
	return ComputeEventStats(counts), nil
}

// ComputeEventStats turns per-status counts into rates rounded to two decimals.
func ComputeEventStats(counts []model.StatusCount) model.EventStats {
	var st model.EventStats
	retrySum := 0
	for _, c := range counts {
		st.Total += c.Count
		retrySum += c.RetrySum
		st.Exhausted += c.Exhausted
		switch c.Status {
		case model.ProcessingPending:
			st.Pending += c.Count
		case model.ProcessingProcessed:
			st.Processed += c.Count
		case model.ProcessingFailed:
			st.Failed += c.Count
		case model.ProcessingSkipped:
			st.Skipped += c.Count
		}
	}
	if st.Total == 0 {
		return st
	}
	total := float64(st.Total)
	st.SuccessRate = round2(float64(st.Processed+st.Skipped) / total * 100)
	st.FailureRate = round2(float64(st.Failed) / total * 100)
	st.AvgRetryCount = round2(float64(retrySum) / total)
	return st
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
