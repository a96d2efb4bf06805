package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmoiron/sqlx"
)

// EventsRepository persists webhook_events. It is the only writer of
// processing_status and retry_count.
type EventsRepository interface {
	// InsertIfAbsent stores ev unless a row with the same provider_event_id
	// exists. It reports whether a row was created and returns the stored row.
	InsertIfAbsent(ctx context.Context, ev *model.WebhookEvent) (bool, *model.WebhookEvent, error)
	// GetByID returns nil, nil when the event does not exist.
	GetByID(ctx context.Context, id string) (*model.WebhookEvent, error)
	// UpdateStatus applies one attempt outcome. It returns false when the row is
	// missing, already final, or (with Attempt set) owned by a newer attempt.
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (bool, error)
	// IncrementRetry bumps retry_count only if it still equals expected.
	IncrementRetry(ctx context.Context, id string, expected int, at time.Time) (bool, error)
	ListRetryCandidates(ctx context.Context, q RetryQuery) ([]model.WebhookEvent, error)
	CountByStatus(ctx context.Context, q StatsQuery) ([]model.StatusCount, error)
}

type StatusUpdate struct {
	Status  model.ProcessingStatus
	Details *model.ErrorDetails
	// Attempt, when set, must equal the row's retry_count.
	Attempt *int
	// OwnerID is stored only if the row has no owner yet.
	OwnerID string
	At      time.Time
}

type RetryQuery struct {
	MaxRetryCount int
	// AttemptedBefore selects failed events last attempted at or before it.
	AttemptedBefore time.Time
	// StalePendingBefore, when set, also selects pending events not attempted since.
	StalePendingBefore *time.Time
	// After, when set, resumes below a previous page: only rows ordered after
	// (After.LastAttempt(), After.ID) are returned.
	After *RetryCursor
	Limit int
}

// RetryCursor is the position of the last row of a retry candidate page.
type RetryCursor struct {
	LastAttempt time.Time
	ID          string
}

type StatsQuery struct {
	From       *time.Time
	To         *time.Time
	MaxRetries int
}

const eventColumns = `id, provider_event_id, event_type, payload, processing_status, processed_at,
	error_details, retry_count, owner_id, last_attempt_at, created_at, updated_at`

type EventsRepositoryImpl struct {
	db *sqlx.DB
}

func NewEventsRepository(db *sqlx.DB) *EventsRepositoryImpl {
	return &EventsRepositoryImpl{db: db}
}

var _ EventsRepository = (*EventsRepositoryImpl)(nil)

// InsertIfAbsent relies on UNIQUE(provider_event_id); concurrent inserts of the
// same id resolve in the storage engine, never in application code.
func (r *EventsRepositoryImpl) InsertIfAbsent(ctx context.Context, ev *model.WebhookEvent) (bool, *model.WebhookEvent, error) {
	const q = `
		INSERT INTO webhook_events
		    (id, provider_event_id, event_type, payload, processing_status, retry_count, owner_id, created_at, updated_at)
		VALUES
		    (?,  ?,                 ?,          ?,       'pending',         0,           ?,        ?,          ?)
		ON DUPLICATE KEY UPDATE id = id
	`
	res, err := r.db.ExecContext(ctx, q,
		ev.ID, ev.ProviderEventID, ev.EventType, ev.Payload, ev.OwnerID, ev.CreatedAt, ev.CreatedAt,
	)
	if err != nil {
		return false, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, err
	}

	var stored model.WebhookEvent
	if err := r.db.GetContext(ctx, &stored,
		`SELECT `+eventColumns+` FROM webhook_events WHERE provider_event_id = ? LIMIT 1`, ev.ProviderEventID,
	); err != nil {
		return false, nil, err
	}
	return n == 1, &stored, nil
}

func (r *EventsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.WebhookEvent, error) {
	var ev model.WebhookEvent
	err := r.db.GetContext(ctx, &ev, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ? LIMIT 1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *EventsRepositoryImpl) UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (bool, error) {
	var details any
	if upd.Details != nil {
		details = *upd.Details
	}
	var processedAt any
	if upd.Status.Final() {
		processedAt = upd.At
	}

	q := `
		UPDATE webhook_events
		   SET processing_status = ?,
		       error_details     = ?,
		       processed_at      = COALESCE(?, processed_at),
		       owner_id          = COALESCE(owner_id, NULLIF(?, '')),
		       last_attempt_at   = ?,
		       updated_at        = ?
		 WHERE id = ?
		   AND processing_status IN ('pending', 'failed')
	`
	args := []any{upd.Status.String(), details, processedAt, upd.OwnerID, upd.At, upd.At, id}
	if upd.Attempt != nil {
		q += " AND retry_count = ?"
		args = append(args, *upd.Attempt)
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *EventsRepositoryImpl) IncrementRetry(ctx context.Context, id string, expected int, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		   SET retry_count = retry_count + 1, updated_at = ?
		 WHERE id = ?
		   AND retry_count = ?
		   AND processing_status IN ('pending', 'failed')
	`, at, id, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *EventsRepositoryImpl) ListRetryCandidates(ctx context.Context, q RetryQuery) ([]model.WebhookEvent, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 50
	}

	query := `SELECT ` + eventColumns + ` FROM webhook_events
		WHERE retry_count < ?
		  AND ((processing_status = 'failed' AND COALESCE(last_attempt_at, created_at) <= ?)`
	args := []any{q.MaxRetryCount, q.AttemptedBefore}
	if q.StalePendingBefore != nil {
		query += ` OR (processing_status = 'pending' AND COALESCE(last_attempt_at, created_at) <= ?)`
		args = append(args, *q.StalePendingBefore)
	}
	query += `)`
	if q.After != nil {
		query += `
		  AND (COALESCE(last_attempt_at, created_at) > ?
		       OR (COALESCE(last_attempt_at, created_at) = ? AND id > ?))`
		args = append(args, q.After.LastAttempt, q.After.LastAttempt, q.After.ID)
	}
	query += `
		ORDER BY COALESCE(last_attempt_at, created_at) ASC, id ASC
		LIMIT ?`
	args = append(args, q.Limit)

	var rows []model.WebhookEvent
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *EventsRepositoryImpl) CountByStatus(ctx context.Context, q StatsQuery) ([]model.StatusCount, error) {
	query := `
		SELECT processing_status AS status,
		       COUNT(*) AS cnt,
		       COALESCE(SUM(retry_count), 0) AS retry_sum,
		       COALESCE(SUM(processing_status = 'failed' AND retry_count >= ?), 0) AS exhausted
		  FROM webhook_events
		 WHERE 1 = 1`
	args := []any{q.MaxRetries}
	if q.From != nil {
		query += " AND created_at >= ?"
		args = append(args, *q.From)
	}
	if q.To != nil {
		query += " AND created_at < ?"
		args = append(args, *q.To)
	}
	query += " GROUP BY processing_status"

	var rows []model.StatusCount
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
