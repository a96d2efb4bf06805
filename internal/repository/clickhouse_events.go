package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmoiron/sqlx"
)

// CHEventsRepository keeps an append-only history of event attempts in
// ClickHouse. Rows are versioned by updated_at and read through the
// webhook_events_latest view.
type CHEventsRepository interface {
	InsertBatch(ctx context.Context, events []model.WebhookEvent) error
	ListByOwner(ctx context.Context, ownerID string, status model.ProcessingStatus, limit, offset int) ([]model.WebhookEvent, error)
}

type chEventRow struct {
	ID               string    `db:"id"`
	ProviderEventID  string    `db:"provider_event_id"`
	EventType        string    `db:"event_type"`
	OwnerID          string    `db:"owner_id"`
	ProcessingStatus string    `db:"processing_status"`
	RetryCount       uint32    `db:"retry_count"`
	ErrorCode        string    `db:"error_code"`
	ErrorMessage     string    `db:"error_message"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r chEventRow) event() model.WebhookEvent {
	ev := model.WebhookEvent{
		ID:               r.ID,
		ProviderEventID:  r.ProviderEventID,
		EventType:        r.EventType,
		ProcessingStatus: model.ProcessingStatus(r.ProcessingStatus),
		RetryCount:       int(r.RetryCount),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.OwnerID != "" {
		owner := r.OwnerID
		ev.OwnerID = &owner
	}
	if r.ErrorCode != "" || r.ErrorMessage != "" {
		ev.ErrorDetails = &model.ErrorDetails{Code: r.ErrorCode, Message: r.ErrorMessage}
	}
	return ev
}

type chEventsRepository struct {
	ch *sqlx.DB
}

func NewCHEventsRepository(ch *sqlx.DB) CHEventsRepository {
	return &chEventsRepository{ch: ch}
}

func (r *chEventsRepository) InsertBatch(ctx context.Context, events []model.WebhookEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO subsync.webhook_events_history
		    (id, provider_event_id, event_type, owner_id, processing_status, retry_count,
		     error_code, error_message, created_at, updated_at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range events {
		ev := &events[i]
		var code, msg string
		if ev.ErrorDetails != nil {
			code, msg = ev.ErrorDetails.Code, ev.ErrorDetails.Message
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.ProviderEventID, ev.EventType, ev.Owner(), ev.ProcessingStatus.String(),
			uint32(ev.RetryCount), code, msg, ev.CreatedAt, ev.UpdatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *chEventsRepository) ListByOwner(ctx context.Context, ownerID string, status model.ProcessingStatus, limit, offset int) ([]model.WebhookEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT id, provider_event_id, event_type, owner_id, processing_status, retry_count,
		       error_code, error_message, created_at, updated_at
		FROM subsync.webhook_events_latest
		WHERE owner_id = ?
	`
	args := []any{ownerID}

	if status != "" {
		q += " AND processing_status = ?"
		args = append(args, status.String())
	}

	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []chEventRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]model.WebhookEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.event())
	}
	return out, nil
}
