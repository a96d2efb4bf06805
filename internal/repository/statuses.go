package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmoiron/sqlx"
)

// ErrNoChange may be returned by a Mutate callback to leave the row untouched.
var ErrNoChange = errors.New("no change")

// StatusRepository persists subscription_sync_status, one row per owner.
type StatusRepository interface {
	// Get returns nil, nil for an unknown owner.
	Get(ctx context.Context, ownerID string) (*model.EnhancedSubscriptionStatus, error)
	// Mutate loads the owner's row under a write lock (creating a default row
	// when absent), applies fn and saves the result atomically.
	Mutate(ctx context.Context, ownerID string, fn func(st *model.EnhancedSubscriptionStatus) error) (*model.EnhancedSubscriptionStatus, error)
	// List pages through rows ordered by owner_id, starting after afterOwnerID.
	List(ctx context.Context, afterOwnerID string, limit int) ([]model.EnhancedSubscriptionStatus, error)
}

const statusColumns = `owner_id, subscription_status, external_subscription_id, metadata, last_sync_at,
	sync_status, payment_method_status, retry_count, created_at, updated_at`

type StatusRepositoryImpl struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewStatusRepository(db *sqlx.DB) *StatusRepositoryImpl {
	return &StatusRepositoryImpl{db: db, now: time.Now}
}

var _ StatusRepository = (*StatusRepositoryImpl)(nil)

func (r *StatusRepositoryImpl) Get(ctx context.Context, ownerID string) (*model.EnhancedSubscriptionStatus, error) {
	var st model.EnhancedSubscriptionStatus
	err := r.db.GetContext(ctx, &st,
		`SELECT `+statusColumns+` FROM subscription_sync_status WHERE owner_id = ? LIMIT 1`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *StatusRepositoryImpl) Mutate(ctx context.Context, ownerID string, fn func(st *model.EnhancedSubscriptionStatus) error) (*model.EnhancedSubscriptionStatus, error) {
	var out *model.EnhancedSubscriptionStatus
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		now := r.now()
		def := model.NewEnhancedStatus(ownerID, now)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscription_sync_status
			    (owner_id, subscription_status, metadata, sync_status, payment_method_status, retry_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)
			ON DUPLICATE KEY UPDATE owner_id = owner_id
		`, ownerID, def.SubscriptionStatus.String(), def.Metadata, def.SyncStatus.String(),
			def.PaymentMethodStatus.String(), now, now); err != nil {
			return err
		}

		var st model.EnhancedSubscriptionStatus
		if err := tx.GetContext(ctx, &st,
			`SELECT `+statusColumns+` FROM subscription_sync_status WHERE owner_id = ? FOR UPDATE`, ownerID,
		); err != nil {
			return err
		}

		if err := fn(&st); err != nil {
			return err
		}
		st.OwnerID = ownerID
		st.UpdatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE subscription_sync_status
			   SET subscription_status      = ?,
			       external_subscription_id = ?,
			       metadata                 = ?,
			       last_sync_at             = ?,
			       sync_status              = ?,
			       payment_method_status    = ?,
			       retry_count              = ?,
			       updated_at               = ?
			 WHERE owner_id = ?
		`, st.SubscriptionStatus.String(), st.ExternalSubscriptionID, st.Metadata, st.LastSyncAt,
			st.SyncStatus.String(), st.PaymentMethodStatus.String(), st.RetryCount, st.UpdatedAt, ownerID,
		); err != nil {
			return err
		}
		out = &st
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return r.Get(ctx, ownerID)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *StatusRepositoryImpl) List(ctx context.Context, afterOwnerID string, limit int) ([]model.EnhancedSubscriptionStatus, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []model.EnhancedSubscriptionStatus
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT `+statusColumns+`
		  FROM subscription_sync_status
		 WHERE owner_id > ?
		 ORDER BY owner_id ASC
		 LIMIT ?
	`, afterOwnerID, limit); err != nil {
		return nil, err
	}
	return rows, nil
}
