package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/subsync/internal/model"
	"github.com/jmoiron/sqlx"
)

// SubscriptionsRepository reads user_subscriptions, which another system owns.
// It intentionally has no write methods.
type SubscriptionsRepository interface {
	// GetByOwner returns nil, nil when the owner has no subscription.
	GetByOwner(ctx context.Context, ownerID string) (*model.UserSubscription, error)
	// FindOwnerByExternalID returns "" when no row references externalID.
	FindOwnerByExternalID(ctx context.Context, externalID string) (string, error)
	ListOwnerIDs(ctx context.Context, afterOwnerID string, limit int) ([]string, error)
}

type SubscriptionsRepositoryImpl struct {
	db *sqlx.DB
}

func NewSubscriptionsRepository(db *sqlx.DB) *SubscriptionsRepositoryImpl {
	return &SubscriptionsRepositoryImpl{db: db}
}

var _ SubscriptionsRepository = (*SubscriptionsRepositoryImpl)(nil)

func (r *SubscriptionsRepositoryImpl) GetByOwner(ctx context.Context, ownerID string) (*model.UserSubscription, error) {
	var s model.UserSubscription
	err := r.db.GetContext(ctx, &s, `
		SELECT owner_id, status, external_subscription_id, plan_id, current_period_end, cancel_at_period_end, updated_at
		  FROM user_subscriptions
		 WHERE owner_id = ? LIMIT 1
	`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubscriptionsRepositoryImpl) FindOwnerByExternalID(ctx context.Context, externalID string) (string, error) {
	var owner string
	err := r.db.GetContext(ctx, &owner,
		`SELECT owner_id FROM user_subscriptions WHERE external_subscription_id = ? LIMIT 1`, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return owner, err
}

func (r *SubscriptionsRepositoryImpl) ListOwnerIDs(ctx context.Context, afterOwnerID string, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, `
		SELECT owner_id FROM user_subscriptions
		 WHERE owner_id > ?
		 ORDER BY owner_id ASC
		 LIMIT ?
	`, afterOwnerID, limit); err != nil {
		return nil, err
	}
	return ids, nil
}
