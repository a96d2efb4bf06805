package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// OutboxRepository appends rows to the outbox table, which Debezium relays to
// Kafka using the topic column.
type OutboxRepository interface {
	// Insert uses tx when given; otherwise it commits its own transaction.
	Insert(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte) error
}

type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte) error {
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (aggregate, aggregate_id, topic, payload, created_at)
			VALUES (?, ?, ?, ?, NOW())
		`, aggregate, aggregateID, topic, payload)
		return err
	})
}
