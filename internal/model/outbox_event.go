package model

import "time"

// OutboxEvent is a row in the outbox table, relayed to Kafka by Debezium.
type OutboxEvent struct {
	ID          int64     `db:"id"`
	Aggregate   string    `db:"aggregate"`    // e.g. "subscription"
	AggregateID string    `db:"aggregate_id"` // owner id
	Topic       string    `db:"topic"`
	Payload     []byte    `db:"payload"`
	Attempts    int       `db:"attempts"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// ResyncRequest is the outbox payload asking a resync worker to repair one owner.
type ResyncRequest struct {
	OwnerID string   `json:"owner_id"`
	Issues  []string `json:"issues"`
	Policy  string   `json:"policy"`
}
