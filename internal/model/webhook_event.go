package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingProcessed ProcessingStatus = "processed"
	ProcessingFailed    ProcessingStatus = "failed"
	ProcessingSkipped   ProcessingStatus = "skipped"
)

func (s ProcessingStatus) String() string { return string(s) }

func (s ProcessingStatus) Valid() bool {
	switch s {
	case ProcessingPending, ProcessingProcessed, ProcessingFailed, ProcessingSkipped:
		return true
	}
	return false
}

// Final reports whether no further transition is allowed out of s.
func (s ProcessingStatus) Final() bool {
	return s == ProcessingProcessed || s == ProcessingSkipped
}

// CanTransition reports whether an attempt outcome `to` may be written over s.
// pending and failed accept any outcome; processed and skipped are final.
func (s ProcessingStatus) CanTransition(to ProcessingStatus) bool {
	if s.Final() || !to.Valid() || to == ProcessingPending {
		return false
	}
	return true
}

// Payload is raw JSON as received from the provider. Scan copies the driver
// buffer so rows can be kept after the cursor moves on.
type Payload []byte

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	*p = append((*p)[:0], b...)
	return nil
}

func (p Payload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return []byte("{}"), nil
	}
	return []byte(p), nil
}

func (p *Payload) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(Payload(nil), v...)
	case string:
		*p = Payload(v)
	default:
		return fmt.Errorf("payload: unsupported scan type %T", src)
	}
	return nil
}

// ErrorDetails is the structured diagnostic stored on a failed or skipped event.
type ErrorDetails struct {
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	Attempt  int       `json:"attempt"`
	Terminal bool      `json:"terminal,omitempty"`
	At       time.Time `json:"at"`
}

func (d ErrorDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (d *ErrorDetails) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("error_details: unsupported scan type %T", src)
	}
	return json.Unmarshal(b, d)
}

// WebhookEvent is one inbound provider notification as persisted in webhook_events.
type WebhookEvent struct {
	ID               string           `db:"id"                json:"event_id"`
	ProviderEventID  string           `db:"provider_event_id" json:"provider_event_id"`
	EventType        string           `db:"event_type"        json:"event_type"`
	Payload          Payload          `db:"payload"           json:"payload"`
	ProcessingStatus ProcessingStatus `db:"processing_status" json:"processing_status"`
	ProcessedAt      *time.Time       `db:"processed_at"      json:"processed_at,omitempty"`
	ErrorDetails     *ErrorDetails    `db:"error_details"     json:"error_details,omitempty"`
	RetryCount       int              `db:"retry_count"       json:"retry_count"`
	OwnerID          *string          `db:"owner_id"          json:"owner_id,omitempty"`
	LastAttemptAt    *time.Time       `db:"last_attempt_at"   json:"last_attempt_at,omitempty"`
	CreatedAt        time.Time        `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"        json:"updated_at"`
}

// Owner returns the owner id or "" for system-level notifications.
func (e *WebhookEvent) Owner() string {
	if e.OwnerID == nil {
		return ""
	}
	return *e.OwnerID
}

// Exhausted reports whether a failed event has used up its retry budget.
func (e *WebhookEvent) Exhausted(maxRetries int) bool {
	return e.ProcessingStatus == ProcessingFailed && e.RetryCount >= maxRetries
}

// LastAttempt returns LastAttemptAt, falling back to CreatedAt for events that
// were recorded but never attempted.
func (e *WebhookEvent) LastAttempt() time.Time {
	if e.LastAttemptAt != nil {
		return *e.LastAttemptAt
	}
	return e.CreatedAt
}
