package model

import (
	"sort"
	"strings"
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
)

func (s SubscriptionStatus) String() string { return string(s) }

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue, SubscriptionCanceled,
		SubscriptionIncomplete, SubscriptionIncompleteExpired, SubscriptionUnpaid:
		return true
	}
	return false
}

// Terminal reports whether the provider has given up on collecting payment.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionIncompleteExpired || s == SubscriptionUnpaid
}

// ParseSubscriptionStatus normalizes provider input; "cancelled" is accepted.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, bool) {
	s := SubscriptionStatus(strings.ToLower(strings.TrimSpace(raw)))
	if s == "cancelled" {
		s = SubscriptionCanceled
	}
	return s, s.Valid()
}

type SyncStatus string

const (
	SyncSynced      SyncStatus = "synced"
	SyncPending     SyncStatus = "pending"
	SyncFailed      SyncStatus = "failed"
	SyncRetryNeeded SyncStatus = "retry_needed"
)

func (s SyncStatus) String() string { return string(s) }

type PaymentMethodStatus string

const (
	PaymentMethodValid          PaymentMethodStatus = "valid"
	PaymentMethodRequiresAction PaymentMethodStatus = "requires_action"
	PaymentMethodExpired        PaymentMethodStatus = "expired"
	PaymentMethodDeclined       PaymentMethodStatus = "declined"
)

func (s PaymentMethodStatus) String() string { return string(s) }

const (
	// maxErrorHistory bounds Metadata["errors"].
	maxErrorHistory = 20
	// errorTimeLayout sorts lexically in time order.
	errorTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// EnhancedSubscriptionStatus is the projected sync record, one row per owner.
type EnhancedSubscriptionStatus struct {
	OwnerID                string              `db:"owner_id"                 json:"owner_id"`
	SubscriptionStatus     SubscriptionStatus  `db:"subscription_status"      json:"subscription_status"`
	ExternalSubscriptionID *string             `db:"external_subscription_id" json:"external_subscription_id,omitempty"`
	Metadata               Metadata            `db:"metadata"                 json:"metadata"`
	LastSyncAt             *time.Time          `db:"last_sync_at"             json:"last_sync_at,omitempty"`
	SyncStatus             SyncStatus          `db:"sync_status"              json:"sync_status"`
	PaymentMethodStatus    PaymentMethodStatus `db:"payment_method_status"    json:"payment_method_status"`
	RetryCount             int                 `db:"retry_count"              json:"retry_count"`
	CreatedAt              time.Time           `db:"created_at"               json:"created_at"`
	UpdatedAt              time.Time           `db:"updated_at"               json:"updated_at"`
}

// NewEnhancedStatus returns the record used when an owner is seen for the first time.
func NewEnhancedStatus(ownerID string, now time.Time) *EnhancedSubscriptionStatus {
	return &EnhancedSubscriptionStatus{
		OwnerID:             ownerID,
		SubscriptionStatus:  SubscriptionIncomplete,
		Metadata:            Metadata{},
		SyncStatus:          SyncPending,
		PaymentMethodStatus: PaymentMethodValid,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (s *EnhancedSubscriptionStatus) ExternalID() string {
	if s == nil || s.ExternalSubscriptionID == nil {
		return ""
	}
	return *s.ExternalSubscriptionID
}

func (s *EnhancedSubscriptionStatus) SetExternalID(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	s.ExternalSubscriptionID = &id
}

// MarkSynced records a successful sync. RetryCount always resets here.
func (s *EnhancedSubscriptionStatus) MarkSynced(now time.Time) {
	s.SyncStatus = SyncSynced
	s.LastSyncAt = &now
	s.RetryCount = 0
}

// MarkRetryNeeded flags the record for the retry scheduler; RetryCount is
// owned by the scheduler and left alone.
func (s *EnhancedSubscriptionStatus) MarkRetryNeeded() {
	s.SyncStatus = SyncRetryNeeded
}

func (s *EnhancedSubscriptionStatus) MarkFailed() {
	s.SyncStatus = SyncFailed
}

func (s *EnhancedSubscriptionStatus) MergeMetadata(patch Metadata) {
	s.Metadata = s.Metadata.Merge(patch)
}

// RecordError adds an entry under Metadata["errors"] keyed by key (usually
// the provider event id). Re-recording the same key overwrites that entry only,
// so replaying an event does not grow the history.
func (s *EnhancedSubscriptionStatus) RecordError(key, code, message string, at time.Time) {
	entry := map[string]any{
		"code":    code,
		"message": message,
		"at":      at.UTC().Format(errorTimeLayout),
	}
	s.MergeMetadata(Metadata{
		"last_error": map[string]any{"key": key, "code": code, "message": message},
		"errors":     map[string]any{key: entry},
	})
	s.trimErrors()
}

func (s *EnhancedSubscriptionStatus) trimErrors() {
	errs := s.Metadata.Map("errors")
	if len(errs) <= maxErrorHistory {
		return
	}
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	at := func(k string) string { return errs.Map(k).String("at") }
	sort.Slice(keys, func(i, j int) bool {
		if at(keys[i]) == at(keys[j]) {
			return keys[i] < keys[j]
		}
		return at(keys[i]) < at(keys[j])
	})
	for _, k := range keys[:len(keys)-maxErrorHistory] {
		delete(errs, k)
	}
	s.Metadata["errors"] = map[string]any(errs)
}

// Clone returns a deep copy safe to mutate.
func (s *EnhancedSubscriptionStatus) Clone() *EnhancedSubscriptionStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = s.Metadata.Clone()
	if s.ExternalSubscriptionID != nil {
		id := *s.ExternalSubscriptionID
		c.ExternalSubscriptionID = &id
	}
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		c.LastSyncAt = &t
	}
	return &c
}
