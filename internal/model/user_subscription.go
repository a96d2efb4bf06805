package model

import "time"

// UserSubscription is the primary subscription record maintained outside this
// service. subsync only reads it.
type UserSubscription struct {
	OwnerID                string     `db:"owner_id"                 json:"owner_id"`
	Status                 string     `db:"status"                   json:"status"`
	ExternalSubscriptionID *string    `db:"external_subscription_id" json:"external_subscription_id,omitempty"`
	PlanID                 *string    `db:"plan_id"                  json:"plan_id,omitempty"`
	CurrentPeriodEnd       *time.Time `db:"current_period_end"       json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `db:"cancel_at_period_end"     json:"cancel_at_period_end"`
	UpdatedAt              time.Time  `db:"updated_at"               json:"updated_at"`
}

func (s *UserSubscription) ExternalID() string {
	if s == nil || s.ExternalSubscriptionID == nil {
		return ""
	}
	return *s.ExternalSubscriptionID
}
