// Package health aggregates enhanced statuses into sync metrics and per-owner
// verdicts.
package health

import (
	"math"
	"time"

	"github.com/jmehdipour/subsync/internal/model"
)

const (
	maxHealthyRetries = 2
	maxSyncAge        = 24 * time.Hour
)

type SyncMetrics struct {
	Total             int     `json:"total"`
	Synced            int     `json:"synced"`
	Pending           int     `json:"pending"`
	Failed            int     `json:"failed"`
	RetryNeeded       int     `json:"retry_needed"`
	HealthyPercentage float64 `json:"healthy_percentage"`
}

// Add counts one status into m. HealthyPercentage is left for Finish.
func (m *SyncMetrics) Add(st *model.EnhancedSubscriptionStatus) {
	m.Total++
	switch st.SyncStatus {
	case model.SyncSynced:
		m.Synced++
	case model.SyncPending:
		m.Pending++
	case model.SyncFailed:
		m.Failed++
	case model.SyncRetryNeeded:
		m.RetryNeeded++
	}
}

// Finish computes HealthyPercentage as synced/total*100, rounded to two decimals.
func (m *SyncMetrics) Finish() {
	if m.Total == 0 {
		m.HealthyPercentage = 0
		return
	}
	m.HealthyPercentage = math.Round(float64(m.Synced)/float64(m.Total)*100*100) / 100
}

func Aggregate(statuses []model.EnhancedSubscriptionStatus) SyncMetrics {
	var m SyncMetrics
	for i := range statuses {
		m.Add(&statuses[i])
	}
	m.Finish()
	return m
}

// IsHealthy: synced, at most two retries, and synced within the last 24 hours.
func IsHealthy(st *model.EnhancedSubscriptionStatus, now time.Time) bool {
	if st == nil || st.SyncStatus != model.SyncSynced || st.RetryCount > maxHealthyRetries {
		return false
	}
	if st.LastSyncAt == nil {
		return false
	}
	return now.Sub(*st.LastSyncAt) <= maxSyncAge
}

type Verdict string

const (
	VerdictHealthy        Verdict = "healthy"
	VerdictProcessing     Verdict = "processing"
	VerdictNeedsAttention Verdict = "needs_attention"
)

// Outcome is the single user-facing answer to a manual sync.
type Outcome struct {
	Verdict Verdict `json:"status"`
	Message string  `json:"message"`
}

// Evaluate reduces an owner's status to an Outcome. It never exposes internal
// error codes.
func Evaluate(st *model.EnhancedSubscriptionStatus, now time.Time, maxRetries int) Outcome {
	switch {
	case st == nil:
		return Outcome{VerdictProcessing, "Your subscription is being set up. Check back in a moment."}
	case IsHealthy(st, now):
		return Outcome{VerdictHealthy, "Your subscription is up to date."}
	case st.SyncStatus == model.SyncFailed,
		st.SubscriptionStatus.Terminal(),
		st.PaymentMethodStatus == model.PaymentMethodRequiresAction,
		st.RetryCount >= maxRetries:
		return Outcome{VerdictNeedsAttention, "We could not confirm your subscription. Please contact support or update your payment method."}
	default:
		return Outcome{VerdictProcessing, "Your subscription is syncing. This usually takes a few minutes."}
	}
}
