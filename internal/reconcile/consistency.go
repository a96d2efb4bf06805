// Package reconcile detects drift between user_subscriptions and the
// enhanced sync status, and repairs it according to the configured policy.
package reconcile

import (
	"fmt"

	"github.com/jmehdipour/subsync/internal/model"
)

const (
	IssueStatusMissing = "enhanced status missing for existing subscription"
	IssueOrphanStatus  = "enhanced status exists without base subscription"
)

type Report struct {
	OwnerID      string   `json:"owner_id,omitempty"`
	IsConsistent bool     `json:"is_consistent"`
	Issues       []string `json:"issues"`
}

// ValidateConsistency compares the base subscription with the enhanced
// status. Both nil is consistent. It only reports; it never fails.
func ValidateConsistency(sub *model.UserSubscription, st *model.EnhancedSubscriptionStatus) Report {
	rep := Report{Issues: []string{}}
	switch {
	case sub != nil:
		rep.OwnerID = sub.OwnerID
	case st != nil:
		rep.OwnerID = st.OwnerID
	}

	switch {
	case sub == nil && st == nil:
	case st == nil:
		rep.Issues = append(rep.Issues, IssueStatusMissing)
	case sub == nil:
		rep.Issues = append(rep.Issues, IssueOrphanStatus)
	default:
		if !sameStatus(sub.Status, st.SubscriptionStatus) {
			rep.Issues = append(rep.Issues, fmt.Sprintf(
				"subscription status mismatch: base %q, enhanced %q", sub.Status, st.SubscriptionStatus))
		}
		if sub.ExternalID() != st.ExternalID() {
			rep.Issues = append(rep.Issues, fmt.Sprintf(
				"subscription id mismatch: base %q, enhanced %q", sub.ExternalID(), st.ExternalID()))
		}
	}
	rep.IsConsistent = len(rep.Issues) == 0
	return rep
}

// sameStatus tolerates the spelling and case differences ParseSubscriptionStatus
// normalizes; unknown base values are compared verbatim.
func sameStatus(base string, enhanced model.SubscriptionStatus) bool {
	if s, ok := model.ParseSubscriptionStatus(base); ok {
		return s == enhanced
	}
	return base == string(enhanced)
}

// Orphan reports whether rep describes a status row with no subscription.
func (r Report) Orphan() bool {
	return len(r.Issues) == 1 && r.Issues[0] == IssueOrphanStatus
}
