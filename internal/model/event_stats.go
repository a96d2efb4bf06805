package model

// StatusCount is one row of the per-status aggregate over webhook_events.
type StatusCount struct {
	Status    ProcessingStatus `db:"status"`
	Count     int              `db:"cnt"`
	RetrySum  int              `db:"retry_sum"`
	Exhausted int              `db:"exhausted"`
}

// EventStats summarizes event processing over a time window.
type EventStats struct {
	Total         int     `json:"total"`
	Pending       int     `json:"pending"`
	Processed     int     `json:"processed"`
	Failed        int     `json:"failed"`
	Skipped       int     `json:"skipped"`
	Exhausted     int     `json:"exhausted"`
	SuccessRate   float64 `json:"success_rate"`
	FailureRate   float64 `json:"failure_rate"`
	AvgRetryCount float64 `json:"avg_retry_count"`
}
