package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_events_total",
			Help: "Webhook events by lifecycle stage",
		},
		[]string{"stage"}, // logged|duplicate|processed|failed|skipped
	)

	RetryAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subsync_retry_attempts_total",
			Help: "Events claimed for a retry attempt",
		},
	)

	RetryExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subsync_retry_exhausted_total",
			Help: "Events that reached the retry bound and became terminal",
		},
	)

	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_reconcile_total",
			Help: "Reconciliation results per owner",
		},
		[]string{"result"}, // consistent|reported|repaired|deferred|conflict|backoff|exhausted|orphan|locked|error
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_provider_requests_total",
			Help: "Payment provider lookups by result",
		},
		[]string{"result"}, // ok|error|breaker_open
	)

	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subsync_provider_request_seconds",
			Help:    "Payment provider lookup latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncStatusOwners = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subsync_owners",
			Help: "Owners by enhanced sync status, as of the last aggregation",
		},
		[]string{"sync_status"},
	)

	HistoryRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subsync_history_rows_total",
			Help: "Event history rows written to ClickHouse",
		},
		[]string{"result"}, // ok|error|dropped
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EventsTotal,
		RetryAttemptsTotal,
		RetryExhaustedTotal,
		ReconcileTotal,
		ProviderRequestsTotal,
		ProviderLatency,
		SyncStatusOwners,
		HistoryRowsTotal,
	)
}
