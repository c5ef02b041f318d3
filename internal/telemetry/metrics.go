package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PaymentsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_payments_created_total", Help: "Payments persisted by the idempotent payment path"})
	IdempotentReplays    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_idempotent_replays_total", Help: "Responses served from a stored idempotency key"})
	IdempotencyConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_idempotency_conflicts_total", Help: "Idempotency key inserts that lost a race"})
	IdempotencyExhausted = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_idempotency_retry_exhausted_total", Help: "Idempotency races that did not settle within the retry budget"})
	OrdersAccepted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_orders_accepted_total", Help: "Orders committed with a queued job"})
	EnqueueFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_enqueue_failures_total", Help: "Job messages that could not be pushed after commit"})
	JobsCompleted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed           = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_jobs_failed_total", Help: "Jobs marked failed and dead-lettered"})
	JobsDuplicate        = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_jobs_duplicate_total", Help: "Redelivered messages for jobs no longer queued"})
	JobsReconciled       = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_jobs_reconciled_total", Help: "Stale queued jobs re-enqueued by the sweep"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "orderflow_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderflow_jobs_inflight", Help: "Jobs currently being processed by this process"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderflow_queue_depth", Help: "Messages waiting in the order queue"})
	RequestDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderflow_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PaymentsCreated,
			IdempotentReplays,
			IdempotencyConflicts,
			IdempotencyExhausted,
			OrdersAccepted,
			EnqueueFailures,
			JobsCompleted,
			JobsFailed,
			JobsDuplicate,
			JobsReconciled,
			RateLimitRejects,
			InFlightGauge,
			QueueDepthGauge,
			RequestDuration,
		)
	})
	return promhttp.Handler()
}
