package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SweepsTotal tracks scheduler sweeps
	SweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopay_sweeps_total",
			Help: "Total number of scheduler sweeps",
		},
	)

	// SubscriptionsQueued tracks subscriptions queued per sweep
	SubscriptionsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopay_subscriptions_queued_total",
			Help: "Total number of subscriptions queued for payment",
		},
	)

	// JobsEnqueued tracks payment jobs accepted by the queue
	JobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopay_jobs_enqueued_total",
			Help: "Total number of payment jobs enqueued",
		},
	)

	// PaymentsSettled tracks successful settlements per network
	PaymentsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopay_payments_settled_total",
			Help: "Total number of payments settled",
		},
		[]string{"network"},
	)

	// PaymentsFailed tracks failed payment attempts per error category
	PaymentsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopay_payments_failed_total",
			Help: "Total number of failed payment attempts",
		},
		[]string{"category"},
	)

	// SettlementLatency tracks end-to-end settlement latency
	SettlementLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autopay_settlement_latency_seconds",
			Help:    "Settlement latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// FacilitatorRequestsTotal tracks facilitator HTTP calls
	FacilitatorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopay_facilitator_requests_total",
			Help: "Total number of facilitator requests",
		},
		[]string{"endpoint", "status"},
	)

	// QueueDepth tracks queued jobs per state
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autopay_queue_depth",
			Help: "Number of jobs in the queue by state",
		},
		[]string{"state"},
	)

	// DBConnectionPoolUsage tracks database connection pool utilisation
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autopay_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
