package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook ingestion metrics
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbridge_webhooks_total",
			Help: "Total number of webhook requests received",
		},
		[]string{"provider", "status"},
	)

	WebhookBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookbridge_webhook_bytes_total",
			Help: "Total bytes of webhook payload data received",
		},
	)

	// Delivery engine metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbridge_deliveries_total",
			Help: "Total number of envelopes reaching a terminal state",
		},
		[]string{"queue", "outcome"},
	)

	DeliveryRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookbridge_delivery_retries_total",
			Help: "Total number of scheduled delivery retries",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookbridge_sessions_active",
			Help: "Number of session keys with in-flight deliveries",
		},
	)

	// Queue provider metrics
	QueueSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookbridge_queue_send_duration_seconds",
			Help:    "Duration of queue send operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	QueueSendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbridge_queue_send_errors_total",
			Help: "Total number of queue send errors",
		},
		[]string{"provider", "class"},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookbridge_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbridge_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "to"},
	)

	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbridge_breaker_rejections_total",
			Help: "Total number of calls rejected while the circuit was open",
		},
		[]string{"breaker"},
	)

	// Dead letter queue metrics
	DLQWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbridge_dlq_written_total",
			Help: "Total number of failed event records written to the DLQ",
		},
		[]string{"reason"},
	)

	// Rate limiting metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookbridge_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"provider"},
	)
)
