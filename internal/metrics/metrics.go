// Package metrics exposes Prometheus instrumentation for event ingest,
// detection and alert delivery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery results recorded on WebhookDeliveries.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryDropped   = "dropped"
)

var (
	// Ingest
	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authwatch_events_processed_total",
			Help: "Total number of authentication events processed",
		},
	)

	ValidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authwatch_validation_failures_total",
			Help: "Total number of events rejected before touching state",
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authwatch_event_processing_duration_seconds",
			Help:    "Time spent recording and evaluating a single event",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		},
	)

	// Detection
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authwatch_alerts_total",
			Help: "Total number of alerts raised",
		},
		[]string{"type", "severity"},
	)

	// Delivery
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authwatch_webhook_deliveries_total",
			Help: "Alert notifications by outcome",
		},
		[]string{"result"}, // "delivered", "failed", "dropped"
	)

	WebhookAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authwatch_webhook_attempts_total",
			Help: "Outbound webhook HTTP attempts, including retries",
		},
	)

	WebhookQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "authwatch_webhook_queue_depth",
			Help: "Alerts waiting to be delivered",
		},
	)

	WebhookBreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "authwatch_webhook_circuit_open",
			Help: "1 while the webhook circuit breaker is open",
		},
	)
)

// RecordEvent records one processed event and how long it took.
func RecordEvent(d time.Duration) {
	EventsProcessed.Inc()
	ProcessingDuration.Observe(d.Seconds())
}

// RecordAlert counts one raised alert.
func RecordAlert(alertType, severity string) {
	AlertsRaised.WithLabelValues(alertType, severity).Inc()
}

// RecordDelivery counts one notification outcome.
func RecordDelivery(result string) {
	WebhookDeliveries.WithLabelValues(result).Inc()
}

// RegisterTrackedKeys exposes the number of tracked API keys, read from fn at
// scrape time. Call it once per process.
func RegisterTrackedKeys(fn func() int) {
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "authwatch_tracked_keys",
			Help: "API keys currently held in memory",
		},
		func() float64 { return float64(fn()) },
	)
}
