package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Delivery outcome metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of outbox events published to the broker",
		},
		[]string{"event_type", "event_domain", "exchange", "routing_key"},
	)

	eventsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_failed_total",
			Help: "Total number of outbox events that failed to publish",
		},
		[]string{"event_type", "event_domain", "error_type"},
	)

	eventsRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_retried_total",
			Help: "Total number of in-cycle publish retries",
		},
		[]string{"event_type", "event_domain", "attempt"},
	)

	eventsDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_discarded_total",
			Help: "Total number of outbox events discarded permanently",
		},
		[]string{"event_type", "event_domain", "reason"},
	)

	publishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_errors_total",
			Help: "Total number of publish errors by classification",
		},
		[]string{"error_type", "error_code"},
	)

	// Circuit breaker metrics
	circuitBreakerTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"component"},
	)

	// Connection and backlog gauges
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Outbox rows by status",
		},
		[]string{"status"},
	)

	brokerConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_connection_status",
			Help: "Broker connection status (1=connected, 0=down)",
		},
	)

	dbConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connection_status",
			Help: "Outbox store connection status (1=connected, 0=down)",
		},
	)

	// Duration histograms
	eventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "event_processing_duration_seconds",
			Help:    "Per-event claim-to-settle duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	batchProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_processing_duration_seconds",
			Help:    "Full batch cycle duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	publishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "publish_duration_seconds",
			Help:    "Broker publish-and-confirm duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"exchange", "routing_key"},
	)
)

// RecordPublished records one successfully published event
func RecordPublished(eventType, eventDomain, exchange, routingKey string) {
	eventsPublishedTotal.WithLabelValues(eventType, eventDomain, exchange, routingKey).Inc()
}

// RecordFailed records one event whose publish failed
func RecordFailed(eventType, eventDomain, errorType string) {
	eventsFailedTotal.WithLabelValues(eventType, eventDomain, errorType).Inc()
}

// RecordRetry records one in-cycle publish retry
func RecordRetry(eventType, eventDomain string, attempt int) {
	eventsRetriedTotal.WithLabelValues(eventType, eventDomain, strconv.Itoa(attempt)).Inc()
}

// RecordDiscarded records one permanently discarded event
func RecordDiscarded(eventType, eventDomain, reason string) {
	eventsDiscardedTotal.WithLabelValues(eventType, eventDomain, reason).Inc()
}

// RecordPublishError records one classified publish error
func RecordPublishError(errorType, errorCode string) {
	publishErrorsTotal.WithLabelValues(errorType, errorCode).Inc()
}

// RecordBreakerTrip records one breaker state transition
func RecordBreakerTrip(component, from, to string) {
	circuitBreakerTripsTotal.WithLabelValues(component, from, to).Inc()
}

// SetBreakerState mirrors the breaker state gauge
func SetBreakerState(component string, state int) {
	circuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// SetQueueDepth sets the outbox backlog gauge for one status
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// SetBrokerConnected flips the broker connection gauge
func SetBrokerConnected(up bool) {
	if up {
		brokerConnectionStatus.Set(1)
	} else {
		brokerConnectionStatus.Set(0)
	}
}

// SetDBConnected flips the store connection gauge
func SetDBConnected(up bool) {
	if up {
		dbConnectionStatus.Set(1)
	} else {
		dbConnectionStatus.Set(0)
	}
}

// ObserveEventProcessing records one per-event processing duration
func ObserveEventProcessing(d time.Duration) {
	eventProcessingDuration.Observe(d.Seconds())
}

// ObserveBatchProcessing records one batch cycle duration
func ObserveBatchProcessing(d time.Duration) {
	batchProcessingDuration.Observe(d.Seconds())
}

// ObservePublish records one publish-and-confirm duration
func ObservePublish(exchange, routingKey string, d time.Duration) {
	publishDuration.WithLabelValues(exchange, routingKey).Observe(d.Seconds())
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
