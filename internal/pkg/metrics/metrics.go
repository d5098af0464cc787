// Package metrics holds the Prometheus collectors of the billing service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "billing"

// HTTPRequests counts served requests by route pattern and status class.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total HTTP requests by method, route and status.",
}, []string{"method", "route", "status"})

// HTTPDuration observes request latency.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route"})

// LedgerOperations counts ledger writes by operation and result.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by operation (debit, credit, refund) and result.",
}, []string{"operation", "result"})

// LedgerInconsistencies counts aborted writes whose balance did not match the transaction log.
var LedgerInconsistencies = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "inconsistencies_total",
	Help:      "Writes aborted because balance != sum(credits_delta).",
})

// TopUpAttempts counts charge attempts by kind (auto, manual) and result.
var TopUpAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "topup",
	Name:      "attempts_total",
	Help:      "Top-up charge attempts by kind and result.",
}, []string{"kind", "result"})

// TopUpChargeDuration observes external charge latency.
var TopUpChargeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "topup",
	Name:      "charge_duration_seconds",
	Help:      "Latency of external charge calls.",
	Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
})

// WebhookEvents counts processed payment events by type and outcome.
var WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "events_total",
	Help:      "Payment events by type and outcome.",
}, []string{"type", "outcome"})

// RetryQueueDepth is the number of events waiting for redelivery.
var RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "retry_queue_depth",
	Help:      "Events queued for retry after a transient failure.",
})

// HTTPPanics counts handler panics turned into 500s.
var HTTPPanics = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "panics_total",
	Help:      "Recovered handler panics.",
})

// WSConnections is the number of open realtime connections on this instance.
var WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "realtime",
	Name:      "connections",
	Help:      "Open websocket connections.",
})

// Notifications counts account events by delivery result.
var Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "realtime",
	Name:      "notifications_total",
	Help:      "Account notifications by event type and result.",
}, []string{"type", "result"})

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
