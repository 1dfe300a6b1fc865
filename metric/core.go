// Package metric provides the Prometheus registry and HTTP endpoint of the
// runtime. Components register their own collectors through
// MetricsRegistrar; the core metrics here cover the outer surfaces.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "nodeflow"

// Metrics contains the runtime-wide metrics not owned by a single component
type Metrics struct {
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	EventsPublished *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	CommsClients    prometheus.Gauge
	StorageErrors   *prometheus.CounterVec
}

// NewMetrics creates the core metrics. They are not registered.
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of admin API requests",
		}, []string{"route", "code"}),

		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}, []string{"route"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of runtime events published",
		}, []string{"sink", "topic"}),

		EventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "events",
			Name:      "failed_total",
			Help:      "Total number of runtime events that could not be published",
		}, []string{"sink", "topic"}),

		CommsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "comms",
			Name:      "clients",
			Help:      "Current number of connected comms clients",
		}),

		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total number of failed storage operations",
		}, []string{"op"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HTTPRequests,
		m.HTTPDuration,
		m.EventsPublished,
		m.EventsFailed,
		m.CommsClients,
		m.StorageErrors,
	}
}

// ObserveHTTP records one admin API request.
func (m *Metrics) ObserveHTTP(route, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordEvent records the outcome of publishing a runtime event.
func (m *Metrics) RecordEvent(sink, topic string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.EventsFailed.WithLabelValues(sink, topic).Inc()
		return
	}
	m.EventsPublished.WithLabelValues(sink, topic).Inc()
}

// RecordStorageError counts a failed storage operation.
func (m *Metrics) RecordStorageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}
