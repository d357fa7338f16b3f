// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	requestTotal    *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	postOperations  *prometheus.CounterVec
	cleanupFailures *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that are
// already registered are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quill",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		postOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "post_operations_total",
			Help:      "Post authoring operations by outcome",
		}, []string{"op", "result"}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Name:      "asset_cleanup_failures_total",
			Help:      "Asset deletions that failed and left an orphaned object",
		}, []string{"op"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quill",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route"}),
	}

	m.requestTotal = register(reg, m.requestTotal)
	m.requestLatency = register(reg, m.requestLatency)
	m.postOperations = register(reg, m.postOperations)
	m.cleanupFailures = register(reg, m.cleanupFailures)
	m.rateLimitHits = register(reg, m.rateLimitHits)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if reg == nil {
		return collector
	}
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

// ObserveRequest records one handled HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

// PostOperation records the outcome of a create, update or delete.
func (m *Metrics) PostOperation(op, result string) {
	if m == nil {
		return
	}
	m.postOperations.WithLabelValues(op, result).Inc()
}

// CleanupFailure records an asset that could not be removed.
func (m *Metrics) CleanupFailure(op string) {
	if m == nil {
		return
	}
	m.cleanupFailures.WithLabelValues(op).Inc()
}

// RateLimitHit records a rejected request.
func (m *Metrics) RateLimitHit(route string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(route).Inc()
}
