// Package telemetry exposes the routing core's Prometheus metrics and the
// zap logger construction helper shared by every component.
//
// Grounded on internal/metrics/collector.go's promauto-built CounterVec/
// HistogramVec/GaugeVec collector, narrowed from its generic HTTP/LLM/
// agent/db surface down to the routing-specific signals SPEC_FULL.md's
// AMBIENT STACK section names: request outcome, breaker transitions,
// affinity hits, and quota rejections.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the routing core's Prometheus instruments.
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec

	affinityHits   *prometheus.CounterVec
	affinityMisses *prometheus.CounterVec

	quotaRejections *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the routing core's metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "telemetry")),
	}

	c.requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Total number of proxied requests per upstream and status class.",
		},
		[]string{"upstream_id", "status"},
	)

	c.requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Proxied request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"upstream_id"},
	)

	c.breakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions.",
		},
		[]string{"upstream_id", "from", "to"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current circuit breaker state (0=closed, 1=half_open, 2=open).",
		},
		[]string{"upstream_id"},
	)

	c.affinityHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affinity_hits_total",
			Help:      "Total number of requests served by an existing affinity binding.",
		},
		[]string{"migrated"},
	)

	c.affinityMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "affinity_misses_total",
			Help:      "Total number of requests with no usable affinity binding.",
		},
		nil,
	)

	c.quotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Total number of candidates excluded by the spending-quota filter.",
		},
		[]string{"upstream_id"},
	)

	c.logger.Info("telemetry collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordRequest records one proxied request's outcome and latency.
func (c *Collector) RecordRequest(upstreamID, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(upstreamID, status).Inc()
	c.requestDuration.WithLabelValues(upstreamID).Observe(duration.Seconds())
}

// RecordBreakerTransition records a circuit breaker state change, grounded
// on breaker.StateChangeFunc's (upstreamID, from, to) shape.
func (c *Collector) RecordBreakerTransition(upstreamID, from, to string) {
	c.breakerTransitions.WithLabelValues(upstreamID, from, to).Inc()
	c.breakerState.WithLabelValues(upstreamID).Set(stateValue(to))
}

func stateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// RecordAffinityHit records a request served by an existing binding.
func (c *Collector) RecordAffinityHit(migrated bool) {
	label := "false"
	if migrated {
		label = "true"
	}
	c.affinityHits.WithLabelValues(label).Inc()
}

// RecordAffinityMiss records a request with no usable binding.
func (c *Collector) RecordAffinityMiss() {
	c.affinityMisses.WithLabelValues().Inc()
}

// RecordQuotaRejection records one candidate excluded by the quota filter.
func (c *Collector) RecordQuotaRejection(upstreamID string) {
	c.quotaRejections.WithLabelValues(upstreamID).Inc()
}
