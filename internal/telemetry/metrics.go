// Package telemetry provides observability primitives for the relay gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	RecordQueueLen   prometheus.Gauge
	RecordsDropped   prometheus.Counter
	StatsCacheHits   prometheus.Counter
	StatsCacheMisses prometheus.Counter
}

// NewMetrics creates and registers all collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "relay",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "relay",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors by taxonomy kind.",
		}, []string{"provider", "kind"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"model"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		RecordQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "record_queue_length",
			Help:      "Current number of queued invocation records.",
		}),

		RecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "records_dropped_total",
			Help:      "Total invocation records dropped due to a full queue.",
		}),

		StatsCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "stats_cache_hits_total",
			Help:      "Total statistics cache hits.",
		}),

		StatsCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "stats_cache_misses_total",
			Help:      "Total statistics cache misses.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RateLimitRejects,
		m.TokensProcessed,
		m.RecordQueueLen,
		m.RecordsDropped,
		m.StatsCacheHits,
		m.StatsCacheMisses,
	)

	return m
}
