// Package telemetry provides observability primitives for the Strider gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	AttemptsTotal    *prometheus.CounterVec
	AttemptDuration  *prometheus.HistogramVec
	RateLimit429s    *prometheus.CounterVec
	SlotsHeld        *prometheus.GaugeVec
	SlotHoldSeconds  prometheus.Histogram
	SlotReleases     *prometheus.CounterVec
	AdaptiveCeiling  *prometheus.GaugeVec
	AffinityLookups  *prometheus.CounterVec
	Translations     *prometheus.CounterVec
	StreamTTFB       *prometheus.HistogramVec
	TokensProcessed  *prometheus.CounterVec
	QuotaRejects     *prometheus.CounterVec
	UsageQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strider",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"format", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "strider",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"format"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strider",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strider",
			Name:      "attempts_total",
			Help:      "Total upstream attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),

		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "strider",
			Name:                            "attempt_duration_seconds",
			Help:                            "Upstream attempt duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		RateLimit429s: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strider",
			Name:      "ratelimit_429_total",
			Help:      "Upstream 429 responses by classified kind.",
		}, []string{"kind"}),

		SlotsHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "strider",
			Name:      "slots_held",
			Help:      "Currently held concurrency slots per credential.",
		}, []string{"credential_id"}),

		SlotHoldSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "strider",
			Name:                            "slot_hold_seconds",
			Help:                            "Slot hold duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		SlotReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strider",
			Name:      "slot_releases_total",
			Help:      "Slot releases by attempt outcome.",
		}, []string{"outcome"}),

		AdaptiveCeiling: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "strider",
			Name:      "adaptive_ceiling",
			Help:      "Learned max-concurrent ceiling per credential.",
		}, []string{"credential_id"}),

		AffinityLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strider",
			Name:      "affinity_lookups_total",
			Help:      "Cache-affinity lookups by result.",
		}, []string{"result"}),

		Translations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strider",
			Name:      "translations_total",
			Help:      "Protocol translations by direction.",
		}, []string{"source", "target"}),

		StreamTTFB: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "strider",
			Name:                            "stream_ttfb_seconds",
			Help:                            "Time to first forwarded byte in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strider",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		QuotaRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strider",
			Name:      "quota_rejects_total",
			Help:      "Caller quota rejections.",
		}, []string{"type"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strider",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.AttemptsTotal,
		m.AttemptDuration,
		m.RateLimit429s,
		m.SlotsHeld,
		m.SlotHoldSeconds,
		m.SlotReleases,
		m.AdaptiveCeiling,
		m.AffinityLookups,
		m.Translations,
		m.StreamTTFB,
		m.TokensProcessed,
		m.QuotaRejects,
		m.UsageQueueLength,
	)

	return m
}
