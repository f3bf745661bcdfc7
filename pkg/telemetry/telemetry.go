// Package telemetry exposes the Prometheus metrics the ingress gate,
// authority API, and worker pool each register and serve at /metrics,
// mounting promhttp.Handler() directly rather than wrapping it.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the counters and histograms shared across the three
// binaries. New registers the full set in every binary, and each binary
// updates only the subset it uses; the others stay at zero, which is
// harmless in a Prometheus scrape.
type Metrics struct {
	MessagesSubmitted   prometheus.Counter
	MessagesRejected    *prometheus.CounterVec
	MessagesDelivered   prometheus.Counter
	MessagesFailed      prometheus.Counter
	DeliveryAttempts    *prometheus.CounterVec
	DeliveryDuration    prometheus.Histogram
	QueueDepth          prometheus.Gauge
	RateLimitRejections prometheus.Counter
}

// New constructs and registers a Metrics set against reg. Pass
// prometheus.DefaultRegisterer unless a binary needs an isolated registry
// for testing.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_submitted_total",
			Help: "Messages accepted by the ingress gate.",
		}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_messages_rejected_total",
			Help: "Messages rejected by the ingress gate, by reason.",
		}, []string{"reason"}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_delivered_total",
			Help: "Messages successfully delivered by the worker pool.",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_messages_failed_total",
			Help: "Messages permanently failed after exhausting retries.",
		}),
		DeliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_delivery_attempts_total",
			Help: "Delivery attempts made by the worker pool, by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_delivery_duration_seconds",
			Help:    "Time spent in a single authority deliver call.",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_queue_depth",
			Help: "Approximate number of entries pending or in flight in the durable queue.",
		}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_rate_limit_rejections_total",
			Help: "Requests rejected by the ingress rate limiter.",
		}),
	}
	reg.MustRegister(
		m.MessagesSubmitted, m.MessagesRejected, m.MessagesDelivered, m.MessagesFailed,
		m.DeliveryAttempts, m.DeliveryDuration, m.QueueDepth, m.RateLimitRejections,
	)
	return m
}

// Handler returns the Prometheus scrape endpoint handler, mounted at
// /metrics by every binary.
func Handler() http.Handler {
	return promhttp.Handler()
}
