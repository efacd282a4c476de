// Package metrics holds the Prometheus collectors of the dispatch pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "beacon"

type Metrics struct {
	triggers         *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	skips            *prometheus.CounterVec
	errors           *prometheus.CounterVec
	publishFailures  prometheus.Counter
	retentionDeleted prometheus.Counter
	triggerDuration  prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Event triggers by outcome.",
		}, []string{"result"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Notifications delivered, by repeat policy.",
		}, []string{"policy"}),
		skips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_skips_total",
			Help:      "Recipients skipped by the repeat policy, by reason.",
		}, []string{"reason"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Dispatch failures by pipeline stage.",
		}, []string{"stage"}),
		publishFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_publish_failures_total",
			Help:      "Envelopes that could not be handed to the broker.",
		}),
		retentionDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Event log rows removed by the retention sweep.",
		}),
		triggerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trigger_duration_seconds",
			Help:      "Wall time of a full trigger.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) Trigger(result string, seconds float64) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(result).Inc()
	m.triggerDuration.Observe(seconds)
}

func (m *Metrics) Delivered(policy string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(policy).Inc()
}

func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.skips.WithLabelValues(reason).Inc()
}

func (m *Metrics) Error(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(stage).Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

func (m *Metrics) RetentionDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionDeleted.Add(float64(n))
}
