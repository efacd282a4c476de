package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Trigger("triggered", 0.01)
	m.Delivered("once")
	m.Delivered("once")
	m.Skipped("silenced")
	m.Error("audience")
	m.PublishFailed()
	m.RetentionDeleted(5)
	m.RetentionDeleted(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggers.WithLabelValues("triggered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("once")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skips.WithLabelValues("silenced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("audience")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishFailures))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.retentionDeleted))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Trigger("triggered", 1)
		m.Delivered("always")
		m.Skipped("silenced")
		m.Error("rules")
		m.PublishFailed()
		m.RetentionDeleted(3)
	})
}
