package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGather(t *testing.T) {
	r := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "takbridge",
		Subsystem: "test",
		Name:      "frames_total",
		Help:      "test counter",
	})
	require.NoError(t, r.RegisterCounter("udp", "frames", counter))
	counter.Add(3)

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "takbridge_test_frames_total" {
			found = true
			assert.Equal(t, 3.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth", Help: "h"})
	require.NoError(t, r.RegisterGauge("queue", "depth", gauge))

	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "depth2", Help: "h"})
	err := r.RegisterGauge("queue", "depth", other)
	require.Error(t, err)
}

func TestUnregister(t *testing.T) {
	r := NewMetricsRegistry()

	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "lat", Help: "h"})
	require.NoError(t, r.RegisterHistogram("conn", "latency", hist))

	assert.True(t, r.Unregister("conn", "latency"))
	assert.False(t, r.Unregister("conn", "latency"))

	// Re-registration succeeds after unregister.
	assert.NoError(t, r.RegisterHistogram("conn", "latency", hist))
}
