package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Al2800/takrust/metric"
)

// Metrics holds Prometheus metrics shared by the carriers.
type Metrics struct {
	framesSent      prometheus.Counter
	framesReceived  prometheus.Counter
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	framesDropped   prometheus.Counter
	oversizeDropped prometheus.Counter
	reconnects      prometheus.Counter
	queueDepth      prometheus.Gauge
}

// newMetrics creates and registers carrier metrics. A nil registry
// disables metrics (nil input = nil feature pattern).
func newMetrics(registry *metric.MetricsRegistry, carrier string) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "takbridge",
			Subsystem: carrier,
			Name:      "frames_sent_total",
			Help:      "Total frames sent",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "takbridge",
			Subsystem: carrier,
			Name:      "frames_received_total",
			Help:      "Total frames received",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "takbridge",
			Subsystem: carrier,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "takbridge",
			Subsystem: carrier,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "takbridge",
			Subsystem: carrier,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by queue overload policy",
		}),
		oversizeDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "takbridge",
			Subsystem: carrier,
			Name:      "oversize_dropped_total",
			Help:      "UDP payloads dropped by MTU policy",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "takbridge",
			Subsystem: carrier,
			Name:      "reconnects_total",
			Help:      "Reconnection attempts",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "takbridge",
			Subsystem: carrier,
			Name:      "send_queue_depth",
			Help:      "Frames waiting in the send queue",
		}),
	}

	registry.RegisterCounter(carrier, "frames_sent", m.framesSent)
	registry.RegisterCounter(carrier, "frames_received", m.framesReceived)
	registry.RegisterCounter(carrier, "bytes_sent", m.bytesSent)
	registry.RegisterCounter(carrier, "bytes_received", m.bytesReceived)
	registry.RegisterCounter(carrier, "frames_dropped", m.framesDropped)
	registry.RegisterCounter(carrier, "oversize_dropped", m.oversizeDropped)
	registry.RegisterCounter(carrier, "reconnects", m.reconnects)
	registry.RegisterGauge(carrier, "send_queue_depth", m.queueDepth)

	return m
}

func (m *Metrics) recordSend(bytes int) {
	if m == nil {
		return
	}
	m.framesSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) recordRecv(bytes int) {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

func (m *Metrics) recordDrops(n int) {
	if m == nil || n == 0 {
		return
	}
	m.framesDropped.Add(float64(n))
}

func (m *Metrics) recordOversize() {
	if m == nil {
		return
	}
	m.oversizeDropped.Inc()
}

func (m *Metrics) recordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
