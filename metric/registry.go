// Package metric manages Prometheus metric registration for the bridging
// runtime. Components create their own collectors and register them under
// a service name; a nil registry disables metrics throughout.
package metric

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Al2800/takrust/errors"
)

// MetricsRegistrar defines the interface for registering service-specific
// metrics.
type MetricsRegistrar interface {
	RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error
	RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error
	Unregister(serviceName, metricName string) bool
}

// MetricsRegistry manages the registration and lifecycle of metrics.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

var _ MetricsRegistrar = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates a registry pre-populated with Go runtime and
// process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	registry := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// Gatherer exposes the underlying registry for scrape handlers.
func (r *MetricsRegistry) Gatherer() prometheus.Gatherer {
	return r.prometheusRegistry
}

func (r *MetricsRegistry) register(serviceName, metricName string, c prometheus.Collector) error {
	key := serviceName + "." + metricName

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered", key),
			"metric", "register", "duplicate check")
	}
	if err := r.prometheusRegistry.Register(c); err != nil {
		return errors.WrapTransient(err, "metric", "register", "prometheus registration")
	}
	r.registeredMetrics[key] = c
	return nil
}

// RegisterCounter registers a counter under service.metric naming.
func (r *MetricsRegistry) RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error {
	return r.register(serviceName, metricName, counter)
}

// RegisterGauge registers a gauge under service.metric naming.
func (r *MetricsRegistry) RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error {
	return r.register(serviceName, metricName, gauge)
}

// RegisterHistogram registers a histogram under service.metric naming.
func (r *MetricsRegistry) RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error {
	return r.register(serviceName, metricName, histogram)
}

// Unregister removes a metric; it reports whether anything was removed.
func (r *MetricsRegistry) Unregister(serviceName, metricName string) bool {
	key := serviceName + "." + metricName

	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}
	delete(r.registeredMetrics, key)
	return r.prometheusRegistry.Unregister(c)
}
