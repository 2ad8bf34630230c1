package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient backed by prometheus
// collectors. Collectors are created lazily per metric name and label set
// and registered with the default registry, so the /metrics endpoint
// exposes everything recorded through this client.
type PrometheusMetricsClient struct {
	namespace string

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewMetricsClient creates a prometheus-backed metrics client with the
// gateway's default namespace.
func NewMetricsClient() MetricsClient {
	return NewPrometheusMetricsClient("agentcache")
}

// NewPrometheusMetricsClient creates a new prometheus metrics client
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	return &PrometheusMetricsClient{
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// IncrementCounter increments a counter without labels
func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with labels
func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, labelNames(labels))
	counter.With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge sets a gauge value
func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, labelNames(labels))
	gauge.With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram observes a histogram value
func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, labelNames(labels))
	histogram.With(prometheus.Labels(labels)).Observe(value)
}

// RecordTimer returns a stop function that observes the elapsed duration
func (c *PrometheusMetricsClient) RecordTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

// RecordCacheOperation records a cache operation with its outcome
func (c *PrometheusMetricsClient) RecordCacheOperation(operation string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	c.IncrementCounterWithLabels("cache_operations_total", 1, map[string]string{
		"operation": operation,
		"status":    status,
	})
	c.RecordHistogram("cache_operation_duration_seconds", durationSeconds, map[string]string{
		"operation": operation,
	})
}

// Close implements MetricsClient.Close
func (c *PrometheusMetricsClient) Close() error {
	return nil
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name string, labels []string) *prometheus.CounterVec {
	key := collectorKey(name, labels)

	c.mu.RLock()
	counter, ok := c.counters[key]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok = c.counters[key]; ok {
		return counter
	}
	counter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      sanitizeMetricName(name),
		Help:      fmt.Sprintf("Counter for %s", name),
	}, labels)
	c.counters[key] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name string, labels []string) *prometheus.GaugeVec {
	key := collectorKey(name, labels)

	c.mu.RLock()
	gauge, ok := c.gauges[key]
	c.mu.RUnlock()
	if ok {
		return gauge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok = c.gauges[key]; ok {
		return gauge
	}
	gauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      sanitizeMetricName(name),
		Help:      fmt.Sprintf("Gauge for %s", name),
	}, labels)
	c.gauges[key] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name string, labels []string) *prometheus.HistogramVec {
	key := collectorKey(name, labels)

	c.mu.RLock()
	histogram, ok := c.histograms[key]
	c.mu.RUnlock()
	if ok {
		return histogram
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok = c.histograms[key]; ok {
		return histogram
	}
	histogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      sanitizeMetricName(name),
		Help:      fmt.Sprintf("Histogram for %s", name),
		Buckets:   prometheus.DefBuckets,
	}, labels)
	c.histograms[key] = histogram
	return histogram
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func collectorKey(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "{" + fmt.Sprint(labels) + "}"
}

// sanitizeMetricName converts dotted metric names to prometheus form
func sanitizeMetricName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_':
			out[i] = ch
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// NoopMetricsClient discards all metrics; used in tests
type NoopMetricsClient struct{}

// NewNoopMetricsClient creates a metrics client that records nothing
func NewNoopMetricsClient() MetricsClient {
	return &NoopMetricsClient{}
}

func (n *NoopMetricsClient) IncrementCounter(name string, value float64)                           {}
func (n *NoopMetricsClient) IncrementCounterWithLabels(string, float64, map[string]string)         {}
func (n *NoopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)      {}
func (n *NoopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string)  {}
func (n *NoopMetricsClient) RecordTimer(name string, labels map[string]string) func()              { return func() {} }
func (n *NoopMetricsClient) RecordCacheOperation(operation string, success bool, duration float64) {}
func (n *NoopMetricsClient) Close() error                                                          { return nil }
