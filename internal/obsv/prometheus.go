package obsv

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements Metrics on top of client_golang. Counters and
// histograms are created lazily on first use per (name, dimension-keys)
// pair, since the gateway's dimension sets (arn, namespace, feature, ...)
// aren't known until request time.
type PrometheusMetrics struct {
	namespace string
	registry  *prometheus.Registry

	mu          sync.Mutex
	counters    map[string]*prometheus.CounterVec
	histograms  map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a Metrics implementation registered against
// its own prometheus.Registry (so callers can expose it via promhttp
// without colliding with the default global registry).
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry, e.g. for promhttp.HandlerFor.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func dimKeys(dims []string) []string {
	keys := make([]string, 0, len(dims)/2)
	for i := 0; i+1 < len(dims); i += 2 {
		keys = append(keys, dims[i])
	}
	return keys
}

func dimValues(dims []string) []string {
	vals := make([]string, 0, len(dims)/2)
	for i := 0; i+1 < len(dims); i += 2 {
		vals = append(vals, dims[i+1])
	}
	return vals
}

func (m *PrometheusMetrics) counterVec(name string, dims []string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()

	cv, ok := m.counters[name]
	if !ok {
		cv = promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      name,
		}, dimKeys(dims))
		m.counters[name] = cv
	}
	return cv
}

func (m *PrometheusMetrics) histogramVec(name string, dims []string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()

	hv, ok := m.histograms[name]
	if !ok {
		hv = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, dimKeys(dims))
		m.histograms[name] = hv
	}
	return hv
}

func (m *PrometheusMetrics) IncCounter(name string, dims ...string) {
	m.counterVec(name, dims).WithLabelValues(dimValues(dims)...).Inc()
}

func (m *PrometheusMetrics) ObserveDuration(name string, seconds float64, dims ...string) {
	m.histogramVec(name, dims).WithLabelValues(dimValues(dims)...).Observe(seconds)
}
