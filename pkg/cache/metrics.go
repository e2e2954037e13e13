package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics holds Prometheus metrics for cache operations.
type cacheMetrics struct {
	hits        prometheus.Counter
	misses      prometheus.Counter
	stores      prometheus.Counter
	evictions   prometheus.Counter
	expirations prometheus.Counter

	size        prometheus.Gauge
	memoryBytes prometheus.Gauge
}

// newCacheMetrics creates and registers cache metrics with the provided registerer.
func newCacheMetrics(reg prometheus.Registerer, component string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": component}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "simcache",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "simcache",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: labels,
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:        counter("hits_total", "Total number of cache hits"),
		misses:      counter("misses_total", "Total number of cache misses"),
		stores:      counter("stores_total", "Total number of store operations"),
		evictions:   counter("evictions_total", "Total number of policy evictions"),
		expirations: counter("expirations_total", "Total number of entries removed by TTL expiry"),
		size:        gauge("size", "Current number of entries in cache"),
		memoryBytes: gauge("memory_bytes", "Estimated memory held by cached embeddings"),
	}

	for _, c := range []prometheus.Collector{
		m.hits, m.misses, m.stores, m.evictions, m.expirations, m.size, m.memoryBytes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *cacheMetrics) setSize(entries int, bytes int64) {
	if m == nil {
		return
	}
	m.size.Set(float64(entries))
	m.memoryBytes.Set(float64(bytes))
}
