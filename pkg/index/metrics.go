package index

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Per-record overheads used by the memory estimate.
const (
	vectorOverheadBytes = 96 // map entry, record header, id string header
	bucketRefBytes      = 16 // one string header inside a bucket slice
)

// Metrics is a point-in-time snapshot of index activity.
type Metrics struct {
	TotalVectors          int64   `json:"total_vectors"`
	TotalQueries          uint64  `json:"total_queries"`
	AvgCandidatesPerQuery float64 `json:"avg_candidates_per_query"`
	AvgQueryTimeNs        float64 `json:"avg_query_time_ns"`
	MemoryUsageEstimate   int64   `json:"memory_usage_estimate"` // bytes
}

// metricsTracker keeps the online counters behind one short-lived lock.
// Averages use new = (old*(n-1) + x) / n so no history is retained.
type metricsTracker struct {
	mu      sync.Mutex
	current Metrics
	prom    *indexMetrics // optional
}

func (m *metricsTracker) recordInsert(added bool) {
	m.mu.Lock()
	if added {
		m.current.TotalVectors++
	}
	vectors := m.current.TotalVectors
	m.mu.Unlock()

	if m.prom != nil {
		m.prom.inserts.Inc()
		m.prom.vectors.Set(float64(vectors))
	}
}

func (m *metricsTracker) recordRemove() {
	m.mu.Lock()
	m.current.TotalVectors--
	vectors := m.current.TotalVectors
	m.mu.Unlock()

	if m.prom != nil {
		m.prom.removes.Inc()
		m.prom.vectors.Set(float64(vectors))
	}
}

func (m *metricsTracker) recordQuery(candidates int, elapsed time.Duration) {
	m.mu.Lock()
	m.current.TotalQueries++
	n := float64(m.current.TotalQueries)
	m.current.AvgCandidatesPerQuery = (m.current.AvgCandidatesPerQuery*(n-1) + float64(candidates)) / n
	m.current.AvgQueryTimeNs = (m.current.AvgQueryTimeNs*(n-1) + float64(elapsed.Nanoseconds())) / n
	m.mu.Unlock()

	if m.prom != nil {
		m.prom.queries.Inc()
		m.prom.candidates.Observe(float64(candidates))
		m.prom.latency.Observe(elapsed.Seconds())
	}
}

func (m *metricsTracker) resetVectors() {
	m.mu.Lock()
	m.current.TotalVectors = 0
	m.mu.Unlock()

	if m.prom != nil {
		m.prom.vectors.Set(0)
	}
}

func (m *metricsTracker) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// indexMetrics holds Prometheus collectors for one index instance.
type indexMetrics struct {
	inserts    prometheus.Counter
	removes    prometheus.Counter
	queries    prometheus.Counter
	vectors    prometheus.Gauge
	candidates prometheus.Histogram
	latency    prometheus.Histogram
}

// newIndexMetrics creates and registers index metrics with the provided registerer.
func newIndexMetrics(reg prometheus.Registerer, component string) (*indexMetrics, error) {
	labels := prometheus.Labels{"component": component}
	m := &indexMetrics{
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "simcache",
			Subsystem:   "lsh",
			Name:        "inserts_total",
			ConstLabels: labels,
			Help:        "Total number of vectors indexed",
		}),
		removes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "simcache",
			Subsystem:   "lsh",
			Name:        "removes_total",
			ConstLabels: labels,
			Help:        "Total number of vectors removed",
		}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "simcache",
			Subsystem:   "lsh",
			Name:        "queries_total",
			ConstLabels: labels,
			Help:        "Total number of approximate queries",
		}),
		vectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "simcache",
			Subsystem:   "lsh",
			Name:        "vectors",
			ConstLabels: labels,
			Help:        "Current number of indexed vectors",
		}),
		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "simcache",
			Subsystem:   "lsh",
			Name:        "query_candidates",
			ConstLabels: labels,
			Help:        "Number of candidates scored per query",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 14),
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "simcache",
			Subsystem:   "lsh",
			Name:        "query_duration_seconds",
			ConstLabels: labels,
			Help:        "Approximate query latency",
			Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
	}

	for _, c := range []prometheus.Collector{m.inserts, m.removes, m.queries, m.vectors, m.candidates, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
