package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// CacheStatistics is a point-in-time summary of cache activity.
type CacheStatistics struct {
	TotalEntries       int     `json:"total_entries"`
	TotalHits          uint64  `json:"total_hits"`
	TotalMisses        uint64  `json:"total_misses"`
	AvgRetrievalTimeUs float64 `json:"avg_retrieval_time_us"`
	MemoryUsageMB      float64 `json:"memory_usage_mb"`
	Evictions          uint64  `json:"evictions"`
	Expirations        uint64  `json:"expirations"`
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStatistics) HitRatio() float64 {
	total := s.TotalHits + s.TotalMisses
	if total == 0 {
		return 0
	}
	return float64(s.TotalHits) / float64(total)
}

// statistics tracks counters atomically and the retrieval average under a mutex.
type statistics struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64

	mu         sync.Mutex
	retrievals uint64
	avgUs      float64
}

func (s *statistics) hit(elapsed time.Duration) {
	s.hits.Add(1)
	s.observe(elapsed)
}

func (s *statistics) miss(elapsed time.Duration) {
	s.misses.Add(1)
	s.observe(elapsed)
}

func (s *statistics) observe(elapsed time.Duration) {
	us := float64(elapsed.Nanoseconds()) / 1e3
	s.mu.Lock()
	s.retrievals++
	n := float64(s.retrievals)
	s.avgUs = (s.avgUs*(n-1) + us) / n
	s.mu.Unlock()
}

func (s *statistics) avgRetrievalUs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgUs
}
