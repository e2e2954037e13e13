package cache

import (
	"time"
)

// EntryMetadata describes where an embedding came from.
type EntryMetadata struct {
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
	Version     uint32    `json:"version"`
	Category    string    `json:"category"`
	Source      string    `json:"source"`
	Confidence  float32   `json:"confidence"`
}

// PerformanceMetrics records how expensive an entry has been to serve.
type PerformanceMetrics struct {
	AvgRetrievalTimeUs float64 `json:"avg_retrieval_time_us"`
	CacheHits          uint64  `json:"cache_hits"`
}

// AccessPattern tracks how an entry is used.
type AccessPattern struct {
	AccessCount     uint64             `json:"access_count"`
	LastAccessed    time.Time          `json:"last_accessed"`
	AccessFrequency float64            `json:"access_frequency"` // accesses per hour
	Performance     PerformanceMetrics `json:"performance_metrics"`
}

// CachedEntry is one cached embedding with its bookkeeping.
type CachedEntry struct {
	Key           string        `json:"key"`
	Embedding     []float32     `json:"embedding"`
	Metadata      EntryMetadata `json:"metadata"`
	AccessPattern AccessPattern `json:"access_pattern"`
}

func newEntry(key string, embedding []float32, category, source string, confidence float32, now time.Time) *CachedEntry {
	return &CachedEntry{
		Key:       key,
		Embedding: embedding,
		Metadata: EntryMetadata{
			CreatedAt:   now,
			LastUpdated: now,
			Version:     1,
			Category:    category,
			Source:      source,
			Confidence:  confidence,
		},
		AccessPattern: AccessPattern{LastAccessed: now},
	}
}

// recordAccess registers a hit at now. Entries younger than an hour report
// their raw count as frequency.
func (e *CachedEntry) recordAccess(now time.Time) {
	ap := &e.AccessPattern
	ap.AccessCount++
	ap.LastAccessed = now

	ageHours := now.Sub(e.Metadata.CreatedAt).Hours()
	if ageHours < 1 {
		ap.AccessFrequency = float64(ap.AccessCount)
	} else {
		ap.AccessFrequency = float64(ap.AccessCount) / ageHours
	}
}

func (e *CachedEntry) recordRetrieval(elapsed time.Duration) {
	p := &e.AccessPattern.Performance
	p.CacheHits++
	n := float64(p.CacheHits)
	us := float64(elapsed.Nanoseconds()) / 1e3
	p.AvgRetrievalTimeUs = (p.AvgRetrievalTimeUs*(n-1) + us) / n
}

func (e *CachedEntry) clone() CachedEntry {
	out := *e
	out.Embedding = append([]float32(nil), e.Embedding...)
	return out
}

// entryOverheadBytes is the fixed per-entry share of the memory estimate.
const entryOverheadBytes = 256

func (e *CachedEntry) sizeBytes() int64 {
	return int64(len(e.Embedding))*4 + entryOverheadBytes
}
