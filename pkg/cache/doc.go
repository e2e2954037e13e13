// Package cache provides EmbeddingCache, a bounded store of embeddings keyed by
// caller-chosen strings.
//
// Each entry carries provenance metadata (category, source, confidence, version)
// and an access pattern (count, last access, frequency, retrieval latency). When
// the cache is full a pluggable Strategy picks the victim:
//
//   - LRU: the entry with the oldest LastAccessed
//   - LFU: the entry with the lowest AccessFrequency
//   - FIFO: the earliest created entry, read from an ordered creation-time index
//   - Adaptive: the entry maximising idle seconds × 1/(frequency+0.1) × (1 − confidence)
//
// Basic usage:
//
//	c, err := cache.New(cache.Config{MaxEntries: 1000, TTL: time.Hour, EvictionPolicy: cache.PolicyLRU})
//	if err != nil {
//		return err
//	}
//	_ = c.Store("doc-1", embedding, "docs", "ingest", 0.9)
//	emb, meta, ok := c.Retrieve("doc-1")
//
// Entries idle for longer than TTL are removed by ClearExpired, either called
// directly or from the background janitor started with StartJanitor.
//
// Export and Import move the whole cache as JSON. Import merges additively and
// either applies every entry or none.
//
// All methods are safe for concurrent use. Retrieve takes the write lock because
// it updates the access pattern of the entry it returns.
package cache
