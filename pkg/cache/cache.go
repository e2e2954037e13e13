package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liliang-cn/simcache/internal/encoding"
	"github.com/liliang-cn/simcache/pkg/core"
)

// SimilarResult is one FindSimilar match.
type SimilarResult struct {
	Key        string        `json:"key"`
	Similarity float32       `json:"similarity"`
	Metadata   EntryMetadata `json:"metadata"`
}

// EmbeddingCache is a bounded, policy-evicting embedding store.
type EmbeddingCache struct {
	mu       sync.RWMutex
	config   Config
	table    *entryTable
	strategy Strategy

	stats   *statistics
	metrics *cacheMetrics // optional
	logger  core.Logger
	now     func() time.Time
	evictFn EvictCallback

	janitorMu sync.Mutex
	shutdown  chan struct{}
	done      chan struct{}
}

// New creates an EmbeddingCache.
func New(config Config, opts ...Option) (*EmbeddingCache, error) {
	if err := config.Validate(); err != nil {
		return nil, core.WrapError("cache_new", err)
	}
	if config.EvictionPolicy == "" {
		config.EvictionPolicy = PolicyLRU
	}

	o := applyOptions(opts...)

	strategy := o.strategy
	if strategy == nil {
		var err error
		if strategy, err = NewStrategy(config.EvictionPolicy); err != nil {
			return nil, core.WrapError("cache_new", err)
		}
	}

	var metrics *cacheMetrics
	if o.registry != nil {
		var err error
		if metrics, err = newCacheMetrics(o.registry, o.component); err != nil {
			return nil, core.WrapError("cache_new", fmt.Errorf("metrics registration: %w", err))
		}
	}

	clock := o.clock
	return &EmbeddingCache{
		config:   config,
		table:    newEntryTable(),
		strategy: strategy,
		stats:    &statistics{},
		metrics:  metrics,
		logger:   o.logger.With("component", "embedding_cache", "policy", strategy.Name()),
		now:      func() time.Time { return clock().UTC() },
		evictFn:  o.evictFn,
	}, nil
}

// Config returns the configuration the cache was built with.
func (c *EmbeddingCache) Config() Config {
	return c.config
}

// Store inserts or updates key. A new key at capacity first evicts one entry.
func (c *EmbeddingCache) Store(key string, embedding []float32, category, source string, confidence float32) error {
	if key == "" {
		return core.WrapError("store", core.ErrInvalidKey)
	}
	if err := encoding.ValidateVector(embedding); err != nil {
		return core.WrapError("store", err)
	}

	emb := core.CloneVector(embedding)
	now := c.now()

	var evicted []CachedEntry
	c.mu.Lock()
	if e, ok := c.table.get(key); ok {
		c.table.setEmbedding(key, emb)
		e.Metadata.Category = category
		e.Metadata.Source = source
		e.Metadata.Confidence = confidence
		e.Metadata.Version++
		e.Metadata.LastUpdated = now
	} else {
		if c.table.Len() >= c.config.MaxEntries {
			if victim, ok := c.evictLocked(now); ok {
				evicted = append(evicted, victim)
			}
		}
		c.table.insert(newEntry(key, emb, category, source, confidence, now))
	}
	size, bytes := c.table.Len(), c.table.bytes
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.stores.Inc()
		c.metrics.setSize(size, bytes)
	}
	c.notify(evicted, ReasonPolicy)
	return nil
}

// Retrieve returns a copy of the embedding and metadata stored under key and
// records the access.
func (c *EmbeddingCache) Retrieve(key string) ([]float32, EntryMetadata, bool) {
	start := time.Now()
	now := c.now()

	c.mu.Lock()
	e, ok := c.table.get(key)
	if !ok {
		c.mu.Unlock()
		c.stats.miss(time.Since(start))
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		return nil, EntryMetadata{}, false
	}
	e.recordAccess(now)
	emb := core.CloneVector(e.Embedding)
	meta := e.Metadata
	elapsed := time.Since(start)
	e.recordRetrieval(elapsed)
	c.mu.Unlock()

	c.stats.hit(elapsed)
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return emb, meta, true
}

// FindSimilar scans every entry and returns those whose cosine similarity to
// embedding is at least threshold, most similar first. Equal scores are
// ordered by key.
func (c *EmbeddingCache) FindSimilar(embedding []float32, threshold float32) []SimilarResult {
	results := []SimilarResult{}
	if len(embedding) == 0 {
		return results
	}

	c.mu.RLock()
	c.table.eachEmbedding(func(key string, emb []float32) {
		if len(emb) != len(embedding) {
			return
		}
		sim := core.CosineSimilarity(embedding, emb)
		if sim >= threshold {
			e, _ := c.table.get(key)
			results = append(results, SimilarResult{Key: key, Similarity: sim, Metadata: e.Metadata})
		}
	})
	c.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Key < results[j].Key
	})
	return results
}

// FindSimilarDefault is FindSimilar with Config.SimilarityThreshold.
func (c *EmbeddingCache) FindSimilarDefault(embedding []float32) []SimilarResult {
	return c.FindSimilar(embedding, c.config.SimilarityThreshold)
}

// Evict removes one entry chosen by the strategy. It returns
// core.ErrEvictionFailure when there is nothing to evict.
func (c *EmbeddingCache) Evict() error {
	now := c.now()

	c.mu.Lock()
	victim, ok := c.evictLocked(now)
	size, bytes := c.table.Len(), c.table.bytes
	c.mu.Unlock()

	if !ok {
		return core.WrapError("evict", core.ErrEvictionFailure)
	}
	c.metrics.setSize(size, bytes)
	c.notify([]CachedEntry{victim}, ReasonPolicy)
	return nil
}

// evictLocked removes the strategy's victim. Caller holds c.mu.
func (c *EmbeddingCache) evictLocked(now time.Time) (CachedEntry, bool) {
	key, ok := c.strategy.SelectVictim(c.table, now)
	if ok {
		if _, exists := c.table.get(key); !exists {
			c.logger.Warn("Strategy selected unknown key, falling back to oldest", "key", key)
			ok = false
		}
	}
	if !ok {
		oldest, found := c.table.Oldest()
		if !found {
			c.logger.Debug("Nothing to evict")
			return CachedEntry{}, false
		}
		key = oldest.Key
	}

	e, _ := c.table.remove(key)
	c.stats.evictions.Add(1)
	if c.metrics != nil {
		c.metrics.evictions.Inc()
	}
	c.logger.Debug("Evicted entry", "key", key)
	return e.clone(), true
}

// Remove deletes key and reports whether it was present.
func (c *EmbeddingCache) Remove(key string) bool {
	c.mu.Lock()
	_, ok := c.table.remove(key)
	size, bytes := c.table.Len(), c.table.bytes
	c.mu.Unlock()

	if ok {
		c.metrics.setSize(size, bytes)
	}
	return ok
}

// Len returns the number of cached entries.
func (c *EmbeddingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.Len()
}

// Keys returns all keys in creation order.
func (c *EmbeddingCache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.keys()
}

// Clear removes every entry without invoking the eviction callback.
func (c *EmbeddingCache) Clear() {
	c.mu.Lock()
	c.table.clear()
	c.mu.Unlock()
	c.metrics.setSize(0, 0)
}

// ClearExpired removes entries not accessed within TTL and returns how many
// were removed. A zero TTL never expires anything.
func (c *EmbeddingCache) ClearExpired() int {
	if c.config.TTL <= 0 {
		return 0
	}
	cutoff := c.now().Add(-c.config.TTL)

	c.mu.Lock()
	var stale []string
	c.table.Each(func(e *CachedEntry) bool {
		if e.AccessPattern.LastAccessed.Before(cutoff) {
			stale = append(stale, e.Key)
		}
		return true
	})
	expired := make([]CachedEntry, 0, len(stale))
	for _, key := range stale {
		if e, ok := c.table.remove(key); ok {
			expired = append(expired, e.clone())
		}
	}
	size, bytes := c.table.Len(), c.table.bytes
	c.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	c.stats.expirations.Add(uint64(len(expired)))
	if c.metrics != nil {
		c.metrics.expirations.Add(float64(len(expired)))
		c.metrics.setSize(size, bytes)
	}
	c.logger.Debug("Cleared expired entries", "count", len(expired), "remaining", size)
	c.notify(expired, ReasonExpired)
	return len(expired)
}

// GetStatistics returns current counters and the memory estimate.
func (c *EmbeddingCache) GetStatistics() CacheStatistics {
	c.mu.RLock()
	entries, bytes := c.table.Len(), c.table.bytes
	c.mu.RUnlock()

	return CacheStatistics{
		TotalEntries:       entries,
		TotalHits:          c.stats.hits.Load(),
		TotalMisses:        c.stats.misses.Load(),
		AvgRetrievalTimeUs: c.stats.avgRetrievalUs(),
		MemoryUsageMB:      float64(bytes) / (1024 * 1024),
		Evictions:          c.stats.evictions.Load(),
		Expirations:        c.stats.expirations.Load(),
	}
}

// Export serialises every entry as a JSON object keyed by cache key.
func (c *EmbeddingCache) Export() ([]byte, error) {
	c.mu.RLock()
	snapshot := make(map[string]CachedEntry, c.table.Len())
	c.table.Each(func(e *CachedEntry) bool {
		snapshot[e.Key] = e.clone()
		return true
	})
	c.mu.RUnlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, core.WrapError("export", fmt.Errorf("%w: %v", core.ErrSerialization, err))
	}
	return data, nil
}

// Import merges a blob produced by Export. Imported entries replace entries
// with the same key; new keys at capacity evict as Store does. A blob that
// fails to parse or holds an invalid entry changes nothing.
func (c *EmbeddingCache) Import(blob []byte) error {
	var snapshot map[string]CachedEntry
	if err := json.Unmarshal(blob, &snapshot); err != nil {
		c.logger.Warn("Rejected cache import", "error", err)
		return core.WrapError("import", fmt.Errorf("%w: %v", core.ErrSerialization, err))
	}

	incoming := make([]*CachedEntry, 0, len(snapshot))
	for key, entry := range snapshot {
		if key == "" || len(entry.Embedding) == 0 {
			c.logger.Warn("Rejected cache import", "key", key, "error", "empty key or embedding")
			return core.WrapError("import", fmt.Errorf("%w: entry %q has empty key or embedding",
				core.ErrSerialization, key))
		}
		e := entry
		e.Key = key
		e.Metadata.CreatedAt = e.Metadata.CreatedAt.UTC()
		e.Metadata.LastUpdated = e.Metadata.LastUpdated.UTC()
		e.AccessPattern.LastAccessed = e.AccessPattern.LastAccessed.UTC()
		incoming = append(incoming, &e)
	}
	sort.Slice(incoming, func(i, j int) bool {
		a, b := incoming[i].Metadata.CreatedAt, incoming[j].Metadata.CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return incoming[i].Key < incoming[j].Key
	})

	now := c.now()
	var evicted []CachedEntry
	c.mu.Lock()
	for _, e := range incoming {
		if _, exists := c.table.get(e.Key); !exists && c.table.Len() >= c.config.MaxEntries {
			if victim, ok := c.evictLocked(now); ok {
				evicted = append(evicted, victim)
			}
		}
		c.table.insert(e)
	}
	size, bytes := c.table.Len(), c.table.bytes
	c.mu.Unlock()

	c.metrics.setSize(size, bytes)
	c.logger.Debug("Imported cache entries", "count", len(incoming), "evicted", len(evicted))
	c.notify(evicted, ReasonPolicy)
	return nil
}

func (c *EmbeddingCache) notify(entries []CachedEntry, reason EvictionReason) {
	if c.evictFn == nil {
		return
	}
	for _, e := range entries {
		c.evictFn(e, reason)
	}
}

// StartJanitor runs ClearExpired every CleanupInterval until ctx is done or
// Close is called. It is a no-op when the interval is zero or a janitor is
// already running.
func (c *EmbeddingCache) StartJanitor(ctx context.Context) {
	if c.config.CleanupInterval <= 0 {
		return
	}

	c.janitorMu.Lock()
	defer c.janitorMu.Unlock()
	if c.done != nil {
		return
	}
	c.shutdown = make(chan struct{})
	c.done = make(chan struct{})
	go c.cleanup(ctx, c.shutdown, c.done)
}

func (c *EmbeddingCache) cleanup(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.C:
			c.ClearExpired()
		}
	}
}

// Close stops the janitor and waits for it to exit.
func (c *EmbeddingCache) Close() error {
	c.janitorMu.Lock()
	defer c.janitorMu.Unlock()
	if c.done == nil {
		return nil
	}

	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		c.shutdown, c.done = nil, nil
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("timeout waiting for cache janitor to finish")
	}
}
