// Package simcache provides an in-process similarity engine for embeddings:
// an LSH approximate nearest neighbour index paired with a bounded,
// policy-evicting embedding cache.
//
// # Key Features
//
//   - Random-projection LSH with deterministic, seed-derived hash functions
//   - Embedding cache with LRU, LFU, FIFO and Adaptive eviction
//   - TTL expiry with an optional background janitor
//   - JSON export/import and SQLite snapshots for warm restarts
//   - Prometheus metrics and structured zap logging
//
// # Quick Start
//
//	cfg := config.Default()
//	cfg.Index.Dimension = 384
//
//	engine, err := simcache.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	_ = engine.Store("q:1", embedding, "faq", "support", 0.9)
//	matches := engine.Nearest(queryEmbedding, 5)
//
// The index and the cache stay in step: entries the cache evicts or expires
// are removed from the index as well.
//
// # Packages
//
//   - pkg/index: LSHIndex and the exact FlatIndex baseline
//   - pkg/cache: EmbeddingCache and eviction strategies
//   - pkg/snapshot: SQLite snapshot store
//   - pkg/core: errors, logging and vector helpers
package simcache
