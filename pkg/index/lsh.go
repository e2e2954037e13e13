// Package index provides the approximate and exact vector indexes used by simcache.
package index

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/liliang-cn/simcache/internal/encoding"
	"github.com/liliang-cn/simcache/pkg/core"
)

// IndexedVector is a vector stored in the index together with opaque metadata.
type IndexedVector struct {
	ID       string          `json:"id"`
	Vector   []float32       `json:"vector"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// QueryResult is one scored match of an approximate query.
type QueryResult struct {
	ID         string  `json:"id"`
	Similarity float32 `json:"similarity"`
}

// LSHConfig contains configuration for LSH index
type LSHConfig struct {
	NumTables     int   `json:"num_tables" mapstructure:"num_tables"`         // Number of hash tables (more = better recall, more memory)
	HashFunctions int   `json:"hash_functions" mapstructure:"hash_functions"` // Projections per table (more = more selective)
	Dimension     int   `json:"dimension" mapstructure:"dimension"`           // Vector dimension
	Seed          int64 `json:"seed" mapstructure:"seed"`                     // Base seed for reproducible projections
}

// DefaultLSHConfig returns the defaults for the given dimension.
func DefaultLSHConfig(dimension int) LSHConfig {
	return LSHConfig{
		NumTables:     10,
		HashFunctions: 8,
		Dimension:     dimension,
		Seed:          42,
	}
}

// Validate fills defaults for the table parameters and rejects a missing dimension.
func (c *LSHConfig) Validate() error {
	if c.NumTables <= 0 {
		c.NumTables = 10
	}
	if c.HashFunctions <= 0 {
		c.HashFunctions = 8
	}
	if c.Dimension <= 0 {
		return core.WrapError("lsh_config", fmt.Errorf("%w: dimension must be positive, got %d", core.ErrInvalidConfig, c.Dimension))
	}
	return nil
}

// LSHIndex implements Locality Sensitive Hashing for fast approximate nearest neighbor search.
//
// The primary store and every hash table are split into independently locked
// stripes, so inserts and queries on different ids and buckets do not contend
// on a single lock. Lock order is always vector stripe before bucket stripe;
// queries never hold both at once.
type LSHIndex struct {
	config  LSHConfig
	tables  []*hashTable
	vectors []*vectorShard
	seq     atomic.Uint64
	metrics *metricsTracker
	logger  core.Logger
}

// NewLSHIndex creates a new LSH index
func NewLSHIndex(config LSHConfig, opts ...Option) (*LSHIndex, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts...)

	gen := NewHashFunctionGenerator(config.Seed)
	tables := make([]*hashTable, config.NumTables)
	for t := range tables {
		tables[t] = newHashTable(gen.GenerateTable(t, config.HashFunctions, config.Dimension), o.shards)
	}

	tracker := &metricsTracker{}
	if o.registry != nil {
		prom, err := newIndexMetrics(o.registry, o.component)
		if err != nil {
			return nil, core.WrapError("new_lsh_index", fmt.Errorf("metrics registration: %w", err))
		}
		tracker.prom = prom
	}

	o.logger.Debug("lsh index created",
		"tables", config.NumTables,
		"hash_functions", config.HashFunctions,
		"dimension", config.Dimension,
		"seed", config.Seed,
		"shards", o.shards)

	return &LSHIndex{
		config:  config,
		tables:  tables,
		vectors: newVectorShards(o.shards),
		metrics: tracker,
		logger:  o.logger,
	}, nil
}

// Config returns the immutable configuration of the index.
func (lsh *LSHIndex) Config() LSHConfig {
	return lsh.config
}

// HashFunctions returns a copy of the projections of one table.
func (lsh *LSHIndex) HashFunctions(table int) []HashFunction {
	if table < 0 || table >= len(lsh.tables) {
		return nil
	}
	funcs := make([]HashFunction, len(lsh.tables[table].funcs))
	copy(funcs, lsh.tables[table].funcs)
	return funcs
}

// IndexVector stores vector under id and links it into one bucket per table.
// Re-indexing an existing id replaces its vector and bucket memberships.
func (lsh *LSHIndex) IndexVector(id string, vector []float32, metadata json.RawMessage) error {
	if id == "" {
		return core.WrapError("index_vector", core.ErrInvalidID)
	}
	if len(vector) != lsh.config.Dimension {
		return core.DimensionError("index_vector", lsh.config.Dimension, len(vector))
	}
	if err := encoding.ValidateVector(vector); err != nil {
		return core.WrapError("index_vector", err)
	}

	v := core.CloneVector(vector)
	keys := lsh.tableKeys(v)

	rec := &storedVector{
		IndexedVector: IndexedVector{ID: id, Vector: v, Metadata: cloneRaw(metadata)},
	}

	shard := lsh.vectorShard(id)
	shard.mu.Lock()
	prev, replaced := shard.items[id]
	if replaced {
		lsh.unlink(id, lsh.tableKeys(prev.Vector))
		rec.seq = prev.seq
	} else {
		rec.seq = lsh.seq.Add(1)
	}
	shard.items[id] = rec
	for t, key := range keys {
		lsh.tables[t].add(key, id)
	}
	shard.mu.Unlock()

	lsh.metrics.recordInsert(!replaced)
	return nil
}

// Query returns up to k approximate neighbours of vector ordered by descending
// cosine similarity, ties broken by insertion order.
//
// A dimension mismatch yields an empty result rather than an error.
func (lsh *LSHIndex) Query(vector []float32, k int) []QueryResult {
	return lsh.search(vector, k, 0)
}

// QueryWithMultiProbe is Query that additionally probes, per table, the probes
// neighbouring buckets whose projections lie closest to a bucket boundary.
func (lsh *LSHIndex) QueryWithMultiProbe(vector []float32, k, probes int) []QueryResult {
	if probes < 0 {
		probes = 0
	}
	return lsh.search(vector, k, probes)
}

type scoredCandidate struct {
	id  string
	sim float32
	seq uint64
}

func (lsh *LSHIndex) search(vector []float32, k, probes int) []QueryResult {
	if len(vector) != lsh.config.Dimension || k <= 0 {
		return []QueryResult{}
	}
	start := time.Now()

	seen := make(map[string]struct{})
	var candidates []string
	for _, table := range lsh.tables {
		for _, key := range probeKeys(vector, table.funcs, probes) {
			candidates = table.collect(key, seen, candidates)
		}
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, id := range candidates {
		rec, ok := lsh.lookup(id)
		if !ok {
			continue // removed between bucket scan and lookup
		}
		scored = append(scored, scoredCandidate{
			id:  id,
			sim: core.CosineSimilarity(vector, rec.Vector),
			seq: rec.seq,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].sim != scored[j].sim {
			return scored[i].sim > scored[j].sim
		}
		return scored[i].seq < scored[j].seq
	})
	if len(scored) > k {
		scored = scored[:k]
	}

	results := make([]QueryResult, len(scored))
	for i, c := range scored {
		results[i] = QueryResult{ID: c.id, Similarity: c.sim}
	}

	lsh.metrics.recordQuery(len(candidates), time.Since(start))
	return results
}

// RemoveVector deletes id from every bucket and from the primary store.
// It reports whether the id existed.
func (lsh *LSHIndex) RemoveVector(id string) bool {
	shard := lsh.vectorShard(id)
	shard.mu.Lock()
	rec, ok := shard.items[id]
	if !ok {
		shard.mu.Unlock()
		return false
	}
	lsh.unlink(id, lsh.tableKeys(rec.Vector))
	delete(shard.items, id)
	shard.mu.Unlock()

	lsh.metrics.recordRemove()
	return true
}

// Get returns a copy of the stored vector for id.
func (lsh *LSHIndex) Get(id string) (IndexedVector, bool) {
	rec, ok := lsh.lookup(id)
	if !ok {
		return IndexedVector{}, false
	}
	return IndexedVector{
		ID:       rec.ID,
		Vector:   core.CloneVector(rec.Vector),
		Metadata: cloneRaw(rec.Metadata),
	}, true
}

// Len returns the number of stored vectors.
func (lsh *LSHIndex) Len() int {
	n := 0
	for _, s := range lsh.vectors {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}

// Vectors returns copies of all stored vectors in insertion order.
func (lsh *LSHIndex) Vectors() []IndexedVector {
	var recs []*storedVector
	for _, s := range lsh.vectors {
		s.mu.RLock()
		for _, rec := range s.items {
			recs = append(recs, rec)
		}
		s.mu.RUnlock()
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]IndexedVector, len(recs))
	for i, rec := range recs {
		out[i] = IndexedVector{
			ID:       rec.ID,
			Vector:   core.CloneVector(rec.Vector),
			Metadata: cloneRaw(rec.Metadata),
		}
	}
	return out
}

// Clear removes all vectors from the index
func (lsh *LSHIndex) Clear() {
	for _, s := range lsh.vectors {
		s.mu.Lock()
	}
	for _, s := range lsh.vectors {
		s.items = make(map[string]*storedVector)
	}
	for _, t := range lsh.tables {
		t.reset()
	}
	for _, s := range lsh.vectors {
		s.mu.Unlock()
	}
	lsh.metrics.resetVectors()
	lsh.logger.Debug("lsh index cleared")
}

// GetMetrics returns the online query and size counters.
func (lsh *LSHIndex) GetMetrics() Metrics {
	m := lsh.metrics.snapshot()
	m.MemoryUsageEstimate = lsh.memoryEstimate(m.TotalVectors)
	return m
}

// BucketStats describes bucket occupancy across all tables.
type BucketStats struct {
	NumVectors    int     `json:"num_vectors"`
	NumTables     int     `json:"num_tables"`
	HashFunctions int     `json:"hash_functions"`
	TotalBuckets  int     `json:"total_buckets"`
	AvgBucketSize float64 `json:"avg_bucket_size"`
	MaxBucketSize int     `json:"max_bucket_size"`
	Memberships   int     `json:"memberships"`
}

// Stats returns statistics about the LSH index
func (lsh *LSHIndex) Stats() BucketStats {
	stats := BucketStats{
		NumVectors:    lsh.Len(),
		NumTables:     lsh.config.NumTables,
		HashFunctions: lsh.config.HashFunctions,
	}
	for _, t := range lsh.tables {
		for _, s := range t.shards {
			s.mu.RLock()
			stats.TotalBuckets += len(s.buckets)
			for _, bucket := range s.buckets {
				stats.Memberships += len(bucket)
				if len(bucket) > stats.MaxBucketSize {
					stats.MaxBucketSize = len(bucket)
				}
			}
			s.mu.RUnlock()
		}
	}
	if stats.TotalBuckets > 0 {
		stats.AvgBucketSize = float64(stats.Memberships) / float64(stats.TotalBuckets)
	}
	return stats
}

func (lsh *LSHIndex) vectorShard(id string) *vectorShard {
	return lsh.vectors[shardIndex(id, len(lsh.vectors))]
}

func (lsh *LSHIndex) lookup(id string) (*storedVector, bool) {
	s := lsh.vectorShard(id)
	s.mu.RLock()
	rec, ok := s.items[id]
	s.mu.RUnlock()
	return rec, ok
}

// tableKeys computes the combined key of v in every table.
func (lsh *LSHIndex) tableKeys(v []float32) []uint64 {
	keys := make([]uint64, len(lsh.tables))
	for t, table := range lsh.tables {
		keys[t] = tableKey(v, table.funcs)
	}
	return keys
}

// unlink strips id from the bucket at keys[t] of every table t.
func (lsh *LSHIndex) unlink(id string, keys []uint64) {
	for t, key := range keys {
		lsh.tables[t].remove(key, id)
	}
}

func (lsh *LSHIndex) memoryEstimate(vectors int64) int64 {
	dim := int64(lsh.config.Dimension)
	tables := int64(lsh.config.NumTables)
	funcs := tables * int64(lsh.config.HashFunctions) * (dim*4 + 8)
	return vectors*(dim*4+vectorOverheadBytes) + vectors*tables*bucketRefBytes + funcs
}

// probeKeys returns the base key of v under funcs followed by up to probes
// perturbed keys. Each perturbation moves the projection nearest to a bucket
// boundary into the adjacent bucket.
func probeKeys(v []float32, funcs []HashFunction, probes int) []uint64 {
	buckets := make([]int64, len(funcs))
	if probes == 0 {
		for i, f := range funcs {
			buckets[i] = f.Bucket(v)
		}
		return []uint64{combineBuckets(buckets)}
	}

	type boundary struct {
		fn   int
		dist float64
		step int64
	}
	edges := make([]boundary, len(funcs))
	for i, f := range funcs {
		p := f.Project(v)
		floor := math.Floor(p)
		buckets[i] = int64(floor)
		frac := p - floor
		if frac < 0.5 {
			edges[i] = boundary{fn: i, dist: frac, step: -1}
		} else {
			edges[i] = boundary{fn: i, dist: 1 - frac, step: 1}
		}
	}

	keys := []uint64{combineBuckets(buckets)}
	sort.Slice(edges, func(i, j int) bool { return edges[i].dist < edges[j].dist })
	for i := 0; i < probes && i < len(edges); i++ {
		e := edges[i]
		buckets[e.fn] += e.step
		keys = append(keys, combineBuckets(buckets))
		buckets[e.fn] -= e.step
	}
	return keys
}

func cloneRaw(m json.RawMessage) json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(json.RawMessage, len(m))
	copy(out, m)
	return out
}
