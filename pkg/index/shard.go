package index

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the number of lock stripes used when none is configured.
const DefaultShards = 32

// storedVector is the primary-store record. Vector and Metadata are never
// mutated after insertion, so readers may use them outside the shard lock.
type storedVector struct {
	IndexedVector
	seq uint64
}

// vectorShard is one stripe of the primary id -> vector store.
type vectorShard struct {
	mu    sync.RWMutex
	items map[string]*storedVector
}

// bucketShard is one stripe of a hash table's key -> ids map.
type bucketShard struct {
	mu      sync.RWMutex
	buckets map[uint64][]string
}

// hashTable owns the projections of one table and its striped buckets.
type hashTable struct {
	funcs  []HashFunction
	shards []*bucketShard
}

func newVectorShards(n int) []*vectorShard {
	shards := make([]*vectorShard, n)
	for i := range shards {
		shards[i] = &vectorShard{items: make(map[string]*storedVector)}
	}
	return shards
}

func newHashTable(funcs []HashFunction, n int) *hashTable {
	shards := make([]*bucketShard, n)
	for i := range shards {
		shards[i] = &bucketShard{buckets: make(map[uint64][]string)}
	}
	return &hashTable{funcs: funcs, shards: shards}
}

// shardFor picks the stripe holding bucket key.
func (t *hashTable) shardFor(key uint64) *bucketShard {
	return t.shards[key%uint64(len(t.shards))]
}

// add appends id to the bucket of key.
func (t *hashTable) add(key uint64, id string) {
	s := t.shardFor(key)
	s.mu.Lock()
	s.buckets[key] = append(s.buckets[key], id)
	s.mu.Unlock()
}

// remove strips id from the bucket of key, dropping the bucket when it empties.
func (t *hashTable) remove(key uint64, id string) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[key]
	if !ok {
		return
	}
	kept := make([]string, 0, len(bucket))
	for _, member := range bucket {
		if member != id {
			kept = append(kept, member)
		}
	}
	if len(kept) > 0 {
		s.buckets[key] = kept
	} else {
		delete(s.buckets, key)
	}
}

// collect appends the members of bucket key that are not yet in seen.
func (t *hashTable) collect(key uint64, seen map[string]struct{}, out []string) []string {
	s := t.shardFor(key)
	s.mu.RLock()
	for _, id := range s.buckets[key] {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	s.mu.RUnlock()
	return out
}

// reset empties every stripe. Callers hold no other bucket lock.
func (t *hashTable) reset() {
	for _, s := range t.shards {
		s.mu.Lock()
		s.buckets = make(map[uint64][]string)
		s.mu.Unlock()
	}
}

// shardIndex maps an id onto one of n primary stripes.
func shardIndex(id string, n int) int {
	return int(xxhash.Sum64String(id) % uint64(n))
}
