package index

import (
	"container/heap"
	"sync"

	"github.com/liliang-cn/simcache/pkg/core"
)

// FlatIndex implements a brute-force exact cosine search index.
// It guarantees the exact nearest neighbours with O(n) complexity and serves as
// the ground truth when measuring LSH recall.
type FlatIndex struct {
	mu        sync.RWMutex
	vectors   map[string]flatRecord
	dimension int
	seq       uint64
}

type flatRecord struct {
	vector []float32 // unit length
	seq    uint64
}

// NewFlatIndex creates a new brute-force index
func NewFlatIndex(dimension int) *FlatIndex {
	return &FlatIndex{
		vectors:   make(map[string]flatRecord),
		dimension: dimension,
	}
}

// Insert adds a vector to the index
func (f *FlatIndex) Insert(id string, vector []float32) error {
	if len(vector) != f.dimension {
		return core.DimensionError("flat_insert", f.dimension, len(vector))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	rec, exists := f.vectors[id]
	if !exists {
		f.seq++
		rec.seq = f.seq
	}
	rec.vector = core.Normalize(vector)
	f.vectors[id] = rec
	return nil
}

// Search performs exact brute-force search and returns the k most similar vectors.
func (f *FlatIndex) Search(query []float32, k int) []QueryResult {
	if len(query) != f.dimension || k <= 0 {
		return []QueryResult{}
	}

	q := core.Normalize(query)

	f.mu.RLock()
	defer f.mu.RUnlock()

	// Min-heap of the k best so far; the root is the weakest kept match.
	h := &flatMinHeap{}
	for id, rec := range f.vectors {
		item := flatHeapItem{id: id, sim: float32(core.Dot(q, rec.vector)), seq: rec.seq}
		if h.Len() < k {
			heap.Push(h, item)
		} else if item.better((*h)[0]) {
			(*h)[0] = item
			heap.Fix(h, 0)
		}
	}

	results := make([]QueryResult, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		item := heap.Pop(h).(flatHeapItem)
		results[i] = QueryResult{ID: item.id, Similarity: item.sim}
	}
	return results
}

// Delete removes a vector from the index
func (f *FlatIndex) Delete(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.vectors[id]; exists {
		delete(f.vectors, id)
		return true
	}
	return false
}

// Size returns the number of vectors in the index
func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Recall returns |approx ∩ exact| / |exact| for two result lists.
func Recall(approx, exact []QueryResult) float64 {
	if len(exact) == 0 {
		return 1
	}
	want := make(map[string]struct{}, len(exact))
	for _, r := range exact {
		want[r.ID] = struct{}{}
	}
	hits := 0
	for _, r := range approx {
		if _, ok := want[r.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(exact))
}

// flatHeapItem represents an item in the min heap for flat index
type flatHeapItem struct {
	id  string
	sim float32
	seq uint64
}

// better reports whether a ranks ahead of b: higher similarity, then earlier insertion.
func (a flatHeapItem) better(b flatHeapItem) bool {
	if a.sim != b.sim {
		return a.sim > b.sim
	}
	return a.seq < b.seq
}

// flatMinHeap keeps the weakest match at the root
type flatMinHeap []flatHeapItem

func (h flatMinHeap) Len() int           { return len(h) }
func (h flatMinHeap) Less(i, j int) bool { return h[j].better(h[i]) }
func (h flatMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *flatMinHeap) Push(x interface{}) {
	*h = append(*h, x.(flatHeapItem))
}

func (h *flatMinHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}
