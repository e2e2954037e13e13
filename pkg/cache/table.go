package cache

import (
	"time"

	"github.com/google/btree"
)

// EntryView is the read-only view of the cache handed to a Strategy.
// Each visits entries in creation order, oldest first.
type EntryView interface {
	Len() int
	Each(fn func(e *CachedEntry) bool)
	Oldest() (*CachedEntry, bool)
}

// createdKey orders the creation-time index. seq breaks ties between entries
// created at the same instant.
type createdKey struct {
	at  time.Time
	seq uint64
	key string
}

func lessCreated(a, b createdKey) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.seq < b.seq
}

type tableRecord struct {
	entry *CachedEntry
	ck    createdKey
}

// entryTable keeps the entry map, the creation-time index and the embedding
// index in step. Callers hold the cache lock; every mutator touches all three.
type entryTable struct {
	entries    map[string]*tableRecord
	byCreated  *btree.BTreeG[createdKey]
	embeddings map[string][]float32
	seq        uint64
	bytes      int64
}

func newEntryTable() *entryTable {
	return &entryTable{
		entries:    make(map[string]*tableRecord),
		byCreated:  btree.NewG[createdKey](32, lessCreated),
		embeddings: make(map[string][]float32),
	}
}

func (t *entryTable) Len() int { return len(t.entries) }

func (t *entryTable) get(key string) (*CachedEntry, bool) {
	rec, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	return rec.entry, true
}

// insert adds e, replacing any entry already stored under e.Key.
func (t *entryTable) insert(e *CachedEntry) {
	t.remove(e.Key)

	t.seq++
	rec := &tableRecord{
		entry: e,
		ck:    createdKey{at: e.Metadata.CreatedAt, seq: t.seq, key: e.Key},
	}
	t.entries[e.Key] = rec
	t.byCreated.ReplaceOrInsert(rec.ck)
	t.embeddings[e.Key] = e.Embedding
	t.bytes += e.sizeBytes()
}

func (t *entryTable) setEmbedding(key string, embedding []float32) {
	rec, ok := t.entries[key]
	if !ok {
		return
	}
	t.bytes -= rec.entry.sizeBytes()
	rec.entry.Embedding = embedding
	t.embeddings[key] = embedding
	t.bytes += rec.entry.sizeBytes()
}

func (t *entryTable) remove(key string) (*CachedEntry, bool) {
	rec, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	delete(t.entries, key)
	t.byCreated.Delete(rec.ck)
	delete(t.embeddings, key)
	t.bytes -= rec.entry.sizeBytes()
	return rec.entry, true
}

func (t *entryTable) clear() {
	t.entries = make(map[string]*tableRecord)
	t.byCreated.Clear(false)
	t.embeddings = make(map[string][]float32)
	t.bytes = 0
}

func (t *entryTable) Each(fn func(e *CachedEntry) bool) {
	t.byCreated.Ascend(func(ck createdKey) bool {
		return fn(t.entries[ck.key].entry)
	})
}

func (t *entryTable) Oldest() (*CachedEntry, bool) {
	ck, ok := t.byCreated.Min()
	if !ok {
		return nil, false
	}
	return t.entries[ck.key].entry, true
}

func (t *entryTable) eachEmbedding(fn func(key string, embedding []float32)) {
	for k, emb := range t.embeddings {
		fn(k, emb)
	}
}

func (t *entryTable) keys() []string {
	out := make([]string, 0, len(t.entries))
	t.byCreated.Ascend(func(ck createdKey) bool {
		out = append(out, ck.key)
		return true
	})
	return out
}

// consistent reports whether the three structures hold the same key set.
func (t *entryTable) consistent() bool {
	if t.byCreated.Len() != len(t.entries) || len(t.embeddings) != len(t.entries) {
		return false
	}
	ok := true
	t.byCreated.Ascend(func(ck createdKey) bool {
		rec, found := t.entries[ck.key]
		if !found || rec.ck != ck {
			ok = false
			return false
		}
		_, ok = t.embeddings[ck.key]
		return ok
	})
	return ok
}
