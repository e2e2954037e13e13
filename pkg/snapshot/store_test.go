package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/simcache/pkg/cache"
	"github.com/liliang-cn/simcache/pkg/core"
	"github.com/liliang-cn/simcache/pkg/index"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newIndex(t *testing.T, dim int) *index.LSHIndex {
	t.Helper()
	idx, err := index.NewLSHIndex(index.LSHConfig{NumTables: 4, HashFunctions: 4, Dimension: dim, Seed: 7})
	require.NoError(t, err)
	return idx
}

func TestCacheSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	src, err := cache.New(cache.Config{MaxEntries: 10})
	require.NoError(t, err)
	require.NoError(t, src.Store("a", []float32{1, 2, 3}, "docs", "unit", 0.8))
	require.NoError(t, src.Store("b", []float32{4, 5, 6}, "code", "unit", 0.4))

	info, err := s.SaveCache(ctx, "warm", src)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, KindCache, info.Kind)
	assert.Equal(t, 2, info.Entries)

	dst, err := cache.New(cache.Config{MaxEntries: 10})
	require.NoError(t, err)
	loaded, err := s.LoadCache(ctx, "warm", dst)
	require.NoError(t, err)
	assert.Equal(t, info.ID, loaded.ID)

	for _, key := range []string{"a", "b"} {
		want, wantMeta, ok := src.Retrieve(key)
		require.True(t, ok)
		got, gotMeta, ok := dst.Retrieve(key)
		require.True(t, ok)
		assert.Equal(t, want, got)
		assert.Equal(t, wantMeta, gotMeta)
	}
}

func TestIndexSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	src := newIndex(t, 3)
	for i := 0; i < 25; i++ {
		var meta json.RawMessage
		if i%2 == 0 {
			meta = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		}
		require.NoError(t, src.IndexVector(fmt.Sprintf("v%d", i), []float32{float32(i), 1, -0.5}, meta))
	}

	info, err := s.SaveIndex(ctx, "main", src)
	require.NoError(t, err)
	assert.Equal(t, 25, info.Entries)

	dst := newIndex(t, 3)
	_, err = s.LoadIndex(ctx, "main", dst)
	require.NoError(t, err)

	assert.Equal(t, src.Vectors(), dst.Vectors())
	assert.Equal(t, src.Query([]float32{3, 1, -0.5}, 5), dst.Query([]float32{3, 1, -0.5}, 5))
}

func TestLoadIndexDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	src := newIndex(t, 3)
	require.NoError(t, src.IndexVector("a", []float32{1, 2, 3}, nil))
	_, err := s.SaveIndex(ctx, "main", src)
	require.NoError(t, err)

	_, err = s.LoadIndex(ctx, "main", newIndex(t, 4))
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
}

func TestLoadIndexCorruptRowLeavesIndexUnchanged(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	src := newIndex(t, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, src.IndexVector(fmt.Sprintf("v%d", i), []float32{float32(i), 1, 0}, nil))
	}
	info, err := s.SaveIndex(ctx, "main", src)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx,
		`UPDATE snapshot_vectors SET vector = ? WHERE snapshot_id = ? AND position = 1`,
		[]byte{1, 2}, info.ID)
	require.NoError(t, err)

	dst := newIndex(t, 3)
	require.NoError(t, dst.IndexVector("existing", []float32{0, 0, 1}, nil))

	_, err = s.LoadIndex(ctx, "main", dst)
	require.ErrorIs(t, err, core.ErrInvalidVector)
	assert.Equal(t, 1, dst.Len())
	_, ok := dst.Get("v0")
	assert.False(t, ok, "rows before the corrupt one must not be loaded")
}

func TestSaveReplacesSameName(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	idx := newIndex(t, 2)
	require.NoError(t, idx.IndexVector("a", []float32{1, 0}, nil))
	first, err := s.SaveIndex(ctx, "main", idx)
	require.NoError(t, err)

	require.NoError(t, idx.IndexVector("b", []float32{0, 1}, nil))
	second, err := s.SaveIndex(ctx, "main", idx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	infos, err := s.List(ctx, KindIndex)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, second.ID, infos[0].ID)
	assert.Equal(t, 2, infos[0].Entries)

	dst := newIndex(t, 2)
	_, err = s.LoadIndex(ctx, "main", dst)
	require.NoError(t, err)
	assert.Equal(t, 2, dst.Len())
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	c, err := cache.New(cache.Config{MaxEntries: 4})
	require.NoError(t, err)
	_, err = s.SaveCache(ctx, "c1", c)
	require.NoError(t, err)
	_, err = s.SaveIndex(ctx, "i1", newIndex(t, 2))
	require.NoError(t, err)
	_, err = s.SaveCache(ctx, "c2", c)
	require.NoError(t, err)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	names := make([]string, len(all))
	for i, info := range all {
		names[i] = info.Name
	}
	assert.Equal(t, []string{"c2", "i1", "c1"}, names)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 3, 0, time.UTC), all[0].CreatedAt)

	caches, err := s.List(ctx, KindCache)
	require.NoError(t, err)
	assert.Len(t, caches, 2)

	require.NoError(t, s.Delete(ctx, KindCache, "c1"))
	assert.ErrorIs(t, s.Delete(ctx, KindCache, "c1"), core.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, KindIndex, "c2"), core.ErrNotFound)

	_, err = s.LoadCache(ctx, "c1", c)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStoreErrors(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, "")
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	s := setupTestStore(t)
	_, err = s.SaveIndex(ctx, "", newIndex(t, 2))
	assert.ErrorIs(t, err, core.ErrInvalidKey)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.List(ctx, "")
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = s.SaveIndex(ctx, "x", newIndex(t, 2))
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshots.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	idx := newIndex(t, 2)
	require.NoError(t, idx.IndexVector("a", []float32{1, 1}, nil))
	_, err = s.SaveIndex(ctx, "main", idx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	dst := newIndex(t, 2)
	_, err = s.LoadIndex(ctx, "main", dst)
	require.NoError(t, err)
	got, ok := dst.Get("a")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 1}, got.Vector)
}
