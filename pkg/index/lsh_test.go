package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/simcache/pkg/core"
)

func randomVectors(seed int64, n, dim int) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		out[i] = v
	}
	return out
}

func newTestIndex(t *testing.T, config LSHConfig, opts ...Option) *LSHIndex {
	t.Helper()
	lsh, err := NewLSHIndex(config, opts...)
	require.NoError(t, err)
	return lsh
}

func TestLSHIndexBasic(t *testing.T) {
	lsh := newTestIndex(t, LSHConfig{NumTables: 5, HashFunctions: 4, Dimension: 4, Seed: 42})

	vectors := map[string][]float32{
		"vec1": {1, 0, 0, 0},
		"vec2": {0, 1, 0, 0},
		"vec3": {0, 0, 1, 0},
		"vec4": {1, 1, 0, 0},
		"vec5": {1, 0, 1, 0},
	}
	for id, vec := range vectors {
		require.NoError(t, lsh.IndexVector(id, vec, nil), "insert %s", id)
	}
	assert.Equal(t, 5, lsh.Len())

	for id, vec := range vectors {
		results := lsh.Query(vec, 3)
		require.NotEmpty(t, results, "query %s", id)
		assert.Equal(t, id, results[0].ID)
		assert.InDelta(t, 1.0, results[0].Similarity, 1e-4)
	}
}

func TestLSHSelfQueryReturnsItselfFirst(t *testing.T) {
	const dim = 32
	lsh := newTestIndex(t, LSHConfig{NumTables: 4, HashFunctions: 6, Dimension: dim, Seed: 7})

	vectors := randomVectors(11, 200, dim)
	for i, v := range vectors {
		require.NoError(t, lsh.IndexVector(fmt.Sprintf("v%d", i), v, nil))
	}

	for i, v := range vectors {
		results := lsh.Query(v, 1)
		require.Len(t, results, 1)
		assert.Equal(t, fmt.Sprintf("v%d", i), results[0].ID)
		assert.InDelta(t, 1.0, results[0].Similarity, 1e-4)
	}
}

func TestLSHScenario128Dimensions(t *testing.T) {
	lsh := newTestIndex(t, LSHConfig{Dimension: 128, NumTables: 5, HashFunctions: 4, Seed: 42})

	vectors := randomVectors(2024, 100, 128)
	for i, v := range vectors {
		require.NoError(t, lsh.IndexVector(fmt.Sprintf("vec_%d", i), v, json.RawMessage(`{"n":`+fmt.Sprint(i)+`}`)))
	}

	results := lsh.Query(vectors[42], 10)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 10)
	assert.Equal(t, "vec_42", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-4)

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity, "results not descending")
	}
}

func TestLSHRemoveAllLeavesNoResiduals(t *testing.T) {
	const dim = 16
	lsh := newTestIndex(t, LSHConfig{NumTables: 6, HashFunctions: 3, Dimension: dim, Seed: 3})

	vectors := randomVectors(5, 50, dim)
	for i, v := range vectors {
		require.NoError(t, lsh.IndexVector(fmt.Sprintf("v%d", i), v, nil))
	}
	for i := range vectors {
		assert.True(t, lsh.RemoveVector(fmt.Sprintf("v%d", i)))
	}

	for _, v := range vectors {
		assert.Empty(t, lsh.Query(v, 5))
	}
	stats := lsh.Stats()
	assert.Zero(t, stats.TotalBuckets)
	assert.Zero(t, stats.Memberships)
	assert.Zero(t, lsh.Len())
	assert.False(t, lsh.RemoveVector("v0"), "second removal must report absence")
}

func TestLSHOneBucketPerTable(t *testing.T) {
	const dim = 8
	lsh := newTestIndex(t, LSHConfig{NumTables: 7, HashFunctions: 4, Dimension: dim, Seed: 1})

	vectors := randomVectors(9, 30, dim)
	for i, v := range vectors {
		require.NoError(t, lsh.IndexVector(fmt.Sprintf("v%d", i), v, nil))
	}
	assert.Equal(t, 30*7, lsh.Stats().Memberships)

	// Re-indexing replaces memberships instead of adding new ones.
	replacement := randomVectors(10, 5, dim)
	for i, v := range replacement {
		require.NoError(t, lsh.IndexVector(fmt.Sprintf("v%d", i), v, nil))
	}
	assert.Equal(t, 30*7, lsh.Stats().Memberships)
	assert.Equal(t, 30, lsh.Len())

	got, ok := lsh.Get("v0")
	require.True(t, ok)
	assert.Equal(t, replacement[0], got.Vector)
}

func TestLSHDimensionMismatch(t *testing.T) {
	lsh := newTestIndex(t, LSHConfig{NumTables: 3, HashFunctions: 4, Dimension: 4, Seed: 42})

	err := lsh.IndexVector("bad", []float32{1, 2}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDimensionMismatch))
	assert.Zero(t, lsh.Len())
	_, ok := lsh.Get("bad")
	assert.False(t, ok)

	require.NoError(t, lsh.IndexVector("good", []float32{1, 0, 0, 0}, nil))

	// Query tolerates the mismatch and returns an empty, non-nil result.
	results := lsh.Query([]float32{1, 2}, 1)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Zero(t, lsh.GetMetrics().TotalQueries)
}

func TestLSHRejectsEmptyID(t *testing.T) {
	lsh := newTestIndex(t, LSHConfig{Dimension: 2})
	err := lsh.IndexVector("", []float32{1, 0}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidID)
}

func TestLSHRejectsNonFiniteValues(t *testing.T) {
	lsh := newTestIndex(t, LSHConfig{Dimension: 2})
	assert.ErrorIs(t, lsh.IndexVector("nan", []float32{float32(math.NaN()), 1}, nil), core.ErrInvalidVector)
	assert.ErrorIs(t, lsh.IndexVector("inf", []float32{0, float32(math.Inf(-1))}, nil), core.ErrInvalidVector)
	assert.Zero(t, lsh.Len())
	assert.Zero(t, lsh.GetMetrics().TotalVectors)
}

func TestLSHInvalidConfig(t *testing.T) {
	_, err := NewLSHIndex(LSHConfig{NumTables: 2, HashFunctions: 2})
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	lsh := newTestIndex(t, LSHConfig{Dimension: 3})
	assert.Equal(t, 10, lsh.Config().NumTables)
	assert.Equal(t, 8, lsh.Config().HashFunctions)
}

func TestLSHTiesBrokenByInsertionOrder(t *testing.T) {
	lsh := newTestIndex(t, LSHConfig{NumTables: 3, HashFunctions: 4, Dimension: 4, Seed: 42})

	same := []float32{0.5, 0.5, 0.5, 0.5}
	require.NoError(t, lsh.IndexVector("zeta", same, nil))
	require.NoError(t, lsh.IndexVector("alpha", same, nil))
	require.NoError(t, lsh.IndexVector("mid", same, nil))

	results := lsh.Query(same, 3)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, []string{results[0].ID, results[1].ID, results[2].ID})
}

func TestLSHMetricsTrackNetVectors(t *testing.T) {
	const dim = 8
	lsh := newTestIndex(t, LSHConfig{NumTables: 2, HashFunctions: 2, Dimension: dim, Seed: 42})

	vectors := randomVectors(1, 20, dim)
	for i, v := range vectors {
		require.NoError(t, lsh.IndexVector(fmt.Sprintf("v%d", i), v, nil))
	}
	// Re-index does not add a vector.
	require.NoError(t, lsh.IndexVector("v3", vectors[4], nil))
	for i := 0; i < 7; i++ {
		require.True(t, lsh.RemoveVector(fmt.Sprintf("v%d", i)))
	}
	assert.False(t, lsh.RemoveVector("missing"))

	for _, v := range vectors[:5] {
		lsh.Query(v, 3)
	}

	m := lsh.GetMetrics()
	assert.Equal(t, int64(13), m.TotalVectors)
	assert.Equal(t, int64(lsh.Len()), m.TotalVectors)
	assert.Equal(t, uint64(5), m.TotalQueries)
	assert.Positive(t, m.MemoryUsageEstimate)
	assert.GreaterOrEqual(t, m.AvgQueryTimeNs, 0.0)
}

func TestMetricsTrackerIncrementalAverages(t *testing.T) {
	m := &metricsTracker{}
	m.recordQuery(2, 10)
	m.recordQuery(4, 30)
	m.recordQuery(9, 80)

	snap := m.snapshot()
	assert.Equal(t, uint64(3), snap.TotalQueries)
	assert.InDelta(t, 5.0, snap.AvgCandidatesPerQuery, 1e-9)
	assert.InDelta(t, 40.0, snap.AvgQueryTimeNs, 1e-9)
}

func TestLSHMultiProbe(t *testing.T) {
	const dim = 8
	lsh := newTestIndex(t, LSHConfig{NumTables: 4, HashFunctions: 6, Dimension: dim, Seed: 42})

	vectors := randomVectors(21, 100, dim)
	for i, v := range vectors {
		require.NoError(t, lsh.IndexVector(fmt.Sprintf("vec%d", i), v, nil))
	}

	query := randomVectors(99, 1, dim)[0]
	base := lsh.Query(query, 100)
	probed := lsh.QueryWithMultiProbe(query, 100, 3)

	t.Logf("Regular search found %d results", len(base))
	t.Logf("Multi-probe search found %d results", len(probed))
	assert.GreaterOrEqual(t, len(probed), len(base), "multi-probe must see every base candidate")

	probedIDs := make(map[string]bool, len(probed))
	for _, r := range probed {
		probedIDs[r.ID] = true
	}
	for _, r := range base {
		assert.True(t, probedIDs[r.ID], "missing %s", r.ID)
	}
}

func TestLSHClear(t *testing.T) {
	lsh := newTestIndex(t, LSHConfig{NumTables: 3, HashFunctions: 4, Dimension: 4, Seed: 42})
	require.NoError(t, lsh.IndexVector("a", []float32{1, 0, 0, 0}, nil))
	require.NoError(t, lsh.IndexVector("b", []float32{0, 1, 0, 0}, nil))

	lsh.Clear()

	assert.Zero(t, lsh.Len())
	assert.Zero(t, lsh.GetMetrics().TotalVectors)
	assert.Empty(t, lsh.Query([]float32{1, 0, 0, 0}, 1))
}

func TestLSHVectorsInInsertionOrder(t *testing.T) {
	lsh := newTestIndex(t, LSHConfig{Dimension: 2})
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, lsh.IndexVector(id, []float32{1, 2}, json.RawMessage(`{"id":"`+id+`"}`)))
	}

	all := lsh.Vectors()
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[1].ID)
	assert.Equal(t, "b", all[2].ID)
	assert.JSONEq(t, `{"id":"a"}`, string(all[1].Metadata))
}

func TestLSHConcurrentInsertAndQuery(t *testing.T) {
	const (
		dim     = 16
		workers = 8
		perW    = 50
	)
	lsh := newTestIndex(t, LSHConfig{NumTables: 4, HashFunctions: 4, Dimension: dim, Seed: 42}, WithShards(4))
	vectors := randomVectors(77, workers*perW, dim)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				n := w*perW + i
				if err := lsh.IndexVector(fmt.Sprintf("v%d", n), vectors[n], nil); err != nil {
					t.Errorf("insert v%d: %v", n, err)
					return
				}
				lsh.Query(vectors[n], 3)
				if i%5 == 0 {
					lsh.RemoveVector(fmt.Sprintf("v%d", n))
				}
			}
		}(w)
	}
	wg.Wait()

	removed := workers * (perW / 5)
	assert.Equal(t, workers*perW-removed, lsh.Len())
	assert.Equal(t, int64(lsh.Len()), lsh.GetMetrics().TotalVectors)
	assert.Equal(t, (workers*perW-removed)*4, lsh.Stats().Memberships)
}

func TestLSHPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	lsh := newTestIndex(t, LSHConfig{Dimension: 2, NumTables: 2, HashFunctions: 2}, WithMetrics(reg, "test"))

	require.NoError(t, lsh.IndexVector("a", []float32{1, 0}, nil))
	require.NoError(t, lsh.IndexVector("b", []float32{0, 1}, nil))
	lsh.RemoveVector("b")
	lsh.Query([]float32{1, 0}, 1)

	prom := lsh.metrics.prom
	require.NotNil(t, prom)
	assert.Equal(t, 2.0, testutil.ToFloat64(prom.inserts))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.removes))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.queries))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.vectors))

	// A second index with the same component label collides.
	_, err := NewLSHIndex(LSHConfig{Dimension: 2}, WithMetrics(reg, "test"))
	assert.Error(t, err)
}
