package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/simcache/pkg/core"
)

func TestHashFunctionGeneratorIsDeterministic(t *testing.T) {
	a := NewHashFunctionGenerator(42)
	b := NewHashFunctionGenerator(42)

	for table := 0; table < 3; table++ {
		for fn := 0; fn < 4; fn++ {
			assert.Equal(t, a.Generate(table, fn, 16), b.Generate(table, fn, 16))
		}
	}

	other := NewHashFunctionGenerator(43).Generate(0, 0, 16)
	assert.NotEqual(t, a.Generate(0, 0, 16).Projection, other.Projection)
}

func TestHashFunctionGeneratorSeedDerivation(t *testing.T) {
	g := NewHashFunctionGenerator(100)
	assert.Equal(t, int64(100), g.Seed(0, 0))
	assert.Equal(t, int64(103), g.Seed(0, 3))
	assert.Equal(t, int64(2105), g.Seed(2, 5))

	// Function 0 of table 1 equals a generator whose base already includes the offset.
	assert.Equal(t, g.Generate(1, 0, 8), NewHashFunctionGenerator(1100).Generate(0, 0, 8))
}

func TestHashFunctionShape(t *testing.T) {
	g := NewHashFunctionGenerator(7)
	for fn := 0; fn < 20; fn++ {
		h := g.Generate(0, fn, 64)
		require.Len(t, h.Projection, 64)
		assert.InDelta(t, 1.0, core.Norm(h.Projection), 1e-5)
		assert.GreaterOrEqual(t, h.Bias, float32(0))
		assert.Less(t, h.Bias, float32(1))
		assert.Equal(t, float32(1.0), h.Width)
	}
}

func TestHashFunctionBucketFloors(t *testing.T) {
	h := HashFunction{Projection: []float32{1, 0}, Bias: 0.25, Width: 1}
	assert.Equal(t, int64(0), h.Bucket([]float32{0.5, 9}))
	assert.Equal(t, int64(1), h.Bucket([]float32{0.75, 0}))
	assert.Equal(t, int64(-1), h.Bucket([]float32{-0.5, 0}))
	assert.Equal(t, int64(-2), h.Bucket([]float32{-1.5, 0}))
}

func TestCombineBuckets(t *testing.T) {
	assert.Equal(t, uint64(0), combineBuckets(nil))
	assert.Equal(t, GoldenRatio, combineBuckets([]int64{1}))
	g := GoldenRatio
	assert.Equal(t, g^(g<<8), combineBuckets([]int64{1, 1}))
	assert.Equal(t, uint64(0)-g, combineBuckets([]int64{-1}))

	// Shifts wrap every eight functions.
	nine := make([]int64, 9)
	nine[8] = 1
	assert.Equal(t, GoldenRatio, combineBuckets(nine))
}

func TestProbeKeysStartWithBaseKey(t *testing.T) {
	funcs := NewHashFunctionGenerator(5).GenerateTable(0, 4, 8)
	v := []float32{0.1, -0.3, 0.7, 0.2, 0, 0.9, -0.4, 0.05}

	base := tableKey(v, funcs)
	assert.Equal(t, []uint64{base}, probeKeys(v, funcs, 0))

	keys := probeKeys(v, funcs, 3)
	require.Len(t, keys, 4)
	assert.Equal(t, base, keys[0])
	for _, k := range keys[1:] {
		assert.NotEqual(t, base, k)
	}

	assert.Len(t, probeKeys(v, funcs, 10), 5, "probes are capped at the function count")
}
