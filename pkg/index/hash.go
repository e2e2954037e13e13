package index

import (
	"math"
	"math/rand"

	"github.com/liliang-cn/simcache/pkg/core"
)

// GoldenRatio is the 64-bit golden ratio constant used to spread per-function
// bucket numbers across the combined table key.
const GoldenRatio uint64 = 0x9E3779B97F4A7C15

// DefaultWidth is the quantisation width of every projection.
const DefaultWidth float32 = 1.0

// seedStride separates the seed ranges of consecutive tables.
const seedStride = 1000

// HashFunction is one p-stable projection: h(v) = floor((v·r + b) / w).
type HashFunction struct {
	Projection []float32 `json:"projection"` // unit length
	Bias       float32   `json:"bias"`       // uniform in [0,1)
	Width      float32   `json:"width"`
}

// Project returns (v·r + b) / w before flooring.
func (h HashFunction) Project(v []float32) float64 {
	return (core.Dot(v, h.Projection) + float64(h.Bias)) / float64(h.Width)
}

// Bucket returns floor((v·r + b) / w).
func (h HashFunction) Bucket(v []float32) int64 {
	return int64(math.Floor(h.Project(v)))
}

// HashFunctionGenerator derives reproducible projections from a base seed.
// Function j of table t is generated from seed base + t*1000 + j, so the same
// configuration always yields the same hash family.
type HashFunctionGenerator struct {
	baseSeed int64
}

// NewHashFunctionGenerator creates a generator for the given base seed.
func NewHashFunctionGenerator(seed int64) *HashFunctionGenerator {
	return &HashFunctionGenerator{baseSeed: seed}
}

// Seed returns the derived seed of function fn in table table.
func (g *HashFunctionGenerator) Seed(table, fn int) int64 {
	return g.baseSeed + int64(table)*seedStride + int64(fn)
}

// Generate builds function fn of table table for vectors of the given dimension.
func (g *HashFunctionGenerator) Generate(table, fn, dimension int) HashFunction {
	rng := rand.New(rand.NewSource(g.Seed(table, fn)))

	projection := make([]float32, dimension)
	for i := range projection {
		projection[i] = float32(rng.NormFloat64())
	}

	bias := float32(rng.Float64())
	if bias >= 1 {
		// float64 -> float32 rounding can reach 1.0
		bias = math.Nextafter32(1, 0)
	}

	return HashFunction{
		Projection: core.Normalize(projection),
		Bias:       bias,
		Width:      DefaultWidth,
	}
}

// GenerateTable builds all functions of one table.
func (g *HashFunctionGenerator) GenerateTable(table, numFuncs, dimension int) []HashFunction {
	funcs := make([]HashFunction, numFuncs)
	for j := range funcs {
		funcs[j] = g.Generate(table, j, dimension)
	}
	return funcs
}

// combineBuckets folds per-function bucket numbers into one 64-bit table key:
// key ^= (uint64(h_i) * GoldenRatio) << (i*8 mod 64).
func combineBuckets(buckets []int64) uint64 {
	var key uint64
	for i, h := range buckets {
		key ^= (uint64(h) * GoldenRatio) << (uint(i*8) % 64)
	}
	return key
}

// tableKey computes the combined key of v under one table's functions.
func tableKey(v []float32, funcs []HashFunction) uint64 {
	buckets := make([]int64, len(funcs))
	for i, f := range funcs {
		buckets[i] = f.Bucket(v)
	}
	return combineBuckets(buckets)
}
