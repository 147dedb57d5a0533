package stats

import (
	"math/rand/v2"
)

// NewRand returns a random source. A zero seed draws a random one so that
// repeated runs differ; any other seed is reproducible.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Subsample returns k indices drawn uniformly with replacement from [0, n).
// When n <= k it returns every index once, in order.
func Subsample(n, k int, rng *rand.Rand) []int {
	if n <= 0 {
		return nil
	}
	if n <= k || k <= 0 {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	if rng == nil {
		rng = NewRand(0)
	}
	indices := make([]int, k)
	for i := range indices {
		indices[i] = rng.IntN(n)
	}
	return indices
}
