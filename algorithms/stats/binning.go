package stats

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// BinResult holds per-bin statistics of values grouped by an explanatory
// variable. Bins are open intervals: a sample belongs to bin i only when
// Edges[i] < x < Edges[i+1].
type BinResult struct {
	Edges   []float64 `json:"edges"`   // len(Counts)+1 bin edges
	Counts  []int     `json:"counts"`  // samples strictly inside each bin
	Medians []float64 `json:"medians"` // NaN for empty bins
	NMADs   []float64 `json:"nmads"`   // NaN for empty bins
}

// UniformEdges returns n+1 equally spaced edges covering [start, stop]
func UniformEdges(start, stop float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	edges := make([]float64, n+1)
	floats.Span(edges, start, stop)
	return edges
}

// BinStatistics groups values by x into the bins defined by edges and computes
// count, median and NMAD for each bin. Pairs where either value is non-finite
// are skipped.
func BinStatistics(x, values, edges []float64) (*BinResult, error) {
	if len(x) != len(values) {
		return nil, fmt.Errorf("x and values must have the same length, got %d and %d", len(x), len(values))
	}
	if len(edges) < 2 {
		return nil, fmt.Errorf("at least two bin edges are required")
	}
	for i := 1; i < len(edges); i++ {
		if !(edges[i] > edges[i-1]) {
			return nil, fmt.Errorf("bin edges must be strictly increasing")
		}
	}

	nBins := len(edges) - 1
	members := make([][]float64, nBins)
	for i, xv := range x {
		v := values[i]
		if !IsFinite(xv) || !IsFinite(v) {
			continue
		}
		bin := locateBin(edges, xv)
		if bin < 0 {
			continue
		}
		members[bin] = append(members[bin], v)
	}

	result := &BinResult{
		Edges:   append([]float64(nil), edges...),
		Counts:  make([]int, nBins),
		Medians: make([]float64, nBins),
		NMADs:   make([]float64, nBins),
	}
	for i, m := range members {
		result.Counts[i] = len(m)
		if len(m) == 0 {
			result.Medians[i] = math.NaN()
			result.NMADs[i] = math.NaN()
			continue
		}
		result.Medians[i] = NanMedian(m)
		result.NMADs[i] = NMAD(m)
	}
	return result, nil
}

// locateBin returns the bin that strictly contains x, or -1 when x falls on an
// edge or outside the range
func locateBin(edges []float64, x float64) int {
	if x <= edges[0] || x >= edges[len(edges)-1] {
		return -1
	}
	lo, hi := 0, len(edges)-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if edges[mid] <= x {
			lo = mid
		} else {
			hi = mid
		}
	}
	if x == edges[lo] {
		return -1
	}
	return lo
}
