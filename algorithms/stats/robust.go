package stats

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/RyanBlaney/terra-coreg/raster"
)

// NMADScale converts a median absolute deviation into a Gaussian-equivalent
// standard deviation
const NMADScale = 1.4826

// IsFinite reports whether v is neither NaN nor infinite
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FiniteValues returns a copy of data without NaN or infinite values
func FiniteValues(data []float64) []float64 {
	out := make([]float64, 0, len(data))
	for _, v := range data {
		if IsFinite(v) {
			out = append(out, v)
		}
	}
	return out
}

// NanMedian returns the median of the finite values in data, averaging the
// two middle values for even counts. It returns NaN if nothing is finite.
func NanMedian(data []float64) float64 {
	values := FiniteValues(data)
	if len(values) == 0 {
		return math.NaN()
	}
	slices.Sort(values)
	return sortedMedian(values)
}

func sortedMedian(sorted []float64) float64 {
	n := len(sorted)
	mid := n / 2
	if n%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// NMAD calculates the normalized median absolute deviation of data,
// 1.4826 * median(|x - median(x)|), ignoring non-finite values.
//
// The result does not depend on the order of the values. It is NaN when no
// value is finite.
func NMAD(data []float64) float64 {
	values := FiniteValues(data)
	if len(values) == 0 {
		return math.NaN()
	}
	slices.Sort(values)
	median := sortedMedian(values)

	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - median)
	}
	slices.Sort(deviations)

	return NMADScale * sortedMedian(deviations)
}

// GridMedian returns the median of the valid cells of g
func GridMedian(g *raster.Grid) float64 {
	return NanMedian(g.ValidValues())
}

// GridNMAD returns the NMAD of the valid cells of g
func GridNMAD(g *raster.Grid) float64 {
	return NMAD(g.ValidValues())
}

// PopMeanStdDev returns the mean and the population (ddof = 0) standard
// deviation of data
func PopMeanStdDev(data []float64) (mean, std float64) {
	if len(data) == 0 {
		return math.NaN(), math.NaN()
	}
	mean, variance := stat.PopMeanVariance(data, nil)
	return mean, math.Sqrt(variance)
}
