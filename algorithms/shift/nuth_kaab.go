package shift

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/RyanBlaney/terra-coreg/algorithms/stats"
	"github.com/RyanBlaney/terra-coreg/raster"
)

// ErrInsufficientData is returned when too few aspect bins hold enough samples
// to fit the cosine model
var ErrInsufficientData = errors.New("insufficient data for horizontal shift estimation")

const (
	// AspectBins is the number of equal-width aspect bins covering [0, 2*pi)
	AspectBins = 72

	// MinValidBins is the fewest populated bins the fit will accept
	MinValidBins = 10

	// DefaultMinCount is the default minimum number of samples per bin
	DefaultMinCount = 30

	// maxNormalizedDiff caps |dh / slope|; beyond it the slope denominator is
	// considered degenerate
	maxNormalizedDiff = 200.0
)

// Options configures the estimator
type Options struct {
	// MinCount is the per-bin sample count a bin must exceed to be used
	MinCount int `json:"min_count"`
}

// DefaultOptions returns the estimator defaults
func DefaultOptions() Options {
	return Options{MinCount: DefaultMinCount}
}

// Result is one horizontal shift estimate. East and North are in pixels and
// are the displacement to add to the sampling coordinates of the grid being
// aligned (east = +column, north = -row).
type Result struct {
	East  float64 `json:"east"`
	North float64 `json:"north"`
	Bias  float64 `json:"bias"` // c parameter, elevation difference over slope

	Amplitude float64 `json:"amplitude"` // a parameter
	Phase     float64 `json:"phase"`     // b parameter, radians

	// Bins used by the fit: left edges (radians), medians and NMADs of
	// dh/slope and sample counts.
	BinEdges   []float64 `json:"bin_edges"`
	BinMedians []float64 `json:"bin_medians"`
	BinNMADs   []float64 `json:"bin_nmads"`
	BinCounts  []int     `json:"bin_counts"`

	Samples int `json:"samples"` // points left after outlier removal
}

// Model evaluates a*cos(b - x) + c with the fitted parameters
func (r *Result) Model(x float64) float64 {
	return cosineModel(r.Amplitude, r.Phase, r.Bias, x)
}

func cosineModel(a, b, c, x float64) float64 {
	return a*math.Cos(b-x) + c
}

// Estimate calculates the horizontal shift between two DEMs following Nuth
// and Kääb (2011).
//
// dh is the elevation difference (reference minus aligned); slope and aspect
// come from the reference (see terrain.SlopeAspect). The elevation difference
// normalised by slope is binned by aspect and a cosine
//
//	y(x) = a*cos(b - x) + c
//
// is fitted to the bin medians by nonlinear least squares. The shift is
// (a*sin(b), a*cos(b)).
func Estimate(dh, slope, aspect *raster.Grid, opts Options) (*Result, error) {
	if err := raster.CheckShape(dh, slope); err != nil {
		return nil, err
	}
	if err := raster.CheckShape(dh, aspect); err != nil {
		return nil, err
	}
	if opts.MinCount < 0 {
		return nil, fmt.Errorf("min count must be non-negative, got %d", opts.MinCount)
	}

	x, y := normalizedDifference(dh, slope, aspect)
	x, y = removeOutliers(x, y)

	bins, err := stats.BinStatistics(x, y, stats.UniformEdges(0, 2*math.Pi, AspectBins))
	if err != nil {
		return nil, err
	}

	result := &Result{Samples: len(y)}
	for i, count := range bins.Counts {
		if count > opts.MinCount {
			result.BinEdges = append(result.BinEdges, bins.Edges[i])
			result.BinMedians = append(result.BinMedians, bins.Medians[i])
			result.BinNMADs = append(result.BinNMADs, bins.NMADs[i])
			result.BinCounts = append(result.BinCounts, count)
		}
	}
	if len(result.BinEdges) < MinValidBins {
		return nil, fmt.Errorf("%w: %d of %d aspect bins have more than %d samples, need %d",
			ErrInsufficientData, len(result.BinEdges), AspectBins, opts.MinCount, MinValidBins)
	}

	a, b, c, err := fitCosine(result.BinEdges, result.BinMedians)
	if err != nil {
		return nil, err
	}

	result.Amplitude, result.Phase, result.Bias = a, b, c
	result.East = a * math.Sin(b)
	result.North = a * math.Cos(b)
	return result, nil
}

// normalizedDifference pairs each aspect with dh/slope, keeping only cells
// where every input is valid and the quotient is finite
func normalizedDifference(dh, slope, aspect *raster.Grid) (x, y []float64) {
	n := dh.Len()
	x = make([]float64, 0, n)
	y = make([]float64, 0, n)
	for i := range n {
		if !dh.Valid[i] || !slope.Valid[i] || !aspect.Valid[i] {
			continue
		}
		q := dh.Data[i] / slope.Data[i]
		if !stats.IsFinite(q) || !stats.IsFinite(aspect.Data[i]) {
			continue
		}
		x = append(x, aspect.Data[i])
		y = append(y, q)
	}
	return x, y
}

// removeOutliers keeps pairs whose y lies strictly between the 1st and 99th
// percentiles and below the hard magnitude cap
func removeOutliers(x, y []float64) ([]float64, []float64) {
	if len(y) == 0 {
		return x, y
	}
	bounds, err := stats.NewPercentiles().CalculatePercentiles(y, 1, 99)
	if err != nil {
		return nil, nil
	}
	lower, upper := bounds[0], bounds[1]

	keptX := x[:0:0]
	keptY := y[:0:0]
	for i, v := range y {
		if v > lower && v < upper && math.Abs(v) < maxNormalizedDiff {
			keptX = append(keptX, x[i])
			keptY = append(keptY, v)
		}
	}
	return keptX, keptY
}

// fitCosine minimises sum((a*cos(b - x) + c - y)^2) starting from
// (3*std(y)/sqrt(2), 0, mean(y))
func fitCosine(x, y []float64) (a, b, c float64, err error) {
	mean, std := stats.PopMeanStdDev(y)
	x0 := []float64{3 * std / math.Sqrt2, 0, mean}

	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			sum := 0.0
			for i, xi := range x {
				r := cosineModel(p[0], p[1], p[2], xi) - y[i]
				sum += r * r
			}
			return sum
		},
		Grad: func(grad, p []float64) {
			grad[0], grad[1], grad[2] = 0, 0, 0
			for i, xi := range x {
				cos, sin := math.Cos(p[1]-xi), math.Sin(p[1]-xi)
				r := p[0]*cos + p[2] - y[i]
				grad[0] += 2 * r * cos
				grad[1] -= 2 * r * p[0] * sin
				grad[2] += 2 * r
			}
		},
	}

	result, err := optimize.Minimize(problem, x0, nil, &optimize.BFGS{})
	if err != nil || result == nil || !finiteParams(result.X) {
		// derivative-free fallback, as used for star alignment
		result, err = optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
		if err != nil && (result == nil || !finiteParams(result.X)) {
			return 0, 0, 0, fmt.Errorf("cosine fit failed: %w", err)
		}
	}
	if !finiteParams(result.X) {
		return 0, 0, 0, fmt.Errorf("cosine fit produced non-finite parameters")
	}
	return result.X[0], result.X[1], result.X[2], nil
}

func finiteParams(p []float64) bool {
	for _, v := range p {
		if !stats.IsFinite(v) {
			return false
		}
	}
	return len(p) > 0
}
