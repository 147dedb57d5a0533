package deramp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/RyanBlaney/terra-coreg/algorithms/stats"
	"github.com/RyanBlaney/terra-coreg/raster"
)

// ErrInvalidDegree is returned when a polynomial degree is negative or does
// not match the number of coefficients
var ErrInvalidDegree = errors.New("invalid polynomial degree")

// DefaultMaxSamples caps the number of samples used for a fit
const DefaultMaxSamples = 500_000

// Options configures a ramp fit
type Options struct {
	// MaxSamples bounds the fit cost; larger inputs are randomly subsampled
	// with replacement. Zero or negative disables the cap.
	MaxSamples int `json:"max_samples"`

	// Seed makes subsampling reproducible; zero draws a random seed
	Seed uint64 `json:"seed"`
}

// DefaultOptions returns the fit defaults
func DefaultOptions() Options {
	return Options{MaxSamples: DefaultMaxSamples}
}

// CoefficientCount returns (d+1)(d+2)/2, the number of terms of a 2D
// polynomial of degree d
func CoefficientCount(degree int) int {
	return (degree + 1) * (degree + 2) / 2
}

// Ramp is a fitted 2D polynomial surface.
//
// Coefficients are ordered by total degree k and then by the power j of y:
// Coefficients[k(k+1)/2 + j] multiplies x^(k-j) * y^j. For degree 1 this is
// [bias, x, y].
type Ramp struct {
	Degree       int       `json:"degree"`
	Coefficients []float64 `json:"coefficients"`
}

// NewRamp validates coefficients against degree
func NewRamp(degree int, coefficients []float64) (*Ramp, error) {
	r := &Ramp{Degree: degree, Coefficients: append([]float64(nil), coefficients...)}
	if err := r.check(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Ramp) check() error {
	if r.Degree < 0 {
		return fmt.Errorf("%w: degree %d is negative", ErrInvalidDegree, r.Degree)
	}
	if want := CoefficientCount(r.Degree); len(r.Coefficients) != want {
		return fmt.Errorf("%w: degree %d needs %d coefficients, got %d",
			ErrInvalidDegree, r.Degree, want, len(r.Coefficients))
	}
	return nil
}

// At evaluates the ramp at a single coordinate. It assumes a valid Ramp;
// use Evaluate for checked evaluation.
func (r *Ramp) At(x, y float64) float64 {
	return polyValue(r.Coefficients, r.Degree, x, y)
}

// Evaluate returns the ramp value at each (x[i], y[i])
func (r *Ramp) Evaluate(x, y []float64) ([]float64, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if len(x) != len(y) {
		return nil, fmt.Errorf("coordinate lengths differ: %d and %d", len(x), len(y))
	}
	out := make([]float64, len(x))
	for i := range x {
		out[i] = polyValue(r.Coefficients, r.Degree, x[i], y[i])
	}
	return out, nil
}

// EvaluateGrid evaluates the ramp over the pixel lattice of a rows x cols
// grid, with x = column and y = row
func (r *Ramp) EvaluateGrid(rows, cols int) (*raster.Grid, error) {
	x, y := MeshGrid(rows, cols)
	values, err := r.Evaluate(x, y)
	if err != nil {
		return nil, err
	}
	return raster.FromSlice(rows, cols, values)
}

func polyValue(coefficients []float64, degree int, x, y float64) float64 {
	return floats.Dot(coefficients, polyTerms(degree, x, y, nil))
}

// polyTerms fills dst with x^(k-j) * y^j in coefficient order
func polyTerms(degree int, x, y float64, dst []float64) []float64 {
	n := CoefficientCount(degree)
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	for k := 0; k <= degree; k++ {
		for j := 0; j <= k; j++ {
			dst[k*(k+1)/2+j] = math.Pow(x, float64(k-j)) * math.Pow(y, float64(j))
		}
	}
	return dst
}

// MeshGrid returns row-major pixel coordinate arrays for a rows x cols grid:
// x holds the column index and y the row index of each cell
func MeshGrid(rows, cols int) (x, y []float64) {
	x = make([]float64, rows*cols)
	y = make([]float64, rows*cols)
	for r := range rows {
		for c := range cols {
			x[r*cols+c] = float64(c)
			y[r*cols+c] = float64(r)
		}
	}
	return x, y
}

// Fit estimates a polynomial ramp of the given degree from an elevation
// difference grid and matching coordinates (one per cell, row-major).
//
// Only valid cells with finite coordinates take part. Above
// opts.MaxSamples samples, exactly MaxSamples are drawn uniformly with
// replacement, so results vary between runs unless opts.Seed is set.
// Coefficients minimise the sum of squared residuals (estimate - observed);
// samples whose polynomial terms are not finite are discarded.
func Fit(dh *raster.Grid, x, y []float64, degree int, opts Options) (*Ramp, error) {
	if degree < 0 {
		return nil, fmt.Errorf("%w: degree %d is negative", ErrInvalidDegree, degree)
	}
	if len(x) != dh.Len() || len(y) != dh.Len() {
		return nil, fmt.Errorf("%w: coordinates have %d and %d values for %d cells",
			raster.ErrShapeMismatch, len(x), len(y), dh.Len())
	}

	var valid []int
	for i := range dh.Data {
		if dh.Valid[i] && stats.IsFinite(x[i]) && stats.IsFinite(y[i]) {
			valid = append(valid, i)
		}
	}

	if opts.MaxSamples > 0 && len(valid) > opts.MaxSamples {
		picks := stats.Subsample(len(valid), opts.MaxSamples, stats.NewRand(opts.Seed))
		sampled := make([]int, len(picks))
		for k, p := range picks {
			sampled[k] = valid[p]
		}
		valid = sampled
	}

	nCoef := CoefficientCount(degree)
	rows := make([]float64, 0, len(valid)*nCoef)
	observed := make([]float64, 0, len(valid))
	terms := make([]float64, nCoef)
	for _, i := range valid {
		terms = polyTerms(degree, x[i], y[i], terms)
		if !allFinite(terms) {
			continue
		}
		rows = append(rows, terms...)
		observed = append(observed, dh.Data[i])
	}

	n := len(observed)
	if n < nCoef {
		return nil, fmt.Errorf("not enough valid samples for a degree %d ramp: %d < %d", degree, n, nCoef)
	}

	design := mat.NewDense(n, nCoef, rows)
	target := mat.NewVecDense(n, observed)

	var qr mat.QR
	qr.Factorize(design)
	var solution mat.VecDense
	if err := qr.SolveVecTo(&solution, false, target); err != nil {
		return nil, fmt.Errorf("ramp least squares failed: %w", err)
	}

	coefficients := make([]float64, nCoef)
	for i := range coefficients {
		coefficients[i] = solution.AtVec(i)
	}
	if !allFinite(coefficients) {
		return nil, fmt.Errorf("ramp least squares produced non-finite coefficients")
	}
	return &Ramp{Degree: degree, Coefficients: coefficients}, nil
}

func allFinite(values []float64) bool {
	for _, v := range values {
		if !stats.IsFinite(v) {
			return false
		}
	}
	return true
}
