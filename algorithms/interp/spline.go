package interp

import (
	"fmt"

	gonuminterp "gonum.org/v1/gonum/interp"
)

// knots returns the unit-spaced sample positions 0..n-1
func knots(n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	return xs
}

// fitAxis fits a natural cubic spline through y sampled at xs[:len(y)]. A
// single sample is held constant. Outside the knots the prediction is clamped
// to the end values.
func fitAxis(xs, y []float64) (gonuminterp.Predictor, error) {
	switch len(y) {
	case 0:
		return nil, fmt.Errorf("empty data")
	case 1:
		return gonuminterp.Constant(y[0]), nil
	}

	nc := &gonuminterp.NaturalCubic{}
	if err := nc.Fit(xs[:len(y)], y); err != nil {
		return nil, fmt.Errorf("failed to fit spline through %d samples: %w", len(y), err)
	}
	return nc, nil
}
