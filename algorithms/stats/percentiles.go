package stats

import (
	"fmt"
	"math"
	"slices"
)

// Percentiles computes percentiles over the finite values of a sample by
// linear interpolation between closest ranks (R-7, numpy default).
// Non-finite values are ignored rather than propagated.
//
// References:
//   - Hyndman, R.J., Fan, Y. (1996). "Sample Quantiles in Statistical Packages"
//     The American Statistician, 50(4), 361-365
type Percentiles struct{}

// NewPercentiles creates a percentile calculator
func NewPercentiles() *Percentiles {
	return &Percentiles{}
}

// CalculatePercentiles computes several percentiles (0-100) with a single sort
func (p *Percentiles) CalculatePercentiles(data []float64, percentiles ...float64) ([]float64, error) {
	values := FiniteValues(data)
	if len(values) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	slices.Sort(values)

	out := make([]float64, len(percentiles))
	for i, pct := range percentiles {
		if pct < 0 || pct > 100 {
			return nil, fmt.Errorf("percentile must be between 0 and 100")
		}
		out[i] = fromSorted(values, pct/100)
	}
	return out, nil
}

func fromSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}

	// zero-based fractional rank
	h := float64(n-1) * q
	lower := min(max(int(math.Floor(h)), 0), n-1)
	upper := min(int(math.Ceil(h)), n-1)

	frac := h - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
