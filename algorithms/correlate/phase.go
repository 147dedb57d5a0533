package correlate

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/RyanBlaney/terra-coreg/algorithms/stats"
	"github.com/RyanBlaney/terra-coreg/raster"
)

// spectrumFloor keeps the whitening step finite at frequencies with no energy
const spectrumFloor = 1e-12

// Offset is an integer pixel displacement between two grids: the aligned
// grid at (row, col) shows the reference at (row-Row, col-Col)
type Offset struct {
	Row int `json:"row"`
	Col int `json:"col"`

	// Peak is the height of the normalised correlation surface at the offset,
	// close to 1 for a clean translation
	Peak float64 `json:"peak"`
}

// EastNorth converts the offset into the east/north shift that, added to the
// sampling coordinates of the aligned grid, undoes it
func (o Offset) EastNorth() (east, north float64) {
	return float64(o.Col), -float64(o.Row)
}

// PhaseCorrelator finds integer translations between equally sized grids
// from the phase of their cross-power spectrum
type PhaseCorrelator struct {
	rows  int
	cols  int
	taper []float64 // separable Hann taper, row-major
}

// NewPhaseCorrelator creates a correlator for rows x cols grids
func NewPhaseCorrelator(rows, cols int) *PhaseCorrelator {
	pc := &PhaseCorrelator{rows: rows, cols: cols, taper: make([]float64, rows*cols)}

	rowWindow := hann(rows)
	colWindow := hann(cols)
	for r := range rows {
		for c := range cols {
			pc.taper[r*cols+c] = rowWindow[r] * colWindow[c]
		}
	}
	return pc
}

func hann(n int) []float64 {
	if n < 3 {
		// too short to taper without zeroing everything
		w := make([]float64, n)
		for i := range w {
			w[i] = 1
		}
		return w
	}
	return window.Hann(n)
}

// Correlate returns the offset of aligned relative to ref. Invalid cells are
// replaced by the valid mean of their grid before tapering.
func (pc *PhaseCorrelator) Correlate(ref, aligned *raster.Grid) (*Offset, error) {
	if err := raster.CheckShape(ref, aligned); err != nil {
		return nil, err
	}
	if ref.Rows != pc.rows || ref.Cols != pc.cols {
		return nil, fmt.Errorf("%w: correlator is %dx%d, grids are %dx%d",
			raster.ErrShapeMismatch, pc.rows, pc.cols, ref.Rows, ref.Cols)
	}
	if ref.ValidCount() == 0 || aligned.ValidCount() == 0 {
		return nil, fmt.Errorf("empty data")
	}

	refSpec := fft.FFT2Real(pc.prepare(ref))
	alignedSpec := fft.FFT2Real(pc.prepare(aligned))

	cross := make([][]complex128, pc.rows)
	for r := range cross {
		cross[r] = make([]complex128, pc.cols)
		for c := range cross[r] {
			v := alignedSpec[r][c] * cmplx.Conj(refSpec[r][c])
			if mag := cmplx.Abs(v); mag > spectrumFloor {
				cross[r][c] = v / complex(mag, 0)
			}
		}
	}

	surface := fft.IFFT2(cross)

	best := &Offset{Peak: math.Inf(-1)}
	for r := range surface {
		for c := range surface[r] {
			if v := real(surface[r][c]); v > best.Peak {
				best.Peak = v
				best.Row = unwrap(r, pc.rows)
				best.Col = unwrap(c, pc.cols)
			}
		}
	}
	return best, nil
}

// prepare removes the valid mean, zeroes no-data cells and applies the taper
func (pc *PhaseCorrelator) prepare(g *raster.Grid) [][]float64 {
	mean, _ := stats.PopMeanStdDev(g.ValidValues())

	out := make([][]float64, g.Rows)
	for r := range out {
		out[r] = make([]float64, g.Cols)
		for c := range out[r] {
			i := g.Index(r, c)
			if g.Valid[i] {
				out[r][c] = (g.Data[i] - mean) * pc.taper[i]
			}
		}
	}
	return out
}

// unwrap maps a circular lag in [0, n) to (-n/2, n/2]
func unwrap(lag, n int) int {
	if lag > n/2 {
		return lag - n
	}
	return lag
}

// PhaseCorrelate is a convenience wrapper for a single pair of grids
func PhaseCorrelate(ref, aligned *raster.Grid) (*Offset, error) {
	return NewPhaseCorrelator(ref.Rows, ref.Cols).Correlate(ref, aligned)
}
