package interp

import (
	"fmt"
	"math"

	gonuminterp "gonum.org/v1/gonum/interp"

	"github.com/RyanBlaney/terra-coreg/algorithms/stats"
	"github.com/RyanBlaney/terra-coreg/raster"
)

const (
	// maxFillPasses bounds the neighbour-averaging passes used to fill no-data
	// cells before the spline is built; deeper voids take the grid median.
	maxFillPasses = 16

	// edgeTolerance absorbs floating-point error in coordinates that should
	// land exactly on the first or last pixel.
	edgeTolerance = 1e-9
)

// GridResampler reconstructs an elevation grid as a tensor-product natural
// cubic spline over its integer pixel lattice and evaluates it at fractional
// row/column coordinates.
//
// No-data cells are filled from their neighbours before the spline is fitted
// and the 0/1 no-data mask is resampled bilinearly. Any target whose
// resampled mask is above zero, or which falls outside the source lattice, is
// reported invalid whatever the spline value there.
type GridResampler struct {
	rows      int
	cols      int
	rowFits   []gonuminterp.Predictor // one spline along each source row
	mask      []float64               // 1 where the source has no data
	rowKnots  []float64
	transform raster.Transform
}

// NewGridResampler builds the spline reconstruction of g
func NewGridResampler(g *raster.Grid) (*GridResampler, error) {
	gr := &GridResampler{
		rows:      g.Rows,
		cols:      g.Cols,
		mask:      g.NoDataMask(),
		rowKnots:  knots(g.Rows),
		transform: g.Transform,
	}
	if g.Len() == 0 {
		return gr, nil
	}

	values := fillGaps(g)
	colKnots := knots(g.Cols)
	gr.rowFits = make([]gonuminterp.Predictor, g.Rows)
	for r := range g.Rows {
		fit, err := fitAxis(colKnots, values[r*g.Cols:(r+1)*g.Cols])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r, err)
		}
		gr.rowFits[r] = fit
	}
	return gr, nil
}

// Shift evaluates the reconstruction on the source lattice displaced by
// (dRow, dCol) pixels: output cell (i, j) samples position (i+dRow, j+dCol).
func (gr *GridResampler) Shift(dRow, dCol float64) *raster.Grid {
	rowCoords := make([]float64, gr.rows)
	for i := range rowCoords {
		rowCoords[i] = float64(i) + dRow
	}
	colCoords := make([]float64, gr.cols)
	for j := range colCoords {
		colCoords[j] = float64(j) + dCol
	}
	return gr.Resample(rowCoords, colCoords)
}

// Resample evaluates the reconstruction on the outer product of rowCoords and
// colCoords. The result has len(rowCoords) rows and len(colCoords) columns.
func (gr *GridResampler) Resample(rowCoords, colCoords []float64) *raster.Grid {
	out := raster.New(len(rowCoords), len(colCoords))
	out.Transform = gr.transform
	if gr.rows == 0 || gr.cols == 0 || out.Len() == 0 {
		return out
	}

	nc := len(colCoords)

	// pass 1: along each source row at the target columns
	partial := make([]float64, gr.rows*nc)
	for r, fit := range gr.rowFits {
		for j, c := range colCoords {
			partial[r*nc+j] = fit.Predict(c)
		}
	}

	// pass 2: down each target column at the target rows
	column := make([]float64, gr.rows)
	for j, c := range colCoords {
		if !inside(c, gr.cols) {
			continue
		}
		for r := range gr.rows {
			column[r] = partial[r*nc+j]
		}
		fit, err := fitAxis(gr.rowKnots, column)
		if err != nil {
			// the column stays invalid
			continue
		}

		for i, r := range rowCoords {
			if !inside(r, gr.rows) || gr.maskAt(r, c) > 0 {
				continue
			}
			out.SetIndex(i*nc+j, fit.Predict(r))
		}
	}
	return out
}

// maskAt bilinearly interpolates the no-data mask at (r, c)
func (gr *GridResampler) maskAt(r, c float64) float64 {
	r0, fr := cell(r, gr.rows)
	c0, fc := cell(c, gr.cols)
	r1 := min(r0+1, gr.rows-1)
	c1 := min(c0+1, gr.cols-1)

	at := func(rr, cc int) float64 { return gr.mask[rr*gr.cols+cc] }
	return (1-fr)*((1-fc)*at(r0, c0)+fc*at(r0, c1)) +
		fr*((1-fc)*at(r1, c0)+fc*at(r1, c1))
}

// cell splits a coordinate into its lower lattice index and the fractional
// remainder, clamped to the lattice
func cell(t float64, n int) (int, float64) {
	if n < 2 || t <= 0 {
		return 0, 0
	}
	if t >= float64(n-1) {
		return n - 1, 0
	}
	i := int(math.Floor(t))
	return i, t - float64(i)
}

func inside(t float64, n int) bool {
	return t >= -edgeTolerance && t <= float64(n-1)+edgeTolerance
}

// fillGaps returns the samples of g with no-data cells replaced by the mean of
// their already-filled 4-neighbours, repeated outward from the valid region.
// Cells still empty after maxFillPasses take the median of the valid cells.
func fillGaps(g *raster.Grid) []float64 {
	values := make([]float64, g.Len())
	filled := make([]bool, g.Len())
	missing := 0
	for i, ok := range g.Valid {
		if ok {
			values[i] = g.Data[i]
			filled[i] = true
		} else {
			missing++
		}
	}
	if missing == 0 {
		return values
	}

	neighbours := [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	for pass := 0; pass < maxFillPasses && missing > 0; pass++ {
		var updates []int
		var updateValues []float64
		for r := range g.Rows {
			for c := range g.Cols {
				i := g.Index(r, c)
				if filled[i] {
					continue
				}
				sum, n := 0.0, 0
				for _, d := range neighbours {
					rr, cc := r+d[0], c+d[1]
					if rr < 0 || rr >= g.Rows || cc < 0 || cc >= g.Cols {
						continue
					}
					if k := g.Index(rr, cc); filled[k] {
						sum += values[k]
						n++
					}
				}
				if n > 0 {
					updates = append(updates, i)
					updateValues = append(updateValues, sum/float64(n))
				}
			}
		}
		if len(updates) == 0 {
			break
		}
		for k, i := range updates {
			values[i] = updateValues[k]
			filled[i] = true
		}
		missing -= len(updates)
	}

	if missing > 0 {
		fallback := stats.GridMedian(g)
		if math.IsNaN(fallback) {
			fallback = 0
		}
		for i := range values {
			if !filled[i] {
				values[i] = fallback
			}
		}
	}
	return values
}
