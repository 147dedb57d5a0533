// Package raster holds the in-memory elevation grid used throughout the
// coregistration core, together with the contract expected from the raster
// I/O collaborator.
//
// Grids are row-major with row 0 at the north edge and column 0 at the west
// edge. Validity is carried explicitly by a parallel mask; invalid cells also
// hold NaN in Data, but code must consult Valid rather than rely on NaN
// propagation.
package raster

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when two grids that must be compared cell by
// cell differ in shape.
var ErrShapeMismatch = errors.New("grid shape mismatch")

// Transform georeferences a grid. OriginX/OriginY locate the north-west
// corner of the north-west cell.
type Transform struct {
	OriginX  float64 `json:"origin_x"`
	OriginY  float64 `json:"origin_y"`
	CellSize float64 `json:"cell_size"`
	CRS      string  `json:"crs,omitempty"`
}

// Bounds returns the west, east, south and north edges of a rows x cols grid
func (t Transform) Bounds(rows, cols int) (west, east, south, north float64) {
	west = t.OriginX
	east = t.OriginX + float64(cols)*t.CellSize
	north = t.OriginY
	south = t.OriginY - float64(rows)*t.CellSize
	return west, east, south, north
}

// Grid is a regular raster of elevation samples
type Grid struct {
	Rows      int
	Cols      int
	Data      []float64
	Valid     []bool
	Transform Transform
}

// New returns a rows x cols grid with every cell invalid
func New(rows, cols int) *Grid {
	if rows < 0 || cols < 0 {
		rows, cols = 0, 0
	}
	n := rows * cols
	data := make([]float64, n)
	for i := range data {
		data[i] = math.NaN()
	}
	return &Grid{
		Rows:  rows,
		Cols:  cols,
		Data:  data,
		Valid: make([]bool, n),
	}
}

// FromSlice wraps row-major data. Non-finite samples are marked invalid.
// The slice is copied.
func FromSlice(rows, cols int, data []float64) (*Grid, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("grid dimensions must be positive, got %dx%d", rows, cols)
	}
	if len(data) != rows*cols {
		return nil, fmt.Errorf("data length %d does not match %dx%d grid", len(data), rows, cols)
	}
	g := New(rows, cols)
	for i, v := range data {
		g.setIndex(i, v)
	}
	return g, nil
}

// FromRows builds a grid from a slice of equally long rows
func FromRows(rows [][]float64) (*Grid, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return FromSlice(len(rows), cols, data)
}

// Len returns the number of cells
func (g *Grid) Len() int {
	return g.Rows * g.Cols
}

// Index returns the row-major index of (row, col)
func (g *Grid) Index(row, col int) int {
	return row*g.Cols + col
}

// At returns the sample at (row, col) and whether it is valid
func (g *Grid) At(row, col int) (float64, bool) {
	i := g.Index(row, col)
	return g.Data[i], g.Valid[i]
}

// Set stores v at (row, col). Non-finite values invalidate the cell.
func (g *Grid) Set(row, col int, v float64) {
	g.setIndex(g.Index(row, col), v)
}

// SetIndex stores v at a row-major index. Non-finite values invalidate the cell.
func (g *Grid) SetIndex(i int, v float64) {
	g.setIndex(i, v)
}

func (g *Grid) setIndex(i int, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		g.Data[i] = math.NaN()
		g.Valid[i] = false
		return
	}
	g.Data[i] = v
	g.Valid[i] = true
}

// Invalidate marks the cell at a row-major index as no-data
func (g *Grid) Invalidate(i int) {
	g.Data[i] = math.NaN()
	g.Valid[i] = false
}

// Clone returns a deep copy
func (g *Grid) Clone() *Grid {
	c := &Grid{
		Rows:      g.Rows,
		Cols:      g.Cols,
		Data:      make([]float64, len(g.Data)),
		Valid:     make([]bool, len(g.Valid)),
		Transform: g.Transform,
	}
	copy(c.Data, g.Data)
	copy(c.Valid, g.Valid)
	return c
}

// SameShape reports whether g and o have the same dimensions
func (g *Grid) SameShape(o *Grid) bool {
	return g.Rows == o.Rows && g.Cols == o.Cols
}

// CheckShape returns ErrShapeMismatch when g and o differ in shape
func CheckShape(g, o *Grid) error {
	if g == nil || o == nil {
		return fmt.Errorf("%w: nil grid", ErrShapeMismatch)
	}
	if !g.SameShape(o) {
		return fmt.Errorf("%w: %dx%d vs %dx%d", ErrShapeMismatch, g.Rows, g.Cols, o.Rows, o.Cols)
	}
	return nil
}

// ValidValues returns the valid samples in row-major order
func (g *Grid) ValidValues() []float64 {
	values := make([]float64, 0, len(g.Data))
	for i, v := range g.Data {
		if g.Valid[i] {
			values = append(values, v)
		}
	}
	return values
}

// ValidCount returns the number of valid cells
func (g *Grid) ValidCount() int {
	n := 0
	for _, ok := range g.Valid {
		if ok {
			n++
		}
	}
	return n
}

// AddScalar adds v to every valid cell in place
func (g *Grid) AddScalar(v float64) {
	for i := range g.Data {
		if g.Valid[i] {
			g.setIndex(i, g.Data[i]+v)
		}
	}
}

// NoDataMask returns 1 for invalid cells and 0 for valid ones
func (g *Grid) NoDataMask() []float64 {
	mask := make([]float64, len(g.Valid))
	for i, ok := range g.Valid {
		if !ok {
			mask[i] = 1
		}
	}
	return mask
}

// Subtract returns a - b, invalid wherever either input is invalid
func Subtract(a, b *Grid) (*Grid, error) {
	if err := CheckShape(a, b); err != nil {
		return nil, err
	}
	out := New(a.Rows, a.Cols)
	out.Transform = a.Transform
	for i := range a.Data {
		if a.Valid[i] && b.Valid[i] {
			out.setIndex(i, a.Data[i]-b.Data[i])
		}
	}
	return out, nil
}

// SubtractInPlace subtracts o from g cell by cell. Cells invalid in o become
// invalid in g.
func (g *Grid) SubtractInPlace(o *Grid) error {
	if err := CheckShape(g, o); err != nil {
		return err
	}
	for i := range g.Data {
		switch {
		case !g.Valid[i]:
		case !o.Valid[i]:
			g.Invalidate(i)
		default:
			g.setIndex(i, g.Data[i]-o.Data[i])
		}
	}
	return nil
}
