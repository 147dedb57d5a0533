package terrain

import (
	"math"

	"github.com/RyanBlaney/terra-coreg/raster"
)

// Gradient returns the discrete derivative of g along rows (gy, towards the
// south) and columns (gx, towards the east), in elevation units per pixel.
// Interior cells use central differences and edge cells one-sided first
// differences. A cell is invalid when it, or any sample its difference uses,
// is invalid.
func Gradient(g *raster.Grid) (gy, gx *raster.Grid) {
	gy = raster.New(g.Rows, g.Cols)
	gx = raster.New(g.Rows, g.Cols)
	gy.Transform = g.Transform
	gx.Transform = g.Transform

	for r := range g.Rows {
		for c := range g.Cols {
			i := g.Index(r, c)
			if v, ok := axisDerivative(g, r, g.Rows, func(k int) int { return g.Index(k, c) }); ok {
				gy.SetIndex(i, v)
			}
			if v, ok := axisDerivative(g, c, g.Cols, func(k int) int { return g.Index(r, k) }); ok {
				gx.SetIndex(i, v)
			}
		}
	}
	return gy, gx
}

// axisDerivative differentiates along one axis at position pos of length n;
// index maps an axis position to a row-major cell index.
func axisDerivative(g *raster.Grid, pos, n int, index func(int) int) (float64, bool) {
	if n < 2 || !g.Valid[index(pos)] {
		return 0, false
	}
	lo, hi, div := pos-1, pos+1, 2.0
	switch pos {
	case 0:
		lo, hi, div = 0, 1, 1
	case n - 1:
		lo, hi, div = n-2, n-1, 1
	}
	a, b := index(lo), index(hi)
	if !g.Valid[a] || !g.Valid[b] {
		return 0, false
	}
	return (g.Data[b] - g.Data[a]) / div, true
}

// SlopeAspect computes the per-cell slope magnitude and aspect of an
// elevation grid.
//
// Slope is the Euclidean norm of the gradient in elevation units per pixel.
// Aspect is atan2(-gx, gy) + pi, wrapped into [0, 2*pi): the compass azimuth
// (clockwise from north) of the upslope direction. The horizontal shift
// estimator relies on this exact convention.
func SlopeAspect(g *raster.Grid) (slope, aspect *raster.Grid) {
	gy, gx := Gradient(g)

	slope = raster.New(g.Rows, g.Cols)
	aspect = raster.New(g.Rows, g.Cols)
	slope.Transform = g.Transform
	aspect.Transform = g.Transform

	for i := range g.Data {
		if !gx.Valid[i] || !gy.Valid[i] {
			continue
		}
		dx, dy := gx.Data[i], gy.Data[i]
		slope.SetIndex(i, math.Hypot(dx, dy))
		aspect.SetIndex(i, wrapAngle(math.Atan2(-dx, dy)+math.Pi))
	}
	return slope, aspect
}

// wrapAngle maps a into [0, 2*pi)
func wrapAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	if a >= 2*math.Pi {
		a = 0
	}
	return a
}
