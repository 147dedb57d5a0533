package raster

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSlice_MarksNonFiniteInvalid(t *testing.T) {
	g, err := FromSlice(2, 2, []float64{1, math.NaN(), math.Inf(1), 4})
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false, false, true}, g.Valid)
	assert.Equal(t, 2, g.ValidCount())
	assert.Equal(t, []float64{1, 4}, g.ValidValues())
	assert.Equal(t, []float64{0, 1, 1, 0}, g.NoDataMask())
}

func TestFromSlice_Errors(t *testing.T) {
	_, err := FromSlice(0, 3, nil)
	assert.Error(t, err)

	_, err = FromSlice(2, 2, []float64{1, 2, 3})
	assert.Error(t, err)

	_, err = FromRows([][]float64{{1, 2}, {3}})
	assert.Error(t, err)
}

func TestSubtract(t *testing.T) {
	a, _ := FromRows([][]float64{{5, 6}, {7, math.NaN()}})
	b, _ := FromRows([][]float64{{1, math.NaN()}, {2, 3}})

	d, err := Subtract(a, b)
	require.NoError(t, err)

	v, ok := d.At(0, 0)
	assert.True(t, ok)
	assert.Equal(t, 4.0, v)
	_, ok = d.At(0, 1)
	assert.False(t, ok)
	v, ok = d.At(1, 0)
	assert.True(t, ok)
	assert.Equal(t, 5.0, v)
	_, ok = d.At(1, 1)
	assert.False(t, ok)
}

func TestSubtract_ShapeMismatch(t *testing.T) {
	a := New(2, 3)
	b := New(3, 2)

	_, err := Subtract(a, b)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.ErrorIs(t, a.SubtractInPlace(b), ErrShapeMismatch)
}

func TestSubtractInPlace_PropagatesInvalid(t *testing.T) {
	a, _ := FromRows([][]float64{{5, 6}})
	b, _ := FromRows([][]float64{{1, math.NaN()}})

	require.NoError(t, a.SubtractInPlace(b))
	assert.Equal(t, []bool{true, false}, a.Valid)
	assert.Equal(t, 4.0, a.Data[0])
}

func TestCloneIsIndependent(t *testing.T) {
	a, _ := FromRows([][]float64{{1, 2}})
	c := a.Clone()
	c.AddScalar(10)

	assert.Equal(t, []float64{1, 2}, a.Data)
	assert.Equal(t, []float64{11, 12}, c.Data)
}

func TestTransformBounds(t *testing.T) {
	tr := Transform{OriginX: 100, OriginY: 500, CellSize: 10}
	w, e, s, n := tr.Bounds(4, 3)

	assert.Equal(t, 100.0, w)
	assert.Equal(t, 130.0, e)
	assert.Equal(t, 460.0, s)
	assert.Equal(t, 500.0, n)
}

func TestASCIIGrid_RoundTrip(t *testing.T) {
	g, _ := FromRows([][]float64{{1.5, 2}, {math.NaN(), 4}, {5, 6}})
	g.Transform = Transform{OriginX: 1000, OriginY: 2030, CellSize: 10}

	var buf bytes.Buffer
	require.NoError(t, WriteASCIIGrid(&buf, g, DefaultNoData))
	assert.Contains(t, buf.String(), "yllcorner 2000\n")

	back, err := ReadASCIIGrid(&buf)
	require.NoError(t, err)
	assert.Equal(t, g.Rows, back.Rows)
	assert.Equal(t, g.Cols, back.Cols)
	assert.Equal(t, g.Valid, back.Valid)
	assert.Equal(t, g.Transform, back.Transform)
	assert.Equal(t, g.ValidValues(), back.ValidValues())
}

func TestReadASCIIGrid_Errors(t *testing.T) {
	cases := map[string]string{
		"missing dims": "cellsize 1\n1 2 3",
		"too few":      "ncols 2\nnrows 2\ncellsize 1\n1 2 3",
		"too many":     "ncols 1\nnrows 1\ncellsize 1\n1 2",
		"bad value":    "ncols 1\nnrows 1\ncellsize 1\nabc",
		"bad cellsize": "ncols 1\nnrows 1\ncellsize 0\n1",
		"dangling key": "ncols",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadASCIIGrid(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestASCIIGridStore(t *testing.T) {
	store := NewASCIIGridStore(t.TempDir())
	g, _ := FromRows([][]float64{{1, 2}, {3, 4}})
	g.Transform.CellSize = 2
	ctx := context.Background()

	require.NoError(t, store.WriteGrid(ctx, "dem", g))
	back, err := store.ReadGrid(ctx, "dem.asc")
	require.NoError(t, err)
	assert.Equal(t, g.Data, back.Data)

	var _ Reader = store
	var _ Writer = store
}
