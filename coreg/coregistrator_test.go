package coreg

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RyanBlaney/terra-coreg/algorithms/shift"
	"github.com/RyanBlaney/terra-coreg/coreg/config"
	"github.com/RyanBlaney/terra-coreg/logging"
	"github.com/RyanBlaney/terra-coreg/raster"
)

func TestMain(m *testing.M) {
	logging.SetGlobalLogger(&logging.NoOpLogger{})
	os.Exit(m.Run())
}

func hills(r, c float64) float64 {
	return 30*math.Sin(c/12)*math.Cos(r/12) + 8*math.Sin((r+c)/17)
}

func sample(t *testing.T, rows, cols int, f func(r, c float64) float64) *raster.Grid {
	t.Helper()
	data := make([]float64, rows*cols)
	for r := range rows {
		for c := range cols {
			data[r*cols+c] = f(float64(r), float64(c))
		}
	}
	g, err := raster.FromSlice(rows, cols, data)
	require.NoError(t, err)
	return g
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Seed = 1
	cfg.MaxIterations = 60
	return cfg
}

func TestCoregister_SelfAlignment(t *testing.T) {
	ref := sample(t, 80, 80, hills)

	res, err := NewCoregistrator(testConfig()).Coregister(context.Background(), ref, ref.Clone())
	require.NoError(t, err)

	assert.InDelta(t, 0, res.NMAD, 1e-9)
	assert.Zero(t, res.OffsetEast)
	assert.Zero(t, res.OffsetNorth)
	assert.Zero(t, res.Iterations)
	assert.True(t, res.Converged)
	require.NotNil(t, res.Ramp)
	assert.InDeltaSlice(t, []float64{0, 0, 0}, res.Ramp.Coefficients, 1e-9)
	require.Len(t, res.History, 1)
	assert.Zero(t, res.History[0].NMAD)
}

func TestCoregister_RecoversInjectedShift(t *testing.T) {
	const sEast, sNorth, bias = 1.2, -0.8, 5.0
	ref := sample(t, 120, 120, hills)
	// toAlign at (east, north) shows the reference at (east+sEast, north+sNorth)
	toAlign := sample(t, 120, 120, func(r, c float64) float64 { return hills(r-sNorth, c+sEast) + bias })

	cfg := testConfig()
	res, err := NewCoregistrator(cfg).Coregister(context.Background(), ref, toAlign)
	require.NoError(t, err)

	assert.InDelta(t, -sEast, res.OffsetEast, 0.3)
	assert.InDelta(t, -sNorth, res.OffsetNorth, 0.3)
	assert.True(t, res.Converged)
	assert.Less(t, res.Iterations, cfg.MaxIterations)
	assert.Greater(t, res.Iterations, minIterations)
	assert.Less(t, res.NMAD, 0.1)
	assert.NotNil(t, res.LastFit)

	// the first pass removes the vertical offset
	require.NotEmpty(t, res.History)
	assert.InDelta(t, bias, res.History[0].Bias, 1.0)
	assert.Greater(t, res.History[0].NMAD, res.NMAD)

	// inputs are untouched
	at := 10.0
	v, _ := toAlign.At(10, 10)
	assert.Equal(t, hills(at-sNorth, at+sEast)+bias, v)
}

func TestCoregister_MostlyFlatTerrain(t *testing.T) {
	const sEast, sNorth = 1.0, 1.5
	const coast = 90.0
	// columns west of the coast are sea at 0 in both grids, so most of dh is
	// exactly 0 and its NMAD is 0 before any shift is applied
	land := func(sE, sN float64) func(r, c float64) float64 {
		return func(r, c float64) float64 {
			if c < coast {
				return 0
			}
			return hills(r-sN, c+sE)
		}
	}
	ref := sample(t, 150, 150, land(0, 0))
	toAlign := sample(t, 150, 150, land(sEast, sNorth))

	cfg := testConfig()
	res, err := NewCoregistrator(cfg).Coregister(context.Background(), ref, toAlign)
	require.NoError(t, err)

	require.NotEmpty(t, res.History)
	assert.Zero(t, res.History[0].NMAD)
	assert.InDelta(t, -sEast, res.OffsetEast, 0.3)
	assert.InDelta(t, -sNorth, res.OffsetNorth, 0.3)
	assert.Greater(t, res.Iterations, minIterations)
	assert.True(t, res.Converged)
}

func TestAllZero(t *testing.T) {
	g, err := raster.FromRows([][]float64{{0, 0}, {math.NaN(), 0}})
	require.NoError(t, err)
	assert.True(t, allZero(g))

	g.Set(0, 1, 1e-12)
	assert.False(t, allZero(g))

	assert.False(t, allZero(raster.New(2, 2)))
}

func TestCoregister_DerampRemovesTilt(t *testing.T) {
	ref := sample(t, 60, 60, hills)
	tilted := sample(t, 60, 60, func(r, c float64) float64 { return hills(r, c) + 3 + 0.01*c + 0.02*r })

	cfg := testConfig()
	cfg.MaxIterations = 0
	res, err := NewCoregistrator(cfg).Coregister(context.Background(), ref, tilted)
	require.NoError(t, err)

	require.NotNil(t, res.Ramp)
	assert.InDelta(t, 0.01, res.Ramp.Coefficients[1], 1e-6)
	assert.InDelta(t, 0.02, res.Ramp.Coefficients[2], 1e-6)
	assert.Less(t, res.NMAD, 1e-6)
	assert.Zero(t, res.Iterations)
	assert.Empty(t, res.History)
}

func TestCoregister_SmallIterationBudgets(t *testing.T) {
	ref := sample(t, 80, 80, hills)
	toAlign := sample(t, 80, 80, func(r, c float64) float64 { return hills(r+0.5, c+0.5) })

	for _, budget := range []int{0, 1} {
		cfg := testConfig()
		cfg.MaxIterations = budget
		cfg.Deramp = false

		res, err := NewCoregistrator(cfg).Coregister(context.Background(), ref, toAlign)
		require.NoError(t, err, "budget %d", budget)

		assert.Equal(t, budget, res.Iterations)
		assert.Len(t, res.History, budget)
		assert.False(t, res.Converged)
		assert.False(t, math.IsNaN(res.NMAD))
		assert.Nil(t, res.Ramp)
	}
}

func TestCoregister_ShapeMismatch(t *testing.T) {
	_, err := NewCoregistrator(nil).Coregister(context.Background(), raster.New(4, 4), raster.New(4, 5))
	assert.ErrorIs(t, err, raster.ErrShapeMismatch)
}

func TestCoregister_InsufficientData(t *testing.T) {
	ref := sample(t, 6, 6, hills)
	toAlign := sample(t, 6, 6, func(r, c float64) float64 { return hills(r+0.5, c) })

	res, err := NewCoregistrator(testConfig()).Coregister(context.Background(), ref, toAlign)
	assert.ErrorIs(t, err, shift.ErrInsufficientData)
	assert.Nil(t, res)
}

func TestCoregister_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = -1
	ref := sample(t, 10, 10, hills)

	_, err := NewCoregistrator(cfg).Coregister(context.Background(), ref, ref.Clone())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestCoregister_Cancelled(t *testing.T) {
	ref := sample(t, 40, 40, hills)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCoregistrator(testConfig()).Coregister(ctx, ref, ref.Clone())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_StateMachine(t *testing.T) {
	ref := sample(t, 100, 100, hills)
	toAlign := sample(t, 100, 100, func(r, c float64) float64 { return hills(r-0.4, c+0.3) })

	run, err := NewCoregistrator(testConfig()).Start(ref, toAlign)
	require.NoError(t, err)

	done, err := run.Step()
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, run.Iteration())
	east, north := run.Offsets()
	assert.InDelta(t, -0.3, east, 0.2)
	assert.InDelta(t, -0.4, north, 0.2)

	for !done {
		done, err = run.Step()
		require.NoError(t, err)
	}

	res, err := run.Finish()
	require.NoError(t, err)
	again, err := run.Finish()
	require.NoError(t, err)
	assert.Same(t, res, again)

	done, err = run.Step()
	assert.NoError(t, err)
	assert.True(t, done)
}

func TestRun_FailureIsSticky(t *testing.T) {
	ref := sample(t, 6, 6, hills)
	toAlign := sample(t, 6, 6, func(r, c float64) float64 { return hills(r, c+0.5) })

	run, err := NewCoregistrator(testConfig()).Start(ref, toAlign)
	require.NoError(t, err)

	done, err := run.Step()
	assert.True(t, done)
	require.ErrorIs(t, err, shift.ErrInsufficientData)

	_, err = run.Step()
	assert.ErrorIs(t, err, shift.ErrInsufficientData)
	_, err = run.Finish()
	assert.ErrorIs(t, err, shift.ErrInsufficientData)
}

// noiseTerrain crops an n x n window at (r0, c0) from a seeded rough surface
func noiseTerrain(t *testing.T, field [][]float64, r0, c0, n int) *raster.Grid {
	t.Helper()
	rows := make([][]float64, n)
	for r := range rows {
		rows[r] = append([]float64(nil), field[r0+r][c0:c0+n]...)
	}
	g, err := raster.FromRows(rows)
	require.NoError(t, err)
	return g
}

func TestCoregister_CoarseAlignment(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	field := make([][]float64, 112)
	for r := range field {
		field[r] = make([]float64, 112)
		for c := range field[r] {
			field[r][c] = hills(float64(r), float64(c)) + 4*rng.NormFloat64()
		}
	}

	ref := noiseTerrain(t, field, 24, 24, 64)
	// toAlign(r, c) = ref(r - 9, c + 7)
	toAlign := noiseTerrain(t, field, 15, 31, 64)

	cfg := testConfig()
	cfg.CoarseAlign = true
	cfg.Deramp = false
	res, err := NewCoregistrator(cfg).Coregister(context.Background(), ref, toAlign)
	require.NoError(t, err)

	require.NotNil(t, res.Coarse)
	assert.Equal(t, 9, res.Coarse.Row)
	assert.Equal(t, -7, res.Coarse.Col)
	assert.InDelta(t, -7.0, res.OffsetEast, 0.1)
	assert.InDelta(t, -9.0, res.OffsetNorth, 0.1)
	assert.Less(t, res.NMAD, 0.05)
}

func TestCoregisterFiles(t *testing.T) {
	store := raster.NewASCIIGridStore(t.TempDir())
	ctx := context.Background()

	ref := sample(t, 40, 40, hills)
	require.NoError(t, store.WriteGrid(ctx, "ref", ref))
	require.NoError(t, store.WriteGrid(ctx, "dem", ref))

	res, err := NewCoregistrator(testConfig()).CoregisterFiles(ctx, store, store, "ref", "dem", "aligned")
	require.NoError(t, err)
	assert.InDelta(t, 0, res.NMAD, 1e-6)

	_, err = os.Stat(filepath.Join(store.Dir, "aligned.asc"))
	assert.NoError(t, err)

	out, err := store.ReadGrid(ctx, "aligned")
	require.NoError(t, err)
	assert.Equal(t, ref.Rows, out.Rows)

	_, err = NewCoregistrator(nil).CoregisterFiles(ctx, store, store, "missing", "dem", "x")
	assert.Error(t, err)
}
