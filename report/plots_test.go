package report

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RyanBlaney/terra-coreg/algorithms/shift"
	"github.com/RyanBlaney/terra-coreg/coreg"
)

func aspectFit() *shift.Result {
	fit := &shift.Result{Amplitude: 2, Phase: 0.5, Bias: 0.1}
	for i := range 20 {
		x := float64(i) * 2 * math.Pi / 20
		fit.BinEdges = append(fit.BinEdges, x)
		fit.BinMedians = append(fit.BinMedians, fit.Model(x))
		fit.BinNMADs = append(fit.BinNMADs, 0.2+0.01*float64(i))
		fit.BinCounts = append(fit.BinCounts, 50)
	}
	fit.East, fit.North = 2*math.Sin(0.5), 2*math.Cos(0.5)
	return fit
}

func assertNonEmptyFile(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestPlotAspectFit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fit.png")
	require.NoError(t, PlotAspectFit(aspectFit(), path))
	assertNonEmptyFile(t, path)

	assert.Error(t, PlotAspectFit(nil, path))
	assert.Error(t, PlotAspectFit(&shift.Result{}, path))
}

func TestPlotAspectFit_ErrorBars(t *testing.T) {
	dir := t.TempDir()

	// without spreads only the medians are drawn
	bare := aspectFit()
	bare.BinNMADs = nil
	require.NoError(t, PlotAspectFit(bare, filepath.Join(dir, "bare.png")))
	assertNonEmptyFile(t, filepath.Join(dir, "bare.png"))

	broken := aspectFit()
	broken.BinNMADs[3] = math.NaN()
	assert.Error(t, PlotAspectFit(broken, filepath.Join(dir, "broken.png")))
}

func TestPlotConvergence(t *testing.T) {
	history := []coreg.IterationRecord{
		{Iteration: 0, NMAD: 1.2, OffsetEast: 0.6, OffsetNorth: -0.2},
		{Iteration: 1, NMAD: 0.4, OffsetEast: 0.9, OffsetNorth: -0.3},
		{Iteration: 2, NMAD: 0.03, OffsetEast: 1.0, OffsetNorth: -0.3},
	}
	path := filepath.Join(t.TempDir(), "convergence.png")
	require.NoError(t, PlotConvergence(history, path))
	assertNonEmptyFile(t, path)

	assert.Error(t, PlotConvergence(nil, path))
}

func TestWriteDiagnostics(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "diag")
	result := &coreg.Result{
		History: []coreg.IterationRecord{{Iteration: 0, NMAD: 0.5}, {Iteration: 1, NMAD: 0.1}},
		LastFit: aspectFit(),
	}

	require.NoError(t, WriteDiagnostics(result, dir))
	assertNonEmptyFile(t, filepath.Join(dir, "convergence.png"))
	assertNonEmptyFile(t, filepath.Join(dir, "aspect_fit.png"))

	assert.Error(t, WriteDiagnostics(nil, dir))
}

func TestSave_UnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fit.bmp")
	assert.Error(t, PlotAspectFit(aspectFit(), path))
}
