package coreg

import (
	"context"
	"fmt"
	"math"

	"github.com/RyanBlaney/terra-coreg/algorithms/correlate"
	"github.com/RyanBlaney/terra-coreg/algorithms/deramp"
	"github.com/RyanBlaney/terra-coreg/algorithms/interp"
	"github.com/RyanBlaney/terra-coreg/algorithms/shift"
	"github.com/RyanBlaney/terra-coreg/algorithms/stats"
	"github.com/RyanBlaney/terra-coreg/algorithms/terrain"
	"github.com/RyanBlaney/terra-coreg/coreg/config"
	"github.com/RyanBlaney/terra-coreg/logging"
	"github.com/RyanBlaney/terra-coreg/raster"
)

// minIterations is the number of shift updates made before the error
// threshold may stop the loop
const minIterations = 5

// outlierNMADs is the deviation from the median, in NMADs, beyond which
// difference cells are left out of the ramp fit
const outlierNMADs = 3.0

// IterationRecord describes one pass of the iteration loop
type IterationRecord struct {
	Iteration int     `json:"iteration"`
	NMAD      float64 `json:"nmad"` // before this pass's shift was applied
	Bias      float64 `json:"bias"` // median removed from the aligned grid

	// Shift estimated in this pass, zero when the pass stopped the loop
	East  float64 `json:"east"`
	North float64 `json:"north"`

	// Accumulated offsets after this pass
	OffsetEast  float64 `json:"offset_east"`
	OffsetNorth float64 `json:"offset_north"`
}

// Result is the outcome of a coregistration
type Result struct {
	Aligned *raster.Grid `json:"-"`
	NMAD    float64      `json:"nmad"`

	// Total horizontal offset in pixels applied to the grid being aligned
	OffsetEast  float64 `json:"offset_east"`
	OffsetNorth float64 `json:"offset_north"`

	Iterations int  `json:"iterations"` // shift updates applied
	Converged  bool `json:"converged"`  // stopped on the error threshold

	// Coarse is the phase correlation seed, when coarse alignment ran
	Coarse *correlate.Offset `json:"coarse,omitempty"`

	Ramp    *deramp.Ramp      `json:"ramp,omitempty"`
	History []IterationRecord `json:"history"`
	LastFit *shift.Result     `json:"last_fit,omitempty"`
}

// Coregistrator aligns elevation grids to a reference following Nuth and
// Kääb (2011)
type Coregistrator struct {
	config *config.Config
	logger logging.Logger
}

// NewCoregistrator creates a coregistrator. A nil config uses the defaults.
func NewCoregistrator(cfg *config.Config) *Coregistrator {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	logger := logging.WithFields(logging.Fields{
		"component": "coregistrator",
	})

	return &Coregistrator{
		config: cfg,
		logger: logger,
	}
}

// Config returns the configuration in use
func (c *Coregistrator) Config() *config.Config {
	return c.config
}

// Coregister aligns toAlign to ref and returns the aligned copy. Neither
// input is modified. ctx is checked between iterations.
func (c *Coregistrator) Coregister(ctx context.Context, ref, toAlign *raster.Grid) (*Result, error) {
	logger := c.logger.WithContext(ctx)

	run, err := c.Start(ref, toAlign)
	if err != nil {
		return nil, err
	}
	run.logger = logger

	for {
		if err := ctx.Err(); err != nil {
			logger.Warn("coregistration cancelled", logging.Fields{"iteration": run.iteration})
			return nil, err
		}
		done, err := run.Step()
		if err != nil {
			logger.Error(err, "coregistration failed", logging.Fields{"iteration": run.iteration})
			return nil, err
		}
		if done {
			break
		}
	}
	return run.Finish()
}

// CoregisterFiles reads the reference and the grid to align by name, aligns
// them and writes the result as outName
func (c *Coregistrator) CoregisterFiles(ctx context.Context, r raster.Reader, w raster.Writer, refName, alignName, outName string) (*Result, error) {
	ref, err := r.ReadGrid(ctx, refName)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference: %w", err)
	}
	toAlign, err := r.ReadGrid(ctx, alignName)
	if err != nil {
		return nil, fmt.Errorf("failed to read grid to align: %w", err)
	}

	result, err := c.Coregister(ctx, ref, toAlign)
	if err != nil {
		return nil, err
	}

	if err := w.WriteGrid(ctx, outName, result.Aligned); err != nil {
		return nil, fmt.Errorf("failed to write aligned grid: %w", err)
	}
	return result, nil
}

type runState int

const (
	stateIterating runState = iota
	// loop ended, Finish not yet called
	stateStopped
	stateDone
	stateFailed
)

// Run holds the state of one coregistration. It is advanced with Step and
// completed with Finish, and must not be shared between goroutines.
type Run struct {
	config *config.Config
	logger logging.Logger
	state  runState
	err    error

	ref       *raster.Grid
	resampler *interp.GridResampler
	slope     *raster.Grid
	aspect    *raster.Grid

	aligned     *raster.Grid
	offsetEast  float64
	offsetNorth float64
	iteration   int
	nmad        float64
	converged   bool
	measured    bool // nmad describes aligned

	coarse  *correlate.Offset
	history []IterationRecord
	lastFit *shift.Result
	result  *Result
}

// Start validates the inputs and prepares a Run. Slope and aspect of the
// reference and the spline reconstruction of toAlign are computed once here.
func (c *Coregistrator) Start(ref, toAlign *raster.Grid) (*Run, error) {
	if ref == nil || toAlign == nil {
		return nil, fmt.Errorf("grids cannot be nil")
	}
	if err := c.config.Validate(); err != nil {
		return nil, err
	}
	if err := raster.CheckShape(ref, toAlign); err != nil {
		return nil, err
	}

	resampler, err := interp.NewGridResampler(toAlign)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct grid to align: %w", err)
	}

	slope, aspect := terrain.SlopeAspect(ref)
	run := &Run{
		config:    c.config,
		logger:    c.logger,
		ref:       ref,
		resampler: resampler,
		slope:     slope,
		aspect:    aspect,
		aligned:   toAlign.Clone(),
	}

	if c.config.CoarseAlign {
		offset, err := correlate.PhaseCorrelate(ref, toAlign)
		if err != nil {
			return nil, fmt.Errorf("coarse alignment failed: %w", err)
		}
		run.coarse = offset
		run.offsetEast, run.offsetNorth = offset.EastNorth()
		if offset.Row != 0 || offset.Col != 0 {
			run.aligned = run.resampler.Shift(-run.offsetNorth, run.offsetEast)
		}
		run.logger.Debug("coarse alignment", logging.Fields{
			"offset_east":  run.offsetEast,
			"offset_north": run.offsetNorth,
			"peak":         offset.Peak,
		})
	}

	return run, nil
}

// Step runs one iteration: remove the vertical bias, measure the residual,
// then either stop or estimate and apply a further horizontal shift. It
// reports done once the loop has ended.
func (r *Run) Step() (done bool, err error) {
	switch r.state {
	case stateFailed:
		return true, r.err
	case stateStopped, stateDone:
		return true, nil
	}
	if r.iteration >= r.config.MaxIterations {
		r.state = stateStopped
		return true, nil
	}

	bias := r.removeBias()
	dh, err := raster.Subtract(r.ref, r.aligned)
	if err != nil {
		return true, r.fail(err)
	}
	r.nmad = stats.GridNMAD(dh)
	r.measured = true

	record := IterationRecord{
		Iteration:   r.iteration,
		NMAD:        r.nmad,
		Bias:        bias,
		OffsetEast:  r.offsetEast,
		OffsetNorth: r.offsetNorth,
	}

	if allZero(dh) || (r.iteration > minIterations && r.nmad < r.config.ErrorThreshold) {
		r.converged = true
		r.state = stateStopped
		r.history = append(r.history, record)
		r.logger.Debug("error threshold reached", logging.Fields{
			"iteration": r.iteration,
			"nmad":      r.nmad,
			"threshold": r.config.ErrorThreshold,
		})
		return true, nil
	}

	fit, err := shift.Estimate(dh, r.slope, r.aspect, r.config.ShiftOptions())
	if err != nil {
		return true, r.fail(fmt.Errorf("iteration %d: %w", r.iteration, err))
	}
	r.lastFit = fit
	r.offsetEast += fit.East
	r.offsetNorth += fit.North

	record.East, record.North = fit.East, fit.North
	record.OffsetEast, record.OffsetNorth = r.offsetEast, r.offsetNorth
	r.history = append(r.history, record)
	r.logIteration(record)

	r.aligned = r.resampler.Shift(-r.offsetNorth, r.offsetEast)
	r.measured = false
	r.iteration++

	if r.iteration >= r.config.MaxIterations {
		r.state = stateStopped
		return true, nil
	}
	return false, nil
}

// allZero reports whether g has valid cells and every one of them is exactly 0
func allZero(g *raster.Grid) bool {
	seen := false
	for i, ok := range g.Valid {
		if !ok {
			continue
		}
		if g.Data[i] != 0 {
			return false
		}
		seen = true
	}
	return seen
}

func (r *Run) logIteration(rec IterationRecord) {
	fields := logging.Fields{
		"iteration":    rec.Iteration,
		"nmad":         rec.NMAD,
		"offset_east":  rec.OffsetEast,
		"offset_north": rec.OffsetNorth,
	}
	if r.config.Verbose {
		r.logger.Info("iteration", fields)
		return
	}
	r.logger.Debug("iteration", fields)
}

// removeBias shifts the aligned grid by the median of (aligned - ref) and
// returns the amount removed
func (r *Run) removeBias() float64 {
	diff, err := raster.Subtract(r.aligned, r.ref)
	if err != nil {
		return 0
	}
	bias := stats.GridMedian(diff)
	if math.IsNaN(bias) {
		return 0
	}
	r.aligned.AddScalar(-bias)
	return bias
}

func (r *Run) fail(err error) error {
	r.state = stateFailed
	r.err = err
	return err
}

// Finish ends the loop, deramps if configured and returns the result. It
// may be called before the loop is done, in which case the current state is
// finalised. Repeated calls return the same result.
func (r *Run) Finish() (*Result, error) {
	switch r.state {
	case stateFailed:
		return nil, r.err
	case stateDone:
		return r.result, nil
	}

	if !r.measured {
		// the loop ended on a resample; measure what will be returned
		r.removeBias()
		r.nmad = stats.GridNMAD(r.difference())
		r.measured = true
	}

	r.logger.Info("horizontal alignment finished", logging.Fields{
		"offset_east":  r.offsetEast,
		"offset_north": r.offsetNorth,
		"nmad":         r.nmad,
		"iterations":   r.iteration,
		"converged":    r.converged,
	})

	result := &Result{
		OffsetEast:  r.offsetEast,
		OffsetNorth: r.offsetNorth,
		Iterations:  r.iteration,
		Converged:   r.converged,
		Coarse:      r.coarse,
		History:     r.history,
		LastFit:     r.lastFit,
	}

	if r.config.Deramp {
		ramp, err := r.deramp()
		if err != nil {
			return nil, r.fail(fmt.Errorf("deramping failed: %w", err))
		}
		result.Ramp = ramp
		r.nmad = stats.GridNMAD(r.difference())

		r.logger.Info("deramping finished", logging.Fields{
			"degree": r.config.DerampDegree,
			"nmad":   r.nmad,
		})
	}

	result.Aligned = r.aligned
	result.NMAD = r.nmad
	r.result = result
	r.state = stateDone
	return result, nil
}

// difference returns ref - aligned
func (r *Run) difference() *raster.Grid {
	dh, _ := raster.Subtract(r.ref, r.aligned)
	return dh
}

// deramp fits a polynomial to the excess of the aligned grid over the
// reference, ignoring cells further than outlierNMADs from the median, and
// subtracts it from the aligned grid
func (r *Run) deramp() (*deramp.Ramp, error) {
	excess, err := raster.Subtract(r.aligned, r.ref)
	if err != nil {
		return nil, err
	}

	median := stats.GridMedian(excess)
	limit := outlierNMADs * stats.GridNMAD(excess)
	for i, ok := range excess.Valid {
		if ok && math.Abs(excess.Data[i]-median) > limit {
			excess.Invalidate(i)
		}
	}

	x, y := deramp.MeshGrid(excess.Rows, excess.Cols)
	ramp, err := deramp.Fit(excess, x, y, r.config.DerampDegree, r.config.DerampOptions())
	if err != nil {
		return nil, err
	}

	surface, err := ramp.EvaluateGrid(r.aligned.Rows, r.aligned.Cols)
	if err != nil {
		return nil, err
	}
	if err := r.aligned.SubtractInPlace(surface); err != nil {
		return nil, err
	}
	return ramp, nil
}

// Iteration returns the number of shift updates applied so far
func (r *Run) Iteration() int {
	return r.iteration
}

// NMAD returns the most recently measured residual
func (r *Run) NMAD() float64 {
	return r.nmad
}

// Offsets returns the accumulated east and north offsets in pixels
func (r *Run) Offsets() (east, north float64) {
	return r.offsetEast, r.offsetNorth
}
