package report

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/RyanBlaney/terra-coreg/algorithms/shift"
	"github.com/RyanBlaney/terra-coreg/coreg"
)

var (
	binColor   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	modelColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// binSpread pairs bin medians with their NMAD as symmetric error bars
type binSpread struct {
	plotter.XYs
	plotter.YErrors
}

// PlotAspectFit renders the binned dh/slope medians of a shift estimate
// against aspect, with the fitted cosine drawn over them. When the estimate
// carries per-bin NMADs they are drawn as error bars.
func PlotAspectFit(fit *shift.Result, path string) error {
	if fit == nil || len(fit.BinEdges) == 0 {
		return fmt.Errorf("no aspect bins to plot")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Aspect fit - east %.3f px, north %.3f px", fit.East, fit.North)
	p.X.Label.Text = "Aspect (degrees)"
	p.Y.Label.Text = "dh / tan(slope)"

	pts := make(plotter.XYs, len(fit.BinEdges))
	for i, edge := range fit.BinEdges {
		pts[i] = plotter.XY{X: edge * 180 / math.Pi, Y: fit.BinMedians[i]}
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("failed to build bin scatter: %w", err)
	}
	scatter.GlyphStyle.Color = binColor
	scatter.GlyphStyle.Shape = draw.CircleGlyph{}
	scatter.GlyphStyle.Radius = vg.Points(3)

	if len(fit.BinNMADs) == len(pts) {
		spread := binSpread{XYs: pts, YErrors: make(plotter.YErrors, len(pts))}
		for i, nmad := range fit.BinNMADs {
			spread.YErrors[i].Low, spread.YErrors[i].High = nmad, nmad
		}
		bars, err := plotter.NewYErrorBars(spread)
		if err != nil {
			return fmt.Errorf("failed to build bin error bars: %w", err)
		}
		bars.Color = binColor
		p.Add(bars)
	}

	model := plotter.NewFunction(func(deg float64) float64 {
		return fit.Model(deg * math.Pi / 180)
	})
	model.Color = modelColor
	model.Width = vg.Points(1.5)
	model.XMin, model.XMax = 0, 360
	model.Samples = 360

	p.Add(scatter, model, plotter.NewGrid())
	p.Legend.Add("bin median", scatter)
	p.Legend.Add("cosine fit", model)
	p.Legend.Top = true
	p.X.Min, p.X.Max = 0, 360

	return save(p, path)
}

// PlotConvergence renders the NMAD and the accumulated offsets per iteration
func PlotConvergence(history []coreg.IterationRecord, path string) error {
	if len(history) == 0 {
		return fmt.Errorf("no iterations to plot")
	}

	p := plot.New()
	p.Title.Text = "Coregistration convergence"
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "NMAD / offset (px)"

	nmad := make(plotter.XYs, len(history))
	east := make(plotter.XYs, len(history))
	north := make(plotter.XYs, len(history))
	for i, rec := range history {
		x := float64(rec.Iteration)
		nmad[i] = plotter.XY{X: x, Y: rec.NMAD}
		east[i] = plotter.XY{X: x, Y: rec.OffsetEast}
		north[i] = plotter.XY{X: x, Y: rec.OffsetNorth}
	}

	series := []struct {
		label string
		pts   plotter.XYs
		color color.Color
	}{
		{"nmad", nmad, color.Black},
		{"offset east", east, binColor},
		{"offset north", north, modelColor},
	}
	for _, s := range series {
		line, err := plotter.NewLine(s.pts)
		if err != nil {
			return fmt.Errorf("failed to build %s line: %w", s.label, err)
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return save(p, path)
}

// WriteDiagnostics writes convergence.png and, when a shift was estimated,
// aspect_fit.png into dir
func WriteDiagnostics(result *coreg.Result, dir string) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	if len(result.History) > 0 {
		if err := PlotConvergence(result.History, filepath.Join(dir, "convergence.png")); err != nil {
			return err
		}
	}
	if result.LastFit != nil {
		if err := PlotAspectFit(result.LastFit, filepath.Join(dir, "aspect_fit.png")); err != nil {
			return err
		}
	}
	return nil
}

func save(p *plot.Plot, path string) error {
	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save plot %s: %w", path, err)
	}
	return nil
}
