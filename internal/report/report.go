// Package report renders sweep results: an interactive HTML chart, a
// static PNG plot, a JSON dump and a LaTeX table fragment. All file output
// goes through fsutil so tests can render into memory.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/qlab-data/fidelity.report/internal/fit"
	"github.com/qlab-data/fidelity.report/internal/fsutil"
	"github.com/qlab-data/fidelity.report/internal/security"
	"github.com/qlab-data/fidelity.report/internal/sweep"
)

// Reporter writes sweep artefacts under a single output directory.
type Reporter struct {
	fs        fsutil.FileSystem
	outputDir string
}

// NewReporter creates a reporter writing into outputDir on the given
// filesystem.
func NewReporter(fs fsutil.FileSystem, outputDir string) *Reporter {
	return &Reporter{fs: fs, outputDir: outputDir}
}

// artefactPath builds the output path for one artefact. Run ids flow in
// from API paths and input files, so the stem is sanitized.
func (r *Reporter) artefactPath(runID, ext string) string {
	return filepath.Join(r.outputDir, security.SanitizeFilename(runID)+ext)
}

// chartTitle builds the headline for a classified sweep.
func chartTitle(state sweep.State) (string, string) {
	title := "Fidelity sweep"
	if state.Request != nil {
		title = fmt.Sprintf("Fidelity vs %s", state.Request.Variable)
		if state.Request.Label != "" {
			title = state.Request.Label
		}
	}
	subtitle := ""
	if state.Classification != nil {
		subtitle = fmt.Sprintf("verdict: %s (best model: %s)",
			state.Classification.Verdict, state.Classification.Best)
		if state.Classification.LowConfidence {
			subtitle += ", low confidence"
		}
	}
	return title, subtitle
}

// RenderChart writes an HTML chart of the measured fidelities with the
// converged model curves overlaid at the measured x positions.
func (r *Reporter) RenderChart(w io.Writer, state sweep.State) error {
	if len(state.Points) == 0 {
		return fmt.Errorf("no points to chart")
	}

	xs := make([]string, len(state.Points))
	measured := make([]opts.LineData, len(state.Points))
	for i, p := range state.Points {
		xs[i] = fmt.Sprintf("%g", p.X)
		measured[i] = opts.LineData{Value: p.Fidelity}
	}

	title, subtitle := chartTitle(state)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "900px", Height: "520px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "fidelity"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)

	line.SetXAxis(xs)
	line.AddSeries("measured", measured,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}))

	if state.Classification != nil {
		for i := range state.Classification.Fits {
			f := &state.Classification.Fits[i]
			if !f.Converged {
				continue
			}
			fitted := make([]opts.LineData, len(state.Points))
			for j, p := range state.Points {
				fitted[j] = opts.LineData{Value: f.Evaluate(p.X)}
			}
			line.AddSeries(string(f.Kind), fitted,
				charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
		}
	}

	return line.Render(w)
}

// SaveChart renders the HTML chart into the output directory and returns
// the written path.
func (r *Reporter) SaveChart(state sweep.State) (string, error) {
	path := r.artefactPath(state.RunID, ".html")
	if err := r.fs.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", err
	}
	f, err := r.fs.Create(path)
	if err != nil {
		return "", err
	}
	if err := r.RenderChart(f, state); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// SavePlot writes a static PNG of the sweep with the best converged model
// drawn over a dense grid.
func (r *Reporter) SavePlot(state sweep.State) (string, error) {
	if len(state.Points) == 0 {
		return "", fmt.Errorf("no points to plot")
	}

	p := plot.New()
	title, _ := chartTitle(state)
	p.Title.Text = title
	if state.Request != nil {
		p.X.Label.Text = state.Request.Variable
	}
	p.Y.Label.Text = "fidelity"

	pts := make(plotter.XYs, len(state.Points))
	for i, pt := range state.Points {
		pts[i].X = pt.X
		pts[i].Y = pt.Fidelity
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return "", fmt.Errorf("scatter: %w", err)
	}
	p.Add(scatter)
	p.Legend.Add("measured", scatter)

	if best := bestFit(state.Classification); best != nil {
		xmin, xmax := pts[0].X, pts[0].X
		for _, pt := range pts {
			if pt.X < xmin {
				xmin = pt.X
			}
			if pt.X > xmax {
				xmax = pt.X
			}
		}
		const steps = 200
		curve := make(plotter.XYs, steps+1)
		for i := 0; i <= steps; i++ {
			x := xmin + (xmax-xmin)*float64(i)/steps
			curve[i].X = x
			curve[i].Y = best.Evaluate(x)
		}
		fitted, err := plotter.NewLine(curve)
		if err != nil {
			return "", fmt.Errorf("line: %w", err)
		}
		p.Add(fitted)
		p.Legend.Add(string(best.Kind), fitted)
	}

	wt, err := p.WriterTo(7*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return "", fmt.Errorf("render png: %w", err)
	}

	path := r.artefactPath(state.RunID, ".png")
	if err := r.fs.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", err
	}
	f, err := r.fs.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}

// WriteJSON dumps the full sweep state, classification included.
func (r *Reporter) WriteJSON(state sweep.State) (string, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", err
	}
	path := r.artefactPath(state.RunID, ".json")
	if err := r.fs.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", err
	}
	return path, r.fs.WriteFile(path, data, 0o644)
}

// LaTeXTable formats the per-model fit statistics as a tabular fragment
// for inclusion in a writeup.
func LaTeXTable(c *fit.Classification) string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("\\begin{tabular}{lrrrrr}\n")
	b.WriteString("\\hline\n")
	b.WriteString("Model & Converged & $\\chi^2$ & RMSE & AIC & AICc \\\\\n")
	b.WriteString("\\hline\n")
	for i := range c.Fits {
		f := &c.Fits[i]
		marker := ""
		if f.Kind == c.Best {
			marker = " $\\star$"
		}
		fmt.Fprintf(&b, "%s%s & %s & %s & %s & %s & %s \\\\\n",
			f.Kind, marker, yesNo(f.Converged),
			latexNum(f.ChiSquare), latexNum(f.RMSE), latexNum(f.AIC), latexNum(f.AICc))
	}
	b.WriteString("\\hline\n")
	fmt.Fprintf(&b, "\\multicolumn{6}{l}{Verdict: %s} \\\\\n", latexEscape(string(c.Verdict)))
	b.WriteString("\\end{tabular}\n")
	return b.String()
}

// SaveLaTeX writes the table fragment next to the other artefacts.
func (r *Reporter) SaveLaTeX(state sweep.State) (string, error) {
	if state.Classification == nil {
		return "", fmt.Errorf("no classification to tabulate")
	}
	path := r.artefactPath(state.RunID, ".tex")
	if err := r.fs.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", err
	}
	return path, r.fs.WriteFile(path, []byte(LaTeXTable(state.Classification)), 0o644)
}

// bestFit returns the converged fit for the best model, or nil.
func bestFit(c *fit.Classification) *fit.FitResult {
	if c == nil || c.Best == "" {
		return nil
	}
	f := c.Fit(c.Best)
	if f == nil || !f.Converged {
		return nil
	}
	return f
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// latexNum formats a statistic compactly, mapping non-finite values to a
// dash.
func latexNum(v float64) string {
	switch {
	case v != v: // NaN
		return "--"
	case v > 1e300 || v < -1e300:
		return "$\\infty$"
	default:
		return fmt.Sprintf("%.4g", v)
	}
}

func latexEscape(s string) string {
	return strings.ReplaceAll(s, "_", "\\_")
}
