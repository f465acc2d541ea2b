// Command analyse classifies a saved fidelity sweep offline: it reads
// samples from a JSON file (or stdin), fits the three transition models
// and prints the per-model statistics and the verdict. Optional flags
// write the chart, plot, JSON dump and LaTeX table next to the input.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/qlab-data/fidelity.report/internal/fit"
	"github.com/qlab-data/fidelity.report/internal/fsutil"
	"github.com/qlab-data/fidelity.report/internal/report"
	"github.com/qlab-data/fidelity.report/internal/sweep"
)

var (
	input     = flag.String("in", "", "Input JSON file ('-' for stdin): either {\"samples\": [...]} or a saved sweep state")
	outputDir = flag.String("output", "out", "Directory for written artefacts")
	writeHTML = flag.Bool("html", false, "Write an interactive HTML chart")
	writePNG  = flag.Bool("png", false, "Write a static PNG plot")
	writeJSON = flag.Bool("json", false, "Write the classified state as JSON")
	writeTeX  = flag.Bool("tex", false, "Write the fit statistics as a LaTeX table")

	sharpWidth = flag.Float64("sharp-width", 0, "Sharp transition width fraction override")
	gap        = flag.Float64("gap", 0, "Dominant adjacent-gap fraction override")
	aicMargin  = flag.Float64("aic-margin", 0, "AIC tie margin override")
	maxIter    = flag.Int("max-iter", 0, "Optimizer iteration cap override")
	tolerance  = flag.Float64("tol", 0, "Optimizer tolerance override")
)

// inputFile is the superset of accepted input shapes: a bare sample list,
// a sweep state dump from the server, or a {"samples": [...]} wrapper.
type inputFile struct {
	Samples []fit.Sample        `json:"samples"`
	Points  []sweep.PointResult `json:"points"`
	RunID   string              `json:"run_id"`
	Request *sweep.Request      `json:"request"`
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	if *input == "" {
		flag.Usage()
		os.Exit(2)
	}

	in, runID, err := loadInput(*input)
	if err != nil {
		log.Fatalf("failed to read input: %v", err)
	}

	samples, points := toSamples(in)
	if len(samples) == 0 {
		log.Fatal("input contains no samples")
	}

	c, err := fit.FitAndClassify(samples, options())
	if err != nil {
		log.Fatalf("classification failed: %v", err)
	}

	printTable(os.Stdout, c)

	state := sweep.State{
		Status:         sweep.StatusComplete,
		RunID:          runID,
		Points:         points,
		Classification: c,
		Request:        in.Request,
	}
	if err := writeArtefacts(state); err != nil {
		log.Fatal(err)
	}
}

// loadInput reads and decodes the input file, deriving a run id for the
// output artefacts from the state or the file name.
func loadInput(path string) (*inputFile, string, error) {
	var data []byte
	var err error
	runID := "analysis"

	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
		base := filepath.Base(path)
		runID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err != nil {
		return nil, "", err
	}

	var in inputFile
	if err := json.Unmarshal(data, &in); err != nil {
		// Fall back to a bare sample array.
		var samples []fit.Sample
		if err2 := json.Unmarshal(data, &samples); err2 != nil {
			return nil, "", err
		}
		in.Samples = samples
	}
	if in.RunID != "" {
		runID = in.RunID
	}
	return &in, runID, nil
}

// toSamples extracts the fit input, preferring explicit samples over
// sweep points, and keeps points available for plotting.
func toSamples(in *inputFile) ([]fit.Sample, []sweep.PointResult) {
	if len(in.Samples) > 0 {
		points := in.Points
		if len(points) == 0 {
			points = make([]sweep.PointResult, len(in.Samples))
			for i, s := range in.Samples {
				points[i] = sweep.PointResult{X: s.X, Fidelity: s.Y, Sigma: s.Sigma}
			}
		}
		return in.Samples, points
	}

	samples := make([]fit.Sample, len(in.Points))
	for i, p := range in.Points {
		samples[i] = fit.Sample{X: p.X, Y: p.Fidelity, Sigma: p.Sigma}
	}
	return samples, in.Points
}

// options builds the classifier options, applying any non-zero flag
// overrides on top of the defaults.
func options() fit.Options {
	opts := fit.DefaultOptions()
	if *sharpWidth > 0 {
		opts.SharpWidthFraction = *sharpWidth
	}
	if *gap > 0 {
		opts.DominantGapFraction = *gap
	}
	if *aicMargin > 0 {
		opts.AICTieMargin = *aicMargin
	}
	if *maxIter > 0 {
		opts.MaxIterations = *maxIter
	}
	if *tolerance > 0 {
		opts.Tolerance = *tolerance
	}
	return opts
}

func printTable(w io.Writer, c *fit.Classification) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tCONVERGED\tCHI2\tRED-CHI2\tRMSE\tAIC\tAICC\tDOF")
	for i := range c.Fits {
		f := &c.Fits[i]
		fmt.Fprintf(tw, "%s\t%v\t%s\t%s\t%s\t%s\t%s\t%d\n",
			f.Kind, f.Converged,
			num(f.ChiSquare), num(f.ReducedChiSquare), num(f.RMSE),
			num(f.AIC), num(f.AICc), f.DOF)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nverdict: %s", c.Verdict)
	if c.Best != "" {
		fmt.Fprintf(w, " (best model: %s)", c.Best)
	}
	if c.LowConfidence {
		fmt.Fprint(w, " [low confidence]")
	}
	fmt.Fprintln(w)
	for _, note := range c.Notes {
		fmt.Fprintf(w, "note: %s\n", note)
	}
}

// num formats a statistic compactly, with non-finite values spelled out.
func num(v float64) string {
	switch {
	case v != v:
		return "nan"
	case v > 1e300:
		return "inf"
	case v < -1e300:
		return "-inf"
	default:
		return fmt.Sprintf("%.5g", v)
	}
}

func writeArtefacts(state sweep.State) error {
	if !*writeHTML && !*writePNG && !*writeJSON && !*writeTeX {
		return nil
	}

	r := report.NewReporter(fsutil.OSFileSystem{}, *outputDir)
	save := func(name string, fn func(sweep.State) (string, error)) error {
		path, err := fn(state)
		if err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		log.Printf("wrote %s", path)
		return nil
	}

	if *writeHTML {
		if err := save("chart", r.SaveChart); err != nil {
			return err
		}
	}
	if *writePNG {
		if err := save("plot", r.SavePlot); err != nil {
			return err
		}
	}
	if *writeJSON {
		if err := save("json", r.WriteJSON); err != nil {
			return err
		}
	}
	if *writeTeX {
		if err := save("table", r.SaveLaTeX); err != nil {
			return err
		}
	}
	return nil
}
