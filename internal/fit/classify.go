package fit

import (
	"fmt"
	"math"
	"strings"
)

// FitAndClassify fits the three candidate models to the sweep and derives a
// verdict. The samples need not be sorted. It returns ErrInsufficientData,
// ErrDegenerateInput or ErrAllFitsFailed for the call-level failure modes;
// non-convergence of an individual model only narrows the comparison set and
// is reported inside the Classification.
func FitAndClassify(samples []Sample, opts Options) (*Classification, error) {
	opts = opts.withDefaults()

	if err := validate(samples); err != nil {
		return nil, err
	}

	w := weights(samples)
	weighted := false
	for _, s := range samples {
		if s.Sigma > 0 {
			weighted = true
			break
		}
	}

	fits := []FitResult{
		fitModel(ModelSigmoid, samples, w, weighted, opts),
		fitModel(ModelExponential, samples, w, weighted, opts),
		fitModel(ModelLinear, samples, w, weighted, opts),
	}

	return classifyFits(fits, samples, opts)
}

// classifyFits turns a set of per-model fit results into a verdict. Split
// from FitAndClassify so the degraded paths (no converged model, a single
// converged model) stay reachable even though the closed-form linear fit
// converges for any input that passes validation.
func classifyFits(fits []FitResult, samples []Sample, opts Options) (*Classification, error) {
	c := &Classification{
		Fits:          fits,
		Samples:       append([]Sample(nil), samples...),
		LowConfidence: len(samples) <= 4,
	}
	if c.LowConfidence {
		c.addNote("only %d samples: the sigmoid model is at or past saturation, treat the verdict with caution", len(samples))
	}

	converged := 0
	for i := range fits {
		if fits[i].Converged {
			converged++
		} else {
			c.addNote("%s fit did not converge: %s", fits[i].Kind, fits[i].Message)
		}
	}
	if converged == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllFitsFailed, failureSummary(fits))
	}

	c.Best = bestModel(fits)

	if converged < 2 {
		c.Verdict = VerdictInconclusive
		c.addNote("only one model converged; nothing to compare against")
		return c, nil
	}

	c.Verdict = deriveVerdict(c, samples, opts)
	return c, nil
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SharpWidthFraction <= 0 {
		o.SharpWidthFraction = def.SharpWidthFraction
	}
	if o.DominantGapFraction <= 0 {
		o.DominantGapFraction = def.DominantGapFraction
	}
	if o.AICTieMargin <= 0 {
		o.AICTieMargin = def.AICTieMargin
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = def.MaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = def.Tolerance
	}
	return o
}

func validate(samples []Sample) error {
	if len(samples) < 3 {
		return insufficientf("need at least 3 samples, got %d", len(samples))
	}

	distinct := make(map[float64]struct{}, len(samples))
	for _, s := range samples {
		distinct[s.X] = struct{}{}
	}
	if len(distinct) < 2 {
		return insufficientf("need at least 2 distinct x values, got %d", len(distinct))
	}

	ymin, ymax := yRange(samples)
	if ymin == ymax {
		return fmt.Errorf("%w: all %d y values equal %g", ErrDegenerateInput, len(samples), ymin)
	}
	return nil
}

// bestModel picks the converged model with the lowest small-sample-corrected
// AIC. When every converged fit is saturated (all AICc infinite) the raw
// weighted chi-square breaks the tie, purely for reporting.
func bestModel(fits []FitResult) ModelKind {
	best := ModelKind("")
	bestScore := math.Inf(1)
	bestChi2 := math.Inf(1)
	for _, f := range fits {
		if !f.Converged {
			continue
		}
		if f.AICc < bestScore || (math.IsInf(bestScore, 1) && f.ChiSquare < bestChi2) {
			best = f.Kind
			bestScore = f.AICc
			bestChi2 = f.ChiSquare
		}
	}
	return best
}

// deriveVerdict applies the classification policy:
//
// Sharp: the sigmoid fit is best or tied for best, its width is small
// relative to the sweep's x span, and one adjacent-sample gap carries a
// disproportionate share of the total drop.
//
// Smooth: exponential and linear fit comparably well to each other, the
// sigmoid is not decisively better once parameter count is accounted for,
// and no single gap dominates.
//
// Anything else is inconclusive.
func deriveVerdict(c *Classification, samples []Sample, opts Options) Verdict {
	sig := c.Fit(ModelSigmoid)
	exp := c.Fit(ModelExponential)
	lin := c.Fit(ModelLinear)

	xmin, xmax := xRange(samples)
	ymin, ymax := yRange(samples)
	xspan := xmax - xmin
	yspan := ymax - ymin

	gap, gapDominant := dominantGap(samples, opts.DominantGapFraction)

	if sig.Converged {
		width := math.Abs(sig.Sigmoid.Width)
		widthOK := width < opts.SharpWidthFraction*xspan
		competitive := sig.AICc <= minScore(c.Fits)+opts.AICTieMargin || lowestChiSquare(c.Fits) == ModelSigmoid

		if widthOK && gapDominant && competitive {
			c.addNote("sharp: width %.4g < %.4g (%.0f%% of x span), dominant gap %.3f of total drop",
				width, opts.SharpWidthFraction*xspan, opts.SharpWidthFraction*100, gap)
			return VerdictSharp
		}
	}

	if exp.Converged && lin.Converged && !gapDominant {
		// "Comparably well" on residual scale: close in absolute terms
		// relative to the data's dynamic range, or within a factor of two.
		absTol := 0.02 * yspan
		lo, hi := math.Min(exp.RMSE, lin.RMSE), math.Max(exp.RMSE, lin.RMSE)
		expLinTie := hi-lo <= absTol || hi <= 2*lo

		// A saturated sigmoid (AICc +Inf) cannot claim superiority.
		sigmoidDecisive := sig.Converged &&
			sig.AICc+opts.AICTieMargin < math.Min(exp.AICc, lin.AICc)

		if expLinTie && !sigmoidDecisive {
			c.addNote("smooth: exponential rmse %.4g vs linear rmse %.4g, no dominant gap (largest %.3f of drop)",
				exp.RMSE, lin.RMSE, gap)
			return VerdictSmooth
		}
	}

	c.addNote("neither the sharp nor the smooth criteria were met")
	return VerdictInconclusive
}

// dominantGap returns the largest adjacent |Δy| as a fraction of the total
// observed drop, and whether it exceeds the threshold.
func dominantGap(samples []Sample, threshold float64) (float64, bool) {
	sorted := sortedByX(samples)
	ymin, ymax := yRange(samples)
	drop := ymax - ymin
	if drop == 0 {
		return 0, false
	}

	largest := 0.0
	for i := 0; i+1 < len(sorted); i++ {
		d := math.Abs(sorted[i+1].Y - sorted[i].Y)
		if d > largest {
			largest = d
		}
	}
	frac := largest / drop
	return frac, frac >= threshold
}

func minScore(fits []FitResult) float64 {
	min := math.Inf(1)
	for _, f := range fits {
		if f.Converged && f.AICc < min {
			min = f.AICc
		}
	}
	return min
}

func lowestChiSquare(fits []FitResult) ModelKind {
	best := ModelKind("")
	min := math.Inf(1)
	for _, f := range fits {
		if f.Converged && f.ChiSquare < min {
			best = f.Kind
			min = f.ChiSquare
		}
	}
	return best
}

func failureSummary(fits []FitResult) string {
	parts := make([]string, 0, len(fits))
	for _, f := range fits {
		if !f.Converged {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Kind, f.Message))
		}
	}
	return strings.Join(parts, "; ")
}

func (c *Classification) addNote(format string, v ...interface{}) {
	c.Notes = append(c.Notes, fmt.Sprintf(format, v...))
}
