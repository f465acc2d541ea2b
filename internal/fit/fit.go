// Package fit implements the transition-model classifier: it fits three
// competing parametric curves (sigmoid, exponential decay, linear) to a
// fidelity sweep and decides whether the response looks like a sharp
// transition or a smooth decay.
//
// The classifier is a pure computation: it performs no I/O, holds no shared
// state, and given the same samples and options always returns the same
// verdict. Plotting and persistence belong to the report and db packages.
package fit

import (
	"errors"
	"fmt"
)

// Sample is one measurement from a parameter sweep. X is the swept variable
// (e.g. entangling-gate count or decoherence strength), Y the measured
// fidelity or survival probability. Sigma is the 1-sigma uncertainty on Y;
// a value <= 0 means the point is fitted unweighted.
//
// Y is nominally in [0,1] but noisy estimates slightly outside the interval
// are accepted as-is. Repeated X values are fitted as independent points;
// averaging repeats is the caller's job.
type Sample struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Sigma float64 `json:"sigma,omitempty"`
}

// ModelKind identifies one of the three candidate models.
type ModelKind string

const (
	ModelSigmoid     ModelKind = "sigmoid"
	ModelExponential ModelKind = "exponential"
	ModelLinear      ModelKind = "linear"
)

// paramCount returns the number of free parameters for a model kind.
func (k ModelKind) paramCount() int {
	switch k {
	case ModelSigmoid:
		return 4
	case ModelExponential:
		return 3
	case ModelLinear:
		return 2
	}
	return 0
}

// SigmoidParams describes y = floor + (ceiling-floor)/(1+exp((x-midpoint)/width)).
// Small |Width| relative to the sweep's x span indicates a sharp transition.
type SigmoidParams struct {
	Floor    float64 `json:"floor"`
	Ceiling  float64 `json:"ceiling"`
	Midpoint float64 `json:"midpoint"`
	Width    float64 `json:"width"`
}

// ExponentialParams describes y = amplitude * exp(-rate*x) + offset.
type ExponentialParams struct {
	Amplitude float64 `json:"amplitude"`
	Rate      float64 `json:"rate"`
	Offset    float64 `json:"offset"`
}

// LinearParams describes y = slope*x + intercept.
type LinearParams struct {
	Slope     float64 `json:"slope"`
	Intercept float64 `json:"intercept"`
}

// FitResult is the outcome of fitting one candidate model to a sweep.
// Exactly one FitResult exists per model kind per classification call.
// Only the parameter record matching Kind is non-nil; the *Sigma records
// hold 1-sigma uncertainties from the fit covariance and are nil when the
// covariance could not be estimated (singular Jacobian or zero degrees of
// freedom).
type FitResult struct {
	Kind      ModelKind `json:"kind"`
	Converged bool      `json:"converged"`

	Sigmoid          *SigmoidParams     `json:"sigmoid,omitempty"`
	SigmoidSigma     *SigmoidParams     `json:"sigmoid_sigma,omitempty"`
	Exponential      *ExponentialParams `json:"exponential,omitempty"`
	ExponentialSigma *ExponentialParams `json:"exponential_sigma,omitempty"`
	Linear           *LinearParams      `json:"linear,omitempty"`
	LinearSigma      *LinearParams      `json:"linear_sigma,omitempty"`

	// Goodness of fit. ChiSquare is the weighted sum of squared residuals
	// (plain SSR when the sweep carries no uncertainties). AIC penalizes
	// parameter count; AICc additionally corrects for small samples and is
	// +Inf for saturated fits (n <= k+1), which therefore carry no evidence
	// against simpler models.
	SSR              float64 `json:"ssr"`
	RMSE             float64 `json:"rmse"`
	ChiSquare        float64 `json:"chi_square"`
	ReducedChiSquare float64 `json:"reduced_chi_square"`
	AIC              float64 `json:"aic"`
	AICc             float64 `json:"aicc"`
	DOF              int     `json:"dof"`

	// Message carries the optimizer failure reason for non-converged fits.
	Message string `json:"message,omitempty"`
}

// Verdict is the qualitative classification of a sweep.
type Verdict string

const (
	VerdictSharp        Verdict = "sharp_transition"
	VerdictSmooth       Verdict = "smooth_decay"
	VerdictInconclusive Verdict = "inconclusive"
)

// Classification is the full output of FitAndClassify.
type Classification struct {
	Verdict Verdict   `json:"verdict"`
	Best    ModelKind `json:"best_model,omitempty"`

	// LowConfidence is set when the sweep has too few samples to constrain
	// the richer models (n <= 4: a four-parameter sigmoid is at or past
	// saturation in that regime).
	LowConfidence bool `json:"low_confidence"`

	Fits    []FitResult `json:"fits"`
	Samples []Sample    `json:"samples"`
	Notes   []string    `json:"notes,omitempty"`
}

// Fit returns the FitResult for the given model kind.
func (c *Classification) Fit(kind ModelKind) *FitResult {
	for i := range c.Fits {
		if c.Fits[i].Kind == kind {
			return &c.Fits[i]
		}
	}
	return nil
}

// Options control the fitting tolerances and the verdict thresholds. The
// sharpness and gap thresholds are deliberately configurable: the analysis
// this derives from used an ad hoc fixed width cutoff, and callers wanting a
// different false-positive tradeoff can move them.
type Options struct {
	// SharpWidthFraction: a sigmoid fit counts as "sharp" only when
	// |width| < SharpWidthFraction * (xmax - xmin).
	SharpWidthFraction float64 `json:"sharp_width_fraction"`

	// DominantGapFraction: the largest adjacent |Δy| must account for at
	// least this share of the total observed drop for the sharp verdict.
	DominantGapFraction float64 `json:"dominant_gap_fraction"`

	// AICTieMargin: AIC differences below this are treated as a statistical
	// tie (Burnham-Anderson rule of thumb is 2).
	AICTieMargin float64 `json:"aic_tie_margin"`

	// MaxIterations bounds the Nelder-Mead iterations per nonlinear fit.
	MaxIterations int `json:"max_iterations"`

	// Tolerance is the absolute function-convergence tolerance.
	Tolerance float64 `json:"tolerance"`
}

// DefaultOptions returns the thresholds used by the historical analysis
// (width < ~15% of the sweep span, one gap carrying half the drop).
func DefaultOptions() Options {
	return Options{
		SharpWidthFraction:  0.15,
		DominantGapFraction: 0.5,
		AICTieMargin:        2.0,
		MaxIterations:       2000,
		Tolerance:           1e-12,
	}
}

// Error taxonomy. These are the only failure conditions surfaced by
// FitAndClassify; individual model non-convergence is reported inside the
// Classification instead.
var (
	// ErrInsufficientData: fewer than three samples, or fewer than two
	// distinct x values.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrAllFitsFailed: none of the three optimizers converged. The remedy
	// is better data or better-conditioned sweeps, not a retry.
	ErrAllFitsFailed = errors.New("all fits failed")

	// ErrDegenerateInput: every y value is identical, so any model fits
	// perfectly and no verdict is decidable.
	ErrDegenerateInput = errors.New("degenerate input")
)

func insufficientf(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInsufficientData, fmt.Sprintf(format, v...))
}
