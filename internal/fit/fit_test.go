package fit

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sigmoidSweep(floor, ceiling, mid, width float64, xs []float64) []Sample {
	samples := make([]Sample, len(xs))
	for i, x := range xs {
		samples[i] = Sample{X: x, Y: floor + (ceiling-floor)/(1+math.Exp((x-mid)/width))}
	}
	return samples
}

func linspace(start, end float64, n int) []float64 {
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = start + (end-start)*float64(i)/float64(n-1)
	}
	return xs
}

func TestSigmoidRecovery(t *testing.T) {
	// Zero-noise sweep generated from a known sharp sigmoid.
	want := SigmoidParams{Floor: 0.02, Ceiling: 0.98, Midpoint: 4.5, Width: 0.3}
	samples := sigmoidSweep(want.Floor, want.Ceiling, want.Midpoint, want.Width, linspace(0, 10, 11))

	c, err := FitAndClassify(samples, DefaultOptions())
	if err != nil {
		t.Fatalf("FitAndClassify: %v", err)
	}

	sig := c.Fit(ModelSigmoid)
	if !sig.Converged {
		t.Fatalf("sigmoid fit did not converge: %s", sig.Message)
	}
	got := sig.Sigmoid
	if math.Abs(got.Floor-want.Floor) > 0.02 {
		t.Errorf("floor = %f, want %f", got.Floor, want.Floor)
	}
	if math.Abs(got.Ceiling-want.Ceiling) > 0.02 {
		t.Errorf("ceiling = %f, want %f", got.Ceiling, want.Ceiling)
	}
	if math.Abs(got.Midpoint-want.Midpoint) > 0.05 {
		t.Errorf("midpoint = %f, want %f", got.Midpoint, want.Midpoint)
	}
	if math.Abs(math.Abs(got.Width)-want.Width) > 0.05 {
		t.Errorf("width = %f, want %f", got.Width, want.Width)
	}

	if c.Verdict != VerdictSharp {
		t.Errorf("verdict = %q, want %q (notes: %v)", c.Verdict, VerdictSharp, c.Notes)
	}
	if c.Best != ModelSigmoid {
		t.Errorf("best model = %q, want %q", c.Best, ModelSigmoid)
	}
	if c.LowConfidence {
		t.Error("LowConfidence set for an 11-sample sweep")
	}
}

func TestLinearSweepClassifiesSmooth(t *testing.T) {
	// Exact linear decay over a wide x range; a sigmoid can mimic a line
	// over a short range, so the span matters here.
	samples := make([]Sample, 11)
	for i, x := range linspace(0, 10, 11) {
		samples[i] = Sample{X: x, Y: 0.9 - 0.08*x}
	}

	c, err := FitAndClassify(samples, DefaultOptions())
	if err != nil {
		t.Fatalf("FitAndClassify: %v", err)
	}

	if c.Verdict != VerdictSmooth {
		t.Errorf("verdict = %q, want %q (notes: %v)", c.Verdict, VerdictSmooth, c.Notes)
	}

	lin := c.Fit(ModelLinear)
	if !lin.Converged {
		t.Fatalf("linear fit did not converge: %s", lin.Message)
	}
	if math.Abs(lin.Linear.Slope-(-0.08)) > 1e-9 {
		t.Errorf("slope = %g, want -0.08", lin.Linear.Slope)
	}
	if math.Abs(lin.Linear.Intercept-0.9) > 1e-9 {
		t.Errorf("intercept = %g, want 0.9", lin.Linear.Intercept)
	}

	// The sigmoid's residual must not beat the (exact) linear fit.
	sig := c.Fit(ModelSigmoid)
	if sig.Converged && sig.SSR < lin.SSR-1e-12 {
		t.Errorf("sigmoid SSR %g beats linear SSR %g on truly linear data", sig.SSR, lin.SSR)
	}
}

func TestTwoSamplesInsufficient(t *testing.T) {
	samples := []Sample{{X: 1, Y: 0.9}, {X: 2, Y: 0.5}}
	_, err := FitAndClassify(samples, DefaultOptions())
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestSingleDistinctXInsufficient(t *testing.T) {
	samples := []Sample{{X: 2, Y: 0.9}, {X: 2, Y: 0.5}, {X: 2, Y: 0.7}}
	_, err := FitAndClassify(samples, DefaultOptions())
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestDegenerateInput(t *testing.T) {
	samples := []Sample{{X: 1, Y: 1}, {X: 2, Y: 1}, {X: 3, Y: 1}, {X: 4, Y: 1}}
	_, err := FitAndClassify(samples, DefaultOptions())
	if !errors.Is(err, ErrDegenerateInput) {
		t.Fatalf("err = %v, want ErrDegenerateInput", err)
	}
}

func TestDominantGapClassifiesSharp(t *testing.T) {
	// One adjacent gap of 0.7 with every other gap below 0.05.
	samples := []Sample{
		{X: 1, Y: 0.97}, {X: 2, Y: 0.95}, {X: 3, Y: 0.93},
		{X: 4, Y: 0.23}, {X: 5, Y: 0.20}, {X: 6, Y: 0.18},
	}

	c, err := FitAndClassify(samples, DefaultOptions())
	if err != nil {
		t.Fatalf("FitAndClassify: %v", err)
	}
	if c.Verdict != VerdictSharp {
		t.Errorf("verdict = %q, want %q (notes: %v)", c.Verdict, VerdictSharp, c.Notes)
	}

	sig := c.Fit(ModelSigmoid)
	if !sig.Converged {
		t.Fatalf("sigmoid fit did not converge: %s", sig.Message)
	}
	if m := sig.Sigmoid.Midpoint; m < 3 || m > 4 {
		t.Errorf("midpoint = %f, want within the (3,4) gap", m)
	}
}

func TestNPairsSharpScenario(t *testing.T) {
	// Four-point depth sweep with the drop concentrated between x=2 and x=3.
	samples := []Sample{
		{X: 1, Y: 0.98}, {X: 2, Y: 0.85}, {X: 3, Y: 0.20}, {X: 4, Y: 0.02},
	}

	c, err := FitAndClassify(samples, DefaultOptions())
	if err != nil {
		t.Fatalf("FitAndClassify: %v", err)
	}
	if c.Verdict != VerdictSharp {
		t.Errorf("verdict = %q, want %q (notes: %v)", c.Verdict, VerdictSharp, c.Notes)
	}
	if !c.LowConfidence {
		t.Error("LowConfidence not set for a 4-sample sweep")
	}

	sig := c.Fit(ModelSigmoid)
	if !sig.Converged {
		t.Fatalf("sigmoid fit did not converge: %s", sig.Message)
	}
	if m := sig.Sigmoid.Midpoint; m <= 2 || m >= 3 {
		t.Errorf("midpoint = %f, want in (2,3)", m)
	}
	if w := math.Abs(sig.Sigmoid.Width); w >= 1 {
		t.Errorf("width = %f, want < 1", w)
	}
}

func TestNPairsSmoothScenario(t *testing.T) {
	// Same sweep points but roughly linear decay.
	samples := []Sample{
		{X: 1, Y: 0.98}, {X: 2, Y: 0.75}, {X: 3, Y: 0.50}, {X: 4, Y: 0.25},
	}

	c, err := FitAndClassify(samples, DefaultOptions())
	if err != nil {
		t.Fatalf("FitAndClassify: %v", err)
	}
	if c.Verdict != VerdictSmooth {
		t.Errorf("verdict = %q, want %q (notes: %v)", c.Verdict, VerdictSmooth, c.Notes)
	}

	exp, lin := c.Fit(ModelExponential), c.Fit(ModelLinear)
	if !exp.Converged || !lin.Converged {
		t.Fatalf("smooth models did not converge: exp=%v lin=%v", exp.Converged, lin.Converged)
	}
	yspan := 0.98 - 0.25
	if diff := math.Abs(exp.RMSE - lin.RMSE); diff > 0.05*yspan {
		t.Errorf("exponential and linear residuals diverge: exp rmse %g, linear rmse %g", exp.RMSE, lin.RMSE)
	}
}

func TestWeightedFitUncertainties(t *testing.T) {
	samples := make([]Sample, 8)
	for i, x := range linspace(0, 7, 8) {
		samples[i] = Sample{X: x, Y: 0.95 - 0.05*x, Sigma: 0.02}
	}

	c, err := FitAndClassify(samples, DefaultOptions())
	if err != nil {
		t.Fatalf("FitAndClassify: %v", err)
	}

	lin := c.Fit(ModelLinear)
	if lin.LinearSigma == nil {
		t.Fatal("linear fit has no parameter uncertainties despite full-rank data")
	}
	if lin.LinearSigma.Slope <= 0 {
		t.Errorf("slope uncertainty = %g, want > 0", lin.LinearSigma.Slope)
	}
	if lin.ChiSquare < 0 {
		t.Errorf("chi-square = %g, want >= 0", lin.ChiSquare)
	}
}

func TestRepeatedXAccepted(t *testing.T) {
	// Repeated x values are legal; averaging repeats is the caller's job.
	samples := []Sample{
		{X: 1, Y: 0.96}, {X: 1, Y: 0.94}, {X: 2, Y: 0.70},
		{X: 3, Y: 0.45}, {X: 4, Y: 0.20},
	}
	if _, err := FitAndClassify(samples, DefaultOptions()); err != nil {
		t.Fatalf("FitAndClassify: %v", err)
	}
}

func TestDeterministicVerdict(t *testing.T) {
	samples := sigmoidSweep(0.05, 0.95, 4.4, 0.4, linspace(0, 10, 9))

	a, err := FitAndClassify(samples, DefaultOptions())
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	b, err := FitAndClassify(samples, DefaultOptions())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("classification not deterministic (-first +second):\n%s", diff)
	}
}

func TestExactlyOneFitPerModel(t *testing.T) {
	samples := sigmoidSweep(0.02, 0.98, 4.5, 0.5, linspace(0, 10, 9))
	c, err := FitAndClassify(samples, DefaultOptions())
	if err != nil {
		t.Fatalf("FitAndClassify: %v", err)
	}

	seen := map[ModelKind]int{}
	for _, f := range c.Fits {
		seen[f.Kind]++
	}
	for _, kind := range []ModelKind{ModelSigmoid, ModelExponential, ModelLinear} {
		if seen[kind] != 1 {
			t.Errorf("model %q appears %d times, want exactly once", kind, seen[kind])
		}
	}
}

func TestAllFitsFailedSurfacesEveryMessage(t *testing.T) {
	samples := []Sample{
		{X: 1, Y: 0.9}, {X: 2, Y: 0.5}, {X: 3, Y: 0.1},
	}
	fits := []FitResult{
		{Kind: ModelSigmoid, Message: "singular hessian"},
		{Kind: ModelExponential, Message: "iteration limit"},
		{Kind: ModelLinear, Message: "rank deficient"},
	}

	_, err := classifyFits(fits, samples, DefaultOptions())
	if !errors.Is(err, ErrAllFitsFailed) {
		t.Fatalf("err = %v, want ErrAllFitsFailed", err)
	}
	for _, msg := range []string{"singular hessian", "iteration limit", "rank deficient"} {
		if !strings.Contains(err.Error(), msg) {
			t.Errorf("error %q does not mention %q", err, msg)
		}
	}
}

func TestSingleConvergedModelIsInconclusive(t *testing.T) {
	samples := []Sample{
		{X: 1, Y: 0.9}, {X: 2, Y: 0.5}, {X: 3, Y: 0.1},
	}
	fits := []FitResult{
		{Kind: ModelSigmoid, Message: "singular hessian"},
		{Kind: ModelExponential, Converged: true, ChiSquare: 0.4, RMSE: 0.03, AIC: -12, AICc: -8, DOF: 1},
		{Kind: ModelLinear, Message: "rank deficient"},
	}

	c, err := classifyFits(fits, samples, DefaultOptions())
	if err != nil {
		t.Fatalf("classifyFits: %v", err)
	}
	if c.Verdict != VerdictInconclusive {
		t.Errorf("verdict = %q, want %q (notes: %v)", c.Verdict, VerdictInconclusive, c.Notes)
	}
	if c.Best != ModelExponential {
		t.Errorf("best model = %q, want the sole converged model", c.Best)
	}
	found := false
	for _, n := range c.Notes {
		if strings.Contains(n, "only one model converged") {
			found = true
		}
	}
	if !found {
		t.Errorf("no note explains the inconclusive verdict: %v", c.Notes)
	}
}

func TestNoisyFidelityAboveOneAccepted(t *testing.T) {
	// A noisy estimate slightly above 1 must not hard-fail.
	samples := []Sample{
		{X: 1, Y: 1.02}, {X: 2, Y: 0.97}, {X: 3, Y: 0.60},
		{X: 4, Y: 0.15}, {X: 5, Y: 0.03},
	}
	if _, err := FitAndClassify(samples, DefaultOptions()); err != nil {
		t.Fatalf("FitAndClassify: %v", err)
	}
}
