package fit

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// modelFunc evaluates a candidate model at x for a flat parameter vector.
type modelFunc func(params []float64, x float64) float64

func sigmoidModel(p []float64, x float64) float64 {
	floor, ceiling, mid, width := p[0], p[1], p[2], p[3]
	if width == 0 {
		width = 1e-12
	}
	return floor + (ceiling-floor)/(1+math.Exp((x-mid)/width))
}

func exponentialModel(p []float64, x float64) float64 {
	return p[0]*math.Exp(-p[1]*x) + p[2]
}

func linearModel(p []float64, x float64) float64 {
	return p[0]*x + p[1]
}

// chi2Floor keeps the AIC log term finite for numerically exact fits.
const chi2Floor = 1e-12

// weights returns the per-point fit weights: 1/sigma^2 where an uncertainty
// is present, 1 otherwise.
func weights(samples []Sample) []float64 {
	w := make([]float64, len(samples))
	for i, s := range samples {
		if s.Sigma > 0 {
			w[i] = 1 / (s.Sigma * s.Sigma)
		} else {
			w[i] = 1
		}
	}
	return w
}

// weightedSSR computes the weighted sum of squared residuals.
func weightedSSR(samples []Sample, w []float64, f modelFunc, p []float64) float64 {
	var ssr float64
	for i, s := range samples {
		r := s.Y - f(p, s.X)
		ssr += w[i] * r * r
	}
	return ssr
}

// solveScaleOffset fits y = a*phi(x) + b by weighted least squares for a
// fixed basis function phi. Both nonlinear models are linear in two of their
// parameters once the nonlinear ones are pinned, so the initial guesses
// below only have to search the nonlinear directions.
func solveScaleOffset(samples []Sample, w []float64, phi func(x float64) float64) (a, b, ssr float64, ok bool) {
	var sw, sp, sy, spp, spy float64
	for i, s := range samples {
		p := phi(s.X)
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return 0, 0, 0, false
		}
		sw += w[i]
		sp += w[i] * p
		sy += w[i] * s.Y
		spp += w[i] * p * p
		spy += w[i] * p * s.Y
	}
	det := sw*spp - sp*sp
	if det == 0 {
		return 0, 0, 0, false
	}
	a = (sw*spy - sp*sy) / det
	b = (sy - a*sp) / sw
	for _, s := range samples {
		r := s.Y - (a*phi(s.X) + b)
		ssr += r * r
	}
	return a, b, ssr, true
}

// sigmoidGuess derives starting parameters from the data: midpoint and width
// are scanned over the sweep's own scale, with floor and ceiling solved in
// closed form at each candidate. Nothing here depends on a guess tuned to a
// different-scaled sweep.
func sigmoidGuess(samples []Sample, w []float64) []float64 {
	xmin, xmax := xRange(samples)
	ymin, ymax := yRange(samples)
	span := xmax - xmin

	best := []float64{ymin, ymax, (xmin + xmax) / 2, span / 10}
	bestSSR := math.Inf(1)

	const midSteps = 24
	widthFractions := []float64{0.005, 0.01, 0.02, 0.04, 0.08, 0.15, 0.3, 0.6, 1.0}
	for i := 0; i <= midSteps; i++ {
		mid := xmin + span*float64(i)/midSteps
		for _, wf := range widthFractions {
			width := span * wf
			phi := func(x float64) float64 { return 1 / (1 + math.Exp((x-mid)/width)) }
			a, b, ssr, ok := solveScaleOffset(samples, w, phi)
			if !ok || ssr >= bestSSR {
				continue
			}
			// y = a*s(x) + b  =>  floor = b, ceiling = a + b.
			best = []float64{b, a + b, mid, width}
			bestSSR = ssr
		}
	}
	return best
}

// exponentialGuess scans decay rates across the sweep's scale (both signs),
// solving amplitude and offset in closed form at each candidate.
func exponentialGuess(samples []Sample, w []float64) []float64 {
	xmin, xmax := xRange(samples)
	ymin, ymax := yRange(samples)
	span := xmax - xmin

	best := []float64{ymax - ymin, 1 / span, ymin}
	bestSSR := math.Inf(1)

	rateFractions := []float64{0.001, 0.003, 0.01, 0.03, 0.1, 0.3, 1, 3, 10}
	for _, rf := range rateFractions {
		for _, sign := range []float64{1, -1} {
			rate := sign * rf / span
			phi := func(x float64) float64 { return math.Exp(-rate * (x - xmin)) }
			a, b, ssr, ok := solveScaleOffset(samples, w, phi)
			if !ok || ssr >= bestSSR {
				continue
			}
			// Undo the xmin shift: a*exp(-rate*(x-xmin)) = a*exp(rate*xmin)*exp(-rate*x).
			amp := a * math.Exp(rate*xmin)
			if math.IsNaN(amp) || math.IsInf(amp, 0) {
				continue
			}
			best = []float64{amp, rate, b}
			bestSSR = ssr
		}
	}
	return best
}

// fitLinear solves the weighted ordinary least squares line in closed form.
func fitLinear(samples []Sample, w []float64) ([]float64, error) {
	var sw, swx, swy, swxx, swxy float64
	for i, s := range samples {
		sw += w[i]
		swx += w[i] * s.X
		swy += w[i] * s.Y
		swxx += w[i] * s.X * s.X
		swxy += w[i] * s.X * s.Y
	}
	det := sw*swxx - swx*swx
	if det == 0 {
		return nil, fmt.Errorf("singular design matrix")
	}
	slope := (sw*swxy - swx*swy) / det
	intercept := (swy - slope*swx) / sw
	return []float64{slope, intercept}, nil
}

// fitNonlinear minimizes the weighted SSR with Nelder-Mead from a
// data-derived starting point.
func fitNonlinear(samples []Sample, w []float64, f modelFunc, x0 []float64, opts Options) ([]float64, error) {
	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			ssr := weightedSSR(samples, w, f, p)
			if math.IsNaN(ssr) {
				return math.Inf(1)
			}
			return ssr
		},
	}
	settings := &optimize.Settings{
		MajorIterations: opts.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   opts.Tolerance,
			Iterations: 100,
		},
	}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, err
	}
	for _, v := range result.X {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("optimizer returned non-finite parameters")
		}
	}
	if math.IsInf(result.F, 0) || math.IsNaN(result.F) {
		return nil, fmt.Errorf("optimizer returned non-finite objective")
	}
	return result.X, nil
}

// covariance estimates the parameter covariance from the Gauss-Newton
// approximation (J'WJ)^-1 using a forward-difference Jacobian. For
// unweighted fits the result is scaled by SSR/dof. Returns nil when the
// normal matrix is singular or there are no degrees of freedom.
func covariance(samples []Sample, w []float64, f modelFunc, p []float64, weighted bool) []float64 {
	n := len(samples)
	k := len(p)
	dof := n - k
	if dof <= 0 {
		return nil
	}

	jac := mat.NewDense(n, k, nil)
	for j := 0; j < k; j++ {
		h := 1e-7 * math.Max(math.Abs(p[j]), 1)
		pj := append([]float64(nil), p...)
		pj[j] += h
		for i, s := range samples {
			d := (f(pj, s.X) - f(p, s.X)) / h
			jac.Set(i, j, d)
		}
	}

	// J' W J
	var jtwj mat.Dense
	wj := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			wj.Set(i, j, w[i]*jac.At(i, j))
		}
	}
	jtwj.Mul(jac.T(), wj)

	var inv mat.Dense
	if err := inv.Inverse(&jtwj); err != nil {
		return nil
	}

	scale := 1.0
	if !weighted {
		scale = weightedSSR(samples, w, f, p) / float64(dof)
	}

	sigmas := make([]float64, k)
	for j := 0; j < k; j++ {
		v := inv.At(j, j) * scale
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		sigmas[j] = math.Sqrt(v)
	}
	return sigmas
}

// fitModel runs one candidate fit end to end and fills a FitResult.
func fitModel(kind ModelKind, samples []Sample, w []float64, weighted bool, opts Options) FitResult {
	res := FitResult{Kind: kind}

	var f modelFunc
	var params []float64
	var err error

	switch kind {
	case ModelSigmoid:
		f = sigmoidModel
		params, err = fitNonlinear(samples, w, f, sigmoidGuess(samples, w), opts)
	case ModelExponential:
		f = exponentialModel
		params, err = fitNonlinear(samples, w, f, exponentialGuess(samples, w), opts)
	case ModelLinear:
		f = linearModel
		params, err = fitLinear(samples, w)
	}
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.Converged = true

	n := len(samples)
	k := kind.paramCount()
	res.DOF = n - k
	if res.DOF < 0 {
		res.DOF = 0
	}

	var ssr float64
	for _, s := range samples {
		r := s.Y - f(params, s.X)
		ssr += r * r
	}
	res.SSR = ssr
	res.RMSE = math.Sqrt(ssr / float64(n))
	res.ChiSquare = weightedSSR(samples, w, f, params)

	if res.DOF > 0 {
		res.ReducedChiSquare = res.ChiSquare / float64(res.DOF)
	}

	chi2 := math.Max(res.ChiSquare, chi2Floor)
	res.AIC = float64(n)*math.Log(chi2/float64(n)) + 2*float64(k)
	if n > k+1 {
		res.AICc = res.AIC + 2*float64(k)*float64(k+1)/float64(n-k-1)
	} else {
		// Saturated model: it can interpolate the data exactly, so its
		// goodness of fit carries no evidence against simpler models.
		res.AICc = math.Inf(1)
	}

	sigmas := covariance(samples, w, f, params, weighted)
	switch kind {
	case ModelSigmoid:
		res.Sigmoid = &SigmoidParams{Floor: params[0], Ceiling: params[1], Midpoint: params[2], Width: params[3]}
		if sigmas != nil {
			res.SigmoidSigma = &SigmoidParams{Floor: sigmas[0], Ceiling: sigmas[1], Midpoint: sigmas[2], Width: sigmas[3]}
		}
	case ModelExponential:
		res.Exponential = &ExponentialParams{Amplitude: params[0], Rate: params[1], Offset: params[2]}
		if sigmas != nil {
			res.ExponentialSigma = &ExponentialParams{Amplitude: sigmas[0], Rate: sigmas[1], Offset: sigmas[2]}
		}
	case ModelLinear:
		res.Linear = &LinearParams{Slope: params[0], Intercept: params[1]}
		if sigmas != nil {
			res.LinearSigma = &LinearParams{Slope: sigmas[0], Intercept: sigmas[1]}
		}
	}
	return res
}

// Evaluate returns the fitted model's prediction at x. It returns NaN for a
// fit that did not converge.
func (r *FitResult) Evaluate(x float64) float64 {
	if !r.Converged {
		return math.NaN()
	}
	switch r.Kind {
	case ModelSigmoid:
		p := r.Sigmoid
		return sigmoidModel([]float64{p.Floor, p.Ceiling, p.Midpoint, p.Width}, x)
	case ModelExponential:
		p := r.Exponential
		return exponentialModel([]float64{p.Amplitude, p.Rate, p.Offset}, x)
	case ModelLinear:
		p := r.Linear
		return linearModel([]float64{p.Slope, p.Intercept}, x)
	}
	return math.NaN()
}

func xRange(samples []Sample) (min, max float64) {
	min, max = samples[0].X, samples[0].X
	for _, s := range samples[1:] {
		if s.X < min {
			min = s.X
		}
		if s.X > max {
			max = s.X
		}
	}
	return min, max
}

func yRange(samples []Sample) (min, max float64) {
	min, max = samples[0].Y, samples[0].Y
	for _, s := range samples[1:] {
		if s.Y < min {
			min = s.Y
		}
		if s.Y > max {
			max = s.Y
		}
	}
	return min, max
}

func sortedByX(samples []Sample) []Sample {
	out := append([]Sample(nil), samples...)
	sort.Slice(out, func(i, j int) bool { return out[i].X < out[j].X })
	return out
}
