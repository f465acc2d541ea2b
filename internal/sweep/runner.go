// Package sweep orchestrates fidelity sweeps: it builds a teleportation
// circuit per point, runs it on a backend, derives the fidelity estimate
// from the measured counts and classifies the resulting curve.
package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/qlab-data/fidelity.report/internal/backend"
	"github.com/qlab-data/fidelity.report/internal/circuit"
	"github.com/qlab-data/fidelity.report/internal/db"
	"github.com/qlab-data/fidelity.report/internal/fit"
	"github.com/qlab-data/fidelity.report/internal/monitoring"
)

// Status represents the current state of a sweep run
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Sweep variables. A pairs sweep varies the number of entangled pairs at
// fixed dephasing; a gamma sweep varies the dephasing strength at a fixed
// pair count.
const (
	VariablePairs = "pairs"
	VariableGamma = "gamma"
)

const maxPoints = 200

// ErrBusy is returned by Start while another sweep is in progress.
var ErrBusy = errors.New("sweep already in progress")

// Request defines the parameters for starting a sweep.
type Request struct {
	Variable string `json:"variable"` // "pairs" or "gamma"
	Label    string `json:"label,omitempty"`

	// Pairs sweep: the pair counts to visit.
	PairsValues []int `json:"pairs_values,omitempty"`

	// Gamma sweep: the dephasing strengths to visit, at a fixed pair count.
	GammaValues []float64 `json:"gamma_values,omitempty"`
	Pairs       int       `json:"pairs,omitempty"`

	Shots    int     `json:"shots,omitempty"`
	Repeats  int     `json:"repeats,omitempty"`
	Coupling float64 `json:"coupling,omitempty"`
	Interval string  `json:"interval,omitempty"` // pause between points, e.g. "2s"
}

// PointResult holds the measured outcome for one sweep point.
type PointResult struct {
	X           float64        `json:"x"`
	Pairs       int            `json:"pairs"`
	Gamma       float64        `json:"gamma"`
	Shots       int            `json:"shots"`
	SuccessProb float64        `json:"success_prob"`
	Fidelity    float64        `json:"fidelity"`
	Sigma       float64        `json:"sigma"`
	Counts      map[string]int `json:"counts,omitempty"`
	JobIDs      []string       `json:"job_ids,omitempty"`
}

// State holds the current state and results of a sweep.
type State struct {
	Status          Status              `json:"status"`
	RunID           string              `json:"run_id,omitempty"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	TotalPoints     int                 `json:"total_points"`
	CompletedPoints int                 `json:"completed_points"`
	Current         *PointResult        `json:"current,omitempty"`
	Points          []PointResult       `json:"points"`
	Classification  *fit.Classification `json:"classification,omitempty"`
	Error           string              `json:"error,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
	Request         *Request            `json:"request,omitempty"`
}

// Store persists completed runs. *db.DB satisfies it; a nil Store skips
// persistence.
type Store interface {
	InsertRun(run db.Run, samples []db.Sample, fits []db.ModelFit) error
}

// Runner orchestrates fidelity sweeps on a backend.
type Runner struct {
	backend   backend.Backend
	store     Store
	opts      fit.Options
	noiseProb float64

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
}

// NewRunner creates a sweep runner. store may be nil to skip persistence.
func NewRunner(b backend.Backend, store Store, opts fit.Options) *Runner {
	return &Runner{
		backend: b,
		store:   store,
		opts:    opts,
		state:   State{Status: StatusIdle},
	}
}

// SetNoiseProb records the backend's depolarizing probability so archived
// runs carry the noise level they were measured under. The runner itself
// never injects noise; this is provenance only.
func (r *Runner) SetNoiseProb(p float64) {
	r.mu.Lock()
	r.noiseProb = p
	r.mu.Unlock()
}

// addWarning appends a warning message to the sweep state.
func (r *Runner) addWarning(msg string) {
	r.mu.Lock()
	r.state.Warnings = append(r.state.Warnings, msg)
	r.mu.Unlock()
}

// GetSweepState returns a copy of the current sweep state.
func (r *Runner) GetSweepState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := r.state
	points := make([]PointResult, len(r.state.Points))
	copy(points, r.state.Points)
	state.Points = points
	if len(r.state.Warnings) > 0 {
		warnings := make([]string, len(r.state.Warnings))
		copy(warnings, r.state.Warnings)
		state.Warnings = warnings
	}
	return state
}

// point is one planned sweep point before measurement.
type point struct {
	x     float64
	pairs int
	gamma float64
}

// Start begins a new sweep run. It returns an error if a sweep is already
// in progress or the request is invalid; the sweep itself runs in a
// background goroutine.
func (r *Runner) Start(ctx context.Context, req Request) error {
	interval := time.Duration(0)
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", req.Interval, err)
		}
		interval = d
	}

	if req.Shots <= 0 {
		req.Shots = 1000
	}
	if req.Repeats <= 0 {
		req.Repeats = 1
	}
	if req.Coupling == 0 {
		req.Coupling = circuit.DefaultCoupling
	}

	points, err := planPoints(req)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state.Status == StatusRunning {
		r.mu.Unlock()
		return ErrBusy
	}

	now := time.Now()
	r.state = State{
		Status:      StatusRunning,
		RunID:       uuid.NewString(),
		StartedAt:   &now,
		TotalPoints: len(points),
		Points:      make([]PointResult, 0, len(points)),
		Request:     &req,
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	go r.run(sweepCtx, req, points, interval)

	return nil
}

// Stop cancels a running sweep.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// planPoints validates the request and expands it to the planned points.
func planPoints(req Request) ([]point, error) {
	switch req.Variable {
	case VariablePairs:
		if len(req.PairsValues) == 0 {
			return nil, fmt.Errorf("pairs sweep needs pairs_values")
		}
		if len(req.PairsValues) > maxPoints {
			return nil, fmt.Errorf("too many points: %d (max %d)", len(req.PairsValues), maxPoints)
		}
		points := make([]point, 0, len(req.PairsValues))
		for _, n := range req.PairsValues {
			if n < 1 || n > circuit.MaxPairs {
				return nil, fmt.Errorf("pairs value %d out of range [1, %d]", n, circuit.MaxPairs)
			}
			points = append(points, point{x: float64(n), pairs: n})
		}
		return points, nil

	case VariableGamma:
		if len(req.GammaValues) == 0 {
			return nil, fmt.Errorf("gamma sweep needs gamma_values")
		}
		if len(req.GammaValues) > maxPoints {
			return nil, fmt.Errorf("too many points: %d (max %d)", len(req.GammaValues), maxPoints)
		}
		if req.Pairs < 1 || req.Pairs > circuit.MaxPairs {
			return nil, fmt.Errorf("gamma sweep needs pairs in [1, %d], got %d", circuit.MaxPairs, req.Pairs)
		}
		points := make([]point, 0, len(req.GammaValues))
		for _, g := range req.GammaValues {
			points = append(points, point{x: g, pairs: req.Pairs, gamma: g})
		}
		return points, nil

	default:
		return nil, fmt.Errorf("unknown sweep variable %q (want %q or %q)", req.Variable, VariablePairs, VariableGamma)
	}
}

// run executes the sweep in a background goroutine.
func (r *Runner) run(ctx context.Context, req Request, points []point, interval time.Duration) {
	for i, p := range points {
		select {
		case <-ctx.Done():
			r.fail(fmt.Sprintf("sweep stopped at point %d/%d: %v", i+1, len(points), ctx.Err()))
			return
		default:
		}

		monitoring.Logf("[sweep] point %d/%d: pairs=%d gamma=%.4f", i+1, len(points), p.pairs, p.gamma)

		result, err := r.measurePoint(ctx, req, p)
		if err != nil {
			r.addWarning(fmt.Sprintf("point %d (x=%g) skipped: %v", i+1, p.x, err))
			continue
		}

		r.mu.Lock()
		r.state.Points = append(r.state.Points, result)
		r.state.CompletedPoints = i + 1
		r.state.Current = &result
		r.mu.Unlock()

		if interval > 0 && i < len(points)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
	}

	r.finish(req)
}

// measurePoint builds and runs the circuit for one point, averaging over
// repeats. Fidelity is derived from the heralded success probability as
// F = 2p - 1 with the binomial error propagated.
func (r *Runner) measurePoint(ctx context.Context, req Request, p point) (PointResult, error) {
	circ, _, err := circuit.Teleportation(p.pairs, p.gamma, req.Coupling)
	if err != nil {
		return PointResult{}, err
	}

	probs := make([]float64, 0, req.Repeats)
	sigmas := make([]float64, 0, req.Repeats)
	merged := make(map[string]int)
	var jobIDs []string

	for rep := 0; rep < req.Repeats; rep++ {
		jobID, err := r.backend.Submit(ctx, circ, req.Shots)
		if err != nil {
			return PointResult{}, fmt.Errorf("submit: %w", err)
		}
		jobIDs = append(jobIDs, jobID)

		res, err := r.backend.Result(ctx, jobID)
		if err != nil {
			return PointResult{}, fmt.Errorf("result for job %s: %w", jobID, err)
		}

		total := 0
		for key, n := range res.Counts {
			merged[key] += n
			total += n
		}
		if total == 0 {
			return PointResult{}, fmt.Errorf("job %s returned no counts", jobID)
		}

		prob := float64(res.Counts["0"]) / float64(total)
		probs = append(probs, prob)
		sigmas = append(sigmas, binomialSigma(prob, total))
	}

	prob := stat.Mean(probs, nil)
	sigma := combinedSigma(sigmas)

	return PointResult{
		X:           p.x,
		Pairs:       p.pairs,
		Gamma:       p.gamma,
		Shots:       req.Shots,
		SuccessProb: prob,
		Fidelity:    2*prob - 1,
		Sigma:       2 * sigma,
		Counts:      merged,
		JobIDs:      jobIDs,
	}, nil
}

// binomialSigma is the standard error of a success probability estimated
// from n shots. A zero-variance outcome gets the 1/n floor so weighted
// fits stay finite.
func binomialSigma(p float64, n int) float64 {
	v := p * (1 - p) / float64(n)
	if v <= 0 {
		v = 1 / (float64(n) * float64(n))
	}
	return math.Sqrt(v)
}

// combinedSigma propagates per-repeat errors through the mean.
func combinedSigma(sigmas []float64) float64 {
	sum := 0.0
	for _, s := range sigmas {
		sum += s * s
	}
	return math.Sqrt(sum) / float64(len(sigmas))
}

// finish classifies the collected points and persists the run.
func (r *Runner) finish(req Request) {
	r.mu.RLock()
	points := make([]PointResult, len(r.state.Points))
	copy(points, r.state.Points)
	runID := r.state.RunID
	r.mu.RUnlock()

	samples := make([]fit.Sample, len(points))
	for i, p := range points {
		samples[i] = fit.Sample{X: p.X, Y: p.Fidelity, Sigma: p.Sigma}
	}

	classification, err := fit.FitAndClassify(samples, r.opts)
	if err != nil {
		r.fail(fmt.Sprintf("classification failed: %v", err))
		return
	}

	if r.store != nil {
		if err := r.persist(runID, req, points, classification); err != nil {
			monitoring.Logf("[sweep] WARNING: failed to persist run %s: %v", runID, err)
			r.addWarning(fmt.Sprintf("persistence failed: %v", err))
		}
	}

	r.mu.Lock()
	r.state.Status = StatusComplete
	r.state.Classification = classification
	now := time.Now()
	r.state.CompletedAt = &now
	r.mu.Unlock()
	monitoring.Logf("[sweep] complete: %d points, verdict %s", len(points), classification.Verdict)
}

func (r *Runner) fail(msg string) {
	r.mu.Lock()
	r.state.Status = StatusError
	r.state.Error = msg
	now := time.Now()
	r.state.CompletedAt = &now
	r.mu.Unlock()
	monitoring.Logf("[sweep] ERROR: %s", msg)
}

// persist converts the run into storage rows and inserts them in one
// transaction.
func (r *Runner) persist(runID string, req Request, points []PointResult, c *fit.Classification) error {
	r.mu.RLock()
	noiseProb := r.noiseProb
	r.mu.RUnlock()

	notes := ""
	if len(c.Notes) > 0 {
		encoded, err := json.Marshal(c.Notes)
		if err == nil {
			notes = string(encoded)
		}
	}

	run := db.Run{
		ID:            runID,
		Label:         req.Label,
		Variable:      req.Variable,
		Backend:       r.backend.Name(),
		Shots:         req.Shots,
		Repeats:       req.Repeats,
		Coupling:      req.Coupling,
		NoiseProb:     noiseProb,
		Verdict:       string(c.Verdict),
		BestModel:     string(c.Best),
		LowConfidence: c.LowConfidence,
		Notes:         notes,
	}

	samples := make([]db.Sample, len(points))
	for i, p := range points {
		samples[i] = db.Sample{
			RunID:       runID,
			Idx:         i,
			X:           p.X,
			Pairs:       p.Pairs,
			Gamma:       p.Gamma,
			Shots:       p.Shots,
			SuccessProb: p.SuccessProb,
			Fidelity:    p.Fidelity,
			Sigma:       p.Sigma,
			Counts:      countsJSON(p.Counts),
		}
	}

	fits := make([]db.ModelFit, 0, len(c.Fits))
	for i := range c.Fits {
		f := &c.Fits[i]
		fits = append(fits, db.ModelFit{
			RunID:            runID,
			Model:            string(f.Kind),
			Converged:        f.Converged,
			Params:           paramsJSON(f),
			ChiSquare:        f.ChiSquare,
			ReducedChiSquare: f.ReducedChiSquare,
			RMSE:             f.RMSE,
			AIC:              f.AIC,
			AICc:             f.AICc,
			DOF:              f.DOF,
			Message:          f.Message,
		})
	}

	return r.store.InsertRun(run, samples, fits)
}

// countsJSON encodes the merged bitstring histogram for storage.
func countsJSON(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	encoded, err := json.Marshal(counts)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// paramsJSON encodes the fitted parameters of one model as a JSON object
// keyed by parameter name.
func paramsJSON(f *fit.FitResult) string {
	var params interface{}
	switch {
	case f.Sigmoid != nil:
		params = f.Sigmoid
	case f.Exponential != nil:
		params = f.Exponential
	case f.Linear != nil:
		params = f.Linear
	default:
		return ""
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(encoded)
}
