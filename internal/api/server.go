// Package api exposes the sweep runner, the run archive and the
// classifier over HTTP.
package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/qlab-data/fidelity.report/internal/db"
	"github.com/qlab-data/fidelity.report/internal/fit"
	"github.com/qlab-data/fidelity.report/internal/monitoring"
	"github.com/qlab-data/fidelity.report/internal/report"
	"github.com/qlab-data/fidelity.report/internal/sweep"
	"github.com/qlab-data/fidelity.report/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	runner   *sweep.Runner
	db       *db.DB
	reporter *report.Reporter
	backend  string
}

// NewServer wires the HTTP surface. db and reporter may be nil in
// reduced deployments; the corresponding endpoints then return 404.
func NewServer(runner *sweep.Runner, database *db.DB, reporter *report.Reporter, backendName string) *Server {
	return &Server{
		runner:   runner,
		db:       database,
		reporter: reporter,
		backend:  backendName,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sweep", s.startSweep)
	mux.HandleFunc("GET /api/sweep", s.sweepStatus)
	mux.HandleFunc("DELETE /api/sweep", s.stopSweep)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)
	mux.HandleFunc("GET /api/runs/{id}/chart", s.runChart)
	mux.HandleFunc("POST /api/classify", s.classify)
	mux.HandleFunc("GET /api/health", s.health)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("[api] failed to write response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) startSweep(w http.ResponseWriter, r *http.Request) {
	var req sweep.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := s.runner.Start(r.Context(), req); err != nil {
		if errors.Is(err, sweep.ErrBusy) {
			s.writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, s.runner.GetSweepState())
}

func (s *Server) sweepStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runner.GetSweepState())
}

func (s *Server) stopSweep(w http.ResponseWriter, r *http.Request) {
	s.runner.Stop()
	s.writeJSON(w, http.StatusAccepted, s.runner.GetSweepState())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "no run archive configured")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	runs, err := s.db.ListRuns(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}

	s.writeJSON(w, http.StatusOK, runs)
}

// runDetail is the full archived view of one run.
type runDetail struct {
	Run     db.Run        `json:"run"`
	Samples []db.Sample   `json:"samples"`
	Fits    []db.ModelFit `json:"fits"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "no run archive configured")
		return
	}

	run, samples, fits, err := s.db.GetRun(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		s.writeJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load run: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, runDetail{Run: *run, Samples: samples, Fits: fits})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "no run archive configured")
		return
	}

	err := s.db.DeleteRun(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		s.writeJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to delete run: %v", err))
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": r.PathValue("id")})
}

func (s *Server) runChart(w http.ResponseWriter, r *http.Request) {
	if s.db == nil || s.reporter == nil {
		s.writeJSONError(w, http.StatusNotFound, "no run archive configured")
		return
	}

	run, samples, fits, err := s.db.GetRun(r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		s.writeJSONError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load run: %v", err))
		return
	}

	state := stateFromArchive(run, samples, fits)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.reporter.RenderChart(w, state); err != nil {
		monitoring.Logf("[api] failed to render chart for run %s: %v", run.ID, err)
	}
}

// stateFromArchive rebuilds enough sweep state from stored rows to render
// a chart: measured points, verdict and the fitted curves.
func stateFromArchive(run *db.Run, samples []db.Sample, fits []db.ModelFit) sweep.State {
	points := make([]sweep.PointResult, len(samples))
	for i, s := range samples {
		points[i] = sweep.PointResult{
			X:           s.X,
			Pairs:       s.Pairs,
			Gamma:       s.Gamma,
			Shots:       s.Shots,
			SuccessProb: s.SuccessProb,
			Fidelity:    s.Fidelity,
			Sigma:       s.Sigma,
		}
		if s.Counts != "" {
			var counts map[string]int
			if json.Unmarshal([]byte(s.Counts), &counts) == nil {
				points[i].Counts = counts
			}
		}
	}

	c := &fit.Classification{
		Verdict:       fit.Verdict(run.Verdict),
		Best:          fit.ModelKind(run.BestModel),
		LowConfidence: run.LowConfidence,
	}
	for _, f := range fits {
		result := fit.FitResult{
			Kind:             fit.ModelKind(f.Model),
			Converged:        f.Converged,
			ChiSquare:        f.ChiSquare,
			ReducedChiSquare: f.ReducedChiSquare,
			RMSE:             f.RMSE,
			AIC:              f.AIC,
			AICc:             f.AICc,
			DOF:              f.DOF,
			Message:          f.Message,
		}
		if f.Params != "" {
			switch result.Kind {
			case fit.ModelSigmoid:
				var p fit.SigmoidParams
				if json.Unmarshal([]byte(f.Params), &p) == nil {
					result.Sigmoid = &p
				}
			case fit.ModelExponential:
				var p fit.ExponentialParams
				if json.Unmarshal([]byte(f.Params), &p) == nil {
					result.Exponential = &p
				}
			case fit.ModelLinear:
				var p fit.LinearParams
				if json.Unmarshal([]byte(f.Params), &p) == nil {
					result.Linear = &p
				}
			}
		}
		c.Fits = append(c.Fits, result)
	}

	return sweep.State{
		Status:         sweep.StatusComplete,
		RunID:          run.ID,
		Points:         points,
		Classification: c,
		Request:        &sweep.Request{Variable: run.Variable, Label: run.Label},
	}
}

// classifyRequest is the body of POST /api/classify: raw samples and
// optional threshold overrides.
type classifyRequest struct {
	Samples []fit.Sample `json:"samples"`
	Options *fit.Options `json:"options,omitempty"`
}

func (s *Server) classify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	opts := fit.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}

	classification, err := fit.FitAndClassify(req.Samples, opts)
	switch {
	case errors.Is(err, fit.ErrInsufficientData),
		errors.Is(err, fit.ErrDegenerateInput),
		errors.Is(err, fit.ErrAllFitsFailed):
		s.writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, classification)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"backend": s.backend,
		"sweep":   string(s.runner.GetSweepState().Status),
	})
}
