// Package db persists sweep runs, their measured samples and the fitted
// models in a local sqlite database.
package db

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the sqlite database at path and bootstraps the
// schema. The bootstrap matches migration 000001 so fresh databases work
// without running the migration tooling.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sweep_runs (
			run_id            TEXT PRIMARY KEY,
			label             TEXT,
			variable          TEXT NOT NULL,
			backend           TEXT NOT NULL,
			shots             BIGINT NOT NULL,
			repeats           BIGINT NOT NULL,
			coupling          DOUBLE,
			noise_prob        DOUBLE,
			verdict           TEXT,
			best_model        TEXT,
			low_confidence    INTEGER NOT NULL DEFAULT 0,
			notes             TEXT,
			created_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS sweep_samples (
			run_id            TEXT NOT NULL,
			idx               BIGINT NOT NULL,
			x                 DOUBLE NOT NULL,
			pairs             BIGINT,
			gamma             DOUBLE,
			shots             BIGINT,
			success_prob      DOUBLE,
			fidelity          DOUBLE NOT NULL,
			sigma             DOUBLE,
			counts            TEXT,
			PRIMARY KEY(run_id, idx),
			FOREIGN KEY(run_id) REFERENCES sweep_runs(run_id)
		);
		CREATE TABLE IF NOT EXISTS fit_results (
			run_id            TEXT NOT NULL,
			model             TEXT NOT NULL,
			converged         INTEGER NOT NULL,
			params            TEXT,
			chi_square        DOUBLE,
			reduced_chi       DOUBLE,
			rmse              DOUBLE,
			aic               DOUBLE,
			aicc              DOUBLE,
			dof               BIGINT,
			message           TEXT,
			PRIMARY KEY(run_id, model),
			FOREIGN KEY(run_id) REFERENCES sweep_runs(run_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Run is a completed (or failed) sweep with its classification summary.
type Run struct {
	ID            string    `json:"run_id"`
	Label         string    `json:"label,omitempty"`
	Variable      string    `json:"variable"`
	Backend       string    `json:"backend"`
	Shots         int       `json:"shots"`
	Repeats       int       `json:"repeats"`
	Coupling      float64   `json:"coupling"`
	NoiseProb     float64   `json:"noise_prob"`
	Verdict       string    `json:"verdict,omitempty"`
	BestModel     string    `json:"best_model,omitempty"`
	LowConfidence bool      `json:"low_confidence"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Sample is one measured sweep point. Counts holds the merged bitstring
// histogram as a JSON object; fidelity is derived from SuccessProb but the
// raw counts are not recoverable from it, so both are stored.
type Sample struct {
	RunID       string  `json:"run_id"`
	Idx         int     `json:"idx"`
	X           float64 `json:"x"`
	Pairs       int     `json:"pairs"`
	Gamma       float64 `json:"gamma"`
	Shots       int     `json:"shots"`
	SuccessProb float64 `json:"success_prob"`
	Fidelity    float64 `json:"fidelity"`
	Sigma       float64 `json:"sigma"`
	Counts      string  `json:"counts,omitempty"`
}

// ModelFit is the stored outcome of one candidate model against a run.
// Params holds the fitted parameters as a JSON object keyed by name.
type ModelFit struct {
	RunID            string  `json:"run_id"`
	Model            string  `json:"model"`
	Converged        bool    `json:"converged"`
	Params           string  `json:"params,omitempty"`
	ChiSquare        float64 `json:"chi_square"`
	ReducedChiSquare float64 `json:"reduced_chi"`
	RMSE             float64 `json:"rmse"`
	AIC              float64 `json:"aic"`
	AICc             float64 `json:"aicc"`
	DOF              int     `json:"dof"`
	Message          string  `json:"message,omitempty"`
}

// InsertRun records a run with its samples and fits in one transaction.
func (db *DB) InsertRun(run Run, samples []Sample, fits []ModelFit) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO sweep_runs (
			run_id, label, variable, backend, shots, repeats, coupling,
			noise_prob, verdict, best_model, low_confidence, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Label, run.Variable, run.Backend, run.Shots, run.Repeats,
		run.Coupling, run.NoiseProb, run.Verdict, run.BestModel,
		boolToInt(run.LowConfidence), run.Notes,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, s := range samples {
		_, err = tx.Exec(
			`INSERT INTO sweep_samples (run_id, idx, x, pairs, gamma, shots,
			 success_prob, fidelity, sigma, counts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, s.Idx, s.X, s.Pairs, s.Gamma, s.Shots,
			s.SuccessProb, s.Fidelity, s.Sigma, s.Counts,
		)
		if err != nil {
			return fmt.Errorf("insert sample %d: %w", s.Idx, err)
		}
	}

	for _, f := range fits {
		_, err = tx.Exec(
			`INSERT INTO fit_results (run_id, model, converged, params, chi_square,
			 reduced_chi, rmse, aic, aicc, dof, message)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, f.Model, boolToInt(f.Converged), f.Params,
			finite(f.ChiSquare), finite(f.ReducedChiSquare), finite(f.RMSE),
			finite(f.AIC), finite(f.AICc), f.DOF, f.Message,
		)
		if err != nil {
			return fmt.Errorf("insert fit %s: %w", f.Model, err)
		}
	}

	return tx.Commit()
}

// GetRun loads a run with its samples and fits. Returns sql.ErrNoRows when
// the run does not exist.
func (db *DB) GetRun(id string) (*Run, []Sample, []ModelFit, error) {
	var run Run
	var lowConf int
	err := db.QueryRow(
		`SELECT run_id, label, variable, backend, shots, repeats, coupling,
		 noise_prob, verdict, best_model, low_confidence, notes, created_at
		 FROM sweep_runs WHERE run_id = ?`, id,
	).Scan(&run.ID, &run.Label, &run.Variable, &run.Backend, &run.Shots,
		&run.Repeats, &run.Coupling, &run.NoiseProb, &run.Verdict,
		&run.BestModel, &lowConf, &run.Notes, &run.CreatedAt)
	if err != nil {
		return nil, nil, nil, err
	}
	run.LowConfidence = lowConf != 0

	samples, err := db.runSamples(id)
	if err != nil {
		return nil, nil, nil, err
	}
	fits, err := db.runFits(id)
	if err != nil {
		return nil, nil, nil, err
	}

	return &run, samples, fits, nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT run_id, label, variable, backend, shots, repeats, coupling,
		 noise_prob, verdict, best_model, low_confidence, notes, created_at
		 FROM sweep_runs ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var lowConf int
		if err := rows.Scan(&run.ID, &run.Label, &run.Variable, &run.Backend,
			&run.Shots, &run.Repeats, &run.Coupling, &run.NoiseProb,
			&run.Verdict, &run.BestModel, &lowConf, &run.Notes,
			&run.CreatedAt); err != nil {
			return nil, err
		}
		run.LowConfidence = lowConf != 0
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// DeleteRun removes a run and its dependent rows. Deleting a missing run
// returns sql.ErrNoRows.
func (db *DB) DeleteRun(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM fit_results WHERE run_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sweep_samples WHERE run_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM sweep_runs WHERE run_id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return tx.Commit()
}

func (db *DB) runSamples(id string) ([]Sample, error) {
	rows, err := db.Query(
		`SELECT run_id, idx, x, pairs, gamma, shots, success_prob, fidelity, sigma, counts
		 FROM sweep_samples WHERE run_id = ? ORDER BY idx`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var s Sample
		if err := rows.Scan(&s.RunID, &s.Idx, &s.X, &s.Pairs, &s.Gamma,
			&s.Shots, &s.SuccessProb, &s.Fidelity, &s.Sigma, &s.Counts); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (db *DB) runFits(id string) ([]ModelFit, error) {
	rows, err := db.Query(
		`SELECT run_id, model, converged, params, chi_square, reduced_chi,
		 rmse, aic, aicc, dof, message
		 FROM fit_results WHERE run_id = ? ORDER BY model`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fits []ModelFit
	for rows.Next() {
		var f ModelFit
		var converged int
		var chi, reduced, rmse, aic, aicc sql.NullFloat64
		if err := rows.Scan(&f.RunID, &f.Model, &converged, &f.Params,
			&chi, &reduced, &rmse, &aic, &aicc,
			&f.DOF, &f.Message); err != nil {
			return nil, err
		}
		f.Converged = converged != 0
		f.ChiSquare = fromNull(chi)
		f.ReducedChiSquare = fromNull(reduced)
		f.RMSE = fromNull(rmse)
		f.AIC = fromNull(aic)
		f.AICc = fromNull(aicc)
		fits = append(fits, f)
	}
	return fits, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// finite maps non-finite statistics to NULL for storage. A saturated fit
// has AICc = +Inf, which sqlite cannot hold as a REAL reliably.
func finite(v float64) interface{} {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return v
}

// fromNull reads a stored statistic back, mapping NULL to +Inf.
func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.Inf(1)
	}
	return v.Float64
}
