package db

import (
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func sampleRun() (Run, []Sample, []ModelFit) {
	run := Run{
		ID:        uuid.NewString(),
		Label:     "pairs sweep",
		Variable:  "pairs",
		Backend:   "local",
		Shots:     1000,
		Repeats:   2,
		Coupling:  0.785,
		NoiseProb: 0.01,
		Verdict:   "sharp_transition",
		BestModel: "sigmoid",
	}
	samples := []Sample{
		{RunID: run.ID, Idx: 0, X: 1, Pairs: 1, Shots: 1000, SuccessProb: 0.99, Fidelity: 0.98, Sigma: 0.01, Counts: `{"0":990,"1":10}`},
		{RunID: run.ID, Idx: 1, X: 2, Pairs: 2, Shots: 1000, SuccessProb: 0.925, Fidelity: 0.85, Sigma: 0.02, Counts: `{"0":925,"1":75}`},
		{RunID: run.ID, Idx: 2, X: 3, Pairs: 3, Shots: 1000, SuccessProb: 0.60, Fidelity: 0.20, Sigma: 0.02, Counts: `{"0":600,"1":400}`},
		{RunID: run.ID, Idx: 3, X: 4, Pairs: 4, Shots: 1000, SuccessProb: 0.51, Fidelity: 0.02, Sigma: 0.01, Counts: `{"0":510,"1":490}`},
	}
	fits := []ModelFit{
		{RunID: run.ID, Model: "sigmoid", Converged: true, Params: `{"floor":0.02,"ceiling":0.98}`, ChiSquare: 0.5, RMSE: 0.01, AIC: -40, AICc: math.Inf(1), DOF: 0},
		{RunID: run.ID, Model: "exponential", Converged: true, ChiSquare: 3.2, RMSE: 0.08, AIC: -20, AICc: -10, DOF: 1},
		{RunID: run.ID, Model: "linear", Converged: false, Message: "optimizer diverged"},
	}
	return run, samples, fits
}

func TestInsertAndGetRun(t *testing.T) {
	database := testDB(t)
	run, samples, fits := sampleRun()

	if err := database.InsertRun(run, samples, fits); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}

	got, gotSamples, gotFits, err := database.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Verdict != "sharp_transition" || got.BestModel != "sigmoid" {
		t.Errorf("run summary = %q/%q", got.Verdict, got.BestModel)
	}
	if got.NoiseProb != 0.01 {
		t.Errorf("noise prob = %v, want 0.01", got.NoiseProb)
	}
	if len(gotSamples) != 4 {
		t.Fatalf("got %d samples, want 4", len(gotSamples))
	}
	if gotSamples[0].Fidelity != 0.98 || gotSamples[3].X != 4 {
		t.Errorf("samples not round-tripped: %+v", gotSamples)
	}
	if gotSamples[0].SuccessProb != 0.99 || gotSamples[2].SuccessProb != 0.60 {
		t.Errorf("success probabilities lost: %+v", gotSamples)
	}
	if gotSamples[1].Counts != `{"0":925,"1":75}` {
		t.Errorf("raw counts lost: %q", gotSamples[1].Counts)
	}
	if len(gotFits) != 3 {
		t.Fatalf("got %d fits, want 3", len(gotFits))
	}
	for _, f := range gotFits {
		switch f.Model {
		case "sigmoid":
			if !math.IsInf(f.AICc, 1) {
				t.Errorf("saturated AICc = %v, want +Inf", f.AICc)
			}
			if f.Params == "" {
				t.Error("params lost")
			}
		case "linear":
			if f.Converged {
				t.Error("failed fit stored as converged")
			}
			if f.Message != "optimizer diverged" {
				t.Errorf("message = %q", f.Message)
			}
		}
	}
}

func TestGetRunMissing(t *testing.T) {
	database := testDB(t)
	if _, _, _, err := database.GetRun("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	database := testDB(t)

	for i := 0; i < 3; i++ {
		run, samples, fits := sampleRun()
		if err := database.InsertRun(run, samples, fits); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := database.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want the limit of 2", len(runs))
	}
}

func TestDeleteRun(t *testing.T) {
	database := testDB(t)
	run, samples, fits := sampleRun()
	if err := database.InsertRun(run, samples, fits); err != nil {
		t.Fatal(err)
	}

	if err := database.DeleteRun(run.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, _, _, err := database.GetRun(run.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("deleted run still readable: %v", err)
	}
	if err := database.DeleteRun(run.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("double delete err = %v, want sql.ErrNoRows", err)
	}
}

func TestInsertRunRejectsDuplicateID(t *testing.T) {
	database := testDB(t)
	run, samples, fits := sampleRun()
	if err := database.InsertRun(run, samples, fits); err != nil {
		t.Fatal(err)
	}
	if err := database.InsertRun(run, nil, nil); err == nil {
		t.Error("duplicate run id accepted")
	}
}
