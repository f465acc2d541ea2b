package pasqal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qlab-data/fidelity.report/internal/backend"
	"github.com/qlab-data/fidelity.report/internal/circuit"
)

func testPolicy() backend.RetryPolicy {
	return backend.RetryPolicy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		PollInterval:   time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestBatchRoundTrip(t *testing.T) {
	var gotReq batchRequest
	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/batches", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(batchResponse{ID: "batch-1", Status: "PENDING"})
	})
	mux.HandleFunc("GET /api/v1/batches/batch-1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "RUNNING"
		if polls > 1 {
			status = "DONE"
		}
		json.NewEncoder(w).Encode(batchResponse{ID: "batch-1", Status: status})
	})
	mux.HandleFunc("GET /api/v1/batches/batch-1/results", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"job_id":"j1","counter":{"0":180,"1":20}}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithBase(srv.URL, "tok", "proj-7", DeviceEmuTN, testPolicy())
	if client.Name() != "pasqal.emu_tn" {
		t.Errorf("Name() = %q", client.Name())
	}

	c, _, err := circuit.Teleportation(1, 0.2, 0)
	if err != nil {
		t.Fatal(err)
	}
	id, err := client.Submit(context.Background(), c, 200)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if gotReq.ProjectID != "proj-7" || gotReq.Device != DeviceEmuTN {
		t.Errorf("request routing fields wrong: %+v", gotReq)
	}
	if len(gotReq.Jobs) != 1 || gotReq.Jobs[0].Runs != 200 {
		t.Errorf("jobs = %+v, want one job with 200 runs", gotReq.Jobs)
	}

	res, err := client.Result(context.Background(), id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.Counts["0"] != 180 || res.Counts["1"] != 20 {
		t.Errorf("counts = %v", res.Counts)
	}
}

func TestEmptyResultsRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/batches", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(batchResponse{ID: "batch-2", Status: "PENDING"})
	})
	mux.HandleFunc("GET /api/v1/batches/batch-2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(batchResponse{ID: "batch-2", Status: "DONE"})
	})
	mux.HandleFunc("GET /api/v1/batches/batch-2/results", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithBase(srv.URL, "tok", "p", DeviceEmuMPS, testPolicy())
	c := circuit.New("x", 1)
	c.X(0).Measure(0)
	id, err := client.Submit(context.Background(), c, 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Result(context.Background(), id); err == nil {
		t.Error("empty result set accepted")
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Setenv(EnvEndpoint, "")
	t.Setenv(EnvProjectID, "")
	t.Setenv(EnvToken, "")
	if _, err := New(DeviceEmuTN, testPolicy()); err == nil {
		t.Error("missing credentials accepted")
	}
}
