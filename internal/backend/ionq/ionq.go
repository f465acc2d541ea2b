// Package ionq submits circuits to an IonQ target behind an Azure Quantum
// style REST workspace: POST the gate list, poll job status, fetch the
// probability histogram. Swap gates are lowered to their three-CX
// decomposition because the wire format has no native swap.
package ionq

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/qlab-data/fidelity.report/internal/backend"
	"github.com/qlab-data/fidelity.report/internal/circuit"
)

// Environment variables carrying the workspace credentials. A .env file in
// the working directory is honored at process startup.
const (
	EnvWorkspaceURL = "AZQ_WORKSPACE_URL"
	EnvAccessKey    = "AZQ_ACCESS_KEY"
)

// Targets offered by the provider.
const (
	TargetSimulator = "ionq.simulator"
	TargetQPU       = "ionq.qpu.forte-1"
)

// Client talks to one IonQ target.
type Client struct {
	http   *backend.HTTPClient
	target string

	// Per-job bookkeeping: the results endpoint reports probabilities over
	// the full register, so reconstructing counts for the measured qubits
	// needs the shot count and measurement list from submission time.
	jobs map[string]jobMeta
}

type jobMeta struct {
	shots    int
	measured []int
}

// New builds a client for the given target, reading credentials from the
// environment.
func New(target string, policy backend.RetryPolicy) (*Client, error) {
	baseURL := os.Getenv(EnvWorkspaceURL)
	key := os.Getenv(EnvAccessKey)
	if baseURL == "" || key == "" {
		return nil, fmt.Errorf("ionq: %s and %s must be set", EnvWorkspaceURL, EnvAccessKey)
	}
	return NewWithBase(baseURL, key, target, policy), nil
}

// NewWithBase builds a client against an explicit service root. Tests use
// this to point at a local fake.
func NewWithBase(baseURL, accessKey, target string, policy backend.RetryPolicy) *Client {
	header := http.Header{}
	header.Set("Authorization", "apiKey "+accessKey)
	return &Client{
		http:   backend.NewHTTPClient(strings.TrimRight(baseURL, "/"), header, policy),
		target: target,
		jobs:   make(map[string]jobMeta),
	}
}

// Name implements backend.Backend.
func (c *Client) Name() string { return c.target }

type wireGate struct {
	Gate     string  `json:"gate"`
	Target   int     `json:"target"`
	Control  *int    `json:"control,omitempty"`
	Rotation float64 `json:"rotation,omitempty"`
}

type submitRequest struct {
	Name   string `json:"name"`
	Target string `json:"target"`
	Shots  int    `json:"shots"`
	Input  struct {
		Format  string     `json:"format"`
		Qubits  int        `json:"qubits"`
		Circuit []wireGate `json:"circuit"`
	} `json:"input"`
}

type jobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type resultsResponse struct {
	Histogram map[string]float64 `json:"histogram"`
}

// lower converts the circuit to the wire gate list.
func lower(c *circuit.Circuit) ([]wireGate, error) {
	out := make([]wireGate, 0, len(c.Gates))
	cnot := func(control, target int) {
		ctl := control
		out = append(out, wireGate{Gate: "x", Target: target, Control: &ctl})
	}
	for _, g := range c.Gates {
		switch g.Name {
		case circuit.GateH, circuit.GateX:
			out = append(out, wireGate{Gate: g.Name, Target: g.Target})
		case circuit.GateRX, circuit.GateRY, circuit.GateRZ:
			out = append(out, wireGate{Gate: g.Name, Target: g.Target, Rotation: g.Angle})
		case circuit.GateCX:
			cnot(g.Control, g.Target)
		case circuit.GateSwap:
			cnot(g.Target, g.Target2)
			cnot(g.Target2, g.Target)
			cnot(g.Target, g.Target2)
		default:
			return nil, fmt.Errorf("gate %q has no ionq encoding", g.Name)
		}
	}
	return out, nil
}

// Submit implements backend.Backend.
func (c *Client) Submit(ctx context.Context, circ *circuit.Circuit, shots int) (string, error) {
	if err := circ.Validate(); err != nil {
		return "", fmt.Errorf("ionq: %w", err)
	}
	gates, err := lower(circ)
	if err != nil {
		return "", fmt.Errorf("ionq: %w", err)
	}

	req := submitRequest{Name: circ.Name, Target: c.target, Shots: shots}
	req.Input.Format = "ionq.circuit.v1"
	req.Input.Qubits = circ.Qubits
	req.Input.Circuit = gates

	var resp jobResponse
	if err := c.http.DoJSON(ctx, http.MethodPost, "/v1/jobs", req, &resp); err != nil {
		return "", fmt.Errorf("ionq submit: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("ionq submit: empty job id")
	}
	c.jobs[resp.ID] = jobMeta{shots: shots, measured: append([]int(nil), circ.Measured...)}
	return resp.ID, nil
}

func mapStatus(s string) backend.JobStatus {
	switch strings.ToLower(s) {
	case "waiting", "queued":
		return backend.StatusWaiting
	case "running", "executing":
		return backend.StatusExecuting
	case "succeeded", "completed":
		return backend.StatusSucceeded
	case "cancelled", "canceled":
		return backend.StatusCancelled
	default:
		return backend.StatusFailed
	}
}

// Result implements backend.Backend: poll until terminal, then fetch the
// histogram and reconstruct counts for the circuit's measured qubits.
func (c *Client) Result(ctx context.Context, jobID string) (*backend.JobResult, error) {
	var lastErr string
	status, err := backend.PollUntilTerminal(ctx, c.http.Policy, func(ctx context.Context) (backend.JobStatus, error) {
		var resp jobResponse
		if err := c.http.DoJSON(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &resp); err != nil {
			return "", fmt.Errorf("ionq poll: %w", err)
		}
		lastErr = resp.Error
		return mapStatus(resp.Status), nil
	})
	if err != nil {
		return nil, err
	}

	meta := c.jobs[jobID]
	result := &backend.JobResult{JobID: jobID, Status: status, Shots: meta.shots}
	if status != backend.StatusSucceeded {
		result.Error = lastErr
		return result, fmt.Errorf("%w: job %s ended %s: %s", backend.ErrJobFailed, jobID, status, lastErr)
	}

	var resp resultsResponse
	if err := c.http.DoJSON(ctx, http.MethodGet, "/v1/jobs/"+jobID+"/results", nil, &resp); err != nil {
		return nil, fmt.Errorf("ionq results: %w", err)
	}

	result.Counts = make(map[string]int)
	for key, prob := range resp.Histogram {
		// Histogram keys are decimal basis-state indices over the full
		// register; fold them down to the measured qubits.
		idx, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ionq results: bad histogram key %q", key)
		}
		result.Counts[marginalKey(idx, meta.measured)] += int(math.Round(prob * float64(meta.shots)))
	}
	return result, nil
}

func marginalKey(idx uint64, measured []int) string {
	if len(measured) == 0 {
		return strconv.FormatUint(idx, 2)
	}
	b := make([]byte, len(measured))
	for i, q := range measured {
		if idx&(1<<uint(q)) != 0 {
			b[i] = '1'
		} else {
			b[i] = '0'
		}
	}
	return string(b)
}
