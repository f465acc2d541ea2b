// Package pasqal submits jobs to a Pasqal emulator endpoint. The device is
// analog, so the circuit is shipped as the serialized sequence payload the
// emulator accepts; results come back as bitstring counts directly.
package pasqal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/qlab-data/fidelity.report/internal/backend"
	"github.com/qlab-data/fidelity.report/internal/circuit"
)

// Environment variables carrying the project credentials.
const (
	EnvEndpoint  = "PASQAL_ENDPOINT"
	EnvProjectID = "PASQAL_PROJECT_ID"
	EnvToken     = "PASQAL_TOKEN"
)

// Devices offered by the provider.
const (
	DeviceEmuTN   = "EMU_TN"
	DeviceEmuMPS  = "EMU_MPS"
	DeviceFresnel = "FRESNEL"
)

// Client talks to one Pasqal device through the batch API.
type Client struct {
	http    *backend.HTTPClient
	device  string
	project string
	shots   map[string]int
}

// New builds a client for the given device, reading credentials from the
// environment.
func New(device string, policy backend.RetryPolicy) (*Client, error) {
	endpoint := os.Getenv(EnvEndpoint)
	project := os.Getenv(EnvProjectID)
	token := os.Getenv(EnvToken)
	if endpoint == "" || project == "" || token == "" {
		return nil, fmt.Errorf("pasqal: %s, %s and %s must be set", EnvEndpoint, EnvProjectID, EnvToken)
	}
	return NewWithBase(endpoint, token, project, device, policy), nil
}

// NewWithBase builds a client against an explicit service root; tests point
// this at a local fake.
func NewWithBase(baseURL, token, project, device string, policy backend.RetryPolicy) *Client {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return &Client{
		http:    backend.NewHTTPClient(strings.TrimRight(baseURL, "/"), header, policy),
		device:  device,
		project: project,
		shots:   make(map[string]int),
	}
}

// Name implements backend.Backend.
func (c *Client) Name() string { return "pasqal." + strings.ToLower(c.device) }

type batchRequest struct {
	ProjectID string           `json:"project_id"`
	Device    string           `json:"device_type"`
	Sequence  *circuit.Circuit `json:"sequence"`
	Jobs      []batchJob       `json:"jobs"`
}

type batchJob struct {
	Runs int `json:"runs"`
}

type batchResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type batchResults struct {
	Results []struct {
		JobID  string         `json:"job_id"`
		Counts map[string]int `json:"counter"`
	} `json:"results"`
}

// Submit implements backend.Backend.
func (c *Client) Submit(ctx context.Context, circ *circuit.Circuit, shots int) (string, error) {
	if err := circ.Validate(); err != nil {
		return "", fmt.Errorf("pasqal: %w", err)
	}

	req := batchRequest{
		ProjectID: c.project,
		Device:    c.device,
		Sequence:  circ,
		Jobs:      []batchJob{{Runs: shots}},
	}
	var resp batchResponse
	if err := c.http.DoJSON(ctx, http.MethodPost, "/api/v1/batches", req, &resp); err != nil {
		return "", fmt.Errorf("pasqal submit: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("pasqal submit: empty batch id")
	}
	c.shots[resp.ID] = shots
	return resp.ID, nil
}

func mapStatus(s string) backend.JobStatus {
	switch strings.ToUpper(s) {
	case "PENDING":
		return backend.StatusWaiting
	case "RUNNING":
		return backend.StatusExecuting
	case "DONE":
		return backend.StatusSucceeded
	case "CANCELED", "CANCELLED":
		return backend.StatusCancelled
	default:
		return backend.StatusFailed
	}
}

// Result implements backend.Backend.
func (c *Client) Result(ctx context.Context, batchID string) (*backend.JobResult, error) {
	var lastErr string
	status, err := backend.PollUntilTerminal(ctx, c.http.Policy, func(ctx context.Context) (backend.JobStatus, error) {
		var resp batchResponse
		if err := c.http.DoJSON(ctx, http.MethodGet, "/api/v1/batches/"+batchID, nil, &resp); err != nil {
			return "", fmt.Errorf("pasqal poll: %w", err)
		}
		lastErr = resp.Error
		return mapStatus(resp.Status), nil
	})
	if err != nil {
		return nil, err
	}

	result := &backend.JobResult{JobID: batchID, Status: status, Shots: c.shots[batchID]}
	if status != backend.StatusSucceeded {
		result.Error = lastErr
		return result, fmt.Errorf("%w: batch %s ended %s: %s", backend.ErrJobFailed, batchID, status, lastErr)
	}

	var resp batchResults
	if err := c.http.DoJSON(ctx, http.MethodGet, "/api/v1/batches/"+batchID+"/results", nil, &resp); err != nil {
		return nil, fmt.Errorf("pasqal results: %w", err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("pasqal results: batch %s returned no jobs", batchID)
	}

	result.Counts = make(map[string]int)
	for _, job := range resp.Results {
		for k, v := range job.Counts {
			result.Counts[k] += v
		}
	}
	return result, nil
}
