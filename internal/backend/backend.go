// Package backend abstracts the services that execute circuits: the local
// statevector simulator for dev mode and the remote cloud targets. Remote
// submission follows the generic submit / poll / retrieve pattern; the retry
// behavior is an explicit policy value, not an open-ended loop.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/qlab-data/fidelity.report/internal/circuit"
)

// JobStatus is the lifecycle state reported for a submitted job.
type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusExecuting JobStatus = "executing"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// JobResult is the outcome of one executed circuit.
type JobResult struct {
	JobID  string         `json:"job_id"`
	Status JobStatus      `json:"status"`
	Shots  int            `json:"shots"`
	Counts map[string]int `json:"counts,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Backend executes circuits. Submit returns quickly with a job ID; Result
// blocks (polling remote targets per the client's retry policy) until the
// job reaches a terminal status or ctx is done.
type Backend interface {
	Name() string
	Submit(ctx context.Context, c *circuit.Circuit, shots int) (string, error)
	Result(ctx context.Context, jobID string) (*JobResult, error)
}

// ErrJobFailed marks a job that reached a failed or cancelled terminal
// status on the backend.
var ErrJobFailed = errors.New("job failed")

// RetryPolicy bounds the transient-failure retries and the poll cadence of
// the remote clients.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	PollInterval   time.Duration `json:"poll_interval"`
	Timeout        time.Duration `json:"timeout"`
}

// DefaultRetryPolicy mirrors the cadence the cloud vendors tolerate: a few
// transient retries with exponential backoff and a 2s poll.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		PollInterval:   2 * time.Second,
		Timeout:        5 * time.Minute,
	}
}

// Backoff returns the delay before the given retry attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Simulator matches the sim package's Run signature without importing it,
// keeping the dependency one-way.
type Simulator interface {
	Run(c *circuit.Circuit, shots int, seed int64) (map[string]int, error)
}

// Local executes circuits synchronously on an in-process simulator. It is
// the dev-mode stand-in for a cloud target, the way a mock device stands in
// for real hardware elsewhere.
type Local struct {
	sim  Simulator
	seed func() int64

	jobs map[string]*JobResult
	next int
}

// NewLocal wraps a simulator. Seeds come from the wall clock unless
// SeedFunc overrides them.
func NewLocal(sim Simulator) *Local {
	return &Local{
		sim:  sim,
		seed: func() int64 { return time.Now().UnixNano() + rand.Int63n(1000) },
		jobs: make(map[string]*JobResult),
	}
}

// SeedFunc replaces the seed source; tests use this for reproducible counts.
func (l *Local) SeedFunc(f func() int64) { l.seed = f }

// Name implements Backend.
func (l *Local) Name() string { return "local-sim" }

// Submit implements Backend. The circuit runs synchronously; the job ID is
// only a handle for Result.
func (l *Local) Submit(_ context.Context, c *circuit.Circuit, shots int) (string, error) {
	counts, err := l.sim.Run(c, shots, l.seed())
	if err != nil {
		return "", fmt.Errorf("local simulation: %w", err)
	}
	l.next++
	id := fmt.Sprintf("local-%d", l.next)
	l.jobs[id] = &JobResult{JobID: id, Status: StatusSucceeded, Shots: shots, Counts: counts}
	return id, nil
}

// Result implements Backend.
func (l *Local) Result(_ context.Context, jobID string) (*JobResult, error) {
	r, ok := l.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", jobID)
	}
	return r, nil
}
