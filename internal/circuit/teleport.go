package circuit

import (
	"fmt"
	"math"
)

// MaxPairs bounds the teleportation register: 2*12+1 = 25 qubits is already
// past what the statevector simulator handles comfortably.
const MaxPairs = 12

// DefaultCoupling is the bridge coupling strength (π/4; the RXX/RYY/RZZ
// decompositions apply it with a 2x angle multiplier, giving π/2).
const DefaultCoupling = math.Pi / 4

// GateCounts breaks down the entangling-gate budget of a teleportation
// circuit by protocol stage.
type GateCounts struct {
	Pairs      int `json:"pairs"`
	Qubits     int `json:"qubits"`
	Entangling int `json:"cx_entanglement"`
	Swap       int `json:"cx_swap"`
	Bridge     int `json:"cx_bridge"`
	Total      int `json:"cx_total"`
}

// Teleportation builds the scaled teleportation protocol over N entangled
// pairs (2N+1 qubits: qubits [0,N) are register A, [N,2N) register B, and
// qubit 2N carries the message).
//
// Stages: per-pair entanglement with phase kicks, message injection by swap,
// an optional dephasing stage controlled by gamma, a Heisenberg bridge
// (RXX+RYY+RZZ per pair), and a verification measurement on B[0]. With
// gamma=0 the only noise source is the backend itself, so sweeping pairs
// sweeps circuit depth.
func Teleportation(pairs int, gamma, coupling float64) (*Circuit, GateCounts, error) {
	if pairs < 1 || pairs > MaxPairs {
		return nil, GateCounts{}, fmt.Errorf("pairs must be in [1,%d], got %d", MaxPairs, pairs)
	}
	if coupling == 0 {
		coupling = DefaultCoupling
	}

	qubits := 2*pairs + 1
	a := func(i int) int { return i }         // register A
	b := func(i int) int { return pairs + i } // register B
	msg := 2 * pairs

	c := New(fmt.Sprintf("teleport-n%d", pairs), qubits)

	// Boundary entanglement: one Bell pair per (A[i], B[i]) plus phase kicks.
	for i := 0; i < pairs; i++ {
		c.H(a(i))
		c.CX(a(i), b(i))
		c.RZ(a(i), math.Pi/float64(i+1))
		c.RZ(b(i), -math.Pi/float64(i+1))
	}

	// Message injection: prepare |+> on the message qubit and swap it into A[0].
	c.H(msg)
	c.Swap(msg, a(0))

	// Dephasing stage: gamma scales a fixed alternating pattern so repeated
	// sweeps stress the same axes.
	if gamma > 0 {
		pattern := []float64{1.0, -0.8, 0.5, -1.2}
		for i := 0; i < pairs; i++ {
			angle := gamma * math.Pi * pattern[i%len(pattern)]
			c.RZ(a(i), angle)
			c.RZ(b(i), -angle*1.5)
		}
	}

	// Heisenberg bridge: RXX+RYY+RZZ per pair, six entangling gates each.
	for i := 0; i < pairs; i++ {
		c.RXX(coupling, a(i), b(i))
		c.RYY(coupling, a(i), b(i))
		c.RZZ(coupling, a(i), b(i))
	}

	// Verification: the message should arrive on B[0] as |+>.
	c.H(b(0))
	c.Measure(b(0))

	counts := GateCounts{
		Pairs:      pairs,
		Qubits:     qubits,
		Entangling: pairs,
		Swap:       3,
		Bridge:     6 * pairs,
	}
	counts.Total = counts.Entangling + counts.Swap + counts.Bridge

	return c, counts, nil
}
