// Package sim is a small statevector simulator used as the dev-mode backend
// and in tests. It supports the gate vocabulary of the circuit package plus
// a stochastic depolarizing channel on entangling gates so depth sweeps show
// realistic decay without hardware.
package sim

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"
	"sort"

	"github.com/qlab-data/fidelity.report/internal/circuit"
)

// MaxQubits caps the register size: 2^20 amplitudes is the largest state we
// are willing to hold per trajectory.
const MaxQubits = 20

// State is a full statevector over n qubits. Amplitude index bit q holds the
// state of qubit q.
type State struct {
	n    int
	amps []complex128
}

// NewState returns |0...0> over n qubits.
func NewState(n int) *State {
	amps := make([]complex128, 1<<n)
	amps[0] = 1
	return &State{n: n, amps: amps}
}

func (s *State) apply1(q int, m [2][2]complex128) {
	bit := 1 << q
	for i := range s.amps {
		if i&bit == 0 {
			a0 := s.amps[i]
			a1 := s.amps[i|bit]
			s.amps[i] = m[0][0]*a0 + m[0][1]*a1
			s.amps[i|bit] = m[1][0]*a0 + m[1][1]*a1
		}
	}
}

func (s *State) applyCX(control, target int) {
	cbit, tbit := 1<<control, 1<<target
	for i := range s.amps {
		if i&cbit != 0 && i&tbit == 0 {
			s.amps[i], s.amps[i|tbit] = s.amps[i|tbit], s.amps[i]
		}
	}
}

func (s *State) applySwap(a, b int) {
	abit, bbit := 1<<a, 1<<b
	for i := range s.amps {
		if i&abit != 0 && i&bbit == 0 {
			j := (i &^ abit) | bbit
			s.amps[i], s.amps[j] = s.amps[j], s.amps[i]
		}
	}
}

var (
	invSqrt2 = complex(1/math.Sqrt2, 0)

	matH = [2][2]complex128{{invSqrt2, invSqrt2}, {invSqrt2, -invSqrt2}}
	matX = [2][2]complex128{{0, 1}, {1, 0}}
	matY = [2][2]complex128{{0, complex(0, -1)}, {complex(0, 1), 0}}
	matZ = [2][2]complex128{{1, 0}, {0, -1}}
)

func matRX(theta float64) [2][2]complex128 {
	c := complex(math.Cos(theta/2), 0)
	s := complex(0, -math.Sin(theta/2))
	return [2][2]complex128{{c, s}, {s, c}}
}

func matRY(theta float64) [2][2]complex128 {
	c := complex(math.Cos(theta/2), 0)
	s := complex(math.Sin(theta/2), 0)
	return [2][2]complex128{{c, -s}, {s, c}}
}

func matRZ(theta float64) [2][2]complex128 {
	return [2][2]complex128{
		{cmplx.Exp(complex(0, -theta/2)), 0},
		{0, cmplx.Exp(complex(0, theta/2))},
	}
}

// ApplyGate applies one gate from the circuit vocabulary.
func (s *State) ApplyGate(g circuit.Gate) error {
	switch g.Name {
	case circuit.GateH:
		s.apply1(g.Target, matH)
	case circuit.GateX:
		s.apply1(g.Target, matX)
	case circuit.GateRX:
		s.apply1(g.Target, matRX(g.Angle))
	case circuit.GateRY:
		s.apply1(g.Target, matRY(g.Angle))
	case circuit.GateRZ:
		s.apply1(g.Target, matRZ(g.Angle))
	case circuit.GateCX:
		s.applyCX(g.Control, g.Target)
	case circuit.GateSwap:
		s.applySwap(g.Target, g.Target2)
	default:
		return fmt.Errorf("unsupported gate %q", g.Name)
	}
	return nil
}

// Probabilities returns the outcome distribution over the measured qubits.
// Keys are bitstrings with the first measured qubit leftmost.
func (s *State) Probabilities(measured []int) map[string]float64 {
	probs := make(map[string]float64)
	key := make([]byte, len(measured))
	for i, a := range s.amps {
		p := real(a)*real(a) + imag(a)*imag(a)
		if p == 0 {
			continue
		}
		for j, q := range measured {
			if i&(1<<q) != 0 {
				key[j] = '1'
			} else {
				key[j] = '0'
			}
		}
		probs[string(key)] += p
	}
	return probs
}

// Simulator runs circuits and samples measurement counts.
type Simulator struct {
	// DepolarizingProb is the per-qubit probability of a uniform random
	// Pauli error after each entangling gate. Zero means a noiseless run
	// with exact multinomial sampling; nonzero switches to per-shot
	// trajectories.
	DepolarizingProb float64
}

// New returns a noiseless simulator.
func New() *Simulator {
	return &Simulator{}
}

// Run executes the circuit for the given number of shots and returns the
// bitstring counts of the measured qubits. Runs are deterministic for a
// fixed seed.
func (sim *Simulator) Run(c *circuit.Circuit, shots int, seed int64) (map[string]int, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Qubits > MaxQubits {
		return nil, fmt.Errorf("circuit has %d qubits, simulator caps at %d", c.Qubits, MaxQubits)
	}
	if len(c.Measured) == 0 {
		return nil, fmt.Errorf("circuit %q measures no qubits", c.Name)
	}
	if shots <= 0 {
		return nil, fmt.Errorf("shots must be positive, got %d", shots)
	}

	rng := rand.New(rand.NewSource(seed))
	counts := make(map[string]int)

	if sim.DepolarizingProb <= 0 {
		state := NewState(c.Qubits)
		for _, g := range c.Gates {
			if err := state.ApplyGate(g); err != nil {
				return nil, err
			}
		}
		probs := state.Probabilities(c.Measured)
		sampleInto(counts, probs, shots, rng)
		return counts, nil
	}

	// Noisy channel: every shot is an independent trajectory.
	for shot := 0; shot < shots; shot++ {
		state := NewState(c.Qubits)
		for _, g := range c.Gates {
			if err := state.ApplyGate(g); err != nil {
				return nil, err
			}
			if g.Name == circuit.GateCX || g.Name == circuit.GateSwap {
				sim.injectNoise(state, g, rng)
			}
		}
		probs := state.Probabilities(c.Measured)
		sampleInto(counts, probs, 1, rng)
	}
	return counts, nil
}

func (sim *Simulator) injectNoise(state *State, g circuit.Gate, rng *rand.Rand) {
	qubits := []int{g.Target}
	if g.Name == circuit.GateCX {
		qubits = append(qubits, g.Control)
	} else {
		qubits = append(qubits, g.Target2)
	}
	for _, q := range qubits {
		if rng.Float64() >= sim.DepolarizingProb {
			continue
		}
		switch rng.Intn(3) {
		case 0:
			state.apply1(q, matX)
		case 1:
			state.apply1(q, matY)
		case 2:
			state.apply1(q, matZ)
		}
	}
}

// sampleInto draws shots from the distribution by inverse-CDF over a sorted
// key order, keeping runs reproducible for a fixed seed.
func sampleInto(counts map[string]int, probs map[string]float64, shots int, rng *rand.Rand) {
	keys := make([]string, 0, len(probs))
	for k := range probs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for shot := 0; shot < shots; shot++ {
		r := rng.Float64()
		acc := 0.0
		picked := keys[len(keys)-1]
		for _, k := range keys {
			acc += probs[k]
			if r < acc {
				picked = k
				break
			}
		}
		counts[picked]++
	}
}
