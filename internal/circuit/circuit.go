// Package circuit models the gate-level quantum circuits the sweep runner
// submits to backends. The only protocol family built here is the scaled
// teleportation circuit used for depth sweeps, but the Circuit type is a
// plain gate list any backend can lower to its wire format.
package circuit

import (
	"fmt"
	"math"
)

// Gate names understood by the local simulator and the backend encoders.
const (
	GateH    = "h"
	GateX    = "x"
	GateCX   = "cx"
	GateSwap = "swap"
	GateRX   = "rx"
	GateRY   = "ry"
	GateRZ   = "rz"
)

// Gate is one operation in a circuit. Rotation gates carry an angle in
// radians; two-qubit gates name a control (cx) or a second target (swap).
type Gate struct {
	Name    string  `json:"gate"`
	Target  int     `json:"target"`
	Control int     `json:"control,omitempty"`
	Target2 int     `json:"target2,omitempty"`
	Angle   float64 `json:"rotation,omitempty"`
}

// Circuit is an ordered gate list over a fixed qubit register plus the list
// of qubits measured at the end (in measurement order).
type Circuit struct {
	Name     string `json:"name"`
	Qubits   int    `json:"qubits"`
	Gates    []Gate `json:"circuit"`
	Measured []int  `json:"measured"`
}

// New returns an empty circuit over n qubits.
func New(name string, n int) *Circuit {
	return &Circuit{Name: name, Qubits: n}
}

func (c *Circuit) check(qubits ...int) error {
	for _, q := range qubits {
		if q < 0 || q >= c.Qubits {
			return fmt.Errorf("qubit %d out of range [0,%d)", q, c.Qubits)
		}
	}
	return nil
}

// H appends a Hadamard on q.
func (c *Circuit) H(q int) *Circuit { return c.add(Gate{Name: GateH, Target: q}) }

// X appends a Pauli-X on q.
func (c *Circuit) X(q int) *Circuit { return c.add(Gate{Name: GateX, Target: q}) }

// CX appends a controlled-X with the given control and target.
func (c *Circuit) CX(control, target int) *Circuit {
	return c.add(Gate{Name: GateCX, Control: control, Target: target})
}

// Swap appends a swap of two qubits.
func (c *Circuit) Swap(a, b int) *Circuit {
	return c.add(Gate{Name: GateSwap, Target: a, Target2: b})
}

// RX appends a rotation about X by theta radians.
func (c *Circuit) RX(q int, theta float64) *Circuit {
	return c.add(Gate{Name: GateRX, Target: q, Angle: theta})
}

// RY appends a rotation about Y by theta radians.
func (c *Circuit) RY(q int, theta float64) *Circuit {
	return c.add(Gate{Name: GateRY, Target: q, Angle: theta})
}

// RZ appends a rotation about Z by theta radians.
func (c *Circuit) RZ(q int, theta float64) *Circuit {
	return c.add(Gate{Name: GateRZ, Target: q, Angle: theta})
}

// Measure marks q for terminal measurement.
func (c *Circuit) Measure(q int) *Circuit {
	c.Measured = append(c.Measured, q)
	return c
}

func (c *Circuit) add(g Gate) *Circuit {
	c.Gates = append(c.Gates, g)
	return c
}

// RXX appends the standard decomposition of exp(-i*theta*XX):
// H-H-CX-RZ(2θ)-CX-H-H, two entangling gates.
func (c *Circuit) RXX(theta float64, a, b int) *Circuit {
	c.H(a).H(b)
	c.CX(a, b).RZ(b, 2*theta).CX(a, b)
	c.H(a).H(b)
	return c
}

// RYY appends the decomposition of exp(-i*theta*YY):
// RX(π/2)-RX(π/2)-CX-RZ(2θ)-CX-RX(-π/2)-RX(-π/2).
func (c *Circuit) RYY(theta float64, a, b int) *Circuit {
	c.RX(a, math.Pi/2).RX(b, math.Pi/2)
	c.CX(a, b).RZ(b, 2*theta).CX(a, b)
	c.RX(a, -math.Pi/2).RX(b, -math.Pi/2)
	return c
}

// RZZ appends the decomposition of exp(-i*theta*ZZ): CX-RZ(2θ)-CX.
func (c *Circuit) RZZ(theta float64, a, b int) *Circuit {
	c.CX(a, b).RZ(b, 2*theta).CX(a, b)
	return c
}

// EntanglingGates counts the two-qubit gates in the circuit, with a swap
// counted as its three-CX decomposition.
func (c *Circuit) EntanglingGates() int {
	n := 0
	for _, g := range c.Gates {
		switch g.Name {
		case GateCX:
			n++
		case GateSwap:
			n += 3
		}
	}
	return n
}

// Depth computes the circuit depth by greedy per-qubit layering.
func (c *Circuit) Depth() int {
	layer := make([]int, c.Qubits)
	depth := 0
	for _, g := range c.Gates {
		qs := []int{g.Target}
		switch g.Name {
		case GateCX:
			qs = append(qs, g.Control)
		case GateSwap:
			qs = append(qs, g.Target2)
		}
		next := 0
		for _, q := range qs {
			if layer[q] > next {
				next = layer[q]
			}
		}
		next++
		for _, q := range qs {
			layer[q] = next
		}
		if next > depth {
			depth = next
		}
	}
	return depth
}

// Validate checks every gate's qubit indices against the register size.
func (c *Circuit) Validate() error {
	if c.Qubits <= 0 {
		return fmt.Errorf("circuit %q has no qubits", c.Name)
	}
	for i, g := range c.Gates {
		qs := []int{g.Target}
		switch g.Name {
		case GateCX:
			qs = append(qs, g.Control)
		case GateSwap:
			qs = append(qs, g.Target2)
		}
		if err := c.check(qs...); err != nil {
			return fmt.Errorf("gate %d (%s): %w", i, g.Name, err)
		}
	}
	for _, q := range c.Measured {
		if err := c.check(q); err != nil {
			return fmt.Errorf("measurement: %w", err)
		}
	}
	return nil
}
