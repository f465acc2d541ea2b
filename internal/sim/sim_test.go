package sim

import (
	"testing"

	"github.com/qlab-data/fidelity.report/internal/circuit"
)

func TestDeterministicX(t *testing.T) {
	c := circuit.New("x", 1)
	c.X(0).Measure(0)

	counts, err := New().Run(c, 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if counts["1"] != 100 {
		t.Errorf("counts = %v, want all shots on \"1\"", counts)
	}
}

func TestBellPairCorrelations(t *testing.T) {
	c := circuit.New("bell", 2)
	c.H(0).CX(0, 1).Measure(0).Measure(1)

	counts, err := New().Run(c, 2000, 42)
	if err != nil {
		t.Fatal(err)
	}
	if counts["01"] != 0 || counts["10"] != 0 {
		t.Errorf("anticorrelated outcomes observed: %v", counts)
	}
	if counts["00"] == 0 || counts["11"] == 0 {
		t.Errorf("bell pair never produced one of the correlated outcomes: %v", counts)
	}
	// Roughly balanced: each outcome within 5 sigma of 1000.
	for _, k := range []string{"00", "11"} {
		if n := counts[k]; n < 850 || n > 1150 {
			t.Errorf("counts[%q] = %d, want near 1000", k, n)
		}
	}
}

func TestHadamardIsBalanced(t *testing.T) {
	c := circuit.New("h", 1)
	c.H(0).Measure(0)

	counts, err := New().Run(c, 2000, 7)
	if err != nil {
		t.Fatal(err)
	}
	if counts["0"]+counts["1"] != 2000 {
		t.Errorf("shot count mismatch: %v", counts)
	}
	if counts["0"] < 850 || counts["0"] > 1150 {
		t.Errorf("counts[0] = %d, want near 1000", counts["0"])
	}
}

func TestSeedReproducibility(t *testing.T) {
	c, _, err := circuit.Teleportation(2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	a, err := New().Run(c, 200, 99)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New().Run(c, 200, 99)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("distributions differ: %v vs %v", a, b)
	}
	for k, v := range a {
		if b[k] != v {
			t.Errorf("counts[%q] = %d vs %d for identical seeds", k, v, b[k])
		}
	}
}

func TestDepolarizingNoiseDegradesTeleportation(t *testing.T) {
	c, _, err := circuit.Teleportation(3, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	clean, err := New().Run(c, 400, 5)
	if err != nil {
		t.Fatal(err)
	}
	noisy, err := (&Simulator{DepolarizingProb: 0.2}).Run(c, 400, 5)
	if err != nil {
		t.Fatal(err)
	}

	pClean := float64(clean["0"]) / 400
	pNoisy := float64(noisy["0"]) / 400
	// Heavy depolarizing noise drives the verification qubit toward 0.5.
	if pNoisy > pClean {
		t.Errorf("noisy success %0.3f exceeds clean success %0.3f", pNoisy, pClean)
	}
	if pNoisy < 0.3 || pNoisy > 0.8 {
		t.Errorf("noisy success %0.3f not pulled toward 0.5", pNoisy)
	}
}

func TestRejectsOversizedCircuit(t *testing.T) {
	c := circuit.New("big", MaxQubits+1)
	c.H(0).Measure(0)
	if _, err := New().Run(c, 10, 1); err == nil {
		t.Error("oversized circuit accepted")
	}
}

func TestRejectsUnmeasuredCircuit(t *testing.T) {
	c := circuit.New("silent", 1)
	c.H(0)
	if _, err := New().Run(c, 10, 1); err == nil {
		t.Error("circuit without measurement accepted")
	}
}
