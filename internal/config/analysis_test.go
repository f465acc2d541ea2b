package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEmptyConfigUsesDefaults(t *testing.T) {
	cfg := EmptyAnalysisConfig()

	if got := cfg.GetBackend(); got != "local" {
		t.Errorf("GetBackend() = %q, want local", got)
	}
	if got := cfg.GetShots(); got != 1000 {
		t.Errorf("GetShots() = %d, want 1000", got)
	}
	if got := cfg.GetRepeats(); got != 1 {
		t.Errorf("GetRepeats() = %d, want 1", got)
	}
	if got := cfg.GetSharpWidthFraction(); got != 0.15 {
		t.Errorf("GetSharpWidthFraction() = %f, want 0.15", got)
	}
	if got := cfg.GetDominantGapFraction(); got != 0.5 {
		t.Errorf("GetDominantGapFraction() = %f, want 0.5", got)
	}
	if got := cfg.GetPollInterval(); got != 2*time.Second {
		t.Errorf("GetPollInterval() = %v, want 2s", got)
	}
	if got := cfg.GetJobTimeout(); got != 5*time.Minute {
		t.Errorf("GetJobTimeout() = %v, want 5m", got)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, "partial.json", `{
		"backend": "ionq",
		"shots": 500,
		"poll_interval": "250ms",
		"sharp_width_fraction": 0.1
	}`)

	cfg, err := LoadAnalysisConfig(path)
	if err != nil {
		t.Fatalf("LoadAnalysisConfig: %v", err)
	}

	if got := cfg.GetBackend(); got != "ionq" {
		t.Errorf("GetBackend() = %q", got)
	}
	if got := cfg.GetShots(); got != 500 {
		t.Errorf("GetShots() = %d", got)
	}
	if got := cfg.GetPollInterval(); got != 250*time.Millisecond {
		t.Errorf("GetPollInterval() = %v", got)
	}
	if got := cfg.GetSharpWidthFraction(); got != 0.1 {
		t.Errorf("GetSharpWidthFraction() = %f", got)
	}
	// Omitted fields fall back to defaults.
	if got := cfg.GetRepeats(); got != 1 {
		t.Errorf("GetRepeats() = %d, want default 1", got)
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	path := writeConfig(t, "config.yaml", `backend: local`)
	if _, err := LoadAnalysisConfig(path); err == nil {
		t.Error("non-.json file accepted")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := LoadAnalysisConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		cfg  AnalysisConfig
	}{
		{"unknown backend", AnalysisConfig{Backend: ptrString("rigetti")}},
		{"zero shots", AnalysisConfig{Shots: ptrInt(0)}},
		{"negative repeats", AnalysisConfig{Repeats: ptrInt(-1)}},
		{"noise above one", AnalysisConfig{NoiseProb: ptrFloat64(1.5)}},
		{"zero width fraction", AnalysisConfig{SharpWidthFraction: ptrFloat64(0)}},
		{"gap fraction above one", AnalysisConfig{DominantGapFraction: ptrFloat64(1.2)}},
		{"bad duration", AnalysisConfig{PollInterval: ptrString("soon")}},
		{"zero attempts", AnalysisConfig{MaxAttempts: ptrInt(0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Errorf("%s passed validation", tc.name)
			}
		})
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	path := writeConfig(t, "full.json", `{
		"backend": "pasqal",
		"target": "EMU_TN",
		"shots": 2000,
		"repeats": 3,
		"noise_prob": 0.02,
		"coupling": 0.785,
		"max_pairs": 8,
		"output_dir": "results",
		"database_url": "runs.db",
		"max_attempts": 6,
		"initial_backoff": "1s",
		"max_backoff": "30s",
		"poll_interval": "5s",
		"job_timeout": "20m",
		"sharp_width_fraction": 0.2,
		"dominant_gap_fraction": 0.4,
		"aic_tie_margin": 4,
		"max_iterations": 5000,
		"tolerance": 1e-9
	}`)

	cfg, err := LoadAnalysisConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "pasqal", cfg.GetBackend())
	assert.Equal(t, "EMU_TN", cfg.GetTarget())
	assert.Equal(t, 2000, cfg.GetShots())
	assert.Equal(t, 3, cfg.GetRepeats())
	assert.Equal(t, "results", cfg.GetOutputDir())
	assert.Equal(t, "runs.db", cfg.GetDatabaseURL())
	assert.Equal(t, 6, cfg.GetMaxAttempts())
	assert.Equal(t, 30*time.Second, cfg.GetMaxBackoff())
	assert.Equal(t, 20*time.Minute, cfg.GetJobTimeout())
	assert.Equal(t, 5000, cfg.GetMaxIterations())
	assert.InDelta(t, 1e-9, cfg.GetTolerance(), 1e-15)
}
