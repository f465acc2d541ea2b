package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical analysis defaults file.
// This is the single source of truth for all default analysis values.
const DefaultConfigPath = "config/analysis.defaults.json"

// AnalysisConfig represents the root configuration for sweep and fit
// parameters. The schema matches the /api/sweep request body so the same
// JSON can be used for both startup configuration and per-request
// overrides.
type AnalysisConfig struct {
	// Backend params
	Backend     *string  `json:"backend,omitempty"` // "local", "ionq" or "pasqal"
	Target      *string  `json:"target,omitempty"`  // vendor device or target name
	Shots       *int     `json:"shots,omitempty"`
	Repeats     *int     `json:"repeats,omitempty"`
	NoiseProb   *float64 `json:"noise_prob,omitempty"` // local simulator depolarizing probability
	Coupling    *float64 `json:"coupling,omitempty"`
	MaxPairs    *int     `json:"max_pairs,omitempty"`
	OutputDir   *string  `json:"output_dir,omitempty"`
	DatabaseURL *string  `json:"database_url,omitempty"`

	// Retry params
	MaxAttempts    *int    `json:"max_attempts,omitempty"`
	InitialBackoff *string `json:"initial_backoff,omitempty"` // duration string like "500ms"
	MaxBackoff     *string `json:"max_backoff,omitempty"`     // duration string like "8s"
	PollInterval   *string `json:"poll_interval,omitempty"`   // duration string like "2s"
	JobTimeout     *string `json:"job_timeout,omitempty"`     // duration string like "5m"

	// Classifier params
	SharpWidthFraction  *float64 `json:"sharp_width_fraction,omitempty"`
	DominantGapFraction *float64 `json:"dominant_gap_fraction,omitempty"`
	AICTieMargin        *float64 `json:"aic_tie_margin,omitempty"`
	MaxIterations       *int     `json:"max_iterations,omitempty"`
	Tolerance           *float64 `json:"tolerance,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyAnalysisConfig returns an AnalysisConfig with all fields set to nil.
// Use LoadAnalysisConfig to load actual values from a defaults file.
func EmptyAnalysisConfig() *AnalysisConfig {
	return &AnalysisConfig{}
}

// LoadAnalysisConfig loads an AnalysisConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under
// the max file size. Fields omitted from the JSON file retain their
// default values, so partial configs are safe.
func LoadAnalysisConfig(path string) (*AnalysisConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyAnalysisConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *AnalysisConfig) Validate() error {
	if c.Backend != nil {
		switch *c.Backend {
		case "", "local", "ionq", "pasqal":
		default:
			return fmt.Errorf("unknown backend %q (want local, ionq or pasqal)", *c.Backend)
		}
	}

	if c.Shots != nil && *c.Shots <= 0 {
		return fmt.Errorf("shots must be positive, got %d", *c.Shots)
	}

	if c.Repeats != nil && *c.Repeats <= 0 {
		return fmt.Errorf("repeats must be positive, got %d", *c.Repeats)
	}

	if c.NoiseProb != nil {
		if *c.NoiseProb < 0 || *c.NoiseProb > 1 {
			return fmt.Errorf("noise_prob must be between 0 and 1, got %f", *c.NoiseProb)
		}
	}

	if c.MaxPairs != nil && *c.MaxPairs < 1 {
		return fmt.Errorf("max_pairs must be at least 1, got %d", *c.MaxPairs)
	}

	if c.SharpWidthFraction != nil {
		if *c.SharpWidthFraction <= 0 || *c.SharpWidthFraction > 1 {
			return fmt.Errorf("sharp_width_fraction must be in (0, 1], got %f", *c.SharpWidthFraction)
		}
	}

	if c.DominantGapFraction != nil {
		if *c.DominantGapFraction <= 0 || *c.DominantGapFraction > 1 {
			return fmt.Errorf("dominant_gap_fraction must be in (0, 1], got %f", *c.DominantGapFraction)
		}
	}

	if c.MaxAttempts != nil && *c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", *c.MaxAttempts)
	}

	// Duration strings must parse if set.
	for _, d := range []struct {
		name  string
		value *string
	}{
		{"initial_backoff", c.InitialBackoff},
		{"max_backoff", c.MaxBackoff},
		{"poll_interval", c.PollInterval},
		{"job_timeout", c.JobTimeout},
	} {
		if d.value != nil && *d.value != "" {
			if _, err := time.ParseDuration(*d.value); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
			}
		}
	}

	return nil
}

// GetBackend returns the backend value or the default.
func (c *AnalysisConfig) GetBackend() string {
	if c.Backend == nil || *c.Backend == "" {
		return "local"
	}
	return *c.Backend
}

// GetTarget returns the target value or the default.
func (c *AnalysisConfig) GetTarget() string {
	if c.Target == nil {
		return ""
	}
	return *c.Target
}

// GetShots returns the shots value or the default.
func (c *AnalysisConfig) GetShots() int {
	if c.Shots == nil {
		return 1000
	}
	return *c.Shots
}

// GetRepeats returns the repeats value or the default.
func (c *AnalysisConfig) GetRepeats() int {
	if c.Repeats == nil {
		return 1
	}
	return *c.Repeats
}

// GetNoiseProb returns the noise_prob value or the default.
func (c *AnalysisConfig) GetNoiseProb() float64 {
	if c.NoiseProb == nil {
		return 0
	}
	return *c.NoiseProb
}

// GetCoupling returns the coupling value or the default.
func (c *AnalysisConfig) GetCoupling() float64 {
	if c.Coupling == nil {
		return 0.7853981633974483 // pi/4
	}
	return *c.Coupling
}

// GetMaxPairs returns the max_pairs value or the default.
func (c *AnalysisConfig) GetMaxPairs() int {
	if c.MaxPairs == nil {
		return 12
	}
	return *c.MaxPairs
}

// GetOutputDir returns the output_dir value or the default.
func (c *AnalysisConfig) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return "out"
	}
	return *c.OutputDir
}

// GetDatabaseURL returns the database_url value or the default.
func (c *AnalysisConfig) GetDatabaseURL() string {
	if c.DatabaseURL == nil || *c.DatabaseURL == "" {
		return "fidelity.db"
	}
	return *c.DatabaseURL
}

// GetMaxAttempts returns the max_attempts value or the default.
func (c *AnalysisConfig) GetMaxAttempts() int {
	if c.MaxAttempts == nil {
		return 4
	}
	return *c.MaxAttempts
}

// GetInitialBackoff parses and returns the InitialBackoff as a time.Duration.
func (c *AnalysisConfig) GetInitialBackoff() time.Duration {
	return c.duration(c.InitialBackoff, 500*time.Millisecond)
}

// GetMaxBackoff parses and returns the MaxBackoff as a time.Duration.
func (c *AnalysisConfig) GetMaxBackoff() time.Duration {
	return c.duration(c.MaxBackoff, 8*time.Second)
}

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *AnalysisConfig) GetPollInterval() time.Duration {
	return c.duration(c.PollInterval, 2*time.Second)
}

// GetJobTimeout parses and returns the JobTimeout as a time.Duration.
func (c *AnalysisConfig) GetJobTimeout() time.Duration {
	return c.duration(c.JobTimeout, 5*time.Minute)
}

func (c *AnalysisConfig) duration(s *string, fallback time.Duration) time.Duration {
	if s == nil || *s == "" {
		return fallback
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fallback
	}
	return d
}

// GetSharpWidthFraction returns the sharp_width_fraction value or the default.
func (c *AnalysisConfig) GetSharpWidthFraction() float64 {
	if c.SharpWidthFraction == nil {
		return 0.15
	}
	return *c.SharpWidthFraction
}

// GetDominantGapFraction returns the dominant_gap_fraction value or the default.
func (c *AnalysisConfig) GetDominantGapFraction() float64 {
	if c.DominantGapFraction == nil {
		return 0.5
	}
	return *c.DominantGapFraction
}

// GetAICTieMargin returns the aic_tie_margin value or the default.
func (c *AnalysisConfig) GetAICTieMargin() float64 {
	if c.AICTieMargin == nil {
		return 2.0
	}
	return *c.AICTieMargin
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *AnalysisConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 2000
	}
	return *c.MaxIterations
}

// GetTolerance returns the tolerance value or the default.
func (c *AnalysisConfig) GetTolerance() float64 {
	if c.Tolerance == nil {
		return 1e-12
	}
	return *c.Tolerance
}
