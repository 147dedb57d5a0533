package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/RyanBlaney/terra-coreg/algorithms/deramp"
	"github.com/RyanBlaney/terra-coreg/algorithms/shift"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// maxFileSize bounds config files read from disk
const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config configures an iterative coregistration run
type Config struct {
	// Iteration control
	MaxIterations  int     `json:"max_iterations"`
	ErrorThreshold float64 `json:"error_threshold"` // NMAD below which iteration stops, elevation units

	// Deramping
	Deramp           bool   `json:"deramp"`
	DerampDegree     int    `json:"deramp_degree"`
	MaxDerampSamples int    `json:"max_deramp_samples"`
	Seed             uint64 `json:"seed"` // 0 draws a random seed

	// Shift estimation
	MinBinCount int  `json:"min_bin_count"`
	CoarseAlign bool `json:"coarse_align"` // seed offsets with phase correlation

	Verbose bool `json:"verbose,omitempty"`
}

// DefaultConfig returns the defaults used when no configuration is given
func DefaultConfig() *Config {
	return &Config{
		MaxIterations:    200,
		ErrorThreshold:   0.05,
		Deramp:           true,
		DerampDegree:     1,
		MaxDerampSamples: deramp.DefaultMaxSamples,
		MinBinCount:      shift.DefaultMinCount,
	}
}

// LoadConfig reads a JSON config file. Fields omitted from the file keep
// their DefaultConfig values, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration values are usable
func (c *Config) Validate() error {
	if c.MaxIterations < 0 {
		return fmt.Errorf("%w: max_iterations must be non-negative, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if math.IsNaN(c.ErrorThreshold) || math.IsInf(c.ErrorThreshold, 0) || c.ErrorThreshold < 0 {
		return fmt.Errorf("%w: error_threshold must be a non-negative number, got %f", ErrInvalidConfig, c.ErrorThreshold)
	}
	if c.Deramp && c.DerampDegree < 0 {
		return fmt.Errorf("%w: deramp_degree must be non-negative, got %d", ErrInvalidConfig, c.DerampDegree)
	}
	if c.MaxDerampSamples < 0 {
		return fmt.Errorf("%w: max_deramp_samples must be non-negative, got %d", ErrInvalidConfig, c.MaxDerampSamples)
	}
	if c.MinBinCount < 0 {
		return fmt.Errorf("%w: min_bin_count must be non-negative, got %d", ErrInvalidConfig, c.MinBinCount)
	}
	return nil
}

// ShiftOptions returns the horizontal shift estimator options
func (c *Config) ShiftOptions() shift.Options {
	return shift.Options{MinCount: c.MinBinCount}
}

// DerampOptions returns the ramp fit options
func (c *Config) DerampOptions() deramp.Options {
	return deramp.Options{MaxSamples: c.MaxDerampSamples, Seed: c.Seed}
}
