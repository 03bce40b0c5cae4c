// Package config holds gluegate's YAML configuration. Only knobs that
// cannot change an admissibility verdict live here; everything verdict-
// relevant travels in the request's Mode and policy digest.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gluegate configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Gate    GateConfig    `yaml:"gate"`
	Store   StoreConfig   `yaml:"store"`
	Memory  MemoryConfig  `yaml:"memory"`
	Logging LoggingConfig `yaml:"logging"`
}

// GateConfig configures the closure gate.
type GateConfig struct {
	WorldID      string `yaml:"world_id"`
	OverlapLevel string `yaml:"overlap_level"` // pairwise, higher_cech
	NormalizerID string `yaml:"normalizer_id"`
	// MaxRefineSteps bounds the refinement ladder; 0 uses the rung count.
	MaxRefineSteps int `yaml:"max_refine_steps"`
}

// StoreConfig configures the run store.
type StoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Workspace string `yaml:"workspace"` // directory holding .gluegate/
}

// MemoryConfig configures the work-memory layer.
type MemoryConfig struct {
	LeaseTTL    string `yaml:"lease_ttl"`
	WatchPolicy bool   `yaml:"watch_policy"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "gluegate",
		Version: "0.3.0",

		Gate: GateConfig{
			WorldID:      "world-main",
			OverlapLevel: "pairwise",
			NormalizerID: "canonical",
		},
		Store: StoreConfig{
			Enabled:   true,
			Workspace: ".",
		},
		Memory: MemoryConfig{
			LeaseTTL:    "15m",
			WatchPolicy: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if ws := os.Getenv("GLUEGATE_WORKSPACE"); ws != "" {
		c.Store.Workspace = ws
	}
	if level := os.Getenv("GLUEGATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if steps := os.Getenv("GLUEGATE_MAX_REFINE_STEPS"); steps != "" {
		if n, err := strconv.Atoi(steps); err == nil && n >= 0 {
			c.Gate.MaxRefineSteps = n
		}
	}
}

// GetLeaseTTL parses the claim lease duration.
func (c *Config) GetLeaseTTL() time.Duration {
	d, err := time.ParseDuration(c.Memory.LeaseTTL)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Gate.OverlapLevel {
	case "pairwise", "higher_cech":
	default:
		return fmt.Errorf("config: unknown overlap_level %q", c.Gate.OverlapLevel)
	}
	if c.Gate.NormalizerID == "" {
		return fmt.Errorf("config: normalizer_id is required")
	}
	if c.Gate.MaxRefineSteps < 0 {
		return fmt.Errorf("config: max_refine_steps must be >= 0")
	}
	return nil
}
