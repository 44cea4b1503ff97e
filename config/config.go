// Package config loads and validates the engine configuration from a YAML
// file overlaid with environment variables. Validation failures are
// ConfigurationErrors: fatal at startup, before any run or cycle starts.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crewline/opsmind/cognition"
	"github.com/crewline/opsmind/core"
	"github.com/crewline/opsmind/decision"
	"github.com/crewline/opsmind/memory"
)

// Worker declares one role in the worker catalog.
type Worker struct {
	Role         string   `yaml:"role"`
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
	Model        string   `yaml:"model"`
	MaxTokens    int64    `yaml:"max_tokens"`
	Tools        []string `yaml:"tools"`
}

// Config is the full engine configuration.
type Config struct {
	Provider string `yaml:"provider"` // "anthropic" or "mock"
	DBPath   string `yaml:"db_path"`  // empty selects the embedded memstore

	EntryWorker string        `yaml:"entry_worker"`
	MaxSteps    int           `yaml:"max_steps"`
	StepTimeout time.Duration `yaml:"step_timeout"`

	Workers []Worker `yaml:"workers"`

	Memory    memory.Config    `yaml:"memory"`
	Decision  decision.Config  `yaml:"decision"`
	Cognition cognition.Config `yaml:"cognition"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Provider:    "anthropic",
		MaxSteps:    32,
		StepTimeout: 60 * time.Second,
		Memory:      memory.DefaultConfig(),
		Decision:    decision.DefaultConfig(),
		Cognition:   cognition.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &core.ConfigError{Field: "config", Reason: err.Error()}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &core.ConfigError{Field: "config", Reason: fmt.Sprintf("parse %s: %v", path, err)}
		}
	}

	if db := os.Getenv("OPSMIND_DB"); db != "" {
		cfg.DBPath = db
	}
	if p := os.Getenv("OPSMIND_PROVIDER"); p != "" {
		cfg.Provider = p
	}

	return cfg, nil
}

// Validate fails fast on anything that would break at an awkward time
// later: unknown providers, missing credentials, thresholds outside their
// domains.
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic":
		if os.Getenv("ANTHROPIC_API_KEY") == "" {
			return &core.ConfigError{Field: "provider", Reason: "anthropic selected but ANTHROPIC_API_KEY is not set"}
		}
	case "mock":
	default:
		return &core.ConfigError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", c.Provider)}
	}

	if c.MaxSteps <= 0 {
		return &core.ConfigError{Field: "max_steps", Reason: "must be positive"}
	}
	if c.StepTimeout <= 0 {
		return &core.ConfigError{Field: "step_timeout", Reason: "must be positive"}
	}

	m := c.Memory
	if m.DecayFactor <= 0 || m.DecayFactor >= 1 {
		return &core.ConfigError{Field: "memory.decay_factor", Reason: "must be in (0,1)"}
	}
	if m.PruneBelow < 0 || m.PruneBelow >= 1 {
		return &core.ConfigError{Field: "memory.prune_below", Reason: "must be in [0,1)"}
	}
	if m.MergeSimilarity <= 0 || m.MergeSimilarity > 1 {
		return &core.ConfigError{Field: "memory.merge_similarity", Reason: "must be in (0,1]"}
	}
	if m.StaleAfter <= 0 {
		return &core.ConfigError{Field: "memory.stale_after", Reason: "must be positive"}
	}

	seen := make(map[string]bool)
	for _, w := range c.Workers {
		if w.Role == "" {
			return &core.ConfigError{Field: "workers", Reason: "worker with empty role"}
		}
		if seen[w.Role] {
			return &core.ConfigError{Field: "workers", Reason: fmt.Sprintf("duplicate role %q", w.Role)}
		}
		seen[w.Role] = true
	}
	if c.EntryWorker != "" && len(c.Workers) > 0 && !seen[c.EntryWorker] {
		return &core.ConfigError{Field: "entry_worker", Reason: fmt.Sprintf("role %q is not declared", c.EntryWorker)}
	}

	return nil
}
