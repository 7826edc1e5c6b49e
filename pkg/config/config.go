// Package config loads the runtime configuration file (crucible.yaml).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/crucible/pkg/models"
	"github.com/dukex/crucible/pkg/recovery"
	"github.com/dukex/crucible/pkg/runner"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RecoveryMargin is how far above the largest runner ceiling the default
// recovery timeout is placed.
const RecoveryMargin = 5 * time.Minute

var ErrRecoveryTimeout = errors.New("recovery timeout must exceed every runner timeout")

type RunnerConfig struct {
	URL     string        `yaml:"url"     validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
	Retries int           `yaml:"retries" validate:"min=0,max=10"`
}

type RunnersConfig struct {
	Agent RunnerConfig `yaml:"agent"`
	Crew  RunnerConfig `yaml:"crew"`
}

type RecoveryConfig struct {
	Timeout  time.Duration `yaml:"timeout"  validate:"min=0"`
	Schedule string        `yaml:"schedule"`
}

type EngineConfig struct {
	MaxParallelSteps int `yaml:"max_parallel_steps" validate:"min=0,max=256"`
}

type Config struct {
	Runners  RunnersConfig  `yaml:"runners"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Engine   EngineConfig   `yaml:"engine"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

// Load reads and validates the file at path. An empty path yields Default.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- config path is operator-provided.
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Runners.Agent.Timeout == 0 {
		c.Runners.Agent.Timeout = runner.DefaultAgentTimeout
	}

	if c.Runners.Crew.Timeout == 0 {
		c.Runners.Crew.Timeout = runner.DefaultCrewTimeout
	}

	if c.Recovery.Timeout == 0 {
		c.Recovery.Timeout = recovery.DefaultTimeout
		if ceiling := c.RunnerCeiling(); c.Recovery.Timeout <= ceiling {
			c.Recovery.Timeout = ceiling + RecoveryMargin
		}
	}

	if c.Recovery.Schedule == "" {
		c.Recovery.Schedule = recovery.DefaultSchedule
	}

	if c.Engine.MaxParallelSteps == 0 {
		c.Engine.MaxParallelSteps = runner.DefaultMaxParallel
	}
}

// Validate checks field rules and that the recovery backstop sits above
// every runner's wall-clock ceiling.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if ceiling := c.RunnerCeiling(); c.Recovery.Timeout <= ceiling {
		return fmt.Errorf("%w: recovery.timeout %s, largest runner timeout %s", ErrRecoveryTimeout, c.Recovery.Timeout, ceiling)
	}

	if err := recovery.ValidateSchedule(c.Recovery.Schedule); err != nil {
		return fmt.Errorf("invalid recovery.schedule: %w", err)
	}

	return nil
}

// RunnerCeiling is the largest runner timeout.
func (c *Config) RunnerCeiling() time.Duration {
	return max(c.Runners.Agent.Timeout, c.Runners.Crew.Timeout)
}

// Runner returns the settings for a node type.
func (c *Config) Runner(nodeType models.NodeType) RunnerConfig {
	if nodeType == models.NodeTypeCrew {
		return c.Runners.Crew
	}

	return c.Runners.Agent
}
