// Package config provides centralized configuration management for
// stevedore. Configuration is loaded from a YAML file and environment
// variables via viper; invalid values are sanitized by the owning
// components rather than failing the load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stevedore-io/stevedore/pkg/endpoint"
	"github.com/stevedore-io/stevedore/pkg/flow"
	"github.com/stevedore-io/stevedore/pkg/telemetry"
	"github.com/stevedore-io/stevedore/pkg/tuning"
)

// Config represents the complete stevedore configuration.
type Config struct {
	Telemetry telemetry.Config `yaml:"telemetry" mapstructure:"telemetry"`
	Flow      flow.Config      `yaml:"flow" mapstructure:"flow"`
	Tuning    tuning.Config    `yaml:"tuning" mapstructure:"tuning"`
	Selector  endpoint.Config  `yaml:"selector" mapstructure:"selector"`
	Endpoints []EndpointEntry  `yaml:"endpoints" mapstructure:"endpoints"`
	Logging   LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	StorePath string           `yaml:"store_path,omitempty" mapstructure:"store_path"`
}

// EndpointEntry declares a candidate transport endpoint.
type EndpointEntry struct {
	ID     string `yaml:"id" mapstructure:"id"`
	URL    string `yaml:"url" mapstructure:"url"`
	Region string `yaml:"region,omitempty" mapstructure:"region"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level     string `yaml:"level" mapstructure:"level"`
	Timestamp bool   `yaml:"timestamp" mapstructure:"timestamp"`
	Caller    bool   `yaml:"caller" mapstructure:"caller"`
	Output    string `yaml:"output,omitempty" mapstructure:"output"`
}

// DefaultConfig returns a complete default configuration.
func DefaultConfig() *Config {
	return &Config{
		Telemetry: telemetry.DefaultConfig(),
		Flow:      flow.DefaultConfig(),
		Tuning:    tuning.DefaultConfig(),
		Selector:  endpoint.DefaultConfig(),
		Logging: LoggingConfig{
			Level:     "info",
			Timestamp: true,
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".stevedore.yaml"), nil
}

// Load reads configuration from the given file, layered over defaults.
// Environment variables prefixed STEVEDORE_ override file values. A missing
// file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("STEVEDORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// Candidates converts the configured endpoint entries into selector
// candidates.
func (c *Config) Candidates() []endpoint.Candidate {
	out := make([]endpoint.Candidate, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		out = append(out, endpoint.Candidate{
			ID:     e.ID,
			URL:    e.URL,
			Region: e.Region,
		})
	}
	return out
}
