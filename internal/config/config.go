// Package config loads the YAML configuration of the aad command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// FieldError reports one invalid configuration value.
type FieldError struct {
	Field  string // Dotted YAML path (e.g., "option.spot")
	Reason string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig.
func (e *FieldError) Unwrap() error {
	return ErrInvalidConfig
}

// Config is the top-level configuration.
type Config struct {
	// Option is the European call to price.
	Option OptionConfig `yaml:"option"`

	// MonteCarlo contains simulation settings.
	MonteCarlo MonteCarloConfig `yaml:"monte_carlo"`

	// Graphviz contains settings for the dot command.
	Graphviz GraphvizConfig `yaml:"graphviz"`

	// Log contains logging settings.
	Log LogConfig `yaml:"log"`
}

// OptionConfig describes a European call under Black–Scholes dynamics.
type OptionConfig struct {
	Spot       float64 `yaml:"spot"`
	Strike     float64 `yaml:"strike"`
	Volatility float64 `yaml:"volatility"`
	Rate       float64 `yaml:"rate"`
	Maturity   float64 `yaml:"maturity"` // In years
}

// MonteCarloConfig contains simulation settings.
type MonteCarloConfig struct {
	Paths        int   `yaml:"paths"`
	Seed         int64 `yaml:"seed"`
	Workers      int   `yaml:"workers"`        // 0 means one per CPU
	MinChunkSize int   `yaml:"min_chunk_size"` // Minimum paths per worker
	Antithetic   bool  `yaml:"antithetic"`
}

// GraphvizConfig contains settings for DOT output.
type GraphvizConfig struct {
	Name          string            `yaml:"name"`
	ValueFormat   string            `yaml:"value_format"` // fmt verb for values, e.g. "%.3f"
	GraphSettings map[string]string `yaml:"graph_settings"`
	NodeSettings  map[string]string `yaml:"node_settings"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Option: OptionConfig{
			Spot:       100,
			Strike:     100,
			Volatility: 0.2,
			Rate:       0.01,
			Maturity:   1,
		},
		MonteCarlo: MonteCarloConfig{
			Paths:        100_000,
			Seed:         42,
			MinChunkSize: 1024,
			Antithetic:   true,
		},
		Graphviz: GraphvizConfig{
			Name:        "GradientGraph",
			ValueFormat: "%.4f",
			GraphSettings: map[string]string{
				"rankdir": "BT",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration file at path on top of Default.
// Unknown fields are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every value is usable.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, field, reason string) {
		if !ok {
			errs = append(errs, &FieldError{Field: field, Reason: reason})
		}
	}

	check(c.Option.Spot > 0, "option.spot", "must be positive")
	check(c.Option.Strike > 0, "option.strike", "must be positive")
	check(c.Option.Volatility > 0, "option.volatility", "must be positive")
	check(c.Option.Maturity > 0, "option.maturity", "must be positive")
	check(c.MonteCarlo.Paths > 0, "monte_carlo.paths", "must be positive")
	check(c.MonteCarlo.Workers >= 0, "monte_carlo.workers", "must not be negative")
	check(c.MonteCarlo.MinChunkSize >= 0, "monte_carlo.min_chunk_size", "must not be negative")
	check(c.Graphviz.Name != "" && !strings.ContainsAny(c.Graphviz.Name, " \t\n{}"),
		"graphviz.name", "must be a non-empty identifier")

	_, err := ParseLevel(c.Log.Level)
	check(err == nil, "log.level", fmt.Sprintf("unknown level %q", c.Log.Level))

	return errors.Join(errs...)
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, &FieldError{Field: "log.level", Reason: err.Error()}
	}
	return level, nil
}
