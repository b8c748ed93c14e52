// Package config loads forkrace's runtime configuration: the reducer
// strategy, sampling rate, and report sink, left as deployment-time
// choices rather than hard-coded behavior.
package config

import (
	"bytes"
	"fmt"

	"github.com/spf13/viper"

	"github.com/kolkov/forkrace/internal/race/shadowstack"
)

// Config holds all runtime configuration for the race engine.
type Config struct {
	Output OutputConfig `mapstructure:"output"`
	Engine EngineConfig `mapstructure:"engine"`
	Log    LogConfig    `mapstructure:"log"`
}

// OutputConfig controls where race reports are written.
type OutputConfig struct {
	// Path is the report sink path. "" and "-" both mean stderr. Bound to
	// the CILKSCALE_OUT environment variable for compatibility with
	// Cilkscale-family tooling expectations.
	Path string `mapstructure:"path"`
}

// EngineConfig controls the shadow-stack engine's behavior.
type EngineConfig struct {
	// ReadTrackingEnabled turns on SR/PR bookkeeping so read-write races
	// are caught in addition to write-write ones. Off by default: pure
	// write tracking is cheaper and catches the majority of determinacy
	// bugs in practice.
	ReadTrackingEnabled bool `mapstructure:"read_tracking_enabled"`

	// FatalOnFirstRace aborts the program as soon as one race is
	// confirmed, instead of the default behavior of reporting and
	// continuing (races are non-fatal by default).
	FatalOnFirstRace bool `mapstructure:"fatal_on_first_race"`

	// SyncRegionWarnings logs a warning (rather than silently ignoring)
	// when a sync statement finds no matching continuation frame — an
	// instrumentation anomaly rather than a program bug, but one worth
	// surfacing during development.
	SyncRegionWarnings bool `mapstructure:"sync_region_warnings"`

	// ReduceStrategy selects the work-stealing reducer: "concatenate"
	// (Strategy A, the default — defers checking) or "soft-join"
	// (Strategy B — checks at reduce time, requires single-frame operands).
	ReduceStrategy string `mapstructure:"reduce_strategy"`

	// SamplingEnabled and SamplingRate trade detection completeness for
	// overhead, exactly as the Sampler in internal/race/engine implements.
	SamplingEnabled bool   `mapstructure:"sampling_enabled"`
	SamplingRate    uint64 `mapstructure:"sampling_rate"`
}

// LogConfig controls telemetry verbosity.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Strategy translates the configured reducer strategy name into a
// shadowstack.Strategy, defaulting to concatenate for any unrecognized
// value.
func (c EngineConfig) Strategy() shadowstack.Strategy {
	if c.ReduceStrategy == "soft-join" {
		return shadowstack.StrategySoftJoin
	}
	return shadowstack.StrategyConcatenate
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output.path", "")
	v.SetDefault("engine.read_tracking_enabled", false)
	v.SetDefault("engine.fatal_on_first_race", false)
	v.SetDefault("engine.sync_region_warnings", true)
	v.SetDefault("engine.reduce_strategy", "concatenate")
	v.SetDefault("engine.sampling_enabled", false)
	v.SetDefault("engine.sampling_rate", 1)
	v.SetDefault("log.level", "info")
}

// Load reads configuration from configPath (searching standard locations
// when empty), then applies environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("forkrace")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromReader loads configuration from in-memory content, for tests and
// embedding callers that don't want a file on disk.
func LoadFromReader(configType string, content []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(content)); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	if err := v.BindEnv("output.path", "CILKSCALE_OUT"); err != nil {
		return nil, fmt.Errorf("bind CILKSCALE_OUT: %w", err)
	}
	v.SetEnvPrefix("FORKRACE")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects configuration combinations the engine cannot act on.
func (c *Config) Validate() error {
	if c.Engine.ReduceStrategy != "concatenate" && c.Engine.ReduceStrategy != "soft-join" {
		return fmt.Errorf("unsupported reduce_strategy: %q", c.Engine.ReduceStrategy)
	}
	if c.Engine.SamplingRate == 0 {
		return fmt.Errorf("sampling_rate must be at least 1")
	}
	return nil
}
