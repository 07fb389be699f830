// Package config holds the runtime configuration for the capture service.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration. All fields have working
// defaults; a YAML file only needs to override what it cares about.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	DataDir      string        `yaml:"data_dir"`
	LogLevel     string        `yaml:"log_level"`
	RefreshEvery time.Duration `yaml:"process_refresh_interval"`
	Capture      Capture       `yaml:"capture"`
}

// Capture configures the per-session pipeline: batch geometry, buffer
// capacity, and the timing knobs for flushing and shutdown.
type Capture struct {
	BatchMaxEvents int           `yaml:"batch_max_events"`
	BatchMaxBytes  int           `yaml:"batch_max_bytes"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	BufferCapacity int           `yaml:"buffer_capacity"`
	PushStall      time.Duration `yaml:"push_stall"`
	PopTimeout     time.Duration `yaml:"pop_timeout"`
	StatusEvery    time.Duration `yaml:"status_interval"`
	FlushGrace     time.Duration `yaml:"flush_grace_period"`
	PollInterval   time.Duration `yaml:"producer_poll_interval"`
	ClockSyncEvery time.Duration `yaml:"clock_sync_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr:   "127.0.0.1:44765",
		DataDir:      "data",
		LogLevel:     "info",
		RefreshEvery: time.Second,
		Capture: Capture{
			BatchMaxEvents: 4096,
			BatchMaxBytes:  256 * 1024,
			BatchTimeout:   100 * time.Millisecond,
			BufferCapacity: 64,
			PushStall:      50 * time.Millisecond,
			PopTimeout:     100 * time.Millisecond,
			StatusEvery:    time.Second,
			FlushGrace:     2 * time.Second,
			PollInterval:   250 * time.Millisecond,
			ClockSyncEvery: time.Second,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path
// returns the defaults unchanged. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.RefreshEvery <= 0 {
		return fmt.Errorf("process_refresh_interval must be positive")
	}
	cc := c.Capture
	if cc.BatchMaxEvents <= 0 || cc.BatchMaxBytes <= 0 {
		return fmt.Errorf("batch ceilings must be positive")
	}
	if cc.BufferCapacity <= 0 {
		return fmt.Errorf("buffer_capacity must be positive")
	}
	for name, d := range map[string]time.Duration{
		"batch_timeout":          cc.BatchTimeout,
		"push_stall":             cc.PushStall,
		"pop_timeout":            cc.PopTimeout,
		"status_interval":        cc.StatusEvery,
		"flush_grace_period":     cc.FlushGrace,
		"producer_poll_interval": cc.PollInterval,
		"clock_sync_interval":    cc.ClockSyncEvery,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
