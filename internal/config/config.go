// Package config defines the querytrace settings surface and its
// validation bounds. Out-of-range values are rejected with
// ErrInvalidParameter at the boundary and never reach the trace engine.
package config

import (
	"errors"
	"fmt"
)

// ErrInvalidParameter marks a configuration value outside its valid
// range. The previous setting stays in effect when it is returned.
var ErrInvalidParameter = errors.New("invalid parameter")

// Bounds for the tunable parameters.
const (
	MinTraceLevel = 0
	MaxTraceLevel = 16

	MinOsCacheThresholdUS = 10
	MaxOsCacheThresholdUS = 10000

	MinTraceFileMaxSizeKB = 64
	MaxTraceFileMaxSizeKB = 1024 * 1024
)

// Config is the top-level querytrace configuration.
type Config struct {
	// TraceLevel gates which records a statement emits:
	// 0=off, 1=basic, 4=+binds, 8=+tiered I/O detail, 12=+full plan.
	TraceLevel int `yaml:"trace_level"`

	// TraceDirectory is where session trace files are written.
	TraceDirectory string `yaml:"trace_directory"`

	TraceWaits         bool `yaml:"trace_waits"`
	TraceBindVariables bool `yaml:"trace_bind_variables"`
	TraceBufferStats   bool `yaml:"trace_buffer_stats"`

	// OsCacheThresholdUS splits sub-threshold block reads into the
	// OS-cache tier; reads at or above it count as disk.
	OsCacheThresholdUS int `yaml:"os_cache_threshold_us"`

	TraceFileMaxSizeKB int `yaml:"trace_file_max_size_kb"`

	// StatementFilter is an optional CEL expression; when set, only
	// statements for which it evaluates to true are traced.
	// Variables: sql, fingerprint, statement_id.
	StatementFilter string `yaml:"statement_filter"`

	// AttributionSlots sizes the shared pid -> statement table.
	AttributionSlots int `yaml:"attribution_slots"`

	Storage StorageConfig `yaml:"storage"`
	Live    LiveConfig    `yaml:"live"`

	LogLevel string `yaml:"log_level"`
}

// StorageConfig controls the statement-summary repository.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LiveConfig controls the websocket live trace feed.
type LiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns a config matching the engine defaults, suitable
// for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		TraceLevel:         0,
		TraceDirectory:     "/tmp",
		TraceWaits:         true,
		TraceBindVariables: true,
		TraceBufferStats:   true,
		OsCacheThresholdUS: 500,
		TraceFileMaxSizeKB: 10 * 1024,
		AttributionSlots:   64,
		Storage: StorageConfig{
			Path: "./querytrace.db",
		},
		Live: LiveConfig{
			Addr: "127.0.0.1:6866",
		},
		LogLevel: "info",
	}
}

// Validate checks every bounded setting, wrapping ErrInvalidParameter
// with the offending name and range.
func (c *Config) Validate() error {
	if c.TraceLevel < MinTraceLevel || c.TraceLevel > MaxTraceLevel {
		return fmt.Errorf("%w: trace_level must be between %d and %d, got %d",
			ErrInvalidParameter, MinTraceLevel, MaxTraceLevel, c.TraceLevel)
	}
	if c.OsCacheThresholdUS < MinOsCacheThresholdUS || c.OsCacheThresholdUS > MaxOsCacheThresholdUS {
		return fmt.Errorf("%w: os_cache_threshold_us must be between %d and %d, got %d",
			ErrInvalidParameter, MinOsCacheThresholdUS, MaxOsCacheThresholdUS, c.OsCacheThresholdUS)
	}
	if c.TraceFileMaxSizeKB < MinTraceFileMaxSizeKB || c.TraceFileMaxSizeKB > MaxTraceFileMaxSizeKB {
		return fmt.Errorf("%w: trace_file_max_size_kb must be between %d and %d, got %d",
			ErrInvalidParameter, MinTraceFileMaxSizeKB, MaxTraceFileMaxSizeKB, c.TraceFileMaxSizeKB)
	}
	if c.AttributionSlots < 1 {
		return fmt.Errorf("%w: attribution_slots must be at least 1, got %d",
			ErrInvalidParameter, c.AttributionSlots)
	}
	if c.TraceDirectory == "" {
		return fmt.Errorf("%w: trace_directory must not be empty", ErrInvalidParameter)
	}
	return nil
}
