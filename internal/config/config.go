// internal/config/config.go
package config

import (
	"fmt"
	"time"
)

// Config is the root taskd configuration.
type Config struct {
	// StateDir is where session records, logs and checkpoints live.
	StateDir string `koanf:"state_dir"`

	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Engine     EngineConfig     `koanf:"engine"`
	Session    SessionConfig    `koanf:"session"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Provider   ProviderConfig   `koanf:"provider"`
	Events     EventsConfig     `koanf:"events"`
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// SchedulerConfig controls the worker pool.
type SchedulerConfig struct {
	// Concurrency is the fixed worker pool size, valid range [1,10].
	Concurrency int `koanf:"concurrency"`

	// PollInterval is the cooperative drain poll interval.
	PollInterval Duration `koanf:"poll_interval"`
}

// EngineConfig controls the reflection loop.
type EngineConfig struct {
	// MaxIterations bounds strategic re-planning cycles per task.
	MaxIterations int `koanf:"max_iterations"`

	// TransientRetries bounds immediate retries on transient errors.
	// Transient retries do not consume a reflection iteration.
	TransientRetries int `koanf:"transient_retries"`

	// BackoffBase is the first transient retry delay; doubles per retry.
	BackoffBase Duration `koanf:"backoff_base"`

	// ConfidenceThreshold marks a task complete without provider calls.
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`
}

// SessionConfig controls session lifecycle behavior.
type SessionConfig struct {
	// StaleAfter is the inactivity window before a session reads as stale.
	StaleAfter Duration `koanf:"stale_after"`

	// Timeout bounds one session wall clock; zero disables.
	Timeout Duration `koanf:"timeout"`
}

// CheckpointConfig controls checkpoint retention.
type CheckpointConfig struct {
	// KeepRecent is how many non-phase checkpoints compaction retains.
	KeepRecent int `koanf:"keep_recent"`
}

// ProviderConfig controls the execution provider boundary.
type ProviderConfig struct {
	// RatePerMinute caps provider calls; zero disables limiting.
	RatePerMinute int `koanf:"rate_per_minute"`

	// Burst is the limiter burst size.
	Burst int `koanf:"burst"`
}

// EventsConfig controls the in-process event bus.
type EventsConfig struct {
	// HistorySize is the ring buffer capacity.
	HistorySize int `koanf:"history_size"`
}

// LogConfig carries the primitive logging settings; the logging package
// builds its full config from these.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig carries the primitive telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	Protocol string `koanf:"protocol"`
	Insecure bool   `koanf:"insecure"`
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.Scheduler.Concurrency < 1 || c.Scheduler.Concurrency > 10 {
		return fmt.Errorf("scheduler concurrency must be in [1,10], got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.PollInterval.Duration() <= 0 {
		return fmt.Errorf("scheduler poll_interval must be > 0")
	}
	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine max_iterations must be >= 1, got %d", c.Engine.MaxIterations)
	}
	if c.Engine.TransientRetries < 0 {
		return fmt.Errorf("engine transient_retries must be >= 0, got %d", c.Engine.TransientRetries)
	}
	if c.Engine.ConfidenceThreshold <= 0 || c.Engine.ConfidenceThreshold > 1 {
		return fmt.Errorf("engine confidence_threshold must be in (0,1], got %v", c.Engine.ConfidenceThreshold)
	}
	if c.Checkpoint.KeepRecent < 0 {
		return fmt.Errorf("checkpoint keep_recent must be >= 0, got %d", c.Checkpoint.KeepRecent)
	}
	if c.Provider.RatePerMinute < 0 {
		return fmt.Errorf("provider rate_per_minute must be >= 0, got %d", c.Provider.RatePerMinute)
	}
	if c.Events.HistorySize < 1 {
		return fmt.Errorf("events history_size must be >= 1, got %d", c.Events.HistorySize)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log format must be 'json' or 'console', got %q", c.Log.Format)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 3
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = Duration(50 * time.Millisecond)
	}
	if cfg.Engine.MaxIterations == 0 {
		cfg.Engine.MaxIterations = 3
	}
	if cfg.Engine.TransientRetries == 0 {
		cfg.Engine.TransientRetries = 3
	}
	if cfg.Engine.BackoffBase == 0 {
		cfg.Engine.BackoffBase = Duration(time.Second)
	}
	if cfg.Engine.ConfidenceThreshold == 0 {
		cfg.Engine.ConfidenceThreshold = 0.8
	}
	if cfg.Session.StaleAfter == 0 {
		cfg.Session.StaleAfter = Duration(7 * 24 * time.Hour)
	}
	if cfg.Checkpoint.KeepRecent == 0 {
		cfg.Checkpoint.KeepRecent = 5
	}
	if cfg.Events.HistorySize == 0 {
		cfg.Events.HistorySize = 256
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}
