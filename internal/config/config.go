// Package config loads dmftloop's global configuration.
//
// Precedence, highest first: runtime overrides, DMFTLOOP_* environment
// variables, the config file, built-in defaults. Per-instance pipeline
// definitions live in the run manifest, not here.
package config

import (
	"time"

	"github.com/3leaps/dmftloop/internal/observability"
)

// Config is the global configuration.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
}

// LoggingConfig controls the CLI and per-instance loggers.
type LoggingConfig struct {
	Level string                   `mapstructure:"level"`
	File  observability.FileConfig `mapstructure:"file"`
}

// ServerConfig controls the optional status server started by "run".
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SchedulerConfig controls auxiliary job submission.
type SchedulerConfig struct {
	QueueSize  int      `mapstructure:"queue_size"`
	Rate       float64  `mapstructure:"rate"`
	Burst      int      `mapstructure:"burst"`
	SbatchPath string   `mapstructure:"sbatch_path"`
	SbatchArgs []string `mapstructure:"sbatch_args"`
}

// MirrorConfig configures the off-cluster copy of bundle containers.
type MirrorConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Provider  string `mapstructure:"provider"`
	KeyPrefix string `mapstructure:"key_prefix"`

	// S3
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`

	// File
	BaseDir string `mapstructure:"base_dir"`
}

// EnvSpec maps an environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}
