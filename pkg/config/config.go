// Package config loads the process-level settings for the supervisor
// and booter daemons: where the store lives, where derived data is
// written, and how the ambient stack (logging, metrics, tracing, audit)
// behaves. The graph document itself is not process configuration and
// is parsed separately by internal/graphmodel.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level settings struct, populated by Loader.Load.
type Config struct {
	App     AppConfig     `koanf:"app"`
	Store   StoreConfig   `koanf:"store"`
	Process ProcessConfig `koanf:"process"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Tracing TracingConfig `koanf:"tracing"`
	Audit   AuditConfig   `koanf:"audit"`
}

// AppConfig holds settings common to both the supervisor and booter
// binaries.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// StoreConfig addresses the Redis-compatible stream store.
type StoreConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Socket          string        `koanf:"socket"` // unix socket path, takes precedence over host/port
	Password        string        `koanf:"password"`
	DB              int           `koanf:"db"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ReadBlockMillis int64         `koanf:"read_block_millis"`
}

// Address returns the TCP address for the store, or empty if a socket
// path is configured (the caller should prefer Socket when set).
func (s StoreConfig) Address() string {
	if s.Socket != "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProcessConfig holds the data and node directories and the staged
// termination timeouts for launched node processes.
type ProcessConfig struct {
	DataDir          string        `koanf:"data_dir"`
	BaseDir          string        `koanf:"base_dir"` // root containing <module>/nodes/<name>/<name>.bin
	Priority         int           `koanf:"priority"` // chrt -f value set by -r; logged at startup, not applied to launched nodes
	CPUAffinity      string        `koanf:"cpu_affinity"` // taskset -c mask set by -a; logged at startup, not applied to launched nodes
	InterruptTimeout time.Duration `koanf:"interrupt_timeout"`
	KillTimeout      time.Duration `koanf:"kill_timeout"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level      string `koanf:"level"`  // debug, info, warn, error
	Format     string `koanf:"format"` // json, text
	Output     string `koanf:"output"` // stdout, stderr, file
	FilePath   string `koanf:"file_path"`
	MaxSize    int  `koanf:"max_size"` // MB
	MaxBackups int  `koanf:"max_backups"`
	MaxAge     int  `koanf:"max_age"` // days
	Compress   bool `koanf:"compress"`
}

// MetricsConfig configures the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures the OpenTelemetry OTLP/gRPC exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// AuditConfig configures the lifecycle audit trail.
type AuditConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Backend     string        `koanf:"backend"` // stdout, file
	FilePath    string        `koanf:"file_path"`
	BufferSize  int           `koanf:"buffer_size"`
	FlushPeriod time.Duration `koanf:"flush_period"`
}

// Validate checks the config for invariant violations. Mirrors the
// aggregate-then-report style used for graph validation: collects all
// problems rather than failing on the first.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.Store.Socket == "" {
		if c.Store.Port <= 0 || c.Store.Port > 65535 {
			errs = append(errs, fmt.Sprintf("store.port must be between 1 and 65535, got %d", c.Store.Port))
		}
		if c.Store.Host == "" {
			errs = append(errs, "store.host is required when store.socket is not set")
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Process.Priority < 0 || c.Process.Priority > 99 {
		errs = append(errs, fmt.Sprintf("process.priority must be between 0 and 99, got %d", c.Process.Priority))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the configured environment is development.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
