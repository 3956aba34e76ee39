// Package logger builds structured loggers for the coordinator and
// booter daemons. Unlike a package-level global, New returns a value
// the caller threads through its own components explicitly.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures a logger instance.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, text
	Output     string // stdout, stderr, file
	FilePath   string
	MaxSize    int // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Default returns a Config producing JSON output to stdout at info level.
func Default() Config {
	return Config{Level: "info", Format: "json", Output: "stdout"}
}

// New builds a *slog.Logger from cfg. File output is rotated through
// lumberjack; a bad file path falls back to stdout rather than failing
// construction, since a coordinator that can't log should still run.
func New(cfg Config) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var writer io.Writer
	switch cfg.Output {
	case "stderr":
		writer = os.Stderr
	case "file":
		path := cfg.FilePath
		if path == "" {
			path = "logs/orchestrator.log"
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			writer = os.Stdout
		} else {
			writer = &lumberjack.Logger{
				Filename:   path,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			}
		}
	default:
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler)
}

// WithComponent returns a child logger tagged with the emitting
// component ("supervisor" or "booter") and, for a booter, its machine.
func WithComponent(base *slog.Logger, component, machine string) *slog.Logger {
	if machine == "" {
		return base.With("component", component)
	}
	return base.With("component", component, "machine", machine)
}

// WithGraph returns a child logger tagged with the active graph name.
func WithGraph(base *slog.Logger, graph string) *slog.Logger {
	return base.With("graph", graph)
}

// Noop returns a logger that discards everything, for tests that don't
// care about log output.
func Noop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
