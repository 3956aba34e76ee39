// Command supervisor runs the BRAND supervisor coordinator: it loads
// declarative graph documents, launches the nodes assigned to its own
// machine, and relays startGraph/stopGraph to the booters on every
// other machine in the graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brandlab/orchestrator/internal/coordinator"
	"github.com/brandlab/orchestrator/pkg/audit"
	"github.com/brandlab/orchestrator/pkg/config"
	"github.com/brandlab/orchestrator/pkg/logger"
	"github.com/brandlab/orchestrator/pkg/metrics"
	"github.com/brandlab/orchestrator/pkg/process"
	"github.com/brandlab/orchestrator/pkg/store"
	"github.com/brandlab/orchestrator/pkg/telemetry"
)

func main() {
	var (
		configPath = flag.String("c", "", "store config file")
		host       = flag.String("i", "", "ip address of the store server")
		port       = flag.Int("p", 0, "port of the store server")
		socket     = flag.String("s", "", "unix socket path for the store server")
		graphFile  = flag.String("g", "", "graph document to load at startup")
		dataDir    = flag.String("d", "", "root directory for saved data")
		priority   = flag.Int("r", 0, "chrt -f real-time priority (logged; nodes use their own run_priority)")
		affinity   = flag.String("a", "", "taskset -c cpu affinity mask (logged; nodes use their own cpu_affinity)")
		logLevel   = flag.String("l", "", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	var loaderOpts []config.LoaderOption
	if *configPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigPaths(*configPath))
	}
	cfg, err := config.NewLoader(loaderOpts...).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, *host, *socket, *dataDir, *logLevel, *port, *priority, *affinity)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "supervisor: invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output,
		FilePath: cfg.Log.FilePath, MaxSize: cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups, MaxAge: cfg.Log.MaxAge, Compress: cfg.Log.Compress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Enabled: cfg.Tracing.Enabled, Endpoint: cfg.Tracing.Endpoint,
			ServiceName: cfg.App.Name, Version: cfg.App.Version,
			Environment: cfg.App.Environment, SampleRate: cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Warn("failed to init telemetry", "error", err)
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)
		go func() {
			if err := metrics.StartMetricsServer(cfg.Metrics.Port); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	auditLogger, err := audit.New(&audit.Config{
		Enabled: cfg.Audit.Enabled, Backend: cfg.Audit.Backend, FilePath: cfg.Audit.FilePath,
		BufferSize: cfg.Audit.BufferSize, FlushPeriod: cfg.Audit.FlushPeriod,
	}, log)
	if err != nil {
		log.Warn("failed to init audit logger, falling back to noop", "error", err)
		auditLogger = &audit.NoopLogger{}
	}
	defer auditLogger.Close()

	s, err := store.New(cfg.Store)
	if err != nil {
		log.Error("could not connect to store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	sup := process.New(cfg.Process)

	coord := coordinator.New(coordinator.Config{
		Store: s, Supervisor: sup, Log: log, Metrics: m, Audit: auditLogger,
		Machine: "local", Host: cfg.Store.Host, Port: cfg.Store.Port, UnixSocket: cfg.Store.Socket,
		BaseDir: cfg.Process.BaseDir, DataDir: cfg.Process.DataDir,
	})

	if err := coord.Start(ctx); err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}

	if *graphFile != "" {
		log.Info("loading initial graph", "file", *graphFile)
		if err := coord.LoadFromFile(ctx, *graphFile); err != nil {
			log.Error("failed to load initial graph", "file", *graphFile, "error", err)
		}
	}

	log.Info("supervisor starting",
		"version", cfg.App.Version, "environment", cfg.App.Environment,
		"default_priority", *priority, "default_affinity", *affinity)

	if err := coord.Run(ctx); err != nil {
		log.Error("supervisor exiting", "error", err)
		os.Exit(1)
	}
	log.Info("supervisor stopped cleanly")
}

func applyFlagOverrides(cfg *config.Config, host, socket, dataDir, logLevel string, port, priority int, affinity string) {
	if host != "" {
		cfg.Store.Host = host
	}
	if port != 0 {
		cfg.Store.Port = port
	}
	if socket != "" {
		cfg.Store.Socket = socket
	}
	if dataDir != "" {
		cfg.Process.DataDir = dataDir
	}
	if priority != 0 {
		cfg.Process.Priority = priority
	}
	if affinity != "" {
		cfg.Process.CPUAffinity = affinity
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}
