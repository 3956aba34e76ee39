// Command booter runs the BRAND per-machine booter daemon: it listens
// for startGraph/stopGraph/make commands relayed by the supervisor
// coordinator and launches or terminates the nodes assigned to its own
// machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brandlab/orchestrator/internal/booterd"
	"github.com/brandlab/orchestrator/pkg/config"
	"github.com/brandlab/orchestrator/pkg/logger"
	"github.com/brandlab/orchestrator/pkg/process"
	"github.com/brandlab/orchestrator/pkg/store"
)

func main() {
	var (
		machine  = flag.String("m", "", "machine name this booter represents (required)")
		host     = flag.String("i", "", "ip address of the store server")
		port     = flag.Int("p", 0, "port of the store server")
		socket   = flag.String("s", "", "unix socket path for the store server")
		priority = flag.Int("r", 0, "chrt -f real-time priority (logged; nodes use their own run_priority)")
		affinity = flag.String("a", "", "taskset -c cpu affinity mask (logged; nodes use their own cpu_affinity)")
		logLevel = flag.String("l", "", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	if *machine == "" {
		fmt.Fprintln(os.Stderr, "booter: -m machine is required")
		os.Exit(1)
	}

	cfg, err := config.NewLoader().Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "booter: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.App.Name == "brand-supervisor" {
		cfg.App.Name = "brand-booter"
	}
	applyFlagOverrides(cfg, *host, *socket, *logLevel, *port, *priority, *affinity)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "booter: invalid config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output,
		FilePath: cfg.Log.FilePath, MaxSize: cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups, MaxAge: cfg.Log.MaxAge, Compress: cfg.Log.Compress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.New(cfg.Store)
	if err != nil {
		log.Error("could not connect to store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	sup := process.New(cfg.Process)

	b := booterd.New(booterd.Config{
		Store:      s,
		Supervisor: sup,
		Log:        log,
		Machine:    *machine,
		BaseDir:    cfg.Process.BaseDir,
	})

	log.Info("booter starting", "machine", *machine, "version", cfg.App.Version,
		"default_priority", *priority, "default_affinity", *affinity)

	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(ctx) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Process.KillTimeout+cfg.Process.InterruptTimeout)
		defer cancel()
		if err := b.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown reporting failed", "error", err)
		}
		<-runErr
	case err := <-runErr:
		if err != nil {
			log.Error("booter exiting", "error", err)
			os.Exit(1)
		}
	}

	log.Info("booter stopped cleanly")
}

func applyFlagOverrides(cfg *config.Config, host, socket, logLevel string, port, priority int, affinity string) {
	if host != "" {
		cfg.Store.Host = host
	}
	if port != 0 {
		cfg.Store.Port = port
	}
	if socket != "" {
		cfg.Store.Socket = socket
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
