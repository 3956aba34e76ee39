// Package coordinator implements the supervisor side of the control
// plane: it owns the store connection, the current supergraph, the
// locally-launched nodes, and the command dispatch loop that drives
// graph lifecycle transitions.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/brandlab/orchestrator/internal/graphmodel"
	"github.com/brandlab/orchestrator/internal/protocol"
	"github.com/brandlab/orchestrator/pkg/apperror"
	"github.com/brandlab/orchestrator/pkg/audit"
	"github.com/brandlab/orchestrator/pkg/metrics"
	"github.com/brandlab/orchestrator/pkg/process"
	"github.com/brandlab/orchestrator/pkg/store"
	"github.com/brandlab/orchestrator/pkg/telemetry"
)

// Config carries everything the Coordinator needs that isn't derived
// at runtime: the wired dependencies plus the machine identity and
// paths recovered from the CLI flags.
type Config struct {
	Store      *store.Store
	Supervisor *process.Supervisor
	Log        *slog.Logger
	Metrics    *metrics.Metrics
	Audit      audit.Logger

	Machine    string
	Host       string
	Port       int
	UnixSocket string
	BaseDir    string // node-module root, used to resolve binary paths
	BrandHash  string // VCS head of BaseDir, for the supergraph-level hash check
	DataDir    string
}

// Coordinator is the supervisor's command loop: it tails
// supervisor_ipstream, dispatches recognized commands, and classifies
// every error a handler returns into the appropriate status stream
// entry, exactly as the per-command table and the error-classification
// rule in spec.md §4.5 describe.
type Coordinator struct {
	store      *store.Store
	supervisor *process.Supervisor
	log        *slog.Logger
	metrics    *metrics.Metrics
	audit      audit.Logger

	machine    string
	host       string
	port       int
	unixSocket string
	baseDir    string
	brandHash  string

	mu             sync.Mutex
	dataDir        string
	savePath       string
	snapshotDir    string
	rdbFilename    string
	graphFile      string
	graph          *graphmodel.Supergraph
	booterStatusID string
}

// New builds a Coordinator from cfg. It performs no I/O; call Start to
// run the initialization sequence before Run.
func New(cfg Config) *Coordinator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	auditLogger := cfg.Audit
	if auditLogger == nil {
		auditLogger = &audit.NoopLogger{}
	}
	return &Coordinator{
		store:          cfg.Store,
		supervisor:     cfg.Supervisor,
		log:            log,
		metrics:        cfg.Metrics,
		audit:          auditLogger,
		machine:        cfg.Machine,
		host:           cfg.Host,
		port:           cfg.Port,
		unixSocket:     cfg.UnixSocket,
		baseDir:        cfg.BaseDir,
		brandHash:      cfg.BrandHash,
		dataDir:        cfg.DataDir,
		booterStatusID: "0-0",
	}
}

// Start runs the initialization sequence: resolves the idle save path
// and RDB filename, pushes both to the store's config, and publishes
// the initial stopped status.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.resetSavePathLocked(time.Now()); err != nil {
		return err
	}
	if err := c.store.SetConfig(ctx, "dir", c.snapshotDir); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	if err := c.store.SetConfig(ctx, "dbfilename", c.rdbFilename); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	_, err := c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{
		protocol.FieldStatus: string(protocol.StatusStopped),
	})
	return err
}

// resetSavePathLocked resolves the idle save path under the current
// data directory. Metadata-based participant resolution only applies
// once a graph document is loaded, so the idle path always defaults to
// participant "0".
func (c *Coordinator) resetSavePathLocked(now time.Time) error {
	savePath, err := graphmodel.ResolveSaveDir(c.dataDir, nil, now)
	if err != nil {
		return fmt.Errorf("coordinator: resolving save path: %w", err)
	}
	c.savePath = savePath
	c.snapshotDir = graphmodel.RDBDir(savePath)
	if err := os.MkdirAll(c.snapshotDir, 0o755); err != nil {
		return fmt.Errorf("coordinator: creating snapshot dir: %w", err)
	}
	c.rdbFilename = graphmodel.IdleRDBFilename(now)
	return nil
}

// Run tails the command stream until ctx is cancelled. Each iteration
// polls booter_status for errors, reads one command, dispatches it, and
// funnels any error through the classification rules spec.md §4.5
// prescribes. A store connection failure is fatal and returned to the
// caller; every other classified error is reported and the loop
// continues listening.
func (c *Coordinator) Run(ctx context.Context) error {
	lastID := "$"
	if _, err := c.store.Append(ctx, protocol.StreamSupervisorStatus, map[string]string{
		protocol.FieldStatus: "Listening for commands",
	}); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.checkBooter(ctx); err != nil {
			if apperror.Code(err) == apperror.CodeRedisError {
				return err
			}
			c.handleLoopError(ctx, err)
			continue
		}

		entries, err := c.store.ReadTail(ctx, []string{protocol.StreamSupervisorCommand}, lastID, 1, 5000)
		if err != nil {
			return apperror.NewRedisError(err.Error()).Wrap(err)
		}
		if len(entries) == 0 {
			continue
		}

		lastID = entries[0].ID
		fields := entries[0].Fields
		if _, ok := fields[protocol.FieldCommands]; !ok {
			c.store.Append(ctx, protocol.StreamSupervisorStatus, map[string]string{
				protocol.FieldStatus:  "Invalid supervisor_ipstream entry",
				protocol.FieldMessage: "no 'commands' key found in the supervisor_ipstream entry",
			})
			continue
		}

		if err := c.dispatch(ctx, fields); err != nil {
			if apperror.Code(err) == apperror.CodeRedisError {
				return err
			}
			c.handleLoopError(ctx, err)
		}
	}
}

// dispatch routes one supervisor_ipstream entry to its command handler,
// wrapping the whole thing in a span so every handler below inherits a
// recording parent that handleLoopError's RecordError call can attach to.
func (c *Coordinator) dispatch(ctx context.Context, fields map[string]string) error {
	cmd := strings.ToLower(fields[protocol.FieldCommands])

	ctx, span := telemetry.StartSpan(ctx, "coordinator.dispatch",
		telemetry.WithAttributes(telemetry.CommandAttributes(cmd, "dispatched")...))
	defer span.End()

	err := c.dispatchCommand(ctx, cmd, fields)
	if err != nil {
		telemetry.SetError(ctx, err)
	} else {
		telemetry.SetAttributes(ctx, attribute.String(telemetry.AttrCommandStatus, "ok"))
	}
	return err
}

func (c *Coordinator) dispatchCommand(ctx context.Context, cmd string, fields map[string]string) error {
	switch cmd {
	case strings.ToLower(protocol.CommandLoadGraph):
		return c.handleLoadGraph(ctx, fields, false)
	case strings.ToLower(protocol.CommandStartGraph):
		return c.handleLoadGraph(ctx, fields, true)
	case strings.ToLower(protocol.CommandUpdateParameters):
		return c.handleUpdateParameters(ctx, fields)
	case strings.ToLower(protocol.CommandStopGraph):
		return c.handleStopGraph(ctx)
	case strings.ToLower(protocol.CommandStopGraphAndSaveNWB):
		return c.handleStopGraphAndSaveNWB(ctx)
	case strings.ToLower(protocol.CommandSaveRDB):
		return c.handleSaveRDB(ctx)
	case strings.ToLower(protocol.CommandSaveNWB):
		return c.handleSaveNWB(ctx)
	case strings.ToLower(protocol.CommandFlushDB):
		return c.handleFlushDB(ctx)
	case strings.ToLower(protocol.CommandSetDataDir):
		return c.handleSetDataDir(ctx, fields)
	case strings.ToLower(protocol.CommandMake):
		return c.handleMake(ctx)
	default:
		c.log.Warn("invalid command received", "command", fields[protocol.FieldCommands])
		return nil
	}
}

// checkBooter polls booter_status for entries newer than the last one
// observed, raising a BooterError on the first error-class entry found,
// exactly as the Python original's checkBooter does.
func (c *Coordinator) checkBooter(ctx context.Context) error {
	c.mu.Lock()
	lastID := c.booterStatusID
	c.mu.Unlock()

	entries, err := c.store.ReadRange(ctx, protocol.StreamBooterStatus, "("+lastID, "+")
	if err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	if len(entries) == 0 {
		return nil
	}

	defer func() {
		c.mu.Lock()
		c.booterStatusID = entries[len(entries)-1].ID
		c.mu.Unlock()
	}()

	for _, entry := range entries {
		status := entry.Fields[protocol.FieldStatus]
		if protocol.ErrorBooterStatuses()[status] {
			return apperror.NewBooterError(
				entry.Fields[protocol.FieldMachine],
				c.currentGraphName(),
				entry.Fields[protocol.FieldMessage],
				apperror.ErrorCode(status),
			).Wrap(fmt.Errorf("%s", entry.Fields[protocol.FieldTraceback]))
		}
	}
	return nil
}

func (c *Coordinator) currentGraphName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.graph == nil {
		return ""
	}
	return c.graph.GraphName
}

// handleLoopError classifies err per spec.md §4.5's error-classification
// rule and appends the corresponding status entries, mirroring the
// Python main loop's except clauses keyed on exception type rather than
// dispatching on error identity.
func (c *Coordinator) handleLoopError(ctx context.Context, err error) {
	appErr := apperror.Classify(err)
	telemetry.RecordError(ctx, appErr)

	switch appErr.Code {
	case apperror.CodeGraphError:
		c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{
			protocol.FieldStatus:    string(protocol.StatusGraphFailed),
			protocol.FieldMessage:   appErr.Message,
			protocol.FieldTraceback: traceback(appErr),
		})
		c.revertGraphStatusLocked(ctx)
		c.log.Error("graph operation failed", "graph", appErr.Graph, "error", appErr.Message)

	case apperror.CodeNodeError:
		c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{
			protocol.FieldStatus:    string(protocol.StatusGraphFailed),
			protocol.FieldMessage:   appErr.Message,
			protocol.FieldTraceback: traceback(appErr),
		})
		c.store.Append(ctx, protocol.StreamSupervisorCommand, map[string]string{
			protocol.FieldCommands: protocol.CommandStopGraph,
		})
		c.log.Error("node error", "node", appErr.Node, "graph", appErr.Graph, "error", appErr.Message)

	case apperror.CodeBooterError:
		sourceCode, _ := appErr.Details["source_code"].(apperror.ErrorCode)
		if sourceCode == apperror.CodeCommandError {
			c.store.Append(ctx, protocol.StreamSupervisorStatus, map[string]string{
				protocol.FieldStatus:    string(sourceCode),
				protocol.FieldMessage:   appErr.Message,
				protocol.FieldTraceback: traceback(appErr),
			})
		} else {
			c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{
				protocol.FieldStatus:    string(protocol.StatusGraphFailed),
				protocol.FieldMessage:   appErr.Message,
				protocol.FieldTraceback: traceback(appErr),
			})
			c.store.Append(ctx, protocol.StreamSupervisorCommand, map[string]string{
				protocol.FieldCommands: protocol.CommandStopGraph,
			})
		}
		c.log.Error("booter error", "machine", appErr.Machine, "error", appErr.Message)

	case apperror.CodeDerivativeError:
		c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{
			protocol.FieldStatus:    string(protocol.StatusGraphFailed),
			protocol.FieldMessage:   appErr.Message,
			protocol.FieldTraceback: traceback(appErr),
		})
		c.revertGraphStatusLocked(ctx)
		c.log.Error("derivative error", "derivative", appErr.Details["derivative"], "error", appErr.Message)

	case apperror.CodeCommandError:
		c.store.Append(ctx, protocol.StreamSupervisorStatus, map[string]string{
			protocol.FieldStatus:    "Command error",
			protocol.FieldMessage:   appErr.Message,
			protocol.FieldTraceback: traceback(appErr),
		})
		c.store.Append(ctx, protocol.StreamSupervisorStatus, map[string]string{
			protocol.FieldStatus: "Listening for commands",
		})
		c.log.Error("command error", "command", appErr.Details["command"], "error", appErr.Message)

	default:
		c.store.Append(ctx, protocol.StreamSupervisorStatus, map[string]string{
			protocol.FieldStatus:    string(protocol.BooterStatusUnhandled),
			protocol.FieldMessage:   appErr.Message,
			protocol.FieldTraceback: traceback(appErr),
		})
		c.store.Append(ctx, protocol.StreamSupervisorStatus, map[string]string{
			protocol.FieldStatus: "Listening for commands",
		})
		c.log.Error("unhandled exception", "error", appErr.Message)
	}
}

// revertGraphStatusLocked re-appends the status preceding the just-failed
// one when nodes are still tracked (mirroring the Python original's
// "rewrite previous graph_status" behavior), else falls back to stopped.
func (c *Coordinator) revertGraphStatusLocked(ctx context.Context) {
	if len(c.supervisor.Handles()) > 0 {
		history, err := c.store.ReadReverse(ctx, protocol.StreamGraphStatus, 2)
		if err == nil && len(history) == 2 {
			c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{
				protocol.FieldStatus: history[1].Fields[protocol.FieldStatus],
			})
			return
		}
	}
	c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{
		protocol.FieldStatus: string(protocol.StatusStopped),
	})
}

func traceback(e *apperror.Error) string {
	if e.Cause != nil {
		return "Supervisor: " + e.Cause.Error()
	}
	return "Supervisor: " + e.Message
}
