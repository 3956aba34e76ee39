// Package booterd implements the per-machine booter daemon: it tails
// the booter stream for startGraph/stopGraph/make verbs dispatched by
// the supervisor coordinator, launches and terminates the nodes
// assigned to its own machine, and reports outcomes on booter_status.
package booterd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/brandlab/orchestrator/internal/graphmodel"
	"github.com/brandlab/orchestrator/internal/protocol"
	"github.com/brandlab/orchestrator/pkg/apperror"
	"github.com/brandlab/orchestrator/pkg/process"
	"github.com/brandlab/orchestrator/pkg/store"
)

// Config carries a Booter's wired dependencies and machine identity.
type Config struct {
	Store      *store.Store
	Supervisor *process.Supervisor
	Log        *slog.Logger

	Machine string
	BaseDir string // node-module root, used to resolve this machine's node binaries
}

// Booter launches and terminates the nodes assigned to one machine,
// on commands relayed from the supervisor coordinator over the booter
// stream. Unlike the coordinator, a Booter never originates a graph —
// it only ever receives one already resolved.
type Booter struct {
	store      *store.Store
	supervisor *process.Supervisor
	log        *slog.Logger

	machine string
	baseDir string

	mu    sync.Mutex
	graph *graphmodel.Supergraph
}

// New builds a Booter from cfg.
func New(cfg Config) *Booter {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Booter{
		store:      cfg.Store,
		supervisor: cfg.Supervisor,
		log:        log,
		machine:    cfg.Machine,
		baseDir:    cfg.BaseDir,
	}
}

// Run tails the booter stream until ctx is cancelled, dispatching each
// entry and funnelling any resulting error to booter_status. A store
// connection failure is fatal and returned to the caller.
func (b *Booter) Run(ctx context.Context) error {
	if _, err := b.store.Append(ctx, protocol.StreamBooterStatus, map[string]string{
		protocol.FieldMachine: b.machine,
		protocol.FieldStatus:  "Listening for commands",
	}); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	b.log.Info("listening for commands")

	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		entries, err := b.store.ReadTail(ctx, []string{protocol.StreamBooter}, lastID, 1, 5000)
		if err != nil {
			return apperror.NewRedisError(err.Error()).Wrap(err)
		}
		if len(entries) == 0 {
			continue
		}
		lastID = entries[0].ID
		fields := entries[0].Fields

		b.log.Info("received command", "command", fields[protocol.FieldCommand])
		if err := b.parseCommand(ctx, fields); err != nil {
			if apperror.Code(err) == apperror.CodeRedisError {
				return err
			}
			b.handleCommandError(ctx, err)
		}
	}
}

// parseCommand dispatches one booter-stream entry by its command verb.
func (b *Booter) parseCommand(ctx context.Context, fields map[string]string) error {
	switch fields[protocol.FieldCommand] {
	case protocol.BooterStartGraph:
		var graph graphmodel.Supergraph
		if err := json.Unmarshal([]byte(fields[protocol.FieldGraph]), &graph); err != nil {
			return apperror.NewGraphError("", fmt.Sprintf("could not decode supergraph: %v", err))
		}
		if err := b.loadGraph(&graph); err != nil {
			return err
		}
		return b.startGraph(ctx)

	case protocol.BooterStopGraph:
		return b.stopGraph(ctx)

	case protocol.BooterMake:
		return b.make(ctx)

	default:
		b.log.Warn("invalid booter command received", "command", fields[protocol.FieldCommand])
		return nil
	}
}

// loadGraph adopts graph as the current model, validating the overall
// BRAND hash and resolving + hash-checking every node assigned to this
// machine. The supervisor resolves binary paths only for its own
// machine's nodes before publishing, so a Booter must resolve its own
// machine's nodes independently.
func (b *Booter) loadGraph(graph *graphmodel.Supergraph) error {
	if hash, err := graphmodel.VCSHead(b.baseDir); err == nil && graph.BrandHash != "" && hash != graph.BrandHash {
		b.log.Warn("BRAND repository hash does not match supergraph", "machine", b.machine)
	}

	var names []string
	for nickname, node := range graph.Nodes {
		names = append(names, nickname)
		if node.Machine != b.machine {
			continue
		}
		binPath := graphmodel.NodeBinaryPath(b.baseDir, node.Module, node.Name)
		if _, err := os.Stat(binPath); err != nil {
			return apperror.NewNodeError(graph.GraphName, nickname, fmt.Sprintf("executable not found at %s", binPath))
		}
		node.BinaryPath = binPath
		if _, warnings := graphmodel.ReconcileHash(filepath.Dir(binPath), node.GitHash); len(warnings) > 0 {
			for _, w := range warnings {
				b.log.Warn("node hash reconciliation warning", "node", nickname, "message", w.Message)
			}
		}
	}

	b.mu.Lock()
	b.graph = graph
	b.mu.Unlock()
	b.log.Info("loaded graph", "nodes", names)
	return nil
}

// startGraph launches every node assigned to this machine.
func (b *Booter) startGraph(ctx context.Context) error {
	graph := b.currentGraph()
	if graph == nil {
		return apperror.NewGraphError("", "no graph loaded")
	}

	for nickname, node := range graph.Nodes {
		if node.Machine != b.machine {
			continue
		}
		args := []string{"-n", nickname, "-i", graph.RedisHost, "-p", fmt.Sprintf("%d", graph.RedisPort)}
		argv := process.BuildArgv(node.BinaryPath, args, node.RunPriority, node.CPUAffinity)
		if _, err := b.supervisor.Launch(nickname, argv); err != nil {
			return apperror.NewNodeError(graph.GraphName, nickname, fmt.Sprintf("could not launch node: %v", err))
		}
	}

	_, err := b.store.Append(ctx, protocol.StreamBooterStatus, map[string]string{
		protocol.FieldMachine: b.machine,
		protocol.FieldStatus:  fmt.Sprintf("%s graph started successfully", graph.GraphName),
	})
	if err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	return nil
}

// stopGraph terminates every node this Booter launched.
func (b *Booter) stopGraph(ctx context.Context) error {
	stuck := b.supervisor.TerminateAll()
	if len(stuck) > 0 {
		names := make([]string, len(stuck))
		for i, s := range stuck {
			names[i] = fmt.Sprintf("%s (%d)", s.Nickname, s.PID)
		}
		b.log.Warn("could not kill these nodes", "nodes", strings.Join(names, ", "))
	}

	graphName := "None"
	if graph := b.currentGraph(); graph != nil {
		graphName = graph.GraphName
	}
	_, err := b.store.Append(ctx, protocol.StreamBooterStatus, map[string]string{
		protocol.FieldMachine: b.machine,
		protocol.FieldStatus:  fmt.Sprintf("%s graph stopped successfully", graphName),
	})
	if err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	return nil
}

// make builds every node and derivative under baseDir.
func (b *Booter) make(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "make")
	cmd.Dir = b.baseDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return apperror.NewCommandError("make", fmt.Sprintf("make returned an error: %v", err), string(out))
	}

	_, appendErr := b.store.Append(ctx, protocol.StreamBooterStatus, map[string]string{
		protocol.FieldMachine: b.machine,
		protocol.FieldStatus:  "Make completed successfully",
	})
	if appendErr != nil {
		return apperror.NewRedisError(appendErr.Error()).Wrap(appendErr)
	}
	b.log.Info("make completed successfully")
	return nil
}

// handleCommandError classifies err per spec.md §4.4's booter error
// classification: GraphError/NodeError/CommandError each report their
// class and message on booter_status before resuming; anything else
// reports as an unhandled exception. Both branches then resume
// listening, mirroring the Python original's run() except clauses.
func (b *Booter) handleCommandError(ctx context.Context, err error) {
	appErr := apperror.Classify(err)

	status := string(appErr.Code)
	if appErr.Code == apperror.CodeUnhandled {
		status = string(protocol.BooterStatusUnhandled)
	}

	b.store.Append(ctx, protocol.StreamBooterStatus, map[string]string{
		protocol.FieldMachine:   b.machine,
		protocol.FieldStatus:    status,
		protocol.FieldMessage:   appErr.Message,
		protocol.FieldTraceback: "Booter " + b.machine + " " + traceback(appErr),
	})
	b.store.Append(ctx, protocol.StreamBooterStatus, map[string]string{
		protocol.FieldMachine: b.machine,
		protocol.FieldStatus:  "Listening for commands",
	})

	switch appErr.Code {
	case apperror.CodeNodeError:
		b.log.Error("node error", "node", appErr.Node, "graph", appErr.Graph, "error", appErr.Message)
	case apperror.CodeGraphError:
		b.log.Error("graph error", "graph", appErr.Graph, "error", appErr.Message)
	case apperror.CodeCommandError:
		b.log.Error("command error", "command", appErr.Details["command"], "error", appErr.Message)
	default:
		b.log.Error("unhandled exception", "error", appErr.Message)
	}
}

func traceback(e *apperror.Error) string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

// Shutdown reports this booter's exit on booter_status, for the caller
// to invoke from a SIGINT handler before tearing the process down.
func (b *Booter) Shutdown(ctx context.Context) error {
	b.log.Info("SIGINT received, exiting")
	_, err := b.store.Append(ctx, protocol.StreamBooterStatus, map[string]string{
		protocol.FieldMachine: b.machine,
		protocol.FieldStatus:  "SIGINT received, Exiting",
	})
	if err != nil {
		b.log.Warn("could not write exit message to store", "error", err)
	}
	return nil
}

func (b *Booter) currentGraph() *graphmodel.Supergraph {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.graph
}
