package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/brandlab/orchestrator/internal/graphmodel"
	"github.com/brandlab/orchestrator/internal/protocol"
	"github.com/brandlab/orchestrator/pkg/apperror"
	"github.com/brandlab/orchestrator/pkg/audit"
	"github.com/brandlab/orchestrator/pkg/process"
	"github.com/brandlab/orchestrator/pkg/telemetry"
)

// LoadFromFile loads the graph document at path, for the CLI's `-g`
// startup flag. It does not start the graph; an operator command does.
func (c *Coordinator) LoadFromFile(ctx context.Context, path string) error {
	return c.handleLoadGraph(ctx, map[string]string{protocol.FieldFile: path}, false)
}

// handleLoadGraph implements the loadGraph/startGraph command pair. Both
// verbs accept the same `file`/`graph` inputs; startGraph additionally
// runs the start sequence (steps 5-8) once loading succeeds, or — if
// neither input is present — resumes the last-loaded graph.
func (c *Coordinator) handleLoadGraph(ctx context.Context, fields map[string]string, start bool) error {
	if len(c.supervisor.Handles()) > 0 {
		return apperror.NewGraphError(c.currentGraphName(), "graph already running, run stopGraph before initiating another graph")
	}

	rdbOverride := fields[protocol.FieldRDBName]

	var (
		doc       *graphmodel.GraphDocument
		err       error
		graphFile string
	)

	switch {
	case fields[protocol.FieldFile] != "":
		graphFile = fields[protocol.FieldFile]
		data, readErr := os.ReadFile(graphFile)
		if readErr != nil {
			return apperror.NewGraphError(graphFile, fmt.Sprintf("could not find the graph at %s", graphFile))
		}
		doc, err = graphmodel.ParseYAML(data, graphFile)
		if err != nil {
			return err
		}

	case fields[protocol.FieldGraph] != "":
		doc, err = graphmodel.ParseJSON([]byte(fields[protocol.FieldGraph]))
		if err != nil {
			return err
		}

	case start:
		if c.currentGraph() == nil {
			return apperror.NewGraphError("", "no graph provided with startGraph command and no graph previously loaded")
		}
		return c.startGraph(ctx)

	default:
		return apperror.NewGraphError("", "a graph YAML must be provided with the 'file' key or a graph dictionary must be provided with the 'graph' key")
	}

	entry := audit.NewEntry().Component("supervisor").Graph(doc.GraphName).ForAction(audit.ActionGraphLoad)
	if err := c.loadGraph(ctx, doc, graphFile, rdbOverride); err != nil {
		c.audit.Log(ctx, entry.WithOutcome(audit.OutcomeFailure).Error(string(apperror.Code(err)), err.Error()).Build())
		return err
	}
	c.audit.Log(ctx, entry.WithOutcome(audit.OutcomeSuccess).Build())

	if start {
		return c.startGraph(ctx)
	}
	return nil
}

// loadGraph runs the start sequence's steps 1-4: lifecycle status,
// snapshot path/filename resolution, validation, and supergraph
// publication. It does not start any node or contact the booter stream.
func (c *Coordinator) loadGraph(ctx context.Context, doc *graphmodel.GraphDocument, graphFile, rdbOverride string) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.loadGraph",
		telemetry.WithAttributes(telemetry.GraphAttributes(doc.GraphName, string(protocol.StatusParsing), len(doc.Nodes))...))
	defer span.End()

	if err := c.loadGraphTraced(ctx, doc, graphFile, rdbOverride); err != nil {
		telemetry.SetError(ctx, err)
		return err
	}
	telemetry.AddEvent(ctx, "graph published")
	return nil
}

func (c *Coordinator) loadGraphTraced(ctx context.Context, doc *graphmodel.GraphDocument, graphFile, rdbOverride string) error {
	c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{protocol.FieldStatus: string(protocol.StatusInitialized)})
	c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{protocol.FieldStatus: string(protocol.StatusParsing)})

	now := time.Now()
	savePath, err := graphmodel.ResolveSaveDir(c.dataDir, doc.Metadata, now)
	if err != nil {
		return apperror.NewGraphError(doc.GraphName, err.Error())
	}
	snapshotDir := graphmodel.RDBDir(savePath)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return apperror.NewGraphError(doc.GraphName, fmt.Sprintf("could not create snapshot directory: %v", err))
	}
	rdbFilename := rdbOverride
	if rdbFilename == "" {
		rdbFilename = graphmodel.RDBFilename(savePath, doc.GraphName, now)
	}
	if err := c.store.SetConfig(ctx, "dir", snapshotDir); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	if err := c.store.SetConfig(ctx, "dbfilename", rdbFilename); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}

	graph, validation := graphmodel.Validate(doc, graphmodel.ValidateConfig{
		BaseDir:   c.baseDir,
		Machine:   c.machine,
		RedisHost: c.host,
		RedisPort: c.port,
		BrandHash: c.brandHash,
	})
	for _, w := range validation.Warnings {
		c.log.Warn("graph validation warning", "message", w.Message, "node", w.Node)
	}
	if validation.HasErrors() {
		// Preserve the first error's real classification (NodeError for a
		// node entry that is incomplete, duplicated or has no executable;
		// GraphError for a derivative fault) instead of
		// flattening every validation fault into a GraphError; the caller
		// (handleLoopError) is what appends "graph failed", so don't
		// duplicate that here.
		first := validation.Errors[0]
		first.Message = strings.Join(validation.ErrorMessages(), "; ")
		return first
	}
	graph.Stamp(now)

	c.mu.Lock()
	c.graph = graph
	c.graphFile = graphFile
	c.savePath = savePath
	c.snapshotDir = snapshotDir
	c.rdbFilename = rdbFilename
	c.mu.Unlock()

	if err := c.publishGraph(ctx); err != nil {
		return err
	}
	_, err = c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{protocol.FieldStatus: string(protocol.StatusPublished)})
	return err
}

// publishGraph writes the current supergraph as a single
// {data: <json>} entry on supergraph_stream.
func (c *Coordinator) publishGraph(ctx context.Context) error {
	graph := c.currentGraph()
	payload, err := json.Marshal(graph)
	if err != nil {
		return apperror.NewGraphError(graph.GraphName, fmt.Sprintf("could not encode supergraph: %v", err))
	}
	_, err = c.store.Append(ctx, protocol.StreamSupergraph, map[string]string{protocol.FieldData: string(payload)})
	if err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	return nil
}

// startGraph runs the start sequence's steps 5-8: announce the graph to
// the booter stream, launch locally-assigned nodes, poll booter_status
// for an immediate failure, and transition to running.
func (c *Coordinator) startGraph(ctx context.Context) error {
	graph := c.currentGraph()
	if graph == nil {
		return apperror.NewGraphError("", "no graph loaded")
	}

	ctx, span := telemetry.StartSpan(ctx, "coordinator.startGraph",
		telemetry.WithAttributes(telemetry.GraphAttributes(graph.GraphName, string(protocol.StatusInitialized), len(graph.Nodes))...))
	defer span.End()

	if err := c.startGraphTraced(ctx, graph); err != nil {
		telemetry.SetError(ctx, err)
		return err
	}
	telemetry.SetAttributes(ctx, attribute.String(telemetry.AttrGraphStatus, string(protocol.StatusRunning)))
	return nil
}

func (c *Coordinator) startGraphTraced(ctx context.Context, graph *graphmodel.Supergraph) error {
	payload, err := json.Marshal(graph)
	if err != nil {
		return apperror.NewGraphError(graph.GraphName, fmt.Sprintf("could not encode supergraph: %v", err))
	}
	if _, err := c.store.Append(ctx, protocol.StreamBooter, map[string]string{
		protocol.FieldCommand: protocol.BooterStartGraph,
		protocol.FieldGraph:   string(payload),
	}); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}

	for nickname, node := range graph.Nodes {
		if node.Machine != "" && node.Machine != c.machine {
			continue
		}
		argv := process.BuildArgv(node.BinaryPath, c.nodeArgs(nickname), node.RunPriority, node.CPUAffinity)
		handle, err := c.supervisor.Launch(nickname, argv)
		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordNodeLaunch(c.machine, false)
			}
			return apperror.NewNodeError(graph.GraphName, nickname, fmt.Sprintf("could not launch node: %v", err))
		}
		if c.metrics != nil {
			c.metrics.RecordNodeLaunch(c.machine, true)
		}
		telemetry.AddEvent(ctx, "node launched", telemetry.NodeAttributes(nickname, c.machine, handle.PID)...)
		c.log.Info("node launched", "nickname", nickname, "pid", handle.PID)
	}

	if err := c.checkBooter(ctx); err != nil {
		return err
	}

	_, err = c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{protocol.FieldStatus: string(protocol.StatusRunning)})
	if err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	if c.metrics != nil {
		c.metrics.SetGraphStatus(graph.GraphName, string(protocol.StatusRunning), protocol.AllGraphStatuses())
	}
	return nil
}

func (c *Coordinator) nodeArgs(nickname string) []string {
	args := []string{"-n", nickname, "-i", c.host, "-p", fmt.Sprintf("%d", c.port)}
	if c.unixSocket != "" {
		args = append(args, "-s", c.unixSocket)
	}
	return args
}

// handleStopGraph sends stopGraph to the booter stream and terminates
// every locally-tracked node, then marks the graph stopped.
func (c *Coordinator) handleStopGraph(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.stopGraph",
		telemetry.WithAttributes(telemetry.GraphAttributes(c.currentGraphName(), string(protocol.StatusStopped), len(c.supervisor.Handles()))...))
	defer span.End()

	if err := c.stopGraphTraced(ctx); err != nil {
		telemetry.SetError(ctx, err)
		return err
	}
	return nil
}

func (c *Coordinator) stopGraphTraced(ctx context.Context) error {
	if _, err := c.store.Append(ctx, protocol.StreamBooter, map[string]string{protocol.FieldCommand: protocol.BooterStopGraph}); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}

	stuck := c.supervisor.TerminateAll()
	if len(stuck) > 0 {
		names := make([]string, len(stuck))
		for i, s := range stuck {
			names[i] = fmt.Sprintf("%s (%d)", s.Nickname, s.PID)
		}
		telemetry.AddEvent(ctx, "nodes did not terminate cleanly", attribute.String("nodes", strings.Join(names, ", ")))
		c.log.Warn("could not kill these nodes", "nodes", strings.Join(names, ", "))
	}

	_, err := c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{protocol.FieldStatus: string(protocol.StatusStopped)})
	if err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	c.audit.Log(ctx, audit.NewEntry().Component("supervisor").Graph(c.currentGraphName()).
		ForAction(audit.ActionGraphStop).WithOutcome(audit.OutcomeSuccess).Build())
	return nil
}

// handleUpdateParameters validates every nickname/json pair atomically
// before applying any of them, then republishes the full supergraph.
func (c *Coordinator) handleUpdateParameters(ctx context.Context, fields map[string]string) error {
	graph := c.currentGraph()
	if graph == nil {
		return apperror.NewGraphError("", "could not update graph parameters since no graph has been loaded yet")
	}

	updates := make(map[string]map[string]json.RawMessage, len(fields))
	for nickname, raw := range fields {
		if nickname == protocol.FieldCommands {
			continue
		}
		if _, ok := graph.Node(nickname); !ok {
			return apperror.NewGraphError(graph.GraphName, fmt.Sprintf("there is no %s nickname in the supergraph, skipped all parameter updates", nickname))
		}
		var parsed map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return apperror.NewGraphError(graph.GraphName,
				"invalid JSON for parameter update: object keys/values must use double-quoted strings")
		}
		updates[nickname] = parsed
	}

	before := make(map[string]json.RawMessage)
	after := make(map[string]json.RawMessage)
	var changedFields []string

	for nickname, params := range updates {
		node := graph.Nodes[nickname]
		if node.Parameters == nil {
			node.Parameters = make(map[string]json.RawMessage)
		}
		for param, value := range params {
			key := nickname + "." + param
			if existing, ok := node.Parameters[param]; ok {
				before[key] = existing
			}
			node.Parameters[param] = value
			after[key] = value
			changedFields = append(changedFields, key)
		}
	}

	if err := c.publishGraph(ctx); err != nil {
		return err
	}
	c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{protocol.FieldStatus: string(protocol.StatusPublished)})
	_, err := c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{protocol.FieldStatus: string(protocol.StatusRunning)})
	if err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}

	if c.metrics != nil {
		c.metrics.RecordParameterUpdate(true)
	}
	c.audit.Log(ctx, audit.NewEntry().Component("supervisor").Graph(graph.GraphName).
		ForAction(audit.ActionParameterUpdate).WithOutcome(audit.OutcomeSuccess).
		Changes(&audit.ChangeSet{Before: before, After: after, Fields: changedFields}).Build())
	return nil
}

// handleSaveRDB triggers a synchronous snapshot of the store.
func (c *Coordinator) handleSaveRDB(ctx context.Context) error {
	if err := c.store.Snapshot(ctx); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	c.log.Info("RDB data saved", "file", c.currentRDBFilename())
	return nil
}

// handleSaveNWB refuses while a graph is running, then invokes the
// external derivative exporter against the most recent RDB snapshot.
func (c *Coordinator) handleSaveNWB(ctx context.Context) error {
	if len(c.supervisor.Handles()) > 0 {
		return apperror.NewCommandError("saveNwb", "cannot save NWB data while the graph is running", "stop the graph first")
	}
	return c.runNWBExport(ctx)
}

func (c *Coordinator) runNWBExport(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.exportNWB",
		telemetry.WithAttributes(telemetry.DerivativeAttributes("exportNWB", 0)...))
	defer span.End()

	exitCode, err := c.runNWBExportTraced(ctx)
	telemetry.SetAttributes(ctx, attribute.Int(telemetry.AttrDerivativeExit, exitCode))
	if err != nil {
		telemetry.SetError(ctx, err)
		return err
	}
	return nil
}

func (c *Coordinator) runNWBExportTraced(ctx context.Context) (int, error) {
	c.mu.Lock()
	savePath, rdbFilename, host, port := c.savePath, c.rdbFilename, c.host, c.port
	c.mu.Unlock()

	nwbDir := graphmodel.NWBDir(savePath)
	if err := os.MkdirAll(nwbDir, 0o755); err != nil {
		return -1, apperror.NewDerivativeError("exportNWB", c.currentGraphName(), err.Error(), "", "")
	}

	cmd := exec.CommandContext(ctx, "python", "derivatives/exportNWB/exportNWB.py",
		rdbFilename, host, fmt.Sprintf("%d", port), nwbDir)
	out, err := cmd.Output()

	var stderr string
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		stderr = string(exitErr.Stderr)
		exitCode = exitErr.ExitCode()
	}
	if err != nil {
		return exitCode, apperror.NewDerivativeError("exportNWB", c.currentGraphName(),
			fmt.Sprintf("exportNWB failed: %v", err), string(out), stderr)
	}

	nwbName := strings.TrimSuffix(rdbFilename, filepath.Ext(rdbFilename)) + ".nwb"
	c.log.Info("NWB data saved", "file", filepath.Join(nwbDir, nwbName))
	c.audit.Log(ctx, audit.NewEntry().Component("supervisor").Graph(c.currentGraphName()).
		ForAction(audit.ActionDerivativeRun).WithOutcome(audit.OutcomeSuccess).Build())
	return exitCode, nil
}

// handleStopGraphAndSaveNWB stops the graph, snapshots, exports, flushes,
// and rotates the snapshot filename so the next run doesn't overwrite
// what was just saved.
func (c *Coordinator) handleStopGraphAndSaveNWB(ctx context.Context) error {
	if err := c.handleStopGraph(ctx); err != nil {
		return err
	}
	if err := c.store.Snapshot(ctx); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	if err := c.runNWBExport(ctx); err != nil {
		return err
	}
	if err := c.store.Flush(ctx); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	return c.rotateToIdle(ctx)
}

// handleFlushDB flushes the store and rotates the snapshot filename.
func (c *Coordinator) handleFlushDB(ctx context.Context) error {
	if err := c.store.Flush(ctx); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	return c.rotateToIdle(ctx)
}

func (c *Coordinator) rotateToIdle(ctx context.Context) error {
	idle := graphmodel.IdleRDBFilename(time.Now())
	if err := c.store.SetConfig(ctx, "dbfilename", idle); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	c.mu.Lock()
	c.rdbFilename = idle
	c.mu.Unlock()
	c.log.Info("new RDB filename set", "file", idle)

	_, err := c.store.Append(ctx, protocol.StreamGraphStatus, map[string]string{protocol.FieldStatus: string(protocol.StatusStopped)})
	if err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}
	return nil
}

// defaultDataDir mirrors the original's DEFAULT_DATA_DIR: the sibling
// "Data" directory next to the working directory the daemon was
// started in.
func defaultDataDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "Data"
	}
	return filepath.Join(wd, "..", "Data")
}

// handleSetDataDir relocates the data directory while preserving the
// save path's position relative to it. path is optional; if omitted,
// the data directory resets to the default.
func (c *Coordinator) handleSetDataDir(ctx context.Context, fields map[string]string) error {
	c.mu.Lock()
	rel, relErr := filepath.Rel(c.dataDir, c.savePath)
	c.mu.Unlock()
	if relErr != nil {
		rel = ""
	}

	newDataDir := fields[protocol.FieldPath]
	if newDataDir == "" {
		newDataDir = defaultDataDir()
	}

	newSavePath := filepath.Join(newDataDir, rel)
	snapshotDir := graphmodel.RDBDir(newSavePath)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return apperror.NewCommandError("setDataDir", fmt.Sprintf("could not create %s: %v", snapshotDir, err), "")
	}
	if err := c.store.SetConfig(ctx, "dir", snapshotDir); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}

	c.mu.Lock()
	c.dataDir = newDataDir
	c.savePath = newSavePath
	c.snapshotDir = snapshotDir
	c.mu.Unlock()
	c.log.Info("data directory relocated", "data_dir", newDataDir)
	return nil
}

// handleMake fans the make verb out to the booter stream and runs it
// locally, classifying the local subprocess's exit code the same way
// the Booter does.
func (c *Coordinator) handleMake(ctx context.Context) error {
	if len(c.supervisor.Handles()) > 0 {
		return apperror.NewCommandError("make", "cannot run make while the graph is running", "stop the graph first")
	}

	if _, err := c.store.Append(ctx, protocol.StreamBooter, map[string]string{protocol.FieldCommand: protocol.BooterMake}); err != nil {
		return apperror.NewRedisError(err.Error()).Wrap(err)
	}

	cmd := exec.CommandContext(ctx, "make")
	cmd.Dir = c.baseDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return apperror.NewCommandError("make", fmt.Sprintf("make returned an error: %v", err), string(out))
	}
	c.log.Info("make completed successfully")
	return nil
}

func (c *Coordinator) currentGraph() *graphmodel.Supergraph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graph
}

func (c *Coordinator) currentRDBFilename() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rdbFilename
}
