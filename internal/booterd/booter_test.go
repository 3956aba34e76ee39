package booterd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandlab/orchestrator/internal/graphmodel"
	"github.com/brandlab/orchestrator/internal/protocol"
	"github.com/brandlab/orchestrator/pkg/apperror"
	"github.com/brandlab/orchestrator/pkg/config"
	"github.com/brandlab/orchestrator/pkg/process"
	"github.com/brandlab/orchestrator/pkg/store"
)

func newTestBooter(t *testing.T) (*Booter, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewFromClient(client)
	sup := process.New(config.ProcessConfig{InterruptTimeout: 300 * time.Millisecond, KillTimeout: 300 * time.Millisecond})

	b := New(Config{
		Store:      s,
		Supervisor: sup,
		Machine:    "amp1",
		BaseDir:    t.TempDir(),
	})
	return b, s
}

func writeLongRunningNode(t *testing.T, baseDir, module, name string) {
	t.Helper()
	dir := filepath.Join(baseDir, module, "nodes", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".bin"), []byte("#!/bin/sh\nexec sleep 5\n"), 0o755))
}

func testGraph(baseDir, machine string) *graphmodel.Supergraph {
	return &graphmodel.Supergraph{
		RedisHost: "127.0.0.1",
		RedisPort: 6379,
		GraphName: "g1",
		Nodes: map[string]*graphmodel.ResolvedNode{
			"gaze": {NodeSpec: graphmodel.NodeSpec{
				Nickname: "gaze", Name: "gazeNode", Module: "vision", Machine: machine,
			}},
		},
	}
}

func TestParseCommand_StartGraphLaunchesLocalNode(t *testing.T) {
	b, _ := newTestBooter(t)
	writeLongRunningNode(t, b.baseDir, "vision", "gazeNode")

	graph := testGraph(b.baseDir, b.machine)
	payload, err := json.Marshal(graph)
	require.NoError(t, err)

	err = b.parseCommand(context.Background(), map[string]string{
		protocol.FieldCommand: protocol.BooterStartGraph,
		protocol.FieldGraph:   string(payload),
	})
	require.NoError(t, err)

	handles := b.supervisor.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, "gaze", handles[0].Nickname)

	require.NoError(t, b.stopGraph(context.Background()))
	assert.Empty(t, b.supervisor.Handles())
}

func TestParseCommand_StartGraphSkipsNodesOnOtherMachines(t *testing.T) {
	b, _ := newTestBooter(t)

	graph := testGraph(b.baseDir, "other-machine")
	payload, err := json.Marshal(graph)
	require.NoError(t, err)

	err = b.parseCommand(context.Background(), map[string]string{
		protocol.FieldCommand: protocol.BooterStartGraph,
		protocol.FieldGraph:   string(payload),
	})
	require.NoError(t, err)
	assert.Empty(t, b.supervisor.Handles())
}

func TestParseCommand_StartGraphMissingBinaryIsNodeError(t *testing.T) {
	b, _ := newTestBooter(t)

	graph := testGraph(b.baseDir, b.machine)
	payload, err := json.Marshal(graph)
	require.NoError(t, err)

	err = b.parseCommand(context.Background(), map[string]string{
		protocol.FieldCommand: protocol.BooterStartGraph,
		protocol.FieldGraph:   string(payload),
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeNodeError, apperror.Classify(err).Code)
}

func TestRun_ReportsListeningStatusOnStart(t *testing.T) {
	b, s := newTestBooter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_ = b.Run(ctx)

	entries, err := s.ReadRange(context.Background(), protocol.StreamBooterStatus, "-", "+")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "Listening for commands", entries[0].Fields[protocol.FieldStatus])
}

func TestHandleCommandError_ReportsNodeErrorThenResumesListening(t *testing.T) {
	b, s := newTestBooter(t)

	graph := testGraph(b.baseDir, b.machine)
	payload, _ := json.Marshal(graph)
	err := b.parseCommand(context.Background(), map[string]string{
		protocol.FieldCommand: protocol.BooterStartGraph,
		protocol.FieldGraph:   string(payload),
	})
	require.Error(t, err)

	b.handleCommandError(context.Background(), err)

	entries, readErr := s.ReadRange(context.Background(), protocol.StreamBooterStatus, "-", "+")
	require.NoError(t, readErr)
	require.Len(t, entries, 2)
	assert.Equal(t, "NodeError", entries[0].Fields[protocol.FieldStatus])
	assert.Equal(t, "Listening for commands", entries[1].Fields[protocol.FieldStatus])
}
