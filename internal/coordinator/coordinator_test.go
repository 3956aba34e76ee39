package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandlab/orchestrator/internal/protocol"
	"github.com/brandlab/orchestrator/pkg/apperror"
	"github.com/brandlab/orchestrator/pkg/config"
	"github.com/brandlab/orchestrator/pkg/process"
	"github.com/brandlab/orchestrator/pkg/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewFromClient(client)

	sup := process.New(config.ProcessConfig{InterruptTimeout: 300 * time.Millisecond, KillTimeout: 300 * time.Millisecond})

	c := New(Config{
		Store:      s,
		Supervisor: sup,
		Machine:    "local",
		Host:       "127.0.0.1",
		Port:       6379,
		BaseDir:    t.TempDir(),
		DataDir:    t.TempDir(),
	})
	require.NoError(t, c.Start(context.Background()))
	return c, s
}

func writeLongRunningNode(t *testing.T, baseDir, module, name string) {
	t.Helper()
	dir := filepath.Join(baseDir, module, "nodes", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	script := "#!/bin/sh\nexec sleep 5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".bin"), []byte(script), 0o755))
}

func TestLoadGraph_PublishesSupergraphWithoutStarting(t *testing.T) {
	c, s := newTestCoordinator(t)
	writeLongRunningNode(t, c.baseDir, "vision", "gazeNode")

	graphJSON := `{"graph_name":"g1","nodes":[{"nickname":"gaze","name":"gazeNode","module":"vision"}]}`
	err := c.handleLoadGraph(context.Background(), map[string]string{protocol.FieldGraph: graphJSON}, false)
	require.NoError(t, err)

	assert.Empty(t, c.supervisor.Handles())

	entries, err := s.ReadRange(context.Background(), protocol.StreamSupergraph, "-", "+")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStartGraph_LaunchesLocalNode(t *testing.T) {
	c, _ := newTestCoordinator(t)
	writeLongRunningNode(t, c.baseDir, "vision", "gazeNode")

	graphJSON := `{"graph_name":"g1","nodes":[{"nickname":"gaze","name":"gazeNode","module":"vision"}]}`
	err := c.handleLoadGraph(context.Background(), map[string]string{protocol.FieldGraph: graphJSON}, true)
	require.NoError(t, err)

	handles := c.supervisor.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, "gaze", handles[0].Nickname)

	require.NoError(t, c.handleStopGraph(context.Background()))
	assert.Empty(t, c.supervisor.Handles())
}

func TestHandleLoadGraph_RejectsWhenAlreadyRunning(t *testing.T) {
	c, _ := newTestCoordinator(t)
	writeLongRunningNode(t, c.baseDir, "vision", "gazeNode")

	graphJSON := `{"graph_name":"g1","nodes":[{"nickname":"gaze","name":"gazeNode","module":"vision"}]}`
	require.NoError(t, c.handleLoadGraph(context.Background(), map[string]string{protocol.FieldGraph: graphJSON}, true))
	defer c.handleStopGraph(context.Background())

	err := c.handleLoadGraph(context.Background(), map[string]string{protocol.FieldGraph: graphJSON}, true)
	require.Error(t, err)
}

func TestHandleLoadGraph_MissingExecutableIsNodeError(t *testing.T) {
	c, _ := newTestCoordinator(t)

	graphJSON := `{"graph_name":"g1","nodes":[{"nickname":"gaze","name":"gazeNode","module":"vision"}]}`
	err := c.handleLoadGraph(context.Background(), map[string]string{protocol.FieldGraph: graphJSON}, false)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeNodeError, apperror.Code(err))
}

func TestHandleUpdateParameters_MergesAndRepublishes(t *testing.T) {
	c, _ := newTestCoordinator(t)
	writeLongRunningNode(t, c.baseDir, "vision", "gazeNode")

	graphJSON := `{"graph_name":"g1","nodes":[{"nickname":"gaze","name":"gazeNode","module":"vision","parameters":{"rate":100}}]}`
	require.NoError(t, c.handleLoadGraph(context.Background(), map[string]string{protocol.FieldGraph: graphJSON}, false))

	err := c.handleUpdateParameters(context.Background(), map[string]string{"gaze": `{"rate":200}`})
	require.NoError(t, err)

	node, ok := c.currentGraph().Node("gaze")
	require.True(t, ok)
	assert.JSONEq(t, "200", string(node.Parameters["rate"]))
}

func TestHandleUpdateParameters_UnknownNicknameIsRejectedAtomically(t *testing.T) {
	c, _ := newTestCoordinator(t)
	writeLongRunningNode(t, c.baseDir, "vision", "gazeNode")

	graphJSON := `{"graph_name":"g1","nodes":[{"nickname":"gaze","name":"gazeNode","module":"vision","parameters":{"rate":100}}]}`
	require.NoError(t, c.handleLoadGraph(context.Background(), map[string]string{protocol.FieldGraph: graphJSON}, false))

	err := c.handleUpdateParameters(context.Background(), map[string]string{"doesnotexist": `{"rate":200}`})
	require.Error(t, err)

	node, _ := c.currentGraph().Node("gaze")
	assert.JSONEq(t, "100", string(node.Parameters["rate"]))
}

func TestHandleFlushDB_RotatesRDBFilename(t *testing.T) {
	c, _ := newTestCoordinator(t)
	before := c.currentRDBFilename()

	require.NoError(t, c.handleFlushDB(context.Background()))
	assert.NotEqual(t, before, c.currentRDBFilename())
}

func TestHandleSetDataDir_RelocatesPreservingRelativePath(t *testing.T) {
	c, _ := newTestCoordinator(t)
	newDir := t.TempDir()
	rel, err := filepath.Rel(c.dataDir, c.savePath)
	require.NoError(t, err)

	err = c.handleSetDataDir(context.Background(), map[string]string{protocol.FieldPath: newDir})
	require.NoError(t, err)
	assert.Equal(t, newDir, c.dataDir)
	assert.Equal(t, filepath.Join(newDir, rel), c.savePath)
}

func TestHandleSetDataDir_DefaultsWhenPathOmitted(t *testing.T) {
	c, _ := newTestCoordinator(t)

	err := c.handleSetDataDir(context.Background(), map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, defaultDataDir(), c.dataDir)
}

func TestHandleMake_RefusesWhileGraphRunning(t *testing.T) {
	c, _ := newTestCoordinator(t)
	writeLongRunningNode(t, c.baseDir, "vision", "gazeNode")

	graphJSON := `{"graph_name":"g1","nodes":[{"nickname":"gaze","name":"gazeNode","module":"vision"}]}`
	require.NoError(t, c.handleLoadGraph(context.Background(), map[string]string{protocol.FieldGraph: graphJSON}, true))
	defer c.handleStopGraph(context.Background())

	err := c.handleMake(context.Background())
	require.Error(t, err)
}
