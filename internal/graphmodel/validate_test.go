package graphmodel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeNodeBinary(t *testing.T, baseDir, module, name string) string {
	t.Helper()
	dir := filepath.Join(baseDir, module, "nodes", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	binPath := filepath.Join(dir, name+".bin")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o755))
	return binPath
}

func TestValidate_ResolvesLocalNodeBinaryAndHash(t *testing.T) {
	baseDir := t.TempDir()
	binPath := writeNodeBinary(t, baseDir, "vision", "gazeNode")
	writeSidecar(t, filepath.Dir(binPath), "cafef00d")

	doc := &GraphDocument{
		GraphName: "g1",
		Nodes: []NodeSpec{
			{Nickname: "gaze", Name: "gazeNode", Module: "vision", Machine: "booter-1"},
		},
	}

	graph, result := Validate(doc, ValidateConfig{BaseDir: baseDir, Machine: "booter-1"})
	require.False(t, result.HasErrors())

	resolved, ok := graph.Node("gaze")
	require.True(t, ok)
	assert.Equal(t, binPath, resolved.BinaryPath)
	assert.Equal(t, "cafef00d", resolved.GitHash)
}

func TestValidate_MissingBinaryIsError(t *testing.T) {
	baseDir := t.TempDir()

	doc := &GraphDocument{
		GraphName: "g1",
		Nodes: []NodeSpec{
			{Nickname: "gaze", Name: "missingNode", Module: "vision", Machine: "local"},
		},
	}

	_, result := Validate(doc, ValidateConfig{BaseDir: baseDir, Machine: "local"})
	assert.True(t, result.HasErrors())
}

func TestValidate_DuplicateNicknameIsError(t *testing.T) {
	baseDir := t.TempDir()
	writeNodeBinary(t, baseDir, "vision", "gazeNode")

	doc := &GraphDocument{
		GraphName: "g1",
		Nodes: []NodeSpec{
			{Nickname: "gaze", Name: "gazeNode", Module: "vision", Machine: "local"},
			{Nickname: "gaze", Name: "gazeNode", Module: "vision", Machine: "local"},
		},
	}

	_, result := Validate(doc, ValidateConfig{BaseDir: baseDir, Machine: "local"})
	assert.True(t, result.HasErrors())
}

func TestValidate_RemoteNodeSkipsLocalBinaryCheck(t *testing.T) {
	baseDir := t.TempDir()

	doc := &GraphDocument{
		GraphName: "g1",
		Nodes: []NodeSpec{
			{Nickname: "gaze", Name: "gazeNode", Module: "vision", Machine: "other-machine"},
		},
	}

	graph, result := Validate(doc, ValidateConfig{BaseDir: baseDir, Machine: "local"})
	assert.False(t, result.HasErrors())

	resolved, ok := graph.Node("gaze")
	require.True(t, ok)
	assert.Empty(t, resolved.BinaryPath)
}

func TestValidate_DerivativeMissingScriptIsError(t *testing.T) {
	baseDir := t.TempDir()

	doc := &GraphDocument{
		GraphName: "g1",
		Nodes:     []NodeSpec{{Nickname: "n", Name: "n", Module: "m", Machine: "local"}},
		Derivatives: []DerivativeSpec{
			{Name: "export_nwb", ScriptPath: filepath.Join(baseDir, "does-not-exist.py")},
		},
	}
	writeNodeBinary(t, baseDir, "m", "n")

	_, result := Validate(doc, ValidateConfig{BaseDir: baseDir, Machine: "local"})
	assert.True(t, result.HasErrors())
}

func TestValidate_DerivativeResolvesHash(t *testing.T) {
	baseDir := t.TempDir()
	writeNodeBinary(t, baseDir, "m", "n")

	scriptDir := filepath.Join(baseDir, "derivatives")
	require.NoError(t, os.MkdirAll(scriptDir, 0o755))
	scriptPath := filepath.Join(scriptDir, "export_nwb.py")
	require.NoError(t, os.WriteFile(scriptPath, []byte("# export\n"), 0o644))
	writeSidecar(t, scriptDir, "deadbeef")

	doc := &GraphDocument{
		GraphName:   "g1",
		Nodes:       []NodeSpec{{Nickname: "n", Name: "n", Module: "m", Machine: "local"}},
		Derivatives: []DerivativeSpec{{Name: "export_nwb", ScriptPath: scriptPath}},
	}

	graph, result := Validate(doc, ValidateConfig{BaseDir: baseDir, Machine: "local"})
	require.False(t, result.HasErrors())
	assert.Equal(t, "deadbeef", graph.Derivatives["export_nwb"].GitHash)
}
