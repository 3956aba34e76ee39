package graphmodel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSidecar(t *testing.T, dir, hash string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, hashSidecarName), []byte(hash+"\n"), 0o644))
}

func TestReadHashSidecar_Present(t *testing.T) {
	dir := t.TempDir()
	writeSidecar(t, dir, "abc123")

	hash, ok, err := ReadHashSidecar(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc123", hash)
}

func TestReadHashSidecar_Missing(t *testing.T) {
	dir := t.TempDir()

	hash, ok, err := ReadHashSidecar(dir)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, hash)
}

func TestReconcileHash_SidecarOnlyNonRepo(t *testing.T) {
	dir := t.TempDir()
	writeSidecar(t, dir, "abc123")

	hash, warnings := ReconcileHash(dir, "")
	assert.Equal(t, "abc123", hash)
	assert.Empty(t, warnings)
}

func TestReconcileHash_MissingSidecarWarns(t *testing.T) {
	dir := t.TempDir()

	hash, warnings := ReconcileHash(dir, "")
	assert.Empty(t, hash)
	require.Len(t, warnings, 1)
}

func TestReconcileHash_RecordedMismatchWarns(t *testing.T) {
	dir := t.TempDir()
	writeSidecar(t, dir, "abc123")

	hash, warnings := ReconcileHash(dir, "different")
	assert.Equal(t, "abc123", hash)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "supergraph-recorded")
}
