package graphmodel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSaveDir_DefaultsToParticipantZero(t *testing.T) {
	dataDir := t.TempDir()
	now := time.Date(2026, 7, 30, 14, 5, 0, 0, time.UTC)

	dir, err := ResolveSaveDir(dataDir, nil, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, "0", "2026-07-30", "RawData"), dir)
}

func TestResolveSaveDir_UsesInlineParticipantID(t *testing.T) {
	dataDir := t.TempDir()
	now := time.Date(2026, 7, 30, 14, 5, 0, 0, time.UTC)

	dir, err := ResolveSaveDir(dataDir, &Metadata{ParticipantID: "42"}, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, "42", "2026-07-30", "RawData"), dir)
}

func TestResolveSaveDir_ReadsParticipantFileWhenPresent(t *testing.T) {
	dataDir := t.TempDir()
	now := time.Date(2026, 7, 30, 14, 5, 0, 0, time.UTC)

	participantFile := filepath.Join(dataDir, "participant.yaml")
	require.NoError(t, os.WriteFile(participantFile, []byte("metadata:\n  participant_id: \"99\"\n"), 0o644))

	dir, err := ResolveSaveDir(dataDir, &Metadata{ParticipantFile: participantFile, ParticipantID: "1"}, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, "99", "2026-07-30", "RawData"), dir)
}

func TestResolveSaveDir_FallsBackWhenParticipantFileMissing(t *testing.T) {
	dataDir := t.TempDir()
	now := time.Date(2026, 7, 30, 14, 5, 0, 0, time.UTC)

	dir, err := ResolveSaveDir(dataDir, &Metadata{ParticipantFile: filepath.Join(dataDir, "nope.yaml"), ParticipantID: "5"}, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, "5", "2026-07-30", "RawData"), dir)
}

func TestRDBFilename(t *testing.T) {
	saveDir := "/data/7/2026-07-30/RawData"
	now := time.Date(2026, 7, 30, 14, 5, 0, 0, time.UTC)

	name := RDBFilename(saveDir, "gaze-tracker", now)
	assert.Equal(t, "7_260730T1405_gaze-tracker.rdb", name)
}

func TestIdleRDBFilename(t *testing.T) {
	now := time.Date(2026, 7, 30, 14, 5, 0, 0, time.UTC)
	assert.Equal(t, "idle_260730T1405.rdb", IdleRDBFilename(now))
}

func TestRDBDirAndNWBDir(t *testing.T) {
	saveDir := "/data/7/2026-07-30/RawData"
	assert.Equal(t, "/data/7/2026-07-30/RawData/RDB", RDBDir(saveDir))
	assert.Equal(t, "/data/7/2026-07-30/RawData/NWB", NWBDir(saveDir))
}
