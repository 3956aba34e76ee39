package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		l := New(Config{Level: level, Format: "json", Output: "stdout"})
		require.NotNil(t, l)
	}
}

func TestNew_TextStderr(t *testing.T) {
	l := New(Config{Level: "debug", Format: "text", Output: "stderr"})
	require.NotNil(t, l)
	l.Debug("test message")
}

func TestNew_FileOutput(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "test.log")

	l := New(Config{Level: "info", Format: "json", Output: "file", FilePath: logPath})
	require.NotNil(t, l)
	l.Info("test message")
}

func TestNew_FileOutputInvalidDirFallsBackToStdout(t *testing.T) {
	l := New(Config{Level: "info", Format: "json", Output: "file", FilePath: "/nonexistent/deeply/nested/dir/test.log"})
	require.NotNil(t, l)
	l.Info("should not panic")
}

func TestWithComponent(t *testing.T) {
	base := Noop()
	assert.NotNil(t, WithComponent(base, "supervisor", ""))
	assert.NotNil(t, WithComponent(base, "booter", "rig1"))
}

func TestWithGraph(t *testing.T) {
	base := Noop()
	assert.NotNil(t, WithGraph(base, "rec_graph"))
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stdout", cfg.Output)
}
