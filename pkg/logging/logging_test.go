package logging

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseLevel(tc.in), "level string %q", tc.in)
	}
}

func TestSetDebugToggle(t *testing.T) {
	Setup("info", "", io.Discard)
	require.Equal(t, slog.LevelInfo, Level())

	SetDebug(true)
	assert.Equal(t, slog.LevelDebug, Level())

	SetDebug(false)
	assert.Equal(t, slog.LevelInfo, Level(), "disabling debug restores the configured level")
}

func TestSetupWritesToConfiguredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxypilot.log")
	Setup("debug", path, io.Discard)

	slog.Debug("probe message", "key", "value")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "probe message")
}

func TestSetupFallsBackWhenFileUnopenable(t *testing.T) {
	var buf bytes.Buffer
	Setup("info", t.TempDir(), &buf) // a directory cannot be opened for writing

	assert.Contains(t, buf.String(), "Failed to open configured log file")

	slog.Info("still logging")
	assert.Contains(t, buf.String(), "still logging")
}
