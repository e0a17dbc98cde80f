package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maabo/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), tt.input)
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "maabo.log")
	log, closer, err := New(config.LogConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	log.Debug("引擎已启动", "pid", 42)
	require.NoError(t, closer())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"pid":42`)
	assert.Contains(t, string(b), "引擎已启动")
}

func TestOpenOutputStd(t *testing.T) {
	w, closer, err := openOutput("stdout")
	require.NoError(t, err)
	defer closer()
	assert.Equal(t, os.Stdout, w)

	w, closer2, err := openOutput("")
	require.NoError(t, err)
	defer closer2()
	assert.Equal(t, os.Stderr, w)
}
