package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultLoggerInitialized(t *testing.T) {
	InitLogger("info", "text")
	require.True(t, slog.Default().Enabled(context.Background(), slog.LevelInfo))
	require.False(t, slog.Default().Enabled(context.Background(), slog.LevelDebug))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name          string
		level         string
		expectedLevel slog.Level
	}{
		{"debug level", "debug", slog.LevelDebug},
		{"info level", "info", slog.LevelInfo},
		{"warn level", "warn", slog.LevelWarn},
		{"warning level", "warning", slog.LevelWarn},
		{"error level", "error", slog.LevelError},
		{"default for unknown", "invalid", slog.LevelInfo},
		{"uppercase", "DEBUG", slog.LevelDebug},
		{"mixed case", "InFo", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expectedLevel, ParseLevel(tt.level))
		})
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, "debug", "json")
	t.Cleanup(func() { InitLogger("info", "text") })

	slog.Debug("verification scored", "similarity", 0.9)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "verification scored", entry["msg"])
	require.Equal(t, 0.9, entry["similarity"])
}

func TestLevelFiltersMessages(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, "warn", "text")
	t.Cleanup(func() { InitLogger("info", "text") })

	slog.Info("hidden")
	require.Empty(t, buf.String())

	slog.Warn("shown")
	require.Contains(t, buf.String(), "shown")
}
