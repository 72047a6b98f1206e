package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func init() {
	// Default to INFO level
	InitLogger("info", "text")
}

// ParseLevel maps a config string onto a slog level, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger initializes the global logger writing to stderr.
// format is "json" or "text"; anything else falls back to text.
func InitLogger(level, format string) {
	InitLoggerTo(os.Stderr, level, format)
}

func InitLoggerTo(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}
