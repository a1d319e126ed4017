// Package logging sets up structured logging for the server process.
//
// Output always goes to stderr: stdout is reserved exclusively for the
// JSON-RPC stdio transport (C8), and a stray log line there would corrupt
// the protocol stream.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup builds a JSON slog.Logger writing to stderr at the given level
// string (case-insensitive: debug, info, warn, error; unrecognized values
// fall back to info).
func Setup(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

// SetupDefault initializes logging from level and installs it as slog's
// package-level default logger.
func SetupDefault(level string) *slog.Logger {
	logger := Setup(level)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
