// Package logging configures the process-wide structured logger the engine
// components log through.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// level is shared by every handler Init builds, so the process log level
// can be adjusted without re-wiring handlers.
var level slog.LevelVar

// Init configures the default slog logger and returns it. The output format
// comes from WORKFLOWENGINE_LOG_FORMAT ("json" or "text", default "text"),
// the level from WORKFLOWENGINE_LOG_LEVEL. Diagnostics go to stderr so a
// step handler's own stdout stays untouched.
func Init(service string) *slog.Logger {
	level.Set(parseLevel(os.Getenv("WORKFLOWENGINE_LOG_LEVEL")))
	opts := &slog.HandlerOptions{Level: &level}

	var h slog.Handler
	switch strings.ToLower(os.Getenv("WORKFLOWENGINE_LOG_FORMAT")) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(h).With("service", service)
	slog.SetDefault(logger)
	return logger
}

// SetLevel adjusts the process log level at runtime.
func SetLevel(l slog.Level) { level.Set(l) }

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
