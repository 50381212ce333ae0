// Package logging configures structured logging for BleepStore using log/slog.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// LevelTrace is one level below slog.LevelDebug, for the backend-wire-level
// logging ("request to zone X took Yms") that's too noisy to enable even
// under ordinary debug logging.
const LevelTrace = slog.Level(-8)

// Setup configures the default slog logger with the specified level and format.
// Supported levels: "trace", "debug", "info", "warn", "error" (default: "info").
// Supported formats: "text", "json" (default: "text").
func Setup(level, format string, w io.Writer) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "trace":
		lvl = LevelTrace
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}
