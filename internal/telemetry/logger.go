// Package telemetry wires up structured logging and Prometheus metrics for
// the gateway process, grounded in the teacher's internal/telemetry package.
package telemetry

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog.Logger. format selects "json" or
// "text" output; level is one of "debug", "info", "warn", "error".
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
