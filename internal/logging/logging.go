// Package logging provides structured logging using slog.
package logging

import (
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Config holds logging configuration.
type Config struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
	File   string `yaml:"file"`   // optional: also write JSON lines here
}

// Setup initializes the global slog logger. When a log file is configured
// the logger fans out: the configured format to stderr, JSON to the file.
// Returns a cleanup function closing the file.
func Setup(cfg Config) func() error {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var console slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		console = slog.NewJSONHandler(os.Stderr, opts)
	default:
		console = slog.NewTextHandler(os.Stderr, opts)
	}

	if cfg.File == "" {
		slog.SetDefault(slog.New(console))
		return func() error { return nil }
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.SetDefault(slog.New(console))
		slog.Error("failed to open log file, using stderr only", "error", err, "file", cfg.File)
		return func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(f, opts)
	slog.SetDefault(slog.New(slogmulti.Fanout(console, fileHandler)))
	return f.Close
}

func parseLevel(level string) slog.Level {
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

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}

// RunLogger creates a logger with run context fields.
func RunLogger(runID, stage, logicalDate string) *slog.Logger {
	return slog.With(
		"run_id", runID,
		"stage", stage,
		"logical_date", logicalDate,
	)
}

// BatchLogger creates a logger with batch context fields.
func BatchLogger(batchID, dataset, logicalDate string) *slog.Logger {
	return slog.With(
		"batch_id", batchID,
		"dataset", dataset,
		"logical_date", logicalDate,
	)
}
