// Package log provides structured logging utilities for the GOCM construct miner.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

// RunIDKey is the context key carrying the mining run identifier
const RunIDKey contextKey = "run_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// ContextWithRunID stores a run identifier for WithContext to pick up
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithContext returns a logger carrying the run identifier found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		return l.WithRun(runID)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWorker returns a logger tagged with a hash worker index
func (l *Logger) WithWorker(index int) *Logger {
	return l.WithFields("worker_index", index)
}

// WithRun returns a logger tagged with a mining run
func (l *Logger) WithRun(runID string) *Logger {
	return l.WithFields("run_id", runID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Performance logging helpers

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration int64) {
	var throughput float64
	if duration > 0 {
		throughput = float64(count) / (float64(duration) / 1e9)
	}
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", duration,
		"throughput_ops_sec", throughput,
	)
}

// Mining-specific logging helpers

// LogRunStarted logs the dispatch of a mining run
func (l *Logger) LogRunStarted(runID, pubkey, targetHex string, targetWork, workers int) {
	l.Info("mining run started",
		"run_id", runID,
		"pubkey", pubkey,
		"target", targetHex,
		"target_work", targetWork,
		"workers", workers,
	)
}

// LogNewHigh logs an improvement of the best work seen by a worker
func (l *Logger) LogNewHigh(workerIndex int, nonceHex string, work int) {
	l.Debug("new high",
		"worker_index", workerIndex,
		"nonce", nonceHex,
		"work", work,
	)
}

// LogHashrate logs the aggregated hashrate of a run
func (l *Logger) LogHashrate(runID string, iterations uint64, hashrate float64) {
	l.Info("hashrate",
		"run_id", runID,
		"iterations", iterations,
		"hashes_per_sec", hashrate,
	)
}

// LogConstructMined logs a nonce that satisfied the target
func (l *Logger) LogConstructMined(id, nonceHex string, work, workerIndex int) {
	l.Info("construct mined",
		"construct_id", id,
		"nonce", nonceHex,
		"work", work,
		"worker_index", workerIndex,
	)
}
