// Package log provides structured logging utilities for the shareledger service.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	// Parse log level
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// Create handler based on format
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	// Create base logger with service context
	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value("request_id"); reqID != nil {
		logger = logger.With("request_id", reqID)
	}

	if traceID := ctx.Value("trace_id"); traceID != nil {
		logger = logger.With("trace_id", traceID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
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

// WithBackend returns a logger with storage-backend fields
func (l *Logger) WithBackend(backend string) *Logger {
	return l.WithFields("backend", backend)
}

// WithChannel returns a logger with channel-specific fields
func (l *Logger) WithChannel(channelID string) *Logger {
	return l.WithFields("channel_id", channelID)
}

// WithShare returns a logger with share-specific fields
func (l *Logger) WithShare(shareID string, difficulty float64) *Logger {
	return l.WithFields("share_id", shareID, "difficulty", difficulty)
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

// Accounting-specific logging helpers

// LogShareStored logs a share submission recorded in the ledger
func (l *Logger) LogShareStored(channelID, shareID string, seq uint64, accepted bool) {
	l.Info("share stored",
		"channel_id", channelID,
		"share_id", shareID,
		"sequence", seq,
		"accepted", accepted,
	)
}

// LogDuplicateShare logs a duplicate submission rejected at the storage layer
func (l *Logger) LogDuplicateShare(channelID, hash string) {
	l.Warn("duplicate share",
		"channel_id", channelID,
		"hash", hash,
	)
}

// LogBlockRecorded logs a discovered block written to the block ledger
func (l *Logger) LogBlockRecorded(blockHash string, height int64, channelID string) {
	l.Info("block recorded",
		"block_hash", blockHash,
		"block_height", height,
		"channel_id", channelID,
	)
}

// LogBatchAck logs an acknowledged batch of shares
func (l *Logger) LogBatchAck(batchID, channelID string, first, last uint64) {
	l.Info("batch acknowledged",
		"batch_id", batchID,
		"channel_id", channelID,
		"first_sequence", first,
		"last_sequence", last,
	)
}

// LogRetentionSweep logs the outcome of a retention sweep
func (l *Logger) LogRetentionSweep(backend string, pruned int64) {
	l.Info("retention sweep completed",
		"backend", backend,
		"records_pruned", pruned,
	)
}
