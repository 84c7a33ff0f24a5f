package latentgo

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with pipeline-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithProcess adds the process index to the logger.
func (l *Logger) WithProcess(process int) *Logger {
	return &Logger{
		Logger: l.Logger.With("process", process),
	}
}

// WithEncoder adds the encoder identity to the logger.
func (l *Logger) WithEncoder(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("encoder", name),
	}
}

// WithImageSize adds the image size to the logger.
func (l *Logger) WithImageSize(size int) *Logger {
	return &Logger{
		Logger: l.Logger.With("image_size", size),
	}
}

// LogRunStart logs the start of a pipeline run.
func (l *Logger) LogRunStart(ctx context.Context, samples, workers int) {
	l.InfoContext(ctx, "run started",
		"samples", samples,
		"workers", workers,
	)
}

// LogRunFinished logs the end of a pipeline run.
func (l *Logger) LogRunFinished(ctx context.Context, processed int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "run failed",
			"processed", processed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "run finished",
			"processed", processed,
		)
	}
}

// LogArtifact logs the final artifact write.
func (l *Logger) LogArtifact(ctx context.Context, path string, n int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "artifact write failed",
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "artifact written",
			"path", path,
			"n", n,
		)
	}
}
