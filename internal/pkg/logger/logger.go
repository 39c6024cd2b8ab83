// Package logger provides structured logging utilities.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

// RequestIDKey is the context key holding the HTTP request id.
const RequestIDKey contextKey = "request_id"

// Logger wraps slog.Logger with additional context.
type Logger struct {
	*slog.Logger
}

// New creates a new logger writing to stdout with the specified level and format.
func New(level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Open creates a logger that writes to stdout and, if path is set, appends to that file too.
// The returned closer releases the file and is never nil.
func Open(level, format, path string) (*Logger, io.Closer, error) {
	if path == "" {
		return New(level, format), io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return NewWithWriter(io.MultiWriter(os.Stdout, f), level, format), f, nil
}

// WithContext returns a logger with context values.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		return &Logger{
			Logger: l.With("request_id", reqID),
		}
	}
	return l
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.With("component", name),
	}
}

// WithAgenda returns a logger with agenda context.
func (l *Logger) WithAgenda(agendaID string) *Logger {
	return &Logger{
		Logger: l.With("agenda", agendaID),
	}
}

// WithOrganization returns a logger with organization context.
func (l *Logger) WithOrganization(orgID string) *Logger {
	return &Logger{
		Logger: l.With("organization", orgID),
	}
}

// WithError returns a logger with error context. A nil err adds nothing.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger: l.With("error", err.Error()),
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "error", "text")
}
