// Package logging provides structured logging for the control-plane
// services (Scheduler, Front Door, Workload Manager). It mirrors the
// teacher repo's infrastructure/logging package: a thin wrapper around
// logrus with service tagging and context-carried trace/session IDs.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type used for context values this package reads.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	SessionIDKey ContextKey = "session_id"
	BackendKey   ContextKey = "backend_name"
)

// Logger wraps logrus.Logger, tagging every entry with the owning service.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a Logger with an explicit level/format, mirroring the
// teacher's New(service, level, format string).
func New(service, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, service: service}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext attaches any trace/session/backend identifiers carried on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(SessionIDKey); v != nil {
		entry = entry.WithField("session_uuid", v)
	}
	if v := ctx.Value(BackendKey); v != nil {
		entry = entry.WithField("backend_name", v)
	}
	return entry
}

// WithError is a convenience wrapper for WithContext(ctx).WithError(err).
func (l *Logger) WithError(ctx context.Context, err error) *logrus.Entry {
	return l.WithContext(ctx).WithError(err)
}

// NewTraceID generates a fresh request trace identifier.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID returns a context carrying traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionID returns a context carrying sessionUUID.
func WithSessionID(ctx context.Context, sessionUUID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionUUID)
}

// TraceIDFromContext extracts the trace ID set by WithTraceID, or "".
func TraceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}
