// Package logging provides structured logging with trace ID support for the
// durability kernel.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	BootIDKey  ContextKey = "boot_id"
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with kernel-specific field conventions.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv constructs a logger using KERNEL_LOG_LEVEL and KERNEL_LOG_FORMAT.
// Defaults to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("KERNEL_LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("KERNEL_LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// NewDiscard returns a logger whose output is discarded, for tests.
func NewDiscard(service string) *Logger {
	l := New(service, "panic", "json")
	l.SetOutput(io.Discard)
	return l
}

// WithContext creates a new logger entry with context values attached.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if bootID := ctx.Value(BootIDKey); bootID != nil {
		entry = entry.WithField("boot_id", bootID)
	}
	return entry
}

// WithTraceID creates a new logger entry with a trace ID field.
func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":  l.service,
		"trace_id": traceID,
	})
}

// WithFields creates a new logger entry with custom fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry carrying an error field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceIDContext adds a trace ID to the context.
func WithTraceIDContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithBootIDContext adds the process boot id to the context.
func WithBootIDContext(ctx context.Context, bootID string) context.Context {
	return context.WithValue(ctx, BootIDKey, bootID)
}

// Kernel-domain structured logging helpers.

// LogBootStep logs the outcome of a single boot-orchestrator step.
func (l *Logger) LogBootStep(ctx context.Context, step string, status string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"boot_step": step,
		"status":    status,
	})
	if err != nil {
		entry.WithError(err).Warn("boot step degraded")
		return
	}
	entry.Info("boot step completed")
}

// LogBreakerTransition logs a circuit breaker state change.
func (l *Logger) LogBreakerTransition(ctx context.Context, name string, from, to string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"breaker":    name,
		"from_state": from,
		"to_state":   to,
	}).Warn("circuit breaker state changed")
}

// LogLockEvent logs a lock acquisition, release, or recovery event.
func (l *Logger) LogLockEvent(ctx context.Context, name, event string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"lock":  name,
		"event": event,
	})
	if err != nil {
		entry.WithError(err).Warn("lock event failed")
		return
	}
	entry.Debug("lock event")
}

// LogQueueClaim logs a work-queue claim attempt outcome.
func (l *Logger) LogQueueClaim(ctx context.Context, taskID, sessionID string, claimed bool) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"task_id":    taskID,
		"session_id": sessionID,
		"claimed":    claimed,
	}).Info("work queue claim attempt")
}

// LogReconcile logs the result of reconciling a single dedup entry.
func (l *Logger) LogReconcile(ctx context.Context, key string, outcome string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"dedup_key": key,
		"outcome":   outcome,
	}).Info("reconciliation outcome")
}

// Global default logger, used by packages that cannot take a constructor
// argument (e.g. package-level helpers invoked before boot completes).
var defaultLogger *Logger

// InitDefault initializes the default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the default logger, initializing a fallback if needed.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("kernel", "info", "json")
	}
	return defaultLogger
}

// FormatDuration formats a duration in milliseconds for log fields.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
