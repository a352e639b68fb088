// Package logging provides structured logging with execution/frame scoping.
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

// ContextKey is the type for context keys carried through the engine.
type ContextKey string

const (
	// TraceIDKey is the context key for the request trace ID.
	TraceIDKey ContextKey = "trace_id"
	// ExecutionIDKey is the context key for the owning execution.
	ExecutionIDKey ContextKey = "execution_id"
	// FrameIDKey is the context key for the current frame number.
	FrameIDKey ContextKey = "frame_id"
	// NodeIDKey is the context key for the node currently being processed.
	NodeIDKey ContextKey = "node_id"
)

// Logger wraps logrus.Logger with execution-scoped field helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance for the named service.
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

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables, defaulting to "info" and "json" when unset.
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

// WithContext creates a new logger entry carrying execution/frame/node
// fields pulled from ctx, when present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if execID := ctx.Value(ExecutionIDKey); execID != nil {
		entry = entry.WithField("execution_id", execID)
	}
	if frameID := ctx.Value(FrameIDKey); frameID != nil {
		entry = entry.WithField("frame_id", frameID)
	}
	if nodeID := ctx.Value(NodeIDKey); nodeID != nil {
		entry = entry.WithField("node_id", nodeID)
	}

	return entry
}

// WithExecutionID creates a new logger entry scoped to one execution.
func (l *Logger) WithExecutionID(executionID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":      l.service,
		"execution_id": executionID,
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

// Context helper functions

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

func GetExecutionID(ctx context.Context) string {
	if v, ok := ctx.Value(ExecutionIDKey).(string); ok {
		return v
	}
	return ""
}

func WithFrameID(ctx context.Context, frameID int64) context.Context {
	return context.WithValue(ctx, FrameIDKey, frameID)
}

func GetFrameID(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(FrameIDKey).(int64)
	return v, ok
}

func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, NodeIDKey, nodeID)
}

func GetNodeID(ctx context.Context) string {
	if v, ok := ctx.Value(NodeIDKey).(string); ok {
		return v
	}
	return ""
}

// Structured logging helpers

// LogTick logs one tick-loop frame summary.
func (l *Logger) LogTick(ctx context.Context, frame int64, duration time.Duration, actionsApplied int) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"frame":           frame,
		"duration_ms":     duration.Milliseconds(),
		"actions_applied": actionsApplied,
	}).Info("frame committed")
}

// LogDatabaseQuery logs a durable-store query.
func (l *Logger) LogDatabaseQuery(ctx context.Context, query string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"query":       query,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("store query failed")
	} else {
		entry.Debug("store query executed")
	}
}

// LogAgentCall logs a call out to an agent backend (e.g. Claude).
func (l *Logger) LogAgentCall(ctx context.Context, taskID, backend string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"task_id":     taskID,
		"backend":     backend,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("agent call failed")
	} else {
		entry.Info("agent call completed")
	}
}

// LogEffectRun logs one effect body execution, including loop-detector state.
func (l *Logger) LogEffectRun(ctx context.Context, effectID string, runCount int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"effect_id": effectID,
		"run_count": runCount,
	})
	if err != nil {
		entry.WithError(err).Error("effect body panicked")
	} else {
		entry.Debug("effect body ran")
	}
}

// LogBackendCall logs a call to the external-control surface's tool dispatch.
func (l *Logger) LogBackendCall(ctx context.Context, method string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("control surface call failed")
	} else {
		entry.Info("control surface call succeeded")
	}
}

// LogSecurityEvent logs an authentication/authorization-relevant event on
// the control surface (e.g. a rejected bearer token or Origin header).
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]interface{}) {
	fields := logrus.Fields{
		"event_type": eventType,
		"severity":   "security",
	}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

// LogAudit logs a state-mutating action for the transition log's audit trail.
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit log")
}

// LogPerformance logs arbitrary performance metrics for an operation.
func (l *Logger) LogPerformance(ctx context.Context, operation string, metrics map[string]interface{}) {
	fields := logrus.Fields{
		"operation": operation,
		"type":      "performance",
	}
	for k, v := range metrics {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Info("performance metrics")
}

// LogErrorWithStack logs an error with arbitrary additional context fields.
func (l *Logger) LogErrorWithStack(ctx context.Context, err error, message string, fields map[string]interface{}) {
	logFields := logrus.Fields{"error": err.Error()}
	for k, v := range fields {
		logFields[k] = v
	}
	l.WithContext(ctx).WithFields(logFields).Error(message)
}

// Fatal logs a fatal error and exits.
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Panic logs a panic and panics.
func (l *Logger) Panic(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Panic(message)
}

func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	if l.Logger.Level >= logrus.DebugLevel {
		l.WithContext(ctx).WithFields(fields).Debug(message)
	}
}

func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(message)
}

func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(message)
}

func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithFields(fields).Error(message)
}

// Global logger instance, initialized once at process startup.
var defaultLogger *Logger

func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("smithers", "info", "json")
	}
	return defaultLogger
}

func InfoDefault(ctx context.Context, message string) {
	Default().WithContext(ctx).Info(message)
}

func ErrorDefault(ctx context.Context, message string, err error) {
	Default().WithContext(ctx).WithError(err).Error(message)
}

func WarnDefault(ctx context.Context, message string) {
	Default().WithContext(ctx).Warn(message)
}

func DebugDefault(ctx context.Context, message string) {
	Default().WithContext(ctx).Debug(message)
}

// FormatDuration renders a duration in milliseconds, for log-line suffixes.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
