package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across segpulse.
const (
	// Identity
	FieldJobID        = "job_id"
	FieldProjectID    = "project_id"
	FieldBatchID      = "batch_id"
	FieldUserID       = "user_id"
	FieldConnectionID = "connection_id"
	FieldRequestID    = "request_id"

	// Components
	FieldComponent = "component"
	FieldHandler   = "handler"
	FieldStep      = "step"

	// Job state
	FieldStatus         = "status"
	FieldPreviousStatus = "previous_status"
	FieldKind           = "kind"
	FieldReason         = "reason"

	// Hub
	FieldRoom      = "room"
	FieldEventType = "event_type"

	// Timing and counts
	FieldDurationMS = "duration_ms"
	FieldCount      = "count"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	FieldSymbol = "symbol"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
// A nil base falls back to the global Logger.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for dependency injection.
//
//	engine := async.NewEngine(store, access, async.WithLogger(logger.ComponentLogger("pulse.engine")))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
