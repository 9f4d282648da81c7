package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// DrillIDKey is the context key for the drill being executed
	DrillIDKey ContextKey = "drill_id"
	// ScenarioIDKey is the context key for the scenario being executed
	ScenarioIDKey ContextKey = "scenario_id"
	// StepIDKey is the context key for the step being executed
	StepIDKey ContextKey = "step_id"
	// RequestIDKey is the context key for the inbound request ID
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	DrillID    string
	ScenarioID string
	StepID     string
	RequestID  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithDrillID adds a drill ID to the context
func WithDrillID(ctx context.Context, drillID string) context.Context {
	return context.WithValue(ctx, DrillIDKey, drillID)
}

// WithScenarioID adds a scenario ID to the context
func WithScenarioID(ctx context.Context, scenarioID string) context.Context {
	return context.WithValue(ctx, ScenarioIDKey, scenarioID)
}

// WithStepID adds a step ID to the context
func WithStepID(ctx context.Context, stepID string) context.Context {
	return context.WithValue(ctx, StepIDKey, stepID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetDrillID retrieves the drill ID from the context
func GetDrillID(ctx context.Context) string { return stringValue(ctx, DrillIDKey) }

// GetScenarioID retrieves the scenario ID from the context
func GetScenarioID(ctx context.Context) string { return stringValue(ctx, ScenarioIDKey) }

// GetStepID retrieves the step ID from the context
func GetStepID(ctx context.Context) string { return stringValue(ctx, StepIDKey) }

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string { return stringValue(ctx, RequestIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		DrillID:    GetDrillID(ctx),
		ScenarioID: GetScenarioID(ctx),
		StepID:     GetStepID(ctx),
		RequestID:  GetRequestID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.DrillID != "" {
		ctx = WithDrillID(ctx, tc.DrillID)
	}
	if tc.ScenarioID != "" {
		ctx = WithScenarioID(ctx, tc.ScenarioID)
	}
	if tc.StepID != "" {
		ctx = WithStepID(ctx, tc.StepID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewDrillContext tags ctx with a drill and ensures it carries a trace ID.
func NewDrillContext(ctx context.Context, drillID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithDrillID(ctx, drillID)
}
