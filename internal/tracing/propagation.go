package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.DrillID != "" {
		lc = lc.Str("drill_id", tc.DrillID)
	}
	if tc.ScenarioID != "" {
		lc = lc.Str("scenario_id", tc.ScenarioID)
	}
	if tc.StepID != "" {
		lc = lc.Str("step_id", tc.StepID)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}
	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext merges tracing information from source context into target context
// without overwriting values already present in target.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.DrillID != "" && GetDrillID(target) == "" {
		target = WithDrillID(target, tc.DrillID)
	}
	if tc.ScenarioID != "" && GetScenarioID(target) == "" {
		target = WithScenarioID(target, tc.ScenarioID)
	}
	if tc.RequestID != "" && GetRequestID(target) == "" {
		target = WithRequestID(target, tc.RequestID)
	}

	return target
}

// Detach returns a background context carrying ctx's tracing values.
// Runs triggered by a request must outlive that request.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
