package observability

import (
	"context"
)

// Context keys for observability data.
type contextKey string

const (
	requestIDKey     contextKey = "request_id"
	projectIDKey     contextKey = "project_id"
	correlationIDKey contextKey = "correlation_id"
	stageKey         contextKey = "stage"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithProjectID adds a project ID to the context.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectIDKey, projectID)
}

// ProjectIDFromContext retrieves the project ID from context.
// Returns empty string if not present.
func ProjectIDFromContext(ctx context.Context) string {
	if v := ctx.Value(projectIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithCorrelation adds the operation correlation ID and stage to the context.
func WithCorrelation(ctx context.Context, correlationID, stage string) context.Context {
	ctx = context.WithValue(ctx, correlationIDKey, correlationID)
	ctx = context.WithValue(ctx, stageKey, stage)
	return ctx
}

// CorrelationFromContext retrieves the correlation ID and stage from context.
// Returns empty strings if not present.
func CorrelationFromContext(ctx context.Context) (correlationID, stage string) {
	if v := ctx.Value(correlationIDKey); v != nil {
		if id, ok := v.(string); ok {
			correlationID = id
		}
	}
	if v := ctx.Value(stageKey); v != nil {
		if s, ok := v.(string); ok {
			stage = s
		}
	}
	return correlationID, stage
}

// PipelineContext contains the request-scoped identity of a pipeline operation.
type PipelineContext struct {
	RequestID     string
	ProjectID     string
	CorrelationID string
	Stage         string
}

// WithPipelineContext adds all pipeline identity fields to the context.
func WithPipelineContext(ctx context.Context, pc PipelineContext) context.Context {
	if pc.RequestID != "" {
		ctx = WithRequestID(ctx, pc.RequestID)
	}
	if pc.ProjectID != "" {
		ctx = WithProjectID(ctx, pc.ProjectID)
	}
	if pc.CorrelationID != "" || pc.Stage != "" {
		ctx = WithCorrelation(ctx, pc.CorrelationID, pc.Stage)
	}
	return ctx
}

// PipelineContextFromContext extracts all pipeline identity fields from the context.
func PipelineContextFromContext(ctx context.Context) PipelineContext {
	correlationID, stage := CorrelationFromContext(ctx)

	return PipelineContext{
		RequestID:     RequestIDFromContext(ctx),
		ProjectID:     ProjectIDFromContext(ctx),
		CorrelationID: correlationID,
		Stage:         stage,
	}
}
