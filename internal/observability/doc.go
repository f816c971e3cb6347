// Package observability provides logging and metrics support for the paper
// pipeline service.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for operations, documents, and messaging
//   - Context helpers for propagating correlation data
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    Output:    "stdout",
//	    AddSource: true,
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Str("correlation_id", corrID).Msg("operation submitted")
//
// Add operation context to logger:
//
//	logger = observability.WithOperationContext(logger, correlationID, stage)
//
// # Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics("paper_pipeline")
//
// Record metrics:
//
//	metrics.RecordOperationStarted("search")
//	metrics.RecordDocumentsIngested(42, 3)
//	metrics.RecordMessagePublished("pipeline.extraction.commands")
//
// # Context Helpers
//
// Store and retrieve request context:
//
//	ctx = observability.WithRequestID(ctx, requestID)
//	ctx = observability.WithCorrelation(ctx, correlationID, stage)
//
//	reqID := observability.RequestIDFromContext(ctx)
//	corrID, stage := observability.CorrelationFromContext(ctx)
//
// # Standard Fields
//
// Common fields used across the service:
//
//   - request_id: HTTP request identifier
//   - project_id: Project identifier
//   - correlation_id: Operation correlation identifier
//   - stage: Pipeline stage (search, extraction, structuring, ...)
//   - document_id: Document identifier
//   - topic: Message channel topic
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
