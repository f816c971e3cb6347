// Package httpserver provides the HTTP REST API for the paper pipeline service.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/database"
	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/repository"
)

// PipelineService is the slice of the pipeline orchestrator the HTTP layer
// depends on.
type PipelineService interface {
	SubmitSearch(ctx context.Context, projectID, query string, maxResults int) (*domain.Operation, error)
	SubmitDocuments(ctx context.Context, projectID string, candidates []domain.CandidateDocument) (*domain.Operation, error)
	GetOperation(ctx context.Context, projectID string, correlationID uuid.UUID) (*domain.Operation, error)
	ListOperations(ctx context.Context, filter repository.OperationFilter) ([]*domain.Operation, int64, error)
	CancelOperation(ctx context.Context, projectID string, correlationID uuid.UUID) error
	GetDocument(ctx context.Context, projectID string, id uuid.UUID) (*domain.Document, error)
	ListDocuments(ctx context.Context, filter repository.DocumentFilter) ([]*domain.Document, int64, error)
}

// healthChecker reports database health for the liveness and readiness
// endpoints. *database.DB satisfies it.
type healthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

// Server is the HTTP REST API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	pipeline   PipelineService
	health     healthChecker
	logger     zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new HTTP server with all dependencies.
func NewServer(cfg Config, pipeline PipelineService, health healthChecker, logger zerolog.Logger) *Server {
	s := &Server{
		pipeline: pipeline,
		health:   health,
		logger:   logger.With().Str("component", "http-server").Logger(),
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(jsonContentTypeMiddleware)

	// Health endpoints
	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/api/v1/projects/{projectID}", func(r chi.Router) {
		r.Use(projectContextMiddleware)

		r.Post("/searches", s.submitSearch)
		r.Post("/documents", s.submitDocuments)
		r.Get("/operations", s.listOperations)
		r.Get("/operations/{correlationID}", s.getOperation)
		r.Delete("/operations/{correlationID}", s.cancelOperation)
		r.Get("/operations/{correlationID}/progress", s.streamProgress)
		r.Get("/documents", s.listDocuments)
		r.Get("/documents/{documentID}", s.getDocument)
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler returns basic liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.health.Health(r.Context())
	if health.Status == "healthy" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": health.Status})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status":   "unhealthy",
		"database": health.Status,
		"error":    health.Error,
	})
}

// readinessHandler returns readiness status.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.health.Health(r.Context())
	if health.Status != "healthy" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": health.Status,
			"error":    health.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": "healthy",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort log; headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
