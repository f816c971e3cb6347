package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/database"
	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/messaging"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/repository"
)

// txRunner runs a function inside a serializable database transaction.
// *database.DB satisfies it.
type txRunner interface {
	WithSerializableTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// Config holds the tunables of the pipeline service.
type Config struct {
	// DefaultMaxResults is used when a search submission does not specify
	// how many papers to request.
	DefaultMaxResults int
}

// Service is the pipeline orchestrator. It owns submission of new work,
// read access to operations and documents, and the stage listeners that
// advance jobs as worker results arrive.
type Service struct {
	ops       repository.OperationRepository
	docs      repository.DocumentRepository
	tx        txRunner
	txDocs    func(tx repository.DBTX) repository.DocumentRepository
	publisher messaging.Publisher
	topics    messaging.Topics
	metrics   *observability.Metrics
	logger    zerolog.Logger
	cfg       Config
}

// NewService creates a pipeline service wired to the given store and
// message channel.
func NewService(
	db *database.DB,
	ops repository.OperationRepository,
	docs repository.DocumentRepository,
	publisher messaging.Publisher,
	topics messaging.Topics,
	cfg Config,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Service {
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = 50
	}
	return &Service{
		ops:  ops,
		docs: docs,
		tx:   db,
		txDocs: func(tx repository.DBTX) repository.DocumentRepository {
			return repository.NewPgDocumentRepository(tx)
		},
		publisher: publisher,
		topics:    topics,
		metrics:   metrics,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		cfg:       cfg,
	}
}

// SubmitSearch starts a new pipeline job: it creates the search operation
// and publishes the search command for the worker pool. The operation is
// returned in SUBMITTED state; progress arrives asynchronously.
func (s *Service) SubmitSearch(ctx context.Context, projectID, query string, maxResults int) (*domain.Operation, error) {
	if projectID == "" {
		return nil, domain.NewValidationError("project_id", "project ID is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, domain.NewValidationError("query", "search query is required")
	}
	if maxResults <= 0 {
		maxResults = s.cfg.DefaultMaxResults
	}

	op := &domain.Operation{
		CorrelationID:  uuid.New(),
		Stage:          domain.StageSearch,
		ProjectID:      projectID,
		Status:         domain.OperationStatusSubmitted,
		TotalToProcess: maxResults,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := s.ops.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("create search operation: %w", err)
	}

	cmd := domain.SearchCommand{
		CorrelationID: op.CorrelationID,
		ProjectID:     projectID,
		Query:         query,
		MaxResults:    maxResults,
	}
	if err := s.publisher.Publish(ctx, s.topics.Commands(domain.StageSearch), op.CorrelationID.String(), cmd); err != nil {
		// The operation exists but no worker will ever pick it up; fail it
		// so the client is not left polling a dead correlation ID.
		if ferr := s.ops.Finish(ctx, op.CorrelationID, domain.OperationStatusFailed, "failed to publish search command"); ferr != nil {
			s.logger.Error().Err(ferr).
				Str("correlation_id", op.CorrelationID.String()).
				Msg("failed to fail unpublishable search operation")
		}
		return nil, fmt.Errorf("publish search command: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordOperationStarted(string(domain.StageSearch))
	}
	s.logger.Info().
		Str("correlation_id", op.CorrelationID.String()).
		Str("project_id", projectID).
		Int("max_results", maxResults).
		Msg("search submitted")
	return op, nil
}

// SubmitDocuments ingests manually supplied documents for a project. The
// batch is deduplicated against the project's existing corpus inside one
// serializable transaction; survivors are persisted and an extraction
// operation covering them is created and published. A batch that resolves
// to zero new documents is rejected.
func (s *Service) SubmitDocuments(ctx context.Context, projectID string, candidates []domain.CandidateDocument) (*domain.Operation, error) {
	if projectID == "" {
		return nil, domain.NewValidationError("project_id", "project ID is required")
	}
	if len(candidates) == 0 {
		return nil, domain.NewValidationError("documents", "at least one document is required")
	}
	for i, c := range candidates {
		if strings.TrimSpace(c.Title) == "" {
			return nil, domain.NewValidationError("documents", fmt.Sprintf("document at index %d has no title", i))
		}
	}

	correlationID := uuid.New()
	docs := make([]domain.Document, 0, len(candidates))
	for _, c := range candidates {
		docs = append(docs, candidateToDocument(projectID, correlationID, c))
	}

	saved, duplicates, err := s.ingest(ctx, projectID, docs)
	if err != nil {
		return nil, fmt.Errorf("ingest documents: %w", err)
	}
	if len(saved) == 0 {
		return nil, domain.NewValidationError("documents", "all documents in the batch are already known to the project")
	}

	op := &domain.Operation{
		CorrelationID:  correlationID,
		Stage:          domain.StageExtraction,
		ProjectID:      projectID,
		Status:         domain.OperationStatusSubmitted,
		TotalToProcess: len(saved),
		SubmittedAt:    time.Now().UTC(),
	}
	if err := s.ops.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("create extraction operation: %w", err)
	}

	if err := s.publishExtractionCommands(ctx, op.CorrelationID, projectID, saved); err != nil {
		// Some commands may have reached the channel and some not; fail the
		// operation so the client is not left polling a dead correlation ID.
		// The saved documents stay in the store for resubmission.
		if ferr := s.ops.Finish(ctx, op.CorrelationID, domain.OperationStatusFailed, "failed to publish extraction commands"); ferr != nil {
			s.logger.Error().Err(ferr).
				Str("correlation_id", op.CorrelationID.String()).
				Msg("failed to fail unpublishable extraction operation")
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordOperationStarted(string(domain.StageExtraction))
	}
	s.logger.Info().
		Str("correlation_id", op.CorrelationID.String()).
		Str("project_id", projectID).
		Int("saved", len(saved)).
		Int("duplicates", duplicates).
		Msg("documents submitted")
	return op, nil
}

// GetOperation retrieves an operation within a project context.
func (s *Service) GetOperation(ctx context.Context, projectID string, correlationID uuid.UUID) (*domain.Operation, error) {
	return s.ops.Get(ctx, projectID, correlationID)
}

// ListOperations retrieves operations matching the filter.
func (s *Service) ListOperations(ctx context.Context, filter repository.OperationFilter) ([]*domain.Operation, int64, error) {
	return s.ops.List(ctx, filter)
}

// CancelOperation cancels a non-terminal operation.
func (s *Service) CancelOperation(ctx context.Context, projectID string, correlationID uuid.UUID) error {
	return s.ops.Cancel(ctx, projectID, correlationID)
}

// GetDocument retrieves a document, enforcing project scoping.
func (s *Service) GetDocument(ctx context.Context, projectID string, id uuid.UUID) (*domain.Document, error) {
	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.ProjectID != projectID {
		return nil, domain.NewNotFoundError("document", id.String())
	}
	return doc, nil
}

// ListDocuments retrieves documents matching the filter.
func (s *Service) ListDocuments(ctx context.Context, filter repository.DocumentFilter) ([]*domain.Document, int64, error) {
	return s.docs.List(ctx, filter)
}

// publishExtractionCommands publishes one extraction command per document
// under the given extraction operation.
func (s *Service) publishExtractionCommands(ctx context.Context, correlationID uuid.UUID, projectID string, docs []*domain.Document) error {
	topic := s.topics.Commands(domain.StageExtraction)
	for _, doc := range docs {
		cmd := domain.ExtractionCommand{
			CorrelationID: correlationID,
			ProjectID:     projectID,
			DocumentID:    doc.ID,
			DocumentURL:   doc.WorkerURL(),
		}
		if err := s.publisher.Publish(ctx, topic, correlationID.String(), cmd); err != nil {
			return fmt.Errorf("publish extraction command for document %s: %w", doc.ID, err)
		}
	}
	return nil
}
