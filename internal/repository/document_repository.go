package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// DocumentRepository handles document persistence, including owned sub-entities
// (authors, external IDs, venue, metrics) and the per-stage enrichment columns
// later pipeline stages write in place.
type DocumentRepository interface {
	// SaveBatch inserts a batch of documents together with their owned
	// sub-entities. Callers are expected to run it inside a transaction
	// (see database.DB.WithSerializableTransaction) together with the
	// duplicate filtering that precedes it, so that two overlapping
	// ingests cannot both insert the same paper.
	// Returns domain.ErrAlreadyExists if a document collides with an
	// existing DOI or normalized title within the project.
	SaveBatch(ctx context.Context, docs []*domain.Document) error

	// GetByID retrieves a document with all its owned sub-entities.
	// Returns domain.ErrNotFound if no matching document exists.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Document, error)

	// List retrieves documents matching the filter criteria.
	// Owned sub-entities are loaded for each returned document.
	// Returns the matching documents and total count for pagination.
	List(ctx context.Context, filter DocumentFilter) ([]*domain.Document, int64, error)

	// FindByCorrelation returns all documents ingested under a correlation ID,
	// ordered by creation time. Stage listeners use this to fan work out to
	// every document of an operation.
	FindByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*domain.Document, error)

	// LoadDedupKeys returns the deduplication fingerprints of every document
	// already stored for a project. The ingestion path loads these inside its
	// save transaction and filters candidates against them.
	LoadDedupKeys(ctx context.Context, projectID string) ([]string, error)

	// UpdatePDFURL records the stored PDF location for a document.
	// Returns domain.ErrNotFound if no matching document exists.
	UpdatePDFURL(ctx context.Context, id uuid.UUID, pdfURL string) error

	// UpdateExtraction writes the extraction stage column group: status,
	// extracted text, and extraction timestamp.
	// Returns domain.ErrNotFound if no matching document exists.
	UpdateExtraction(ctx context.Context, id uuid.UUID, status domain.ExtractionStatus, text string, extractedAt time.Time) error

	// UpdateStructure writes the structuring stage column group: sections and
	// key findings.
	// Returns domain.ErrNotFound if no matching document exists.
	UpdateStructure(ctx context.Context, id uuid.UUID, sections []domain.Section, keyFindings []string) error

	// UpdateSummary writes the summarization stage column group.
	// Returns domain.ErrNotFound if no matching document exists.
	UpdateSummary(ctx context.Context, id uuid.UUID, summary string) error

	// UpdateGapAnalysis writes the gap-analysis stage column group.
	// Returns domain.ErrNotFound if no matching document exists.
	UpdateGapAnalysis(ctx context.Context, id uuid.UUID, gapAnalysis string) error
}

// DocumentFilter specifies criteria for listing documents.
type DocumentFilter struct {
	// ProjectID filters by project (required for tenant isolation).
	ProjectID string

	// CorrelationID filters to documents ingested under one operation (optional).
	CorrelationID *uuid.UUID

	// ExtractionStatus filters by text-extraction state (optional).
	ExtractionStatus *domain.ExtractionStatus

	// HasSummary filters to documents with (true) or without (false) a summary (optional).
	HasSummary *bool

	// Limit specifies maximum number of results (default: 100, max: 1000).
	Limit int

	// Offset specifies the starting position for pagination.
	Offset int
}

// Validate checks if the filter has valid values and sets defaults.
// Returns domain.ErrInvalidInput if ProjectID is empty.
func (f *DocumentFilter) Validate() error {
	if f.ProjectID == "" {
		return domain.NewValidationError("project_id", "project ID is required")
	}
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}
