package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Compile-time interface verification.
var _ DocumentRepository = (*PgDocumentRepository)(nil)

// PgDocumentRepository is a PostgreSQL implementation of DocumentRepository.
type PgDocumentRepository struct {
	db DBTX
}

// NewPgDocumentRepository creates a new PostgreSQL document repository.
func NewPgDocumentRepository(db DBTX) *PgDocumentRepository {
	return &PgDocumentRepository{db: db}
}

const documentColumns = `id, project_id, correlation_id, title, doi, abstract,
		source_url, pdf_url,
		extraction_status, extracted_text, extracted_at,
		sections, key_findings, summary, gap_analysis,
		created_at, updated_at`

// SaveBatch inserts a batch of documents together with their owned sub-entities.
// Document inserts and child inserts for the whole batch are queued as a single
// pgx.Batch so the save costs one network roundtrip regardless of batch size.
func (r *PgDocumentRepository) SaveBatch(ctx context.Context, docs []*domain.Document) error {
	if len(docs) == 0 {
		return nil
	}

	for i, doc := range docs {
		if doc == nil {
			return domain.NewValidationError("document", fmt.Sprintf("document at index %d is nil", i))
		}
		if doc.ProjectID == "" {
			return domain.NewValidationError("project_id", fmt.Sprintf("document at index %d has no project ID", i))
		}
		if strings.TrimSpace(doc.Title) == "" {
			return domain.NewValidationError("title", fmt.Sprintf("document at index %d has no title", i))
		}
	}

	insertDoc := `
		INSERT INTO documents (
			id, project_id, correlation_id, title, title_normalized, doi, abstract,
			source_url, pdf_url, extraction_status,
			sections, key_findings, summary, gap_analysis,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16
		)`
	insertAuthor := `
		INSERT INTO document_authors (id, document_id, name, affiliation, position)
		VALUES ($1, $2, $3, $4, $5)`
	insertExternalID := `
		INSERT INTO document_external_ids (id, document_id, id_type, id_value)
		VALUES ($1, $2, $3, $4)`
	insertVenue := `
		INSERT INTO document_venues (id, document_id, name, publisher, year)
		VALUES ($1, $2, $3, $4, $5)`
	insertMetrics := `
		INSERT INTO document_metrics (id, document_id, citation_count, reference_count, influence_score)
		VALUES ($1, $2, $3, $4, $5)`

	now := time.Now().UTC()
	batch := &pgx.Batch{}

	for _, doc := range docs {
		if doc.ID == uuid.Nil {
			doc.ID = uuid.New()
		}
		if doc.ExtractionStatus == "" {
			doc.ExtractionStatus = domain.ExtractionStatusPending
		}
		doc.CreatedAt = now
		doc.UpdatedAt = now

		sectionsJSON, err := json.Marshal(doc.Sections)
		if err != nil {
			return fmt.Errorf("failed to marshal sections: %w", err)
		}
		findingsJSON, err := json.Marshal(doc.KeyFindings)
		if err != nil {
			return fmt.Errorf("failed to marshal key findings: %w", err)
		}

		var doi *string
		if doc.DOI != nil && strings.TrimSpace(*doc.DOI) != "" {
			normalized := strings.ToLower(strings.TrimSpace(*doc.DOI))
			doi = &normalized
		}

		batch.Queue(insertDoc,
			doc.ID, doc.ProjectID, doc.CorrelationID, doc.Title, domain.NormalizeTitle(doc.Title), doi, doc.Abstract,
			nullString(doc.SourceURL), nullString(doc.PDFURL), doc.ExtractionStatus,
			sectionsJSON, findingsJSON, nullString(doc.Summary), nullString(doc.GapAnalysis),
			doc.CreatedAt, doc.UpdatedAt,
		)

		for i := range doc.Authors {
			a := &doc.Authors[i]
			if a.ID == uuid.Nil {
				a.ID = uuid.New()
			}
			a.DocumentID = doc.ID
			batch.Queue(insertAuthor, a.ID, a.DocumentID, a.Name, nullString(a.Affiliation), a.Position)
		}

		for i := range doc.ExternalIDs {
			e := &doc.ExternalIDs[i]
			if e.ID == uuid.Nil {
				e.ID = uuid.New()
			}
			e.DocumentID = doc.ID
			batch.Queue(insertExternalID, e.ID, e.DocumentID, e.Type, e.Value)
		}

		if doc.Venue != nil {
			if doc.Venue.ID == uuid.Nil {
				doc.Venue.ID = uuid.New()
			}
			doc.Venue.DocumentID = doc.ID
			batch.Queue(insertVenue, doc.Venue.ID, doc.Venue.DocumentID, doc.Venue.Name,
				nullString(doc.Venue.Publisher), doc.Venue.Year)
		}

		if doc.Metrics != nil {
			if doc.Metrics.ID == uuid.Nil {
				doc.Metrics.ID = uuid.New()
			}
			doc.Metrics.DocumentID = doc.ID
			batch.Queue(insertMetrics, doc.Metrics.ID, doc.Metrics.DocumentID,
				doc.Metrics.CitationCount, doc.Metrics.ReferenceCount, doc.Metrics.InfluenceScore)
		}
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return domain.NewAlreadyExistsError("document", pgErr.Detail)
			}
			return fmt.Errorf("failed to save document batch: %w", err)
		}
	}

	return nil
}

// GetByID retrieves a document with all its owned sub-entities.
func (r *PgDocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM documents
		WHERE id = $1`, documentColumns)

	row := r.db.QueryRow(ctx, query, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("document", id.String())
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	if err := r.loadChildren(ctx, []*domain.Document{doc}); err != nil {
		return nil, err
	}

	return doc, nil
}

// List retrieves documents matching the filter criteria.
func (r *PgDocumentRepository) List(ctx context.Context, filter DocumentFilter) ([]*domain.Document, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	// Build dynamic WHERE clause
	conditions := []string{"project_id = $1"}
	args := []interface{}{filter.ProjectID}
	argIndex := 2

	if filter.CorrelationID != nil {
		conditions = append(conditions, fmt.Sprintf("correlation_id = $%d", argIndex))
		args = append(args, *filter.CorrelationID)
		argIndex++
	}

	if filter.ExtractionStatus != nil {
		conditions = append(conditions, fmt.Sprintf("extraction_status = $%d", argIndex))
		args = append(args, *filter.ExtractionStatus)
		argIndex++
	}

	if filter.HasSummary != nil {
		if *filter.HasSummary {
			conditions = append(conditions, "summary IS NOT NULL AND summary != ''")
		} else {
			conditions = append(conditions, "(summary IS NULL OR summary = '')")
		}
	}

	whereClause := strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM documents WHERE %s", whereClause)
	var totalCount int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	selectQuery := fmt.Sprintf(`
		SELECT %s
		FROM documents
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		documentColumns, whereClause, argIndex, argIndex+1)

	args = append(args, filter.Limit, filter.Offset)

	docs, err := r.queryDocuments(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}

	if err := r.loadChildren(ctx, docs); err != nil {
		return nil, 0, err
	}

	return docs, totalCount, nil
}

// FindByCorrelation returns all documents ingested under a correlation ID.
func (r *PgDocumentRepository) FindByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]*domain.Document, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM documents
		WHERE correlation_id = $1
		ORDER BY created_at ASC`, documentColumns)

	docs, err := r.queryDocuments(ctx, query, correlationID)
	if err != nil {
		return nil, err
	}

	if err := r.loadChildren(ctx, docs); err != nil {
		return nil, err
	}

	return docs, nil
}

// LoadDedupKeys returns the deduplication fingerprints of every document
// already stored for a project.
func (r *PgDocumentRepository) LoadDedupKeys(ctx context.Context, projectID string) ([]string, error) {
	if projectID == "" {
		return nil, domain.NewValidationError("project_id", "project ID is required")
	}

	query := `
		SELECT doi, title
		FROM documents
		WHERE project_id = $1`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dedup keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var doc domain.Document
		if err := rows.Scan(&doc.DOI, &doc.Title); err != nil {
			return nil, fmt.Errorf("failed to scan dedup key: %w", err)
		}
		keys = append(keys, doc.DedupKey())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dedup keys: %w", err)
	}

	return keys, nil
}

// UpdatePDFURL records the stored PDF location for a document.
func (r *PgDocumentRepository) UpdatePDFURL(ctx context.Context, id uuid.UUID, pdfURL string) error {
	if pdfURL == "" {
		return domain.NewValidationError("pdf_url", "PDF URL is required")
	}

	query := `
		UPDATE documents
		SET pdf_url = $1, updated_at = $2
		WHERE id = $3`

	return r.execDocumentUpdate(ctx, id, query, pdfURL, time.Now().UTC(), id)
}

// UpdateExtraction writes the extraction stage column group.
func (r *PgDocumentRepository) UpdateExtraction(ctx context.Context, id uuid.UUID, status domain.ExtractionStatus, text string, extractedAt time.Time) error {
	query := `
		UPDATE documents
		SET extraction_status = $1, extracted_text = $2, extracted_at = $3, updated_at = $4
		WHERE id = $5`

	return r.execDocumentUpdate(ctx, id, query, status, nullString(text), extractedAt, time.Now().UTC(), id)
}

// UpdateStructure writes the structuring stage column group.
func (r *PgDocumentRepository) UpdateStructure(ctx context.Context, id uuid.UUID, sections []domain.Section, keyFindings []string) error {
	sectionsJSON, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("failed to marshal sections: %w", err)
	}
	findingsJSON, err := json.Marshal(keyFindings)
	if err != nil {
		return fmt.Errorf("failed to marshal key findings: %w", err)
	}

	query := `
		UPDATE documents
		SET sections = $1, key_findings = $2, updated_at = $3
		WHERE id = $4`

	return r.execDocumentUpdate(ctx, id, query, sectionsJSON, findingsJSON, time.Now().UTC(), id)
}

// UpdateSummary writes the summarization stage column group.
func (r *PgDocumentRepository) UpdateSummary(ctx context.Context, id uuid.UUID, summary string) error {
	query := `
		UPDATE documents
		SET summary = $1, updated_at = $2
		WHERE id = $3`

	return r.execDocumentUpdate(ctx, id, query, summary, time.Now().UTC(), id)
}

// UpdateGapAnalysis writes the gap-analysis stage column group.
func (r *PgDocumentRepository) UpdateGapAnalysis(ctx context.Context, id uuid.UUID, gapAnalysis string) error {
	query := `
		UPDATE documents
		SET gap_analysis = $1, updated_at = $2
		WHERE id = $3`

	return r.execDocumentUpdate(ctx, id, query, gapAnalysis, time.Now().UTC(), id)
}

// execDocumentUpdate runs a single-document UPDATE and maps zero affected rows
// to domain.ErrNotFound.
func (r *PgDocumentRepository) execDocumentUpdate(ctx context.Context, id uuid.UUID, query string, args ...interface{}) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("document", id.String())
	}

	return nil
}

// queryDocuments runs a document SELECT and scans all rows.
func (r *PgDocumentRepository) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]*domain.Document, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		doc, err := scanDocumentFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}

// loadChildren fetches the owned sub-entities for a set of documents in four
// queries, one per child table, and attaches them to their parents.
func (r *PgDocumentRepository) loadChildren(ctx context.Context, docs []*domain.Document) error {
	if len(docs) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*domain.Document, len(docs))
	ids := make([]uuid.UUID, 0, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
		ids = append(ids, doc.ID)
	}

	authorsQuery := `
		SELECT id, document_id, name, affiliation, position
		FROM document_authors
		WHERE document_id = ANY($1)
		ORDER BY document_id, position`

	rows, err := r.db.Query(ctx, authorsQuery, ids)
	if err != nil {
		return fmt.Errorf("failed to query document authors: %w", err)
	}
	for rows.Next() {
		var a domain.Author
		var affiliation *string
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.Name, &affiliation, &a.Position); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan author: %w", err)
		}
		if affiliation != nil {
			a.Affiliation = *affiliation
		}
		if doc, ok := byID[a.DocumentID]; ok {
			doc.Authors = append(doc.Authors, a)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating authors: %w", err)
	}
	rows.Close()

	externalIDsQuery := `
		SELECT id, document_id, id_type, id_value
		FROM document_external_ids
		WHERE document_id = ANY($1)`

	rows, err = r.db.Query(ctx, externalIDsQuery, ids)
	if err != nil {
		return fmt.Errorf("failed to query document external IDs: %w", err)
	}
	for rows.Next() {
		var e domain.ExternalID
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Type, &e.Value); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan external ID: %w", err)
		}
		if doc, ok := byID[e.DocumentID]; ok {
			doc.ExternalIDs = append(doc.ExternalIDs, e)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating external IDs: %w", err)
	}
	rows.Close()

	venuesQuery := `
		SELECT id, document_id, name, publisher, year
		FROM document_venues
		WHERE document_id = ANY($1)`

	rows, err = r.db.Query(ctx, venuesQuery, ids)
	if err != nil {
		return fmt.Errorf("failed to query document venues: %w", err)
	}
	for rows.Next() {
		var v domain.Venue
		var publisher *string
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.Name, &publisher, &v.Year); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan venue: %w", err)
		}
		if publisher != nil {
			v.Publisher = *publisher
		}
		if doc, ok := byID[v.DocumentID]; ok {
			venue := v
			doc.Venue = &venue
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating venues: %w", err)
	}
	rows.Close()

	metricsQuery := `
		SELECT id, document_id, citation_count, reference_count, influence_score
		FROM document_metrics
		WHERE document_id = ANY($1)`

	rows, err = r.db.Query(ctx, metricsQuery, ids)
	if err != nil {
		return fmt.Errorf("failed to query document metrics: %w", err)
	}
	for rows.Next() {
		var m domain.Metrics
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.CitationCount, &m.ReferenceCount, &m.InfluenceScore); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan metrics: %w", err)
		}
		if doc, ok := byID[m.DocumentID]; ok {
			metrics := m
			doc.Metrics = &metrics
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating metrics: %w", err)
	}
	rows.Close()

	return nil
}

// documentScanDest holds the destination pointers for scanning a Document row.
// This eliminates code duplication between pgx.Row and pgx.Rows scanning.
type documentScanDest struct {
	doc           domain.Document
	abstract      *string
	sourceURL     *string
	pdfURL        *string
	extractedText *string
	sectionsJSON  []byte
	findingsJSON  []byte
	summary       *string
	gapAnalysis   *string
}

// destinations returns the slice of pointers for Scan operations.
func (d *documentScanDest) destinations() []interface{} {
	return []interface{}{
		&d.doc.ID, &d.doc.ProjectID, &d.doc.CorrelationID, &d.doc.Title, &d.doc.DOI, &d.abstract,
		&d.sourceURL, &d.pdfURL,
		&d.doc.ExtractionStatus, &d.extractedText, &d.doc.ExtractedAt,
		&d.sectionsJSON, &d.findingsJSON, &d.summary, &d.gapAnalysis,
		&d.doc.CreatedAt, &d.doc.UpdatedAt,
	}
}

// finalize performs post-scan processing: sets nullable fields and unmarshals JSON.
func (d *documentScanDest) finalize() (*domain.Document, error) {
	if d.abstract != nil {
		d.doc.Abstract = *d.abstract
	}
	if d.sourceURL != nil {
		d.doc.SourceURL = *d.sourceURL
	}
	if d.pdfURL != nil {
		d.doc.PDFURL = *d.pdfURL
	}
	if d.extractedText != nil {
		d.doc.ExtractedText = *d.extractedText
	}
	if d.summary != nil {
		d.doc.Summary = *d.summary
	}
	if d.gapAnalysis != nil {
		d.doc.GapAnalysis = *d.gapAnalysis
	}

	if len(d.sectionsJSON) > 0 {
		if err := json.Unmarshal(d.sectionsJSON, &d.doc.Sections); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sections: %w", err)
		}
	}

	if len(d.findingsJSON) > 0 {
		if err := json.Unmarshal(d.findingsJSON, &d.doc.KeyFindings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal key findings: %w", err)
		}
	}

	return &d.doc, nil
}

// scanDocument scans a single row into a Document.
func scanDocument(row pgx.Row) (*domain.Document, error) {
	var dest documentScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// scanDocumentFromRows scans the current row from pgx.Rows into a Document.
func scanDocumentFromRows(rows pgx.Rows) (*domain.Document, error) {
	var dest documentScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
