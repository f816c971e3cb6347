package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/paper-pipeline-service/internal/dedup"
	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// ingest filters candidates against the project's known fingerprints and
// persists the survivors. Loading the fingerprints and saving the batch
// happen inside one serializable transaction so two overlapping ingests
// cannot both save the same paper; the unique indexes on (project, DOI) and
// (project, normalized title) fence whichever transaction commits second.
func (s *Service) ingest(ctx context.Context, projectID string, candidates []domain.Document) (saved []*domain.Document, duplicates int, err error) {
	err = s.tx.WithSerializableTransaction(ctx, func(tx pgx.Tx) error {
		saved = nil
		repo := s.txDocs(tx)

		keys, err := repo.LoadDedupKeys(ctx, projectID)
		if err != nil {
			return fmt.Errorf("load dedup keys: %w", err)
		}
		fresh := dedup.Filter(dedup.NewKeySet(keys), candidates)
		duplicates = len(candidates) - len(fresh)
		if len(fresh) == 0 {
			return nil
		}

		batch := make([]*domain.Document, len(fresh))
		for i := range fresh {
			doc := fresh[i]
			batch[i] = &doc
		}
		if err := repo.SaveBatch(ctx, batch); err != nil {
			return fmt.Errorf("save documents: %w", err)
		}
		saved = batch
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	if s.metrics != nil {
		s.metrics.RecordDocumentsIngested(len(saved), duplicates)
	}
	return saved, duplicates, nil
}

// candidateToDocument converts a worker-reported candidate into a document
// aggregate owned by the given project and operation.
func candidateToDocument(projectID string, correlationID uuid.UUID, c domain.CandidateDocument) domain.Document {
	doc := domain.Document{
		ID:               uuid.New(),
		ProjectID:        projectID,
		CorrelationID:    correlationID,
		Title:            c.Title,
		DOI:              c.DOI,
		Abstract:         c.Abstract,
		SourceURL:        c.SourceURL,
		PDFURL:           c.PDFURL,
		ExtractionStatus: domain.ExtractionStatusPending,
	}
	for _, name := range c.Authors {
		doc.AddAuthor(name, "")
	}
	if c.Venue != "" || c.Year != 0 {
		doc.SetVenue(c.Venue, "", c.Year)
	}
	if c.Citations > 0 {
		doc.SetMetrics(c.Citations, 0, 0)
	}
	if c.DOI != nil && *c.DOI != "" {
		doc.AddExternalID(domain.ExternalIDTypeDOI, *c.DOI)
	}
	return doc
}
