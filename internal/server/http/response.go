package httpserver

import (
	"time"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Operation response types for JSON serialization.

type submitResponse struct {
	CorrelationID string    `json:"correlation_id"`
	Stage         string    `json:"stage"`
	Status        string    `json:"status"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Message       string    `json:"message"`
}

type operationResponse struct {
	CorrelationID       string           `json:"correlation_id"`
	ParentCorrelationID string           `json:"parent_correlation_id,omitempty"`
	Stage               string           `json:"stage"`
	Status              string           `json:"status"`
	StatusMessage       string           `json:"status_message"`
	Progress            progressResponse `json:"progress"`
	ErrorMessage        string           `json:"error_message,omitempty"`
	SubmittedAt         time.Time        `json:"submitted_at"`
	StartedAt           *time.Time       `json:"started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	Duration            string           `json:"duration,omitempty"`
}

type progressResponse struct {
	TotalToProcess int     `json:"total_to_process"`
	Processed      int     `json:"processed"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Percentage     float64 `json:"percentage"`
}

type listOperationsResponse struct {
	Operations    []operationResponse `json:"operations"`
	NextPageToken string              `json:"next_page_token,omitempty"`
	TotalCount    int                 `json:"total_count"`
}

type cancelOperationResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Document response types.

type documentResponse struct {
	ID               string            `json:"id"`
	CorrelationID    string            `json:"correlation_id"`
	Title            string            `json:"title"`
	DOI              string            `json:"doi,omitempty"`
	Abstract         string            `json:"abstract,omitempty"`
	SourceURL        string            `json:"source_url,omitempty"`
	PDFURL           string            `json:"pdf_url,omitempty"`
	Authors          []authorResponse  `json:"authors,omitempty"`
	Venue            *venueResponse    `json:"venue,omitempty"`
	CitationCount    int               `json:"citation_count,omitempty"`
	ExtractionStatus string            `json:"extraction_status"`
	ExtractedAt      *time.Time        `json:"extracted_at,omitempty"`
	Sections         []sectionResponse `json:"sections,omitempty"`
	KeyFindings      []string          `json:"key_findings,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	GapAnalysis      string            `json:"gap_analysis,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

type authorResponse struct {
	Name        string `json:"name"`
	Affiliation string `json:"affiliation,omitempty"`
}

type venueResponse struct {
	Name      string `json:"name"`
	Publisher string `json:"publisher,omitempty"`
	Year      int    `json:"year,omitempty"`
}

type sectionResponse struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

type listDocumentsResponse struct {
	Documents     []documentResponse `json:"documents"`
	NextPageToken string             `json:"next_page_token,omitempty"`
	TotalCount    int                `json:"total_count"`
}

// Converter functions.

func domainOperationToResponse(op *domain.Operation) operationResponse {
	resp := operationResponse{
		CorrelationID: op.CorrelationID.String(),
		Stage:         string(op.Stage),
		Status:        string(op.Status),
		StatusMessage: op.StatusMessage(),
		ErrorMessage:  op.ErrorMessage,
		SubmittedAt:   op.SubmittedAt,
		StartedAt:     op.StartedAt,
		CompletedAt:   op.CompletedAt,
		Progress: progressResponse{
			TotalToProcess: op.TotalToProcess,
			Processed:      op.Processed,
			Succeeded:      op.Succeeded,
			Failed:         op.Failed,
			Percentage:     op.CompletionPercentage(),
		},
	}
	if op.ParentCorrelationID != nil {
		resp.ParentCorrelationID = op.ParentCorrelationID.String()
	}
	if d := op.ProcessingDuration(); d > 0 {
		resp.Duration = d.String()
	}
	return resp
}

func domainDocumentToResponse(doc *domain.Document) documentResponse {
	resp := documentResponse{
		ID:               doc.ID.String(),
		CorrelationID:    doc.CorrelationID.String(),
		Title:            doc.Title,
		Abstract:         doc.Abstract,
		SourceURL:        doc.SourceURL,
		PDFURL:           doc.PDFURL,
		ExtractionStatus: string(doc.ExtractionStatus),
		ExtractedAt:      doc.ExtractedAt,
		KeyFindings:      doc.KeyFindings,
		Summary:          doc.Summary,
		GapAnalysis:      doc.GapAnalysis,
		CreatedAt:        doc.CreatedAt,
	}
	if doc.DOI != nil {
		resp.DOI = *doc.DOI
	}
	for _, a := range doc.Authors {
		resp.Authors = append(resp.Authors, authorResponse{Name: a.Name, Affiliation: a.Affiliation})
	}
	if doc.Venue != nil {
		resp.Venue = &venueResponse{Name: doc.Venue.Name, Publisher: doc.Venue.Publisher, Year: doc.Venue.Year}
	}
	if doc.Metrics != nil {
		resp.CitationCount = doc.Metrics.CitationCount
	}
	for _, s := range doc.Sections {
		resp.Sections = append(resp.Sections, sectionResponse{Heading: s.Heading, Content: s.Content})
	}
	return resp
}
