package domain

import (
	"time"

	"github.com/google/uuid"
)

// Wire messages exchanged with the external worker pool over the message
// channel. Every message carries the correlation ID of the operation it
// belongs to; workers must echo the correlation ID (and document ID, where
// applicable) they received. Bodies are JSON-encoded.

// SearchCommand asks a search worker to discover papers for a project.
type SearchCommand struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	ProjectID     string    `json:"project_id"`
	Query         string    `json:"query"`
	MaxResults    int       `json:"max_results"`
}

// CandidateDocument is a paper a search worker discovered. Candidates are
// deduplicated and persisted by the search listener; only genuinely new
// ones become documents.
type CandidateDocument struct {
	Title     string   `json:"title"`
	DOI       *string  `json:"doi,omitempty"`
	Abstract  string   `json:"abstract,omitempty"`
	SourceURL string   `json:"source_url,omitempty"`
	PDFURL    string   `json:"pdf_url,omitempty"`
	Authors   []string `json:"authors,omitempty"`
	Venue     string   `json:"venue,omitempty"`
	Year      int      `json:"year,omitempty"`
	Citations int      `json:"citations,omitempty"`
}

// SearchResult is the search worker's completed message.
type SearchResult struct {
	CorrelationID uuid.UUID           `json:"correlation_id"`
	ProjectID     string              `json:"project_id"`
	Status        StageResultStatus   `json:"status"`
	Candidates    []CandidateDocument `json:"candidates,omitempty"`
	ErrorMessage  string              `json:"error_message,omitempty"`
}

// ExtractionCommand asks an extraction worker to pull text from one document.
type ExtractionCommand struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	ProjectID     string    `json:"project_id"`
	DocumentID    uuid.UUID `json:"document_id"`
	// DocumentURL is the stored PDF copy when available, the original
	// source URL otherwise.
	DocumentURL string `json:"document_url"`
}

// ExtractionResult is the extraction worker's completed message.
type ExtractionResult struct {
	CorrelationID uuid.UUID         `json:"correlation_id"`
	ProjectID     string            `json:"project_id"`
	DocumentID    uuid.UUID         `json:"document_id"`
	Status        StageResultStatus `json:"status"`
	ExtractedText string            `json:"extracted_text,omitempty"`
	StoredPDFURL  string            `json:"stored_pdf_url,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// StructuringCommand asks a structuring worker to split extracted text into
// sections and key findings.
type StructuringCommand struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	ProjectID     string    `json:"project_id"`
	DocumentID    uuid.UUID `json:"document_id"`
	ExtractedText string    `json:"extracted_text"`
}

// StructuringResult is the structuring worker's completed message.
type StructuringResult struct {
	CorrelationID uuid.UUID         `json:"correlation_id"`
	ProjectID     string            `json:"project_id"`
	DocumentID    uuid.UUID         `json:"document_id"`
	Status        StageResultStatus `json:"status"`
	Sections      []Section         `json:"sections,omitempty"`
	KeyFindings   []string          `json:"key_findings,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// SummarizationCommand asks a summarization worker to summarize a
// structured document.
type SummarizationCommand struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	ProjectID     string    `json:"project_id"`
	DocumentID    uuid.UUID `json:"document_id"`
	Sections      []Section `json:"sections"`
}

// SummarizationResult is the summarization worker's completed message.
type SummarizationResult struct {
	CorrelationID uuid.UUID         `json:"correlation_id"`
	ProjectID     string            `json:"project_id"`
	DocumentID    uuid.UUID         `json:"document_id"`
	Status        StageResultStatus `json:"status"`
	Summary       string            `json:"summary,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// GapAnalysisCommand asks a gap-analysis worker to analyze the summarized
// corpus of a project.
type GapAnalysisCommand struct {
	CorrelationID uuid.UUID   `json:"correlation_id"`
	ProjectID     string      `json:"project_id"`
	DocumentIDs   []uuid.UUID `json:"document_ids"`
}

// GapAnalysisResult is the gap-analysis worker's completed message.
type GapAnalysisResult struct {
	CorrelationID uuid.UUID         `json:"correlation_id"`
	ProjectID     string            `json:"project_id"`
	Status        StageResultStatus `json:"status"`
	// Findings maps document ID to the gap-analysis text for that document.
	Findings     map[uuid.UUID]string `json:"findings,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

// DeadLetter wraps a message that exhausted its processing attempts before
// being diverted to the dead-letter destination.
type DeadLetter struct {
	Topic      string    `json:"topic"`
	Key        string    `json:"key,omitempty"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	DivertedAt time.Time `json:"diverted_at"`
}
