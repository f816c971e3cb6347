package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExtractionStatus represents the text-extraction state of a document.
// These values must match the database enum extraction_status.
type ExtractionStatus string

const (
	ExtractionStatusPending   ExtractionStatus = "PENDING"
	ExtractionStatusCompleted ExtractionStatus = "COMPLETED"
	ExtractionStatusFailed    ExtractionStatus = "FAILED"
)

// ExternalIDType represents the type of an external document identifier.
// These values must match the database enum external_id_type.
type ExternalIDType string

const (
	ExternalIDTypeDOI             ExternalIDType = "doi"
	ExternalIDTypeArXiv           ExternalIDType = "arxiv_id"
	ExternalIDTypePubMed          ExternalIDType = "pubmed_id"
	ExternalIDTypeSemanticScholar ExternalIDType = "semantic_scholar_id"
)

// Author is an author of a document, owned by its parent document.
// Mutation goes through the parent's AddAuthor; the only back-reference
// exposed is the owning document ID.
type Author struct {
	ID          uuid.UUID `json:"id"`
	DocumentID  uuid.UUID `json:"document_id"`
	Name        string    `json:"name"`
	Affiliation string    `json:"affiliation,omitempty"`
	Position    int       `json:"position"`
}

// ExternalID is a source-specific identifier for a document, owned by its
// parent document.
type ExternalID struct {
	ID         uuid.UUID      `json:"id"`
	DocumentID uuid.UUID      `json:"document_id"`
	Type       ExternalIDType `json:"type"`
	Value      string         `json:"value"`
}

// Venue is the publication venue of a document, owned by its parent.
type Venue struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	Name       string    `json:"name"`
	Publisher  string    `json:"publisher,omitempty"`
	Year       int       `json:"year,omitempty"`
}

// Metrics holds citation metrics for a document, owned by its parent.
type Metrics struct {
	ID             uuid.UUID `json:"id"`
	DocumentID     uuid.UUID `json:"document_id"`
	CitationCount  int       `json:"citation_count"`
	ReferenceCount int       `json:"reference_count"`
	InfluenceScore float64   `json:"influence_score,omitempty"`
}

// Document is the aggregate root for a processed paper. It is created exactly
// once when a search, upload, or extraction result first introduces it;
// owned sub-entities live and die with it. Later pipeline stages mutate
// disjoint column groups in place and never delete the document.
type Document struct {
	ID            uuid.UUID `json:"id"`
	ProjectID     string    `json:"project_id"`
	CorrelationID uuid.UUID `json:"correlation_id"`

	Title    string  `json:"title"`
	DOI      *string `json:"doi,omitempty"`
	Abstract string  `json:"abstract,omitempty"`

	// SourceURL is where the document was discovered; PDFURL is the stored
	// copy, preferred over SourceURL when dispatching work.
	SourceURL string `json:"source_url,omitempty"`
	PDFURL    string `json:"pdf_url,omitempty"`

	// Owned sub-entities.
	Authors     []Author     `json:"authors,omitempty"`
	ExternalIDs []ExternalID `json:"external_ids,omitempty"`
	Venue       *Venue       `json:"venue,omitempty"`
	Metrics     *Metrics     `json:"metrics,omitempty"`

	// Extraction stage column group.
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	ExtractedText    string           `json:"extracted_text,omitempty"`
	ExtractedAt      *time.Time       `json:"extracted_at,omitempty"`

	// Structuring stage column group.
	Sections    []Section `json:"sections,omitempty"`
	KeyFindings []string  `json:"key_findings,omitempty"`

	// Summarization stage column group.
	Summary string `json:"summary,omitempty"`

	// Gap-analysis stage column group.
	GapAnalysis string `json:"gap_analysis,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Section is one structured section of a document's extracted text.
type Section struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

// AddAuthor appends an author to the document's owned collection, assigning
// the owning document ID and position.
func (d *Document) AddAuthor(name, affiliation string) {
	d.Authors = append(d.Authors, Author{
		ID:          uuid.New(),
		DocumentID:  d.ID,
		Name:        name,
		Affiliation: affiliation,
		Position:    len(d.Authors),
	})
}

// AddExternalID appends an external identifier to the document's owned
// collection.
func (d *Document) AddExternalID(idType ExternalIDType, value string) {
	d.ExternalIDs = append(d.ExternalIDs, ExternalID{
		ID:         uuid.New(),
		DocumentID: d.ID,
		Type:       idType,
		Value:      value,
	})
}

// SetVenue sets the document's owned venue record.
func (d *Document) SetVenue(name, publisher string, year int) {
	d.Venue = &Venue{
		ID:         uuid.New(),
		DocumentID: d.ID,
		Name:       name,
		Publisher:  publisher,
		Year:       year,
	}
}

// SetMetrics sets the document's owned metrics record.
func (d *Document) SetMetrics(citations, references int, influence float64) {
	d.Metrics = &Metrics{
		ID:             uuid.New(),
		DocumentID:     d.ID,
		CitationCount:  citations,
		ReferenceCount: references,
		InfluenceScore: influence,
	}
}

// WorkerURL returns the URL a worker should fetch the document from:
// the stored PDF copy when present, the original source URL otherwise.
func (d *Document) WorkerURL() string {
	if d.PDFURL != "" {
		return d.PDFURL
	}
	return d.SourceURL
}

// DedupKey derives the document's deduplication fingerprint: the DOI when
// present, otherwise the case-insensitive, whitespace-normalized title.
// The key is computed at ingestion time only and is never persisted.
func (d *Document) DedupKey() string {
	if d.DOI != nil && strings.TrimSpace(*d.DOI) != "" {
		return "doi:" + strings.ToLower(strings.TrimSpace(*d.DOI))
	}
	return "title:" + NormalizeTitle(d.Title)
}

// NormalizeTitle lowercases a title and collapses all interior whitespace
// runs to single spaces.
func NormalizeTitle(title string) string {
	fields := strings.Fields(strings.ToLower(title))
	return strings.Join(fields, " ")
}
