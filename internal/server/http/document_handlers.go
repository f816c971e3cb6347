package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/repository"
)

// submitDocumentsRequest is the JSON request body for a manual document
// ingest. The batch is deduplicated server-side; an extraction operation is
// created for the documents that survive.
type submitDocumentsRequest struct {
	Documents []documentInput `json:"documents" validate:"required,min=1,max=200,dive"`
}

type documentInput struct {
	Title     string   `json:"title" validate:"required,max=2000"`
	DOI       *string  `json:"doi,omitempty" validate:"omitempty,max=255"`
	Abstract  string   `json:"abstract,omitempty" validate:"omitempty,max=50000"`
	SourceURL string   `json:"source_url,omitempty" validate:"omitempty,url"`
	PDFURL    string   `json:"pdf_url,omitempty" validate:"omitempty,url"`
	Authors   []string `json:"authors,omitempty" validate:"omitempty,max=100,dive,max=500"`
	Venue     string   `json:"venue,omitempty" validate:"omitempty,max=1000"`
	Year      int      `json:"year,omitempty" validate:"omitempty,min=1000,max=2100"`
	Citations int      `json:"citations,omitempty" validate:"omitempty,min=0"`
}

// submitDocuments handles POST /documents.
func (s *Server) submitDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := observability.ProjectIDFromContext(ctx)

	var req submitDocumentsRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	candidates := make([]domain.CandidateDocument, len(req.Documents))
	for i, d := range req.Documents {
		candidates[i] = domain.CandidateDocument{
			Title:     d.Title,
			DOI:       d.DOI,
			Abstract:  d.Abstract,
			SourceURL: d.SourceURL,
			PDFURL:    d.PDFURL,
			Authors:   d.Authors,
			Venue:     d.Venue,
			Year:      d.Year,
			Citations: d.Citations,
		}
	}

	op, err := s.pipeline.SubmitDocuments(ctx, projectID, candidates)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		CorrelationID: op.CorrelationID.String(),
		Stage:         string(op.Stage),
		Status:        string(op.Status),
		SubmittedAt:   op.SubmittedAt,
		Message:       "documents submitted",
	})
}

// getDocument handles GET /documents/{documentID}.
func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := observability.ProjectIDFromContext(ctx)

	documentID, ok := parseUUID(w, chi.URLParam(r, "documentID"), "document_id")
	if !ok {
		return
	}

	doc, err := s.pipeline.GetDocument(ctx, projectID, documentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, domainDocumentToResponse(doc))
}

// listDocuments handles GET /documents with optional correlation_id,
// extraction_status, and has_summary filters.
func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := observability.ProjectIDFromContext(ctx)

	limit, offset := parsePaginationParams(r)
	filter := repository.DocumentFilter{
		ProjectID: projectID,
		Limit:     limit,
		Offset:    offset,
	}

	if correlationParam := r.URL.Query().Get("correlation_id"); correlationParam != "" {
		correlationID, ok := parseUUID(w, correlationParam, "correlation_id")
		if !ok {
			return
		}
		filter.CorrelationID = &correlationID
	}
	if statusParam := r.URL.Query().Get("extraction_status"); statusParam != "" {
		status := domain.ExtractionStatus(statusParam)
		filter.ExtractionStatus = &status
	}
	if summaryParam := r.URL.Query().Get("has_summary"); summaryParam != "" {
		hasSummary := summaryParam == "true"
		filter.HasSummary = &hasSummary
	}

	documents, totalCount, err := s.pipeline.ListDocuments(ctx, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := listDocumentsResponse{
		Documents:  make([]documentResponse, len(documents)),
		TotalCount: int(totalCount),
	}
	for i, doc := range documents {
		resp.Documents[i] = domainDocumentToResponse(doc)
	}
	resp.NextPageToken = encodePageToken(offset, limit, int(totalCount))

	writeJSON(w, http.StatusOK, resp)
}
