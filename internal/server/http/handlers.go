package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
	"github.com/helixir/paper-pipeline-service/internal/repository"
)

// Pagination and validation constants.
const (
	defaultPageSize    = 50
	maxPageSize        = 100
	maxRequestBodySize = 1 << 20 // 1 MB limit for request bodies
)

var validate = validator.New()

// submitSearchRequest is the JSON request body for starting a search.
type submitSearchRequest struct {
	Query      string `json:"query" validate:"required,min=3,max=10000"`
	MaxResults int    `json:"max_results" validate:"omitempty,min=1,max=500"`
}

// submitSearch handles POST /searches. It creates a search operation and
// dispatches the search command to the worker pool.
func (s *Server) submitSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := observability.ProjectIDFromContext(ctx)

	var req submitSearchRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	op, err := s.pipeline.SubmitSearch(ctx, projectID, req.Query, req.MaxResults)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		CorrelationID: op.CorrelationID.String(),
		Stage:         string(op.Stage),
		Status:        string(op.Status),
		SubmittedAt:   op.SubmittedAt,
		Message:       "search submitted",
	})
}

// getOperation handles GET /operations/{correlationID}.
func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := observability.ProjectIDFromContext(ctx)

	correlationID, ok := parseUUID(w, chi.URLParam(r, "correlationID"), "correlation_id")
	if !ok {
		return
	}

	op, err := s.pipeline.GetOperation(ctx, projectID, correlationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, domainOperationToResponse(op))
}

// cancelOperation handles DELETE /operations/{correlationID}.
func (s *Server) cancelOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := observability.ProjectIDFromContext(ctx)

	correlationID, ok := parseUUID(w, chi.URLParam(r, "correlationID"), "correlation_id")
	if !ok {
		return
	}

	if err := s.pipeline.CancelOperation(ctx, projectID, correlationID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cancelOperationResponse{
		Success: true,
		Message: "operation cancelled",
	})
}

// listOperations handles GET /operations with optional stage, status, and
// submitted_after filters.
func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := observability.ProjectIDFromContext(ctx)

	limit, offset := parsePaginationParams(r)
	filter := repository.OperationFilter{
		ProjectID: projectID,
		Limit:     limit,
		Offset:    offset,
	}

	if stageParam := r.URL.Query().Get("stage"); stageParam != "" {
		stage := domain.Stage(stageParam)
		if !stage.IsValid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown stage: %s", stageParam))
			return
		}
		filter.Stage = &stage
	}
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		filter.Status = []domain.OperationStatus{domain.OperationStatus(statusParam)}
	}
	if submittedAfter := r.URL.Query().Get("submitted_after"); submittedAfter != "" {
		t, parseErr := time.Parse(time.RFC3339, submittedAfter)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid submitted_after format: expected RFC3339")
			return
		}
		filter.SubmittedAfter = &t
	}

	operations, totalCount, err := s.pipeline.ListOperations(ctx, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := listOperationsResponse{
		Operations: make([]operationResponse, len(operations)),
		TotalCount: int(totalCount),
	}
	for i, op := range operations {
		resp.Operations[i] = domainOperationToResponse(op)
	}
	resp.NextPageToken = encodePageToken(offset, limit, int(totalCount))

	writeJSON(w, http.StatusOK, resp)
}

// decodeRequest reads and validates a JSON request body. It writes the
// error response itself and returns false when the body is unusable.
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid field %s: failed %s validation", verrs[0].Field(), verrs[0].Tag()))
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return false
	}
	return true
}

// writeDomainError maps domain errors to HTTP status codes and writes a
// JSON error response. Internal error details are not leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "operation is already in a terminal state")
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseUUID parses a UUID from a string, writing a 400 error response if invalid.
// The parse error details are not included to avoid echoing malicious input.
func parseUUID(w http.ResponseWriter, s, fieldName string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a valid UUID", fieldName))
		return uuid.Nil, false
	}
	return id, true
}

// parsePaginationParams extracts page_size and page_token from query
// parameters, applying default and maximum bounds to the page size.
func parsePaginationParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if pageSizeStr := r.URL.Query().Get("page_size"); pageSizeStr != "" {
		if parsed, err := strconv.Atoi(pageSizeStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if pageToken := r.URL.Query().Get("page_token"); pageToken != "" {
		decoded, err := base64.StdEncoding.DecodeString(pageToken)
		if err == nil {
			if parsed, parseErr := strconv.Atoi(string(decoded)); parseErr == nil && parsed > 0 {
				offset = parsed
			}
		}
	}

	return limit, offset
}

// encodePageToken encodes the next offset as a base64 page token.
// Returns an empty string if there are no more results.
func encodePageToken(offset, limit, totalCount int) string {
	nextOffset := offset + limit
	if nextOffset < totalCount {
		return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(nextOffset)))
	}
	return ""
}
