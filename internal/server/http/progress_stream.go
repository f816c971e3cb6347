package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

const (
	// sseQueryInterval is how often the stream polls the store for
	// authoritative operation state.
	sseQueryInterval = 2 * time.Second
	// sseMaxDuration is the maximum time an SSE stream may remain open.
	sseMaxDuration = time.Hour
)

// sseEvent is one event sent on the progress stream.
type sseEvent struct {
	EventType     string            `json:"event_type"`
	CorrelationID string            `json:"correlation_id"`
	Stage         string            `json:"stage"`
	Status        string            `json:"status"`
	Progress      *progressResponse `json:"progress,omitempty"`
	Message       string            `json:"message"`
	Timestamp     time.Time         `json:"timestamp"`
}

// streamProgress handles GET /operations/{correlationID}/progress (SSE).
// The stream emits a progress event on every poll and closes after the
// terminal event.
func (s *Server) streamProgress(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Already terminal: one event and done.
	if op.Status.IsTerminal() {
		sendSSEEvent(w, flusher, operationEvent("completed", op, "operation is in terminal state"))
		return
	}

	sendSSEEvent(w, flusher, operationEvent("stream_started", op, "progress stream started"))

	deadlineTimer := time.NewTimer(sseMaxDuration)
	defer deadlineTimer.Stop()
	ticker := time.NewTicker(sseQueryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-deadlineTimer.C:
			sendSSEEvent(w, flusher, sseEvent{
				EventType:     "timeout",
				CorrelationID: correlationID.String(),
				Message:       "stream max duration exceeded",
				Timestamp:     time.Now().UTC(),
			})
			return

		case <-ticker.C:
			current, pollErr := s.pipeline.GetOperation(ctx, projectID, correlationID)
			if pollErr != nil {
				s.logger.Error().Err(pollErr).
					Str("correlation_id", correlationID.String()).
					Msg("failed to poll operation status")
				continue
			}

			if current.Status.IsTerminal() {
				sendSSEEvent(w, flusher, operationEvent("completed", current,
					"operation finished with status: "+string(current.Status)))
				return
			}
			sendSSEEvent(w, flusher, operationEvent("progress_update", current,
				"status: "+string(current.Status)))
		}
	}
}

// operationEvent builds an sseEvent from the current operation state.
func operationEvent(eventType string, op *domain.Operation, message string) sseEvent {
	resp := domainOperationToResponse(op)
	return sseEvent{
		EventType:     eventType,
		CorrelationID: resp.CorrelationID,
		Stage:         resp.Stage,
		Status:        resp.Status,
		Progress:      &resp.Progress,
		Message:       message,
		Timestamp:     time.Now().UTC(),
	}
}

// sendSSEEvent writes a single SSE event to the response writer.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event sseEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
	flusher.Flush()
}
