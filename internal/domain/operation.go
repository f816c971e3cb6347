package domain

import (
	"time"

	"github.com/google/uuid"
)

// OperationStatus represents the lifecycle states of a stage operation.
// These values must match the database enum operation_status.
type OperationStatus string

const (
	OperationStatusSubmitted          OperationStatus = "SUBMITTED"
	OperationStatusInProgress         OperationStatus = "IN_PROGRESS"
	OperationStatusCompleted          OperationStatus = "COMPLETED"
	OperationStatusPartiallyCompleted OperationStatus = "PARTIALLY_COMPLETED"
	OperationStatusFailed             OperationStatus = "FAILED"
	OperationStatusCancelled          OperationStatus = "CANCELLED"
)

// IsTerminal returns true if the status represents a final state that will not change.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OperationStatusCompleted, OperationStatusPartiallyCompleted,
		OperationStatusFailed, OperationStatusCancelled:
		return true
	default:
		return false
	}
}

// validOperationTransitions defines the allowed status transitions.
// Terminal states have no outgoing transitions; any non-terminal state
// may additionally move to CANCELLED.
var validOperationTransitions = map[OperationStatus][]OperationStatus{
	OperationStatusSubmitted: {
		OperationStatusInProgress,
		OperationStatusFailed,
		OperationStatusCancelled,
	},
	OperationStatusInProgress: {
		OperationStatusCompleted,
		OperationStatusPartiallyCompleted,
		OperationStatusFailed,
		OperationStatusCancelled,
	},
}

// CanTransition reports whether a status change from s to target is allowed.
func (s OperationStatus) CanTransition(target OperationStatus) bool {
	for _, allowed := range validOperationTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Operation is the tracked execution record of one pipeline stage for one
// correlation ID. Progress counters only ever increase and never exceed
// TotalToProcess; CompletedAt is set exactly when the status becomes terminal.
type Operation struct {
	// CorrelationID ties together all messages belonging to this stage run.
	// It is the operation's key within its stage.
	CorrelationID uuid.UUID `json:"correlation_id"`

	// Stage identifies which pipeline phase this operation tracks.
	Stage Stage `json:"stage"`

	// ProjectID scopes the operation to a project.
	ProjectID string `json:"project_id"`

	// ParentCorrelationID references the upstream stage's correlation ID
	// for chained operations. Nil for the first stage of a job.
	ParentCorrelationID *uuid.UUID `json:"parent_correlation_id,omitempty"`

	Status OperationStatus `json:"status"`

	// TotalToProcess is fixed at publish time.
	TotalToProcess int `json:"total_to_process"`
	Processed      int `json:"processed"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`

	ErrorMessage string `json:"error_message,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CompletionPercentage returns the percentage of items processed, in [0, 100].
// It is 0 when TotalToProcess is zero or unset.
func (o *Operation) CompletionPercentage() float64 {
	if o.TotalToProcess <= 0 {
		return 0
	}
	pct := float64(o.Processed) / float64(o.TotalToProcess) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// ProcessingDuration returns the elapsed time between submission and
// completion. It is zero until the operation reaches a terminal state.
func (o *Operation) ProcessingDuration() time.Duration {
	if o.CompletedAt == nil {
		return 0
	}
	return o.CompletedAt.Sub(o.SubmittedAt)
}

// IsActive returns true if the operation has not reached a terminal state.
func (o *Operation) IsActive() bool {
	return !o.Status.IsTerminal()
}

// StatusMessage derives a human-readable status line for the operation.
func (o *Operation) StatusMessage() string {
	switch o.Status {
	case OperationStatusSubmitted:
		return o.Stage.DisplayName() + " queued"
	case OperationStatusInProgress:
		return o.Stage.DisplayName() + " in progress"
	case OperationStatusCompleted:
		return o.Stage.DisplayName() + " completed"
	case OperationStatusPartiallyCompleted:
		return o.Stage.DisplayName() + " partially completed"
	case OperationStatusFailed:
		return o.Stage.DisplayName() + " failed"
	case OperationStatusCancelled:
		return o.Stage.DisplayName() + " cancelled"
	default:
		return o.Stage.DisplayName()
	}
}

// ProgressUpdate carries counter increments applied to an in-progress
// operation. Values are absolute counts, not deltas; updates must be
// monotonic with respect to the stored operation.
type ProgressUpdate struct {
	Processed int
	Succeeded int
	Failed    int
}
