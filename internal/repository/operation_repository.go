package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// OperationRepository handles stage operation persistence and lifecycle management.
// Operations are keyed by correlation ID; listeners correlate asynchronous worker
// results back to their operation through this repository rather than any
// in-memory state, so any service instance can finish an operation another
// instance started.
type OperationRepository interface {
	// Create inserts a new stage operation in SUBMITTED state.
	// The operation must have a valid CorrelationID, ProjectID, Stage, and a
	// positive TotalToProcess.
	// Returns domain.ErrAlreadyExists if the correlation ID is already tracked.
	// Returns domain.ErrInvalidInput if required fields are missing.
	Create(ctx context.Context, op *domain.Operation) error

	// Get retrieves an operation by its correlation ID within a project context.
	// The projectID parameter enforces tenant isolation.
	// Returns domain.ErrNotFound if no matching operation exists.
	Get(ctx context.Context, projectID string, correlationID uuid.UUID) (*domain.Operation, error)

	// GetByCorrelationID retrieves an operation by correlation ID alone.
	// Stage listeners use this to correlate incoming worker results, which
	// carry no project context of their own.
	// Returns domain.ErrNotFound if no matching operation exists.
	GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (*domain.Operation, error)

	// Update performs an optimistic update on an operation using SELECT FOR UPDATE.
	// The provided function receives the current operation state and should return
	// an error if the update should be aborted. Changes made to the operation in
	// the function are persisted.
	// Returns domain.ErrNotFound if no matching operation exists.
	//
	// Concurrent update behavior:
	//   - If the row lock cannot be acquired before context deadline, returns context.DeadlineExceeded.
	//   - If the provided function returns an error, the transaction is rolled back and that error is returned.
	Update(ctx context.Context, correlationID uuid.UUID, fn func(*domain.Operation) error) error

	// MarkInProgress transitions an operation from SUBMITTED to IN_PROGRESS and
	// records StartedAt. It is idempotent for operations already IN_PROGRESS.
	// Returns domain.ErrInvalidTransition if the operation is terminal.
	MarkInProgress(ctx context.Context, correlationID uuid.UUID) error

	// RecordProgress applies absolute progress counters to an IN_PROGRESS operation.
	// Counters are monotonic: an update that would decrease any counter or push
	// Processed beyond TotalToProcess is rejected with domain.ErrInvalidInput.
	// Returns domain.ErrInvalidTransition if the operation is not IN_PROGRESS.
	RecordProgress(ctx context.Context, correlationID uuid.UUID, progress domain.ProgressUpdate) error

	// Finish transitions an operation to a terminal status, recording CompletedAt
	// and, for failure states, an error message.
	// Returns domain.ErrInvalidTransition if the transition is not allowed.
	Finish(ctx context.Context, correlationID uuid.UUID, status domain.OperationStatus, errorMsg string) error

	// Cancel transitions a non-terminal operation to CANCELLED within a project
	// context. Returns domain.ErrInvalidTransition if already terminal.
	Cancel(ctx context.Context, projectID string, correlationID uuid.UUID) error

	// List retrieves operations matching the filter criteria.
	// Returns the matching operations and total count for pagination.
	List(ctx context.Context, filter OperationFilter) ([]*domain.Operation, int64, error)

	// FindStale returns non-terminal operations whose last update is older than
	// the cutoff, ordered by least recently updated first. The reaper uses this
	// to fail operations whose workers have gone silent.
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Operation, error)
}

// OperationFilter specifies criteria for listing stage operations.
type OperationFilter struct {
	// ProjectID filters by project (required for tenant isolation).
	ProjectID string

	// Stage filters by pipeline stage (optional).
	Stage *domain.Stage

	// Status filters by one or more operation statuses (optional).
	// When multiple statuses are provided, operations matching any status are returned.
	Status []domain.OperationStatus

	// SubmittedAfter filters to operations submitted after this timestamp (optional).
	SubmittedAfter *time.Time

	// Limit specifies maximum number of results (default: 100, max: 1000).
	Limit int

	// Offset specifies the starting position for pagination.
	Offset int
}

// Validate checks if the filter has valid values and sets defaults.
// Returns domain.ErrInvalidInput if ProjectID is empty.
func (f *OperationFilter) Validate() error {
	if f.ProjectID == "" {
		return domain.NewValidationError("project_id", "project ID is required")
	}
	if f.Stage != nil && !f.Stage.IsValid() {
		return domain.NewValidationError("stage", "unknown pipeline stage")
	}
	applyPaginationDefaults(&f.Limit, &f.Offset)
	return nil
}
