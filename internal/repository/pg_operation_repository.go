package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// txBeginner is an interface for types that can begin a transaction (e.g., *pgxpool.Pool, *database.DB).
// Used by Update to automatically wrap SELECT FOR UPDATE + UPDATE in a transaction
// when the underlying DBTX is a pool rather than an existing transaction.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgreSQL error codes used for constraint violation detection.
const (
	pgUniqueViolation     = "23505" // unique_violation
	pgForeignKeyViolation = "23503" // foreign_key_violation
)

// Compile-time interface verification.
var _ OperationRepository = (*PgOperationRepository)(nil)

// PgOperationRepository is a PostgreSQL implementation of OperationRepository.
type PgOperationRepository struct {
	db DBTX
}

// NewPgOperationRepository creates a new PostgreSQL operation repository.
func NewPgOperationRepository(db DBTX) *PgOperationRepository {
	return &PgOperationRepository{db: db}
}

const operationColumns = `correlation_id, stage, project_id, parent_correlation_id, status,
		total_to_process, processed, succeeded, failed,
		error_message, submitted_at, started_at, completed_at`

// Create inserts a new stage operation in SUBMITTED state.
func (r *PgOperationRepository) Create(ctx context.Context, op *domain.Operation) error {
	if op == nil {
		return domain.NewValidationError("operation", "operation cannot be nil")
	}
	if op.CorrelationID == uuid.Nil {
		return domain.NewValidationError("correlation_id", "correlation ID is required")
	}
	if op.ProjectID == "" {
		return domain.NewValidationError("project_id", "project ID is required")
	}
	if !op.Stage.IsValid() {
		return domain.NewValidationError("stage", "unknown pipeline stage")
	}
	if op.TotalToProcess <= 0 {
		return domain.NewValidationError("total_to_process", "total to process must be positive")
	}

	if op.Status == "" {
		op.Status = domain.OperationStatusSubmitted
	}
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO operations (
			correlation_id, stage, project_id, parent_correlation_id, status,
			total_to_process, processed, succeeded, failed,
			error_message, submitted_at, started_at, completed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14
		)`

	_, err := r.db.Exec(ctx, query,
		op.CorrelationID, op.Stage, op.ProjectID, op.ParentCorrelationID, op.Status,
		op.TotalToProcess, op.Processed, op.Succeeded, op.Failed,
		nullString(op.ErrorMessage), op.SubmittedAt, op.StartedAt, op.CompletedAt, op.SubmittedAt,
	)

	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("operation", op.CorrelationID.String())
		}
		return fmt.Errorf("failed to create operation: %w", err)
	}

	return nil
}

// Get retrieves an operation by its correlation ID within a project context.
func (r *PgOperationRepository) Get(ctx context.Context, projectID string, correlationID uuid.UUID) (*domain.Operation, error) {
	if projectID == "" {
		return nil, domain.NewValidationError("project_id", "project ID is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM operations
		WHERE correlation_id = $1 AND project_id = $2`, operationColumns)

	row := r.db.QueryRow(ctx, query, correlationID, projectID)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("operation", correlationID.String())
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return op, nil
}

// GetByCorrelationID retrieves an operation by correlation ID alone.
func (r *PgOperationRepository) GetByCorrelationID(ctx context.Context, correlationID uuid.UUID) (*domain.Operation, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM operations
		WHERE correlation_id = $1`, operationColumns)

	row := r.db.QueryRow(ctx, query, correlationID)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("operation", correlationID.String())
		}
		return nil, fmt.Errorf("failed to get operation by correlation ID: %w", err)
	}

	return op, nil
}

// Update performs an optimistic update on an operation using SELECT FOR UPDATE.
//
// If the underlying DBTX is a connection pool (supports Begin), the method
// automatically wraps the SELECT FOR UPDATE + UPDATE in an explicit transaction.
// If the underlying DBTX is already a transaction, it executes within that
// existing transaction, so callers can include the operation update in a larger
// atomic unit together with document writes and outgoing command staging.
func (r *PgOperationRepository) Update(ctx context.Context, correlationID uuid.UUID, fn func(*domain.Operation) error) error {
	if beginner, ok := r.db.(txBeginner); ok {
		tx, err := beginner.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for update: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		txRepo := &PgOperationRepository{db: tx}
		if err := txRepo.updateInTx(ctx, correlationID, fn); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	return r.updateInTx(ctx, correlationID, fn)
}

// updateInTx performs the actual SELECT FOR UPDATE + UPDATE within the current DBTX.
// This must be called within a transaction for correct row-level locking.
func (r *PgOperationRepository) updateInTx(ctx context.Context, correlationID uuid.UUID, fn func(*domain.Operation) error) error {
	selectQuery := fmt.Sprintf(`
		SELECT %s
		FROM operations
		WHERE correlation_id = $1
		FOR UPDATE`, operationColumns)

	rows, err := r.db.Query(ctx, selectQuery, correlationID)
	if err != nil {
		return fmt.Errorf("failed to query operation for update: %w", err)
	}

	op, err := scanOperationRows(rows)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("operation", correlationID.String())
		}
		return fmt.Errorf("failed to scan operation: %w", err)
	}

	if err := fn(op); err != nil {
		return err
	}

	updateQuery := `
		UPDATE operations SET
			status = $1,
			processed = $2,
			succeeded = $3,
			failed = $4,
			error_message = $5,
			started_at = $6,
			completed_at = $7,
			updated_at = $8
		WHERE correlation_id = $9`

	_, err = r.db.Exec(ctx, updateQuery,
		op.Status,
		op.Processed,
		op.Succeeded,
		op.Failed,
		nullString(op.ErrorMessage),
		op.StartedAt,
		op.CompletedAt,
		time.Now().UTC(),
		correlationID,
	)

	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}

	return nil
}

// MarkInProgress transitions an operation from SUBMITTED to IN_PROGRESS.
func (r *PgOperationRepository) MarkInProgress(ctx context.Context, correlationID uuid.UUID) error {
	return r.Update(ctx, correlationID, func(op *domain.Operation) error {
		if op.Status == domain.OperationStatusInProgress {
			return nil
		}
		if !op.Status.CanTransition(domain.OperationStatusInProgress) {
			return domain.NewTransitionError(op.Status, domain.OperationStatusInProgress)
		}

		op.Status = domain.OperationStatusInProgress
		if op.StartedAt == nil {
			now := time.Now().UTC()
			op.StartedAt = &now
		}
		return nil
	})
}

// RecordProgress applies absolute progress counters to an IN_PROGRESS operation.
func (r *PgOperationRepository) RecordProgress(ctx context.Context, correlationID uuid.UUID, progress domain.ProgressUpdate) error {
	return r.Update(ctx, correlationID, func(op *domain.Operation) error {
		if op.Status != domain.OperationStatusInProgress {
			return domain.NewTransitionError(op.Status, domain.OperationStatusInProgress)
		}
		if progress.Processed < op.Processed || progress.Succeeded < op.Succeeded || progress.Failed < op.Failed {
			return domain.NewValidationError("progress", "progress counters cannot decrease")
		}
		if progress.Processed > op.TotalToProcess {
			return domain.NewValidationError("progress", "processed cannot exceed total to process")
		}
		if progress.Succeeded+progress.Failed > progress.Processed {
			return domain.NewValidationError("progress", "succeeded plus failed cannot exceed processed")
		}

		op.Processed = progress.Processed
		op.Succeeded = progress.Succeeded
		op.Failed = progress.Failed
		return nil
	})
}

// Finish transitions an operation to a terminal status.
func (r *PgOperationRepository) Finish(ctx context.Context, correlationID uuid.UUID, status domain.OperationStatus, errorMsg string) error {
	if !status.IsTerminal() {
		return domain.NewValidationError("status", "finish requires a terminal status")
	}

	return r.Update(ctx, correlationID, func(op *domain.Operation) error {
		if !op.Status.CanTransition(status) {
			return domain.NewTransitionError(op.Status, status)
		}

		op.Status = status
		if status == domain.OperationStatusFailed || status == domain.OperationStatusPartiallyCompleted {
			op.ErrorMessage = errorMsg
		}
		if op.CompletedAt == nil {
			now := time.Now().UTC()
			op.CompletedAt = &now
		}
		return nil
	})
}

// Cancel transitions a non-terminal operation to CANCELLED within a project context.
func (r *PgOperationRepository) Cancel(ctx context.Context, projectID string, correlationID uuid.UUID) error {
	if projectID == "" {
		return domain.NewValidationError("project_id", "project ID is required")
	}

	// Tenant check first so a foreign correlation ID reads as not found,
	// not as an invalid transition.
	if _, err := r.Get(ctx, projectID, correlationID); err != nil {
		return err
	}

	return r.Update(ctx, correlationID, func(op *domain.Operation) error {
		if !op.Status.CanTransition(domain.OperationStatusCancelled) {
			return domain.NewTransitionError(op.Status, domain.OperationStatusCancelled)
		}

		op.Status = domain.OperationStatusCancelled
		if op.CompletedAt == nil {
			now := time.Now().UTC()
			op.CompletedAt = &now
		}
		return nil
	})
}

// List retrieves operations matching the filter criteria.
func (r *PgOperationRepository) List(ctx context.Context, filter OperationFilter) ([]*domain.Operation, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	// Build dynamic WHERE clause
	conditions := []string{"project_id = $1"}
	args := []interface{}{filter.ProjectID}
	argIndex := 2

	if filter.Stage != nil {
		conditions = append(conditions, fmt.Sprintf("stage = $%d", argIndex))
		args = append(args, *filter.Stage)
		argIndex++
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, s)
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}

	if filter.SubmittedAfter != nil {
		conditions = append(conditions, fmt.Sprintf("submitted_at > $%d", argIndex))
		args = append(args, *filter.SubmittedAfter)
		argIndex++
	}

	whereClause := strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM operations WHERE %s", whereClause)
	var totalCount int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, 0, fmt.Errorf("failed to count operations: %w", err)
	}

	selectQuery := fmt.Sprintf(`
		SELECT %s
		FROM operations
		WHERE %s
		ORDER BY submitted_at DESC
		LIMIT $%d OFFSET $%d`,
		operationColumns, whereClause, argIndex, argIndex+1)

	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := make([]*domain.Operation, 0, filter.Limit)
	for rows.Next() {
		op, err := scanOperationFromRows(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, totalCount, nil
}

// FindStale returns non-terminal operations last updated before the cutoff.
func (r *PgOperationRepository) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Operation, error) {
	if limit <= 0 {
		limit = defaultFilterLimit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM operations
		WHERE status IN ('SUBMITTED', 'IN_PROGRESS')
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, operationColumns)

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale operations: %w", err)
	}
	defer rows.Close()

	var ops []*domain.Operation
	for rows.Next() {
		op, err := scanOperationFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale operations: %w", err)
	}

	return ops, nil
}

// isPgUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

// operationScanDest holds the destination pointers for scanning an Operation row.
// This eliminates code duplication between pgx.Row and pgx.Rows scanning.
type operationScanDest struct {
	op           domain.Operation
	errorMessage *string
}

// destinations returns the slice of pointers for Scan operations.
func (d *operationScanDest) destinations() []interface{} {
	return []interface{}{
		&d.op.CorrelationID, &d.op.Stage, &d.op.ProjectID, &d.op.ParentCorrelationID, &d.op.Status,
		&d.op.TotalToProcess, &d.op.Processed, &d.op.Succeeded, &d.op.Failed,
		&d.errorMessage, &d.op.SubmittedAt, &d.op.StartedAt, &d.op.CompletedAt,
	}
}

// finalize performs post-scan processing: sets nullable string fields.
func (d *operationScanDest) finalize() (*domain.Operation, error) {
	if d.errorMessage != nil {
		d.op.ErrorMessage = *d.errorMessage
	}
	return &d.op, nil
}

// scanOperation scans a single row into an Operation.
func scanOperation(row pgx.Row) (*domain.Operation, error) {
	var dest operationScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// scanOperationRows scans a single row from pgx.Rows into an Operation.
// This is used with SELECT FOR UPDATE which returns Rows instead of Row.
func scanOperationRows(rows pgx.Rows) (*domain.Operation, error) {
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	return scanOperationFromRows(rows)
}

// scanOperationFromRows scans the current row from pgx.Rows into an Operation.
func scanOperationFromRows(rows pgx.Rows) (*domain.Operation, error) {
	var dest operationScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// nullString returns a pointer to the string if non-empty, otherwise nil.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
