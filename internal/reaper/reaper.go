// Package reaper fails operations whose workers have gone silent. Workers
// publish results over the message channel with no delivery guarantee
// beyond at-least-once; a worker that crashes mid-job simply never
// publishes, and without the reaper its operation would stay IN_PROGRESS
// forever.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

// sweepLockKey is the advisory lock serializing sweeps across service
// instances sharing one database.
const sweepLockKey int64 = 0x7265617065 // "reape"

// staleMessage is recorded on every operation the reaper fails.
const staleMessage = "operation timed out waiting for worker results"

// operationStore is the slice of the operation repository the reaper needs.
type operationStore interface {
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Operation, error)
	Finish(ctx context.Context, correlationID uuid.UUID, status domain.OperationStatus, errorMsg string) error
}

// advisoryLocker guards a sweep against concurrent service instances.
// *database.DB satisfies it.
type advisoryLocker interface {
	AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, key int64) error
}

// Config holds the reaper's sweep settings.
type Config struct {
	// Interval is how often the reaper sweeps.
	Interval time.Duration
	// StaleAfter is how long an operation may sit without progress before
	// it is considered abandoned.
	StaleAfter time.Duration
	// BatchSize caps how many operations one sweep fails.
	BatchSize int
}

// Reaper periodically fails operations that have not progressed within the
// configured staleness window.
type Reaper struct {
	ops     operationStore
	locker  advisoryLocker
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
	clock   func() time.Time
}

// New creates a reaper. Interval and StaleAfter must be positive; BatchSize
// defaults to 100.
func New(ops operationStore, locker advisoryLocker, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Reaper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reaper{
		ops:     ops,
		locker:  locker,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "reaper").Logger(),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on the configured interval until ctx is cancelled. It always
// returns ctx.Err().
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("interval", r.cfg.Interval).
		Dur("stale_after", r.cfg.StaleAfter).
		Msg("reaper started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				if r.metrics != nil {
					r.metrics.RecordReaperSweepFailed()
				}
				r.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep fails every operation whose last update predates the staleness
// cutoff. The advisory lock keeps multiple service instances from sweeping
// the same rows; a sweep that loses the lock is skipped, not an error.
func (r *Reaper) Sweep(ctx context.Context) error {
	acquired, err := r.locker.AcquireAdvisoryLock(ctx, sweepLockKey)
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !acquired {
		r.logger.Debug().Msg("sweep lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := r.locker.ReleaseAdvisoryLock(ctx, sweepLockKey); err != nil {
			r.logger.Error().Err(err).Msg("failed to release sweep lock")
		}
	}()

	if r.metrics != nil {
		r.metrics.RecordReaperSweep()
	}

	cutoff := r.clock().Add(-r.cfg.StaleAfter)
	stale, err := r.ops.FindStale(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("find stale operations: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	reaped := 0
	for _, op := range stale {
		err := r.ops.Finish(ctx, op.CorrelationID, domain.OperationStatusFailed, staleMessage)
		if errors.Is(err, domain.ErrInvalidTransition) {
			// A result slipped in between FindStale and Finish.
			continue
		}
		if err != nil {
			return fmt.Errorf("fail stale operation %s: %w", op.CorrelationID, err)
		}
		reaped++
		r.logger.Warn().
			Str("correlation_id", op.CorrelationID.String()).
			Str("stage", string(op.Stage)).
			Str("project_id", op.ProjectID).
			Time("submitted_at", op.SubmittedAt).
			Msg("stale operation failed")
	}
	if r.metrics != nil && reaped > 0 {
		r.metrics.RecordOperationsReaped(reaped)
	}
	return nil
}
