package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestOperationStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   OperationStatus
		terminal bool
	}{
		{OperationStatusSubmitted, false},
		{OperationStatusInProgress, false},
		{OperationStatusCompleted, true},
		{OperationStatusPartiallyCompleted, true},
		{OperationStatusFailed, true},
		{OperationStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestOperationStatus_CanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    OperationStatus
		to      OperationStatus
		allowed bool
	}{
		{"submitted to in_progress", OperationStatusSubmitted, OperationStatusInProgress, true},
		{"submitted to cancelled", OperationStatusSubmitted, OperationStatusCancelled, true},
		{"submitted to failed", OperationStatusSubmitted, OperationStatusFailed, true},
		{"submitted to completed skips in_progress", OperationStatusSubmitted, OperationStatusCompleted, false},
		{"in_progress to completed", OperationStatusInProgress, OperationStatusCompleted, true},
		{"in_progress to partial", OperationStatusInProgress, OperationStatusPartiallyCompleted, true},
		{"in_progress to failed", OperationStatusInProgress, OperationStatusFailed, true},
		{"in_progress to cancelled", OperationStatusInProgress, OperationStatusCancelled, true},
		{"in_progress back to submitted", OperationStatusInProgress, OperationStatusSubmitted, false},
		{"completed never regresses", OperationStatusCompleted, OperationStatusInProgress, false},
		{"completed to cancelled", OperationStatusCompleted, OperationStatusCancelled, false},
		{"failed to completed", OperationStatusFailed, OperationStatusCompleted, false},
		{"cancelled to in_progress", OperationStatusCancelled, OperationStatusInProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestOperation_CompletionPercentage(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		processed int
		want      float64
	}{
		{"zero total", 0, 0, 0},
		{"unset total with processed", 0, 5, 0},
		{"negative total", -1, 3, 0},
		{"partial progress", 10, 4, 40.0},
		{"complete", 10, 10, 100.0},
		{"single item", 1, 1, 100.0},
		{"processed beyond total clamps to 100", 4, 8, 100.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &Operation{TotalToProcess: tt.total, Processed: tt.processed}
			got := op.CompletionPercentage()
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 100.0)
		})
	}
}

func TestOperation_ProcessingDuration(t *testing.T) {
	submitted := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("zero until terminal", func(t *testing.T) {
		op := &Operation{SubmittedAt: submitted, Status: OperationStatusInProgress}
		assert.Equal(t, time.Duration(0), op.ProcessingDuration())
	})

	t.Run("completed duration", func(t *testing.T) {
		completed := submitted.Add(90 * time.Second)
		op := &Operation{
			SubmittedAt: submitted,
			Status:      OperationStatusCompleted,
			CompletedAt: &completed,
		}
		assert.Equal(t, 90*time.Second, op.ProcessingDuration())
	})
}

func TestOperation_StatusMessage(t *testing.T) {
	op := &Operation{
		CorrelationID: uuid.New(),
		Stage:         StageExtraction,
		Status:        OperationStatusInProgress,
	}
	assert.Equal(t, "Text Extraction in progress", op.StatusMessage())

	op.Status = OperationStatusPartiallyCompleted
	assert.Equal(t, "Text Extraction partially completed", op.StatusMessage())
}

func TestStage_Next(t *testing.T) {
	tests := []struct {
		stage   Stage
		next    Stage
		hasNext bool
	}{
		{StageSearch, StageExtraction, true},
		{StageExtraction, StageStructuring, true},
		{StageStructuring, StageSummarization, true},
		{StageSummarization, StageGapAnalysis, true},
		{StageGapAnalysis, "", false},
		{Stage("bogus"), "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			next, ok := tt.stage.Next()
			assert.Equal(t, tt.hasNext, ok)
			assert.Equal(t, tt.next, next)
		})
	}
}

func TestStage_DisplayName_Exhaustive(t *testing.T) {
	for _, stage := range AllStages {
		assert.NotEqual(t, "Unknown Stage", stage.DisplayName())
	}
	assert.Equal(t, "Unknown Stage", Stage("bogus").DisplayName())
}
