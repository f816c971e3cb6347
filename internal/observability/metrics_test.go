package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Note: prometheus/promauto registers metrics globally, so we need to use
// unique namespaces per test to avoid registration conflicts.

func TestNewMetrics(t *testing.T) {
	// Use unique namespace to avoid conflicts with other tests
	m := NewMetrics("test_paper_pipeline_new")

	assert.NotNil(t, m.OperationsStarted)
	assert.NotNil(t, m.OperationsCompleted)
	assert.NotNil(t, m.OperationDuration)
	assert.NotNil(t, m.OperationsReaped)
	assert.NotNil(t, m.DocumentsIngested)
	assert.NotNil(t, m.DocumentsDuplicate)
	assert.NotNil(t, m.DocumentsPerBatch)
	assert.NotNil(t, m.StageResults)
	assert.NotNil(t, m.MessagesPublished)
	assert.NotNil(t, m.MessagesConsumed)
	assert.NotNil(t, m.MessagesDeadLettered)
	assert.NotNil(t, m.MessageHandlerDuration)
	assert.NotNil(t, m.MessageHandlerFailures)
	assert.NotNil(t, m.PublishFailures)
	assert.NotNil(t, m.ReaperSweeps)
	assert.NotNil(t, m.ReaperSweepFailures)
}

func TestRecordOperationStarted(t *testing.T) {
	m := NewMetrics("test_operation_started")

	m.RecordOperationStarted("search")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OperationsStarted.WithLabelValues("search")))
}

func TestRecordOperationCompleted(t *testing.T) {
	m := NewMetrics("test_operation_completed")

	m.RecordOperationCompleted("extraction", "COMPLETED", 12.5)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OperationsCompleted.WithLabelValues("extraction", "COMPLETED")))

	// Check histogram
	histCount, err := getHistogramSampleCount(m.OperationDuration.WithLabelValues("extraction").(prometheus.Histogram))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), histCount)
}

func TestRecordOperationsReaped(t *testing.T) {
	m := NewMetrics("test_operations_reaped")

	initial := testutil.ToFloat64(m.OperationsReaped)
	m.RecordOperationsReaped(3)
	assert.Equal(t, initial+3, testutil.ToFloat64(m.OperationsReaped))
}

func TestRecordDocumentsIngested(t *testing.T) {
	m := NewMetrics("test_documents_ingested")

	m.RecordDocumentsIngested(25, 5)
	assert.Equal(t, float64(25), testutil.ToFloat64(m.DocumentsIngested))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.DocumentsDuplicate))

	histCount, err := getHistogramSampleCount(m.DocumentsPerBatch)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), histCount)
}

func TestRecordStageResult(t *testing.T) {
	m := NewMetrics("test_stage_result")

	m.RecordStageResult("summarization", "COMPLETED")
	m.RecordStageResult("summarization", "FAILED")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StageResults.WithLabelValues("summarization", "COMPLETED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StageResults.WithLabelValues("summarization", "FAILED")))
}

func TestRecordMessagePublished(t *testing.T) {
	m := NewMetrics("test_message_published")

	m.RecordMessagePublished("pipeline.search.commands")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesPublished.WithLabelValues("pipeline.search.commands")))
}

func TestRecordPublishFailed(t *testing.T) {
	m := NewMetrics("test_publish_failed")

	m.RecordPublishFailed("pipeline.extraction.commands")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PublishFailures.WithLabelValues("pipeline.extraction.commands")))
}

func TestRecordMessageConsumed(t *testing.T) {
	m := NewMetrics("test_message_consumed")

	m.RecordMessageConsumed("pipeline.search.completed")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesConsumed.WithLabelValues("pipeline.search.completed")))
}

func TestRecordMessageDeadLettered(t *testing.T) {
	m := NewMetrics("test_message_dead_lettered")

	m.RecordMessageDeadLettered("pipeline.search.completed", "max_attempts")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesDeadLettered.WithLabelValues("pipeline.search.completed", "max_attempts")))
}

func TestRecordHandlerDuration(t *testing.T) {
	m := NewMetrics("test_handler_duration")

	m.RecordHandlerDuration("pipeline.search.completed", 0.25)
	histCount, err := getHistogramSampleCount(m.MessageHandlerDuration.WithLabelValues("pipeline.search.completed").(prometheus.Histogram))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), histCount)
}

func TestRecordHandlerFailed(t *testing.T) {
	m := NewMetrics("test_handler_failed")

	m.RecordHandlerFailed("pipeline.structuring.completed")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessageHandlerFailures.WithLabelValues("pipeline.structuring.completed")))
}

func TestRecordReaperSweep(t *testing.T) {
	m := NewMetrics("test_reaper_sweep")

	initial := testutil.ToFloat64(m.ReaperSweeps)
	m.RecordReaperSweep()
	assert.Equal(t, initial+1, testutil.ToFloat64(m.ReaperSweeps))
}

func TestRecordReaperSweepFailed(t *testing.T) {
	m := NewMetrics("test_reaper_sweep_failed")

	initial := testutil.ToFloat64(m.ReaperSweepFailures)
	m.RecordReaperSweepFailed()
	assert.Equal(t, initial+1, testutil.ToFloat64(m.ReaperSweepFailures))
}

// Helper to get histogram sample count
func getHistogramSampleCount(h prometheus.Histogram) (uint64, error) {
	ch := make(chan prometheus.Metric, 1)
	h.Collect(ch)
	close(ch)

	var m prometheus.Metric
	for m = range ch {
		break
	}

	var dto = &dto.Metric{}
	if err := m.Write(dto); err != nil {
		return 0, err
	}

	return dto.Histogram.GetSampleCount(), nil
}
