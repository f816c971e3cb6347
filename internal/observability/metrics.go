package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the paper pipeline service.
// Metrics are organized by subsystem: operations, documents, messaging, and the
// reaper. All counters and histograms are registered via promauto for automatic
// registration with the default Prometheus registry.
type Metrics struct {
	// OperationsStarted counts operations submitted, labeled by stage.
	OperationsStarted *prometheus.CounterVec

	// OperationsCompleted counts operations that finished, labeled by stage and
	// terminal status.
	OperationsCompleted *prometheus.CounterVec

	// OperationDuration observes operation duration in seconds, labeled by stage.
	OperationDuration *prometheus.HistogramVec

	// OperationsReaped counts stale operations force-failed by the reaper.
	OperationsReaped prometheus.Counter

	// DocumentsIngested counts documents persisted by ingestion.
	DocumentsIngested prometheus.Counter

	// DocumentsDuplicate counts documents dropped by deduplication.
	DocumentsDuplicate prometheus.Counter

	// DocumentsPerBatch observes the number of documents surviving per ingestion batch.
	DocumentsPerBatch prometheus.Histogram

	// StageResults counts worker results applied per stage, labeled by stage and
	// reported status.
	StageResults *prometheus.CounterVec

	// MessagesPublished counts messages published to the channel, labeled by topic.
	MessagesPublished *prometheus.CounterVec

	// MessagesConsumed counts messages consumed from the channel, labeled by topic.
	MessagesConsumed *prometheus.CounterVec

	// MessagesDeadLettered counts messages diverted to the dead-letter topic,
	// labeled by origin topic and reason.
	MessagesDeadLettered *prometheus.CounterVec

	// MessageHandlerDuration observes message handler duration in seconds, labeled by topic.
	MessageHandlerDuration *prometheus.HistogramVec

	// MessageHandlerFailures counts handler invocations that returned an error,
	// labeled by topic.
	MessageHandlerFailures *prometheus.CounterVec

	// PublishFailures counts publish attempts that failed, labeled by topic.
	PublishFailures *prometheus.CounterVec

	// ReaperSweeps counts reaper sweep runs.
	ReaperSweeps prometheus.Counter

	// ReaperSweepFailures counts reaper sweeps that failed.
	ReaperSweepFailures prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Operations
		OperationsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_started_total",
			Help:      "Total number of operations submitted by stage",
		}, []string{"stage"}),
		OperationsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_completed_total",
			Help:      "Total number of operations finished by stage and terminal status",
		}, []string{"stage", "status"}),
		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of operations in seconds by stage",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"stage"}),
		OperationsReaped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_reaped_total",
			Help:      "Total number of stale operations failed by the reaper",
		}),

		// Documents
		DocumentsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_ingested_total",
			Help:      "Total number of documents persisted",
		}),
		DocumentsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_duplicate_total",
			Help:      "Total number of documents dropped as duplicates",
		}),
		DocumentsPerBatch: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "documents_per_batch",
			Help:      "Number of documents surviving deduplication per ingestion batch",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 200, 500},
		}),
		StageResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Total number of worker results applied by stage and status",
		}, []string{"stage", "status"}),

		// Messaging
		MessagesPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published by topic",
		}, []string{"topic"}),
		MessagesConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed by topic",
		}, []string{"topic"}),
		MessagesDeadLettered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dead_lettered_total",
			Help:      "Total number of messages sent to the dead-letter topic by origin and reason",
		}, []string{"topic", "reason"}),
		MessageHandlerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_handler_duration_seconds",
			Help:      "Duration of message handler invocations in seconds by topic",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"topic"}),
		MessageHandlerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_handler_failures_total",
			Help:      "Total number of message handler errors by topic",
		}, []string{"topic"}),
		PublishFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Total number of failed publish attempts by topic",
		}, []string{"topic"}),

		// Reaper
		ReaperSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_sweeps_total",
			Help:      "Total number of reaper sweep runs",
		}),
		ReaperSweepFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_sweep_failures_total",
			Help:      "Total number of reaper sweeps that failed",
		}),
	}
}

// RecordOperationStarted records that an operation has been submitted.
func (m *Metrics) RecordOperationStarted(stage string) {
	m.OperationsStarted.WithLabelValues(stage).Inc()
}

// RecordOperationCompleted records that an operation reached a terminal status.
func (m *Metrics) RecordOperationCompleted(stage, status string, durationSeconds float64) {
	m.OperationsCompleted.WithLabelValues(stage, status).Inc()
	m.OperationDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordOperationsReaped records stale operations failed by the reaper.
func (m *Metrics) RecordOperationsReaped(count int) {
	m.OperationsReaped.Add(float64(count))
}

// RecordDocumentsIngested records documents persisted and duplicates dropped
// for one ingestion batch.
func (m *Metrics) RecordDocumentsIngested(saved, duplicates int) {
	m.DocumentsIngested.Add(float64(saved))
	m.DocumentsDuplicate.Add(float64(duplicates))
	m.DocumentsPerBatch.Observe(float64(saved))
}

// RecordStageResult records a worker result applied to an operation.
func (m *Metrics) RecordStageResult(stage, status string) {
	m.StageResults.WithLabelValues(stage, status).Inc()
}

// RecordMessagePublished records a message published to the channel.
func (m *Metrics) RecordMessagePublished(topic string) {
	m.MessagesPublished.WithLabelValues(topic).Inc()
}

// RecordPublishFailed records a failed publish attempt.
func (m *Metrics) RecordPublishFailed(topic string) {
	m.PublishFailures.WithLabelValues(topic).Inc()
}

// RecordMessageConsumed records a message consumed from the channel.
func (m *Metrics) RecordMessageConsumed(topic string) {
	m.MessagesConsumed.WithLabelValues(topic).Inc()
}

// RecordMessageDeadLettered records a message diverted to the dead-letter topic.
func (m *Metrics) RecordMessageDeadLettered(topic, reason string) {
	m.MessagesDeadLettered.WithLabelValues(topic, reason).Inc()
}

// RecordHandlerDuration records a message handler invocation.
func (m *Metrics) RecordHandlerDuration(topic string, durationSeconds float64) {
	m.MessageHandlerDuration.WithLabelValues(topic).Observe(durationSeconds)
}

// RecordHandlerFailed records a message handler error.
func (m *Metrics) RecordHandlerFailed(topic string) {
	m.MessageHandlerFailures.WithLabelValues(topic).Inc()
}

// RecordReaperSweep records a completed reaper sweep.
func (m *Metrics) RecordReaperSweep() {
	m.ReaperSweeps.Inc()
}

// RecordReaperSweepFailed records a failed reaper sweep.
func (m *Metrics) RecordReaperSweepFailed() {
	m.ReaperSweepFailures.Inc()
}
