package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/messaging"
	"github.com/helixir/paper-pipeline-service/internal/repository"
)

// maxGapAnalysisDocs caps the corpus handed to a gap-analysis worker.
const maxGapAnalysisDocs = 1000

// CompletedHandlers returns the message handler for each stage's completed
// topic. The caller wires each handler to a listener on the matching topic.
func (s *Service) CompletedHandlers() map[domain.Stage]messaging.Handler {
	return map[domain.Stage]messaging.Handler{
		domain.StageSearch:        s.HandleSearchResult,
		domain.StageExtraction:    s.HandleExtractionResult,
		domain.StageStructuring:   s.HandleStructuringResult,
		domain.StageSummarization: s.HandleSummarizationResult,
		domain.StageGapAnalysis:   s.HandleGapAnalysisResult,
	}
}

// childCorrelation derives the correlation ID of the operation chained after
// parent for the given stage. The derivation is deterministic so handlers of
// sibling results agree on the child operation without coordination, and so
// redelivered messages land on the operation they already touched.
func childCorrelation(parent uuid.UUID, stage domain.Stage) uuid.UUID {
	return uuid.NewSHA1(parent, []byte(stage))
}

// progressOutcome reports what applying one worker result did to an operation.
type progressOutcome struct {
	// stale is set when the result was a duplicate or arrived after the
	// operation reached a terminal state; nothing was applied.
	stale    bool
	finished bool
	op       domain.Operation
}

// finalStatus derives the terminal status of a fully-processed operation
// from its counters.
func finalStatus(op *domain.Operation) domain.OperationStatus {
	switch {
	case op.Failed == 0:
		return domain.OperationStatusCompleted
	case op.Succeeded > 0:
		return domain.OperationStatusPartiallyCompleted
	default:
		return domain.OperationStatusFailed
	}
}

// HandleSearchResult ingests the candidates a search worker discovered,
// finishes the search operation, and chains an extraction operation covering
// every document that still awaits extraction.
func (s *Service) HandleSearchResult(ctx context.Context, msg messaging.Message) error {
	var result domain.SearchResult
	if err := json.Unmarshal(msg.Value, &result); err != nil {
		return fmt.Errorf("decode search result: %v: %w", err, messaging.ErrNonRetryable)
	}

	log := s.logger.With().
		Str("correlation_id", result.CorrelationID.String()).
		Str("stage", string(domain.StageSearch)).
		Logger()

	op, err := s.ops.GetByCorrelationID(ctx, result.CorrelationID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Msg("result for unknown correlation ID dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve search operation: %w", err)
	}

	if result.Status == domain.ResultStatusFailed {
		return s.failOperation(ctx, op, result.ErrorMessage)
	}

	candidates := make([]domain.Document, 0, len(result.Candidates))
	for _, c := range result.Candidates {
		candidates = append(candidates, candidateToDocument(op.ProjectID, op.CorrelationID, c))
	}
	saved, duplicates, err := s.ingest(ctx, op.ProjectID, candidates)
	if err != nil {
		return fmt.Errorf("ingest search candidates: %w", err)
	}
	log.Info().
		Int("candidates", len(candidates)).
		Int("saved", len(saved)).
		Int("duplicates", duplicates).
		Msg("search candidates ingested")

	// A search produces exactly one result, so the operation finishes here.
	status := domain.OperationStatusCompleted
	if result.Status == domain.ResultStatusPartial {
		status = domain.OperationStatusPartiallyCompleted
	}
	out, err := s.finishSearchOperation(ctx, op.CorrelationID, len(candidates), status, result.ErrorMessage)
	if err != nil {
		return err
	}
	if out.stale {
		log.Debug().Msg("duplicate search result ignored")
	} else {
		s.recordFinished(&out.op)
	}
	if s.metrics != nil {
		s.metrics.RecordStageResult(string(domain.StageSearch), string(result.Status))
	}

	// Chain extraction over every document of this search still awaiting
	// extraction. Deriving the set from the store rather than this batch
	// makes a redelivered result republish commands a crashed first
	// delivery never sent.
	pending, err := s.pendingExtractionDocs(ctx, op)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	childID, err := s.ensureChildOperation(ctx, op.CorrelationID, op.ProjectID, domain.StageExtraction, len(pending))
	if err != nil {
		return err
	}
	if err := s.publishExtractionCommands(ctx, childID, op.ProjectID, pending); err != nil {
		return err
	}
	log.Info().
		Str("child_correlation_id", childID.String()).
		Int("documents", len(pending)).
		Msg("extraction stage chained")
	return nil
}

// HandleExtractionResult records one document's extraction outcome, chains a
// structuring command when the text arrived, and advances the extraction
// operation's counters.
func (s *Service) HandleExtractionResult(ctx context.Context, msg messaging.Message) error {
	var result domain.ExtractionResult
	if err := json.Unmarshal(msg.Value, &result); err != nil {
		return fmt.Errorf("decode extraction result: %v: %w", err, messaging.ErrNonRetryable)
	}
	if !result.Status.IsValid() {
		return fmt.Errorf("extraction result has unknown status %q: %w", result.Status, messaging.ErrNonRetryable)
	}

	log := s.logger.With().
		Str("correlation_id", result.CorrelationID.String()).
		Str("document_id", result.DocumentID.String()).
		Str("stage", string(domain.StageExtraction)).
		Logger()

	op, err := s.ops.GetByCorrelationID(ctx, result.CorrelationID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Msg("result for unknown correlation ID dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve extraction operation: %w", err)
	}

	success := result.Status == domain.ResultStatusCompleted
	if success {
		err = s.docs.UpdateExtraction(ctx, result.DocumentID, domain.ExtractionStatusCompleted, result.ExtractedText, time.Now().UTC())
	} else {
		err = s.docs.UpdateExtraction(ctx, result.DocumentID, domain.ExtractionStatusFailed, "", time.Now().UTC())
	}
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Msg("extraction result references unknown document")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record extraction result: %w", err)
	}
	if success && result.StoredPDFURL != "" {
		if err := s.docs.UpdatePDFURL(ctx, result.DocumentID, result.StoredPDFURL); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("record stored PDF URL: %w", err)
		}
	}

	if success {
		childID, err := s.ensureChildOperation(ctx, op.CorrelationID, op.ProjectID, domain.StageStructuring, op.TotalToProcess)
		if err != nil {
			return err
		}
		cmd := domain.StructuringCommand{
			CorrelationID: childID,
			ProjectID:     op.ProjectID,
			DocumentID:    result.DocumentID,
			ExtractedText: result.ExtractedText,
		}
		if err := s.publisher.Publish(ctx, s.topics.Commands(domain.StageStructuring), childID.String(), cmd); err != nil {
			return fmt.Errorf("publish structuring command: %w", err)
		}
	}

	return s.advanceOperation(ctx, log, op, success, result.ErrorMessage, string(result.Status))
}

// HandleStructuringResult records one document's sections and key findings,
// chains a summarization command, and advances the structuring operation.
func (s *Service) HandleStructuringResult(ctx context.Context, msg messaging.Message) error {
	var result domain.StructuringResult
	if err := json.Unmarshal(msg.Value, &result); err != nil {
		return fmt.Errorf("decode structuring result: %v: %w", err, messaging.ErrNonRetryable)
	}
	if !result.Status.IsValid() {
		return fmt.Errorf("structuring result has unknown status %q: %w", result.Status, messaging.ErrNonRetryable)
	}

	log := s.logger.With().
		Str("correlation_id", result.CorrelationID.String()).
		Str("document_id", result.DocumentID.String()).
		Str("stage", string(domain.StageStructuring)).
		Logger()

	op, err := s.ops.GetByCorrelationID(ctx, result.CorrelationID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Msg("result for unknown correlation ID dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve structuring operation: %w", err)
	}

	success := result.Status == domain.ResultStatusCompleted
	if success {
		err := s.docs.UpdateStructure(ctx, result.DocumentID, result.Sections, result.KeyFindings)
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Msg("structuring result references unknown document")
			return nil
		}
		if err != nil {
			return fmt.Errorf("record structuring result: %w", err)
		}

		childID, err := s.ensureChildOperation(ctx, op.CorrelationID, op.ProjectID, domain.StageSummarization, op.TotalToProcess)
		if err != nil {
			return err
		}
		cmd := domain.SummarizationCommand{
			CorrelationID: childID,
			ProjectID:     op.ProjectID,
			DocumentID:    result.DocumentID,
			Sections:      result.Sections,
		}
		if err := s.publisher.Publish(ctx, s.topics.Commands(domain.StageSummarization), childID.String(), cmd); err != nil {
			return fmt.Errorf("publish summarization command: %w", err)
		}
	}

	return s.advanceOperation(ctx, log, op, success, result.ErrorMessage, string(result.Status))
}

// HandleSummarizationResult records one document's summary and advances the
// summarization operation. Gap analysis fans in: it launches only once the
// whole summarization operation finishes.
func (s *Service) HandleSummarizationResult(ctx context.Context, msg messaging.Message) error {
	var result domain.SummarizationResult
	if err := json.Unmarshal(msg.Value, &result); err != nil {
		return fmt.Errorf("decode summarization result: %v: %w", err, messaging.ErrNonRetryable)
	}
	if !result.Status.IsValid() {
		return fmt.Errorf("summarization result has unknown status %q: %w", result.Status, messaging.ErrNonRetryable)
	}

	log := s.logger.With().
		Str("correlation_id", result.CorrelationID.String()).
		Str("document_id", result.DocumentID.String()).
		Str("stage", string(domain.StageSummarization)).
		Logger()

	op, err := s.ops.GetByCorrelationID(ctx, result.CorrelationID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Msg("result for unknown correlation ID dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve summarization operation: %w", err)
	}

	success := result.Status == domain.ResultStatusCompleted
	if success {
		err := s.docs.UpdateSummary(ctx, result.DocumentID, result.Summary)
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Msg("summarization result references unknown document")
			return nil
		}
		if err != nil {
			return fmt.Errorf("record summarization result: %w", err)
		}
	}

	return s.advanceOperation(ctx, log, op, success, result.ErrorMessage, string(result.Status))
}

// HandleGapAnalysisResult records per-document gap-analysis findings and
// finishes the terminal stage of the pipeline.
func (s *Service) HandleGapAnalysisResult(ctx context.Context, msg messaging.Message) error {
	var result domain.GapAnalysisResult
	if err := json.Unmarshal(msg.Value, &result); err != nil {
		return fmt.Errorf("decode gap-analysis result: %v: %w", err, messaging.ErrNonRetryable)
	}
	if !result.Status.IsValid() {
		return fmt.Errorf("gap-analysis result has unknown status %q: %w", result.Status, messaging.ErrNonRetryable)
	}

	log := s.logger.With().
		Str("correlation_id", result.CorrelationID.String()).
		Str("stage", string(domain.StageGapAnalysis)).
		Logger()

	op, err := s.ops.GetByCorrelationID(ctx, result.CorrelationID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn().Msg("result for unknown correlation ID dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve gap-analysis operation: %w", err)
	}

	if result.Status == domain.ResultStatusFailed {
		return s.failOperation(ctx, op, result.ErrorMessage)
	}

	for docID, findings := range result.Findings {
		err := s.docs.UpdateGapAnalysis(ctx, docID, findings)
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Str("document_id", docID.String()).Msg("gap-analysis finding references unknown document")
			continue
		}
		if err != nil {
			return fmt.Errorf("record gap-analysis finding: %w", err)
		}
	}

	return s.advanceOperation(ctx, log, op, true, result.ErrorMessage, string(result.Status))
}

// advanceOperation applies one worker result to the operation's counters
// under a row lock, finishing the operation once every expected item has
// arrived, then runs the post-completion bookkeeping.
func (s *Service) advanceOperation(ctx context.Context, log zerolog.Logger, op *domain.Operation, success bool, workerErr, resultStatus string) error {
	out, err := s.applyProgress(ctx, op.CorrelationID, success, workerErr)
	if err != nil {
		return fmt.Errorf("advance %s operation: %w", op.Stage, err)
	}
	if s.metrics != nil {
		s.metrics.RecordStageResult(string(op.Stage), resultStatus)
	}
	if out.stale {
		log.Debug().Msg("duplicate or late result ignored")
		return nil
	}
	if !out.finished {
		return nil
	}
	log.Info().Str("status", string(out.op.Status)).Msg("stage finished")
	return s.onStageFinished(ctx, &out.op)
}

// applyProgress increments the operation's counters for one result. It marks
// a SUBMITTED operation IN_PROGRESS on first contact and finishes the
// operation when every item it can still expect has been processed: the full
// total for root stages, the upstream stage's success count for chained
// stages whose parent already finished.
func (s *Service) applyProgress(ctx context.Context, correlationID uuid.UUID, success bool, workerErr string) (progressOutcome, error) {
	var out progressOutcome
	err := s.ops.Update(ctx, correlationID, func(op *domain.Operation) error {
		defer func() { out.op = *op }()
		if op.Status.IsTerminal() || op.Processed >= op.TotalToProcess {
			out.stale = true
			return nil
		}
		now := time.Now().UTC()
		if op.Status == domain.OperationStatusSubmitted {
			op.Status = domain.OperationStatusInProgress
			op.StartedAt = &now
		}
		op.Processed++
		if success {
			op.Succeeded++
		} else {
			op.Failed++
			if workerErr != "" {
				op.ErrorMessage = workerErr
			}
		}
		if op.Processed >= s.expectedItems(ctx, op) {
			op.Status = finalStatus(op)
			op.CompletedAt = &now
			out.finished = true
		}
		return nil
	})
	if err != nil {
		return progressOutcome{}, err
	}
	return out, nil
}

// expectedItems is how many results the operation can still expect in total.
// Root stages expect their full item count. A chained stage only ever
// receives results for items its upstream stage succeeded with, so once the
// parent is terminal the expectation shrinks to the parent's success count.
func (s *Service) expectedItems(ctx context.Context, op *domain.Operation) int {
	if op.ParentCorrelationID == nil {
		return op.TotalToProcess
	}
	parent, err := s.ops.GetByCorrelationID(ctx, *op.ParentCorrelationID)
	if err != nil || !parent.Status.IsTerminal() {
		return op.TotalToProcess
	}
	if parent.Succeeded < op.TotalToProcess {
		return parent.Succeeded
	}
	return op.TotalToProcess
}

// onStageFinished runs after an operation reaches a terminal status through
// counter progress: it records metrics, launches the gap-analysis fan-in
// when summarization is done, and re-checks the already-chained next stage,
// which may itself have been waiting only on this one's final success count.
func (s *Service) onStageFinished(ctx context.Context, op *domain.Operation) error {
	s.recordFinished(op)
	if op.Stage == domain.StageSummarization && op.Succeeded > 0 {
		if err := s.launchGapAnalysis(ctx, op); err != nil {
			return err
		}
	}
	return s.reconcileChild(ctx, op)
}

// reconcileChild re-evaluates the completion of the stage chained after op.
// A child waiting on results that will never arrive, because some upstream
// items failed after the child had already counted everything it would get,
// finishes here instead of waiting for the reaper.
func (s *Service) reconcileChild(ctx context.Context, parent *domain.Operation) error {
	next, ok := parent.Stage.Next()
	if !ok {
		return nil
	}
	childID := childCorrelation(parent.CorrelationID, next)

	var out progressOutcome
	err := s.ops.Update(ctx, childID, func(child *domain.Operation) error {
		defer func() { out.op = *child }()
		if child.Status.IsTerminal() {
			out.stale = true
			return nil
		}
		if child.Processed < parent.Succeeded {
			out.stale = true
			return nil
		}
		now := time.Now().UTC()
		child.Status = finalStatus(child)
		child.CompletedAt = &now
		out.finished = true
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile %s operation: %w", next, err)
	}
	if !out.finished {
		return nil
	}
	s.logger.Info().
		Str("correlation_id", childID.String()).
		Str("stage", string(next)).
		Str("status", string(out.op.Status)).
		Msg("stage finished after upstream settled")
	return s.onStageFinished(ctx, &out.op)
}

// launchGapAnalysis chains the terminal fan-in stage: one command carrying
// every summarized document of the project.
func (s *Service) launchGapAnalysis(ctx context.Context, parent *domain.Operation) error {
	hasSummary := true
	docs, _, err := s.docs.List(ctx, repository.DocumentFilter{
		ProjectID:  parent.ProjectID,
		HasSummary: &hasSummary,
		Limit:      maxGapAnalysisDocs,
	})
	if err != nil {
		return fmt.Errorf("list summarized documents: %w", err)
	}
	if len(docs) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
	}
	childID, err := s.ensureChildOperation(ctx, parent.CorrelationID, parent.ProjectID, domain.StageGapAnalysis, 1)
	if err != nil {
		return err
	}
	cmd := domain.GapAnalysisCommand{
		CorrelationID: childID,
		ProjectID:     parent.ProjectID,
		DocumentIDs:   ids,
	}
	if err := s.publisher.Publish(ctx, s.topics.Commands(domain.StageGapAnalysis), childID.String(), cmd); err != nil {
		return fmt.Errorf("publish gap-analysis command: %w", err)
	}
	s.logger.Info().
		Str("correlation_id", childID.String()).
		Int("documents", len(ids)).
		Msg("gap analysis launched")
	return nil
}

// ensureChildOperation creates the chained operation for a stage if it does
// not exist yet. Creation races between sibling handlers resolve through the
// deterministic correlation ID: the loser's insert conflicts and is ignored.
func (s *Service) ensureChildOperation(ctx context.Context, parentID uuid.UUID, projectID string, stage domain.Stage, total int) (uuid.UUID, error) {
	childID := childCorrelation(parentID, stage)
	op := &domain.Operation{
		CorrelationID:       childID,
		Stage:               stage,
		ProjectID:           projectID,
		ParentCorrelationID: &parentID,
		Status:              domain.OperationStatusSubmitted,
		TotalToProcess:      total,
		SubmittedAt:         time.Now().UTC(),
	}
	err := s.ops.Create(ctx, op)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return childID, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("create %s operation: %w", stage, err)
	}
	if s.metrics != nil {
		s.metrics.RecordOperationStarted(string(stage))
	}
	return childID, nil
}

// failOperation records a whole-operation worker failure as data. A late
// failure for an operation that already settled is dropped quietly.
func (s *Service) failOperation(ctx context.Context, op *domain.Operation, workerErr string) error {
	if workerErr == "" {
		workerErr = "worker reported failure"
	}
	err := s.ops.Finish(ctx, op.CorrelationID, domain.OperationStatusFailed, workerErr)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail %s operation: %w", op.Stage, err)
	}
	if s.metrics != nil {
		s.metrics.RecordStageResult(string(op.Stage), string(domain.ResultStatusFailed))
		s.metrics.RecordOperationCompleted(string(op.Stage), string(domain.OperationStatusFailed), 0)
	}
	s.logger.Warn().
		Str("correlation_id", op.CorrelationID.String()).
		Str("stage", string(op.Stage)).
		Str("error", workerErr).
		Msg("worker reported stage failure")
	return nil
}

// finishSearchOperation settles the single-shot search operation: counters
// reflect the one batch of candidates the worker returned.
func (s *Service) finishSearchOperation(ctx context.Context, correlationID uuid.UUID, candidates int, status domain.OperationStatus, workerErr string) (progressOutcome, error) {
	var out progressOutcome
	err := s.ops.Update(ctx, correlationID, func(op *domain.Operation) error {
		defer func() { out.op = *op }()
		if op.Status.IsTerminal() {
			out.stale = true
			return nil
		}
		now := time.Now().UTC()
		if op.StartedAt == nil {
			op.StartedAt = &now
		}
		processed := candidates
		if processed > op.TotalToProcess {
			processed = op.TotalToProcess
		}
		op.Status = status
		op.Processed = processed
		op.Succeeded = processed
		op.CompletedAt = &now
		if workerErr != "" {
			op.ErrorMessage = workerErr
		}
		out.finished = true
		return nil
	})
	if err != nil {
		return progressOutcome{}, fmt.Errorf("finish search operation: %w", err)
	}
	return out, nil
}

// pendingExtractionDocs lists the documents ingested under a search
// operation that still await extraction.
func (s *Service) pendingExtractionDocs(ctx context.Context, op *domain.Operation) ([]*domain.Document, error) {
	pending := domain.ExtractionStatusPending
	docs, _, err := s.docs.List(ctx, repository.DocumentFilter{
		ProjectID:        op.ProjectID,
		CorrelationID:    &op.CorrelationID,
		ExtractionStatus: &pending,
		Limit:            maxGapAnalysisDocs,
	})
	if err != nil {
		return nil, fmt.Errorf("list documents awaiting extraction: %w", err)
	}
	return docs, nil
}

// recordFinished emits completion metrics for a just-settled operation.
func (s *Service) recordFinished(op *domain.Operation) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordOperationCompleted(string(op.Stage), string(op.Status), op.ProcessingDuration().Seconds())
}
