package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/messaging"
	"github.com/helixir/paper-pipeline-service/internal/repository"
)

// fakeOperationRepo is an in-memory OperationRepository for handler tests.
type fakeOperationRepo struct {
	mu  sync.Mutex
	ops map[uuid.UUID]*domain.Operation
}

func newFakeOperationRepo() *fakeOperationRepo {
	return &fakeOperationRepo{ops: make(map[uuid.UUID]*domain.Operation)}
}

func (f *fakeOperationRepo) Create(_ context.Context, op *domain.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ops[op.CorrelationID]; ok {
		return domain.NewAlreadyExistsError("operation", op.CorrelationID.String())
	}
	cp := *op
	f.ops[op.CorrelationID] = &cp
	return nil
}

func (f *fakeOperationRepo) Get(_ context.Context, projectID string, correlationID uuid.UUID) (*domain.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[correlationID]
	if !ok || op.ProjectID != projectID {
		return nil, domain.NewNotFoundError("operation", correlationID.String())
	}
	cp := *op
	return &cp, nil
}

func (f *fakeOperationRepo) GetByCorrelationID(_ context.Context, correlationID uuid.UUID) (*domain.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[correlationID]
	if !ok {
		return nil, domain.NewNotFoundError("operation", correlationID.String())
	}
	cp := *op
	return &cp, nil
}

// Update runs fn outside the repository lock; the real implementation holds
// a row lock instead, and fn is allowed to read other operations through the
// repository while it runs.
func (f *fakeOperationRepo) Update(_ context.Context, correlationID uuid.UUID, fn func(*domain.Operation) error) error {
	f.mu.Lock()
	op, ok := f.ops[correlationID]
	if !ok {
		f.mu.Unlock()
		return domain.NewNotFoundError("operation", correlationID.String())
	}
	cp := *op
	f.mu.Unlock()

	if err := fn(&cp); err != nil {
		return err
	}

	f.mu.Lock()
	f.ops[correlationID] = &cp
	f.mu.Unlock()
	return nil
}

func (f *fakeOperationRepo) MarkInProgress(ctx context.Context, correlationID uuid.UUID) error {
	return f.Update(ctx, correlationID, func(op *domain.Operation) error {
		if op.Status.IsTerminal() {
			return domain.NewTransitionError(op.Status, domain.OperationStatusInProgress)
		}
		if op.Status == domain.OperationStatusSubmitted {
			now := time.Now().UTC()
			op.Status = domain.OperationStatusInProgress
			op.StartedAt = &now
		}
		return nil
	})
}

func (f *fakeOperationRepo) RecordProgress(ctx context.Context, correlationID uuid.UUID, progress domain.ProgressUpdate) error {
	return f.Update(ctx, correlationID, func(op *domain.Operation) error {
		if op.Status != domain.OperationStatusInProgress {
			return domain.NewTransitionError(op.Status, op.Status)
		}
		op.Processed = progress.Processed
		op.Succeeded = progress.Succeeded
		op.Failed = progress.Failed
		return nil
	})
}

func (f *fakeOperationRepo) Finish(ctx context.Context, correlationID uuid.UUID, status domain.OperationStatus, errorMsg string) error {
	return f.Update(ctx, correlationID, func(op *domain.Operation) error {
		if !op.Status.CanTransition(status) {
			return domain.NewTransitionError(op.Status, status)
		}
		now := time.Now().UTC()
		op.Status = status
		op.CompletedAt = &now
		if errorMsg != "" {
			op.ErrorMessage = errorMsg
		}
		return nil
	})
}

func (f *fakeOperationRepo) Cancel(ctx context.Context, projectID string, correlationID uuid.UUID) error {
	if _, err := f.Get(ctx, projectID, correlationID); err != nil {
		return err
	}
	return f.Finish(ctx, correlationID, domain.OperationStatusCancelled, "")
}

func (f *fakeOperationRepo) List(_ context.Context, filter repository.OperationFilter) ([]*domain.Operation, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Operation
	for _, op := range f.ops {
		if op.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Stage != nil && op.Stage != *filter.Stage {
			continue
		}
		cp := *op
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (f *fakeOperationRepo) FindStale(_ context.Context, cutoff time.Time, limit int) ([]*domain.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Operation
	for _, op := range f.ops {
		if op.Status.IsTerminal() || !op.SubmittedAt.Before(cutoff) {
			continue
		}
		if len(out) >= limit {
			break
		}
		cp := *op
		out = append(out, &cp)
	}
	return out, nil
}

// get is a test convenience accessor without the repository error plumbing.
func (f *fakeOperationRepo) get(correlationID uuid.UUID) *domain.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	op, ok := f.ops[correlationID]
	if !ok {
		return nil
	}
	cp := *op
	return &cp
}

// fakeDocumentRepo is an in-memory DocumentRepository for handler tests.
type fakeDocumentRepo struct {
	mu    sync.Mutex
	docs  map[uuid.UUID]*domain.Document
	order []uuid.UUID
}

func newFakeDocumentRepo() *fakeDocumentRepo {
	return &fakeDocumentRepo{docs: make(map[uuid.UUID]*domain.Document)}
}

func (f *fakeDocumentRepo) SaveBatch(_ context.Context, docs []*domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range docs {
		if doc.ID == uuid.Nil {
			doc.ID = uuid.New()
		}
		if doc.ExtractionStatus == "" {
			doc.ExtractionStatus = domain.ExtractionStatusPending
		}
		cp := *doc
		f.docs[doc.ID] = &cp
		f.order = append(f.order, doc.ID)
	}
	return nil
}

func (f *fakeDocumentRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, domain.NewNotFoundError("document", id.String())
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocumentRepo) List(_ context.Context, filter repository.DocumentFilter) ([]*domain.Document, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Document
	for _, id := range f.order {
		doc := f.docs[id]
		if doc.ProjectID != filter.ProjectID {
			continue
		}
		if filter.CorrelationID != nil && doc.CorrelationID != *filter.CorrelationID {
			continue
		}
		if filter.ExtractionStatus != nil && doc.ExtractionStatus != *filter.ExtractionStatus {
			continue
		}
		if filter.HasSummary != nil && (doc.Summary != "") != *filter.HasSummary {
			continue
		}
		cp := *doc
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (f *fakeDocumentRepo) FindByCorrelation(_ context.Context, correlationID uuid.UUID) ([]*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Document
	for _, id := range f.order {
		if doc := f.docs[id]; doc.CorrelationID == correlationID {
			cp := *doc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDocumentRepo) LoadDedupKeys(_ context.Context, projectID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, id := range f.order {
		if doc := f.docs[id]; doc.ProjectID == projectID {
			keys = append(keys, doc.DedupKey())
		}
	}
	return keys, nil
}

func (f *fakeDocumentRepo) UpdatePDFURL(_ context.Context, id uuid.UUID, pdfURL string) error {
	return f.mutate(id, func(doc *domain.Document) {
		doc.PDFURL = pdfURL
	})
}

func (f *fakeDocumentRepo) UpdateExtraction(_ context.Context, id uuid.UUID, status domain.ExtractionStatus, text string, extractedAt time.Time) error {
	return f.mutate(id, func(doc *domain.Document) {
		doc.ExtractionStatus = status
		doc.ExtractedText = text
		doc.ExtractedAt = &extractedAt
	})
}

func (f *fakeDocumentRepo) UpdateStructure(_ context.Context, id uuid.UUID, sections []domain.Section, keyFindings []string) error {
	return f.mutate(id, func(doc *domain.Document) {
		doc.Sections = sections
		doc.KeyFindings = keyFindings
	})
}

func (f *fakeDocumentRepo) UpdateSummary(_ context.Context, id uuid.UUID, summary string) error {
	return f.mutate(id, func(doc *domain.Document) {
		doc.Summary = summary
	})
}

func (f *fakeDocumentRepo) UpdateGapAnalysis(_ context.Context, id uuid.UUID, gapAnalysis string) error {
	return f.mutate(id, func(doc *domain.Document) {
		doc.GapAnalysis = gapAnalysis
	})
}

func (f *fakeDocumentRepo) mutate(id uuid.UUID, fn func(*domain.Document)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return domain.NewNotFoundError("document", id.String())
	}
	fn(doc)
	return nil
}

// seed stores a document directly, bypassing ingestion.
func (f *fakeDocumentRepo) seed(doc domain.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := doc
	f.docs[doc.ID] = &cp
	f.order = append(f.order, doc.ID)
}

// get is a test convenience accessor.
func (f *fakeDocumentRepo) get(id uuid.UUID) *domain.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil
	}
	cp := *doc
	return &cp
}

// published is one message captured by fakePublisher.
type published struct {
	topic   string
	key     string
	payload interface{}
}

// fakePublisher records published messages in order.
type fakePublisher struct {
	mu         sync.Mutex
	messages   []published
	publishErr error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.messages = append(f.messages, published{topic: topic, key: key, payload: payload})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

// onTopic returns the captured messages published to one topic.
func (f *fakePublisher) onTopic(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// fakeTxRunner runs the transaction function directly against the fake
// repositories; there is no real transaction to pass.
type fakeTxRunner struct{}

func (fakeTxRunner) WithSerializableTransaction(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

func newTestService() (*Service, *fakeOperationRepo, *fakeDocumentRepo, *fakePublisher) {
	ops := newFakeOperationRepo()
	docs := newFakeDocumentRepo()
	pub := &fakePublisher{}
	svc := &Service{
		ops:  ops,
		docs: docs,
		tx:   fakeTxRunner{},
		txDocs: func(repository.DBTX) repository.DocumentRepository {
			return docs
		},
		publisher: pub,
		topics:    messaging.NewTopics("pipeline"),
		logger:    zerolog.Nop(),
		cfg:       Config{DefaultMaxResults: 50},
	}
	return svc, ops, docs, pub
}
