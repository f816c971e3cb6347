package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/helixir/paper-pipeline-service/internal/domain"
	"github.com/helixir/paper-pipeline-service/internal/observability"
)

// ErrNonRetryable marks a handler failure that retrying cannot fix, such as
// an unparseable payload. The listener diverts such messages to the
// dead-letter topic immediately.
var ErrNonRetryable = errors.New("non-retryable message failure")

// defaultRetryBackoff is the base delay between handler attempts. Attempt n
// waits n times this long. The same delay paces fetch errors and dead-letter
// publish retries.
const defaultRetryBackoff = 500 * time.Millisecond

// Message is one delivery handed to a Handler.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// Handler processes one message. Returning nil commits the offset.
// Returning an error triggers a retry unless the error wraps ErrNonRetryable.
type Handler func(ctx context.Context, msg Message) error

// fetchCommitter abstracts the consumer-group reader.
type fetchCommitter interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// deadLetterSink publishes dead-letter envelopes.
type deadLetterSink interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
}

// ListenerConfig holds configuration for a topic listener.
type ListenerConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic is the topic to consume.
	Topic string
	// GroupID is the consumer group shared by competing service instances.
	GroupID string
	// Workers is the number of consumer-group members to run.
	Workers int
	// MaxAttempts is the number of handler attempts before dead-lettering.
	MaxAttempts int
	// DeadLetterTopic receives messages that exhaust their attempts.
	DeadLetterTopic string
}

// Listener consumes one topic with at-least-once delivery. Each worker owns
// its own consumer-group reader, so the group splits partitions across
// workers and every partition is consumed by exactly one sequential loop.
// Kafka stores a single committed offset per partition; a shared reader
// would let one worker's commit advance the group past another worker's
// still-unresolved message on the same partition. Offsets are committed only
// after the handler succeeds or the message has been dead-lettered.
type Listener struct {
	readers     []fetchCommitter
	cfg         ListenerConfig
	handler     Handler
	deadLetters deadLetterSink
	metrics     *observability.Metrics
	logger      zerolog.Logger
	backoff     time.Duration
}

// NewListener creates a Listener for cfg.Topic with cfg.Workers group
// members.
func NewListener(
	cfg ListenerConfig,
	handler Handler,
	deadLetters deadLetterSink,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Listener {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	readers := make([]fetchCommitter, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  3 * time.Second,
		}))
	}

	return &Listener{
		readers:     readers,
		cfg:         cfg,
		handler:     handler,
		deadLetters: deadLetters,
		metrics:     metrics,
		logger: logger.With().
			Str("component", "listener").
			Str("topic", cfg.Topic).
			Logger(),
		backoff: defaultRetryBackoff,
	}
}

// Run starts one consume loop per reader. Blocks until the context is
// cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().Int("workers", len(l.readers)).Msg("starting listener")

	var wg sync.WaitGroup
	for _, r := range l.readers {
		wg.Add(1)
		go func(r fetchCommitter) {
			defer wg.Done()
			l.consume(ctx, r)
		}(r)
	}
	wg.Wait()

	l.logger.Info().Msg("listener stopped")
	return ctx.Err()
}

// consume fetches and processes messages until the context is cancelled or a
// message cannot be resolved. Fetch errors back off before retrying so a
// broker outage does not hot-loop.
func (l *Listener) consume(ctx context.Context, r fetchCommitter) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error().Err(err).Msg("failed to fetch message")
			if !l.wait(ctx, l.backoff) {
				return
			}
			continue
		}

		if !l.process(ctx, r, msg) {
			return
		}
	}
}

// process runs the handler with bounded retries and commits the offset once
// the message is handled or dead-lettered. Returns false only when the
// context was cancelled before the message could be resolved; the
// uncommitted offset is then redelivered to the group.
func (l *Listener) process(ctx context.Context, r fetchCommitter, msg kafka.Message) bool {
	if l.metrics != nil {
		l.metrics.RecordMessageConsumed(msg.Topic)
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		start := time.Now()
		err := l.handler(ctx, Message{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       msg.Key,
			Value:     msg.Value,
		})
		if l.metrics != nil {
			l.metrics.RecordHandlerDuration(msg.Topic, time.Since(start).Seconds())
		}

		if err == nil {
			l.commit(ctx, r, msg)
			return true
		}

		lastErr = err
		if l.metrics != nil {
			l.metrics.RecordHandlerFailed(msg.Topic)
		}
		l.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("handler failed")

		if errors.Is(err, ErrNonRetryable) {
			break
		}
		if attempt < l.cfg.MaxAttempts && !l.wait(ctx, time.Duration(attempt)*l.backoff) {
			return false
		}
	}

	// The envelope must land before the offset may advance; giving up here
	// and moving to the next message would commit past this one and lose
	// the result for good.
	for {
		if ctx.Err() != nil {
			return false
		}
		if l.divert(ctx, msg, lastErr, attempts) {
			l.commit(ctx, r, msg)
			return true
		}
		if !l.wait(ctx, l.backoff) {
			return false
		}
	}
}

// divert publishes the failed message to the dead-letter topic. Returns
// true if the envelope was published.
func (l *Listener) divert(ctx context.Context, msg kafka.Message, cause error, attempts int) bool {
	reason := "max_attempts"
	if errors.Is(cause, ErrNonRetryable) {
		reason = "non_retryable"
	}

	envelope := domain.DeadLetter{
		Topic:      msg.Topic,
		Key:        string(msg.Key),
		Payload:    msg.Value,
		Reason:     cause.Error(),
		Attempts:   attempts,
		DivertedAt: time.Now().UTC(),
	}

	if err := l.deadLetters.Publish(ctx, l.cfg.DeadLetterTopic, string(msg.Key), envelope); err != nil {
		l.logger.Error().Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("failed to publish dead letter")
		return false
	}

	if l.metrics != nil {
		l.metrics.RecordMessageDeadLettered(msg.Topic, reason)
	}
	l.logger.Error().
		Str("reason", reason).
		Int("attempts", attempts).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("message diverted to dead-letter topic")
	return true
}

func (l *Listener) commit(ctx context.Context, r fetchCommitter, msg kafka.Message) {
	if err := r.CommitMessages(ctx, msg); err != nil {
		l.logger.Error().Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("failed to commit offset")
	}
}

// wait sleeps for d or until the context is cancelled. Returns false on
// cancellation.
func (l *Listener) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Close closes the underlying readers.
func (l *Listener) Close() error {
	l.logger.Info().Msg("closing listener")
	var errs []error
	for _, r := range l.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
