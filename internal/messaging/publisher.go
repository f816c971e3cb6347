package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/helixir/paper-pipeline-service/internal/observability"
)

// Publisher sends JSON messages to the channel. It is safe for concurrent
// use from multiple goroutines.
type Publisher interface {
	// Publish marshals payload as JSON and writes it to topic. The key
	// determines partition placement; messages for the same operation share
	// a key so their ordering is preserved.
	Publish(ctx context.Context, topic, key string, payload interface{}) error

	// Close flushes pending messages and releases the underlying writer.
	Close() error
}

// messageWriter abstracts the underlying Kafka writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PublisherConfig holds configuration for the channel publisher.
type PublisherConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// BatchSize is the maximum number of messages buffered before a write.
	BatchSize int
	// BatchTimeout is the maximum time to wait for a batch to fill.
	BatchTimeout time.Duration
	// RateLimit is the maximum outgoing messages per second. Zero disables
	// throttling.
	RateLimit float64
	// Burst is the burst size for the rate limiter.
	Burst int
	// AllowAutoTopicCreation lets the brokers create missing topics on write.
	AllowAutoTopicCreation bool
}

type channelPublisher struct {
	writer  messageWriter
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// Compile-time interface check.
var _ Publisher = (*channelPublisher)(nil)

// NewPublisher creates a Publisher backed by a Kafka writer with
// required-acks delivery and snappy compression.
func NewPublisher(cfg PublisherConfig, metrics *observability.Metrics, logger zerolog.Logger) Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		AllowAutoTopicCreation: cfg.AllowAutoTopicCreation,
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}

	return &channelPublisher{
		writer:  writer,
		limiter: limiter,
		metrics: metrics,
		logger:  logger.With().Str("component", "publisher").Logger(),
	}
}

func (p *channelPublisher) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if p.metrics != nil {
			p.metrics.RecordPublishFailed(topic)
		}
		return fmt.Errorf("write message to %s: %w", topic, err)
	}

	if p.metrics != nil {
		p.metrics.RecordMessagePublished(topic)
	}
	p.logger.Debug().
		Str("topic", topic).
		Str("key", key).
		Int("bytes", len(value)).
		Msg("published message")

	return nil
}

func (p *channelPublisher) Close() error {
	p.logger.Info().Msg("closing publisher")
	return p.writer.Close()
}
