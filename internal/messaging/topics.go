package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// Topics derives the channel topic names for every pipeline stage from a
// shared prefix.
type Topics struct {
	prefix string
}

// NewTopics creates a Topics with the given prefix (e.g. "pipeline").
func NewTopics(prefix string) Topics {
	return Topics{prefix: prefix}
}

// Commands returns the command topic for a stage, consumed by external
// workers.
func (t Topics) Commands(stage domain.Stage) string {
	return fmt.Sprintf("%s.%s.commands", t.prefix, stage)
}

// Completed returns the completed topic for a stage, consumed by the
// service's stage listeners.
func (t Topics) Completed(stage domain.Stage) string {
	return fmt.Sprintf("%s.%s.completed", t.prefix, stage)
}

// DeadLetter returns the shared dead-letter topic.
func (t Topics) DeadLetter() string {
	return fmt.Sprintf("%s.deadletter", t.prefix)
}

// All returns every topic the service uses, suitable for topic creation.
func (t Topics) All() []string {
	topics := make([]string, 0, len(domain.AllStages)*2+1)
	for _, stage := range domain.AllStages {
		topics = append(topics, t.Commands(stage), t.Completed(stage))
	}
	topics = append(topics, t.DeadLetter())
	return topics
}

// EnsureTopics creates the given topics on the brokers. Topics that already
// exist are left untouched.
func EnsureTopics(ctx context.Context, brokers []string, topics []string, numPartitions, replicationFactor int) error {
	client := &kafka.Client{Addr: kafka.TCP(brokers...)}

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     numPartitions,
			ReplicationFactor: replicationFactor,
		})
	}

	resp, err := client.CreateTopics(ctx, &kafka.CreateTopicsRequest{Topics: configs})
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}

	for topic, topicErr := range resp.Errors {
		if topicErr != nil && !errors.Is(topicErr, kafka.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic, topicErr)
		}
	}

	return nil
}
