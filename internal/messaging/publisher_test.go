package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeWriter captures written messages for assertions.
type fakeWriter struct {
	messages []kafka.Message
	writeErr error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func newTestPublisher(writer messageWriter) *channelPublisher {
	return &channelPublisher{
		writer: writer,
		logger: zerolog.Nop(),
	}
}

func TestPublisher_Publish(t *testing.T) {
	t.Run("marshals payload and writes with key", func(t *testing.T) {
		writer := &fakeWriter{}
		pub := newTestPublisher(writer)

		payload := map[string]string{"correlation_id": "corr-1"}
		err := pub.Publish(context.Background(), "pipeline.search.commands", "corr-1", payload)
		require.NoError(t, err)

		require.Len(t, writer.messages, 1)
		msg := writer.messages[0]
		assert.Equal(t, "pipeline.search.commands", msg.Topic)
		assert.Equal(t, []byte("corr-1"), msg.Key)

		var decoded map[string]string
		require.NoError(t, json.Unmarshal(msg.Value, &decoded))
		assert.Equal(t, "corr-1", decoded["correlation_id"])
		assert.False(t, msg.Time.IsZero())
	})

	t.Run("returns error for unmarshalable payload", func(t *testing.T) {
		writer := &fakeWriter{}
		pub := newTestPublisher(writer)

		// Channels cannot be JSON-marshaled.
		err := pub.Publish(context.Background(), "pipeline.search.commands", "k", make(chan int))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "marshal payload")
		assert.Empty(t, writer.messages)
	})

	t.Run("propagates write errors", func(t *testing.T) {
		writer := &fakeWriter{writeErr: errors.New("broker unavailable")}
		pub := newTestPublisher(writer)

		err := pub.Publish(context.Background(), "pipeline.search.commands", "k", map[string]int{"n": 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker unavailable")
	})

	t.Run("rate limiter abort on cancelled context", func(t *testing.T) {
		writer := &fakeWriter{}
		pub := newTestPublisher(writer)
		// A limiter with zero burst can never admit an event.
		pub.limiter = rate.NewLimiter(rate.Limit(1), 0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := pub.Publish(ctx, "pipeline.search.commands", "k", map[string]int{"n": 1})
		require.Error(t, err)
		assert.Empty(t, writer.messages)
	})

	t.Run("sequential publishes preserve order", func(t *testing.T) {
		writer := &fakeWriter{}
		pub := newTestPublisher(writer)

		for i := 0; i < 3; i++ {
			err := pub.Publish(context.Background(), "pipeline.extraction.commands", "same-key", map[string]int{"seq": i})
			require.NoError(t, err)
		}

		require.Len(t, writer.messages, 3)
		for i, msg := range writer.messages {
			var decoded map[string]int
			require.NoError(t, json.Unmarshal(msg.Value, &decoded))
			assert.Equal(t, i, decoded["seq"])
		}
	})
}

func TestPublisher_Close(t *testing.T) {
	writer := &fakeWriter{}
	pub := newTestPublisher(writer)

	require.NoError(t, pub.Close())
	assert.True(t, writer.closed)
}

func TestNewPublisher_Configuration(t *testing.T) {
	pub := NewPublisher(PublisherConfig{
		Brokers:   []string{"localhost:9092"},
		RateLimit: 100,
		Burst:     200,
	}, nil, zerolog.Nop())
	defer pub.Close()

	cp, ok := pub.(*channelPublisher)
	require.True(t, ok)
	assert.NotNil(t, cp.limiter)

	writer, ok := cp.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, kafka.RequireAll, writer.RequiredAcks)
	assert.Equal(t, kafka.Snappy, writer.Compression)
}

func TestNewPublisher_NoRateLimit(t *testing.T) {
	pub := NewPublisher(PublisherConfig{
		Brokers: []string{"localhost:9092"},
	}, nil, zerolog.Nop())
	defer pub.Close()

	cp, ok := pub.(*channelPublisher)
	require.True(t, ok)
	assert.Nil(t, cp.limiter)
}
