package producers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDLQProducer_PublishToDLQ(t *testing.T) {
	logger := newTestLogger()
	dlqTopic := "test-dlq-topic"
	ctx := context.Background()

	t.Run("SuccessfulPublishToDLQ", func(t *testing.T) {
		mockWriter := new(MockKafkaWriter)
		producer := &DLQProducer{
			logger:      logger,
			writer:      mockWriter,
			dlqTopic:    dlqTopic,
			sourceTopic: "payments.confirmed",
		}

		key := "original-key"
		originalMessageValue := []byte(`{"data":"original_payload"}`)
		reason := "processing_failed"

		mockWriter.On("WriteMessages", ctx, mock.MatchedBy(func(msgs []kafka.Message) bool {
			if len(msgs) != 1 {
				return false
			}
			msg := msgs[0]
			if string(msg.Key) != key {
				return false
			}
			var payload map[string]string
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				return false
			}
			return payload["original_key"] == key &&
				payload["original_value"] == string(originalMessageValue) &&
				payload["dlq_reason"] == reason &&
				payload["topic"] == "payments.confirmed" &&
				len(msg.Headers) == 1 && string(msg.Headers[0].Value) == reason &&
				payload["timestamp"] != ""
		})).Return(nil).Once()

		err := producer.PublishToDLQ(ctx, key, originalMessageValue, reason)
		require.NoError(t, err)
		mockWriter.AssertExpectations(t)
	})

	t.Run("PublishToDLQReturnsErrorOnWriterError", func(t *testing.T) {
		mockWriter := new(MockKafkaWriter)
		producer := &DLQProducer{
			logger:   logger,
			writer:   mockWriter,
			dlqTopic: dlqTopic,
		}

		key := "fail-key"
		originalMessageValue := []byte("fail_payload")
		reason := "writer_error"
		writerError := errors.New("kafka DLQ write error")

		mockWriter.On("WriteMessages", ctx, mock.AnythingOfType("[]kafka.Message")).Return(writerError).Once()

		err := producer.PublishToDLQ(ctx, key, originalMessageValue, reason)
		require.Error(t, err)
		assert.True(t, errors.Is(err, writerError) || strings.Contains(err.Error(), writerError.Error()))
		mockWriter.AssertExpectations(t)
	})

	t.Run("PublishToDLQWhenWriterIsNil", func(t *testing.T) {
		producer := &DLQProducer{logger: logger, dlqTopic: dlqTopic}

		err := producer.PublishToDLQ(ctx, "some-key", []byte("some_payload"), "disabled_test")
		assert.ErrorIs(t, err, ErrDLQDisabled)
	})

	t.Run("PublishToDLQWhenProducerIsNil", func(t *testing.T) {
		var producer *DLQProducer
		err := producer.PublishToDLQ(ctx, "some-key", []byte("some_payload"), "disabled_test")
		assert.ErrorIs(t, err, ErrDLQDisabled)
	})
}

func TestDLQProducer_Close(t *testing.T) {
	logger := newTestLogger()
	dlqTopic := "test-dlq-topic-close"

	t.Run("SuccessfulClose", func(t *testing.T) {
		mockWriter := new(MockKafkaWriter)
		producer := &DLQProducer{
			logger:   logger,
			writer:   mockWriter,
			dlqTopic: dlqTopic,
		}
		mockWriter.On("Close").Return(nil).Once()
		err := producer.Close()
		require.NoError(t, err)
		mockWriter.AssertExpectations(t)
	})

	t.Run("CloseReturnsErrorOnWriterError", func(t *testing.T) {
		mockWriter := new(MockKafkaWriter)
		producer := &DLQProducer{
			logger:   logger,
			writer:   mockWriter,
			dlqTopic: dlqTopic,
		}
		closeError := errors.New("kafka DLQ close error")
		mockWriter.On("Close").Return(closeError).Once()
		err := producer.Close()
		require.Error(t, err)
		assert.True(t, errors.Is(err, closeError) || strings.Contains(err.Error(), closeError.Error()))
		mockWriter.AssertExpectations(t)
	})

	t.Run("CloseWhenWriterIsNil", func(t *testing.T) {
		producer := &DLQProducer{logger: logger, dlqTopic: dlqTopic}
		require.NoError(t, producer.Close())

		var nilProducer *DLQProducer
		require.NoError(t, nilProducer.Close())
	})
}
