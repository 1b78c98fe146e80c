package consumers

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stablecoin-settlement-engine/internal/config"
)

type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer defines the message queue consumer interface
type Consumer interface {
	Subscribe(ctx context.Context, handler MessageHandler) error
	Close() error
}

// KafkaReader wraps kafka.Reader methods for testing
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultRetryDelay    = 500 * time.Millisecond
	defaultMaxRetryDelay = 30 * time.Second
	fetchErrorDelay      = time.Second
)

// KafkaConsumer implements Consumer using Kafka.
// A message is committed only after its handler returns nil; a failing handler is
// retried with backoff so the offset never moves past an unprocessed message.
type KafkaConsumer struct {
	reader        KafkaReader
	logger        *slog.Logger
	topic         string
	groupID       string
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

func NewKafkaConsumer(logger *slog.Logger, cfg *config.KafkaConfig) *KafkaConsumer {
	startOffset := kafka.FirstOffset
	if cfg.StartOffset == kafka.LastOffset {
		startOffset = kafka.LastOffset
	}

	return &KafkaConsumer{
		logger:  logger,
		topic:   cfg.PaymentTopic,
		groupID: cfg.ConsumerGroup,
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     []string{cfg.Brokers},
			Topic:       cfg.PaymentTopic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    cfg.MinBytes,
			MaxBytes:    cfg.MaxBytes,
			MaxWait:     cfg.MaxWait,
			StartOffset: startOffset,
		}),
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
	}
}

// Subscribe starts consuming in the background until ctx is canceled
func (c *KafkaConsumer) Subscribe(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Subscribed to Kafka topic",
		"topic", c.topic,
		"group_id", c.groupID,
	)

	go c.consume(ctx, handler)
	return nil
}

func (c *KafkaConsumer) consume(ctx context.Context, handler MessageHandler) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("Context canceled, stopping consumer", "topic", c.topic, "group_id", c.groupID)
			return
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to fetch message from Kafka", "topic", c.topic, "group_id", c.groupID, "error", err)
			if !sleep(ctx, fetchErrorDelay) {
				return
			}
			continue
		}

		c.logger.Debug("Received message from Kafka",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
		)

		if !c.handleWithRetry(ctx, handler, msg) {
			return
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Failed to commit message after successful processing",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		c.logger.Debug("Message committed successfully", "topic", msg.Topic, "offset", msg.Offset)
	}
}

// handleWithRetry reports false when ctx ends before the handler succeeds
func (c *KafkaConsumer) handleWithRetry(ctx context.Context, handler MessageHandler, msg kafka.Message) bool {
	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg.Key, msg.Value)
		if err == nil {
			return true
		}

		c.logger.Error("Failed to process message, will retry without committing",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		if !sleep(ctx, delay) {
			return false
		}
		delay *= 2
		if delay > c.maxRetryDelay {
			delay = c.maxRetryDelay
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *KafkaConsumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
