package producers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/stablecoin-settlement-engine/internal/config"
	"github.com/stablecoin-settlement-engine/internal/domain/events"
)

// EventProducer publishes settlement lifecycle events, keyed by settlement id so a
// settlement's events stay ordered within one partition.
type EventProducer struct {
	logger *slog.Logger
	writer KafkaWriter
	topic  string
}

// NewEventProducer ensures the events topic exists and returns a synchronous producer
func NewEventProducer(logger *slog.Logger, cfg *config.KafkaConfig) (*EventProducer, error) {
	if cfg.EventsTopic == "" {
		return nil, fmt.Errorf("kafka events topic is not configured")
	}

	if err := ensureTopic(cfg, cfg.EventsTopic, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure events topic %s exists: %w", cfg.EventsTopic, err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        cfg.EventsTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: cfg.MaxWait,
	}

	return &EventProducer{
		logger: logger,
		writer: writer,
		topic:  cfg.EventsTopic,
	}, nil
}

// Publish writes value as JSON under key
func (p *EventProducer) Publish(ctx context.Context, key string, value interface{}) error {
	return p.write(ctx, key, value, nil)
}

// PublishLifecycleEvent writes evt with its type and correlation id as headers
func (p *EventProducer) PublishLifecycleEvent(ctx context.Context, evt *events.LifecycleEvent) error {
	headers := []kafka.Header{{Key: "event-type", Value: []byte(evt.Type)}}
	if evt.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: "correlation-id", Value: []byte(evt.CorrelationID)})
	}
	return p.write(ctx, evt.SettlementID.String(), evt, headers)
}

func (p *EventProducer) write(ctx context.Context, key string, value interface{}, headers []kafka.Header) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: headers,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish event", "topic", p.topic, "key", key, "error", err)
		return fmt.Errorf("failed to publish event to %s: %w", p.topic, err)
	}

	p.logger.Debug("Published event", "topic", p.topic, "key", key)
	return nil
}

func (p *EventProducer) Close() error {
	p.logger.Info("Closing event producer", "topic", p.topic)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer for topic %s: %w", p.topic, err)
	}
	return nil
}
