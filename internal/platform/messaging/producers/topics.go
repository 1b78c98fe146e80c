package producers

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stablecoin-settlement-engine/internal/config"
)

const (
	partitionReadAttempts = 5
	partitionReadBackoff  = 2 * time.Second
)

// ensureTopic dials the first broker and creates topic when it cannot be found
func ensureTopic(cfg *config.KafkaConfig, topic string, logger *slog.Logger) error {
	conn, err := kafka.Dial("tcp", cfg.Brokers)
	if err != nil {
		return fmt.Errorf("failed to dial kafka: %w", err)
	}
	defer conn.Close()

	return createTopicIfMissing(conn, topic, cfg.NumPartitions, cfg.ReplicationFactor, partitionReadBackoff, logger)
}

func createTopicIfMissing(admin topicAdmin, topic string, partitions, replication int, backoff time.Duration, logger *slog.Logger) error {
	var found []kafka.Partition
	var err error
	for i := 0; i < partitionReadAttempts; i++ {
		found, err = admin.ReadPartitions(topic)
		if err == nil {
			break
		}
		logger.Warn("Failed to read partitions, retrying", "topic", topic, "attempt", i+1, "error", err)
		time.Sleep(backoff)
	}

	if len(found) > 0 {
		logger.Info("Kafka topic already exists", "topic", topic, "partitions", len(found))
		return nil
	}

	if partitions <= 0 {
		partitions = 1
	}
	if replication <= 0 {
		replication = 1
	}
	logger.Info("Creating Kafka topic", "topic", topic, "partitions", partitions, "replication_factor", replication)
	if err := admin.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	}); err != nil {
		return fmt.Errorf("failed to create kafka topic %s: %w", topic, err)
	}
	return nil
}
