package producers

import (
	"context"
	"io"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/mock"
)

type MockKafkaWriter struct {
	mock.Mock
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *MockKafkaWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}

type mockTopicAdmin struct {
	mock.Mock
}

func (m *mockTopicAdmin) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	args := m.Called(topics)
	parts, _ := args.Get(0).([]kafka.Partition)
	return parts, args.Error(1)
}

func (m *mockTopicAdmin) CreateTopics(topics ...kafka.TopicConfig) error {
	args := m.Called(topics)
	return args.Error(0)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
