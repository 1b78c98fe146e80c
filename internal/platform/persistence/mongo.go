package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stablecoin-settlement-engine/internal/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultMongoTimeout = 10 * time.Second

// MongoDB holds the client and database used for the settlement attempt log
type MongoDB struct {
	logger   *slog.Logger
	client   *mongo.Client
	database *mongo.Database
	timeout  time.Duration
}

func NewMongoDB(ctx context.Context, logger *slog.Logger, cfg *config.MongoDBConfig) (*MongoDB, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(timeout).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	m := &MongoDB{
		logger:   logger,
		client:   client,
		database: client.Database(cfg.Database),
		timeout:  timeout,
	}
	if err := m.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("Connected to MongoDB", "database", cfg.Database)
	return m, nil
}

// Ping checks the primary within the configured timeout
func (m *MongoDB) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.client.Ping(pingCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return nil
}

func (m *MongoDB) Database() *mongo.Database {
	return m.database
}

func (m *MongoDB) Close(ctx context.Context) error {
	if err := m.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	m.logger.Info("Closed MongoDB connection")
	return nil
}
