// Package config loads and validates the settings shared by the settlement processor and the API gateway.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete application configuration
type Config struct {
	Application ApplicationConfig
	Logging     LoggingConfig
	Server      ServerConfig
	Kafka       KafkaConfig
	Postgres    PostgresConfig
	MongoDB     MongoDBConfig
	Settlement  SettlementConfig
	WorkerPool  WorkerPoolConfig
	Partner     PartnerConfig
}

// ApplicationConfig contains general application configuration
type ApplicationConfig struct {
	Env  string
	Name string
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Brokers           string
	PaymentTopic      string // inbound payment-confirmed signals
	EventsTopic       string // outbound settlement lifecycle events
	DLQTopic          string
	NumPartitions     int
	ReplicationFactor int
	ConsumerGroup     string
	MinBytes          int
	MaxBytes          int
	MaxWait           time.Duration
	StartOffset       int64
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string
	BatchLockKey    int64 // advisory lock key serializing batch runs across processes
}

// MongoDBConfig contains MongoDB configuration
type MongoDBConfig struct {
	URI             string
	Database        string
	Timeout         time.Duration
	MaxPoolSize     uint64
	MinPoolSize     uint64
	MaxConnIdleTime time.Duration
}

// SettlementConfig governs batch processing and the retry policy
type SettlementConfig struct {
	BatchInterval  time.Duration
	BatchSize      int
	MaxRetries     int
	FeePercentage  decimal.Decimal
	GatewayTimeout time.Duration // applied to every partner call
	StaleAfter     time.Duration // PROCESSING age after which the sweeper requeues; must exceed BatchDurationBound
	SweepInterval  time.Duration
	Provider       string
}

// WorkerPoolConfig contains worker pool configuration
type WorkerPoolConfig struct {
	Size int
}

// PartnerConfig selects and tunes the liquidity partner
type PartnerConfig struct {
	Mode          string // simulated or production
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RateLimit     float64
	RateBurst     int
	RateCacheTTL  time.Duration
	FeePercentage decimal.Decimal
}

// BatchDurationBound is the longest a batch can keep a record in PROCESSING when every
// partner call runs to its timeout: one conversion and one transfer per record, in
// ceil(batchSize / workers) waves.
func (c *Config) BatchDurationBound() time.Duration {
	workers := max(c.WorkerPool.Size, 1)
	waves := (max(c.Settlement.BatchSize, 1) + workers - 1) / workers
	return 2 * c.Settlement.GatewayTimeout * time.Duration(waves)
}

func (c *Config) validate() error {
	var validationErrors []string

	if c.Server.Port <= 0 {
		validationErrors = append(validationErrors, "SERVER_PORT must be greater than 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_SHUTDOWN_TIMEOUT must be greater than 0")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.IdleTimeout <= 0 {
		validationErrors = append(validationErrors, "SERVER_READ_TIMEOUT, SERVER_WRITE_TIMEOUT and SERVER_IDLE_TIMEOUT must be greater than 0")
	}

	if c.Kafka.Brokers == "" {
		validationErrors = append(validationErrors, "KAFKA_BROKERS is required")
	}
	if c.Kafka.PaymentTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_PAYMENT_TOPIC is required")
	}
	if c.Kafka.EventsTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_EVENTS_TOPIC is required")
	}
	if c.Kafka.DLQTopic == "" {
		validationErrors = append(validationErrors, "KAFKA_DLQ_TOPIC is required")
	}
	if c.Kafka.ConsumerGroup == "" {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_GROUP is required")
	}
	if c.Kafka.MinBytes <= 0 || c.Kafka.MaxBytes < c.Kafka.MinBytes {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MIN_BYTES must be positive and not exceed KAFKA_CONSUMER_MAX_BYTES")
	}
	if c.Kafka.MaxWait <= 0 {
		validationErrors = append(validationErrors, "KAFKA_CONSUMER_MAX_WAIT must be greater than 0")
	}

	if c.Postgres.URL == "" {
		validationErrors = append(validationErrors, "POSTGRES_URL is required")
	}
	if c.Postgres.MaxConns <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MAX_CONNS must be greater than 0")
	}
	if c.Postgres.MinConns <= 0 {
		validationErrors = append(validationErrors, "POSTGRES_MIN_CONNS must be greater than 0")
	}

	if c.MongoDB.URI == "" {
		validationErrors = append(validationErrors, "MONGO_URI is required")
	}
	if c.MongoDB.Database == "" {
		validationErrors = append(validationErrors, "MONGO_DATABASE is required")
	}
	if c.MongoDB.Timeout <= 0 {
		validationErrors = append(validationErrors, "MONGO_TIMEOUT must be greater than 0")
	}

	s := c.Settlement
	if s.BatchInterval <= 0 {
		validationErrors = append(validationErrors, "SETTLEMENT_BATCH_INTERVAL must be greater than 0")
	}
	if s.BatchSize <= 0 {
		validationErrors = append(validationErrors, "SETTLEMENT_BATCH_SIZE must be greater than 0")
	}
	if s.MaxRetries <= 0 {
		validationErrors = append(validationErrors, "SETTLEMENT_MAX_RETRIES must be greater than 0")
	}
	if s.FeePercentage.IsNegative() || s.FeePercentage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		validationErrors = append(validationErrors, "SETTLEMENT_FEE_PERCENTAGE must be in [0, 1)")
	}
	if !s.FeePercentage.Equal(s.FeePercentage.Round(6)) {
		validationErrors = append(validationErrors, "SETTLEMENT_FEE_PERCENTAGE must have at most 6 decimal places")
	}
	if s.GatewayTimeout <= 0 {
		validationErrors = append(validationErrors, "SETTLEMENT_GATEWAY_TIMEOUT must be greater than 0")
	}
	if s.GatewayTimeout > 0 && s.StaleAfter <= c.BatchDurationBound() {
		validationErrors = append(validationErrors,
			"SETTLEMENT_STALE_AFTER must exceed 2 * SETTLEMENT_GATEWAY_TIMEOUT * ceil(SETTLEMENT_BATCH_SIZE / WORKER_POOL_SIZE)")
	}
	if s.SweepInterval <= 0 {
		validationErrors = append(validationErrors, "SETTLEMENT_SWEEP_INTERVAL must be greater than 0")
	}

	if c.WorkerPool.Size <= 0 {
		validationErrors = append(validationErrors, "WORKER_POOL_SIZE must be greater than 0")
	}

	switch c.Partner.Mode {
	case "simulated":
	case "production":
		if c.Partner.BaseURL == "" {
			validationErrors = append(validationErrors, "PARTNER_BASE_URL is required in production mode")
		}
		if c.Partner.APIKey == "" {
			validationErrors = append(validationErrors, "PARTNER_API_KEY is required in production mode")
		}
	default:
		validationErrors = append(validationErrors, "PARTNER_MODE must be simulated or production")
	}
	if c.Partner.Timeout <= 0 {
		validationErrors = append(validationErrors, "PARTNER_TIMEOUT must be greater than 0")
	}
	if c.Partner.RateLimit < 0 {
		validationErrors = append(validationErrors, "PARTNER_RATE_LIMIT cannot be negative")
	}

	if len(validationErrors) > 0 {
		return errors.New(strings.Join(validationErrors, ", "))
	}

	return nil
}
