package mongo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
)

const (
	// AttemptCollectionName is the name of the settlement attempt collection in MongoDB
	AttemptCollectionName = "settlement_attempts"
)

// AttemptRepository implements settlement.AttemptRepository for MongoDB.
// Documents are append-only; one per processing attempt.
type AttemptRepository struct {
	db     *mongo.Database
	logger *slog.Logger
}

// NewAttemptRepository creates a new MongoDB attempt repository
func NewAttemptRepository(logger *slog.Logger, db *mongo.Database) *AttemptRepository {
	return &AttemptRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureIndexes creates the lookup index used by ListBySettlementID
func (r *AttemptRepository) EnsureIndexes(ctx context.Context) error {
	collection := r.db.Collection(AttemptCollectionName)

	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "settlement_id", Value: 1}, {Key: "attempt_number", Value: 1}},
		Options: options.Index().SetName("settlement_attempt_idx"),
	})
	if err != nil {
		return fmt.Errorf("failed to create settlement attempt index: %w", err)
	}
	return nil
}

// Create appends an attempt to the audit log
func (r *AttemptRepository) Create(ctx context.Context, attempt *settlement.Attempt) error {
	collection := r.db.Collection(AttemptCollectionName)

	if _, err := collection.InsertOne(ctx, attempt); err != nil {
		r.logger.Error("Failed to record settlement attempt",
			"settlement_id", attempt.SettlementID.String(),
			"attempt", attempt.AttemptNumber,
			"error", err)
		return fmt.Errorf("failed to record settlement attempt: %w", err)
	}

	return nil
}

// ListBySettlementID returns the attempts of a settlement in attempt order
func (r *AttemptRepository) ListBySettlementID(ctx context.Context, settlementID uuid.UUID) ([]*settlement.Attempt, error) {
	collection := r.db.Collection(AttemptCollectionName)

	filter := bson.M{"settlement_id": settlementID}
	opts := options.Find().SetSort(bson.D{{Key: "attempt_number", Value: 1}, {Key: "started_at", Value: 1}})

	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		r.logger.Error("Failed to list settlement attempts",
			"settlement_id", settlementID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to list settlement attempts: %w", err)
	}
	defer cursor.Close(ctx)

	attempts := make([]*settlement.Attempt, 0)
	if err := cursor.All(ctx, &attempts); err != nil {
		r.logger.Error("Failed to decode settlement attempts",
			"settlement_id", settlementID.String(),
			"error", err)
		return nil, fmt.Errorf("failed to decode settlement attempts: %w", err)
	}

	return attempts, nil
}
