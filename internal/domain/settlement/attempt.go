package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AttemptOutcome is the result of one processing attempt
type AttemptOutcome string

const (
	OutcomeSucceeded  AttemptOutcome = "succeeded"
	OutcomeRequeued   AttemptOutcome = "requeued"
	OutcomeFailed     AttemptOutcome = "failed"
	OutcomeReleased   AttemptOutcome = "released" // back to PENDING without spending a retry
	OutcomeUnresolved AttemptOutcome = "unresolved" // left in PROCESSING for the sweeper
)

// Attempt is an audit entry for one pass of a settlement through the partner
type Attempt struct {
	SettlementID   uuid.UUID      `json:"settlement_id" bson:"settlement_id"`
	BatchID        uuid.UUID      `json:"batch_id" bson:"batch_id"`
	AttemptNumber  int            `json:"attempt_number" bson:"attempt_number"`
	Outcome        AttemptOutcome `json:"outcome" bson:"outcome"`
	Reference      string         `json:"reference" bson:"reference"`
	TransferID     string         `json:"transfer_id,omitempty" bson:"transfer_id,omitempty"`
	ConversionRate string         `json:"conversion_rate,omitempty" bson:"conversion_rate,omitempty"`
	Error          string         `json:"error,omitempty" bson:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at" bson:"started_at"`
	FinishedAt     time.Time      `json:"finished_at" bson:"finished_at"`
}

// AttemptRepository persists the attempt audit log
type AttemptRepository interface {
	Create(ctx context.Context, attempt *Attempt) error
	ListBySettlementID(ctx context.Context, settlementID uuid.UUID) ([]*Attempt, error)
}
