package service

import (
	"context"

	"github.com/stablecoin-settlement-engine/internal/domain/events"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
)

// SettlementOrchestrator drives settlements from creation to a terminal state
type SettlementOrchestrator interface {
	CreateSettlement(ctx context.Context, req *settlement.CreateRequest) (*settlement.Record, error)
	ProcessBatch(ctx context.Context) (*BatchResult, error)
}

// EventPublisher emits lifecycle signals for notification collaborators
type EventPublisher interface {
	PublishLifecycleEvent(ctx context.Context, evt *events.LifecycleEvent) error
}

// AttemptRecorder appends to the per-settlement attempt log
type AttemptRecorder interface {
	Create(ctx context.Context, attempt *settlement.Attempt) error
}

// BatchLock serializes batch runs. TryAcquire never blocks waiting for a holder.
type BatchLock interface {
	TryAcquire(ctx context.Context) (release func(), acquired bool, err error)
}

// RecordRunner executes the per-record tasks of one batch and returns once all have finished
type RecordRunner interface {
	RunAll(ctx context.Context, tasks []func(context.Context))
}
