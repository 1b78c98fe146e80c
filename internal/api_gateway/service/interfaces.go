package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
	"github.com/stablecoin-settlement-engine/internal/partner"
	processor "github.com/stablecoin-settlement-engine/internal/settlement_processor/service"
)

// SettlementService exposes settlement queries and commands to the HTTP layer
type SettlementService interface {
	// CreateSettlement records a confirmed payment as a PENDING settlement.
	// Returns ErrDuplicatePaymentReference when the payment was already settled.
	CreateSettlement(ctx context.Context, req *settlement.CreateRequest) (*settlement.Record, error)

	// GetSettlement returns ErrSettlementNotFound if the id is unknown
	GetSettlement(ctx context.Context, id uuid.UUID) (*settlement.Record, error)

	ListAttempts(ctx context.Context, id uuid.UUID) ([]*settlement.Attempt, error)

	// GetTransferStatus polls the partner for the payout behind a settlement
	GetTransferStatus(ctx context.Context, id uuid.UUID) (*partner.TransferStatus, error)

	// ListByMerchant returns one page of a merchant's settlements, newest first, and the total count
	ListByMerchant(ctx context.Context, merchantID string, page, perPage int) ([]*settlement.Record, int64, error)
	ListByStatus(ctx context.Context, status settlement.Status, page, perPage int) ([]*settlement.Record, int64, error)
	MerchantStats(ctx context.Context, merchantID string) (*settlement.MerchantStats, error)

	// TriggerBatch runs one batch immediately. Returns processor.ErrBatchInProgress when one is already running.
	TriggerBatch(ctx context.Context) (*processor.BatchResult, error)
}

// AttemptReader is the read side of the attempt audit log
type AttemptReader interface {
	ListBySettlementID(ctx context.Context, settlementID uuid.UUID) ([]*settlement.Attempt, error)
}

// TransferStatusReader polls payouts at the partner
type TransferStatusReader interface {
	GetSettlementStatus(ctx context.Context, transferID string) (*partner.TransferStatus, error)
}
