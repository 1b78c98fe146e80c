package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
	applog "github.com/stablecoin-settlement-engine/internal/logger"
	"github.com/stablecoin-settlement-engine/internal/partner"
	processor "github.com/stablecoin-settlement-engine/internal/settlement_processor/service"
)

// ErrNoTransfer indicates the settlement has not reached the partner yet
var ErrNoTransfer = errors.New("settlement has no partner transfer yet")

const defaultStatusTimeout = 10 * time.Second

type settlementService struct {
	logger        *slog.Logger
	orchestrator  processor.SettlementOrchestrator
	repo          settlement.Repository
	attempts      AttemptReader
	transfers     TransferStatusReader
	statusTimeout time.Duration
}

// NewSettlementService creates the service backing the settlement HTTP API
func NewSettlementService(
	logger *slog.Logger,
	orchestrator processor.SettlementOrchestrator,
	repo settlement.Repository,
	attempts AttemptReader,
	transfers TransferStatusReader,
	statusTimeout time.Duration,
) SettlementService {
	if statusTimeout <= 0 {
		statusTimeout = defaultStatusTimeout
	}
	return &settlementService{
		logger:        logger.With("component", "settlement_service"),
		orchestrator:  orchestrator,
		repo:          repo,
		attempts:      attempts,
		transfers:     transfers,
		statusTimeout: statusTimeout,
	}
}

func (s *settlementService) CreateSettlement(ctx context.Context, req *settlement.CreateRequest) (*settlement.Record, error) {
	return s.orchestrator.CreateSettlement(ctx, req)
}

func (s *settlementService) GetSettlement(ctx context.Context, id uuid.UUID) (*settlement.Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *settlementService) ListAttempts(ctx context.Context, id uuid.UUID) ([]*settlement.Attempt, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	attempts, err := s.attempts.ListBySettlementID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}

func (s *settlementService) GetTransferStatus(ctx context.Context, id uuid.UUID) (*partner.TransferStatus, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.ProviderReferenceID == "" {
		return nil, ErrNoTransfer
	}

	callCtx, cancel := context.WithTimeout(ctx, s.statusTimeout)
	defer cancel()
	status, err := s.transfers.GetSettlementStatus(callCtx, rec.ProviderReferenceID)
	if err != nil {
		err = partner.MapContextError(callCtx, err)
		applog.FromContext(ctx, s.logger).Warn("Failed to poll transfer status",
			"settlement_id", id.String(),
			"transfer_id", rec.ProviderReferenceID,
			"error", err,
		)
		return nil, err
	}
	return status, nil
}

func (s *settlementService) ListByMerchant(ctx context.Context, merchantID string, page, perPage int) ([]*settlement.Record, int64, error) {
	return s.repo.ListByMerchant(ctx, merchantID, perPage, offset(page, perPage))
}

func (s *settlementService) ListByStatus(ctx context.Context, status settlement.Status, page, perPage int) ([]*settlement.Record, int64, error) {
	return s.repo.ListByStatus(ctx, status, perPage, offset(page, perPage))
}

func (s *settlementService) MerchantStats(ctx context.Context, merchantID string) (*settlement.MerchantStats, error) {
	return s.repo.StatsByMerchant(ctx, merchantID)
}

func (s *settlementService) TriggerBatch(ctx context.Context) (*processor.BatchResult, error) {
	applog.FromContext(ctx, s.logger).Info("Manual settlement batch requested")
	// the batch outlives a dropped HTTP connection
	return s.orchestrator.ProcessBatch(context.WithoutCancel(ctx))
}

func offset(page, perPage int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * perPage
}
