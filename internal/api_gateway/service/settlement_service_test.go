package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stablecoin-settlement-engine/internal/data/memory"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
	"github.com/stablecoin-settlement-engine/internal/partner"
	processor "github.com/stablecoin-settlement-engine/internal/settlement_processor/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockAttemptReader struct {
	mock.Mock
}

func (m *MockAttemptReader) ListBySettlementID(ctx context.Context, settlementID uuid.UUID) ([]*settlement.Attempt, error) {
	args := m.Called(ctx, settlementID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*settlement.Attempt), args.Error(1)
}

type testEnv struct {
	repo     *memory.SettlementRepository
	gateway  *partner.SimulatedGateway
	attempts *MockAttemptReader
	svc      SettlementService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	env := &testEnv{
		repo:     memory.NewSettlementRepository(),
		attempts: new(MockAttemptReader),
	}
	env.gateway = partner.NewSimulatedGateway(partner.SimulatedConfig{FeePercentage: decimal.Zero}, nil, logger)
	orch := processor.NewOrchestrator(processor.OrchestratorConfig{
		BatchSize:      10,
		MaxRetries:     3,
		FeePercentage:  settlement.DefaultFeePercentage,
		GatewayTimeout: time.Second,
	}, env.repo, env.gateway, nil, nil, nil, nil, logger)
	env.svc = NewSettlementService(logger, orch, env.repo, env.attempts, env.gateway, time.Second)
	return env
}

func newCreateRequest(paymentID, merchantID string) *settlement.CreateRequest {
	return &settlement.CreateRequest{
		PaymentRequestID: paymentID,
		MerchantID:       merchantID,
		Amount:           decimal.RequireFromString("250.00"),
		Currency:         "USD",
		SourceCurrency:   "USDC",
		BankDetails: settlement.BankDetails{
			AccountNumber:     "000123456789",
			RoutingNumber:     "021000021",
			AccountHolderName: "Acme Ltd",
		},
	}
}

func TestSettlementService_CreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateSettlement(ctx, newCreateRequest("pay-1", "m-1"))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, rec.Status)
	assert.True(t, rec.FeeAmount.Equal(decimal.RequireFromString("2.5")))

	got, err := env.svc.GetSettlement(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = env.svc.CreateSettlement(ctx, newCreateRequest("pay-1", "m-1"))
	assert.ErrorIs(t, err, settlement.ErrDuplicatePaymentReference{})

	_, err = env.svc.GetSettlement(ctx, uuid.New())
	assert.ErrorIs(t, err, settlement.ErrSettlementNotFound{})
}

func TestSettlementService_TransferStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateSettlement(ctx, newCreateRequest("pay-1", "m-1"))
	require.NoError(t, err)

	_, err = env.svc.GetTransferStatus(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNoTransfer, "pending settlements have no transfer")

	result, err := env.svc.TriggerBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	status, err := env.svc.GetTransferStatus(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, partner.TransferCompleted, status.Status)

	_, err = env.svc.GetTransferStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, settlement.ErrSettlementNotFound{})
}

func TestSettlementService_TriggerBatchSurvivesDroppedRequest(t *testing.T) {
	env := newTestEnv(t)

	rec, err := env.svc.CreateSettlement(context.Background(), newCreateRequest("pay-1", "m-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := env.svc.TriggerBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)
	assert.Zero(t, result.Released)

	got, err := env.repo.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestSettlementService_ListAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.svc.CreateSettlement(ctx, newCreateRequest("pay-1", "m-1"))
	require.NoError(t, err)

	attempts := []*settlement.Attempt{{SettlementID: rec.ID, AttemptNumber: 1, Outcome: settlement.OutcomeSucceeded}}
	env.attempts.On("ListBySettlementID", mock.Anything, rec.ID).Return(attempts, nil).Once()

	got, err := env.svc.ListAttempts(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, attempts, got)

	_, err = env.svc.ListAttempts(ctx, uuid.New())
	assert.ErrorIs(t, err, settlement.ErrSettlementNotFound{})

	env.attempts.On("ListBySettlementID", mock.Anything, rec.ID).Return(nil, errors.New("mongo down")).Once()
	_, err = env.svc.ListAttempts(ctx, rec.ID)
	assert.ErrorContains(t, err, "mongo down")

	env.attempts.AssertExpectations(t)
}

func TestSettlementService_ListingAndStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.svc.CreateSettlement(ctx, newCreateRequest(fmt.Sprintf("pay-%d", i), "m-1"))
		require.NoError(t, err)
	}
	_, err := env.svc.CreateSettlement(ctx, newCreateRequest("other", "m-2"))
	require.NoError(t, err)

	page, total, err := env.svc.ListByMerchant(ctx, "m-1", 2, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, page, 2)

	last, _, err := env.svc.ListByMerchant(ctx, "m-1", 3, 2)
	require.NoError(t, err)
	assert.Len(t, last, 1)

	pending, total, err := env.svc.ListByStatus(ctx, settlement.StatusPending, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 6, total)
	assert.Len(t, pending, 6)

	stats, err := env.svc.MerchantStats(ctx, "m-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.Total.Count)
	assert.EqualValues(t, 5, stats.ByStatus[settlement.StatusPending].Count)
	assert.True(t, stats.Total.Amount.Equal(decimal.NewFromInt(1250)))
}

func TestOffset(t *testing.T) {
	assert.Equal(t, 0, offset(0, 10))
	assert.Equal(t, 0, offset(1, 10))
	assert.Equal(t, 20, offset(3, 10))
}
