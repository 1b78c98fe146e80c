package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stablecoin-settlement-engine/internal/data/memory"
	"github.com/stablecoin-settlement-engine/internal/domain/events"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
	"github.com/stablecoin-settlement-engine/internal/partner"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.LifecycleEvent
	err    error
}

func (p *recordingPublisher) PublishLifecycleEvent(_ context.Context, evt *events.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) ofType(t events.Type) []*events.LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.LifecycleEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingAttempts struct {
	mu       sync.Mutex
	attempts []*settlement.Attempt
}

func (r *recordingAttempts) Create(_ context.Context, a *settlement.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

func (r *recordingAttempts) forSettlement(id uuid.UUID) []*settlement.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*settlement.Attempt
	for _, a := range r.attempts {
		if a.SettlementID == id {
			out = append(out, a)
		}
	}
	return out
}

// faultyRepo injects store failures around a real store
type faultyRepo struct {
	settlement.Repository
	mu             sync.Mutex
	claimErr       error
	failCompletion int
	failTerminal   int
	beforeClaim    func(ids []uuid.UUID)
}

func (r *faultyRepo) ClaimBatch(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) ([]uuid.UUID, error) {
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	if r.beforeClaim != nil {
		r.beforeClaim(ids)
	}
	return r.Repository.ClaimBatch(ctx, ids, batchID)
}

func (r *faultyRepo) UpdateStatus(ctx context.Context, id uuid.UUID, update settlement.StatusUpdate) (*settlement.Record, error) {
	r.mu.Lock()
	if update.Status == settlement.StatusCompleted && r.failCompletion > 0 {
		r.failCompletion--
		r.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	if update.Status == settlement.StatusFailed && r.failTerminal > 0 {
		r.failTerminal--
		r.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	r.mu.Unlock()
	return r.Repository.UpdateStatus(ctx, id, update)
}

type fixture struct {
	repo      *memory.SettlementRepository
	book      *partner.TransferBook
	gateway   *partner.SimulatedGateway
	publisher *recordingPublisher
	attempts  *recordingAttempts
	orch      *Orchestrator
}

func testConfig() OrchestratorConfig {
	return OrchestratorConfig{
		BatchSize:      50,
		MaxRetries:     3,
		FeePercentage:  settlement.DefaultFeePercentage,
		GatewayTimeout: time.Second,
	}
}

func newFixture(t *testing.T, cfg OrchestratorConfig) *fixture {
	t.Helper()
	f := &fixture{
		repo:      memory.NewSettlementRepository(),
		book:      partner.NewTransferBook(),
		publisher: &recordingPublisher{},
		attempts:  &recordingAttempts{},
	}
	f.gateway = partner.NewSimulatedGateway(partner.SimulatedConfig{
		FeePercentage: decimal.RequireFromString("0.005"),
	}, f.book, newTestLogger())
	f.orch = NewOrchestrator(cfg, f.repo, f.gateway, f.attempts, f.publisher, nil, nil, newTestLogger())
	return f
}

func createRequest(paymentID string) *settlement.CreateRequest {
	return &settlement.CreateRequest{
		PaymentRequestID: paymentID,
		MerchantID:       "merchant-1",
		Amount:           decimal.RequireFromString("1000.50"),
		Currency:         "USD",
		SourceCurrency:   "USDC",
		BankDetails: settlement.BankDetails{
			AccountNumber:     "000123456789",
			RoutingNumber:     "021000021",
			AccountHolderName: "Acme Ltd",
			BankName:          "First Bank",
		},
	}
}

// seedPending stores n PENDING records with strictly increasing creation times
func seedPending(t *testing.T, repo settlement.Repository, n int) []*settlement.Record {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*settlement.Record, n)
	for i := 0; i < n; i++ {
		rec, err := settlement.NewRecord(createRequest(fmt.Sprintf("pay-%03d", i)), settlement.DefaultFeePercentage, 3, decimal.NewFromInt(1))
		require.NoError(t, err)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		rec.UpdatedAt = rec.CreatedAt
		require.NoError(t, repo.Create(context.Background(), rec))
		out[i] = rec
	}
	return out
}

func mustGet(t *testing.T, repo settlement.Repository, id uuid.UUID) *settlement.Record {
	t.Helper()
	rec, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return rec
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) ConvertToFiat(ctx context.Context, sourceAmount decimal.Decimal, sourceCurrency, targetCurrency, reference string) (*partner.Conversion, error) {
	args := m.Called(ctx, sourceAmount, sourceCurrency, targetCurrency, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*partner.Conversion), args.Error(1)
}

func (m *MockGateway) InitiateBankTransfer(ctx context.Context, req partner.TransferRequest) (*partner.Transfer, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*partner.Transfer), args.Error(1)
}

func (m *MockGateway) GetSettlementStatus(ctx context.Context, transferID string) (*partner.TransferStatus, error) {
	args := m.Called(ctx, transferID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*partner.TransferStatus), args.Error(1)
}

func (m *MockGateway) GetExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	args := m.Called(ctx, from, to)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}
