package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stablecoin-settlement-engine/internal/config"
	"github.com/stablecoin-settlement-engine/internal/domain/events"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
	applog "github.com/stablecoin-settlement-engine/internal/logger"
	"github.com/stablecoin-settlement-engine/internal/partner"
)

// ErrBatchInProgress is returned when another batch holds the batch lock
var ErrBatchInProgress = errors.New("a settlement batch is already in progress")

const (
	defaultBatchSize      = 50
	defaultGatewayTimeout = 30 * time.Second
)

type OrchestratorConfig struct {
	BatchSize      int
	MaxRetries     int
	FeePercentage  decimal.Decimal
	GatewayTimeout time.Duration

	// DefaultProvider is stamped on requests that do not name a rail
	DefaultProvider settlement.Provider
}

// NewOrchestratorConfig reads the batch and retry policy from the settlement section
func NewOrchestratorConfig(cfg *config.SettlementConfig) OrchestratorConfig {
	return OrchestratorConfig{
		BatchSize:      cfg.BatchSize,
		MaxRetries:     cfg.MaxRetries,
		FeePercentage:  cfg.FeePercentage,
		GatewayTimeout: cfg.GatewayTimeout,

		DefaultProvider: settlement.Provider(cfg.Provider),
	}
}

// BatchResult summarizes one processBatch pass
type BatchResult struct {
	BatchID    uuid.UUID     `json:"batch_id"`
	Requested  int           `json:"requested"`
	Claimed    int           `json:"claimed"`
	Completed  int           `json:"completed"`
	Requeued   int           `json:"requeued"`
	Failed     int           `json:"failed"`
	Released   int           `json:"released"`
	Unresolved int           `json:"unresolved"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

func (r *BatchResult) record(outcome settlement.AttemptOutcome) {
	switch outcome {
	case settlement.OutcomeSucceeded:
		r.Completed++
	case settlement.OutcomeRequeued:
		r.Requeued++
	case settlement.OutcomeFailed:
		r.Failed++
	case settlement.OutcomeReleased:
		r.Released++
	default:
		r.Unresolved++
	}
}

// Orchestrator implements SettlementOrchestrator.
// Records are claimed into PROCESSING before any partner call and resolved within the same pass.
type Orchestrator struct {
	cfg       OrchestratorConfig
	repo      settlement.Repository
	gateway   partner.Gateway
	attempts  AttemptRecorder
	publisher EventPublisher
	lock      BatchLock
	runner    RecordRunner
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator wires the orchestrator. attempts and publisher may be nil; a nil lock
// falls back to an in-process lock and a nil runner processes records sequentially.
func NewOrchestrator(
	cfg OrchestratorConfig,
	repo settlement.Repository,
	gateway partner.Gateway,
	attempts AttemptRecorder,
	publisher EventPublisher,
	lock BatchLock,
	runner RecordRunner,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = settlement.DefaultMaxRetries
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if lock == nil {
		lock = &LocalBatchLock{}
	}
	if runner == nil {
		runner = SequentialRunner{}
	}

	return &Orchestrator{
		cfg:       cfg,
		repo:      repo,
		gateway:   gateway,
		attempts:  attempts,
		publisher: publisher,
		lock:      lock,
		runner:    runner,
		logger:    logger.With("component", "settlement_orchestrator"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateSettlement quotes the spot rate and persists a PENDING record. Any error
// returned leaves the store untouched.
func (o *Orchestrator) CreateSettlement(ctx context.Context, req *settlement.CreateRequest) (*settlement.Record, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = applog.CorrelationID(ctx)
	}
	logger := o.logger
	if req.CorrelationID != "" {
		logger = logger.With("correlation_id", req.CorrelationID)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = o.cfg.DefaultProvider
	}

	existing, err := o.repo.GetByPaymentRequestID(ctx, req.PaymentRequestID)
	switch {
	case err == nil && existing != nil:
		logger.Info("Settlement already exists for payment",
			"payment_request_id", req.PaymentRequestID,
			"settlement_id", existing.ID.String(),
		)
		return nil, settlement.ErrDuplicatePaymentReference{PaymentRequestID: req.PaymentRequestID}
	case err != nil && !errors.Is(err, settlement.ErrSettlementNotFound{}):
		return nil, err
	}

	rate, err := o.quoteRate(ctx, req.SourceCurrency, req.Currency)
	if err != nil {
		logger.Error("Failed to quote exchange rate, settlement not created",
			"payment_request_id", req.PaymentRequestID,
			"source_currency", req.SourceCurrency,
			"currency", req.Currency,
			"error", err,
		)
		return nil, fmt.Errorf("failed to quote exchange rate: %w", err)
	}

	rec, err := settlement.NewRecord(req, o.cfg.FeePercentage, o.cfg.MaxRetries, rate)
	if err != nil {
		return nil, err
	}

	if err := o.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	logger.Info("Settlement created",
		"settlement_id", rec.ID.String(),
		"payment_request_id", rec.PaymentRequestID,
		"merchant_id", rec.MerchantID,
		"amount", rec.Amount.String(),
		"fee_amount", rec.FeeAmount.String(),
		"net_amount", rec.NetAmount.String(),
		"currency", rec.Currency,
	)
	o.publish(ctx, events.PaymentConfirmed, rec)
	return rec, nil
}

func (o *Orchestrator) quoteRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	defer cancel()
	rate, err := o.gateway.GetExchangeRate(callCtx, from, to)
	return rate, partner.MapContextError(callCtx, err)
}

// ProcessBatch claims up to BatchSize of the oldest PENDING records and resolves each one.
// Only errors from the claim phase are returned; per-record failures become status transitions.
func (o *Orchestrator) ProcessBatch(ctx context.Context) (*BatchResult, error) {
	release, acquired, err := o.lock.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire batch lock: %w", err)
	}
	if !acquired {
		return nil, ErrBatchInProgress
	}
	defer release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &BatchResult{BatchID: uuid.New(), StartedAt: o.now()}
	logger := o.logger.With("batch_id", result.BatchID.String())

	pending, err := o.repo.FindPending(ctx, o.cfg.BatchSize)
	if err != nil {
		logger.Error("Failed to fetch pending settlements", "error", err)
		return nil, fmt.Errorf("failed to fetch pending settlements: %w", err)
	}
	result.Requested = len(pending)
	if len(pending) == 0 {
		logger.Debug("No pending settlements to process")
		result.Duration = o.now().Sub(result.StartedAt)
		return result, nil
	}

	ids := make([]uuid.UUID, len(pending))
	for i, rec := range pending {
		ids[i] = rec.ID
	}

	claimedIDs, err := o.repo.ClaimBatch(ctx, ids, result.BatchID)
	if err != nil {
		logger.Error("Failed to claim settlement batch", "requested", len(ids), "error", err)
		return nil, fmt.Errorf("failed to claim settlement batch: %w", err)
	}
	result.Claimed = len(claimedIDs)
	if result.Claimed < result.Requested {
		logger.Warn("Partial batch claim, another process took some records",
			"requested", result.Requested,
			"claimed", result.Claimed,
		)
	}

	claimed := o.claimedRecords(pending, claimedIDs, result.BatchID, result.StartedAt)
	logger.Info("Settlement batch claimed", "claimed", len(claimed))

	var mu sync.Mutex
	tasks := make([]func(context.Context), len(claimed))
	for i, rec := range claimed {
		rec := rec
		o.publish(ctx, events.PaymentSettling, rec)
		tasks[i] = func(ctx context.Context) {
			outcome := o.processOne(ctx, result.BatchID, rec)
			mu.Lock()
			result.record(outcome)
			mu.Unlock()
		}
	}
	o.runner.RunAll(ctx, tasks)

	result.Duration = o.now().Sub(result.StartedAt)
	logger.Info("Settlement batch finished",
		"claimed", result.Claimed,
		"completed", result.Completed,
		"requeued", result.Requeued,
		"failed", result.Failed,
		"released", result.Released,
		"unresolved", result.Unresolved,
		"duration", result.Duration.String(),
	)
	return result, nil
}

// claimedRecords keeps the fetched records that were actually claimed, stamped the way the store stamped them
func (o *Orchestrator) claimedRecords(pending []*settlement.Record, claimedIDs []uuid.UUID, batchID uuid.UUID, processedAt time.Time) []*settlement.Record {
	won := make(map[uuid.UUID]struct{}, len(claimedIDs))
	for _, id := range claimedIDs {
		won[id] = struct{}{}
	}

	claimed := make([]*settlement.Record, 0, len(claimedIDs))
	for i, rec := range pending {
		if _, ok := won[rec.ID]; !ok {
			continue
		}
		seq := i + 1
		bid := batchID
		at := processedAt
		rec.Status = settlement.StatusProcessing
		rec.BatchID = &bid
		rec.BatchSequence = &seq
		rec.ProcessedAt = &at
		claimed = append(claimed, rec)
	}
	return claimed
}

// processOne converts and transfers one claimed record and persists the outcome.
// Store writes after the partner call ignore cancellation of ctx so a shutdown does
// not strand a record whose transfer was already accepted. A canceled ctx is never
// charged to the record: it goes back to PENDING with its retry count untouched.
func (o *Orchestrator) processOne(ctx context.Context, batchID uuid.UUID, rec *settlement.Record) settlement.AttemptOutcome {
	logger := o.logger.With(
		"settlement_id", rec.ID.String(),
		"batch_id", batchID.String(),
	)
	if cid := rec.CorrelationID(); cid != "" {
		logger = logger.With("correlation_id", cid)
	}
	storeCtx := context.WithoutCancel(ctx)

	if err := ctx.Err(); err != nil {
		return o.release(storeCtx, logger, rec, err)
	}

	attempt := &settlement.Attempt{
		SettlementID:  rec.ID,
		BatchID:       batchID,
		AttemptNumber: rec.RetryCount + 1,
		Reference:     rec.TransferReference(),
		StartedAt:     o.now(),
	}

	conversion, err := o.convert(ctx, rec)
	if err != nil {
		attempt.Error = err.Error()
		if ctx.Err() != nil {
			attempt.Outcome = o.release(storeCtx, logger, rec, err)
		} else {
			attempt.Outcome = o.handleFailure(storeCtx, logger, rec, err, nil)
		}
		o.recordAttempt(storeCtx, logger, attempt)
		return attempt.Outcome
	}
	attempt.ConversionRate = conversion.Rate.String()

	transfer, err := o.transfer(ctx, rec)
	if err != nil {
		attempt.Error = err.Error()
		if ctx.Err() != nil {
			attempt.Outcome = o.release(storeCtx, logger, rec, err)
		} else {
			attempt.Outcome = o.handleFailure(storeCtx, logger, rec, err, &conversion.Rate)
		}
		o.recordAttempt(storeCtx, logger, attempt)
		return attempt.Outcome
	}
	attempt.TransferID = transfer.TransferID

	rate := conversion.Rate
	updated, err := o.repo.UpdateStatus(storeCtx, rec.ID, settlement.StatusUpdate{
		Status:              settlement.StatusCompleted,
		ConversionRate:      &rate,
		ProviderReferenceID: transfer.TransferID,
		SettlementReference: rec.TransferReference(),
		SettlementReceipt:   settlement.ReceiptFor(transfer.TransferID),
		Metadata: map[string]any{
			"converted_amount": conversion.TargetAmount.String(),
			"conversion_fee":   conversion.Fee.String(),
			"transfer_status":  string(transfer.Status),
		},
	})
	if err != nil {
		logger.Error("Transfer accepted but completion could not be stored, leaving for reconciliation",
			"transfer_id", transfer.TransferID,
			"error", err,
		)
		attempt.Error = err.Error()
		attempt.Outcome = settlement.OutcomeUnresolved
		o.recordAttempt(storeCtx, logger, attempt)
		return attempt.Outcome
	}

	logger.Info("Settlement completed",
		"transfer_id", transfer.TransferID,
		"settlement_reference", updated.SettlementReference,
		"net_amount", updated.NetAmount.String(),
		"currency", updated.Currency,
		"retry_count", updated.RetryCount,
	)
	attempt.Outcome = settlement.OutcomeSucceeded
	o.recordAttempt(storeCtx, logger, attempt)
	o.publish(storeCtx, events.PaymentSettled, updated)
	return attempt.Outcome
}

func (o *Orchestrator) convert(ctx context.Context, rec *settlement.Record) (*partner.Conversion, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	defer cancel()
	conversion, err := o.gateway.ConvertToFiat(callCtx, rec.NetAmount, rec.SourceCurrency, rec.Currency, rec.ConversionReference())
	if err != nil {
		return nil, partner.MapContextError(callCtx, err)
	}
	return conversion, nil
}

// transfer pays out NetAmount, which is already denominated in the settlement currency.
// The conversion's TargetAmount is kept in metadata for reconciliation only.
func (o *Orchestrator) transfer(ctx context.Context, rec *settlement.Record) (*partner.Transfer, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	defer cancel()
	transfer, err := o.gateway.InitiateBankTransfer(callCtx, partner.TransferRequest{
		Amount:   rec.NetAmount,
		Currency: rec.Currency,
		Recipient: partner.Recipient{
			AccountNumber:     rec.BankDetails.AccountNumber,
			RoutingNumber:     rec.BankDetails.RoutingNumber,
			AccountHolderName: rec.BankDetails.AccountHolderName,
			BankName:          rec.BankDetails.BankName,
		},
		Reference: rec.TransferReference(),
	})
	if err != nil {
		return nil, partner.MapContextError(callCtx, err)
	}
	return transfer, nil
}

// handleFailure spends one retry and moves the record back to PENDING, or to FAILED once
// the budget is used up. The cause text is stored as the failure reason either way.
func (o *Orchestrator) handleFailure(ctx context.Context, logger *slog.Logger, rec *settlement.Record, cause error, rate *decimal.Decimal) settlement.AttemptOutcome {
	if partner.IsTransient(cause) {
		logger.Warn("Partner call failed with a transient error", "error", cause)
	} else {
		logger.Error("Partner rejected settlement", "error", cause)
	}

	bumped, err := o.repo.IncrementRetry(ctx, rec.ID)
	if err != nil {
		logger.Error("Failed to increment retry count, leaving for reconciliation", "error", err)
		return settlement.OutcomeUnresolved
	}

	next := settlement.StatusPending
	outcome := settlement.OutcomeRequeued
	if bumped.RetriesExhausted() {
		next = settlement.StatusFailed
		outcome = settlement.OutcomeFailed
	}

	reason := cause.Error()
	updated, err := o.repo.UpdateStatus(ctx, rec.ID, settlement.StatusUpdate{
		Status:         next,
		FailureReason:  &reason,
		ConversionRate: rate,
	})
	if err != nil {
		logger.Error("Failed to store failure transition, leaving for reconciliation",
			"target_status", string(next),
			"error", err,
		)
		return settlement.OutcomeUnresolved
	}

	if next == settlement.StatusFailed {
		logger.Warn("Settlement failed permanently, retries exhausted",
			"retry_count", updated.RetryCount,
			"max_retries", updated.MaxRetries,
			"failure_reason", reason,
		)
	} else {
		logger.Info("Settlement requeued for retry",
			"retry_count", updated.RetryCount,
			"max_retries", updated.MaxRetries,
		)
	}
	o.publish(ctx, events.PaymentFailed, updated)
	return outcome
}

// release returns a record whose batch was canceled to PENDING. Both partner calls carry
// idempotency keys, so a later attempt cannot convert or pay twice.
func (o *Orchestrator) release(ctx context.Context, logger *slog.Logger, rec *settlement.Record, cause error) settlement.AttemptOutcome {
	if _, err := o.repo.UpdateStatus(ctx, rec.ID, settlement.StatusUpdate{Status: settlement.StatusPending}); err != nil {
		logger.Error("Failed to release settlement, leaving for the sweeper", "error", err)
		return settlement.OutcomeUnresolved
	}
	logger.Warn("Batch canceled, settlement released without spending a retry",
		"retry_count", rec.RetryCount,
		"cause", cause,
	)
	return settlement.OutcomeReleased
}

func (o *Orchestrator) recordAttempt(ctx context.Context, logger *slog.Logger, attempt *settlement.Attempt) {
	if o.attempts == nil {
		return
	}
	attempt.FinishedAt = o.now()
	if err := o.attempts.Create(ctx, attempt); err != nil {
		logger.Warn("Failed to record settlement attempt", "attempt", attempt.AttemptNumber, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType events.Type, rec *settlement.Record) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishLifecycleEvent(ctx, events.NewLifecycleEvent(eventType, rec)); err != nil {
		o.logger.Warn("Failed to publish lifecycle event",
			"event_type", string(eventType),
			"settlement_id", rec.ID.String(),
			"error", err,
		)
	}
}
