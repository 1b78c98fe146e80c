package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
	"github.com/stablecoin-settlement-engine/internal/platform/persistence"
)

const uniqueViolation = "23505"

// SQLSTATE classes for data exceptions and integrity constraint violations
const (
	dataExceptionClass      = "22"
	integrityViolationClass = "23"
)

const settlementColumns = `id, payment_request_id, merchant_id, amount, currency, source_currency, conversion_rate,
		fee_amount, fee_percentage, net_amount, bank_account_number, bank_routing_number, bank_account_holder, bank_name,
		batch_id, batch_sequence, provider, provider_reference_id, settlement_reference, settlement_receipt,
		status, retry_count, max_retries, failure_reason, metadata, version, created_at, updated_at, processed_at, settled_at`

const (
	createSettlementQuery = `
		INSERT INTO settlements (id, payment_request_id, merchant_id, amount, currency, source_currency,
			fee_amount, fee_percentage, net_amount, bank_account_number, bank_routing_number, bank_account_holder, bank_name,
			provider, status, retry_count, max_retries, metadata, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	getSettlementByIDQuery = `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE id = $1
	`

	getSettlementByPaymentRequestQuery = `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE payment_request_id = $1
	`

	findPendingQuery = `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE status = 'PENDING' AND retry_count < max_retries
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`

	// A single conditional statement: rows another process already moved out of PENDING are not returned.
	claimBatchQuery = `
		UPDATE settlements
		SET status = 'PROCESSING',
			batch_id = $2,
			batch_sequence = array_position($1::uuid[], id),
			processed_at = $3,
			updated_at = $3,
			version = version + 1
		WHERE id = ANY($1::uuid[]) AND status = 'PENDING' AND retry_count < max_retries
		RETURNING id
	`

	updateStatusQuery = `
		UPDATE settlements
		SET status = $2,
			failure_reason = COALESCE($3, failure_reason),
			conversion_rate = COALESCE($4, conversion_rate),
			provider = COALESCE(NULLIF($5, ''), provider),
			provider_reference_id = COALESCE(NULLIF($6, ''), provider_reference_id),
			settlement_reference = COALESCE(NULLIF($7, ''), settlement_reference),
			settlement_receipt = COALESCE(NULLIF($8, ''), settlement_receipt),
			settled_at = $9,
			metadata = metadata || COALESCE($10::jsonb, '{}'::jsonb),
			updated_at = $11,
			version = version + 1
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')
		RETURNING ` + settlementColumns + `
	`

	incrementRetryQuery = `
		UPDATE settlements
		SET retry_count = retry_count + 1, updated_at = $2, version = version + 1
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')
		RETURNING ` + settlementColumns + `
	`

	getSettlementStatusQuery = `
		SELECT status FROM settlements WHERE id = $1
	`

	// A stale record whose retry budget is already spent is failed instead of revived.
	requeueStaleQuery = `
		UPDATE settlements
		SET status = CASE WHEN retry_count >= max_retries THEN 'FAILED' ELSE 'PENDING' END,
			failure_reason = CASE
				WHEN retry_count >= max_retries AND failure_reason = '' THEN $3
				ELSE failure_reason
			END,
			batch_id = CASE WHEN retry_count >= max_retries THEN batch_id END,
			batch_sequence = CASE WHEN retry_count >= max_retries THEN batch_sequence END,
			updated_at = $2,
			version = version + 1
		WHERE status = 'PROCESSING' AND processed_at < $1
	`

	listByMerchantQuery = `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE merchant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	countByMerchantQuery = `
		SELECT COUNT(*) FROM settlements WHERE merchant_id = $1
	`

	listByStatusQuery = `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3
	`

	countByStatusQuery = `
		SELECT COUNT(*) FROM settlements WHERE status = $1
	`

	merchantStatsQuery = `
		SELECT status, COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(fee_amount), 0), COALESCE(SUM(net_amount), 0)
		FROM settlements
		WHERE merchant_id = $1
		GROUP BY status
	`
)

// SettlementRepository implements settlement.Repository for PostgreSQL
type SettlementRepository struct {
	querier persistence.Querier
	logger  *slog.Logger
}

// NewSettlementRepository creates a new PostgreSQL settlement repository
func NewSettlementRepository(logger *slog.Logger, db *persistence.PostgresDB) settlement.Repository {
	return &SettlementRepository{
		querier: db.Pool(),
		logger:  logger,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (*settlement.Record, error) {
	var rec settlement.Record
	err := row.Scan(
		&rec.ID,
		&rec.PaymentRequestID,
		&rec.MerchantID,
		&rec.Amount,
		&rec.Currency,
		&rec.SourceCurrency,
		&rec.ConversionRate,
		&rec.FeeAmount,
		&rec.FeePercentage,
		&rec.NetAmount,
		&rec.BankDetails.AccountNumber,
		&rec.BankDetails.RoutingNumber,
		&rec.BankDetails.AccountHolderName,
		&rec.BankDetails.BankName,
		&rec.BatchID,
		&rec.BatchSequence,
		&rec.Provider,
		&rec.ProviderReferenceID,
		&rec.SettlementReference,
		&rec.SettlementReceipt,
		&rec.Status,
		&rec.RetryCount,
		&rec.MaxRetries,
		&rec.FailureReason,
		&rec.Metadata,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ProcessedAt,
		&rec.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create inserts a PENDING record. The unique index on payment_request_id makes creation idempotent.
func (r *SettlementRepository) Create(ctx context.Context, rec *settlement.Record) error {
	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	_, err := r.querier.Exec(ctx, createSettlementQuery,
		rec.ID,
		rec.PaymentRequestID,
		rec.MerchantID,
		rec.Amount,
		rec.Currency,
		rec.SourceCurrency,
		rec.FeeAmount,
		rec.FeePercentage,
		rec.NetAmount,
		rec.BankDetails.AccountNumber,
		rec.BankDetails.RoutingNumber,
		rec.BankDetails.AccountHolderName,
		rec.BankDetails.BankName,
		rec.Provider,
		rec.Status,
		rec.RetryCount,
		rec.MaxRetries,
		metadata,
		rec.Version,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == uniqueViolation {
				return settlement.ErrDuplicatePaymentReference{PaymentRequestID: rec.PaymentRequestID}
			}
			if class := sqlStateClass(pgErr.Code); class == dataExceptionClass || class == integrityViolationClass {
				r.logger.Error("Settlement rejected by database constraints",
					"settlement_id", rec.ID.String(),
					"payment_request_id", rec.PaymentRequestID,
					"sqlstate", pgErr.Code,
					"constraint", pgErr.ConstraintName,
					"error", err,
				)
				return settlement.ErrRejectedByStore{Cause: err}
			}
		}
		r.logger.Error("Failed to create settlement",
			"settlement_id", rec.ID.String(),
			"payment_request_id", rec.PaymentRequestID,
			"error", err,
		)
		return fmt.Errorf("failed to create settlement: %w", err)
	}

	return nil
}

func sqlStateClass(code string) string {
	if len(code) < 2 {
		return ""
	}
	return code[:2]
}

func (r *SettlementRepository) GetByID(ctx context.Context, id uuid.UUID) (*settlement.Record, error) {
	rec, err := scanSettlement(r.querier.QueryRow(ctx, getSettlementByIDQuery, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrSettlementNotFound{ID: id}
		}
		r.logger.Error("Failed to get settlement", "settlement_id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return rec, nil
}

func (r *SettlementRepository) GetByPaymentRequestID(ctx context.Context, paymentRequestID string) (*settlement.Record, error) {
	rec, err := scanSettlement(r.querier.QueryRow(ctx, getSettlementByPaymentRequestQuery, paymentRequestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrSettlementNotFound{}
		}
		r.logger.Error("Failed to get settlement by payment request",
			"payment_request_id", paymentRequestID,
			"error", err,
		)
		return nil, fmt.Errorf("failed to get settlement by payment request: %w", err)
	}
	return rec, nil
}

// FindPending returns the oldest PENDING records first
func (r *SettlementRepository) FindPending(ctx context.Context, limit int) ([]*settlement.Record, error) {
	return r.list(ctx, "pending settlements", findPendingQuery, limit)
}

// ClaimBatch stamps PROCESSING, processedAt, batchId and batchSequence on the still-PENDING ids
func (r *SettlementRepository) ClaimBatch(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.querier.Query(ctx, claimBatchQuery, ids, batchID, time.Now().UTC())
	if err != nil {
		r.logger.Error("Failed to claim settlement batch", "batch_id", batchID.String(), "error", err)
		return nil, fmt.Errorf("failed to claim settlement batch: %w", err)
	}
	defer rows.Close()

	claimed := make([]uuid.UUID, 0, len(ids))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan claimed settlement id: %w", err)
		}
		claimed = append(claimed, id)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("Error iterating over claimed settlements", "batch_id", batchID.String(), "error", err)
		return nil, fmt.Errorf("error iterating over claimed settlements: %w", err)
	}

	return claimed, nil
}

// UpdateStatus applies a transition. Returns ErrSettlementNotFound for unknown ids and
// ErrTerminalState when the record is already COMPLETED or FAILED.
func (r *SettlementRepository) UpdateStatus(ctx context.Context, id uuid.UUID, update settlement.StatusUpdate) (*settlement.Record, error) {
	now := time.Now().UTC()
	update.Normalize(now)

	var metadata any
	if len(update.Metadata) > 0 {
		metadata = update.Metadata
	}

	rec, err := scanSettlement(r.querier.QueryRow(ctx, updateStatusQuery,
		id,
		update.Status,
		update.FailureReason,
		update.ConversionRate,
		string(update.Provider),
		update.ProviderReferenceID,
		update.SettlementReference,
		update.SettlementReceipt,
		update.SettledAt,
		metadata,
		now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainMiss(ctx, id)
		}
		r.logger.Error("Failed to update settlement status",
			"settlement_id", id.String(),
			"status", string(update.Status),
			"error", err,
		)
		return nil, fmt.Errorf("failed to update settlement status: %w", err)
	}

	return rec, nil
}

// IncrementRetry bumps retryCount on a non-terminal record
func (r *SettlementRepository) IncrementRetry(ctx context.Context, id uuid.UUID) (*settlement.Record, error) {
	rec, err := scanSettlement(r.querier.QueryRow(ctx, incrementRetryQuery, id, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.explainMiss(ctx, id)
		}
		r.logger.Error("Failed to increment settlement retry count", "settlement_id", id.String(), "error", err)
		return nil, fmt.Errorf("failed to increment settlement retry count: %w", err)
	}
	return rec, nil
}

// explainMiss tells a missing record apart from a terminal one after a guarded update matched nothing
func (r *SettlementRepository) explainMiss(ctx context.Context, id uuid.UUID) error {
	var status settlement.Status
	err := r.querier.QueryRow(ctx, getSettlementStatusQuery, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.ErrSettlementNotFound{ID: id}
		}
		return fmt.Errorf("failed to read settlement status: %w", err)
	}
	return settlement.ErrTerminalState{ID: id, Status: status}
}

// RequeueStale returns records stuck in PROCESSING since before olderThan to PENDING.
// Records that have no retries left are moved to FAILED instead.
func (r *SettlementRepository) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.querier.Exec(ctx, requeueStaleQuery, olderThan, time.Now().UTC(), settlement.ReasonStaleRetriesExhausted)
	if err != nil {
		r.logger.Error("Failed to requeue stale settlements", "older_than", olderThan, "error", err)
		return 0, fmt.Errorf("failed to requeue stale settlements: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *SettlementRepository) ListByMerchant(ctx context.Context, merchantID string, limit, offset int) ([]*settlement.Record, int64, error) {
	records, err := r.list(ctx, "merchant settlements", listByMerchantQuery, merchantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := r.querier.QueryRow(ctx, countByMerchantQuery, merchantID).Scan(&total); err != nil {
		r.logger.Error("Failed to count merchant settlements", "merchant_id", merchantID, "error", err)
		return nil, 0, fmt.Errorf("failed to count merchant settlements: %w", err)
	}
	return records, total, nil
}

func (r *SettlementRepository) ListByStatus(ctx context.Context, status settlement.Status, limit, offset int) ([]*settlement.Record, int64, error) {
	records, err := r.list(ctx, "settlements by status", listByStatusQuery, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := r.querier.QueryRow(ctx, countByStatusQuery, status).Scan(&total); err != nil {
		r.logger.Error("Failed to count settlements by status", "status", string(status), "error", err)
		return nil, 0, fmt.Errorf("failed to count settlements by status: %w", err)
	}
	return records, total, nil
}

// StatsByMerchant aggregates counts and amounts per status for a merchant
func (r *SettlementRepository) StatsByMerchant(ctx context.Context, merchantID string) (*settlement.MerchantStats, error) {
	rows, err := r.querier.Query(ctx, merchantStatsQuery, merchantID)
	if err != nil {
		r.logger.Error("Failed to query merchant stats", "merchant_id", merchantID, "error", err)
		return nil, fmt.Errorf("failed to query merchant stats: %w", err)
	}
	defer rows.Close()

	stats := settlement.NewMerchantStats(merchantID)
	for rows.Next() {
		var status settlement.Status
		var totals settlement.StatusTotals
		if err := rows.Scan(&status, &totals.Count, &totals.Amount, &totals.FeeAmount, &totals.NetAmount); err != nil {
			return nil, fmt.Errorf("failed to scan merchant stats: %w", err)
		}
		stats.Add(status, totals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over merchant stats: %w", err)
	}

	return stats, nil
}

func (r *SettlementRepository) list(ctx context.Context, what, query string, args ...any) ([]*settlement.Record, error) {
	rows, err := r.querier.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query "+what, "error", err)
		return nil, fmt.Errorf("failed to query %s: %w", what, err)
	}
	defer rows.Close()

	var records []*settlement.Record
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			r.logger.Error("Failed to scan settlement", "error", err)
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("Error iterating over "+what, "error", err)
		return nil, fmt.Errorf("error iterating over %s: %w", what, err)
	}

	return records, nil
}
