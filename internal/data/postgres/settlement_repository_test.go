package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var settlementColumnNames = []string{
	"id", "payment_request_id", "merchant_id", "amount", "currency", "source_currency", "conversion_rate",
	"fee_amount", "fee_percentage", "net_amount", "bank_account_number", "bank_routing_number", "bank_account_holder", "bank_name",
	"batch_id", "batch_sequence", "provider", "provider_reference_id", "settlement_reference", "settlement_receipt",
	"status", "retry_count", "max_retries", "failure_reason", "metadata", "version", "created_at", "updated_at", "processed_at", "settled_at",
}

func newTestRecord() *settlement.Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &settlement.Record{
		ID:               uuid.New(),
		PaymentRequestID: "pr_" + uuid.NewString(),
		MerchantID:       "merchant_1",
		Amount:           decimal.RequireFromString("1000.50"),
		Currency:         "USD",
		SourceCurrency:   "USDC",
		FeeAmount:        decimal.RequireFromString("10.005"),
		FeePercentage:    decimal.RequireFromString("0.01"),
		NetAmount:        decimal.RequireFromString("990.495"),
		BankDetails: settlement.BankDetails{
			AccountNumber:     "000123456789",
			RoutingNumber:     "021000021",
			AccountHolderName: "Acme Ltd",
			BankName:          "Chase",
		},
		Provider:   settlement.ProviderBankAPI,
		Status:     settlement.StatusPending,
		MaxRetries: 3,
		Metadata:   map[string]any{"quoted_exchange_rate": "1"},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// settlementRow returns the row values in column order; nil pointers stay untyped nil
func settlementRow(rec *settlement.Record) []any {
	var conversionRate, batchID, batchSequence, processedAt, settledAt any
	if rec.ConversionRate != nil {
		conversionRate = rec.ConversionRate
	}
	if rec.BatchID != nil {
		batchID = rec.BatchID
	}
	if rec.BatchSequence != nil {
		batchSequence = rec.BatchSequence
	}
	if rec.ProcessedAt != nil {
		processedAt = rec.ProcessedAt
	}
	if rec.SettledAt != nil {
		settledAt = rec.SettledAt
	}
	return []any{
		rec.ID, rec.PaymentRequestID, rec.MerchantID, rec.Amount, rec.Currency, rec.SourceCurrency, conversionRate,
		rec.FeeAmount, rec.FeePercentage, rec.NetAmount, rec.BankDetails.AccountNumber, rec.BankDetails.RoutingNumber,
		rec.BankDetails.AccountHolderName, rec.BankDetails.BankName,
		batchID, batchSequence, rec.Provider, rec.ProviderReferenceID, rec.SettlementReference, rec.SettlementReceipt,
		rec.Status, rec.RetryCount, rec.MaxRetries, rec.FailureReason, rec.Metadata, rec.Version,
		rec.CreatedAt, rec.UpdatedAt, processedAt, settledAt,
	}
}

func newMockRepo(t *testing.T) (*SettlementRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &SettlementRepository{querier: mock, logger: newTestLogger()}, mock
}

func TestSettlementRepository_Create(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecord()

	createArgs := []any{
		rec.ID, rec.PaymentRequestID, rec.MerchantID, rec.Amount, rec.Currency, rec.SourceCurrency,
		rec.FeeAmount, rec.FeePercentage, rec.NetAmount, rec.BankDetails.AccountNumber, rec.BankDetails.RoutingNumber,
		rec.BankDetails.AccountHolderName, rec.BankDetails.BankName, rec.Provider, rec.Status, rec.RetryCount,
		rec.MaxRetries, rec.Metadata, rec.Version, rec.CreatedAt, rec.UpdatedAt,
	}

	t.Run("success", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(regexp.QuoteMeta(createSettlementQuery)).
			WithArgs(createArgs...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		assert.NoError(t, repo.Create(ctx, rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate payment reference", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec(regexp.QuoteMeta(createSettlementQuery)).
			WithArgs(createArgs...).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "settlements_payment_request_id_key"})

		err := repo.Create(ctx, rec)
		var dup settlement.ErrDuplicatePaymentReference
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, rec.PaymentRequestID, dup.PaymentRequestID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	for _, tc := range []struct {
		name string
		err  *pgconn.PgError
	}{
		{"net amount check fails", &pgconn.PgError{Code: "23514", ConstraintName: "ck_settlements_net_amount"}},
		{"numeric overflow", &pgconn.PgError{Code: "22003", Message: "numeric field overflow"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := newMockRepo(t)
			mock.ExpectExec(regexp.QuoteMeta(createSettlementQuery)).
				WithArgs(createArgs...).
				WillReturnError(tc.err)

			err := repo.Create(ctx, rec)
			assert.ErrorIs(t, err, settlement.ErrRejectedByStore{})
			assert.False(t, errors.Is(err, settlement.ErrDuplicatePaymentReference{}))
			var pgErr *pgconn.PgError
			require.ErrorAs(t, err, &pgErr)
			assert.Equal(t, tc.err.Code, pgErr.Code)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}

	t.Run("failure", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		expectedErr := errors.New("db error")
		mock.ExpectExec(regexp.QuoteMeta(createSettlementQuery)).
			WithArgs(createArgs...).
			WillReturnError(expectedErr)

		err := repo.Create(ctx, rec)
		assert.ErrorIs(t, err, expectedErr)
		assert.Contains(t, err.Error(), "failed to create settlement")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettlementRepository_GetByID(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecord()
	rate := decimal.RequireFromString("1.0")
	rec.ConversionRate = &rate

	t.Run("found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta(getSettlementByIDQuery)).
			WithArgs(rec.ID).
			WillReturnRows(pgxmock.NewRows(settlementColumnNames).AddRow(settlementRow(rec)...))

		got, err := repo.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.PaymentRequestID, got.PaymentRequestID)
		assert.True(t, got.NetAmount.Equal(rec.NetAmount))
		require.NotNil(t, got.ConversionRate)
		assert.True(t, got.ConversionRate.Equal(rate))
		assert.Nil(t, got.SettledAt)
		assert.Equal(t, "Acme Ltd", got.BankDetails.AccountHolderName)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta(getSettlementByIDQuery)).
			WithArgs(rec.ID).
			WillReturnRows(pgxmock.NewRows(settlementColumnNames))

		_, err := repo.GetByID(ctx, rec.ID)
		assert.ErrorIs(t, err, settlement.ErrSettlementNotFound{})
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettlementRepository_FindPending(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepo(t)

	older := newTestRecord()
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	newer := newTestRecord()

	mock.ExpectQuery(regexp.QuoteMeta(findPendingQuery)).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows(settlementColumnNames).
			AddRow(settlementRow(older)...).
			AddRow(settlementRow(newer)...))

	records, err := repo.FindPending(ctx, 50)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, older.ID, records[0].ID)
	assert.Equal(t, newer.ID, records[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepository_ClaimBatch(t *testing.T) {
	ctx := context.Background()
	batchID := uuid.New()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	t.Run("partial claim returns only the winners", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta(claimBatchQuery)).
			WithArgs(ids, batchID, pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(ids[0]).AddRow(ids[2]))

		claimed, err := repo.ClaimBatch(ctx, ids, batchID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{ids[0], ids[2]}, claimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("store unavailable", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta(claimBatchQuery)).
			WithArgs(ids, batchID, pgxmock.AnyArg()).
			WillReturnError(errors.New("connection refused"))

		claimed, err := repo.ClaimBatch(ctx, ids, batchID)
		assert.Error(t, err)
		assert.Nil(t, claimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty input does not hit the database", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		claimed, err := repo.ClaimBatch(ctx, nil, batchID)
		assert.NoError(t, err)
		assert.Empty(t, claimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettlementRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("completed", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		rec := newTestRecord()
		rate := decimal.NewFromInt(1)
		update := settlement.StatusUpdate{
			Status:              settlement.StatusCompleted,
			ConversionRate:      &rate,
			Provider:            settlement.ProviderBankAPI,
			ProviderReferenceID: "tr_1",
			SettlementReference: "tr_1",
			SettlementReceipt:   "RCPT-tr_1",
		}

		updated := *rec
		settledAt := time.Now().UTC()
		updated.Status = settlement.StatusCompleted
		updated.SettlementReference = "tr_1"
		updated.SettledAt = &settledAt
		updated.Version = 3

		mock.ExpectQuery(regexp.QuoteMeta(updateStatusQuery)).
			WithArgs(rec.ID, settlement.StatusCompleted, (*string)(nil), &rate, "bank_api", "tr_1", "tr_1", "RCPT-tr_1",
				pgxmock.AnyArg(), nil, pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows(settlementColumnNames).AddRow(settlementRow(&updated)...))

		got, err := repo.UpdateStatus(ctx, rec.ID, update)
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusCompleted, got.Status)
		assert.NotNil(t, got.SettledAt)
		assert.Equal(t, 3, got.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal record", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		id := uuid.New()
		reason := "boom"

		mock.ExpectQuery(regexp.QuoteMeta(updateStatusQuery)).
			WithArgs(id, settlement.StatusPending, &reason, (*decimal.Decimal)(nil), "", "", "", "",
				pgxmock.AnyArg(), nil, pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows(settlementColumnNames))
		mock.ExpectQuery(regexp.QuoteMeta(getSettlementStatusQuery)).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(settlement.StatusFailed))

		_, err := repo.UpdateStatus(ctx, id, settlement.StatusUpdate{Status: settlement.StatusPending, FailureReason: &reason})
		var terminal settlement.ErrTerminalState
		require.ErrorAs(t, err, &terminal)
		assert.Equal(t, settlement.StatusFailed, terminal.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		id := uuid.New()

		mock.ExpectQuery(regexp.QuoteMeta(updateStatusQuery)).
			WithArgs(id, settlement.StatusFailed, pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", "", "",
				pgxmock.AnyArg(), nil, pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows(settlementColumnNames))
		mock.ExpectQuery(regexp.QuoteMeta(getSettlementStatusQuery)).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"status"}))

		_, err := repo.UpdateStatus(ctx, id, settlement.StatusUpdate{Status: settlement.StatusFailed})
		assert.ErrorIs(t, err, settlement.ErrSettlementNotFound{})
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSettlementRepository_IncrementRetry(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepo(t)
	rec := newTestRecord()
	rec.Status = settlement.StatusProcessing
	rec.RetryCount = 1

	mock.ExpectQuery(regexp.QuoteMeta(incrementRetryQuery)).
		WithArgs(rec.ID, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(settlementColumnNames).AddRow(settlementRow(rec)...))

	got, err := repo.IncrementRetry(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepository_RequeueStale(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepo(t)
	cutoff := time.Now().Add(-30 * time.Minute)

	mock.ExpectExec(regexp.QuoteMeta(requeueStaleQuery)).
		WithArgs(cutoff, pgxmock.AnyArg(), settlement.ReasonStaleRetriesExhausted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := repo.RequeueStale(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepository_QueriesSkipExhaustedRecords(t *testing.T) {
	assert.Contains(t, findPendingQuery, "retry_count < max_retries")
	assert.Contains(t, claimBatchQuery, "retry_count < max_retries")
	assert.Contains(t, requeueStaleQuery, "WHEN retry_count >= max_retries THEN 'FAILED'")
}

func TestSettlementRepository_ListByMerchant(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepo(t)
	rec := newTestRecord()

	mock.ExpectQuery(regexp.QuoteMeta(listByMerchantQuery)).
		WithArgs("merchant_1", 20, 0).
		WillReturnRows(pgxmock.NewRows(settlementColumnNames).AddRow(settlementRow(rec)...))
	mock.ExpectQuery(regexp.QuoteMeta(countByMerchantQuery)).
		WithArgs("merchant_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(41)))

	records, total, err := repo.ListByMerchant(ctx, "merchant_1", 20, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int64(41), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepository_ListByStatus(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(listByStatusQuery)).
		WithArgs(settlement.StatusFailed, 10, 10).
		WillReturnRows(pgxmock.NewRows(settlementColumnNames))
	mock.ExpectQuery(regexp.QuoteMeta(countByStatusQuery)).
		WithArgs(settlement.StatusFailed).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(10)))

	records, total, err := repo.ListByStatus(ctx, settlement.StatusFailed, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, int64(10), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepository_StatsByMerchant(t *testing.T) {
	ctx := context.Background()
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(merchantStatsQuery)).
		WithArgs("merchant_1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count", "amount", "fee_amount", "net_amount"}).
			AddRow(settlement.StatusCompleted, int64(2), decimal.NewFromInt(200), decimal.NewFromInt(2), decimal.NewFromInt(198)).
			AddRow(settlement.StatusFailed, int64(1), decimal.NewFromInt(50), decimal.RequireFromString("0.5"), decimal.RequireFromString("49.5")))

	stats, err := repo.StatsByMerchant(ctx, "merchant_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total.Count)
	assert.Equal(t, int64(2), stats.ByStatus[settlement.StatusCompleted].Count)
	assert.Equal(t, int64(0), stats.ByStatus[settlement.StatusPending].Count)
	assert.True(t, stats.Total.Amount.Equal(decimal.NewFromInt(250)))
	assert.NoError(t, mock.ExpectationsWereMet())
}
