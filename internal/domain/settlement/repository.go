package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repository defines settlement persistence operations.
// Implementations must make ClaimBatch a single atomic operation.
type Repository interface {
	Create(ctx context.Context, record *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByPaymentRequestID(ctx context.Context, paymentRequestID string) (*Record, error)

	// FindPending returns up to limit PENDING records, oldest first
	FindPending(ctx context.Context, limit int) ([]*Record, error)

	// ClaimBatch moves the still-PENDING subset of ids to PROCESSING and returns the ids actually claimed
	ClaimBatch(ctx context.Context, ids []uuid.UUID, batchID uuid.UUID) ([]uuid.UUID, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, update StatusUpdate) (*Record, error)
	IncrementRetry(ctx context.Context, id uuid.UUID) (*Record, error)

	// RequeueStale returns PROCESSING records claimed before olderThan to PENDING, or moves
	// them to FAILED when their retry budget is already spent. FindPending and ClaimBatch
	// never return a record with no retries left.
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)

	ListByMerchant(ctx context.Context, merchantID string, limit, offset int) ([]*Record, int64, error)
	ListByStatus(ctx context.Context, status Status, limit, offset int) ([]*Record, int64, error)
	StatsByMerchant(ctx context.Context, merchantID string) (*MerchantStats, error)
}

// StatusUpdate describes a transition plus the fields that accompany it.
// Zero values leave the stored column untouched.
type StatusUpdate struct {
	Status              Status
	FailureReason       *string
	ConversionRate      *decimal.Decimal
	Provider            Provider
	ProviderReferenceID string
	SettlementReference string
	SettlementReceipt   string
	SettledAt           *time.Time
	Metadata            map[string]any // merged into the stored metadata
}

// Normalize keeps settledAt consistent with the target status
func (u *StatusUpdate) Normalize(now time.Time) {
	if u.Status != StatusCompleted {
		u.SettledAt = nil
		return
	}
	if u.SettledAt == nil {
		t := now.UTC()
		u.SettledAt = &t
	}
}

// StatusTotals aggregates the settlements of one status
type StatusTotals struct {
	Count     int64           `json:"count"`
	Amount    decimal.Decimal `json:"amount"`
	FeeAmount decimal.Decimal `json:"fee_amount"`
	NetAmount decimal.Decimal `json:"net_amount"`
}

// MerchantStats aggregates a merchant's settlements by status
type MerchantStats struct {
	MerchantID string                  `json:"merchant_id"`
	Total      StatusTotals            `json:"total"`
	ByStatus   map[Status]StatusTotals `json:"by_status"`
}

// NewMerchantStats returns stats with every status present and zeroed
func NewMerchantStats(merchantID string) *MerchantStats {
	stats := &MerchantStats{
		MerchantID: merchantID,
		ByStatus:   make(map[Status]StatusTotals, 4),
	}
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		stats.ByStatus[s] = StatusTotals{}
	}
	return stats
}

// Add folds one status row into the stats
func (m *MerchantStats) Add(status Status, totals StatusTotals) {
	m.ByStatus[status] = totals
	m.Total.Count += totals.Count
	m.Total.Amount = m.Total.Amount.Add(totals.Amount)
	m.Total.FeeAmount = m.Total.FeeAmount.Add(totals.FeeAmount)
	m.Total.NetAmount = m.Total.NetAmount.Add(totals.NetAmount)
}
