// Package memory is a process-local settlement store used by tests and the simulated profile.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
)

// SettlementRepository implements settlement.Repository over a mutex-guarded map.
// Records are copied on the way in and out so callers never share state with the store.
type SettlementRepository struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*settlement.Record
	byPayment map[string]uuid.UUID
	now       func() time.Time
}

// NewSettlementRepository creates an empty store
func NewSettlementRepository() *SettlementRepository {
	return &SettlementRepository{
		byID:      make(map[uuid.UUID]*settlement.Record),
		byPayment: make(map[string]uuid.UUID),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func clone(rec *settlement.Record) *settlement.Record {
	c := *rec
	c.Metadata = maps.Clone(rec.Metadata)
	if rec.ConversionRate != nil {
		rate := *rec.ConversionRate
		c.ConversionRate = &rate
	}
	if rec.BatchID != nil {
		id := *rec.BatchID
		c.BatchID = &id
	}
	if rec.BatchSequence != nil {
		seq := *rec.BatchSequence
		c.BatchSequence = &seq
	}
	if rec.ProcessedAt != nil {
		t := *rec.ProcessedAt
		c.ProcessedAt = &t
	}
	if rec.SettledAt != nil {
		t := *rec.SettledAt
		c.SettledAt = &t
	}
	return &c
}

func (r *SettlementRepository) Create(_ context.Context, rec *settlement.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPayment[rec.PaymentRequestID]; exists {
		return settlement.ErrDuplicatePaymentReference{PaymentRequestID: rec.PaymentRequestID}
	}
	r.byID[rec.ID] = clone(rec)
	r.byPayment[rec.PaymentRequestID] = rec.ID
	return nil
}

func (r *SettlementRepository) GetByID(_ context.Context, id uuid.UUID) (*settlement.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return nil, settlement.ErrSettlementNotFound{ID: id}
	}
	return clone(rec), nil
}

func (r *SettlementRepository) GetByPaymentRequestID(_ context.Context, paymentRequestID string) (*settlement.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byPayment[paymentRequestID]
	if !ok {
		return nil, settlement.ErrSettlementNotFound{}
	}
	return clone(r.byID[id]), nil
}

func (r *SettlementRepository) FindPending(_ context.Context, limit int) ([]*settlement.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.filter(func(rec *settlement.Record) bool {
		return rec.Status == settlement.StatusPending && !rec.RetriesExhausted()
	}, true)
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// ClaimBatch holds the lock for the whole claim, so concurrent callers never share a record
func (r *SettlementRepository) ClaimBatch(_ context.Context, ids []uuid.UUID, batchID uuid.UUID) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	claimed := make([]uuid.UUID, 0, len(ids))
	for i, id := range ids {
		rec, ok := r.byID[id]
		if !ok || rec.Status != settlement.StatusPending || rec.RetriesExhausted() {
			continue
		}
		seq := i + 1
		bid := batchID
		processedAt := now
		rec.Status = settlement.StatusProcessing
		rec.BatchID = &bid
		rec.BatchSequence = &seq
		rec.ProcessedAt = &processedAt
		rec.UpdatedAt = now
		rec.Version++
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (r *SettlementRepository) UpdateStatus(_ context.Context, id uuid.UUID, update settlement.StatusUpdate) (*settlement.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.mutable(id)
	if err != nil {
		return nil, err
	}

	now := r.now()
	update.Normalize(now)

	rec.Status = update.Status
	if update.FailureReason != nil {
		rec.FailureReason = *update.FailureReason
	}
	if update.ConversionRate != nil {
		rate := *update.ConversionRate
		rec.ConversionRate = &rate
	}
	if update.Provider != "" {
		rec.Provider = update.Provider
	}
	if update.ProviderReferenceID != "" {
		rec.ProviderReferenceID = update.ProviderReferenceID
	}
	if update.SettlementReference != "" {
		rec.SettlementReference = update.SettlementReference
	}
	if update.SettlementReceipt != "" {
		rec.SettlementReceipt = update.SettlementReceipt
	}
	rec.SettledAt = update.SettledAt
	if len(update.Metadata) > 0 {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]any, len(update.Metadata))
		}
		maps.Copy(rec.Metadata, update.Metadata)
	}
	rec.UpdatedAt = now
	rec.Version++

	return clone(rec), nil
}

func (r *SettlementRepository) IncrementRetry(_ context.Context, id uuid.UUID) (*settlement.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.mutable(id)
	if err != nil {
		return nil, err
	}
	rec.RetryCount++
	rec.UpdatedAt = r.now()
	rec.Version++
	return clone(rec), nil
}

func (r *SettlementRepository) RequeueStale(_ context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := r.now()
	for _, rec := range r.byID {
		if rec.Status != settlement.StatusProcessing || rec.ProcessedAt == nil || !rec.ProcessedAt.Before(olderThan) {
			continue
		}
		if rec.RetriesExhausted() {
			rec.Status = settlement.StatusFailed
			if rec.FailureReason == "" {
				rec.FailureReason = settlement.ReasonStaleRetriesExhausted
			}
		} else {
			rec.Status = settlement.StatusPending
			rec.BatchID = nil
			rec.BatchSequence = nil
		}
		rec.UpdatedAt = now
		rec.Version++
		n++
	}
	return n, nil
}

func (r *SettlementRepository) ListByMerchant(_ context.Context, merchantID string, limit, offset int) ([]*settlement.Record, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.filter(func(rec *settlement.Record) bool { return rec.MerchantID == merchantID }, false)
	return page(all, limit, offset), int64(len(all)), nil
}

func (r *SettlementRepository) ListByStatus(_ context.Context, status settlement.Status, limit, offset int) ([]*settlement.Record, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.filter(func(rec *settlement.Record) bool { return rec.Status == status }, true)
	return page(all, limit, offset), int64(len(all)), nil
}

func (r *SettlementRepository) StatsByMerchant(_ context.Context, merchantID string) (*settlement.MerchantStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	totals := make(map[settlement.Status]settlement.StatusTotals)
	for _, rec := range r.byID {
		if rec.MerchantID != merchantID {
			continue
		}
		t := totals[rec.Status]
		t.Count++
		t.Amount = t.Amount.Add(rec.Amount)
		t.FeeAmount = t.FeeAmount.Add(rec.FeeAmount)
		t.NetAmount = t.NetAmount.Add(rec.NetAmount)
		totals[rec.Status] = t
	}

	stats := settlement.NewMerchantStats(merchantID)
	for status, t := range totals {
		stats.Add(status, t)
	}
	return stats, nil
}

// mutable returns the stored record for a guarded transition. Caller holds the lock.
func (r *SettlementRepository) mutable(id uuid.UUID) (*settlement.Record, error) {
	rec, ok := r.byID[id]
	if !ok {
		return nil, settlement.ErrSettlementNotFound{ID: id}
	}
	if rec.IsTerminal() {
		return nil, settlement.ErrTerminalState{ID: id, Status: rec.Status}
	}
	return rec, nil
}

// filter returns copies ordered by creation time. Caller holds the lock.
func (r *SettlementRepository) filter(keep func(*settlement.Record) bool, oldestFirst bool) []*settlement.Record {
	var out []*settlement.Record
	for _, rec := range r.byID {
		if keep(rec) {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if oldestFirst {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

func page(records []*settlement.Record, limit, offset int) []*settlement.Record {
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
