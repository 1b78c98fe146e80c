// Package events defines the lifecycle signals emitted for notification and webhook collaborators.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
)

// Type names a lifecycle signal
type Type string

const (
	PaymentConfirmed Type = "payment.confirmed"
	PaymentSettling  Type = "payment.settling"
	PaymentSettled   Type = "payment.settled"
	PaymentFailed    Type = "payment.failed"
)

// LifecycleEvent is the payload published for every settlement transition
type LifecycleEvent struct {
	EventID             uuid.UUID         `json:"event_id"`
	Type                Type              `json:"type"`
	SettlementID        uuid.UUID         `json:"settlement_id"`
	PaymentRequestID    string            `json:"payment_request_id"`
	MerchantID          string            `json:"merchant_id"`
	BatchID             *uuid.UUID        `json:"batch_id,omitempty"`
	Status              settlement.Status `json:"status"`
	Amount              decimal.Decimal   `json:"amount"`
	NetAmount           decimal.Decimal   `json:"net_amount"`
	Currency            string            `json:"currency"`
	SettlementReference string            `json:"settlement_reference,omitempty"`
	SettlementReceipt   string            `json:"settlement_receipt,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	Retryable           bool              `json:"retryable"`
	RetryCount          int               `json:"retry_count"`
	CorrelationID       string            `json:"correlation_id,omitempty"`
	OccurredAt          time.Time         `json:"occurred_at"`
}

// NewLifecycleEvent snapshots the record into an event of the given type
func NewLifecycleEvent(eventType Type, rec *settlement.Record) *LifecycleEvent {
	evt := &LifecycleEvent{
		EventID:             uuid.New(),
		Type:                eventType,
		SettlementID:        rec.ID,
		PaymentRequestID:    rec.PaymentRequestID,
		MerchantID:          rec.MerchantID,
		BatchID:             rec.BatchID,
		Status:              rec.Status,
		Amount:              rec.Amount,
		NetAmount:           rec.NetAmount,
		Currency:            rec.Currency,
		SettlementReference: rec.SettlementReference,
		SettlementReceipt:   rec.SettlementReceipt,
		FailureReason:       rec.FailureReason,
		RetryCount:          rec.RetryCount,
		CorrelationID:       rec.CorrelationID(),
		OccurredAt:          time.Now().UTC(),
	}
	if eventType == PaymentFailed {
		evt.Retryable = rec.Status == settlement.StatusPending
	}
	return evt
}
