package handler

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
	processor "github.com/stablecoin-settlement-engine/internal/settlement_processor/service"
)

// BankDetailsRequest is the destination account of a new settlement
type BankDetailsRequest struct {
	AccountNumber     string `json:"account_number" binding:"required"`
	RoutingNumber     string `json:"routing_number" binding:"required"`
	AccountHolderName string `json:"account_holder_name" binding:"required"`
	BankName          string `json:"bank_name"`
}

// CreateSettlementRequest represents a request to settle a confirmed payment.
// Amounts travel as decimal strings.
type CreateSettlementRequest struct {
	PaymentRequestID string             `json:"payment_request_id" binding:"required"`
	MerchantID       string             `json:"merchant_id" binding:"required"`
	Amount           decimal.Decimal    `json:"amount"`
	Currency         string             `json:"currency" binding:"required,min=3,max=5"`
	SourceCurrency   string             `json:"source_currency" binding:"required,min=3,max=5"`
	BankDetails      BankDetailsRequest `json:"bank_details" binding:"required"`
	Provider         string             `json:"provider,omitempty" binding:"omitempty,oneof=bank_api stripe wise paypal other"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
}

func (r *CreateSettlementRequest) toDomain() *settlement.CreateRequest {
	return &settlement.CreateRequest{
		PaymentRequestID: r.PaymentRequestID,
		MerchantID:       r.MerchantID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		SourceCurrency:   r.SourceCurrency,
		BankDetails: settlement.BankDetails{
			AccountNumber:     r.BankDetails.AccountNumber,
			RoutingNumber:     r.BankDetails.RoutingNumber,
			AccountHolderName: r.BankDetails.AccountHolderName,
			BankName:          r.BankDetails.BankName,
		},
		Provider: settlement.Provider(r.Provider),
		Metadata: r.Metadata,
	}
}

// SettlementResponse represents a settlement in API responses.
// Bank account numbers are masked.
type SettlementResponse struct {
	ID                  string           `json:"id"`
	PaymentRequestID    string           `json:"payment_request_id"`
	MerchantID          string           `json:"merchant_id"`
	Amount              decimal.Decimal  `json:"amount"`
	Currency            string           `json:"currency"`
	SourceCurrency      string           `json:"source_currency"`
	ConversionRate      *decimal.Decimal `json:"conversion_rate,omitempty"`
	FeeAmount           decimal.Decimal  `json:"fee_amount"`
	FeePercentage       decimal.Decimal  `json:"fee_percentage"`
	NetAmount           decimal.Decimal  `json:"net_amount"`
	BankAccount         string           `json:"bank_account"`
	BankName            string           `json:"bank_name,omitempty"`
	BatchID             string           `json:"batch_id,omitempty"`
	BatchSequence       *int             `json:"batch_sequence,omitempty"`
	Provider            string           `json:"provider"`
	ProviderReferenceID string           `json:"provider_reference_id,omitempty"`
	SettlementReference string           `json:"settlement_reference,omitempty"`
	SettlementReceipt   string           `json:"settlement_receipt,omitempty"`
	Status              string           `json:"status"`
	RetryCount          int              `json:"retry_count"`
	MaxRetries          int              `json:"max_retries"`
	FailureReason       string           `json:"failure_reason,omitempty"`
	Metadata            map[string]any   `json:"metadata,omitempty"`
	CreatedAt           string           `json:"created_at"`
	UpdatedAt           string           `json:"updated_at"`
	ProcessedAt         string           `json:"processed_at,omitempty"`
	SettledAt           string           `json:"settled_at,omitempty"`
}

func toSettlementResponse(rec *settlement.Record) SettlementResponse {
	resp := SettlementResponse{
		ID:                  rec.ID.String(),
		PaymentRequestID:    rec.PaymentRequestID,
		MerchantID:          rec.MerchantID,
		Amount:              rec.Amount,
		Currency:            rec.Currency,
		SourceCurrency:      rec.SourceCurrency,
		ConversionRate:      rec.ConversionRate,
		FeeAmount:           rec.FeeAmount,
		FeePercentage:       rec.FeePercentage,
		NetAmount:           rec.NetAmount,
		BankAccount:         maskAccount(rec.BankDetails.AccountNumber),
		BankName:            rec.BankDetails.BankName,
		BatchSequence:       rec.BatchSequence,
		Provider:            string(rec.Provider),
		ProviderReferenceID: rec.ProviderReferenceID,
		SettlementReference: rec.SettlementReference,
		SettlementReceipt:   rec.SettlementReceipt,
		Status:              string(rec.Status),
		RetryCount:          rec.RetryCount,
		MaxRetries:          rec.MaxRetries,
		FailureReason:       rec.FailureReason,
		Metadata:            rec.Metadata,
		CreatedAt:           formatTime(rec.CreatedAt),
		UpdatedAt:           formatTime(rec.UpdatedAt),
	}
	if rec.BatchID != nil {
		resp.BatchID = rec.BatchID.String()
	}
	if rec.ProcessedAt != nil {
		resp.ProcessedAt = formatTime(*rec.ProcessedAt)
	}
	if rec.SettledAt != nil {
		resp.SettledAt = formatTime(*rec.SettledAt)
	}
	return resp
}

func toSettlementResponses(records []*settlement.Record) []SettlementResponse {
	out := make([]SettlementResponse, len(records))
	for i, rec := range records {
		out[i] = toSettlementResponse(rec)
	}
	return out
}

// BatchResponse summarizes a manually triggered batch
type BatchResponse struct {
	BatchID    string `json:"batch_id"`
	Requested  int    `json:"requested"`
	Claimed    int    `json:"claimed"`
	Completed  int    `json:"completed"`
	Requeued   int    `json:"requeued"`
	Failed     int    `json:"failed"`
	Released   int    `json:"released"`
	Unresolved int    `json:"unresolved"`
	StartedAt  string `json:"started_at"`
	DurationMS int64  `json:"duration_ms"`
}

func toBatchResponse(r *processor.BatchResult) BatchResponse {
	return BatchResponse{
		BatchID:    r.BatchID.String(),
		Requested:  r.Requested,
		Claimed:    r.Claimed,
		Completed:  r.Completed,
		Requeued:   r.Requeued,
		Failed:     r.Failed,
		Released:   r.Released,
		Unresolved: r.Unresolved,
		StartedAt:  formatTime(r.StartedAt),
		DurationMS: r.Duration.Milliseconds(),
	}
}

// PaginationParams represents pagination parameters for list endpoints
type PaginationParams struct {
	Page    int `form:"page,default=1" binding:"min=1"`
	PerPage int `form:"per_page,default=10" binding:"min=1,max=100"`
}

// StatusListParams filters the settlement listing by status
type StatusListParams struct {
	PaginationParams
	Status string `form:"status" binding:"required,oneof=PENDING PROCESSING COMPLETED FAILED"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func maskAccount(number string) string {
	if len(number) <= 4 {
		return number
	}
	masked := make([]byte, len(number))
	for i := range masked {
		if i < len(number)-4 {
			masked[i] = '*'
		} else {
			masked[i] = number[i]
		}
	}
	return string(masked)
}
