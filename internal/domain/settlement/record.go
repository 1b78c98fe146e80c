// Package settlement holds the settlement record and the rules that govern its lifecycle:
// fee and net amount computation at creation, the status set and the retry budget.
package settlement

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Validation errors for new settlements
var (
	ErrEmptyPaymentRequestID = errors.New("payment request id cannot be empty")
	ErrEmptyMerchantID       = errors.New("merchant id cannot be empty")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrAmountPrecision       = errors.New("amount must have at most 8 decimal places and fewer than 12 integer digits")
	ErrInvalidCurrency       = errors.New("currency must be a 3 to 5 letter code")
	ErrIncompleteBankDetails = errors.New("bank details require account number, routing number and account holder name")
	ErrInvalidFeePercentage  = errors.New("fee percentage must be between 0 and 1")
)

const (
	// DefaultMaxRetries is the retry budget of a settlement unless configured otherwise
	DefaultMaxRetries = 3

	// AmountScale is the number of decimal places stored for every money column
	AmountScale = 8
	// FeePercentageScale is the number of decimal places stored for the fee percentage
	FeePercentageScale = 6

	// ReasonStaleRetriesExhausted is recorded when a stuck record is found with no retries left
	ReasonStaleRetriesExhausted = "processing stalled after retries were exhausted"

	transferReferencePrefix   = "STL-"
	conversionReferencePrefix = "CNV-"
	receiptPrefix             = "RCPT-"
)

// DefaultFeePercentage is the platform fee applied to the gross amount (1%)
var DefaultFeePercentage = decimal.RequireFromString("0.01")

// maxAmount is the first value that no longer fits NUMERIC(20,8)
var maxAmount = decimal.New(1, 20-AmountScale)

// BankDetails identifies the merchant's destination bank account.
// Fields are opaque; they are verified upstream and by the partner.
type BankDetails struct {
	AccountNumber     string `json:"account_number"`
	RoutingNumber     string `json:"routing_number"` // routing, SWIFT or IBAN identifier
	AccountHolderName string `json:"account_holder_name"`
	BankName          string `json:"bank_name"`
}

// Record is the settlement of one confirmed stablecoin payment into fiat
type Record struct {
	ID               uuid.UUID `json:"id"`
	PaymentRequestID string    `json:"payment_request_id"`
	MerchantID       string    `json:"merchant_id"`

	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency"`
	SourceCurrency string           `json:"source_currency"`
	ConversionRate *decimal.Decimal `json:"conversion_rate,omitempty"` // nil until a conversion executes
	FeeAmount      decimal.Decimal  `json:"fee_amount"`
	FeePercentage  decimal.Decimal  `json:"fee_percentage"`
	NetAmount      decimal.Decimal  `json:"net_amount"` // fixed at creation

	BankDetails BankDetails `json:"bank_details"`

	BatchID       *uuid.UUID `json:"batch_id,omitempty"`
	BatchSequence *int       `json:"batch_sequence,omitempty"`

	Provider            Provider `json:"provider"`
	ProviderReferenceID string   `json:"provider_reference_id,omitempty"`
	SettlementReference string   `json:"settlement_reference,omitempty"`
	SettlementReceipt   string   `json:"settlement_receipt,omitempty"`

	Status        Status `json:"status"`
	RetryCount    int    `json:"retry_count"`
	MaxRetries    int    `json:"max_retries"`
	FailureReason string `json:"failure_reason,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
	Version  int            `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// CreateRequest carries a payment-confirmed signal into the settlement subsystem
type CreateRequest struct {
	PaymentRequestID string          `json:"payment_request_id"`
	MerchantID       string          `json:"merchant_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	SourceCurrency   string          `json:"source_currency"`
	BankDetails      BankDetails     `json:"bank_details"`
	Provider         Provider        `json:"provider,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
}

// Validate checks the request fields that must be present before any partner call is made
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.PaymentRequestID) == "" {
		return ErrEmptyPaymentRequestID
	}
	if strings.TrimSpace(r.MerchantID) == "" {
		return ErrEmptyMerchantID
	}
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !r.Amount.Equal(r.Amount.Round(AmountScale)) || r.Amount.GreaterThanOrEqual(maxAmount) {
		return ErrAmountPrecision
	}
	if !validCurrency(r.Currency) || !validCurrency(r.SourceCurrency) {
		return ErrInvalidCurrency
	}
	b := r.BankDetails
	if b.AccountNumber == "" || b.RoutingNumber == "" || b.AccountHolderName == "" {
		return ErrIncompleteBankDetails
	}
	return nil
}

// NewRecord builds a PENDING record from a validated request. The fee is
// amount * feePercentage rounded half away from zero to AmountScale places, and
// the net amount is fixed here for the record's lifetime.
func NewRecord(req *CreateRequest, feePercentage decimal.Decimal, maxRetries int, quotedRate decimal.Decimal) (*Record, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if feePercentage.IsNegative() || feePercentage.GreaterThan(decimal.NewFromInt(1)) ||
		!feePercentage.Equal(feePercentage.Round(FeePercentageScale)) {
		return nil, ErrInvalidFeePercentage
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	provider := req.Provider
	if provider == "" {
		provider = ProviderBankAPI
	}

	metadata := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["quoted_exchange_rate"] = quotedRate.String()
	if req.CorrelationID != "" {
		metadata["correlation_id"] = req.CorrelationID
	}

	fee := req.Amount.Mul(feePercentage).Round(AmountScale)
	now := time.Now().UTC()

	return &Record{
		ID:               uuid.New(),
		PaymentRequestID: req.PaymentRequestID,
		MerchantID:       req.MerchantID,
		Amount:           req.Amount,
		Currency:         strings.ToUpper(req.Currency),
		SourceCurrency:   strings.ToUpper(req.SourceCurrency),
		FeeAmount:        fee,
		FeePercentage:    feePercentage,
		NetAmount:        req.Amount.Sub(fee),
		BankDetails:      req.BankDetails,
		Provider:         provider,
		Status:           StatusPending,
		MaxRetries:       maxRetries,
		Metadata:         metadata,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// IsTerminal reports whether the record can no longer transition
func (r *Record) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// RetriesExhausted reports whether the retry budget is used up
func (r *Record) RetriesExhausted() bool {
	return r.RetryCount >= r.MaxRetries
}

// TransferReference is the idempotency key sent to the partner for this settlement.
// It depends only on the settlement id, never on the attempt number.
func (r *Record) TransferReference() string {
	return transferReferencePrefix + r.ID.String()
}

// ConversionReference is the idempotency key of the settlement's conversion, stable across attempts
func (r *Record) ConversionReference() string {
	return conversionReferencePrefix + r.ID.String()
}

// CorrelationID returns the correlation id captured at creation, if any
func (r *Record) CorrelationID() string {
	if r.Metadata == nil {
		return ""
	}
	id, _ := r.Metadata["correlation_id"].(string)
	return id
}

// ReceiptFor derives the settlement receipt from the partner's transaction id
func ReceiptFor(transferID string) string {
	return receiptPrefix + transferID
}

func validCurrency(code string) bool {
	if len(code) < 3 || len(code) > 5 {
		return false
	}
	for _, c := range code {
		if !(c >= 'A' && c <= 'Z') && !(c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}
