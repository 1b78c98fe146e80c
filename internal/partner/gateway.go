// Package partner abstracts the external liquidity and banking partner that converts
// stablecoin proceeds into fiat and pays merchants out by bank transfer.
package partner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is the single capability set of the partner. Implementations are
// selected by configuration through NewGateway.
type Gateway interface {
	// ConvertToFiat executes a conversion. A non-empty reference is the idempotency key:
	// repeating it returns the conversion already executed instead of converting again.
	ConvertToFiat(ctx context.Context, sourceAmount decimal.Decimal, sourceCurrency, targetCurrency, reference string) (*Conversion, error)
	InitiateBankTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	// GetSettlementStatus polls a previously initiated transfer; repeated calls have no side effects
	GetSettlementStatus(ctx context.Context, transferID string) (*TransferStatus, error)
	GetExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Conversion is the result of an executed currency conversion
type Conversion struct {
	SourceAmount decimal.Decimal `json:"source_amount"`
	TargetAmount decimal.Decimal `json:"target_amount"`
	Rate         decimal.Decimal `json:"rate"`
	Fee          decimal.Decimal `json:"fee"`
}

// Recipient is the destination bank account of a transfer
type Recipient struct {
	AccountNumber     string `json:"account_number"`
	RoutingNumber     string `json:"routing_number"`
	AccountHolderName string `json:"account_holder_name"`
	BankName          string `json:"bank_name"`
}

// TransferRequest submits a payout. Reference is the idempotency key on the partner side.
type TransferRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Recipient Recipient       `json:"recipient"`
	Reference string          `json:"reference"`
}

// TransferState is the partner-side state of a transfer
type TransferState string

const (
	TransferPending    TransferState = "pending"
	TransferProcessing TransferState = "processing"
	TransferCompleted  TransferState = "completed"
	TransferFailed     TransferState = "failed"
)

// Transfer acknowledges an initiated payout
type Transfer struct {
	TransferID string        `json:"transfer_id"`
	Status     TransferState `json:"status"`
	Reference  string        `json:"reference"`
}

// TransferStatus is the polled state of a payout
type TransferStatus struct {
	TransferID    string        `json:"transfer_id"`
	Status        TransferState `json:"status"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// Transport failures, both retryable
var (
	ErrGatewayTimeout     = errors.New("partner gateway timeout")
	ErrGatewayUnavailable = errors.New("partner gateway unavailable")
)

// ErrConversionFailed indicates the partner rejected a conversion or rate request
type ErrConversionFailed struct {
	Reason string
}

func (e ErrConversionFailed) Error() string {
	return "conversion failed: " + e.Reason
}

func (e ErrConversionFailed) Is(target error) bool {
	_, ok := target.(ErrConversionFailed)
	return ok
}

// ErrTransferRejected indicates the partner refused a transfer, e.g. for insufficient liquidity
type ErrTransferRejected struct {
	Reference string
	Reason    string
}

func (e ErrTransferRejected) Error() string {
	return "transfer " + e.Reference + " rejected: " + e.Reason
}

func (e ErrTransferRejected) Is(target error) bool {
	_, ok := target.(ErrTransferRejected)
	return ok
}

// ErrUnsupportedCurrency indicates no rate exists for the pair
type ErrUnsupportedCurrency struct {
	From, To string
}

func (e ErrUnsupportedCurrency) Error() string {
	return "unsupported currency pair: " + e.From + "/" + e.To
}

func (e ErrUnsupportedCurrency) Is(target error) bool {
	_, ok := target.(ErrUnsupportedCurrency)
	return ok
}

// ErrTransferNotFound indicates the partner has no transfer with the id
type ErrTransferNotFound struct {
	TransferID string
}

func (e ErrTransferNotFound) Error() string {
	return "transfer not found: " + e.TransferID
}

func (e ErrTransferNotFound) Is(target error) bool {
	_, ok := target.(ErrTransferNotFound)
	return ok
}

// IsCanceled reports whether err comes from the caller abandoning the call
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTransient reports whether err is a transport failure rather than a business rejection
func IsTransient(err error) bool {
	return errors.Is(err, ErrGatewayTimeout) ||
		errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// MapContextError converts a deadline on the per-call context into ErrGatewayTimeout
func MapContextError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if !errors.Is(err, ErrGatewayTimeout) {
			return fmt.Errorf("%w: %w", ErrGatewayTimeout, err)
		}
	}
	return err
}
