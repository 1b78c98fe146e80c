package settlement

import "github.com/google/uuid"

// ErrDuplicatePaymentReference indicates a settlement already exists for the payment
type ErrDuplicatePaymentReference struct {
	PaymentRequestID string
}

func (e ErrDuplicatePaymentReference) Error() string {
	return "settlement already exists for payment request: " + e.PaymentRequestID
}

// Is matches any duplicate reference error regardless of the payment id
func (e ErrDuplicatePaymentReference) Is(target error) bool {
	_, ok := target.(ErrDuplicatePaymentReference)
	return ok
}

// ErrSettlementNotFound indicates missing settlement
type ErrSettlementNotFound struct {
	ID uuid.UUID
}

func (e ErrSettlementNotFound) Error() string {
	return "settlement not found: " + e.ID.String()
}

func (e ErrSettlementNotFound) Is(target error) bool {
	_, ok := target.(ErrSettlementNotFound)
	return ok
}

// ErrTerminalState indicates a transition was attempted on a COMPLETED or FAILED settlement
type ErrTerminalState struct {
	ID     uuid.UUID
	Status Status
}

func (e ErrTerminalState) Error() string {
	return "settlement " + e.ID.String() + " is already " + string(e.Status)
}

func (e ErrTerminalState) Is(target error) bool {
	_, ok := target.(ErrTerminalState)
	return ok
}

// ErrRejectedByStore indicates the store refused a record because of its data, not its availability.
// Retrying the same record cannot succeed.
type ErrRejectedByStore struct {
	Cause error
}

func (e ErrRejectedByStore) Error() string {
	if e.Cause == nil {
		return "settlement rejected by store"
	}
	return "settlement rejected by store: " + e.Cause.Error()
}

func (e ErrRejectedByStore) Is(target error) bool {
	_, ok := target.(ErrRejectedByStore)
	return ok
}

func (e ErrRejectedByStore) Unwrap() error {
	return e.Cause
}
