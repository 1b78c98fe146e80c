package settlement

import "fmt"

// Status defines settlement lifecycle states
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transitions are permitted
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a user supplied value to a Status
func ParseStatus(value string) (Status, error) {
	switch s := Status(value); s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown settlement status: %q", value)
	}
}

// Provider identifies the rail that carried the fiat transfer
type Provider string

const (
	ProviderBankAPI Provider = "bank_api"
	ProviderStripe  Provider = "stripe"
	ProviderWise    Provider = "wise"
	ProviderPaypal  Provider = "paypal"
	ProviderOther   Provider = "other"
)

// ParseProvider converts a configured value to a Provider, defaulting unknown values to other
func ParseProvider(value string) Provider {
	switch p := Provider(value); p {
	case ProviderBankAPI, ProviderStripe, ProviderWise, ProviderPaypal:
		return p
	case "":
		return ProviderBankAPI
	default:
		return ProviderOther
	}
}
