package payment

import (
	"context"
	"time"

	"rentcore/internal/domain"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// Charge is what the core asks a provider to collect.
type Charge struct {
	BookingID     int64
	CorrelationID string
	Amount        float64
	Subject       string
}

// Initiation is the provider's answer to a charge. QRCode is set only by
// providers that render a scannable payload.
type Initiation struct {
	ProviderRef string
	RedirectURL string
	QRCode      string
}

type StatusQuery struct {
	CorrelationID string
	ProviderRef   string
}

// Callback is an inbound notification exactly as received.
type Callback struct {
	RawBody   []byte
	Signature string
}

// ProviderStatus is a provider outcome translated into core terms. Amount is
// in major units and zero when the provider did not report it.
type ProviderStatus struct {
	Outcome       Outcome
	CorrelationID string
	TransactionID string
	Amount        float64
	SettledAt     *time.Time
	Nonce         string
	Reason        string
}

// Provider is implemented by every payment integration. ParseCallback must
// return an error wrapping domain.ErrVerification whenever it cannot prove
// the payload came from the provider.
type Provider interface {
	Name() domain.PaymentMethod
	Initiate(ctx context.Context, charge Charge) (*Initiation, error)
	QueryStatus(ctx context.Context, q StatusQuery) (*ProviderStatus, error)
	ParseCallback(ctx context.Context, cb Callback) (*ProviderStatus, error)
}

type RefundRequest struct {
	CorrelationID string
	ProviderRef   string
	TransactionID string
	Amount        float64
	Reason        string
}

// Refunder is implemented by providers that can move funds back.
type Refunder interface {
	Refund(ctx context.Context, req RefundRequest) error
}
