package payment

import (
	"context"
	"time"

	"rentcore/internal/domain"
)

type bookingStore interface {
	GetByID(ctx context.Context, id int64) (*domain.Booking, error)
	Update(ctx context.Context, b *domain.Booking) error
}

type attemptStore interface {
	GetByCorrelationID(ctx context.Context, correlationID string) (*domain.PaymentAttempt, error)
	ListByBooking(ctx context.Context, bookingID int64) ([]domain.PaymentAttempt, error)
	RecordInitiation(ctx context.Context, b *domain.Booking, a *domain.PaymentAttempt) error
	RecordSettlement(ctx context.Context, b *domain.Booking, bookingChanged bool, a *domain.PaymentAttempt, attemptChanged bool) error
}

// NonceStore remembers nonces of callbacks that were fully applied, for ttl.
type NonceStore interface {
	Seen(ctx context.Context, provider, nonce string) (bool, error)
	Remember(ctx context.Context, provider, nonce string, ttl time.Duration) error
}

type Notifier interface {
	Notify(ctx context.Context, ev domain.BookingEvent) error
}
