package booking

import (
	"context"

	"rentcore/internal/domain"
	"rentcore/internal/repository"
)

// BookingRepository is the persistence the lifecycle service needs. Update
// must reject a stale version with domain.ErrConflict.
type BookingRepository interface {
	Create(ctx context.Context, b *domain.Booking) error
	GetByID(ctx context.Context, id int64) (*domain.Booking, error)
	Update(ctx context.Context, b *domain.Booking) error
	ListByRenter(ctx context.Context, renterID int64, f repository.ListFilter) ([]domain.Booking, error)
	ListByOwner(ctx context.Context, ownerID int64, f repository.ListFilter) ([]domain.Booking, error)
}

type ListingReader interface {
	GetByID(ctx context.Context, id int64) (*domain.Listing, error)
}

// NotificationSender receives lifecycle events. Failures are logged by the
// service and never undo a committed change.
type NotificationSender interface {
	Notify(ctx context.Context, ev domain.BookingEvent) error
}
