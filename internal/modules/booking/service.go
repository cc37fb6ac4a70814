package booking

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"rentcore/internal/domain"
	"rentcore/internal/repository"
)

const defaultConflictRetries = 5

// Service owns the booking lifecycle: creation, the owner's decision,
// cancellation and completion. Payment status is written only by the payment
// service.
type Service struct {
	bookings BookingRepository
	listings ListingReader
	notifs   NotificationSender
	log      logrus.FieldLogger
	retries  int
	now      func() time.Time
}

func NewService(bookings BookingRepository, listings ListingReader, notifs NotificationSender, log logrus.FieldLogger) *Service {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Service{
		bookings: bookings,
		listings: listings,
		notifs:   notifs,
		log:      log.WithField("component", "booking"),
		retries:  defaultConflictRetries,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateBooking(ctx context.Context, actor domain.Actor, req CreateBookingRequest) (*domain.Booking, error) {
	const op = "create booking"

	listing, err := s.listings.GetByID(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	b, err := domain.NewBooking(actor.ID, listing, req.StartDate.UTC(), req.EndDate.UTC(), req.Message, now)
	if err != nil {
		return nil, annotate(err, op, 0)
	}
	if err := s.bookings.Create(ctx, b); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"booking_id": b.ID, "listing_id": b.ListingID, "total_amount": b.TotalAmount}).Info("booking created")
	s.notify(ctx, domain.NewBookingEvent(domain.EventBookingCreated, b, actor.ID, "", now))
	return b, nil
}

// Respond records the owner's decision on a pending booking.
func (s *Service) Respond(ctx context.Context, bookingID int64, actor domain.Actor, decision domain.Decision, message string) (*domain.Booking, error) {
	const op = "respond to booking"

	var at time.Time
	b, err := s.mutate(ctx, op, bookingID, func(b *domain.Booking) error {
		if !b.IsOwner(actor) && !actor.IsAdmin() {
			return domain.ErrForbidden.WithMessage("only the listing owner can respond to a booking")
		}
		at = s.now()
		return b.Respond(decision, message, at)
	})
	if err != nil {
		return nil, err
	}

	event := domain.EventBookingApproved
	if b.Status == domain.BookingRejected {
		event = domain.EventBookingRejected
	}
	s.log.WithFields(logrus.Fields{"booking_id": b.ID, "status": b.Status}).Info("owner responded to booking")
	s.notify(ctx, domain.NewBookingEvent(event, b, actor.ID, message, at))
	return b, nil
}

func (s *Service) Cancel(ctx context.Context, bookingID int64, actor domain.Actor, reason string) (*domain.Booking, error) {
	const op = "cancel booking"

	var at time.Time
	b, err := s.mutate(ctx, op, bookingID, func(b *domain.Booking) error {
		if !b.CanView(actor) {
			return domain.ErrForbidden
		}
		at = s.now()
		return b.Cancel(reason, at)
	})
	if err != nil {
		return nil, err
	}

	log := s.log.WithField("booking_id", b.ID)
	if b.PaymentStatus == domain.PaymentPaid {
		log.Warn("paid booking cancelled, refund must be issued separately")
	} else {
		log.Info("booking cancelled")
	}
	s.notify(ctx, domain.NewBookingEvent(domain.EventBookingCancelled, b, actor.ID, reason, at))
	return b, nil
}

// Complete closes an approved booking. It requires a settled payment.
func (s *Service) Complete(ctx context.Context, bookingID int64, actor domain.Actor) (*domain.Booking, error) {
	const op = "complete booking"

	var at time.Time
	b, err := s.mutate(ctx, op, bookingID, func(b *domain.Booking) error {
		if !b.CanView(actor) {
			return domain.ErrForbidden
		}
		at = s.now()
		return b.Complete(at)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("booking_id", b.ID).Info("booking completed")
	s.notify(ctx, domain.NewBookingEvent(domain.EventBookingCompleted, b, actor.ID, "", at))
	return b, nil
}

func (s *Service) GetByID(ctx context.Context, bookingID int64, actor domain.Actor) (*domain.Booking, error) {
	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.CanView(actor) {
		return nil, domain.ErrForbidden.At("get booking", bookingID)
	}
	return b, nil
}

// ListMine returns the actor's bookings as renter, or as owner when
// q.As is "owner".
func (s *Service) ListMine(ctx context.Context, actor domain.Actor, q ListQuery) ([]domain.Booking, error) {
	f := repository.ListFilter{
		Status: domain.BookingStatus(q.Status),
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	if q.As == "owner" {
		return s.bookings.ListByOwner(ctx, actor.ID, f)
	}
	return s.bookings.ListByRenter(ctx, actor.ID, f)
}

// mutate loads the booking, applies fn and saves it with the version check,
// starting over from a fresh read when another writer got there first.
func (s *Service) mutate(ctx context.Context, op string, bookingID int64, fn func(b *domain.Booking) error) (*domain.Booking, error) {
	for i := 0; i < s.retries; i++ {
		b, err := s.bookings.GetByID(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if err := fn(b); err != nil {
			return nil, annotate(err, op, bookingID)
		}
		err = s.bookings.Update(ctx, b)
		if errors.Is(err, domain.ErrConflict) {
			s.log.WithFields(logrus.Fields{"booking_id": bookingID, "attempt": i + 1}).Debug("version conflict, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, domain.ErrConflict.At(op, bookingID)
}

func (s *Service) notify(ctx context.Context, ev domain.BookingEvent) {
	if s.notifs == nil {
		return
	}
	if err := s.notifs.Notify(ctx, ev); err != nil {
		s.log.WithFields(logrus.Fields{"booking_id": ev.BookingID, "event": ev.Type}).WithError(err).Warn("notification failed")
	}
}

func annotate(err error, op string, bookingID int64) error {
	var de *domain.Error
	if errors.As(err, &de) && de.Op == "" {
		return de.At(op, bookingID)
	}
	return err
}
