package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rentcore/internal/database"
	"rentcore/internal/domain"
	"rentcore/internal/pkg/logger"
	"rentcore/internal/repository"
)

var (
	renter   = domain.Actor{ID: 1, Role: domain.RoleUser}
	owner    = domain.Actor{ID: 2, Role: domain.RoleUser}
	stranger = domain.Actor{ID: 3, Role: domain.RoleUser}
	admin    = domain.Actor{ID: 9, Role: domain.RoleAdmin}
)

type recordingSender struct {
	mu     sync.Mutex
	events []domain.BookingEvent
	err    error
}

func (r *recordingSender) Notify(_ context.Context, ev domain.BookingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingSender) last() domain.BookingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	db       *gorm.DB
	bookings *repository.BookingRepository
	listings *repository.ListingRepository
	sender   *recordingSender
	svc      *Service
	listing  *domain.Listing
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Connect(fmt.Sprintf("file:booking_%s?mode=memory&cache=shared", name), logger.Discard())
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	f := &fixture{
		db:       db,
		bookings: repository.NewBookingRepository(db),
		listings: repository.NewListingRepository(db),
		sender:   &recordingSender{},
	}
	f.svc = NewService(f.bookings, f.listings, f.sender, logger.Discard())

	f.listing = &domain.Listing{OwnerID: owner.ID, Title: "Cabin", UnitPrice: 50, IsAvailable: true}
	require.NoError(t, f.listings.Create(context.Background(), f.listing))
	return f
}

func (f *fixture) create(t *testing.T) *domain.Booking {
	t.Helper()
	start := time.Date(2026, 7, 1, 14, 0, 0, 0, time.UTC)
	b, err := f.svc.CreateBooking(context.Background(), renter, CreateBookingRequest{
		ListingID: f.listing.ID,
		StartDate: start,
		EndDate:   start.Add(72 * time.Hour),
		Message:   "arriving late",
	})
	require.NoError(t, err)
	return b
}

func (f *fixture) markPaid(t *testing.T, b *domain.Booking) {
	t.Helper()
	fresh, err := f.bookings.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	changed, err := fresh.MarkPaid(domain.CheckoutDetails{CorrelationID: "bk-test"}, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, changed)
	require.NoError(t, f.bookings.Update(context.Background(), fresh))
}

func TestCreateBooking_SnapshotsPrice(t *testing.T) {
	f := newFixture(t)
	b := f.create(t)

	assert.Equal(t, 3, b.DurationDays)
	assert.Equal(t, 150.0, b.TotalAmount)
	assert.Equal(t, domain.BookingPending, b.Status)
	assert.Equal(t, domain.PaymentPending, b.PaymentStatus)
	assert.Equal(t, owner.ID, b.OwnerID)

	ev := f.sender.last()
	assert.Equal(t, domain.EventBookingCreated, ev.Type)
	assert.Equal(t, []int64{owner.ID}, ev.Recipients())

	got, err := f.svc.GetByID(context.Background(), b.ID, renter)
	require.NoError(t, err)
	assert.Equal(t, 150.0, got.TotalAmount)
	assert.Equal(t, "arriving late", got.Message)
}

func TestListingPriceChangeDoesNotTouchExistingBooking(t *testing.T) {
	f := newFixture(t)
	b := f.create(t)

	require.NoError(t, f.db.Model(&domain.Listing{}).Where("id = ?", f.listing.ID).Update("unit_price", 80).Error)

	_, err := f.svc.Respond(context.Background(), b.ID, owner, domain.DecisionApprove, "")
	require.NoError(t, err)

	got, err := f.svc.GetByID(context.Background(), b.ID, renter)
	require.NoError(t, err)
	assert.Equal(t, 150.0, got.TotalAmount)

	next := f.create(t)
	assert.Equal(t, 240.0, next.TotalAmount)
}

func TestCreateBooking_Validation(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	_, err := f.svc.CreateBooking(context.Background(), renter, CreateBookingRequest{ListingID: f.listing.ID, StartDate: start, EndDate: start})
	assert.ErrorIs(t, err, domain.ErrInvalidDateRange)

	_, err = f.svc.CreateBooking(context.Background(), owner, CreateBookingRequest{ListingID: f.listing.ID, StartDate: start, EndDate: start.Add(24 * time.Hour)})
	assert.ErrorIs(t, err, domain.ErrSelfBookingDenied)

	closed := &domain.Listing{OwnerID: owner.ID, UnitPrice: 10, IsAvailable: false}
	require.NoError(t, f.listings.Create(context.Background(), closed))
	_, err = f.svc.CreateBooking(context.Background(), renter, CreateBookingRequest{ListingID: closed.ID, StartDate: start, EndDate: start.Add(24 * time.Hour)})
	assert.ErrorIs(t, err, domain.ErrNotAvailable)

	_, err = f.svc.CreateBooking(context.Background(), renter, CreateBookingRequest{ListingID: 404, StartDate: start, EndDate: start.Add(24 * time.Hour)})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Empty(t, f.sender.events)
}

func TestRespond(t *testing.T) {
	f := newFixture(t)
	b := f.create(t)

	_, err := f.svc.Respond(context.Background(), b.ID, renter, domain.DecisionApprove, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := f.svc.Respond(context.Background(), b.ID, owner, domain.DecisionApprove, "welcome")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingApproved, got.Status)
	require.NotNil(t, got.OwnerResponse)
	assert.Equal(t, "welcome", got.OwnerResponse.Message)
	assert.Equal(t, int64(2), got.Version)

	ev := f.sender.last()
	assert.Equal(t, domain.EventBookingApproved, ev.Type)
	assert.Equal(t, []int64{renter.ID}, ev.Recipients())

	_, err = f.svc.Respond(context.Background(), b.ID, owner, domain.DecisionReject, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, b.ID, de.BookingID)
}

func TestRespond_AdminCanReject(t *testing.T) {
	f := newFixture(t)
	b := f.create(t)

	got, err := f.svc.Respond(context.Background(), b.ID, admin, domain.DecisionReject, "duplicate listing")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingRejected, got.Status)
	assert.Equal(t, domain.EventBookingRejected, f.sender.last().Type)

	_, err = f.svc.Cancel(context.Background(), b.ID, renter, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	b := f.create(t)

	_, err := f.svc.Cancel(context.Background(), b.ID, stranger, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := f.svc.Cancel(context.Background(), b.ID, renter, "plans changed")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, got.Status)
	assert.Equal(t, "plans changed", got.CancellationReason)
	require.NotNil(t, got.CancelledAt)
	assert.Equal(t, []int64{owner.ID}, f.sender.last().Recipients())

	_, err = f.svc.Cancel(context.Background(), b.ID, owner, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.svc.Respond(context.Background(), b.ID, owner, domain.DecisionApprove, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestComplete_RequiresPayment(t *testing.T) {
	f := newFixture(t)
	b := f.create(t)

	_, err := f.svc.Complete(context.Background(), b.ID, owner)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.Respond(context.Background(), b.ID, owner, domain.DecisionApprove, "")
	require.NoError(t, err)

	_, err = f.svc.Complete(context.Background(), b.ID, owner)
	assert.ErrorIs(t, err, domain.ErrPaymentRequired)

	f.markPaid(t, b)
	got, err := f.svc.Complete(context.Background(), b.ID, renter)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCompleted, got.Status)
	assert.Equal(t, domain.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, domain.EventBookingCompleted, f.sender.last().Type)

	_, err = f.svc.Cancel(context.Background(), b.ID, admin, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestGetByID_Visibility(t *testing.T) {
	f := newFixture(t)
	b := f.create(t)

	for _, a := range []domain.Actor{renter, owner, admin} {
		_, err := f.svc.GetByID(context.Background(), b.ID, a)
		assert.NoError(t, err)
	}
	_, err := f.svc.GetByID(context.Background(), b.ID, stranger)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.GetByID(context.Background(), 404, renter)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListMine(t *testing.T) {
	f := newFixture(t)
	first := f.create(t)
	f.create(t)
	_, err := f.svc.Cancel(context.Background(), first.ID, renter, "")
	require.NoError(t, err)

	asRenter, err := f.svc.ListMine(context.Background(), renter, ListQuery{})
	require.NoError(t, err)
	assert.Len(t, asRenter, 2)

	asOwner, err := f.svc.ListMine(context.Background(), owner, ListQuery{As: "owner", Status: "pending"})
	require.NoError(t, err)
	require.Len(t, asOwner, 1)
	assert.NotEqual(t, first.ID, asOwner[0].ID)

	none, err := f.svc.ListMine(context.Background(), owner, ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNotificationFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("smtp down")

	b := f.create(t)
	_, err := f.svc.Respond(context.Background(), b.ID, owner, domain.DecisionApprove, "")
	assert.NoError(t, err)
}

// flakyRepo reports a version conflict on the first n updates.
type flakyRepo struct {
	BookingRepository
	conflicts int
}

func (r *flakyRepo) Update(ctx context.Context, b *domain.Booking) error {
	if r.conflicts > 0 {
		r.conflicts--
		return domain.ErrConflict.At("update booking", b.ID)
	}
	return r.BookingRepository.Update(ctx, b)
}

func TestMutate_RetriesOnConflict(t *testing.T) {
	f := newFixture(t)
	b := f.create(t)

	repo := &flakyRepo{BookingRepository: f.bookings, conflicts: 2}
	svc := NewService(repo, f.listings, nil, logger.Discard())
	got, err := svc.Respond(context.Background(), b.ID, owner, domain.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingApproved, got.Status)

	repo.conflicts = defaultConflictRetries
	_, err = svc.Cancel(context.Background(), b.ID, owner, "")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestConcurrentDecisionsOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	b := f.create(t)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, d := range []domain.Decision{domain.DecisionApprove, domain.DecisionReject} {
		wg.Add(1)
		go func(d domain.Decision) {
			defer wg.Done()
			_, err := f.svc.Respond(context.Background(), b.ID, owner, d, "")
			results <- err
		}(d)
	}
	wg.Wait()
	close(results)

	var ok, refused int
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			refused++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, refused)
}
