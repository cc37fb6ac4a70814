package domain

import (
	"math"
	"time"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingApproved  BookingStatus = "approved"
	BookingRejected  BookingStatus = "rejected"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// Terminal reports whether no further status transition is permitted.
func (s BookingStatus) Terminal() bool {
	return s == BookingRejected || s == BookingCancelled || s == BookingCompleted
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentFailed   PaymentStatus = "failed"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

var statusTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:  {BookingApproved, BookingRejected, BookingCancelled},
	BookingApproved: {BookingCancelled, BookingCompleted},
}

func canTransition(from, to BookingStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type OwnerResponse struct {
	Message     string    `json:"message,omitempty"`
	RespondedAt time.Time `json:"responded_at"`
}

// Booking is a renter's request to occupy a listing for a date range. All
// state changes go through its methods; the repository persists the result
// with an optimistic version check.
type Booking struct {
	ID        int64 `json:"id"`
	ListingID int64 `json:"listing_id"`
	RenterID  int64 `json:"renter_id"`
	OwnerID   int64 `json:"owner_id"`

	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	DurationDays int       `json:"duration_days"`
	TotalAmount  float64   `json:"total_amount"`
	Message      string    `json:"message,omitempty"`

	Status        BookingStatus  `json:"status"`
	PaymentStatus PaymentStatus  `json:"payment_status"`
	PaymentMethod PaymentMethod  `json:"payment_method,omitempty"`
	Payment       PaymentDetails `json:"payment_details,omitempty"`
	PaidAt        *time.Time     `json:"paid_at,omitempty"`
	RefundedAt    *time.Time     `json:"refunded_at,omitempty"`
	RefundReason  string         `json:"refund_reason,omitempty"`

	OwnerResponse      *OwnerResponse `json:"owner_response,omitempty"`
	CancellationReason string         `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DurationDays counts started days between start and end.
func DurationDays(start, end time.Time) int {
	return int(math.Ceil(end.Sub(start).Hours() / 24))
}

// NewBooking validates the request against the listing and snapshots the
// total price. The listing's later price changes never reach the booking.
func NewBooking(renterID int64, listing *Listing, start, end time.Time, message string, now time.Time) (*Booking, error) {
	if !end.After(start) {
		return nil, ErrInvalidDateRange
	}
	if !listing.IsAvailable {
		return nil, ErrNotAvailable
	}
	if listing.OwnerID == renterID {
		return nil, ErrSelfBookingDenied
	}

	days := DurationDays(start, end)
	total := math.Round(float64(days)*listing.UnitPrice*100) / 100

	return &Booking{
		ListingID:     listing.ID,
		RenterID:      renterID,
		OwnerID:       listing.OwnerID,
		StartDate:     start,
		EndDate:       end,
		DurationDays:  days,
		TotalAmount:   total,
		Message:       message,
		Status:        BookingPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (b *Booking) IsRenter(a Actor) bool { return a.ID == b.RenterID }
func (b *Booking) IsOwner(a Actor) bool  { return a.ID == b.OwnerID }

// CanView reports whether a is the renter, the owner or an admin.
func (b *Booking) CanView(a Actor) bool {
	return a.IsAdmin() || b.IsRenter(a) || b.IsOwner(a)
}

func (b *Booking) transition(to BookingStatus) error {
	if b.Status.Terminal() || !canTransition(b.Status, to) {
		return ErrInvalidTransition.WithMessage("cannot move booking from %s to %s", b.Status, to)
	}
	b.Status = to
	return nil
}

// Respond applies the owner's decision on a pending booking.
func (b *Booking) Respond(decision Decision, message string, at time.Time) error {
	var to BookingStatus
	switch decision {
	case DecisionApprove:
		to = BookingApproved
	case DecisionReject:
		to = BookingRejected
	default:
		return ErrInvalidInput.WithMessage("unknown decision %q", decision)
	}
	if b.Status != BookingPending || b.OwnerResponse != nil {
		return ErrInvalidTransition.WithMessage("booking is %s, only pending bookings can be answered", b.Status)
	}
	if err := b.transition(to); err != nil {
		return err
	}
	b.OwnerResponse = &OwnerResponse{Message: message, RespondedAt: at}
	b.UpdatedAt = at
	return nil
}

func (b *Booking) Cancel(reason string, at time.Time) error {
	if err := b.transition(BookingCancelled); err != nil {
		return err
	}
	b.CancellationReason = reason
	b.CancelledAt = &at
	b.UpdatedAt = at
	return nil
}

func (b *Booking) Complete(at time.Time) error {
	if b.Status != BookingApproved {
		return ErrInvalidTransition.WithMessage("booking is %s, only approved bookings can be completed", b.Status)
	}
	if b.PaymentStatus != PaymentPaid {
		return ErrPaymentRequired.WithMessage("payment status is %s", b.PaymentStatus)
	}
	if err := b.transition(BookingCompleted); err != nil {
		return err
	}
	b.UpdatedAt = at
	return nil
}

// CanStartPayment checks whether a new payment attempt may be attached.
func (b *Booking) CanStartPayment() error {
	if b.Status != BookingApproved {
		return ErrInvalidTransition.WithMessage("booking is %s, payment requires an approved booking", b.Status)
	}
	switch b.PaymentStatus {
	case PaymentPaid:
		return ErrInvalidTransition.WithMessage("booking is already paid")
	case PaymentRefunded:
		return ErrInvalidTransition.WithMessage("booking payment was refunded")
	}
	return nil
}

// AttachPayment records a freshly initiated attempt. A failed attempt is
// superseded and payment status returns to pending.
func (b *Booking) AttachPayment(details PaymentDetails, at time.Time) error {
	if err := b.CanStartPayment(); err != nil {
		return err
	}
	b.PaymentMethod = details.Method()
	b.Payment = details
	b.PaymentStatus = PaymentPending
	b.UpdatedAt = at
	return nil
}

// MarkPaid settles the booking. It is a no-op once the booking is paid or
// refunded, so duplicate confirmations produce no change.
func (b *Booking) MarkPaid(details PaymentDetails, at time.Time) (bool, error) {
	if b.PaymentStatus == PaymentPaid || b.PaymentStatus == PaymentRefunded {
		return false, nil
	}
	if b.Status != BookingApproved {
		return false, ErrInvalidTransition.WithMessage("booking is %s, only approved bookings can be paid", b.Status)
	}
	b.PaymentStatus = PaymentPaid
	if details != nil {
		b.PaymentMethod = details.Method()
		b.Payment = details
	}
	b.PaidAt = &at
	b.UpdatedAt = at
	return true, nil
}

// MarkFailed records a failed attempt. Success is sticky: a paid or refunded
// booking never moves to failed.
func (b *Booking) MarkFailed(at time.Time) bool {
	if b.PaymentStatus != PaymentPending {
		return false
	}
	b.PaymentStatus = PaymentFailed
	b.UpdatedAt = at
	return true
}

func (b *Booking) Refund(reason string, at time.Time) error {
	if b.PaymentStatus != PaymentPaid {
		return ErrInvalidTransition.WithMessage("payment status is %s, only paid bookings can be refunded", b.PaymentStatus)
	}
	b.PaymentStatus = PaymentRefunded
	b.RefundedAt = &at
	b.RefundReason = reason
	b.UpdatedAt = at
	return nil
}
