package domain

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// Actor is the caller identity handed over by the auth layer.
type Actor struct {
	ID   int64
	Role UserRole
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Listing is the read-only view of a rentable item the core needs.
type Listing struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	OwnerID     int64     `gorm:"index;not null" json:"owner_id"`
	Title       string    `gorm:"size:255" json:"title"`
	UnitPrice   float64   `gorm:"type:decimal(12,2);not null" json:"unit_price"`
	IsAvailable bool      `gorm:"default:true" json:"is_available"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Listing) TableName() string { return "listings" }

// Contact is the read-only slice of a user record used for email delivery.
type Contact struct {
	ID    int64
	Email string
	Name  string
	Role  UserRole
}

type EventType string

const (
	EventBookingCreated   EventType = "booking.created"
	EventBookingApproved  EventType = "booking.approved"
	EventBookingRejected  EventType = "booking.rejected"
	EventBookingCancelled EventType = "booking.cancelled"
	EventBookingCompleted EventType = "booking.completed"
	EventPaymentStarted   EventType = "payment.started"
	EventPaymentPaid      EventType = "payment.paid"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentRefunded  EventType = "payment.refunded"
)

// BookingEvent is handed to notifiers after a committed state change.
type BookingEvent struct {
	Type          EventType     `json:"type"`
	BookingID     int64         `json:"booking_id"`
	ListingID     int64         `json:"listing_id"`
	RenterID      int64         `json:"renter_id"`
	OwnerID       int64         `json:"owner_id"`
	ActorID       int64         `json:"actor_id,omitempty"`
	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentMethod PaymentMethod `json:"payment_method,omitempty"`
	Amount        float64       `json:"amount"`
	Reason        string        `json:"reason,omitempty"`
	At            time.Time     `json:"at"`
}

// NewBookingEvent snapshots b for notifiers.
func NewBookingEvent(t EventType, b *Booking, actorID int64, reason string, at time.Time) BookingEvent {
	return BookingEvent{
		Type:          t,
		BookingID:     b.ID,
		ListingID:     b.ListingID,
		RenterID:      b.RenterID,
		OwnerID:       b.OwnerID,
		ActorID:       actorID,
		Status:        b.Status,
		PaymentStatus: b.PaymentStatus,
		PaymentMethod: b.PaymentMethod,
		Amount:        b.TotalAmount,
		Reason:        reason,
		At:            at,
	}
}

// Recipients returns the parties that should hear about e, excluding the
// actor who caused it.
func (e BookingEvent) Recipients() []int64 {
	var out []int64
	for _, id := range []int64{e.RenterID, e.OwnerID} {
		if id != 0 && id != e.ActorID {
			out = append(out, id)
		}
	}
	return out
}
