package domain

import "time"

type Notification struct {
	ID        int64         `gorm:"primaryKey" json:"id"`
	UserID    int64         `gorm:"index;not null" json:"user_id"`
	Type      EventType     `gorm:"type:varchar(40)" json:"type"`
	Title     string        `gorm:"size:255" json:"title"`
	Message   string        `gorm:"type:text" json:"message,omitempty"`
	BookingID int64         `gorm:"index" json:"booking_id"`
	Data      *BookingEvent `gorm:"serializer:json" json:"data,omitempty"`
	IsRead    bool          `gorm:"default:false" json:"is_read"`
	CreatedAt time.Time     `json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }

var eventTitles = map[EventType]string{
	EventBookingCreated:   "New booking request",
	EventBookingApproved:  "Booking approved",
	EventBookingRejected:  "Booking rejected",
	EventBookingCancelled: "Booking cancelled",
	EventBookingCompleted: "Booking completed",
	EventPaymentStarted:   "Payment started",
	EventPaymentPaid:      "Payment received",
	EventPaymentFailed:    "Payment failed",
	EventPaymentRefunded:  "Payment refunded",
}

// Title returns a short human readable headline for the event.
func (e BookingEvent) Title() string {
	if t, ok := eventTitles[e.Type]; ok {
		return t
	}
	return string(e.Type)
}
