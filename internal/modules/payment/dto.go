package payment

import (
	"time"

	"rentcore/internal/domain"
)

type InitiatePaymentRequest struct {
	Method string `json:"method" binding:"required" validate:"required,oneof=checkout mobile_money"`
}

type RefundRequestBody struct {
	Reason string `json:"reason" validate:"max=500"`
}

type InitiatePaymentResponse struct {
	BookingID     int64                `json:"booking_id"`
	Method        domain.PaymentMethod `json:"method"`
	CorrelationID string               `json:"correlation_id"`
	RedirectURL   string               `json:"redirect_url,omitempty"`
	QRCode        string               `json:"qr_code,omitempty"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	Resumed       bool                 `json:"resumed,omitempty"`
}

type PaymentStatusResponse struct {
	BookingID     int64                `json:"booking_id"`
	Outcome       Outcome              `json:"outcome"`
	Changed       bool                 `json:"changed"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	PaidAt        *time.Time           `json:"paid_at,omitempty"`
}

func toInitiateResponse(r *InitiationResult) InitiatePaymentResponse {
	return InitiatePaymentResponse{
		BookingID:     r.Booking.ID,
		Method:        r.Attempt.Provider,
		CorrelationID: r.Attempt.CorrelationID,
		RedirectURL:   r.Attempt.RedirectURL,
		QRCode:        r.Attempt.QRCode,
		PaymentStatus: r.Booking.PaymentStatus,
		Resumed:       r.Resumed,
	}
}
