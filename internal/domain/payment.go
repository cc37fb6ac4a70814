package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type PaymentMethod string

const (
	MethodCheckout    PaymentMethod = "checkout"
	MethodMobileMoney PaymentMethod = "mobile_money"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(s) {
	case MethodCheckout, MethodMobileMoney:
		return PaymentMethod(s), nil
	}
	return "", ErrUnknownProvider.WithMessage("unknown payment provider %q", s)
}

// PaymentDetails is the provider-specific half of a booking's payment state.
// Each provider has its own variant so fields of one never leak into another.
type PaymentDetails interface {
	Method() PaymentMethod
	Correlation() string
}

// CheckoutDetails describes a hosted checkout session.
type CheckoutDetails struct {
	CorrelationID   string `json:"correlation_id"`
	SessionID       string `json:"session_id"`
	RedirectURL     string `json:"redirect_url"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
}

func (CheckoutDetails) Method() PaymentMethod { return MethodCheckout }
func (d CheckoutDetails) Correlation() string { return d.CorrelationID }

// MobileMoneyDetails describes a signed-request order. QRCode is only ever
// present here.
type MobileMoneyDetails struct {
	CorrelationID string `json:"correlation_id"`
	TradeNo       string `json:"trade_no,omitempty"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	QRCode        string `json:"qr_code,omitempty"`
}

func (MobileMoneyDetails) Method() PaymentMethod { return MethodMobileMoney }
func (d MobileMoneyDetails) Correlation() string { return d.CorrelationID }

// EncodePaymentDetails serializes details for storage next to the method.
func EncodePaymentDetails(d PaymentDetails) (string, error) {
	if d == nil {
		return "", nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodePaymentDetails restores the variant selected by method.
func DecodePaymentDetails(method PaymentMethod, raw string) (PaymentDetails, error) {
	if raw == "" || method == "" {
		return nil, nil
	}
	switch method {
	case MethodCheckout:
		var d CheckoutDetails
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode checkout details: %w", err)
		}
		return d, nil
	case MethodMobileMoney:
		var d MobileMoneyDetails
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode mobile money details: %w", err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("decode payment details: unknown method %q", method)
}

type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptFailed     AttemptStatus = "failed"
	AttemptSuperseded AttemptStatus = "superseded"
)

// PaymentAttempt is one try at paying a booking. CorrelationID is the key
// providers echo back in their notifications.
type PaymentAttempt struct {
	ID            int64         `gorm:"primaryKey" json:"id"`
	BookingID     int64         `gorm:"index;not null" json:"booking_id"`
	Provider      PaymentMethod `gorm:"type:varchar(20);not null" json:"provider"`
	CorrelationID string        `gorm:"type:varchar(64);uniqueIndex;not null" json:"correlation_id"`
	ProviderRef   string        `gorm:"type:varchar(128)" json:"provider_ref,omitempty"`
	TransactionID string        `gorm:"type:varchar(128)" json:"transaction_id,omitempty"`
	RedirectURL   string        `gorm:"type:text" json:"redirect_url,omitempty"`
	QRCode        string        `gorm:"type:text" json:"qr_code,omitempty"`
	Amount        float64       `gorm:"type:decimal(12,2);not null" json:"amount"`
	Status        AttemptStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	RawCallback   string        `gorm:"type:text" json:"-"`
	FailureReason string        `gorm:"type:text" json:"failure_reason,omitempty"`
	SettledAt     *time.Time    `json:"settled_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

// Details builds the booking-side variant for this attempt.
func (a *PaymentAttempt) Details() PaymentDetails {
	switch a.Provider {
	case MethodCheckout:
		return CheckoutDetails{
			CorrelationID:   a.CorrelationID,
			SessionID:       a.ProviderRef,
			RedirectURL:     a.RedirectURL,
			PaymentIntentID: a.TransactionID,
		}
	case MethodMobileMoney:
		tradeNo := a.TransactionID
		if tradeNo == "" {
			tradeNo = a.ProviderRef
		}
		return MobileMoneyDetails{
			CorrelationID: a.CorrelationID,
			TradeNo:       tradeNo,
			RedirectURL:   a.RedirectURL,
			QRCode:        a.QRCode,
		}
	}
	return nil
}

// Settle applies a provider outcome to the attempt and reports whether the
// row changed. A succeeded attempt never goes back.
func (a *PaymentAttempt) Settle(status AttemptStatus, transactionID, reason, raw string, at time.Time) bool {
	if a.Status == AttemptSucceeded || a.Status == status {
		return false
	}
	if status == AttemptFailed && a.Status != AttemptPending {
		return false
	}
	a.Status = status
	if transactionID != "" {
		a.TransactionID = transactionID
	}
	if reason != "" {
		a.FailureReason = reason
	}
	if raw != "" {
		a.RawCallback = raw
	}
	a.SettledAt = &at
	a.UpdatedAt = at
	return true
}
