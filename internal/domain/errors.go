package domain

import (
	"errors"
	"fmt"
)

// ErrorKind groups errors by how a caller is expected to react to them.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindForbidden    ErrorKind = "forbidden"
	KindState        ErrorKind = "state"
	KindProvider     ErrorKind = "provider"
	KindVerification ErrorKind = "verification"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindRejected     ErrorKind = "rejected"
)

// Error is the structured error returned by the booking and payment core.
// Two errors match under errors.Is when their codes are equal, so the exported
// sentinels below can be compared against errors carrying extra context.
type Error struct {
	Kind      ErrorKind
	Code      string
	Op        string
	BookingID int64
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.BookingID != 0 {
		msg = fmt.Sprintf("%s (booking_id=%d)", msg, e.BookingID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// At returns a copy of e annotated with the failing operation and booking.
func (e *Error) At(op string, bookingID int64) *Error {
	cp := *e
	cp.Op = op
	cp.BookingID = bookingID
	return &cp
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// WithMessage returns a copy of e with a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

var (
	ErrInvalidDateRange  = &Error{Kind: KindValidation, Code: "INVALID_DATE_RANGE", Message: "end date must be after start date"}
	ErrSelfBookingDenied = &Error{Kind: KindValidation, Code: "SELF_BOOKING_DENIED", Message: "owners cannot book their own listing"}
	ErrNotAvailable      = &Error{Kind: KindValidation, Code: "NOT_AVAILABLE", Message: "listing is not available"}
	ErrInvalidInput      = &Error{Kind: KindValidation, Code: "VALIDATION_ERROR", Message: "invalid input"}
	ErrUnknownProvider   = &Error{Kind: KindValidation, Code: "UNKNOWN_PROVIDER", Message: "payment provider is not supported"}

	ErrForbidden = &Error{Kind: KindForbidden, Code: "FORBIDDEN", Message: "actor is not allowed to perform this action"}

	ErrInvalidTransition = &Error{Kind: KindState, Code: "INVALID_TRANSITION", Message: "operation is not allowed in the current booking state"}
	ErrPaymentRequired   = &Error{Kind: KindState, Code: "PAYMENT_REQUIRED", Message: "booking payment is not settled"}

	ErrProvider     = &Error{Kind: KindProvider, Code: "PROVIDER_ERROR", Message: "payment provider call failed"}
	ErrVerification = &Error{Kind: KindVerification, Code: "VERIFICATION_FAILED", Message: "callback verification failed"}

	ErrNotFound = &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: "not found"}
	ErrConflict = &Error{Kind: KindConflict, Code: "CONFLICT", Message: "booking was modified concurrently"}

	// ErrCallbackRejected is the only error an unauthenticated callback caller
	// ever sees, whatever the underlying reason.
	ErrCallbackRejected = &Error{Kind: KindRejected, Code: "CALLBACK_REJECTED", Message: "callback rejected"}
)

// KindOf reports the kind of a core error, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return KindProvider
	}
	return ""
}

// ProviderError carries the provider's own failure code and message.
type ProviderError struct {
	Provider PaymentMethod
	Code     string
	Message  string
	Timeout  bool
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s provider error", e.Provider)
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == ErrProvider.Code
}
