package notification

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"rentcore/internal/domain"
)

type Notifier interface {
	Notify(ctx context.Context, ev domain.BookingEvent) error
}

// Multi hands each event to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev domain.BookingEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async runs a slow notifier off the request path. The caller's context is
// not reused because the request may finish first.
type Async struct {
	next    Notifier
	timeout time.Duration
	log     logrus.FieldLogger
}

func NewAsync(next Notifier, timeout time.Duration, log logrus.FieldLogger) *Async {
	return &Async{next: next, timeout: timeout, log: log}
}

func (a *Async) Notify(_ context.Context, ev domain.BookingEvent) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, ev); err != nil {
			a.log.WithFields(logrus.Fields{"booking_id": ev.BookingID, "event": ev.Type}).WithError(err).Warn("background notification failed")
		}
	}()
	return nil
}
