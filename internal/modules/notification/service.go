package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rentcore/internal/domain"
)

type Repository interface {
	Create(ctx context.Context, n *domain.Notification) error
	ListByUser(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, userID, id int64) error
	MarkAllRead(ctx context.Context, userID int64) error
	CountUnread(ctx context.Context, userID int64) (int64, error)
}

// Service stores in-app notifications and pushes them to users that are
// online.
type Service struct {
	repo Repository
	hub  *Hub
}

func NewService(repo Repository, hub *Hub) *Service {
	return &Service{repo: repo, hub: hub}
}

// Notify writes one notification per recipient of ev.
func (s *Service) Notify(ctx context.Context, ev domain.BookingEvent) error {
	var errs []error
	for _, userID := range ev.Recipients() {
		data := ev
		n := &domain.Notification{
			UserID:    userID,
			Type:      ev.Type,
			Title:     ev.Title(),
			Message:   describe(ev),
			BookingID: ev.BookingID,
			Data:      &data,
			CreatedAt: ev.At,
		}
		if err := s.repo.Create(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("store notification for user %d: %w", userID, err))
			continue
		}
		if s.hub != nil {
			s.hub.SendToUser(userID, PushEvent{Type: "notification", Notification: n, Timestamp: time.Now().UTC()})
		}
	}
	return errors.Join(errs...)
}

func (s *Service) GetUserNotifications(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, int64, error) {
	list, err := s.repo.ListByUser(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, 0, err
	}
	unread, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	return list, unread, nil
}

func (s *Service) MarkAsRead(ctx context.Context, id, userID int64) error {
	return s.repo.MarkRead(ctx, userID, id)
}

func (s *Service) MarkAllAsRead(ctx context.Context, userID int64) error {
	return s.repo.MarkAllRead(ctx, userID)
}

// describe renders the one-line body shared by in-app and email notices.
func describe(ev domain.BookingEvent) string {
	msg := fmt.Sprintf("Booking #%d", ev.BookingID)
	switch ev.Type {
	case domain.EventBookingCreated:
		msg += fmt.Sprintf(" was requested for %.2f", ev.Amount)
	case domain.EventBookingApproved:
		msg += " was approved and is ready for payment"
	case domain.EventBookingRejected:
		msg += " was rejected"
	case domain.EventBookingCancelled:
		msg += " was cancelled"
	case domain.EventBookingCompleted:
		msg += " is completed"
	case domain.EventPaymentStarted:
		msg += fmt.Sprintf(": payment of %.2f started via %s", ev.Amount, ev.PaymentMethod)
	case domain.EventPaymentPaid:
		msg += fmt.Sprintf(": payment of %.2f received", ev.Amount)
	case domain.EventPaymentFailed:
		msg += ": payment failed"
	case domain.EventPaymentRefunded:
		msg += fmt.Sprintf(": %.2f refunded", ev.Amount)
	default:
		msg += ": " + string(ev.Type)
	}
	if ev.Reason != "" {
		msg += " (" + ev.Reason + ")"
	}
	return msg
}
