package repository

import (
	"context"

	"gorm.io/gorm"

	"rentcore/internal/domain"
)

type PaymentAttemptRepository struct {
	db *gorm.DB
}

func NewPaymentAttemptRepository(db *gorm.DB) *PaymentAttemptRepository {
	return &PaymentAttemptRepository{db: db}
}

func (r *PaymentAttemptRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	if err := r.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&a).Error; err != nil {
		return nil, notFound(err, "payment attempt")
	}
	return &a, nil
}

func (r *PaymentAttemptRepository) ListByBooking(ctx context.Context, bookingID int64) ([]domain.PaymentAttempt, error) {
	var out []domain.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	return out, err
}

// RecordInitiation stores a new attempt, supersedes any pending one and saves
// the booking in a single transaction. A stale booking version rolls the whole
// thing back with domain.ErrConflict.
func (r *PaymentAttemptRepository) RecordInitiation(ctx context.Context, b *domain.Booking, a *domain.PaymentAttempt) error {
	version := b.Version
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.PaymentAttempt{}).
			Where("booking_id = ? AND status = ?", b.ID, domain.AttemptPending).
			Updates(map[string]interface{}{
				"status":     domain.AttemptSuperseded,
				"updated_at": a.CreatedAt,
			}).Error; err != nil {
			return err
		}
		if err := tx.Create(a).Error; err != nil {
			if isUniqueConstraintError(err) {
				return domain.ErrConflict.At("record payment attempt", b.ID).WithMessage("correlation id %s already used", a.CorrelationID)
			}
			return err
		}
		return updateBooking(tx, b)
	})
	if err != nil {
		b.Version = version
	}
	return err
}

// RecordSettlement persists the outcome of a provider notification. The
// booking is written only when bookingChanged; the attempt row only when
// attemptChanged, and never away from succeeded.
func (r *PaymentAttemptRepository) RecordSettlement(ctx context.Context, b *domain.Booking, bookingChanged bool, a *domain.PaymentAttempt, attemptChanged bool) error {
	version := b.Version
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if attemptChanged {
			if err := tx.Model(&domain.PaymentAttempt{}).
				Where("id = ? AND status <> ?", a.ID, domain.AttemptSucceeded).
				Updates(map[string]interface{}{
					"status":         a.Status,
					"transaction_id": a.TransactionID,
					"failure_reason": a.FailureReason,
					"raw_callback":   a.RawCallback,
					"settled_at":     a.SettledAt,
					"updated_at":     a.UpdatedAt,
				}).Error; err != nil {
				return err
			}
		}
		if bookingChanged {
			return updateBooking(tx, b)
		}
		return nil
	})
	if err != nil {
		b.Version = version
	}
	return err
}
