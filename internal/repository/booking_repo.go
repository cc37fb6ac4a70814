package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"rentcore/internal/domain"
)

type BookingRepository struct {
	db *gorm.DB
}

func NewBookingRepository(db *gorm.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

type bookingModel struct {
	ID                   int64      `gorm:"column:id;primaryKey"`
	ListingID            int64      `gorm:"column:listing_id;index;not null"`
	RenterID             int64      `gorm:"column:renter_id;index;not null"`
	OwnerID              int64      `gorm:"column:owner_id;index;not null"`
	StartDate            time.Time  `gorm:"column:start_date;not null"`
	EndDate              time.Time  `gorm:"column:end_date;not null"`
	DurationDays         int        `gorm:"column:duration_days;not null"`
	TotalAmount          float64    `gorm:"column:total_amount;type:decimal(12,2);not null"`
	Message              *string    `gorm:"column:message;type:text"`
	Status               string     `gorm:"column:status;type:varchar(20);index;not null"`
	PaymentStatus        string     `gorm:"column:payment_status;type:varchar(20);not null"`
	PaymentMethod        *string    `gorm:"column:payment_method;type:varchar(20)"`
	PaymentDetails       *string    `gorm:"column:payment_details;type:text"`
	PaidAt               *time.Time `gorm:"column:paid_at"`
	RefundedAt           *time.Time `gorm:"column:refunded_at"`
	RefundReason         *string    `gorm:"column:refund_reason;type:text"`
	OwnerResponseMessage *string    `gorm:"column:owner_response_message;type:text"`
	OwnerRespondedAt     *time.Time `gorm:"column:owner_responded_at"`
	CancellationReason   *string    `gorm:"column:cancellation_reason;type:text"`
	CancelledAt          *time.Time `gorm:"column:cancelled_at"`
	Version              int64      `gorm:"column:version;not null;default:1"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

func (bookingModel) TableName() string { return "bookings" }

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toDomainBooking(m bookingModel) (*domain.Booking, error) {
	method := domain.PaymentMethod(derefString(m.PaymentMethod))
	details, err := domain.DecodePaymentDetails(method, derefString(m.PaymentDetails))
	if err != nil {
		return nil, err
	}

	b := &domain.Booking{
		ID:                 m.ID,
		ListingID:          m.ListingID,
		RenterID:           m.RenterID,
		OwnerID:            m.OwnerID,
		StartDate:          m.StartDate,
		EndDate:            m.EndDate,
		DurationDays:       m.DurationDays,
		TotalAmount:        m.TotalAmount,
		Message:            derefString(m.Message),
		Status:             domain.BookingStatus(m.Status),
		PaymentStatus:      domain.PaymentStatus(m.PaymentStatus),
		PaymentMethod:      method,
		Payment:            details,
		PaidAt:             m.PaidAt,
		RefundedAt:         m.RefundedAt,
		RefundReason:       derefString(m.RefundReason),
		CancellationReason: derefString(m.CancellationReason),
		CancelledAt:        m.CancelledAt,
		Version:            m.Version,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	if m.OwnerRespondedAt != nil {
		b.OwnerResponse = &domain.OwnerResponse{
			Message:     derefString(m.OwnerResponseMessage),
			RespondedAt: *m.OwnerRespondedAt,
		}
	}
	return b, nil
}

func toBookingModel(b *domain.Booking) (bookingModel, error) {
	details, err := domain.EncodePaymentDetails(b.Payment)
	if err != nil {
		return bookingModel{}, err
	}

	m := bookingModel{
		ID:                 b.ID,
		ListingID:          b.ListingID,
		RenterID:           b.RenterID,
		OwnerID:            b.OwnerID,
		StartDate:          b.StartDate,
		EndDate:            b.EndDate,
		DurationDays:       b.DurationDays,
		TotalAmount:        b.TotalAmount,
		Message:            optString(b.Message),
		Status:             string(b.Status),
		PaymentStatus:      string(b.PaymentStatus),
		PaymentMethod:      optString(string(b.PaymentMethod)),
		PaymentDetails:     optString(details),
		PaidAt:             b.PaidAt,
		RefundedAt:         b.RefundedAt,
		RefundReason:       optString(b.RefundReason),
		CancellationReason: optString(b.CancellationReason),
		CancelledAt:        b.CancelledAt,
		Version:            b.Version,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
	if b.OwnerResponse != nil {
		m.OwnerResponseMessage = optString(b.OwnerResponse.Message)
		at := b.OwnerResponse.RespondedAt
		m.OwnerRespondedAt = &at
	}
	return m, nil
}

func (r *BookingRepository) Create(ctx context.Context, b *domain.Booking) error {
	b.Version = 1
	m, err := toBookingModel(b)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	b.ID = m.ID
	b.CreatedAt = m.CreatedAt
	b.UpdatedAt = m.UpdatedAt
	return nil
}

func (r *BookingRepository) GetByID(ctx context.Context, id int64) (*domain.Booking, error) {
	var m bookingModel
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, "booking")
	}
	return toDomainBooking(m)
}

// Update writes the mutable columns of b if nobody else changed the row since
// it was loaded. It returns domain.ErrConflict otherwise and bumps b.Version on
// success.
func (r *BookingRepository) Update(ctx context.Context, b *domain.Booking) error {
	return updateBooking(r.db.WithContext(ctx), b)
}

// updateBooking never touches the identity, date or amount columns.
func updateBooking(tx *gorm.DB, b *domain.Booking) error {
	m, err := toBookingModel(b)
	if err != nil {
		return err
	}
	res := tx.Model(&bookingModel{}).
		Where("id = ? AND version = ?", b.ID, b.Version).
		Updates(map[string]interface{}{
			"status":                 m.Status,
			"payment_status":         m.PaymentStatus,
			"payment_method":         m.PaymentMethod,
			"payment_details":        m.PaymentDetails,
			"paid_at":                m.PaidAt,
			"refunded_at":            m.RefundedAt,
			"refund_reason":          m.RefundReason,
			"owner_response_message": m.OwnerResponseMessage,
			"owner_responded_at":     m.OwnerRespondedAt,
			"cancellation_reason":    m.CancellationReason,
			"cancelled_at":           m.CancelledAt,
			"version":                b.Version + 1,
			"updated_at":             b.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict.At("update booking", b.ID)
	}
	b.Version++
	return nil
}

type ListFilter struct {
	Status domain.BookingStatus
	Limit  int
	Offset int
}

func (r *BookingRepository) ListByRenter(ctx context.Context, renterID int64, f ListFilter) ([]domain.Booking, error) {
	return r.list(ctx, "renter_id = ?", renterID, f)
}

func (r *BookingRepository) ListByOwner(ctx context.Context, ownerID int64, f ListFilter) ([]domain.Booking, error) {
	return r.list(ctx, "owner_id = ?", ownerID, f)
}

func (r *BookingRepository) list(ctx context.Context, where string, id int64, f ListFilter) ([]domain.Booking, error) {
	q := r.db.WithContext(ctx).Model(&bookingModel{}).Where(where, id)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}

	var rows []bookingModel
	if err := q.Order("created_at DESC, id DESC").Limit(f.Limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]domain.Booking, 0, len(rows))
	for _, m := range rows {
		b, err := toDomainBooking(m)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}
