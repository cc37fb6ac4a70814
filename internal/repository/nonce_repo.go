package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type seenNonceModel struct {
	ID        int64     `gorm:"column:id;primaryKey"`
	Provider  string    `gorm:"column:provider;type:varchar(20);uniqueIndex:ux_seen_nonce;not null"`
	Nonce     string    `gorm:"column:nonce;type:varchar(64);uniqueIndex:ux_seen_nonce;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;index;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (seenNonceModel) TableName() string { return "seen_nonces" }

// NonceRepository remembers provider nonces until they expire.
type NonceRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewNonceRepository(db *gorm.DB) *NonceRepository {
	return &NonceRepository{db: db, now: time.Now}
}

// Seen reports whether nonce was already remembered for provider and is
// still inside its window.
func (r *NonceRepository) Seen(ctx context.Context, provider, nonce string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&seenNonceModel{}).
		Where("provider = ? AND nonce = ? AND expires_at > ?", provider, nonce, r.now().UTC()).
		Count(&n).Error
	return n > 0, err
}

// Remember records nonce for provider until ttl elapses. Remembering an
// existing nonce refreshes its window.
func (r *NonceRepository) Remember(ctx context.Context, provider, nonce string, ttl time.Duration) error {
	now := r.now().UTC()
	row := seenNonceModel{Provider: provider, Nonce: nonce, ExpiresAt: now.Add(ttl), CreatedAt: now}

	err := r.db.WithContext(ctx).Create(&row).Error
	if err == nil || !isUniqueConstraintError(err) {
		return err
	}
	return r.db.WithContext(ctx).Model(&seenNonceModel{}).
		Where("provider = ? AND nonce = ?", provider, nonce).
		Update("expires_at", now.Add(ttl)).Error
}

// PurgeExpired deletes nonces whose window has passed.
func (r *NonceRepository) PurgeExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", r.now().UTC()).
		Delete(&seenNonceModel{})
	return res.RowsAffected, res.Error
}
