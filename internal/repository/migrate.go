package repository

import (
	"gorm.io/gorm"

	"rentcore/internal/domain"
)

// Migrate creates or updates every table the service owns, plus the
// listings and users tables it reads so local setups work out of the box.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&userModel{},
		&domain.Listing{},
		&bookingModel{},
		&domain.PaymentAttempt{},
		&seenNonceModel{},
		&domain.Notification{},
	)
}
