package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"rentcore/internal/domain"
)

// UserRepository reads the user directory owned by the auth service. Create
// exists for seeding development data only.
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

type userModel struct {
	ID           int64     `gorm:"column:id;primaryKey"`
	Email        string    `gorm:"column:email;uniqueIndex;size:255"`
	PasswordHash string    `gorm:"column:password_hash"`
	Role         string    `gorm:"column:role;type:varchar(20)"`
	Name         string    `gorm:"column:name;size:255"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (userModel) TableName() string { return "users" }

func toContact(m userModel) *domain.Contact {
	return &domain.Contact{
		ID:    m.ID,
		Email: m.Email,
		Name:  m.Name,
		Role:  domain.UserRole(m.Role),
	}
}

func (r *UserRepository) Create(ctx context.Context, c *domain.Contact, passwordHash string) error {
	m := userModel{
		Email:        strings.TrimSpace(strings.ToLower(c.Email)),
		PasswordHash: passwordHash,
		Role:         string(c.Role),
		Name:         c.Name,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	*c = *toContact(m)
	return nil
}

func (r *UserRepository) GetContact(ctx context.Context, id int64) (*domain.Contact, error) {
	var m userModel
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err, "user")
	}
	return toContact(m), nil
}
