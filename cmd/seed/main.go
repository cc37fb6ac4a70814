package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"rentcore/internal/config"
	"rentcore/internal/database"
	"rentcore/internal/domain"
	"rentcore/internal/pkg/jwt"
	"rentcore/internal/pkg/logger"
	"rentcore/internal/repository"
)

type seedUser struct {
	email    string
	name     string
	password string
	role     domain.UserRole
}

var users = []seedUser{
	{email: "admin@rentcore.local", name: "Admin", password: "admin123", role: domain.RoleAdmin},
	{email: "owner@rentcore.local", name: "Owner One", password: "owner123", role: domain.RoleUser},
	{email: "renter@rentcore.local", name: "Renter One", password: "renter123", role: domain.RoleUser},
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config: ", err)
	}

	db, err := database.Connect(cfg.DatabaseURL, logger.Discard())
	if err != nil {
		log.Fatal("DB connection failed: ", err)
	}
	if err := repository.Migrate(db); err != nil {
		log.Fatal("migration failed: ", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	log.Println("Cleaning old data...")
	for _, table := range []string{"notifications", "payment_attempts", "bookings", "listings", "seen_nonces", "users"} {
		if err := db.WithContext(ctx).Exec("DELETE FROM " + table).Error; err != nil {
			log.Fatalf("clean %s: %v", table, err)
		}
	}

	userRepo := repository.NewUserRepository(db)
	listingRepo := repository.NewListingRepository(db)
	tokens := jwt.New(cfg.JWTSecret, 30*24*time.Hour)

	log.Println("Creating users...")
	contacts := make([]*domain.Contact, 0, len(users))
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal("hash password: ", err)
		}
		c := &domain.Contact{Email: u.email, Name: u.name, Role: u.role}
		if err := userRepo.Create(ctx, c, string(hash)); err != nil {
			log.Fatalf("create user %s: %v", u.email, err)
		}
		contacts = append(contacts, c)
	}
	owner := contacts[1]

	log.Println("Creating listings...")
	for i, price := range []float64{25, 50, 120} {
		l := &domain.Listing{
			OwnerID:     owner.ID,
			Title:       fmt.Sprintf("Listing %d", i+1),
			UnitPrice:   price,
			IsAvailable: true,
		}
		if err := listingRepo.Create(ctx, l); err != nil {
			log.Fatal("create listing: ", err)
		}
		log.Printf("  listing id=%d price=%.2f", l.ID, l.UnitPrice)
	}

	log.Println("Development tokens:")
	for i, c := range contacts {
		token, err := tokens.GenerateToken(c.ID, string(c.Role))
		if err != nil {
			log.Fatal("generate token: ", err)
		}
		log.Printf("  %s / %s (id=%d, role=%s)\n    %s", c.Email, users[i].password, c.ID, c.Role, token)
	}
	log.Println("Seed completed")
}
