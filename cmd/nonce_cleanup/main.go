package main

import (
	"context"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"rentcore/internal/config"
	"rentcore/internal/database"
	"rentcore/internal/pkg/logger"
	"rentcore/internal/repository"
)

// Purges expired callback nonces from the database store. Run it from cron
// when REDIS_URL is not set.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}
	log, closer := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile, JSON: cfg.IsProdLike()})
	defer closer.Close()

	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		log.WithError(err).Fatal("db connect failed")
	}
	if err := repository.Migrate(db); err != nil {
		log.WithError(err).Fatal("migration failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	purged, err := repository.NewNonceRepository(db).PurgeExpired(ctx)
	if err != nil {
		log.WithError(err).Fatal("cleanup seen_nonces failed")
	}
	log.WithField("seen_nonces", purged).Info("nonce cleanup completed")
}
