package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rentcore/internal/config"
	"rentcore/internal/database"
	"rentcore/internal/modules/notification"
	"rentcore/internal/modules/payment"
	"rentcore/internal/modules/payment/checkout"
	"rentcore/internal/modules/payment/mobilemoney"
	"rentcore/internal/pkg/jwt"
	"rentcore/internal/pkg/logger"
	"rentcore/internal/pkg/signing"
	"rentcore/internal/repository"
)

const backgroundNotifyTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config: %v", err)
	}

	log, closer := logger.New(logger.Options{
		Level:    cfg.LogLevel,
		File:     cfg.LogFile,
		JSON:     cfg.IsProdLike(),
		MaxFiles: 5,
	})
	defer closer.Close()

	if cfg.IsProdLike() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	if err := repository.Migrate(db); err != nil {
		log.WithError(err).Fatal("migration failed")
	}

	userRepo := repository.NewUserRepository(db)
	jwtService := jwt.New(cfg.JWTSecret, 24*time.Hour)

	hub := notification.NewHub()
	defer hub.Close()

	var extra []notification.Notifier
	if cfg.SMTP.Enabled() {
		email, err := notification.NewEmailNotifier(notification.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, userRepo)
		if err != nil {
			log.WithError(err).Warn("email notifications disabled")
		} else {
			extra = append(extra, notification.NewAsync(email, backgroundNotifyTimeout, log))
		}
	}
	if cfg.AMQP.Enabled() {
		publisher, err := notification.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.WithError(err).Warn("event publishing disabled")
		} else {
			defer publisher.Close()
			extra = append(extra, notification.NewAsync(publisher, backgroundNotifyTimeout, log))
		}
	}

	providers, err := buildProviders(cfg.Payments, log)
	if err != nil {
		log.WithError(err).Fatal("payment provider setup failed")
	}

	r := newRouter(deps{
		db:        db,
		log:       log,
		jwt:       jwtService,
		hub:       hub,
		providers: providers,
		nonces:    nonceStore(cfg, db, log),
		extra:     extra,
		paymentOpts: payment.Options{
			ProviderTimeout: cfg.Payments.ProviderTimeout,
			PollRetries:     cfg.Payments.PollRetries,
			PollBackoff:     cfg.Payments.PollBackoff,
			NonceTTL:        cfg.Payments.NonceTTL,
		},
		corsOrigins: cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "env": cfg.AppEnv, "providers": len(providers)}).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}

func buildProviders(cfg config.PaymentsConfig, log logrus.FieldLogger) ([]payment.Provider, error) {
	var providers []payment.Provider

	if cfg.CheckoutEnabled() {
		providers = append(providers, checkout.New(checkout.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.StripeSuccessURL,
			CancelURL:     cfg.StripeCancelURL,
			Currency:      cfg.StripeCurrency,
		}))
		log.Info("hosted checkout provider enabled")
	}

	if cfg.MobileMoneyEnabled() {
		priv, err := signing.LoadPrivateKey(cfg.MMPrivateKeyPath)
		if err != nil {
			return nil, err
		}
		pub, err := signing.LoadPublicKey(cfg.MMPublicKeyPath)
		if err != nil {
			return nil, err
		}
		providers = append(providers, mobilemoney.New(mobilemoney.Config{
			BaseURL:        cfg.MMBaseURL,
			AppID:          cfg.MMAppID,
			MerchantID:     cfg.MMMerchantID,
			NotifyURL:      cfg.MMNotifyURL,
			ReturnURL:      cfg.MMReturnURL,
			TimeoutExpress: cfg.MMTimeoutExpress,
			HTTPTimeout:    cfg.ProviderTimeout,
		}, signing.NewSigner(priv), signing.NewVerifier(pub), log))
		log.Info("mobile money provider enabled")
	}

	if len(providers) == 0 {
		log.Warn("no payment provider configured, payment endpoints will reject every request")
	}
	return providers, nil
}

// nonceStore prefers Redis and falls back to the database table when Redis is
// not configured or not reachable at startup.
func nonceStore(cfg *config.Config, db *gorm.DB, log logrus.FieldLogger) payment.NonceStore {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Warn("invalid REDIS_URL, using database nonce store")
			return repository.NewNonceRepository(db)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, using database nonce store")
			_ = client.Close()
			return repository.NewNonceRepository(db)
		}
		log.Info("using redis nonce store")
		return payment.NewRedisNonceStore(client)
	}
	return repository.NewNonceRepository(db)
}
