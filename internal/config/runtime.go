package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultDatabaseURL     = "file:rentcore.db?_pragma=busy_timeout(5000)"
	defaultJWTSecret       = "change-me-jwt-secret"
	defaultLogLevel        = "info"
	defaultProviderTimeout = "10s"
	defaultPollRetries     = "3"
	defaultPollBackoff     = "500ms"
	defaultNonceTTL        = "15m"
	defaultStripeCurrency  = "usd"
	defaultMMTimeout       = "30m"
	defaultSMTPPort        = "587"
	defaultAMQPExchange    = "rentcore.events"
)

type Config struct {
	AppEnv      string
	HTTPAddr    string
	DatabaseURL string
	JWTSecret   string
	LogLevel    string
	LogFile     string
	RedisURL    string
	CORSOrigins string

	Payments PaymentsConfig
	SMTP     SMTPConfig
	AMQP     AMQPConfig
}

type PaymentsConfig struct {
	ProviderTimeout time.Duration
	PollRetries     int
	PollBackoff     time.Duration
	NonceTTL        time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeSuccessURL    string
	StripeCancelURL     string
	StripeCurrency      string

	MMBaseURL        string
	MMAppID          string
	MMMerchantID     string
	MMPrivateKeyPath string
	MMPublicKeyPath  string
	MMNotifyURL      string
	MMReturnURL      string
	MMTimeoutExpress time.Duration
}

func (p PaymentsConfig) CheckoutEnabled() bool {
	return p.StripeSecretKey != ""
}

func (p PaymentsConfig) MobileMoneyEnabled() bool {
	return p.MMBaseURL != "" && p.MMPrivateKeyPath != "" && p.MMPublicKeyPath != ""
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

func (s SMTPConfig) Enabled() bool { return s.Host != "" && s.From != "" }

type AMQPConfig struct {
	URL      string
	Exchange string
}

func (a AMQPConfig) Enabled() bool { return a.URL != "" }

func (c *Config) IsProdLike() bool { return isProdLike(c.AppEnv) }

func Load() (*Config, error) {
	cfg := &Config{}
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = strings.TrimSpace(os.Getenv("ENV"))
	}
	if appEnv == "" {
		appEnv = "dev"
	}
	cfg.AppEnv = strings.ToLower(appEnv)

	cfg.HTTPAddr = strings.TrimSpace(getEnv("HTTP_ADDR", defaultHTTPAddr))
	cfg.DatabaseURL = strings.TrimSpace(getEnv("DATABASE_URL", defaultDatabaseURL))
	cfg.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", defaultJWTSecret))
	cfg.LogLevel = strings.TrimSpace(getEnv("LOG_LEVEL", defaultLogLevel))
	cfg.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.CORSOrigins = os.Getenv("CORS_ALLOWED_ORIGINS")

	p := &cfg.Payments
	var err error
	if p.ProviderTimeout, err = parseDurationEnv("PROVIDER_TIMEOUT", defaultProviderTimeout); err != nil {
		return nil, err
	}
	if p.PollRetries, err = parseIntEnv("POLL_RETRIES", defaultPollRetries); err != nil {
		return nil, err
	}
	if p.PollBackoff, err = parseDurationEnv("POLL_BACKOFF", defaultPollBackoff); err != nil {
		return nil, err
	}
	if p.NonceTTL, err = parseDurationEnv("NONCE_TTL", defaultNonceTTL); err != nil {
		return nil, err
	}
	if p.MMTimeoutExpress, err = parseDurationEnv("MM_TIMEOUT_EXPRESS", defaultMMTimeout); err != nil {
		return nil, err
	}

	p.StripeSecretKey = strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY"))
	p.StripeWebhookSecret = strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET"))
	p.StripeSuccessURL = strings.TrimSpace(os.Getenv("STRIPE_SUCCESS_URL"))
	p.StripeCancelURL = strings.TrimSpace(os.Getenv("STRIPE_CANCEL_URL"))
	p.StripeCurrency = strings.ToLower(strings.TrimSpace(getEnv("STRIPE_CURRENCY", defaultStripeCurrency)))

	p.MMBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("MM_BASE_URL")), "/")
	p.MMAppID = strings.TrimSpace(os.Getenv("MM_APP_ID"))
	p.MMMerchantID = strings.TrimSpace(os.Getenv("MM_MERCHANT_ID"))
	p.MMPrivateKeyPath = strings.TrimSpace(os.Getenv("MM_PRIVATE_KEY_PATH"))
	p.MMPublicKeyPath = strings.TrimSpace(os.Getenv("MM_PUBLIC_KEY_PATH"))
	p.MMNotifyURL = strings.TrimSpace(os.Getenv("MM_NOTIFY_URL"))
	p.MMReturnURL = strings.TrimSpace(os.Getenv("MM_RETURN_URL"))

	cfg.SMTP.Host = strings.TrimSpace(os.Getenv("SMTP_HOST"))
	if cfg.SMTP.Port, err = parseIntEnv("SMTP_PORT", defaultSMTPPort); err != nil {
		return nil, err
	}
	cfg.SMTP.User = strings.TrimSpace(os.Getenv("SMTP_USER"))
	cfg.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	cfg.SMTP.From = strings.TrimSpace(os.Getenv("SMTP_FROM"))

	cfg.AMQP.URL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	cfg.AMQP.Exchange = strings.TrimSpace(getEnv("AMQP_EXCHANGE", defaultAMQPExchange))

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	p := cfg.Payments
	if p.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be > 0")
	}
	if p.PollRetries < 1 {
		return fmt.Errorf("POLL_RETRIES must be >= 1")
	}
	if p.PollBackoff < 0 {
		return fmt.Errorf("POLL_BACKOFF must be >= 0")
	}
	if p.NonceTTL <= 0 {
		return fmt.Errorf("NONCE_TTL must be > 0")
	}
	if !isCurrencyCode(p.StripeCurrency) {
		return fmt.Errorf("STRIPE_CURRENCY must be a three-letter ISO 4217 code, got %q", p.StripeCurrency)
	}
	if threeDecimalCurrencies[p.StripeCurrency] {
		return fmt.Errorf("STRIPE_CURRENCY %q uses three decimal places and is not supported", p.StripeCurrency)
	}
	if p.MMBaseURL != "" && p.MMMerchantID == "" {
		return fmt.Errorf("MM_MERCHANT_ID must be set when MM_BASE_URL is set")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must not be empty")
	}

	if isProdLike(cfg.AppEnv) {
		if isEmptyOrDefault(cfg.JWTSecret, defaultJWTSecret) {
			return fmt.Errorf("in prod/release JWT_SECRET must be set and not default")
		}
		if p.CheckoutEnabled() && p.StripeWebhookSecret == "" {
			return fmt.Errorf("in prod/release STRIPE_WEBHOOK_SECRET must be set when STRIPE_SECRET_KEY is set")
		}
	}

	return nil
}

// threeDecimalCurrencies need amounts rounded to tens of their minor unit,
// which the checkout adapter does not do.
var threeDecimalCurrencies = map[string]bool{"bhd": true, "jod": true, "kwd": true, "omr": true, "tnd": true}

func isCurrencyCode(v string) bool {
	if len(v) != 3 {
		return false
	}
	for _, r := range v {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

func isProdLike(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "prod" || env == "production" || env == "release"
}

func isEmptyOrDefault(v, def string) bool {
	trimmed := strings.TrimSpace(v)
	return trimmed == "" || trimmed == def
}

func parseDurationEnv(name, fallback string) (time.Duration, error) {
	value := strings.TrimSpace(getEnv(name, fallback))
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, value, err)
	}
	return d, nil
}

func parseIntEnv(name, fallback string) (int, error) {
	value := strings.TrimSpace(getEnv(name, fallback))
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, value, err)
	}
	return n, nil
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
