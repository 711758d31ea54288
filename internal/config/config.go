package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port          string
	DatabaseURL   string
	SiteURL       string
	PublicBaseURL string
	Timezone      string

	StripeSecretKey        string
	StripeWebhookSecret    string
	StripeAPIBase          string
	StripeWebhookTolerance time.Duration

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioAPIBase    string
	SendGridAPIKey   string
	SendGridAPIBase  string
	FromEmail        string
	SupportEmail     string

	AdminAPIKeyHash string

	NotifBatchSize    int
	NotifRateWindow   time.Duration
	NotifPollInterval time.Duration
	NotifClaimTimeout time.Duration
	SMSProvider       string
	EmailProvider     string

	RateLimitPerMinute       int
	RateLimitBurst           int
	TicketRateLimitPerMinute int
	TicketRateLimitBurst     int

	LogLevel     string
	LogFormat    string
	OTELEndpoint string
	OTELInsecure bool
}

// LoadEnv reads an optional .env file into the process environment.
// Variables already set win.
func LoadEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			logrus.WithField("path", path).Debug("loaded env file")
		}
	}
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	siteURL := strings.TrimRight(os.Getenv("SITE_URL"), "/")
	publicBase := strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/")
	if publicBase == "" {
		publicBase = siteURL
	}

	return Config{
		Port:          port,
		DatabaseURL:   os.Getenv("DB_DSN"),
		SiteURL:       siteURL,
		PublicBaseURL: publicBase,
		Timezone:      readString("TIMEZONE", "America/New_York"),

		StripeSecretKey:        os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIBase:          os.Getenv("STRIPE_API_BASE"),
		StripeWebhookTolerance: readDurationSeconds("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioAPIBase:    os.Getenv("TWILIO_API_BASE"),
		SendGridAPIKey:   os.Getenv("SENDGRID_API_KEY"),
		SendGridAPIBase:  os.Getenv("SENDGRID_API_BASE"),
		FromEmail:        os.Getenv("FROM_EMAIL"),
		SupportEmail:     readString("SUPPORT_EMAIL", "support@example.com"),

		AdminAPIKeyHash: os.Getenv("ADMIN_API_KEY_HASH"),

		NotifBatchSize:    readInt("NOTIF_BATCH_SIZE", 100),
		NotifRateWindow:   readDurationSeconds("NOTIF_RATE_WINDOW_SECONDS", 86400),
		NotifPollInterval: readDurationSeconds("NOTIF_POLL_SECONDS", 60),
		NotifClaimTimeout: readDurationSeconds("NOTIF_CLAIM_TIMEOUT_SECONDS", 600),
		SMSProvider:       readString("NOTIF_SMS_PROVIDER", "log"),
		EmailProvider:     readString("NOTIF_EMAIL_PROVIDER", "log"),

		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		TicketRateLimitPerMinute: readInt("TICKET_RATE_LIMIT_PER_MIN", 20),
		TicketRateLimitBurst:     readInt("TICKET_RATE_LIMIT_BURST", 5),

		LogLevel:     readString("LOG_LEVEL", "info"),
		LogFormat:    readString("LOG_FORMAT", "json"),
		OTELEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTELInsecure: readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

// ValidateAPI reports the settings the HTTP server cannot start without.
func (c Config) ValidateAPI() error {
	var errs []error
	errs = append(errs, c.requireDB())
	if c.StripeSecretKey == "" {
		errs = append(errs, missing("STRIPE_SECRET_KEY"))
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, missing("STRIPE_WEBHOOK_SECRET"))
	}
	if c.SiteURL == "" {
		errs = append(errs, missing("SITE_URL"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateWorker reports the settings the notification worker needs.
func (c Config) ValidateWorker() error {
	var errs []error
	errs = append(errs, c.requireDB())
	if c.SMSProvider == "twilio" && (c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFromNumber == "") {
		errs = append(errs, missing("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER"))
	}
	if c.EmailProvider == "sendgrid" && (c.SendGridAPIKey == "" || c.FromEmail == "") {
		errs = append(errs, missing("SENDGRID_API_KEY and FROM_EMAIL"))
	}
	if c.NotifBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("NOTIF_BATCH_SIZE must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) requireDB() error {
	if c.DatabaseURL == "" {
		return missing("DB_DSN")
	}
	return nil
}

// Location resolves TIMEZONE, the zone reminder dates are computed in.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT and makes
// it the logrus standard logger.
func (c Config) Logger() *logrus.Logger {
	logger := logrus.StandardLogger()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if c.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	return logger
}

func missing(key string) error {
	return fmt.Errorf("%s is required", key)
}

func readString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
