package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // clinics deploy to slim images without zoneinfo

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv    string
	LogLevel  string
	LogFormat string
	Version   string

	// Database. An empty DatabaseURL selects local SQLite at SQLitePath.
	DatabaseURL      string
	DatabaseDriver   string
	SQLitePath       string
	DatabaseMaxConns int

	// Redis backs the reminder run lock; empty disables it.
	RedisURL string

	// RabbitMQ is used when ProviderTransport is "amqp".
	RabbitMQURL      string
	RabbitMQExchange string

	// HTTP
	APIAddr          string
	WorkerHealthAddr string

	// Clinic
	ClinicName     string
	ClinicTimezone *time.Location
	OpeningTime    string
	ClosingTime    string
	SlotMinutes    int

	// Outbox
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxRetries   int
	OutboxClaimLease   time.Duration
	OutboxRetryBase    time.Duration
	OutboxRetryMax     time.Duration

	// Delivery
	DeliveryMaxRetries     int
	DeliveryAttemptTimeout time.Duration
	DeliveryBackoffBase    time.Duration
	DeliveryBackoffMax     time.Duration
	DeliveryConcurrency    int
	DeliveryRatePerSecond  float64
	DeliveryBurst          int

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCooldown         time.Duration

	// Providers
	ProviderTransport string
	ProviderBaseURL   string
	EmailProviderURL  string
	SMSProviderURL    string
	ProviderAPIKey    string

	// Reminders
	ReminderWindow   time.Duration
	ReminderInterval time.Duration
	ReminderLockTTL  time.Duration
}

// Load reads configuration from the environment, after loading a .env file
// when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	tz := getEnv("CLINIC_TIMEZONE", "America/Sao_Paulo")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid CLINIC_TIMEZONE %q: %w", tz, err)
	}

	cfg := &Config{
		AppEnv:    getEnv("APP_ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		Version:   getEnv("CLINICFLOW_VERSION", "dev"),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DatabaseDriver:   getEnv("DATABASE_DRIVER", ""),
		SQLitePath:       getEnv("SQLITE_PATH", ""),
		DatabaseMaxConns: getIntEnv("DATABASE_MAX_CONNS", 10),

		RedisURL:         getEnv("REDIS_URL", ""),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "clinicflow.notifications"),

		APIAddr:          getEnv("API_ADDR", "0.0.0.0:8080"),
		WorkerHealthAddr: getEnv("WORKER_HEALTH_ADDR", "0.0.0.0:8081"),

		ClinicName:     getEnv("CLINIC_NAME", "Clinic"),
		ClinicTimezone: loc,
		OpeningTime:    getEnv("CLINIC_OPENING_TIME", "08:00"),
		ClosingTime:    getEnv("CLINIC_CLOSING_TIME", "18:00"),
		SlotMinutes:    getIntEnv("CLINIC_SLOT_MINUTES", 30),

		OutboxPollInterval: getDurationEnv("OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxBatchSize:    getIntEnv("OUTBOX_BATCH_SIZE", 20),
		OutboxMaxRetries:   getIntEnv("OUTBOX_MAX_RETRIES", 3),
		OutboxClaimLease:   getDurationEnv("OUTBOX_CLAIM_LEASE", 15*time.Minute),
		OutboxRetryBase:    getDurationEnv("OUTBOX_RETRY_BASE", time.Second),
		OutboxRetryMax:     getDurationEnv("OUTBOX_RETRY_MAX", 10*time.Second),

		DeliveryMaxRetries:     getIntEnv("DELIVERY_MAX_RETRIES", 3),
		DeliveryAttemptTimeout: getDurationEnv("DELIVERY_ATTEMPT_TIMEOUT", 30*time.Second),
		DeliveryBackoffBase:    getDurationEnv("DELIVERY_BACKOFF_BASE", time.Second),
		DeliveryBackoffMax:     getDurationEnv("DELIVERY_BACKOFF_MAX", 10*time.Second),
		DeliveryConcurrency:    getIntEnv("DELIVERY_CONCURRENCY", 4),
		DeliveryRatePerSecond:  getFloatEnv("DELIVERY_RATE_PER_SECOND", 10),
		DeliveryBurst:          getIntEnv("DELIVERY_BURST", 5),

		BreakerFailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: getIntEnv("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerCooldown:         getDurationEnv("BREAKER_COOLDOWN", 60*time.Second),

		ProviderTransport: getEnv("PROVIDER_TRANSPORT", "log"),
		ProviderBaseURL:   getEnv("PROVIDER_BASE_URL", ""),
		EmailProviderURL:  getEnv("EMAIL_PROVIDER_URL", "http://localhost:9025/email"),
		SMSProviderURL:    getEnv("SMS_PROVIDER_URL", "http://localhost:9026/sms"),
		ProviderAPIKey:    getEnv("PROVIDER_API_KEY", ""),

		ReminderWindow:   getDurationEnv("REMINDER_WINDOW", 30*time.Minute),
		ReminderInterval: getDurationEnv("REMINDER_INTERVAL", 15*time.Minute),
		ReminderLockTTL:  getDurationEnv("REMINDER_LOCK_TTL", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"OUTBOX_BATCH_SIZE":         c.OutboxBatchSize,
		"OUTBOX_MAX_RETRIES":        c.OutboxMaxRetries,
		"DELIVERY_CONCURRENCY":      c.DeliveryConcurrency,
		"BREAKER_FAILURE_THRESHOLD": c.BreakerFailureThreshold,
		"BREAKER_SUCCESS_THRESHOLD": c.BreakerSuccessThreshold,
		"CLINIC_SLOT_MINUTES":       c.SlotMinutes,
	}
	for key, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, v))
		}
	}
	if c.DeliveryMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_MAX_RETRIES must not be negative, got %d", c.DeliveryMaxRetries))
	}
	if c.DeliveryBackoffMax < c.DeliveryBackoffBase {
		errs = append(errs, errors.New("DELIVERY_BACKOFF_MAX must not be below DELIVERY_BACKOFF_BASE"))
	}
	switch c.ProviderTransport {
	case "http", "log":
	case "amqp":
		if c.RabbitMQURL == "" {
			errs = append(errs, errors.New("RABBITMQ_URL is required when PROVIDER_TRANSPORT=amqp"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PROVIDER_TRANSPORT %q", c.ProviderTransport))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
