package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads; getEnv treats "" as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "LOG_LEVEL", "LOG_FORMAT", "CLINICFLOW_VERSION",
		"DATABASE_URL", "DATABASE_DRIVER", "SQLITE_PATH", "DATABASE_MAX_CONNS",
		"REDIS_URL", "RABBITMQ_URL", "RABBITMQ_EXCHANGE",
		"API_ADDR", "WORKER_HEALTH_ADDR",
		"CLINIC_NAME", "CLINIC_TIMEZONE", "CLINIC_OPENING_TIME", "CLINIC_CLOSING_TIME", "CLINIC_SLOT_MINUTES",
		"OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRIES", "OUTBOX_CLAIM_LEASE",
		"OUTBOX_RETRY_BASE", "OUTBOX_RETRY_MAX",
		"DELIVERY_MAX_RETRIES", "DELIVERY_ATTEMPT_TIMEOUT", "DELIVERY_BACKOFF_BASE", "DELIVERY_BACKOFF_MAX",
		"DELIVERY_CONCURRENCY", "DELIVERY_RATE_PER_SECOND", "DELIVERY_BURST",
		"BREAKER_FAILURE_THRESHOLD", "BREAKER_SUCCESS_THRESHOLD", "BREAKER_COOLDOWN",
		"PROVIDER_TRANSPORT", "PROVIDER_BASE_URL", "EMAIL_PROVIDER_URL", "SMS_PROVIDER_URL", "PROVIDER_API_KEY",
		"REMINDER_WINDOW", "REMINDER_INTERVAL", "REMINDER_LOCK_TTL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Empty(t, cfg.DatabaseURL, "no URL means local SQLite")
	assert.Equal(t, "America/Sao_Paulo", cfg.ClinicTimezone.String())

	// Reliability defaults
	assert.Equal(t, 3, cfg.OutboxMaxRetries)
	assert.Equal(t, time.Second, cfg.OutboxRetryBase, "outbox retries follow the delivery backoff")
	assert.Equal(t, 10*time.Second, cfg.OutboxRetryMax)
	assert.Equal(t, 15*time.Minute, cfg.OutboxClaimLease)
	assert.Equal(t, 3, cfg.DeliveryMaxRetries)
	assert.Equal(t, 30*time.Second, cfg.DeliveryAttemptTimeout)
	assert.Equal(t, time.Second, cfg.DeliveryBackoffBase)
	assert.Equal(t, 10*time.Second, cfg.DeliveryBackoffMax)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 2, cfg.BreakerSuccessThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 30*time.Minute, cfg.ReminderWindow)

	assert.Equal(t, "log", cfg.ProviderTransport)
	assert.Equal(t, "0.0.0.0:8081", cfg.WorkerHealthAddr)
}

func TestLoad_WithCustomEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://clinic:secret@db:5432/clinicflow")
	t.Setenv("CLINIC_TIMEZONE", "Europe/Lisbon")
	t.Setenv("OUTBOX_BATCH_SIZE", "200")
	t.Setenv("OUTBOX_POLL_INTERVAL", "500ms")
	t.Setenv("DELIVERY_RATE_PER_SECOND", "2.5")
	t.Setenv("BREAKER_COOLDOWN", "90s")
	t.Setenv("PROVIDER_TRANSPORT", "http")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "postgres://clinic:secret@db:5432/clinicflow", cfg.DatabaseURL)
	assert.Equal(t, "Europe/Lisbon", cfg.ClinicTimezone.String())
	assert.Equal(t, 200, cfg.OutboxBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, 2.5, cfg.DeliveryRatePerSecond)
	assert.Equal(t, 90*time.Second, cfg.BreakerCooldown)
}

func TestLoad_IgnoresUnparseableValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("OUTBOX_BATCH_SIZE", "lots")
	t.Setenv("BREAKER_COOLDOWN", "a minute")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.OutboxBatchSize)
	assert.Equal(t, 60*time.Second, cfg.BreakerCooldown)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown timezone", map[string]string{"CLINIC_TIMEZONE": "Mars/Olympus"}, "CLINIC_TIMEZONE"},
		{"zero failure threshold", map[string]string{"BREAKER_FAILURE_THRESHOLD": "0"}, "BREAKER_FAILURE_THRESHOLD"},
		{"amqp without url", map[string]string{"PROVIDER_TRANSPORT": "amqp"}, "RABBITMQ_URL"},
		{"unknown transport", map[string]string{"PROVIDER_TRANSPORT": "pigeon"}, "PROVIDER_TRANSPORT"},
		{"backoff max below base", map[string]string{"DELIVERY_BACKOFF_BASE": "5s", "DELIVERY_BACKOFF_MAX": "1s"}, "DELIVERY_BACKOFF_MAX"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_Environment(t *testing.T) {
	assert.True(t, (&Config{AppEnv: "development"}).IsDevelopment())
	assert.False(t, (&Config{AppEnv: "staging"}).IsDevelopment())
	assert.True(t, (&Config{AppEnv: "production"}).IsProduction())
	assert.False(t, (&Config{AppEnv: "test"}).IsProduction())
}
