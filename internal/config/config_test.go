package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret-at-least-32-characters-long"

func TestLoad_defaults(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("JWT_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 6*time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 14*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.OTP.Expiry)
	assert.Equal(t, 3, cfg.OTP.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.OTP.Lockout)
	assert.Equal(t, 60*time.Second, cfg.OTP.ResendCooldown)
	assert.Equal(t, 2, cfg.Device.MaxSessionsPerUser)
	assert.Equal(t, 1, cfg.Device.MaxStreamingSessions)
	assert.Equal(t, 30*24*time.Hour, cfg.Device.InactivityPeriod)
	assert.Equal(t, 5, cfg.Login.MaxFailedAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Login.Lockout)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, 24*time.Hour, cfg.SweepInterval)
}

func TestLoad_overrides(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("APP_ENV", "production")
	t.Setenv("OTP_MAX_ATTEMPTS", "5")
	t.Setenv("JWT_ACCESS_TOKEN_EXPIRATION", "1h")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 5, cfg.OTP.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_requiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", testSecret)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_rejectsShortSecret(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_rejectsBadDuration(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("JWT_REFRESH_TOKEN_EXPIRATION", "fortnight")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_REFRESH_TOKEN_EXPIRATION")
}
