package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "data/census.duckdb", cfg.DatabasePath)
	assert.Equal(t, 2, cfg.PoolMin)
	assert.Equal(t, 10, cfg.PoolMax)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 1000, cfg.SessionCap)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9090")
	t.Setenv("POOL_MAX", "4")
	t.Setenv("QUERY_TIMEOUT_MS", "5000")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 4, cfg.PoolMax)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestDurationsParseAsIntegerMilliseconds(t *testing.T) {
	t.Setenv("POOL_ACQUIRE_TIMEOUT_MS", "5000")
	t.Setenv("QUERY_TIMEOUT_MS", "30000")
	t.Setenv("SESSION_TTL_MS", "1800000")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "60000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.PoolAcquireTimeout)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
}

func TestDurationStringsStillAccepted(t *testing.T) {
	t.Setenv("QUERY_TIMEOUT_MS", "45s")
	t.Setenv("HTTP_READ_TIMEOUT", "20s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 20*time.Second, cfg.HTTPReadTimeout)
}

func TestValidateRejectsBadPoolBounds(t *testing.T) {
	t.Setenv("POOL_MIN", "8")
	t.Setenv("POOL_MAX", "2")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POOL_MIN")
}

func TestValidateRejectsTinyQueryTimeout(t *testing.T) {
	t.Setenv("QUERY_TIMEOUT_MS", "100ms")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUERY_TIMEOUT_MS")
}

func TestEnvPredicates(t *testing.T) {
	assert.True(t, Config{AppEnv: "dev"}.IsDev())
	assert.True(t, Config{AppEnv: "PROD"}.IsProd())
	assert.True(t, Config{AppEnv: "test"}.IsTest())
	assert.False(t, Config{AppEnv: "prod"}.IsDev())
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , ,"))
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
}
