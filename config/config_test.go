package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ESCROW_DATABASE_URL", "DATABASE_URL", "ESCROW_REDIS_ADDRS", "ESCROW_REDIS_PASSWORD",
		"ESCROW_REDIS_DB", "ESCROW_LOCK_TTL", "ESCROW_LOG_MODE", "ESCROW_METRICS_ADDR",
		"ESCROW_POOL_MAX_CONNS", "ESCROW_SHUTDOWN_TIMEOUT",
	} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.LockTTL)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.RedisAddrs)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
	assert.Equal(t, int32(16), cfg.PoolMaxConns)
	assert.Equal(t, "development", cfg.LogMode)
	assert.False(t, cfg.Redlock())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESCROW_REDIS_ADDRS", "r1:6379, r2:6379 ,r3:6379")
	t.Setenv("ESCROW_LOCK_TTL", "3s")
	t.Setenv("DATABASE_URL", "postgres://fallback/db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"r1:6379", "r2:6379", "r3:6379"}, cfg.RedisAddrs)
	assert.True(t, cfg.Redlock())
	assert.Equal(t, 3*time.Second, cfg.LockTTL)
	assert.Equal(t, "postgres://fallback/db", cfg.DatabaseURL)

	t.Setenv("ESCROW_DATABASE_URL", "postgres://primary/db")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://primary/db", cfg.DatabaseURL)
}

func TestLoad_RejectsLongLockTTL(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESCROW_LOCK_TTL", "5m")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("ESCROW_LOCK_TTL", "soon")

	_, err := Load()
	assert.Error(t, err)
}
