package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 2*time.Minute, cfg.IngestLockTTL)
	assert.Equal(t, int64(10485760), cfg.MaxUploadSize)
	assert.Equal(t, int32(10), cfg.PGMaxConns)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("APP_ADDR", ":9090")
	t.Setenv("INGEST_LOCK_TTL", "5m")
	t.Setenv("MAX_UPLOAD_SIZE", "1048576")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.AppAddr)
	assert.Equal(t, 5*time.Minute, cfg.IngestLockTTL)
	assert.Equal(t, int64(1048576), cfg.MaxUploadSize)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfigRejectsMalformedDuration(t *testing.T) {
	t.Setenv("INGEST_LOCK_TTL", "lima menit")

	_, err := LoadConfig()
	require.Error(t, err)
}
