package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, int64(30000), cfg.ConnTTLMs)
	assert.Equal(t, int64(3000), cfg.ReaperIntervalMs)
	assert.Equal(t, 8, cfg.ReaperConcurrency)
	assert.False(t, cfg.HeartbeatBatcherEnabled)
	assert.False(t, cfg.ScriptedHeartbeatEnabled)
	assert.False(t, cfg.ScriptedJoinEnabled)
	assert.False(t, cfg.TxMetadataEnabled)
	assert.Equal(t, 5, cfg.TxMetadataMaxRetries)
	assert.Equal(t, 20, cfg.WSFrameRate)
	assert.Equal(t, 40, cfg.WSFrameBurst)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CONN_TTL_MS", "100")
	t.Setenv("REAPER_INTERVAL_MS", "50")
	t.Setenv("REAPER_LOOKBACK_MS", "200")
	t.Setenv("HEARTBEAT_BATCHER_ENABLED", "true")
	t.Setenv("TX_METADATA_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 100*time.Millisecond, cfg.ConnTTL())
	assert.Equal(t, 50*time.Millisecond, cfg.ReaperInterval())
	assert.Equal(t, 200*time.Millisecond, cfg.ReaperLookback())
	assert.True(t, cfg.HeartbeatBatcherEnabled)
	assert.True(t, cfg.TxMetadataEnabled)
}

func TestReaperLookbackDefaultsToTwiceTTL(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("CONN_TTL_MS", "30000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.ReaperLookback())
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Port:                   "8080",
			LogLevel:               "info",
			ConnTTLMs:              30000,
			ReaperIntervalMs:       3000,
			ReaperConcurrency:      8,
			HeartbeatBatchWindowMs: 50,
			HeartbeatMaxBatchSize:  100,
			TxMetadataMaxRetries:   5,
			WSFrameRate:            20,
			WSFrameBurst:           40,
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.LogLevel = "verbose"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.ConnTTLMs = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.ReaperIntervalMs = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.ReaperConcurrency = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.HeartbeatMaxBatchSize = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.WSFrameBurst = 5
	require.Error(t, cfg.Validate())
}
