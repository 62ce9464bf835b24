package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all server configuration.
// Priority: environment variables > .env file > defaults.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RedisURL  string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	JWTSecret string `env:"JWT_SECRET,notEmpty"`

	// Connection liveness. A connection record expires ConnTTLMs after its
	// last write; the reaper sweeps every ReaperIntervalMs and considers
	// connections whose last activity falls inside ReaperLookbackMs.
	// A zero lookback means twice the TTL.
	ConnTTLMs         int64 `env:"CONN_TTL_MS" envDefault:"30000"`
	ReaperIntervalMs  int64 `env:"REAPER_INTERVAL_MS" envDefault:"3000"`
	ReaperLookbackMs  int64 `env:"REAPER_LOOKBACK_MS" envDefault:"0"`
	ReaperConcurrency int   `env:"REAPER_CONCURRENCY" envDefault:"8"`

	// Optional write paths. Each flag swaps one hot-path implementation;
	// observable behavior is identical either way.
	HeartbeatBatcherEnabled  bool `env:"HEARTBEAT_BATCHER_ENABLED" envDefault:"false"`
	HeartbeatBatchWindowMs   int  `env:"HEARTBEAT_BATCH_WINDOW_MS" envDefault:"50"`
	HeartbeatMaxBatchSize    int  `env:"HEARTBEAT_MAX_BATCH_SIZE" envDefault:"100"`
	ScriptedHeartbeatEnabled bool `env:"SCRIPTED_HEARTBEAT_ENABLED" envDefault:"false"`
	ScriptedJoinEnabled      bool `env:"SCRIPTED_JOIN_ENABLED" envDefault:"false"`

	TxMetadataEnabled      bool `env:"TX_METADATA_ENABLED" envDefault:"false"`
	TxMetadataMaxRetries   int  `env:"TX_METADATA_MAX_RETRIES" envDefault:"5"`
	TxMetadataRetryDelayMs int  `env:"TX_METADATA_RETRY_DELAY_MS" envDefault:"10"`

	// Per-connection inbound frame rate limit.
	WSFrameRate  int `env:"WS_FRAME_RATE" envDefault:"20"`
	WSFrameBurst int `env:"WS_FRAME_BURST" envDefault:"40"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads configuration from the environment, with an optional .env file
// for development convenience.
func Load() (*Config, error) {
	// OK if the file does not exist; production passes real env vars.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	if c.ConnTTLMs < 1 {
		return fmt.Errorf("CONN_TTL_MS must be > 0, got %d", c.ConnTTLMs)
	}
	if c.ReaperIntervalMs < 1 {
		return fmt.Errorf("REAPER_INTERVAL_MS must be > 0, got %d", c.ReaperIntervalMs)
	}
	if c.ReaperLookbackMs < 0 {
		return fmt.Errorf("REAPER_LOOKBACK_MS must be >= 0, got %d", c.ReaperLookbackMs)
	}
	if c.ReaperConcurrency < 1 {
		return fmt.Errorf("REAPER_CONCURRENCY must be > 0, got %d", c.ReaperConcurrency)
	}
	if c.HeartbeatBatchWindowMs < 1 {
		return fmt.Errorf("HEARTBEAT_BATCH_WINDOW_MS must be > 0, got %d", c.HeartbeatBatchWindowMs)
	}
	if c.HeartbeatMaxBatchSize < 1 {
		return fmt.Errorf("HEARTBEAT_MAX_BATCH_SIZE must be > 0, got %d", c.HeartbeatMaxBatchSize)
	}
	if c.TxMetadataMaxRetries < 1 {
		return fmt.Errorf("TX_METADATA_MAX_RETRIES must be > 0, got %d", c.TxMetadataMaxRetries)
	}
	if c.TxMetadataRetryDelayMs < 0 {
		return fmt.Errorf("TX_METADATA_RETRY_DELAY_MS must be >= 0, got %d", c.TxMetadataRetryDelayMs)
	}
	if c.WSFrameRate < 1 {
		return fmt.Errorf("WS_FRAME_RATE must be > 0, got %d", c.WSFrameRate)
	}
	if c.WSFrameBurst < c.WSFrameRate {
		return fmt.Errorf("WS_FRAME_BURST (%d) must be >= WS_FRAME_RATE (%d)", c.WSFrameBurst, c.WSFrameRate)
	}

	return nil
}

// ConnTTL returns the connection record TTL as a duration.
func (c *Config) ConnTTL() time.Duration {
	return time.Duration(c.ConnTTLMs) * time.Millisecond
}

// ReaperInterval returns the sweep interval as a duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalMs) * time.Millisecond
}

// ReaperLookback returns the sweep lookback window, defaulting to twice the
// connection TTL when unset.
func (c *Config) ReaperLookback() time.Duration {
	if c.ReaperLookbackMs <= 0 {
		return 2 * c.ConnTTL()
	}
	return time.Duration(c.ReaperLookbackMs) * time.Millisecond
}

// HeartbeatBatchWindow returns the batcher flush window as a duration.
func (c *Config) HeartbeatBatchWindow() time.Duration {
	return time.Duration(c.HeartbeatBatchWindowMs) * time.Millisecond
}

// TxMetadataRetryDelay returns the transactional retry backoff as a duration.
func (c *Config) TxMetadataRetryDelay() time.Duration {
	return time.Duration(c.TxMetadataRetryDelayMs) * time.Millisecond
}
