// Package config loads gateway configuration from the environment.
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"GW_ADDR" envDefault:":3002"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Admission limits
	MaxConnections      int           `env:"GW_MAX_CONNECTIONS" envDefault:"1000"`
	CriticalReservePct  float64       `env:"GW_CRITICAL_RESERVE_PCT" envDefault:"0.10"`
	MaxPerOrigin        int           `env:"GW_MAX_PER_ORIGIN" envDefault:"20"`
	MaxPerUser          int           `env:"GW_MAX_PER_USER" envDefault:"8"`
	AdmissionsPerWindow int           `env:"GW_ADMISSIONS_PER_WINDOW" envDefault:"10"`
	AdmissionWindow     time.Duration `env:"GW_ADMISSION_WINDOW" envDefault:"60s"`
	GlobalRate          float64       `env:"GW_GLOBAL_RATE" envDefault:"50"`
	GlobalBurst         int           `env:"GW_GLOBAL_BURST" envDefault:"300"`

	// Circuit breaker
	BreakerThreshold   int           `env:"GW_BREAKER_THRESHOLD" envDefault:"10"`
	BreakerTimeout     time.Duration `env:"GW_BREAKER_TIMEOUT" envDefault:"60s"`
	BreakerBurstCount  int           `env:"GW_BREAKER_BURST_COUNT" envDefault:"5"`
	BreakerBurstWindow time.Duration `env:"GW_BREAKER_BURST_WINDOW" envDefault:"10s"`

	// Health monitoring
	IdleTimeout        time.Duration `env:"GW_IDLE_TIMEOUT" envDefault:"120s"`
	EvictionErrorCount int64         `env:"GW_EVICTION_ERROR_COUNT" envDefault:"8"`

	// Router
	QueueCapacity int `env:"GW_QUEUE_CAPACITY" envDefault:"64"`
	DrainBatch    int `env:"GW_DRAIN_BATCH" envDefault:"8"`
	MaxRetries    int `env:"GW_MAX_RETRIES" envDefault:"3"`

	// Supervisor
	TickInterval     time.Duration `env:"GW_TICK_INTERVAL" envDefault:"1s"`
	HeartbeatIdle    time.Duration `env:"GW_HEARTBEAT_IDLE" envDefault:"30s"`
	HeartbeatTimeout time.Duration `env:"GW_HEARTBEAT_TIMEOUT" envDefault:"60s"`
	ShutdownGrace    time.Duration `env:"GW_SHUTDOWN_GRACE" envDefault:"10s"`

	// Read path flood protection (messages/sec per connection)
	MessageRate  float64 `env:"GW_MESSAGE_RATE" envDefault:"50"`
	MessageBurst int     `env:"GW_MESSAGE_BURST" envDefault:"100"`

	// Storage sink
	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject string `env:"NATS_SUBJECT_PREFIX" envDefault:"gateway"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
//
// Optional logger parameter for structured logging. If nil, load progress is
// not logged.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// the only source.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GW_ADDR is required")
	}

	// Range checks
	if c.MaxConnections < 1 {
		return fmt.Errorf("GW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CriticalReservePct < 0 || c.CriticalReservePct >= 1 {
		return fmt.Errorf("GW_CRITICAL_RESERVE_PCT must be in [0, 1), got %.2f", c.CriticalReservePct)
	}
	if c.MaxPerOrigin < 1 {
		return fmt.Errorf("GW_MAX_PER_ORIGIN must be > 0, got %d", c.MaxPerOrigin)
	}
	if c.MaxPerUser < 1 {
		return fmt.Errorf("GW_MAX_PER_USER must be > 0, got %d", c.MaxPerUser)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("GW_BREAKER_THRESHOLD must be > 0, got %d", c.BreakerThreshold)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("GW_QUEUE_CAPACITY must be > 0, got %d", c.QueueCapacity)
	}

	// Logical checks
	if c.HeartbeatTimeout < c.HeartbeatIdle {
		return fmt.Errorf("GW_HEARTBEAT_TIMEOUT (%s) must be >= GW_HEARTBEAT_IDLE (%s)",
			c.HeartbeatTimeout, c.HeartbeatIdle)
	}
	if c.IdleTimeout < c.HeartbeatIdle {
		return fmt.Errorf("GW_IDLE_TIMEOUT (%s) must be >= GW_HEARTBEAT_IDLE (%s)",
			c.IdleTimeout, c.HeartbeatIdle)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Float64("critical_reserve_pct", c.CriticalReservePct).
		Int("max_per_origin", c.MaxPerOrigin).
		Int("max_per_user", c.MaxPerUser).
		Int("admissions_per_window", c.AdmissionsPerWindow).
		Dur("admission_window", c.AdmissionWindow).
		Int("breaker_threshold", c.BreakerThreshold).
		Dur("breaker_timeout", c.BreakerTimeout).
		Dur("idle_timeout", c.IdleTimeout).
		Int("queue_capacity", c.QueueCapacity).
		Int("drain_batch", c.DrainBatch).
		Dur("tick_interval", c.TickInterval).
		Dur("heartbeat_idle", c.HeartbeatIdle).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
