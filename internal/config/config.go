// Package config loads broker configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Adapter names accepted by BROKER_PLATFORM_ADAPTERS.
const (
	AdapterMemory = "memory"
	AdapterFile   = "file"
	AdapterBadger = "badger"
	AdapterBridge = "bridge"
)

// Config holds all broker configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Port    int    `env:"BROKER_PORT" envDefault:"8081"`
	DataDir string `env:"BROKER_DATA_DIR" envDefault:"./data"`

	// Storage backends
	BadgerDir         string            `env:"BROKER_BADGER_DIR"` // defaults to <DataDir>/badger
	NATSURL           string            `env:"BROKER_NATS_URL"`   // empty disables the host bridge
	NATSSubjectPrefix string            `env:"BROKER_NATS_SUBJECT_PREFIX" envDefault:"broker.storage"`
	PlatformAdapters  map[string]string `env:"BROKER_PLATFORM_ADAPTERS" envSeparator:"," envKeyValSeparator:":"`

	// Capacity
	MaxConnections int   `env:"BROKER_MAX_CONNECTIONS" envDefault:"1024"`
	SendBuffer     int   `env:"BROKER_SEND_BUFFER" envDefault:"256"`
	MaxMessageSize int64 `env:"BROKER_MAX_MESSAGE_SIZE" envDefault:"1048576"`

	// Lifecycle
	KeepAliveInterval time.Duration `env:"BROKER_KEEPALIVE_INTERVAL" envDefault:"30s"`
	ShutdownTimeout   time.Duration `env:"BROKER_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Per-session message rate limiting
	MessageRate  int `env:"BROKER_MSG_RATE" envDefault:"100"`
	MessageBurst int `env:"BROKER_MSG_BURST" envDefault:"200"`

	// Connection-attempt rate limiting
	ConnIPRate      float64 `env:"BROKER_CONN_IP_RATE" envDefault:"1.0"`
	ConnIPBurst     int     `env:"BROKER_CONN_IP_BURST" envDefault:"10"`
	ConnGlobalRate  float64 `env:"BROKER_CONN_GLOBAL_RATE" envDefault:"50.0"`
	ConnGlobalBurst int     `env:"BROKER_CONN_GLOBAL_BURST" envDefault:"300"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("No .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.BadgerDir == "" {
		cfg.BadgerDir = filepath.Join(cfg.DataDir, "badger")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BROKER_PORT must be 1-65535, got %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("BROKER_DATA_DIR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("BROKER_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("BROKER_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.MaxMessageSize < 1 {
		return fmt.Errorf("BROKER_MAX_MESSAGE_SIZE must be > 0, got %d", c.MaxMessageSize)
	}
	if c.KeepAliveInterval <= 0 {
		return fmt.Errorf("BROKER_KEEPALIVE_INTERVAL must be > 0, got %s", c.KeepAliveInterval)
	}
	if c.MessageRate < 1 || c.MessageBurst < 1 {
		return fmt.Errorf("BROKER_MSG_RATE and BROKER_MSG_BURST must be > 0, got %d/%d",
			c.MessageRate, c.MessageBurst)
	}

	valid := map[string]bool{
		AdapterMemory: true,
		AdapterFile:   true,
		AdapterBadger: true,
		AdapterBridge: true,
	}
	for platform, adapter := range c.PlatformAdapters {
		if !valid[adapter] {
			return fmt.Errorf("BROKER_PLATFORM_ADAPTERS: unknown adapter %q for platform %q (valid: memory, file, badger, bridge)",
				adapter, platform)
		}
		if adapter == AdapterBridge && c.NATSURL == "" {
			return fmt.Errorf("BROKER_PLATFORM_ADAPTERS: platform %q uses the bridge adapter but BROKER_NATS_URL is not set", platform)
		}
	}

	validLogLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty, console (got: %s)", c.LogFormat)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
