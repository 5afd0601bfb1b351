// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/gochat-relay/internal/roster"
	"github.com/Tyrowin/gochat-relay/internal/session"
)

const defaultAllowedOrigin = "http://localhost:5173"

// RateLimitConfig defines the per-user message submission budget.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings.
type Config struct {
	Port               string        `env:"SERVER_PORT,default=:3000"`
	DatabaseURL        string        `env:"DATABASE_URL,default=gochat.db"`
	LogLevel           string        `env:"LOG_LEVEL,default=info"`
	LogFormat          string        `env:"LOG_FORMAT,default=text"`
	AllowedOrigins     string        `env:"ALLOWED_ORIGINS,default=http://localhost:5173"`
	MaxMessageSize     int           `env:"MAX_MESSAGE_SIZE,default=4096"`
	SubmitQueueSize    int           `env:"SUBMIT_QUEUE_SIZE,default=1024"`
	OutboundBufferSize int           `env:"OUTBOUND_BUFFER_SIZE,default=256"`
	SessionCapacity    int           `env:"SESSION_CAPACITY,default=1048576"`
	GroupCacheCapacity int           `env:"GROUP_CACHE_CAPACITY,default=65536"`
	HandshakeTimeout   time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s"`
	PersistTimeout     time.Duration `env:"PERSIST_TIMEOUT,default=5s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST,default=20"`
	RateLimitRefill    time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
}

// NewConfig creates a Config populated with default values for all settings.
func NewConfig() Config {
	return sanitizeConfig(Config{AllowedOrigins: defaultAllowedOrigin})
}

// LoadConfig reads an optional dotenv file (".env" unless files are given)
// and then decodes the environment into a sanitized Config.
func LoadConfig(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load dotenv: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":3000"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "gochat.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.SubmitQueueSize <= 0 {
		cfg.SubmitQueueSize = 1024
	}
	if cfg.OutboundBufferSize <= 0 {
		cfg.OutboundBufferSize = 256
	}
	if cfg.SessionCapacity <= 0 {
		cfg.SessionCapacity = session.DefaultCapacity
	}
	if cfg.GroupCacheCapacity <= 0 {
		cfg.GroupCacheCapacity = roster.DefaultCapacity
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RateLimitRefill <= 0 {
		cfg.RateLimitRefill = time.Second
	}
	return cfg
}

// Origins returns the configured origin allow-list, split and trimmed.
func (c Config) Origins() []string {
	return parseOrigins(c.AllowedOrigins)
}

// RateLimit returns the per-user submission budget.
func (c Config) RateLimit() RateLimitConfig {
	return RateLimitConfig{Burst: c.RateLimitBurst, RefillInterval: c.RateLimitRefill}
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
