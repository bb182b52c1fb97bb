// Package config loads client settings from SERVICEBUS_* environment
// variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/messaging"
)

// Prefix is prepended to every variable name
const Prefix = "SERVICEBUS_"

// Transport names accepted in SERVICEBUS_TRANSPORT
const (
	TransportRabbitMQ = "rabbitmq"
	TransportMemory   = "memory"
)

// Config holds connection, send and receive settings
type Config struct {
	Transport        string `env:"TRANSPORT" envDefault:"rabbitmq"`
	ConnectionString string `env:"CONNECTION_STRING"`
	EntityPath       string `env:"ENTITY_PATH"`

	// Receive defaults
	PrefetchCount   int           `env:"PREFETCH_COUNT" envDefault:"0"`
	ServerWaitTime  time.Duration `env:"SERVER_WAIT_TIME" envDefault:"60s"`
	MaxMessageCount int           `env:"MAX_MESSAGE_COUNT" envDefault:"10"`
	AutoSettle      bool          `env:"AUTO_SETTLE" envDefault:"true"`

	// TimeToLive is whole minutes, like the timeToLive send parameter
	TimeToLive int `env:"TIME_TO_LIVE" envDefault:"5"`

	// RabbitMQ topology
	LockDuration     time.Duration `env:"LOCK_DURATION" envDefault:"30s"`
	QueueType        string        `env:"QUEUE_TYPE" envDefault:"quorum"`
	MaxDeliveryCount int           `env:"MAX_DELIVERY_COUNT" envDefault:"10"`
	Topics           []string      `env:"TOPICS" envSeparator:","`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Load reads the process environment
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads vars instead of the process environment. Keys carry the
// SERVICEBUS_ prefix.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that do not depend on the command being run.
// The connection string and entity path are checked by Connection.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportRabbitMQ, TransportMemory:
	default:
		return configError("TRANSPORT", fmt.Sprintf("must be %s or %s, got %q", TransportRabbitMQ, TransportMemory, c.Transport))
	}
	if c.PrefetchCount < 0 {
		return configError("PREFETCH_COUNT", "must not be negative")
	}
	if c.ServerWaitTime < 0 {
		return configError("SERVER_WAIT_TIME", "must not be negative")
	}
	if c.MaxMessageCount < 1 {
		return configError("MAX_MESSAGE_COUNT", "must be at least 1")
	}
	if c.TimeToLive < 0 {
		return configError("TIME_TO_LIVE", "must not be negative")
	}
	if int64(c.TimeToLive) > contracts.MaxTimeToLiveMinutes {
		return configError("TIME_TO_LIVE", "is too large")
	}
	if c.MaxDeliveryCount < 0 {
		return configError("MAX_DELIVERY_COUNT", "must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return configError("LOG_LEVEL", err.Error())
	}
	return nil
}

// Connection returns the validated connection settings
func (c Config) Connection() (messaging.ConnectionConfig, error) {
	cfg := messaging.ConnectionConfig{
		ConnectionString: c.ConnectionString,
		EntityPath:       c.EntityPath,
	}
	if err := cfg.Validate(); err != nil {
		return messaging.ConnectionConfig{}, err
	}
	return cfg, nil
}

// DefaultTimeToLive converts TimeToLive to a duration
func (c Config) DefaultTimeToLive() time.Duration {
	return time.Duration(c.TimeToLive) * time.Minute
}

// Level parses LogLevel
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// Logger returns a text logger writing to w at LogLevel. An invalid level
// falls back to info.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := c.Level()
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func configError(name, reason string) error {
	return &contracts.ConfigurationError{Field: Prefix + name, Reason: reason}
}
