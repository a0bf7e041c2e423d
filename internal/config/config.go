// Package config loads tallyd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// Config holds every tallyd setting.
type Config struct {
	Address string `env:"ADDRESS" envDefault:":8080"`

	RedisURL      string `env:"REDIS_URL" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"tallykit:"`

	// DatabaseDSN selects the Postgres remote store. RemoteURL selects the REST
	// one. With neither set the engine runs local-only.
	DatabaseDSN   string        `env:"DATABASE_DSN"`
	RemoteURL     string        `env:"REMOTE_URL"`
	RemoteAPIKey  string        `env:"REMOTE_API_KEY"`
	RemoteTimeout time.Duration `env:"REMOTE_TIMEOUT" envDefault:"5s"`
	RemoteRetries int           `env:"REMOTE_RETRIES" envDefault:"0"`

	SessionDuration time.Duration `env:"SESSION_DURATION" envDefault:"24h"`
	CSRFTTL         time.Duration `env:"CSRF_TTL" envDefault:"1h"`
	CaptchaTTL      time.Duration `env:"CAPTCHA_TTL" envDefault:"5m"`
	TabTTL          time.Duration `env:"TAB_TTL" envDefault:"30m"`

	SyncDelay     time.Duration `env:"SYNC_DELAY" envDefault:"5s"`
	CounterPrefix string        `env:"COUNTER_PREFIX" envDefault:"page_counter_"`

	LoginRateLimit  int           `env:"LOGIN_RATE_LIMIT" envDefault:"5"`
	LoginRateWindow time.Duration `env:"LOGIN_RATE_WINDOW" envDefault:"1m"`
	LoginIPLimit    int           `env:"LOGIN_IP_RATE_LIMIT" envDefault:"20"`
	TrustProxy      bool          `env:"TRUST_PROXY" envDefault:"false"`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES" envDefault:"65536"`

	AdminAPIKey string        `env:"ADMIN_API_KEY"`
	LogLevel    zapcore.Level `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseDSN != "" && c.RemoteURL != "" {
		errs = append(errs, errors.New("DATABASE_DSN and REMOTE_URL are mutually exclusive"))
	}
	if c.LoginRateLimit <= 0 || c.LoginRateWindow <= 0 {
		errs = append(errs, errors.New("LOGIN_RATE_LIMIT and LOGIN_RATE_WINDOW must be positive"))
	}
	if c.LoginIPLimit <= 0 {
		errs = append(errs, errors.New("LOGIN_IP_RATE_LIMIT must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"SESSION_DURATION": c.SessionDuration,
		"CSRF_TTL":         c.CSRFTTL,
		"CAPTCHA_TTL":      c.CaptchaTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}
