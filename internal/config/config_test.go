package config

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Address != ":8080" || cfg.RedisPrefix != "tallykit:" || cfg.CounterPrefix != "page_counter_" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.SessionDuration != 24*time.Hour || cfg.CSRFTTL != time.Hour || cfg.CaptchaTTL != 5*time.Minute {
		t.Errorf("security defaults = %v %v %v", cfg.SessionDuration, cfg.CSRFTTL, cfg.CaptchaTTL)
	}
	if cfg.LoginRateLimit != 5 || cfg.LoginRateWindow != time.Minute {
		t.Errorf("login limit = %d/%v", cfg.LoginRateLimit, cfg.LoginRateWindow)
	}
	if cfg.LoginIPLimit != 20 || cfg.TrustProxy {
		t.Errorf("login ip limit = %d, trust proxy = %v", cfg.LoginIPLimit, cfg.TrustProxy)
	}
	if cfg.LogLevel != zapcore.InfoLevel {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ADDRESS", "127.0.0.1:9000")
	t.Setenv("DATABASE_DSN", "postgres://tally@localhost/tally")
	t.Setenv("SESSION_DURATION", "2h")
	t.Setenv("LOGIN_RATE_LIMIT", "3")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Address != "127.0.0.1:9000" || cfg.DatabaseDSN == "" || cfg.SessionDuration != 2*time.Hour || cfg.LoginRateLimit != 3 {
		t.Errorf("overrides = %+v", cfg)
	}
	if cfg.LogLevel != zapcore.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"both remotes", map[string]string{"DATABASE_DSN": "postgres://x", "REMOTE_URL": "https://x"}, "mutually exclusive"},
		{"zero login limit", map[string]string{"LOGIN_RATE_LIMIT": "0"}, "LOGIN_RATE_LIMIT"},
		{"zero ip login limit", map[string]string{"LOGIN_IP_RATE_LIMIT": "0"}, "LOGIN_IP_RATE_LIMIT"},
		{"negative csrf ttl", map[string]string{"CSRF_TTL": "-1m"}, "CSRF_TTL"},
		{"bad duration", map[string]string{"SYNC_DELAY": "soon"}, "SyncDelay"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "LogLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
