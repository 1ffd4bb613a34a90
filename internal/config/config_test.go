package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, key := range []string{"PORT", "LOG_LEVEL", "ENV", "RATE_LIMIT_BACKEND", "TICK_WORKERS", "SEND_TIMEOUT", "AWS_REGION", "SNS_REGION"} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.Env != "development" {
		t.Errorf("expected env 'development', got %s", cfg.Env)
	}
	if cfg.RateLimitBackend != RateLimitBackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.RateLimitBackend)
	}
	if cfg.SendTimeout != 15*time.Second {
		t.Errorf("expected send timeout 15s, got %s", cfg.SendTimeout)
	}
	if cfg.SNSRegion != cfg.AWSRegion {
		t.Errorf("expected SNS region to default to %s, got %s", cfg.AWSRegion, cfg.SNSRegion)
	}
	if cfg.TickSchedule != "@hourly" {
		t.Errorf("expected @hourly, got %s", cfg.TickSchedule)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("PORT", "9000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ENV", "production")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("TICK_WORKERS", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.LogLevel)
	}
	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Errorf("expected window 30s, got %s", cfg.RateLimitWindow)
	}
	if cfg.TickWorkers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.TickWorkers)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("SES_FROM_EMAIL=office@parish.example\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	t.Cleanup(func() { os.Unsetenv("SES_FROM_EMAIL") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.SESFromEmail != "office@parish.example" {
		t.Errorf("expected from email from env file, got %s", cfg.SESFromEmail)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "PORT", "not-a-number"},
		{"bad backend", "RATE_LIMIT_BACKEND", "memcached"},
		{"zero attempts", "RATE_LIMIT_MAX_ATTEMPTS", "0"},
		{"zero workers", "TICK_WORKERS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
			t.Setenv(tt.key, tt.value)

			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
