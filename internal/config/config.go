package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Rate limiter backends
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

type Config struct {
	Port     int    `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Env      string `envconfig:"ENV" default:"development"`

	// Database
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"herald"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"herald"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	// Redis config (only used by the shared rate limiter backend)
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Rate limiting of sensitive actions
	RateLimitBackend     string        `envconfig:"RATE_LIMIT_BACKEND" default:"memory"`
	RateLimitMaxAttempts int           `envconfig:"RATE_LIMIT_MAX_ATTEMPTS" default:"5"`
	RateLimitWindow      time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// AWS Services
	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1"`
	SESFromEmail    string `envconfig:"SES_FROM_EMAIL" default:"noreply@herald.local"`
	SNSRegion       string `envconfig:"SNS_REGION"` // defaults to AWSRegion
	SQSRegion       string `envconfig:"SQS_REGION"` // defaults to AWSRegion
	SQSAuditQueue   string `envconfig:"SQS_AUDIT_QUEUE_URL"`
	DisableChannels bool   `envconfig:"DISABLE_CHANNELS"` // log instead of sending

	// Webhook config
	WebhookTimeout int `envconfig:"WEBHOOK_TIMEOUT" default:"30"` // seconds

	// Scheduling
	TickSchedule    string        `envconfig:"TICK_SCHEDULE" default:"@hourly"`
	TickWorkers     int           `envconfig:"TICK_WORKERS" default:"4"`
	TickTimeout     time.Duration `envconfig:"TICK_TIMEOUT" default:"50m"`
	SendTimeout     time.Duration `envconfig:"SEND_TIMEOUT" default:"15s"`
	SendRatePerSec  int           `envconfig:"SEND_RATE_PER_SEC" default:"10"`
	DefaultSendTime string        `envconfig:"DEFAULT_SEND_TIME" default:"09:00"`
}

// Load reads configuration from an optional .env file and the environment.
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}
	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.RateLimitBackend {
	case RateLimitBackendMemory, RateLimitBackendRedis:
	default:
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND: %q (memory or redis)", c.RateLimitBackend)
	}
	if c.RateLimitMaxAttempts <= 0 {
		return fmt.Errorf("invalid RATE_LIMIT_MAX_ATTEMPTS: %d", c.RateLimitMaxAttempts)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("invalid RATE_LIMIT_WINDOW: %s", c.RateLimitWindow)
	}
	if c.TickWorkers <= 0 {
		return fmt.Errorf("invalid TICK_WORKERS: %d", c.TickWorkers)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("invalid SEND_TIMEOUT: %s", c.SendTimeout)
	}
	return nil
}
