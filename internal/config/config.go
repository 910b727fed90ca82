package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`

	GenerationSecret    string `envconfig:"GENERATION_SECRET_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`

	StoreBackend string        `envconfig:"STORE_BACKEND" default:"redis"`
	RedisURL     string        `envconfig:"REDIS_URL"`
	SQLitePath   string        `envconfig:"SQLITE_PATH" default:"licenses.db"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`

	SMTPConfig
}

type SMTPConfig struct {
	Host      string `envconfig:"SMTP_HOST"`
	Port      string `envconfig:"SMTP_PORT" default:"587"`
	Username  string `envconfig:"SMTP_USER"`
	Password  string `envconfig:"SMTP_PASS"`
	EmailFrom string `envconfig:"EMAIL_FROM" default:"licenses@devlog.app"`
}

// Enabled reports whether license emails can be sent.
func (c SMTPConfig) Enabled() bool {
	return c.Host != ""
}

func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var result *multierror.Error

	if c.GenerationSecret == "" {
		result = multierror.Append(result, errors.New("GENERATION_SECRET_KEY environment variable is required"))
	}

	if c.StripeWebhookSecret == "" {
		result = multierror.Append(result, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required"))
	}

	switch c.StoreBackend {
	case "redis":
		if c.RedisURL == "" {
			result = multierror.Append(result, errors.New("REDIS_URL environment variable is required when using redis"))
		}
	case "sqlite":
		if c.SQLitePath == "" {
			result = multierror.Append(result, errors.New("SQLITE_PATH environment variable is required when using sqlite"))
		}
	case "memory":
	default:
		result = multierror.Append(result, fmt.Errorf("STORE_BACKEND must be one of redis, sqlite, memory; got %q", c.StoreBackend))
	}

	if c.StoreTimeout <= 0 {
		result = multierror.Append(result, errors.New("STORE_TIMEOUT must be positive"))
	}

	if c.SMTPConfig.Enabled() && (c.SMTPConfig.Username == "" || c.SMTPConfig.Password == "") {
		result = multierror.Append(result, errors.New("SMTP_USER and SMTP_PASS environment variables are required when SMTP_HOST is set"))
	}

	return result.ErrorOrNil()
}
