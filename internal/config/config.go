package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string   `mapstructure:"PORT"`
	Env                  string   `mapstructure:"ENV"`
	DatabaseURL          string   `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins          []string `mapstructure:"CORS_ORIGINS"`
	LogLevel             string   `mapstructure:"LOG_LEVEL"`
	WorkerCount          int      `mapstructure:"WORKER_COUNT"`
	QueueBuffer          int      `mapstructure:"QUEUE_BUFFER"`
	MessageRetentionDays int      `mapstructure:"MESSAGE_RETENTION_DAYS"`
	AuditRetentionDays   int      `mapstructure:"AUDIT_RETENTION_DAYS"`
	AlertEmailFrom       string   `mapstructure:"ALERT_EMAIL_FROM"`
	SMTPHost             string   `mapstructure:"SMTP_HOST"`
	SMTPPort             int      `mapstructure:"SMTP_PORT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("QUEUE_BUFFER", 256)
	v.SetDefault("MESSAGE_RETENTION_DAYS", 90)
	v.SetDefault("AUDIT_RETENTION_DAYS", 365)
	v.SetDefault("SMTP_PORT", 25)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("WORKER_COUNT")
	v.BindEnv("QUEUE_BUFFER")
	v.BindEnv("MESSAGE_RETENTION_DAYS")
	v.BindEnv("AUDIT_RETENTION_DAYS")
	v.BindEnv("ALERT_EMAIL_FROM")
	v.BindEnv("SMTP_HOST")
	v.BindEnv("SMTP_PORT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.QueueBuffer < 1 {
		return fmt.Errorf("QUEUE_BUFFER must be at least 1, got %d", c.QueueBuffer)
	}
	if c.MessageRetentionDays < 1 {
		return fmt.Errorf("MESSAGE_RETENTION_DAYS must be at least 1, got %d", c.MessageRetentionDays)
	}
	if c.AuditRetentionDays < c.MessageRetentionDays {
		return fmt.Errorf("AUDIT_RETENTION_DAYS (%d) must not be shorter than MESSAGE_RETENTION_DAYS (%d)",
			c.AuditRetentionDays, c.MessageRetentionDays)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}
