// Package config loads the service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/sykell/url-monitor/internal/crawler"
	"github.com/sykell/url-monitor/internal/db"
	"github.com/sykell/url-monitor/internal/middleware"
	"github.com/sykell/url-monitor/internal/notify"
	"github.com/sykell/url-monitor/internal/scheduler"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	Database  *db.Config
	Scheduler *scheduler.Config
	Fetch     *crawler.Config
	Webhook   WebhookConfig
	Auth      middleware.AuthConfig
	Log       LogConfig
	RulesFile string
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// WebhookConfig holds alert delivery settings
type WebhookConfig struct {
	DefaultURL string
	notify.Config
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Format string
}

// Load reads envFile when it exists and builds the configuration from the
// environment.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	fetchDefaults := crawler.DefaultConfig()
	schedDefaults := scheduler.DefaultConfig()
	webhookDefaults := notify.DefaultConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: db.NewConfig(),
		Scheduler: &scheduler.Config{
			TickInterval: getEnvAsDuration("SCHEDULER_TICK", schedDefaults.TickInterval),
			Concurrency:  getEnvAsInt("SCHEDULER_CONCURRENCY", schedDefaults.Concurrency),
			CheckTimeout: getEnvAsDuration("CHECK_TIMEOUT", schedDefaults.CheckTimeout),
		},
		Fetch: &crawler.Config{
			UserAgent:        getEnv("FETCH_USER_AGENT", fetchDefaults.UserAgent),
			RequestTimeout:   getEnvAsDuration("FETCH_REQUEST_TIMEOUT", fetchDefaults.RequestTimeout),
			MaxRetries:       getEnvAsInt("CHECK_MAX_RETRIES", fetchDefaults.MaxRetries),
			InitialBackoff:   getEnvAsDuration("CHECK_BACKOFF", fetchDefaults.InitialBackoff),
			MaxBackoff:       getEnvAsDuration("CHECK_MAX_BACKOFF", fetchDefaults.MaxBackoff),
			MaxBodyBytes:     int64(getEnvAsInt("FETCH_MAX_BODY_BYTES", int(fetchDefaults.MaxBodyBytes))),
			AutoMinTextLines: getEnvAsInt("AUTO_MIN_TEXT_LINES", fetchDefaults.AutoMinTextLines),
		},
		Webhook: WebhookConfig{
			DefaultURL: getEnv("DEFAULT_WEBHOOK_URL", ""),
			Config: notify.Config{
				MaxRetries:     getEnvAsInt("WEBHOOK_MAX_RETRIES", webhookDefaults.MaxRetries),
				Backoff:        getEnvAsDuration("WEBHOOK_BACKOFF", webhookDefaults.Backoff),
				RequestTimeout: getEnvAsDuration("WEBHOOK_TIMEOUT", webhookDefaults.RequestTimeout),
			},
		},
		Auth: middleware.AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			TokenDuration: getEnvAsDuration("JWT_DURATION", 24*time.Hour),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		RulesFile: getEnv("RULES_FILE", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("SCHEDULER_CONCURRENCY must be at least 1")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("SCHEDULER_TICK must be positive")
	}
	if c.Scheduler.CheckTimeout <= 0 {
		return fmt.Errorf("CHECK_TIMEOUT must be positive")
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("CHECK_MAX_RETRIES cannot be negative")
	}
	if c.Webhook.MaxRetries < 1 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must be at least 1")
	}
	if _, err := c.Database.DSN(); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// getEnvAsDuration accepts Go durations ("1m30s") or plain seconds ("1.5")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	return defaultValue
}
