package db

import (
	"fmt"
	"os"
	"time"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Config holds database configuration
type Config struct {
	Driver     string
	Host       string
	Port       string
	User       string
	Password   string
	Database   string
	SQLitePath string
	MaxOpen    int
	MaxIdle    int
	Timeout    time.Duration
}

// NewConfig creates a new database configuration from environment variables
func NewConfig() *Config {
	return &Config{
		Driver:     getEnvOrDefault("DB_DRIVER", DriverSQLite),
		Host:       getEnvOrDefault("MYSQL_HOST", "localhost"),
		Port:       getEnvOrDefault("MYSQL_PORT", "3306"),
		User:       getEnvOrDefault("MYSQL_USER", "root"),
		Password:   getEnvOrDefault("MYSQL_PASSWORD", ""),
		Database:   getEnvOrDefault("MYSQL_DATABASE", "url_monitor"),
		SQLitePath: getEnvOrDefault("SQLITE_PATH", "./data/app.db"),
		MaxOpen:    25,
		MaxIdle:    5,
		Timeout:    30 * time.Second,
	}
}

// DSN returns the driver specific data source name
func (c *Config) DSN() (string, error) {
	switch c.Driver {
	case DriverMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci",
			c.User, c.Password, c.Host, c.Port, c.Database), nil
	case DriverSQLite:
		// foreign keys are off by default in sqlite
		return c.SQLitePath + "?_foreign_keys=on&_busy_timeout=5000", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
