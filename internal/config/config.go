package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	// Env is the deployment environment. "local" switches to text logs.
	Env string `yaml:"env"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Port is the HTTP server port.
	Port int `yaml:"port"`

	// AllowedOrigins restricts websocket origins. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// DatabasePath is the SQLite document store file.
	DatabasePath string `yaml:"database_path"`

	// TxMaxAttempts bounds optimistic transaction retries.
	TxMaxAttempts int `yaml:"tx_max_attempts"`

	// PollInterval is how often the store checks for writes made by other
	// processes sharing the database file.
	PollInterval time.Duration `yaml:"poll_interval"`

	// TokenSecret signs and verifies bearer tokens.
	TokenSecret string        `yaml:"token_secret"`
	TokenIssuer string        `yaml:"token_issuer"`
	TokenTTL    time.Duration `yaml:"token_ttl"`

	// NatsURL enables event publishing when set.
	NatsURL string `yaml:"nats_url"`

	// RedisURL enables the profile cache when set.
	RedisURL        string        `yaml:"redis_url"`
	ProfileCacheTTL time.Duration `yaml:"profile_cache_ttl"`

	// OtelEndpoint enables OTLP trace export when set.
	OtelEndpoint string `yaml:"otel_endpoint"`

	// MaintenanceSchedule is a cron spec for store maintenance. "off"
	// disables it.
	MaintenanceSchedule string `yaml:"maintenance_schedule"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Env:                 "production",
		LogLevel:            "info",
		Port:                3000,
		DatabasePath:        "data/feed.db",
		TxMaxAttempts:       25,
		PollInterval:        time.Second,
		TokenIssuer:         "fantrix-feed",
		TokenTTL:            24 * time.Hour,
		ProfileCacheTTL:     5 * time.Minute,
		MaintenanceSchedule: "*/15 * * * *",
	}
}

// Load reads configuration with this precedence: environment variables, then
// the YAML file named by FEED_CONFIG_FILE, then defaults. A .env file in the
// working directory is loaded into the environment first if present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("FEED_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid or missing setting.
func (c *Config) Validate() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("FEED_TOKEN_SECRET is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.TxMaxAttempts < 1 {
		return fmt.Errorf("tx max attempts must be at least 1, got %d", c.TxMaxAttempts)
	}
	return nil
}

// IsLocal reports whether the service runs in a developer environment.
func (c *Config) IsLocal() bool {
	return c.Env == "local"
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Env, "APP_ENV")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.DatabasePath, "FEED_DB_PATH")
	setString(&cfg.TokenSecret, "FEED_TOKEN_SECRET")
	setString(&cfg.TokenIssuer, "FEED_TOKEN_ISSUER")
	setString(&cfg.NatsURL, "NATS_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.OtelEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.MaintenanceSchedule, "MAINTENANCE_SCHEDULE")

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if err := setInt(&cfg.Port, "PORT"); err != nil {
		return err
	}
	if err := setInt(&cfg.TxMaxAttempts, "FEED_TX_MAX_ATTEMPTS"); err != nil {
		return err
	}
	if err := setDuration(&cfg.PollInterval, "FEED_POLL_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&cfg.TokenTTL, "FEED_TOKEN_TTL"); err != nil {
		return err
	}
	if err := setDuration(&cfg.ProfileCacheTTL, "PROFILE_CACHE_TTL"); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
