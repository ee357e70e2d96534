package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL     string `mapstructure:"DB_DSN"`
	RedisURL        string `mapstructure:"REDIS_URL"`
	MongoURI        string `mapstructure:"MONGO_URI"`
	MongoDatabase   string `mapstructure:"MONGO_DATABASE"`
	VisitServiceURL string `mapstructure:"VISIT_SERVICE_URL"`

	UpstreamTimeoutSeconds  int    `mapstructure:"UPSTREAM_TIMEOUT_SECONDS"`
	Timezone                string `mapstructure:"QUEUE_TIMEZONE"`
	DashboardRefreshSeconds int    `mapstructure:"DASHBOARD_REFRESH_SECONDS"`
	NoShowGraceSeconds      int    `mapstructure:"NO_SHOW_GRACE_SECONDS"`
	NoShowIntervalSeconds   int    `mapstructure:"NO_SHOW_SCAN_INTERVAL_SECONDS"`

	RateLimitPerMinute       int `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst           int `mapstructure:"RATE_LIMIT_BURST"`
	BranchRateLimitPerMinute int `mapstructure:"BRANCH_RATE_LIMIT_PER_MIN"`
	BranchRateLimitBurst     int `mapstructure:"BRANCH_RATE_LIMIT_BURST"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var defaults = map[string]interface{}{
	"PORT":                          "8080",
	"ENV":                           "development",
	"LOG_LEVEL":                     "info",
	"MONGO_DATABASE":                "patient_queue",
	"UPSTREAM_TIMEOUT_SECONDS":      5,
	"QUEUE_TIMEZONE":                "UTC",
	"DASHBOARD_REFRESH_SECONDS":     30,
	"NO_SHOW_GRACE_SECONDS":         0,
	"NO_SHOW_SCAN_INTERVAL_SECONDS": 30,
	"RATE_LIMIT_PER_MIN":            120,
	"RATE_LIMIT_BURST":              30,
	"BRANCH_RATE_LIMIT_PER_MIN":     600,
	"BRANCH_RATE_LIMIT_BURST":       120,
	"OTEL_EXPORTER_OTLP_INSECURE":   true,
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DB_DSN", "REDIS_URL", "MONGO_URI", "MONGO_DATABASE", "VISIT_SERVICE_URL",
	"UPSTREAM_TIMEOUT_SECONDS", "QUEUE_TIMEZONE", "DASHBOARD_REFRESH_SECONDS",
	"NO_SHOW_GRACE_SECONDS", "NO_SHOW_SCAN_INTERVAL_SECONDS",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "BRANCH_RATE_LIMIT_PER_MIN", "BRANCH_RATE_LIMIT_BURST",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

// Load reads the environment, falling back to an optional .env file and
// then to defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("QUEUE_TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.UpstreamTimeoutSeconds <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS must be positive, got %d", c.UpstreamTimeoutSeconds)
	}
	if c.DashboardRefreshSeconds <= 0 {
		return fmt.Errorf("DASHBOARD_REFRESH_SECONDS must be positive, got %d", c.DashboardRefreshSeconds)
	}
	if c.MongoURI != "" && strings.TrimSpace(c.MongoDatabase) == "" {
		return fmt.Errorf("MONGO_DATABASE is required when MONGO_URI is set")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) UpstreamTimeout() time.Duration {
	return seconds(c.UpstreamTimeoutSeconds)
}

func (c *Config) DashboardRefresh() time.Duration {
	return seconds(c.DashboardRefreshSeconds)
}

// NoShowGrace is zero when the automatic sweep is disabled.
func (c *Config) NoShowGrace() time.Duration {
	return seconds(c.NoShowGraceSeconds)
}

func (c *Config) NoShowInterval() time.Duration {
	if c.NoShowIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return seconds(c.NoShowIntervalSeconds)
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}
