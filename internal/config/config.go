// Package config loads service configuration from a YAML file with
// SMSFLOW_-prefixed environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SMSFLOW_"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Provider  ProviderConfig  `koanf:"provider"`
	RateCaps  RateCapsConfig  `koanf:"rate_caps"`
	Workers   WorkersConfig   `koanf:"workers"`
	Retry     RetryConfig     `koanf:"retry"`
	Pricing   PricingConfig   `koanf:"pricing"`
	Log       LogConfig       `koanf:"log"`
	Templates map[string]string `koanf:"templates"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// CORSAllowedOrigins enables CORS handling when non-empty.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	DSN             string `koanf:"dsn"`
	MaxConns        int32  `koanf:"max_conns"`
	MigrateOnStart  bool   `koanf:"migrate_on_start"`
}

// RedisConfig holds the queue backend settings.
type RedisConfig struct {
	Addr           string        `koanf:"addr"`
	Password       string        `koanf:"password"`
	DB             int           `koanf:"db"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	RetryAttempts  int           `koanf:"retry_attempts"`
	RetryInterval  time.Duration `koanf:"retry_interval"`
}

// ProviderConfig holds SMS provider API settings. An empty APIKey selects
// the deterministic sandbox provider.
type ProviderConfig struct {
	BaseURL       string        `koanf:"base_url"`
	APIKey        string        `koanf:"api_key"`
	Sender        string        `koanf:"sender"`
	SendTimeout   time.Duration `koanf:"send_timeout"`
	StatusTimeout time.Duration `koanf:"status_timeout"`
}

// RateCapsConfig holds the sending rate ceilings.
type RateCapsConfig struct {
	PerMinute int64 `koanf:"per_minute"`
	PerHour   int64 `koanf:"per_hour"`
	PerDay    int64 `koanf:"per_day"`
}

// WorkersConfig holds the periodic worker schedules and batch sizes.
type WorkersConfig struct {
	DrainSpec    string `koanf:"drain_spec"`
	SweepSpec    string `koanf:"sweep_spec"`
	CampaignSpec string `koanf:"campaign_spec"`
	TrackerSpec  string `koanf:"tracker_spec"`

	DrainBatch    int `koanf:"drain_batch"`
	SweepBatch    int `koanf:"sweep_batch"`
	CampaignBatch int `koanf:"campaign_batch"`
	TrackerBatch  int `koanf:"tracker_batch"`

	TaskTimeout time.Duration `koanf:"task_timeout"`
}

// RetryConfig holds failed-send retry settings.
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
}

// PricingConfig holds cost accounting settings.
type PricingConfig struct {
	UnitCost float64 `koanf:"unit_cost"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "text"
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxConns:       10,
			MigrateOnStart: true,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			ConnectTimeout: 5 * time.Second,
			RetryAttempts:  3,
			RetryInterval:  5 * time.Second,
		},
		Provider: ProviderConfig{
			Sender:        "SMSFlow",
			SendTimeout:   10 * time.Second,
			StatusTimeout: 15 * time.Second,
		},
		RateCaps: RateCapsConfig{
			PerMinute: 60,
			PerHour:   1000,
			PerDay:    10000,
		},
		Workers: WorkersConfig{
			DrainSpec:     "@every 1m",
			SweepSpec:     "@every 5m",
			CampaignSpec:  "@every 10m",
			TrackerSpec:   "@every 15m",
			DrainBatch:    50,
			SweepBatch:    100,
			CampaignBatch: 5,
			TrackerBatch:  200,
			TaskTimeout:   4 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Minute,
		},
		Pricing: PricingConfig{
			UnitCost: 0.05,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the optional YAML file at path, then applies
// SMSFLOW_ environment overrides. Double underscore separates nesting levels
// so single underscores survive inside key names: SMSFLOW_DATABASE__DSN maps
// to database.dsn, SMSFLOW_RATE_CAPS__PER_DAY to rate_caps.per_day.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable zero value.
func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Provider.APIKey != "" && c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required when provider.api_key is set")
	}
	if c.RateCaps.PerDay <= 0 {
		return fmt.Errorf("rate_caps.per_day must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Pricing.UnitCost < 0 {
		return fmt.Errorf("pricing.unit_cost must not be negative")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}
