// Package config loads walletd configuration from defaults, an optional YAML
// file, an optional .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/wallet_layer/internal/access"
	"github.com/R3E-Network/wallet_layer/internal/ledger"
)

// Store and feed backends.
const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
	BackendNone     = "none"
)

type Config struct {
	Service  string         `yaml:"service" env:"WALLET_SERVICE_NAME"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Auth     AuthConfig     `yaml:"auth"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr" env:"WALLET_HTTP_ADDR"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RateLimit is the sustained per-principal request rate; 0 disables.
	RateLimit float64 `yaml:"rate_limit" env:"WALLET_HTTP_RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"WALLET_HTTP_RATE_BURST"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"WALLET_LOG_LEVEL"`
	Format string `yaml:"format" env:"WALLET_LOG_FORMAT"`
}

type SupabaseConfig struct {
	URL              string        `yaml:"url" env:"SUPABASE_URL"`
	APIKey           string        `yaml:"api_key" env:"SUPABASE_SERVICE_KEY"`
	Schema           string        `yaml:"schema" env:"SUPABASE_SCHEMA"`
	Timeout          time.Duration `yaml:"timeout" env:"SUPABASE_TIMEOUT"`
	MaxRetries       int           `yaml:"max_retries" env:"SUPABASE_MAX_RETRIES"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

type PostgresConfig struct {
	DSN           string `yaml:"dsn" env:"DATABASE_URL"`
	NotifyChannel string `yaml:"notify_channel" env:"WALLET_PG_CHANNEL"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr" env:"REDIS_ADDR"`
	Password      string `yaml:"password" env:"REDIS_PASSWORD"`
	DB            int    `yaml:"db" env:"REDIS_DB"`
	ChannelPrefix string `yaml:"channel_prefix" env:"WALLET_REDIS_PREFIX"`
}

type WalletConfig struct {
	Store              string        `yaml:"store" env:"WALLET_STORE"`
	Feed               string        `yaml:"feed" env:"WALLET_FEED"`
	Table              string        `yaml:"table" env:"WALLET_TABLE"`
	Limit              int           `yaml:"limit" env:"WALLET_LIMIT"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout" env:"WALLET_FETCH_TIMEOUT"`
	MinRefreshInterval time.Duration `yaml:"min_refresh_interval" env:"WALLET_MIN_REFRESH_INTERVAL"`
	// RefreshSchedule is a standard cron spec for a periodic refetch. Empty
	// disables it.
	RefreshSchedule string `yaml:"refresh_schedule" env:"WALLET_REFRESH_SCHEDULE"`
}

type AuthConfig struct {
	PublicKeyPath string   `yaml:"public_key_path" env:"WALLET_JWT_PUBLIC_KEY"`
	SkipPaths     []string `yaml:"skip_paths"`
	// WalletRead guards GET /v1/wallet.
	WalletRead access.Requirement `yaml:"wallet_read"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: "walletd",
		HTTP: HTTPConfig{
			Addr:           ":8090",
			AllowedOrigins: []string{"*"},
			RateLimit:      5,
			RateBurst:      10,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Supabase: SupabaseConfig{
			Schema:           "public",
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Postgres: PostgresConfig{NotifyChannel: "transactions_changed"},
		Redis:    RedisConfig{Addr: "localhost:6379", ChannelPrefix: "wallet:"},
		Wallet: WalletConfig{
			Store:        BackendSupabase,
			Feed:         BackendSupabase,
			Table:        "transactions",
			Limit:        ledger.DefaultLimit,
			FetchTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			SkipPaths:  []string{"/healthz", "/metrics"},
			WalletRead: access.Requirement{MinTrustLevel: "observer"},
		},
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// ignored.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Wallet.Store {
	case BackendSupabase:
		if c.Supabase.URL == "" {
			add("supabase.url is required for the supabase store")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			add("postgres.dsn is required for the postgres store")
		}
	case BackendMemory:
	default:
		add("unknown wallet.store %q", c.Wallet.Store)
	}

	switch c.Wallet.Feed {
	case BackendSupabase:
		if c.Supabase.URL == "" {
			add("supabase.url is required for the supabase feed")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			add("postgres.dsn is required for the postgres feed")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			add("redis.addr is required for the redis feed")
		}
	case BackendMemory:
		if c.Wallet.Store != BackendMemory {
			add("the memory feed requires the memory store")
		}
	case BackendNone:
	default:
		add("unknown wallet.feed %q", c.Wallet.Feed)
	}

	if c.Wallet.Limit <= 0 {
		add("wallet.limit must be positive")
	}
	if c.Wallet.Table == "" {
		add("wallet.table is required")
	}
	if c.Wallet.FetchTimeout < 0 || c.Wallet.MinRefreshInterval < 0 {
		add("wallet durations must not be negative")
	}
	if c.Wallet.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Wallet.RefreshSchedule); err != nil {
			add("wallet.refresh_schedule: %v", err)
		}
	}
	if lvl := c.Auth.WalletRead.MinTrustLevel; lvl != "" && !lvl.Valid() {
		add("auth.wallet_read.min_trust_level %q is not a trust level", lvl)
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		add("http rate limit must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
