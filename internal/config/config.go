// Package config loads worker configuration from an optional YAML file,
// a .env file and TOPUP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "TOPUP"

// ReconcileMargin is added to the external call timeouts to get the
// youngest claim age a sweep may refund
const ReconcileMargin = 30 * time.Second

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Env      string         `mapstructure:"env"`
	LogLevel string         `mapstructure:"log_level"`
	WorkerID string         `mapstructure:"worker_id"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Provider ProviderConfig `mapstructure:"provider"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Orders   OrdersConfig   `mapstructure:"orders"`
	Queues   QueuesConfig   `mapstructure:"queues"`
	Server   ServerConfig   `mapstructure:"server"`
	Seed     []SeedAccount  `mapstructure:"seed"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	DSN        string `mapstructure:"dsn"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// RedisConfig is optional; an empty Addr disables alert fan-out and the
// cross-instance drain lease.
type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
}

type ProviderConfig struct {
	URL     string        `mapstructure:"url"`
	Key     string        `mapstructure:"key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Services maps item type -> cost -> provider service id
	Services map[string]map[string]int `mapstructure:"services"`
}

type OracleConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	SecretKey string        `mapstructure:"secret_key"`
	Asset     string        `mapstructure:"asset"`
	Timeout   time.Duration `mapstructure:"timeout"`
	// TokensPerReserveUnit converts an order cost into reserve currency
	TokensPerReserveUnit float64 `mapstructure:"tokens_per_reserve_unit"`
}

type OrdersConfig struct {
	Workers        int           `mapstructure:"workers"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	// ReconcileAfter enables the stuck-claim sweep when positive
	ReconcileAfter    time.Duration `mapstructure:"reconcile_after"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type QueuesConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	Jitter      time.Duration `mapstructure:"jitter"`
	Workers     int           `mapstructure:"workers"`
}

type ServerConfig struct {
	GRPCAddr    string `mapstructure:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	// OpsToken guards the ops RPCs; they are not served when it is empty
	OpsToken       string        `mapstructure:"ops_token"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

type SeedAccount struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Balance string `mapstructure:"balance"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("worker_id", "")

	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_retries", 32)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lease_ttl", "30s")
	v.SetDefault("redis.channel_prefix", "alerts:")

	v.SetDefault("provider.url", "")
	v.SetDefault("provider.key", "")
	v.SetDefault("provider.timeout", "15s")
	v.SetDefault("provider.services", map[string]any{
		"pubg": map[string]any{"4": 101, "20": 102, "40": 103},
		"ff":   map[string]any{"4": 201, "20": 202, "40": 203},
	})

	v.SetDefault("oracle.base_url", "https://api.binance.com")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.secret_key", "")
	v.SetDefault("oracle.asset", "USDT")
	v.SetDefault("oracle.timeout", "10s")
	v.SetDefault("oracle.tokens_per_reserve_unit", 1.0)

	v.SetDefault("orders.workers", 4)
	v.SetDefault("orders.resync_interval", "30s")
	v.SetDefault("orders.reconcile_after", "0s")
	v.SetDefault("orders.reconcile_interval", "1m")

	v.SetDefault("queues.interval", "3s")
	v.SetDefault("queues.min_interval", "1s")
	v.SetDefault("queues.jitter", "500ms")
	v.SetDefault("queues.workers", 4)

	v.SetDefault("server.grpc_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.ops_token", "")
	v.SetDefault("server.health_interval", "10s")
}

// Load reads configuration from path (optional), .env and the environment.
// Only the store section is validated here; commands that process work
// call ValidateProcessing as well.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateStore checks the settings every command needs
func (c *Config) ValidateStore() error {
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn (TOPUP_STORE_DSN) is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q: must be %s or %s", c.Store.Driver, DriverPostgres, DriverMemory)
	}
	return nil
}

// ValidateProcessing checks the settings the processors need
func (c *Config) ValidateProcessing() error {
	if c.Provider.URL == "" {
		return errors.New("provider.url (TOPUP_PROVIDER_URL) is required")
	}
	if c.Provider.Timeout <= 0 || c.Oracle.Timeout <= 0 {
		return errors.New("provider.timeout and oracle.timeout must be positive")
	}
	if c.Oracle.BaseURL == "" {
		return errors.New("oracle.base_url (TOPUP_ORACLE_BASE_URL) is required")
	}
	if c.Oracle.TokensPerReserveUnit <= 0 {
		return errors.New("oracle.tokens_per_reserve_unit must be positive")
	}
	if c.Orders.Workers < 1 || c.Queues.Workers < 1 {
		return errors.New("orders.workers and queues.workers must be at least 1")
	}
	if c.Orders.ResyncInterval <= 0 {
		return errors.New("orders.resync_interval must be positive")
	}
	if c.Orders.ReconcileAfter < 0 {
		return errors.New("orders.reconcile_after cannot be negative")
	}
	if c.Orders.ReconcileAfter > 0 && c.Orders.ReconcileInterval <= 0 {
		return errors.New("orders.reconcile_interval must be positive when reconciliation is enabled")
	}
	if c.Orders.ReconcileAfter > 0 && c.Orders.ReconcileAfter <= c.MinReconcileAge() {
		return fmt.Errorf("orders.reconcile_after must be above %s (provider.timeout + oracle.timeout + %s)",
			c.MinReconcileAge(), ReconcileMargin)
	}
	if c.Queues.MinInterval <= 0 || c.Queues.Interval < c.Queues.MinInterval {
		return errors.New("queues.interval must be at least queues.min_interval and both positive")
	}
	if c.Server.HealthInterval <= 0 {
		return errors.New("server.health_interval must be positive")
	}
	if c.Queues.Jitter < 0 {
		return errors.New("queues.jitter cannot be negative")
	}
	return nil
}

// MinReconcileAge is the longest a live processor may hold a claim: both
// external calls at their timeouts plus ReconcileMargin for store writes
func (c *Config) MinReconcileAge() time.Duration {
	return c.Provider.Timeout + c.Oracle.Timeout + ReconcileMargin
}
