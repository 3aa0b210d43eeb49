package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TOPUP_STORE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 3*time.Second, cfg.Queues.Interval)
	assert.Equal(t, time.Second, cfg.Queues.MinInterval)
	assert.Equal(t, 15*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 101, cfg.Provider.Services["pubg"]["4"])
	assert.Equal(t, 203, cfg.Provider.Services["ff"]["40"])
	assert.Equal(t, "USDT", cfg.Oracle.Asset)
	assert.Equal(t, 1.0, cfg.Oracle.TokensPerReserveUnit)
	assert.Zero(t, cfg.Orders.ReconcileAfter, "reconciliation is opt-in")
	assert.Empty(t, cfg.Server.OpsToken)
	assert.Equal(t, 10*time.Second, cfg.Server.HealthInterval)
	assert.NotEmpty(t, cfg.WorkerID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TOPUP_STORE_DRIVER", "postgres")
	t.Setenv("TOPUP_STORE_DSN", "postgres://ledger@localhost/ledger")
	t.Setenv("TOPUP_PROVIDER_URL", "https://provider.example/api/v2")
	t.Setenv("TOPUP_QUEUES_INTERVAL", "10s")
	t.Setenv("TOPUP_WORKER_ID", "worker-a")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.Store.DSN)
	assert.Equal(t, "https://provider.example/api/v2", cfg.Provider.URL)
	assert.Equal(t, 10*time.Second, cfg.Queues.Interval)
	assert.Equal(t, "worker-a", cfg.WorkerID)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.yaml")
	content := `
store:
  driver: memory
provider:
  url: https://provider.example/api/v2
  services:
    pubg:
      "4": 9001
seed:
  - id: U1
    name: Alice
    balance: "100"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Provider.Services["pubg"]["4"])
	require.Len(t, cfg.Seed, 1)
	assert.Equal(t, "U1", cfg.Seed[0].ID)
	assert.Equal(t, "100", cfg.Seed[0].Balance)
}

func TestLoad_PostgresWithoutDSN(t *testing.T) {
	t.Setenv("TOPUP_STORE_DRIVER", "postgres")
	t.Setenv("TOPUP_STORE_DSN", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.dsn")
}

func TestLoad_UnknownDriver(t *testing.T) {
	t.Setenv("TOPUP_STORE_DRIVER", "firebase")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store.driver")
}

func TestValidateProcessing(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Provider: ProviderConfig{URL: "https://provider.example", Timeout: time.Second},
			Oracle:   OracleConfig{BaseURL: "https://exchange.example", Timeout: time.Second, TokensPerReserveUnit: 1},
			Orders:   OrdersConfig{Workers: 1, ResyncInterval: time.Second},
			Queues:   QueuesConfig{Interval: 3 * time.Second, MinInterval: time.Second, Workers: 1},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing provider", mutate: func(c *Config) { c.Provider.URL = "" }, errMsg: "provider.url"},
		{name: "zero workers", mutate: func(c *Config) { c.Queues.Workers = 0 }, errMsg: "workers"},
		{name: "interval below minimum", mutate: func(c *Config) { c.Queues.Interval = 500 * time.Millisecond }, errMsg: "queues.interval"},
		{name: "reconcile without interval", mutate: func(c *Config) {
			c.Orders.ReconcileAfter = time.Minute
			c.Orders.ReconcileInterval = 0
		}, errMsg: "reconcile_interval"},
		{name: "reconcile enabled", mutate: func(c *Config) {
			c.Orders.ReconcileAfter = time.Minute
			c.Orders.ReconcileInterval = time.Minute
		}},
		{name: "reconcile within processing deadline", mutate: func(c *Config) {
			c.Orders.ReconcileAfter = 30 * time.Second
			c.Orders.ReconcileInterval = time.Minute
		}, errMsg: "reconcile_after must be above 32s"},
		{name: "bad ratio", mutate: func(c *Config) { c.Oracle.TokensPerReserveUnit = 0 }, errMsg: "tokens_per_reserve_unit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.ValidateProcessing()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestMinReconcileAge(t *testing.T) {
	cfg := &Config{
		Provider: ProviderConfig{Timeout: 15 * time.Second},
		Oracle:   OracleConfig{Timeout: 10 * time.Second},
	}
	assert.Equal(t, 55*time.Second, cfg.MinReconcileAge())
}
