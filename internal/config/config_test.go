package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chaintv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
backendUrl: "http://localhost:5300/api"
price:
  interval: 10s
  fallbackUsd: "0"
chain:
  confirmTimeout: 90s
wallet:
  mock: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "http://localhost:5300/api", cfg.BackendURL)
	assert.Equal(t, 10*time.Second, cfg.Price.Interval)
	assert.Equal(t, "0", cfg.Price.FallbackUSD)
	assert.Equal(t, 90*time.Second, cfg.Chain.ConfirmTimeout)
	assert.Equal(t, 2*time.Second, cfg.Chain.PollInterval, "unset keys keep defaults")
	assert.Equal(t, DefaultPriceURL, cfg.Price.URL)
	assert.True(t, cfg.Wallet.Mock)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHAINTV_BACKEND_URL":     "http://backend.test/api",
		"CHAINTV_CORS_ORIGINS":    "https://a.test, https://b.test ,",
		"CHAINTV_CONFIRM_TIMEOUT": "5s",
		"CHAINTV_WALLET_MOCK":     "true",
		"CHAINTV_DEV":             "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, "http://backend.test/api", cfg.BackendURL)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORSOrigins)
	assert.Equal(t, 5*time.Second, cfg.Chain.ConfirmTimeout)
	assert.True(t, cfg.Wallet.Mock)
	assert.False(t, cfg.DevMode)
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	env := map[string]string{
		"CHAINTV_DEV":            "maybe",
		"CHAINTV_PRICE_INTERVAL": "soon",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	err := Default().applyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAINTV_DEV")
	assert.Contains(t, err.Error(), "CHAINTV_PRICE_INTERVAL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no backend", func(c *Config) { c.BackendURL = "" }, true},
		{"zero interval", func(c *Config) { c.Price.Interval = 0 }, true},
		{"zero poll", func(c *Config) { c.Chain.PollInterval = 0 }, true},
		{"bucket without endpoint", func(c *Config) { c.S3.Bucket = "receipts" }, true},
		{"two wallets", func(c *Config) { c.Wallet.Mock = true; c.Wallet.Watch = "abc" }, true},
		{"one wallet", func(c *Config) { c.Wallet.Keypair = "id.json" }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
