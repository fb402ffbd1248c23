package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8402", cfg.Server.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.Equal(t, "cronos-testnet", cfg.Token.Network)
	assert.Equal(t, VerifierLocal, cfg.Verifier.Mode)
	assert.True(t, cfg.Verifier.SignerVerification)
	assert.Equal(t, 24*time.Hour, cfg.Settlement.NonceRetention)
	assert.Len(t, cfg.Games, 3)

	g, ok := cfg.Game("tetris")
	require.True(t, ok)
	assert.Equal(t, "0.02", g.Price)
	_, ok = cfg.Game("doom")
	assert.False(t, ok)
}

func TestLoad_TOMLFile(t *testing.T) {
	path := writeFile(t, "arcade.toml", `
[ledger]
driver = "postgres"
dsn = "postgres://arcade@localhost/arcade"

[faucet]
enabled = true
amount = "5"

[[games]]
name = "breakout"
price = "0.05"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Ledger.Driver)
	assert.True(t, cfg.Faucet.Enabled)
	require.Len(t, cfg.Games, 1)
	assert.Equal(t, "breakout", cfg.Games[0].Name)
	// untouched sections keep their defaults
	assert.Equal(t, ":9402", cfg.Server.GRPCAddr)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeFile(t, "arcade.yaml", `
verifier:
  mode: facilitator
  facilitator_url: http://localhost:4020
settlement:
  prune_interval: 1m
  nonce_retention: 2h
  validity: 90s
log:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, VerifierFacilitator, cfg.Verifier.Mode)
	assert.Equal(t, "http://localhost:4020", cfg.Verifier.FacilitatorURL)
	assert.Equal(t, 90*time.Second, cfg.Settlement.Validity)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "arcade.toml", `
[server]
http_addr = ":1111"
`)
	t.Setenv("ARCADE_HTTP_ADDR", ":2222")
	t.Setenv("ARCADE_TREASURY", "0x3333333333333333333333333333333333333333")
	t.Setenv("ARCADE_RATE_BURST", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":2222", cfg.Server.HTTPAddr)
	assert.Equal(t, "0x3333333333333333333333333333333333333333", cfg.Treasury)
	assert.Equal(t, 9, cfg.RateLimit.Burst)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeFile(t, "arcade.json", `{}`))
	assert.ErrorContains(t, err, "unsupported config format")

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad treasury", func(c *Config) { c.Treasury = "0x1234" }, "treasury"},
		{"bad driver", func(c *Config) { c.Ledger.Driver = "mysql" }, `unsupported ledger driver "mysql"`},
		{"empty dsn", func(c *Config) { c.Ledger.DSN = "" }, "ledger dsn is required"},
		{"unknown network", func(c *Config) { c.Token.Network = "base" }, `unknown network "base"`},
		{"facilitator without url", func(c *Config) { c.Verifier.Mode = VerifierFacilitator }, "facilitator_url is required"},
		{"unknown verifier", func(c *Config) { c.Verifier.Mode = "chain" }, "unknown verifier mode"},
		{"zero validity", func(c *Config) { c.Settlement.Validity = 0 }, "payment validity must be positive"},
		{"negative rate", func(c *Config) { c.RateLimit.PerMinute = -1 }, "rate limit must not be negative"},
		{"bad faucet amount", func(c *Config) { c.Faucet.Enabled = true; c.Faucet.Amount = "lots" }, "faucet amount"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"duplicate game", func(c *Config) { c.Games = append(c.Games, c.Games[0]) }, "configured twice"},
		{"bad price", func(c *Config) { c.Games[0].Price = "-1" }, "price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
