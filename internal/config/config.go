// Package config loads arcaded configuration: embedded defaults, then an
// optional TOML or YAML file, then ARCADE_* environment variables.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/x402-arcade/eip3009"
	"github.com/becomeliminal/x402-arcade/evm"
	"github.com/becomeliminal/x402-arcade/ledger"
	"github.com/becomeliminal/x402-arcade/usdc"
)

//go:embed defaults.toml
var defaults string

// Verifier modes.
const (
	VerifierLocal       = "local"
	VerifierFacilitator = "facilitator"
)

// Config is the arcaded configuration.
type Config struct {
	Treasury   string     `toml:"treasury" yaml:"treasury" env:"ARCADE_TREASURY"`
	Server     Server     `toml:"server" yaml:"server"`
	Ledger     Ledger     `toml:"ledger" yaml:"ledger"`
	Token      Token      `toml:"token" yaml:"token"`
	Verifier   Verifier   `toml:"verifier" yaml:"verifier"`
	Settlement Settlement `toml:"settlement" yaml:"settlement"`
	RateLimit  RateLimit  `toml:"rate_limit" yaml:"rate_limit"`
	Faucet     Faucet     `toml:"faucet" yaml:"faucet"`
	Log        Log        `toml:"log" yaml:"log"`
	Games      []Game     `toml:"games" yaml:"games"`
}

// Server holds listener addresses.
type Server struct {
	HTTPAddr        string        `toml:"http_addr" yaml:"http_addr" env:"ARCADE_HTTP_ADDR"`
	GRPCAddr        string        `toml:"grpc_addr" yaml:"grpc_addr" env:"ARCADE_GRPC_ADDR"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout" env:"ARCADE_SHUTDOWN_TIMEOUT"`
}

// Ledger selects the balance and nonce store.
type Ledger struct {
	Driver string `toml:"driver" yaml:"driver" env:"ARCADE_LEDGER_DRIVER"`
	DSN    string `toml:"dsn" yaml:"dsn" env:"ARCADE_LEDGER_DSN"`
}

// Token names the network whose USDC is accepted.
type Token struct {
	Network string `toml:"network" yaml:"network" env:"ARCADE_NETWORK"`
}

// Verifier selects local settlement or a remote facilitator.
type Verifier struct {
	Mode               string `toml:"mode" yaml:"mode" env:"ARCADE_VERIFIER"`
	FacilitatorURL     string `toml:"facilitator_url" yaml:"facilitator_url" env:"ARCADE_FACILITATOR_URL"`
	SignerVerification bool   `toml:"signer_verification" yaml:"signer_verification" env:"ARCADE_SIGNER_VERIFICATION"`
}

// Settlement tunes the engine's housekeeping.
type Settlement struct {
	PruneInterval  time.Duration `toml:"prune_interval" yaml:"prune_interval" env:"ARCADE_PRUNE_INTERVAL"`
	NonceRetention time.Duration `toml:"nonce_retention" yaml:"nonce_retention" env:"ARCADE_NONCE_RETENTION"`
	Validity       time.Duration `toml:"validity" yaml:"validity" env:"ARCADE_PAYMENT_VALIDITY"`
}

// RateLimit caps paid requests per payer. PerMinute 0 disables it.
type RateLimit struct {
	PerMinute float64 `toml:"per_minute" yaml:"per_minute" env:"ARCADE_RATE_PER_MINUTE"`
	Burst     int     `toml:"burst" yaml:"burst" env:"ARCADE_RATE_BURST"`
}

// Faucet mints test funds on request.
type Faucet struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" env:"ARCADE_FAUCET_ENABLED"`
	Amount  string `toml:"amount" yaml:"amount" env:"ARCADE_FAUCET_AMOUNT"`
}

// Log configures output. An empty File logs to stderr.
type Log struct {
	Level      string `toml:"level" yaml:"level" env:"ARCADE_LOG_LEVEL"`
	Format     string `toml:"format" yaml:"format" env:"ARCADE_LOG_FORMAT"`
	File       string `toml:"file" yaml:"file" env:"ARCADE_LOG_FILE"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// Game is a paid route: one play of Name costs Price.
type Game struct {
	Name        string `toml:"name" yaml:"name"`
	Price       string `toml:"price" yaml:"price"`
	Description string `toml:"description" yaml:"description"`
}

// Load reads the configuration. path may be empty.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(defaults, &cfg); err != nil {
		return nil, fmt.Errorf("error loading default configuration: %w", err)
	}

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("error loading configuration file: %w", err)
		}
	}

	// env only walks pointer fields, so each section is parsed on its own.
	sections := []interface{}{
		&cfg, &cfg.Server, &cfg.Ledger, &cfg.Token, &cfg.Verifier,
		&cfg.Settlement, &cfg.RateLimit, &cfg.Faucet, &cfg.Log,
	}
	for _, section := range sections {
		if err := env.Parse(section); err != nil {
			return nil, fmt.Errorf("error loading environment variables: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	bs, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		_, err = toml.Decode(string(bs), cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(bs, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return err
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := eip3009.ValidateAddress("treasury", c.Treasury); err != nil {
		return err
	}

	switch c.Ledger.Driver {
	case ledger.DriverSQLite, ledger.DriverPostgres:
	default:
		return fmt.Errorf("unsupported ledger driver %q", c.Ledger.Driver)
	}
	if c.Ledger.DSN == "" {
		return fmt.Errorf("ledger dsn is required")
	}

	if _, ok := evm.LookupNetwork(c.Token.Network); !ok {
		return fmt.Errorf("unknown network %q", c.Token.Network)
	}

	switch c.Verifier.Mode {
	case VerifierLocal:
	case VerifierFacilitator:
		if c.Verifier.FacilitatorURL == "" {
			return fmt.Errorf("facilitator_url is required in facilitator mode")
		}
	default:
		return fmt.Errorf("unknown verifier mode %q", c.Verifier.Mode)
	}

	if c.Settlement.PruneInterval < 0 || c.Settlement.NonceRetention < 0 {
		return fmt.Errorf("settlement durations must not be negative")
	}
	if c.Settlement.Validity <= 0 {
		return fmt.Errorf("payment validity must be positive")
	}

	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	if c.Faucet.Enabled {
		if _, err := usdc.ParseAmount(c.Faucet.Amount); err != nil {
			return fmt.Errorf("faucet amount: %w", err)
		}
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log format must be json or console, got %q", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Games))
	for _, g := range c.Games {
		if g.Name == "" {
			return fmt.Errorf("game name is required")
		}
		if seen[g.Name] {
			return fmt.Errorf("game %q configured twice", g.Name)
		}
		seen[g.Name] = true
		if _, err := usdc.ParseAmount(g.Price); err != nil {
			return fmt.Errorf("game %q price: %w", g.Name, err)
		}
	}
	return nil
}

// Game returns the configured game called name.
func (c *Config) Game(name string) (Game, bool) {
	for _, g := range c.Games {
		if g.Name == name {
			return g, true
		}
	}
	return Game{}, false
}
