// Package config loads the engine configuration: a YAML file overlaid by
// CHAINTRACE_* environment variables, then validated. Core packages never
// read the environment themselves; the CLI passes them what this package
// produces.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
	"github.com/Mindburn-Labs/chaintrace/pkg/retry"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CHAINTRACE_"

// Ledger backends.
const (
	BackendEVM    = "evm"
	BackendHTTP   = "http"
	BackendMemory = "memory"
)

// Config is the full engine configuration.
type Config struct {
	Ledger              LedgerConfig      `yaml:"ledger" envPrefix:"LEDGER_"`
	Credential          CredentialConfig  `yaml:"credential_source" envPrefix:"CREDENTIAL_"`
	ConfirmationTimeout time.Duration     `yaml:"confirmation_timeout" env:"CONFIRMATION_TIMEOUT"`
	PollInterval        time.Duration     `yaml:"poll_interval" env:"POLL_INTERVAL"`
	Retry               retry.Policy      `yaml:"retry_policy" envPrefix:"RETRY_"`
	Digest              DigestConfig      `yaml:"digest" envPrefix:"DIGEST_"`
	Storage             StorageConfig     `yaml:"storage" envPrefix:"STORAGE_"`
	Index               IndexConfig       `yaml:"index" envPrefix:"INDEX_"`
	Lock                LockConfig        `yaml:"lock" envPrefix:"LOCK_"`
	Schemas             map[string]string `yaml:"schemas"`
	SchemasDir          string            `yaml:"schemas_dir" env:"SCHEMAS_DIR"`
	Telemetry           TelemetryConfig   `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Log                 LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Server              ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
}

// LedgerConfig selects and tunes the ledger endpoint.
type LedgerConfig struct {
	Backend     string `yaml:"backend" env:"BACKEND"`
	EndpointURL string `yaml:"endpoint_url" env:"ENDPOINT_URL"`
	ChainID     int64  `yaml:"chain_id" env:"CHAIN_ID"`
	// Confirmations is the finality threshold; zero means the backend default.
	Confirmations uint64        `yaml:"confirmations" env:"CONFIRMATIONS"`
	GasLimit      uint64        `yaml:"gas_limit" env:"GAS_LIMIT"`
	RateLimit     float64       `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst     int           `yaml:"rate_burst" env:"RATE_BURST"`
	APIKey        string        `yaml:"api_key" env:"API_KEY"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DigestConfig picks the payload hash algorithm.
type DigestConfig struct {
	Algorithm string `yaml:"algorithm" env:"ALGORITHM"`
}

// StorageConfig configures payload offloading. Type "" disables it.
type StorageConfig struct {
	Type        string `yaml:"type" env:"TYPE"`
	Dir         string `yaml:"dir" env:"DIR"`
	Bucket      string `yaml:"bucket" env:"BUCKET"`
	Prefix      string `yaml:"prefix" env:"PREFIX"`
	Region      string `yaml:"region" env:"REGION"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	// InlineLimit is the largest payload carried in the transaction; 0
	// records the hash only.
	InlineLimit int `yaml:"inline_limit" env:"INLINE_LIMIT"`
}

// IndexConfig configures the payload-hash index.
type IndexConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// LockConfig configures the per-submitter lock.
type LockConfig struct {
	Driver        string `yaml:"driver" env:"DRIVER"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Environment  string  `yaml:"environment" env:"ENVIRONMENT"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// ServerConfig configures `chaintrace serve`.
type ServerConfig struct {
	Addr      string  `yaml:"addr" env:"ADDR"`
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int     `yaml:"rate_burst" env:"RATE_BURST"`
}

// Default returns a configuration that records to the in-memory ledger.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Backend: BackendMemory,
			Timeout: 15 * time.Second,
		},
		Credential: CredentialConfig{
			Kind:          CredentialHex,
			PassphraseEnv: EnvPrefix + "KEYSTORE_PASSPHRASE",
		},
		ConfirmationTimeout: 2 * time.Minute,
		PollInterval:        2 * time.Second,
		Retry:               retry.DefaultPolicy(),
		Digest:              DigestConfig{Algorithm: string(digest.SHA256)},
		Storage:             StorageConfig{InlineLimit: provenance.DefaultInlineLimit},
		Lock:                LockConfig{Driver: "local"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			Environment:  "development",
		},
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: ":8080", RateLimit: 20, RateBurst: 40},
	}
}

// Load reads path (optional) over the defaults, applies the environment and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem it finds, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendEVM, BackendHTTP:
		if c.Ledger.EndpointURL == "" {
			add("ledger.endpoint_url is required for backend %q", c.Ledger.Backend)
		}
	default:
		add("ledger.backend must be evm, http or memory, got %q", c.Ledger.Backend)
	}
	if c.Ledger.RateLimit < 0 {
		add("ledger.rate_limit must not be negative")
	}
	if err := c.Credential.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ConfirmationTimeout <= 0 {
		add("confirmation_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		add("poll_interval must be positive")
	}
	if err := c.Retry.Validate(); err != nil {
		add("retry_policy: %v", err)
	}
	if _, err := digest.ParseAlgorithm(c.Digest.Algorithm); err != nil {
		add("digest.algorithm: %v", err)
	}

	switch c.Storage.Type {
	case "":
	case "fs":
	case "s3", "gcs":
		if c.Storage.Bucket == "" {
			add("storage.bucket is required for type %q", c.Storage.Type)
		}
	default:
		add("storage.type must be fs, s3 or gcs, got %q", c.Storage.Type)
	}
	if c.Storage.InlineLimit < 0 {
		add("storage.inline_limit must not be negative")
	}

	switch c.Index.Driver {
	case "", "none", "memory":
	case "sqlite", "postgres":
		if c.Index.Driver == "postgres" && c.Index.DSN == "" {
			add("index.dsn is required for postgres")
		}
	default:
		add("index.driver must be sqlite, postgres, memory or none, got %q", c.Index.Driver)
	}

	switch c.Lock.Driver {
	case "", "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			add("lock.redis_addr is required for redis")
		}
	default:
		add("lock.driver must be local or redis, got %q", c.Lock.Driver)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return lvl, nil
}
