// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string

	// Blockchain provider
	ProviderURL       string // Blockfrost-compatible base URL
	ProviderProjectID string
	Network           string // "mainnet" or "preprod"

	// Wallet secrets
	EncryptionKey string // process-wide secret for mnemonic encryption

	// Job intervals
	ScanInterval      time.Duration
	BatchPayInterval  time.Duration
	SettleInterval    time.Duration // collect/refund/result/authorize pipelines
	RegistryInterval  time.Duration
	LockSweepInterval time.Duration

	// Lock and lease thresholds
	WalletLockTimeout time.Duration // force-unlock threshold for wallet locks
	SyncLeaseTimeout  time.Duration // stale sync lease reclaim threshold

	// Ops listener (metrics + health)
	MetricsAddr string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultNetwork      = "preprod"
	DefaultMetricsAddr  = ":9464"
	DefaultScanInterval = 30 * time.Second
	DefaultLockTimeout  = 15 * time.Minute
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ProviderURL:       os.Getenv("PROVIDER_URL"),
		ProviderProjectID: os.Getenv("PROVIDER_PROJECT_ID"),
		Network:           getEnv("NETWORK", DefaultNetwork),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		ScanInterval:      getEnvDuration("SCAN_INTERVAL", DefaultScanInterval),
		BatchPayInterval:  getEnvDuration("BATCH_PAY_INTERVAL", 4*time.Minute),
		SettleInterval:    getEnvDuration("SETTLE_INTERVAL", 3*time.Minute),
		RegistryInterval:  getEnvDuration("REGISTRY_INTERVAL", 5*time.Minute),
		LockSweepInterval: getEnvDuration("LOCK_SWEEP_INTERVAL", time.Minute),
		WalletLockTimeout: getEnvDuration("WALLET_LOCK_TIMEOUT", DefaultLockTimeout),
		SyncLeaseTimeout:  getEnvDuration("SYNC_LEASE_TIMEOUT", DefaultLockTimeout),
		MetricsAddr:       getEnv("METRICS_ADDR", DefaultMetricsAddr),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ProviderURL == "" {
		return fmt.Errorf("PROVIDER_URL is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.EncryptionKey) < 20 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 20 characters")
	}
	if c.Network != "mainnet" && c.Network != "preprod" {
		return fmt.Errorf("NETWORK must be mainnet or preprod, got %q", c.Network)
	}
	return nil
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
