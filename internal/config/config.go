// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger modes
const (
	LedgerModeMemory = "memory"
	LedgerModeERC20  = "erc20"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string
	LogFile   string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret string
	CORSOrigins []string

	// Ledger settings
	LedgerMode           string
	RPCURL               string
	ChainID              int64
	TreasuryPrivateKey   string // Hex-encoded, with or without 0x prefix
	TokenContract        string
	TokenDecimals        int
	MemoryTreasuryTokens int64
	BreakerThreshold     int
	BreakerCooldown      time.Duration

	// Distribution settings
	PoolTokens        int64
	MinPayout         int64
	Window            time.Duration
	TransferDelay     time.Duration
	ConfirmTimeout    time.Duration
	ConfirmPoll       time.Duration
	ScheduleEnabled   bool
	ScheduleInterval  time.Duration
	RewardPolicyFile  string
	ReputationEvery   time.Duration
	ReputationHistory int
	DemandEvery       time.Duration
	DemandLookback    time.Duration
	ReconcileEvery    time.Duration
	ReconcileLookback time.Duration
	TreasuryWatch     time.Duration
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultTokenDecimals        = 9
	DefaultPoolTokens           = 10000
	DefaultMinPayout            = 10
	DefaultWindow               = 7 * 24 * time.Hour
	DefaultTransferDelay        = 500 * time.Millisecond
	DefaultConfirmTimeout       = 60 * time.Second
	DefaultConfirmPoll          = 2 * time.Second
	DefaultScheduleInterval     = time.Hour
	DefaultReputationEvery      = 6 * time.Hour
	DefaultReputationHistory    = 100
	DefaultDemandEvery          = time.Hour
	DefaultDemandLookback       = 30 * 24 * time.Hour
	DefaultMemoryTreasuryTokens = 1_000_000
	DefaultBreakerThreshold     = 5
	DefaultBreakerCooldown      = 30 * time.Second
	DefaultReconcileEvery       = time.Hour
	DefaultReconcileLookback    = 30 * 24 * time.Hour
	DefaultTreasuryWatch        = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:              os.Getenv("LOG_FILE"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getEnvBool("AUTO_MIGRATE", true),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		CORSOrigins:          getEnvList("CORS_ORIGINS", []string{"*"}),
		LedgerMode:           strings.ToLower(getEnv("LEDGER_MODE", LedgerModeMemory)),
		RPCURL:               os.Getenv("RPC_URL"),
		ChainID:              getEnvInt64("CHAIN_ID", 0),
		TreasuryPrivateKey:   os.Getenv("TREASURY_PRIVATE_KEY"),
		TokenContract:        os.Getenv("TOKEN_CONTRACT"),
		TokenDecimals:        int(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)),
		MemoryTreasuryTokens: getEnvInt64("MEMORY_TREASURY_TOKENS", DefaultMemoryTreasuryTokens),
		BreakerThreshold:     int(getEnvInt64("LEDGER_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:      getEnvDuration("LEDGER_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		PoolTokens:           getEnvInt64("REWARD_POOL_TOKENS", DefaultPoolTokens),
		MinPayout:            getEnvInt64("REWARD_MIN_PAYOUT", DefaultMinPayout),
		Window:               getEnvDuration("REWARD_WINDOW", DefaultWindow),
		TransferDelay:        getEnvDuration("REWARD_TRANSFER_DELAY", DefaultTransferDelay),
		ConfirmTimeout:       getEnvDuration("REWARD_CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		ConfirmPoll:          getEnvDuration("REWARD_CONFIRM_POLL", DefaultConfirmPoll),
		ScheduleEnabled:      getEnvBool("REWARD_SCHEDULE_ENABLED", false),
		ScheduleInterval:     getEnvDuration("REWARD_SCHEDULE_INTERVAL", DefaultScheduleInterval),
		RewardPolicyFile:     os.Getenv("REWARD_POLICY_FILE"),
		ReputationEvery:      getEnvDuration("REPUTATION_INTERVAL", DefaultReputationEvery),
		ReputationHistory:    int(getEnvInt64("REPUTATION_HISTORY", DefaultReputationHistory)),
		DemandEvery:          getEnvDuration("DEMAND_INTERVAL", DefaultDemandEvery),
		DemandLookback:       getEnvDuration("DEMAND_LOOKBACK", DefaultDemandLookback),
		ReconcileEvery:       getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileEvery),
		ReconcileLookback:    getEnvDuration("RECONCILE_LOOKBACK", DefaultReconcileLookback),
		TreasuryWatch:        getEnvDuration("TREASURY_WATCH_INTERVAL", DefaultTreasuryWatch),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.PoolTokens <= 0 {
		return fmt.Errorf("REWARD_POOL_TOKENS must be positive")
	}
	if c.MinPayout < 0 {
		return fmt.Errorf("REWARD_MIN_PAYOUT must not be negative")
	}
	if c.Window <= 0 {
		return fmt.Errorf("REWARD_WINDOW must be positive")
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 18 {
		return fmt.Errorf("TOKEN_DECIMALS must be between 0 and 18")
	}
	if c.ReputationHistory <= 0 {
		return fmt.Errorf("REPUTATION_HISTORY must be positive")
	}

	switch c.LedgerMode {
	case LedgerModeMemory:
	case LedgerModeERC20:
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when LEDGER_MODE=erc20")
		}
		if c.ChainID == 0 {
			return fmt.Errorf("CHAIN_ID is required when LEDGER_MODE=erc20")
		}
		if c.TokenContract == "" {
			return fmt.Errorf("TOKEN_CONTRACT is required when LEDGER_MODE=erc20")
		}
		if c.TreasuryPrivateKey == "" {
			return fmt.Errorf("TREASURY_PRIVATE_KEY is required when LEDGER_MODE=erc20")
		}
		// Allow both with and without 0x prefix
		if len(strings.TrimPrefix(c.TreasuryPrivateKey, "0x")) != 64 {
			return fmt.Errorf("TREASURY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	default:
		return fmt.Errorf("LEDGER_MODE must be %q or %q", LedgerModeMemory, LedgerModeERC20)
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.LedgerMode != LedgerModeERC20 {
			return fmt.Errorf("LEDGER_MODE=erc20 is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
