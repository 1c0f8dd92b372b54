package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "LEDGER_MODE", "memory")
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, LedgerModeMemory, cfg.LedgerMode)
	assert.Equal(t, int64(DefaultPoolTokens), cfg.PoolTokens)
	assert.Equal(t, int64(DefaultMinPayout), cfg.MinPayout)
	assert.Equal(t, DefaultWindow, cfg.Window)
	assert.Equal(t, DefaultTokenDecimals, cfg.TokenDecimals)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "LEDGER_MODE", "memory")
	setEnv(t, "REWARD_POOL_TOKENS", "300")
	setEnv(t, "REWARD_MIN_PAYOUT", "5")
	setEnv(t, "REWARD_TRANSFER_DELAY", "1s")
	setEnv(t, "REWARD_SCHEDULE_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(300), cfg.PoolTokens)
	assert.Equal(t, int64(5), cfg.MinPayout)
	assert.Equal(t, time.Second, cfg.TransferDelay)
	assert.True(t, cfg.ScheduleEnabled)
}

func TestLoad_ERC20RequiresKey(t *testing.T) {
	setEnv(t, "LEDGER_MODE", "erc20")
	setEnv(t, "RPC_URL", "http://localhost:8545")
	setEnv(t, "CHAIN_ID", "31337")
	setEnv(t, "TOKEN_CONTRACT", "0x1234567890123456789012345678901234567890")
	setEnv(t, "TREASURY_PRIVATE_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TREASURY_PRIVATE_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:               "development",
			LedgerMode:        LedgerModeMemory,
			PoolTokens:        100,
			MinPayout:         10,
			Window:            DefaultWindow,
			TokenDecimals:     9,
			ReputationHistory: 100,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid memory config", mutate: func(c *Config) {}},
		{name: "zero pool", mutate: func(c *Config) { c.PoolTokens = 0 }, wantErr: "REWARD_POOL_TOKENS"},
		{name: "negative floor", mutate: func(c *Config) { c.MinPayout = -1 }, wantErr: "REWARD_MIN_PAYOUT"},
		{name: "zero window", mutate: func(c *Config) { c.Window = 0 }, wantErr: "REWARD_WINDOW"},
		{name: "unknown ledger mode", mutate: func(c *Config) { c.LedgerMode = "solana" }, wantErr: "LEDGER_MODE"},
		{
			name: "valid erc20 with 0x key",
			mutate: func(c *Config) {
				c.LedgerMode = LedgerModeERC20
				c.RPCURL = "http://localhost:8545"
				c.ChainID = 31337
				c.TokenContract = "0x1234567890123456789012345678901234567890"
				c.TreasuryPrivateKey = "0x" + testKey
			},
		},
		{
			name: "erc20 short key",
			mutate: func(c *Config) {
				c.LedgerMode = LedgerModeERC20
				c.RPCURL = "http://localhost:8545"
				c.ChainID = 31337
				c.TokenContract = "0x1234567890123456789012345678901234567890"
				c.TreasuryPrivateKey = "tooshort"
			},
			wantErr: "64 hex characters",
		},
		{
			name:    "production needs admin secret",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "ADMIN_SECRET",
		},
		{
			name: "production needs erc20",
			mutate: func(c *Config) {
				c.Env = "production"
				c.AdminSecret = "s3cret"
			},
			wantErr: "LEDGER_MODE=erc20",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_BOOL", "notabool")
	assert.True(t, getEnvBool("TEST_BOOL", true))

	setEnv(t, "TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))

	setEnv(t, "TEST_INT", "x")
	assert.Equal(t, int64(7), getEnvInt64("TEST_INT", 7))

	setEnv(t, "TEST_LIST", " https://a.example , ,https://b.example")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("TEST_LIST", nil))

	setEnv(t, "TEST_LIST", " , ")
	assert.Equal(t, []string{"*"}, getEnvList("TEST_LIST", []string{"*"}))
}
