package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
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
	setEnv(t, "CHAINS", "base,solana")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, int64(25), cfg.PlatformFeeBps)
	assert.Equal(t, 72*time.Hour, cfg.DisputePeriod)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.True(t, cfg.AutoSettle)
	assert.Equal(t, "0.2", cfg.GasMarkupPct.String())
	assert.Equal(t, 32, cfg.PlanMaxWallets)
	assert.Equal(t, DefaultStuckAfter, cfg.StuckAfter)
	assert.False(t, cfg.AutoMigrate)
	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, FamilySimulated, cfg.Chains[0].Family, "chains without RPC fall back to simulated")
}

func TestLoad_EVMChain(t *testing.T) {
	setEnv(t, "CHAINS", "base")
	setEnv(t, "CHAIN_BASE_RPC_URL", "https://sepolia.base.org")
	setEnv(t, "CHAIN_BASE_CHAIN_ID", "84532")
	setEnv(t, "CHAIN_BASE_ESCROW_CONTRACT", "0x1111111111111111111111111111111111111111")
	setEnv(t, "CHAIN_BASE_TOKEN_CONTRACT", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	setEnv(t, "CHAIN_BASE_PRIVATE_KEY", "0x"+testKey)

	cfg, err := Load()
	require.NoError(t, err)

	cc, ok := cfg.Chain("base")
	require.True(t, ok)
	assert.Equal(t, FamilyEVM, cc.Family)
	assert.Equal(t, int64(84532), cc.ChainID)
}

func TestLoad_EVMChainMissingKey(t *testing.T) {
	setEnv(t, "CHAINS", "base")
	setEnv(t, "CHAIN_BASE_RPC_URL", "https://sepolia.base.org")
	setEnv(t, "CHAIN_BASE_ESCROW_CONTRACT", "0x1111111111111111111111111111111111111111")
	setEnv(t, "CHAIN_BASE_TOKEN_CONTRACT", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	setEnv(t, "CHAIN_BASE_PRIVATE_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY is required")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{PlatformFeeBps: 25, SettlementFeeBps: 50, SweepInterval: time.Minute}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"fee too high", func(c *Config) { c.PlatformFeeBps = 10_001 }, "PLATFORM_FEE_BPS"},
		{"negative settlement fee", func(c *Config) { c.SettlementFeeBps = -1 }, "SETTLEMENT_FEE_BPS"},
		{"zero sweep", func(c *Config) { c.SweepInterval = 0 }, "SWEEP_INTERVAL"},
		{"negative markup", func(c *Config) { c.GasMarkupPct = decimal.NewFromInt(-1) }, "GAS_MARKUP_PCT"},
		{"gas bounds inverted", func(c *Config) {
			c.GasMinFeeUSD = decimal.NewFromInt(10)
			c.GasMaxFeeUSD = decimal.NewFromInt(5)
		}, "GAS_MIN_FEE_USD"},
		{"duplicate chain", func(c *Config) {
			c.Chains = []ChainConfig{{Name: "base", Family: FamilySimulated}, {Name: "base", Family: FamilySimulated}}
		}, "configured twice"},
		{"unknown family", func(c *Config) {
			c.Chains = []ChainConfig{{Name: "tron", Family: "tvm"}}
		}, "unknown family"},
		{"short key", func(c *Config) {
			c.Chains = []ChainConfig{{Name: "base", Family: FamilyEVM, RPCURL: "x", EscrowContract: "y", TokenContract: "z", PrivateKey: "abc"}}
		}, "64 hex characters"},
		{"registry on unknown chain", func(c *Config) {
			c.RegistryContract = "0xabc"
			c.RegistryChain = "base"
		}, "REGISTRY_CHAIN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
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

func TestLoad_GasOverrides(t *testing.T) {
	setEnv(t, "CHAINS", "base")
	setEnv(t, "GAS_MARKUP_PCT", "0.05")
	setEnv(t, "GAS_QUOTE_TTL", "1m")
	setEnv(t, "CORS_ORIGINS", "https://ops.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.05", cfg.GasMarkupPct.String())
	assert.Equal(t, time.Minute, cfg.GasQuoteTTL)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.CORSOrigins)
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, getEnvList("KAFKA_BROKERS"))
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
