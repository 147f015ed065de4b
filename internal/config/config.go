// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Chain families an adapter can be built for.
const (
	FamilyEVM       = "evm"
	FamilySolana    = "solana"
	FamilySimulated = "simulated"
)

// ChainConfig configures one chain adapter. Environment keys are
// CHAIN_<NAME>_<FIELD>, e.g. CHAIN_BASE_RPC_URL.
type ChainConfig struct {
	Name           string
	Family         string
	RPCURL         string
	ChainID        int64
	EscrowContract string
	TokenContract  string // ERC-20 contract or SPL mint
	TokenSymbol    string
	TokenDecimals  int
	NativeSymbol   string // gas token, priced through the rate oracle
	PrivateKey     string // hex, with or without 0x
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Infrastructure (all optional; in-memory fallbacks are used when unset)
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string
	OTLPEndpoint string

	// Escrow
	PlatformFeeBps int64
	FeeRecipient   string
	ArbiterAddress string
	EscrowTimeout  time.Duration
	DisputeTimeout time.Duration
	Confirmations  uint64

	// Settlement
	SettlementFeeBps    int64
	DisputePeriod       time.Duration
	AutoSettle          bool
	SweepInterval       time.Duration
	MaxWithdrawAttempts int
	PayoutAttempts      int

	// Planner and gas
	PlanMaxWallets int
	GasMarkupPct   decimal.Decimal
	GasMinFeeUSD   decimal.Decimal
	GasMaxFeeUSD   decimal.Decimal
	GasQuoteTTL    time.Duration

	// Reconciliation
	ReconcileInterval time.Duration
	StuckAfter        time.Duration

	// Chains
	Chains           []ChainConfig
	ChainCallTimeout time.Duration
	RegistryChain    string
	RegistryContract string

	// Collaborators
	StripeSecretKey  string
	PayoutAPIURL     string
	PayoutAPIKey     string
	StaticRates      string // "USDC:USD=1,USDC:INR=83.25"
	RatesAPIURL      string
	DenyPayers       []string
	DenyMerchants    []string
	CollaboratorWait time.Duration

	// Security
	AdminAPIKey        string
	CORSOrigins        []string
	RateLimitPerMinute int
	RateLimitBurst     int
	AutoMigrate        bool
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultPlatformFeeBps    = 25
	DefaultSettlementFeeBps  = 50
	DefaultDisputeHours      = 72
	DefaultEscrowHours       = 168
	DefaultDisputeTimeout    = 336
	DefaultSweepInterval     = 5 * time.Minute
	DefaultChainCallTimeout  = 30 * time.Second
	DefaultKafkaTopic        = "chainsettle.transitions"
	DefaultReconcileInterval = 5 * time.Minute
	DefaultStuckAfter        = 15 * time.Minute
	DefaultStaticRates       = "USDC:USD=1,USDC:EUR=0.92,USDC:INR=83.25,USDC:BRL=5.05,ETH:USD=3000,SOL:USD=150,MATIC:USD=0.7"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PlatformFeeBps:      getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
		FeeRecipient:        getEnv("FEE_RECIPIENT", "platform"),
		ArbiterAddress:      strings.ToLower(os.Getenv("ARBITER_ADDRESS")),
		EscrowTimeout:       hours(getEnvInt64("ESCROW_TIMEOUT_HOURS", DefaultEscrowHours)),
		DisputeTimeout:      hours(getEnvInt64("DISPUTE_TIMEOUT_HOURS", DefaultDisputeTimeout)),
		Confirmations:       uint64(getEnvInt64("CONFIRMATIONS", 1)),
		SettlementFeeBps:    getEnvInt64("SETTLEMENT_FEE_BPS", DefaultSettlementFeeBps),
		DisputePeriod:       hours(getEnvInt64("DISPUTE_PERIOD_HOURS", DefaultDisputeHours)),
		AutoSettle:          getEnvBool("AUTO_SETTLE", true),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		MaxWithdrawAttempts: int(getEnvInt64("MAX_WITHDRAW_ATTEMPTS", 3)),
		PayoutAttempts:      int(getEnvInt64("PAYOUT_ATTEMPTS", 3)),
		ChainCallTimeout:    getEnvDuration("CHAIN_CALL_TIMEOUT", DefaultChainCallTimeout),
		RegistryChain:       strings.ToLower(os.Getenv("REGISTRY_CHAIN")),
		RegistryContract:    os.Getenv("REGISTRY_CONTRACT"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		PayoutAPIURL:        os.Getenv("PAYOUT_API_URL"),
		PayoutAPIKey:        os.Getenv("PAYOUT_API_KEY"),
		StaticRates:         getEnv("STATIC_RATES", DefaultStaticRates),
		RatesAPIURL:         os.Getenv("RATES_API_URL"),
		DenyPayers:          getEnvList("COMPLIANCE_DENY_PAYERS"),
		DenyMerchants:       getEnvList("COMPLIANCE_DENY_MERCHANTS"),
		CollaboratorWait:    getEnvDuration("COLLABORATOR_TIMEOUT", 10*time.Second),
		AdminAPIKey:         os.Getenv("ADMIN_API_KEY"),
		CORSOrigins:         getEnvList("CORS_ORIGINS"),
		RateLimitPerMinute:  int(getEnvInt64("RATE_LIMIT_PER_MINUTE", 120)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", 20)),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		PlanMaxWallets:      int(getEnvInt64("PLAN_MAX_WALLETS", 32)),
		GasMarkupPct:        getEnvDecimal("GAS_MARKUP_PCT", decimal.RequireFromString("0.20")),
		GasMinFeeUSD:        getEnvDecimal("GAS_MIN_FEE_USD", decimal.RequireFromString("0.0001")),
		GasMaxFeeUSD:        getEnvDecimal("GAS_MAX_FEE_USD", decimal.RequireFromString("5")),
		GasQuoteTTL:         getEnvDuration("GAS_QUOTE_TTL", 30*time.Second),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StuckAfter:          getEnvDuration("RECONCILE_STUCK_AFTER", DefaultStuckAfter),
	}

	names := getEnvList("CHAINS")
	if len(names) == 0 {
		names = []string{"base", "polygon", "solana"}
	}
	for _, name := range names {
		cfg.Chains = append(cfg.Chains, loadChain(strings.ToLower(name)))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadChain(name string) ChainConfig {
	prefix := "CHAIN_" + strings.ToUpper(name) + "_"
	cc := ChainConfig{
		Name:           name,
		RPCURL:         os.Getenv(prefix + "RPC_URL"),
		ChainID:        getEnvInt64(prefix+"CHAIN_ID", 0),
		EscrowContract: os.Getenv(prefix + "ESCROW_CONTRACT"),
		TokenContract:  os.Getenv(prefix + "TOKEN_CONTRACT"),
		TokenSymbol:    getEnv(prefix+"TOKEN_SYMBOL", "USDC"),
		TokenDecimals:  int(getEnvInt64(prefix+"TOKEN_DECIMALS", 6)),
		NativeSymbol:   getEnv(prefix+"NATIVE_SYMBOL", "ETH"),
		PrivateKey:     os.Getenv(prefix + "PRIVATE_KEY"),
	}
	cc.Family = getEnv(prefix+"FAMILY", "")
	if cc.Family == "" {
		switch {
		case cc.RPCURL == "":
			cc.Family = FamilySimulated
		case name == "solana":
			cc.Family = FamilySolana
		default:
			cc.Family = FamilyEVM
		}
	}
	return cc
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > 10_000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
	}
	if c.SettlementFeeBps < 0 || c.SettlementFeeBps > 10_000 {
		return fmt.Errorf("SETTLEMENT_FEE_BPS must be between 0 and 10000")
	}
	if c.DisputePeriod < 0 {
		return fmt.Errorf("DISPUTE_PERIOD_HOURS must not be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.GasMarkupPct.IsNegative() {
		return fmt.Errorf("GAS_MARKUP_PCT must not be negative")
	}
	if c.GasMaxFeeUSD.IsPositive() && c.GasMinFeeUSD.GreaterThan(c.GasMaxFeeUSD) {
		return fmt.Errorf("GAS_MIN_FEE_USD must not exceed GAS_MAX_FEE_USD")
	}
	if c.PlanMaxWallets < 0 {
		return fmt.Errorf("PLAN_MAX_WALLETS must not be negative")
	}

	seen := make(map[string]bool)
	for _, cc := range c.Chains {
		if seen[cc.Name] {
			return fmt.Errorf("chain %q configured twice", cc.Name)
		}
		seen[cc.Name] = true

		switch cc.Family {
		case FamilySimulated:
		case FamilyEVM:
			if cc.RPCURL == "" || cc.EscrowContract == "" || cc.TokenContract == "" {
				return fmt.Errorf("chain %s: RPC_URL, ESCROW_CONTRACT and TOKEN_CONTRACT are required", cc.Name)
			}
			if err := validateKey(cc.PrivateKey); err != nil {
				return fmt.Errorf("chain %s: %w", cc.Name, err)
			}
		case FamilySolana:
			if cc.RPCURL == "" || cc.TokenContract == "" {
				return fmt.Errorf("chain %s: RPC_URL and TOKEN_CONTRACT are required", cc.Name)
			}
		default:
			return fmt.Errorf("chain %s: unknown family %q", cc.Name, cc.Family)
		}
	}

	if c.RegistryContract != "" && !seen[c.RegistryChain] {
		return fmt.Errorf("REGISTRY_CHAIN %q is not a configured chain", c.RegistryChain)
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	return nil
}

// Chain returns the config for a named chain.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	for _, cc := range c.Chains {
		if cc.Name == name {
			return cc, true
		}
	}
	return ChainConfig{}, false
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

func hours(h int64) time.Duration { return time.Duration(h) * time.Hour }

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

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
