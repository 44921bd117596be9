package config

import (
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
)

// Config holds the full configuration for the resolver service. Every option
// is explicit and validated eagerly at load time.
type Config struct {
	DiscoveryEndpoint string
	PollingInterval   time.Duration
	ResolverAddress   string
	PrivateKey        string
	Chains            map[int]ChainConfig
	MetricsPort       string
	DrainTimeout      time.Duration
	Escrow            EscrowConfig
	Liquidity         LiquidityConfig
	Executor          ExecutorConfig
	Risk              RiskConfig
	Strategy          StrategyConfig
	CircuitBreaker    CircuitBreakerConfig
	LoggerConfig      LoggerConfig
}

// ChainConfig holds the configuration for a specific blockchain.
type ChainConfig struct {
	ChainID       int
	RPCURL        string
	Confirmations uint64
	Tokens        []common.Address
}

// EscrowConfig holds the factory parameter bounds.
type EscrowConfig struct {
	MinTimelock      time.Duration
	MaxTimelock      time.Duration
	ExclusivePeriod  time.Duration
	MinSafetyDeposit *big.Int
}

// LiquidityConfig holds the liquidity manager timers and thresholds.
type LiquidityConfig struct {
	ReservationTTL     time.Duration
	RefreshInterval    time.Duration
	SweepInterval      time.Duration
	RebalanceInterval  time.Duration
	LowBalanceFloor    *big.Int
	RebalanceThreshold float64
	RebalanceCooldown  time.Duration
	RebalanceMaxMove   *big.Int
}

// ExecutorConfig bounds the per-order execution loop.
type ExecutorConfig struct {
	RevealDelay         time.Duration
	ConfirmPollInterval time.Duration
	MaxAttempts         int
}

// RiskConfig holds the exposure ceilings and analysis gates.
type RiskConfig struct {
	MaxChainExposure *big.Int
	MaxTokenExposure *big.Int
	MaxOrderSize     *big.Int
	MaxDailyVolume   *big.Int
	MinConfidence    float64
	MaxRiskScore     float64
	Denylist         []string
	Allowlist        []string
}

// StrategyConfig holds the profitability thresholds.
type StrategyConfig struct {
	MinMargin      string // decimal, e.g. "0.002" for 20 bps
	BaseConfidence float64
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging.
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// LoadConfig loads the configuration from environment variables.
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	pollingInterval, err := GetEnvPollingInterval()
	if err != nil {
		return nil, err
	}

	metricsPort, err := GetEnvMetricsPort()
	if err != nil {
		return nil, err
	}

	resolverAddress, err := GetEnvResolverAddress()
	if err != nil {
		return nil, err
	}

	drainTimeout, err := GetEnvDrainTimeout()
	if err != nil {
		return nil, err
	}

	discoveryEndpoint, err := GetEnvDiscoveryEndpoint()
	if err != nil {
		return nil, err
	}

	escrowCfg, err := GetEnvEscrowConfig()
	if err != nil {
		return nil, err
	}

	liquidityCfg, err := GetEnvLiquidityConfig()
	if err != nil {
		return nil, err
	}

	executorCfg, err := GetEnvExecutorConfig()
	if err != nil {
		return nil, err
	}

	riskCfg, err := GetEnvRiskConfig()
	if err != nil {
		return nil, err
	}

	strategyCfg, err := GetEnvStrategyConfig()
	if err != nil {
		return nil, err
	}

	cbCfg, err := GetEnvCircuitBreakerConfig()
	if err != nil {
		return nil, err
	}

	loggerCfg, err := GetEnvLoggerConfig()
	if err != nil {
		return nil, err
	}

	chainConfigs, err := GetEnvChainConfigs()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DiscoveryEndpoint: discoveryEndpoint,
		PollingInterval:   pollingInterval,
		ResolverAddress:   resolverAddress,
		PrivateKey:        GetEnvPrivateKey(),
		Chains:            chainConfigs,
		MetricsPort:       metricsPort,
		DrainTimeout:      drainTimeout,
		Escrow:            escrowCfg,
		Liquidity:         liquidityCfg,
		Executor:          executorCfg,
		Risk:              riskCfg,
		Strategy:          strategyCfg,
		CircuitBreaker:    cbCfg,
		LoggerConfig:      loggerCfg,
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration.
func validateConfig(cfg *Config) error {
	if cfg.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY environment variable is required")
	}
	if cfg.ResolverAddress == "" {
		return fmt.Errorf("RESOLVER_ADDRESS environment variable is required")
	}
	if len(cfg.Chains) < 2 {
		return fmt.Errorf("at least two chain configurations are required for cross-chain swaps")
	}
	for chainID, chainConfig := range cfg.Chains {
		if chainConfig.RPCURL == "" {
			return fmt.Errorf("CHAIN_%d_RPC_URL is required", chainID)
		}
	}
	if cfg.Escrow.MinTimelock <= 0 || cfg.Escrow.MaxTimelock <= cfg.Escrow.MinTimelock {
		return fmt.Errorf("escrow timelock range is invalid: min %v, max %v",
			cfg.Escrow.MinTimelock, cfg.Escrow.MaxTimelock)
	}
	if cfg.Escrow.ExclusivePeriod >= cfg.Escrow.MinTimelock {
		return fmt.Errorf("EXCLUSIVE_PERIOD must be shorter than MIN_TIMELOCK")
	}
	if cfg.Risk.MinConfidence < 0 || cfg.Risk.MinConfidence > 1 {
		return fmt.Errorf("RISK_MIN_CONFIDENCE must be within [0,1]")
	}
	if cfg.Risk.MaxRiskScore < 0 || cfg.Risk.MaxRiskScore > 1 {
		return fmt.Errorf("RISK_MAX_SCORE must be within [0,1]")
	}
	return nil
}
