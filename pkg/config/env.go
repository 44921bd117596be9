package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-hq/crosslock-resolver/pkg/chains"
	"github.com/crosslock-hq/crosslock-resolver/pkg/logger"
)

const (
	// DefaultPollingInterval defines the default auction feed polling interval in seconds
	DefaultPollingInterval = 5

	// DefaultMetricsPort defines the default port for the health and metrics server
	DefaultMetricsPort = "8080"

	// DefaultDrainTimeout defines how long shutdown waits for active swaps to finish
	DefaultDrainTimeout = 2 * time.Minute

	// DefaultDiscoveryEndpoint defines the default order discovery feed endpoint
	DefaultDiscoveryEndpoint = "https://api.crosslock.exchange"

	// DefaultMinTimelock is the shortest escrow timelock the factory accepts
	DefaultMinTimelock = 30 * time.Minute

	// DefaultMaxTimelock is the longest escrow timelock the factory accepts
	DefaultMaxTimelock = 24 * time.Hour

	// DefaultExclusivePeriod is the withdrawer-only window before the public window opens
	DefaultExclusivePeriod = 10 * time.Minute

	// DefaultMinSafetyDeposit is the minimum native collateral per escrow in wei
	DefaultMinSafetyDeposit = "1000000000000000" // 0.001

	// DefaultReservationTTL is how long a liquidity reservation holds before expiring
	DefaultReservationTTL = 10 * time.Minute

	// DefaultRefreshInterval is how often chain balances are polled
	DefaultRefreshInterval = 1 * time.Minute

	// DefaultSweepInterval is how often expired reservations are reclaimed
	DefaultSweepInterval = 30 * time.Second

	// DefaultRebalanceInterval is how often the rebalancing strategy is evaluated
	DefaultRebalanceInterval = 5 * time.Minute

	// DefaultLowBalanceFloor is the available balance below which a low-liquidity alert fires
	DefaultLowBalanceFloor = "100000000"

	// DefaultRebalanceThreshold is the share deviation that triggers a rebalance
	DefaultRebalanceThreshold = 0.2

	// DefaultRebalanceCooldown is the minimum gap between rebalances of one pool
	DefaultRebalanceCooldown = 30 * time.Minute

	// DefaultRebalanceMaxMove caps the amount moved by a single rebalance
	DefaultRebalanceMaxMove = "1000000000"

	// DefaultRevealDelay is the wait after both deposits confirm before the secret is revealed
	DefaultRevealDelay = 10 * time.Second

	// DefaultConfirmPollInterval is how often confirmation counts are polled
	DefaultConfirmPollInterval = 5 * time.Second

	// DefaultMaxAttempts bounds retries of a transient execution step
	DefaultMaxAttempts = 3

	// DefaultMaxChainExposure caps the value at risk on one chain
	DefaultMaxChainExposure = "10000000000"

	// DefaultMaxTokenExposure caps the value at risk in one token
	DefaultMaxTokenExposure = "5000000000"

	// DefaultMaxOrderSize caps a single order's destination amount
	DefaultMaxOrderSize = "1000000000"

	// DefaultMaxDailyVolume caps the value committed per UTC day
	DefaultMaxDailyVolume = "50000000000"

	// DefaultRiskMinConfidence is the minimum strategy confidence to accept an order
	DefaultRiskMinConfidence = 0.5

	// DefaultRiskMaxScore is the maximum strategy risk score to accept an order
	DefaultRiskMaxScore = 0.8

	// DefaultMinMargin is the minimum profit margin for an order to be biddable
	DefaultMinMargin = "0.002"

	// DefaultBaseConfidence seeds the strategy confidence heuristic
	DefaultBaseConfidence = 0.9

	// DefaultCircuitBreakerEnabled defines whether circuit breakers are enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the failures before a breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the failure-counting window
	DefaultCircuitBreakerWindow = 5 * time.Minute

	// DefaultCircuitBreakerReset defines the cooldown before a tripped breaker retries
	DefaultCircuitBreakerReset = 15 * time.Minute
)

// defaultRPCURLs are the public endpoints used when no override is configured.
var defaultRPCURLs = map[int]string{
	1:     "https://eth.llamarpc.com",
	56:    "https://bsc-dataseed.bnbchain.org",
	137:   "https://polygon-rpc.com",
	42161: "https://arb1.arbitrum.io/rpc",
	43114: "https://avalanche-c-chain-rpc.publicnode.com",
	8453:  "https://mainnet.base.org",
}

// GetEnvPrivateKey returns the resolver signing key.
func GetEnvPrivateKey() string {
	return os.Getenv("PRIVATE_KEY")
}

// GetEnvPollingInterval returns the feed polling interval.
func GetEnvPollingInterval() (time.Duration, error) {
	pollingInterval := os.Getenv("POLLING_INTERVAL")
	if pollingInterval == "" {
		return time.Duration(DefaultPollingInterval) * time.Second, nil
	}

	interval, err := strconv.Atoi(pollingInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid POLLING_INTERVAL value: %s, must be an integer", pollingInterval)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("POLLING_INTERVAL must be greater than 0")
	}
	return time.Duration(interval) * time.Second, nil
}

// GetEnvMetricsPort returns the health/metrics server port.
func GetEnvMetricsPort() (string, error) {
	metricsPort := os.Getenv("METRICS_PORT")
	if metricsPort == "" {
		return DefaultMetricsPort, nil
	}

	if _, err := strconv.Atoi(metricsPort); err != nil {
		return "", fmt.Errorf("invalid METRICS_PORT value: %s, must be a valid integer", metricsPort)
	}
	return metricsPort, nil
}

// GetEnvResolverAddress returns the resolver's payout address.
func GetEnvResolverAddress() (string, error) {
	resolverAddress := os.Getenv("RESOLVER_ADDRESS")
	if resolverAddress == "" {
		return "", nil
	}

	if !common.IsHexAddress(resolverAddress) {
		return "", fmt.Errorf("invalid RESOLVER_ADDRESS value: %s, must be a valid address", resolverAddress)
	}
	return resolverAddress, nil
}

// GetEnvDrainTimeout returns how long shutdown waits for swaps to drain.
func GetEnvDrainTimeout() (time.Duration, error) {
	return getEnvDuration("DRAIN_TIMEOUT", DefaultDrainTimeout)
}

// GetEnvDiscoveryEndpoint returns the auction discovery feed endpoint.
func GetEnvDiscoveryEndpoint() (string, error) {
	endpoint := os.Getenv("DISCOVERY_ENDPOINT")
	if endpoint == "" {
		return DefaultDiscoveryEndpoint, nil
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return "", fmt.Errorf("invalid DISCOVERY_ENDPOINT value: %s, must be an http(s) URL", endpoint)
	}
	return endpoint, nil
}

// GetEnvEscrowConfig returns the factory parameter bounds.
func GetEnvEscrowConfig() (EscrowConfig, error) {
	minTimelock, err := getEnvDuration("MIN_TIMELOCK", DefaultMinTimelock)
	if err != nil {
		return EscrowConfig{}, err
	}
	maxTimelock, err := getEnvDuration("MAX_TIMELOCK", DefaultMaxTimelock)
	if err != nil {
		return EscrowConfig{}, err
	}
	exclusivePeriod, err := getEnvDuration("EXCLUSIVE_PERIOD", DefaultExclusivePeriod)
	if err != nil {
		return EscrowConfig{}, err
	}
	minSafetyDeposit, err := getEnvBigInt("MIN_SAFETY_DEPOSIT", DefaultMinSafetyDeposit)
	if err != nil {
		return EscrowConfig{}, err
	}
	return EscrowConfig{
		MinTimelock:      minTimelock,
		MaxTimelock:      maxTimelock,
		ExclusivePeriod:  exclusivePeriod,
		MinSafetyDeposit: minSafetyDeposit,
	}, nil
}

// GetEnvLiquidityConfig returns the liquidity manager settings.
func GetEnvLiquidityConfig() (LiquidityConfig, error) {
	ttl, err := getEnvDuration("RESERVATION_TTL", DefaultReservationTTL)
	if err != nil {
		return LiquidityConfig{}, err
	}
	refresh, err := getEnvDuration("BALANCE_REFRESH_INTERVAL", DefaultRefreshInterval)
	if err != nil {
		return LiquidityConfig{}, err
	}
	sweep, err := getEnvDuration("RESERVATION_SWEEP_INTERVAL", DefaultSweepInterval)
	if err != nil {
		return LiquidityConfig{}, err
	}
	rebalance, err := getEnvDuration("REBALANCE_INTERVAL", DefaultRebalanceInterval)
	if err != nil {
		return LiquidityConfig{}, err
	}
	floor, err := getEnvBigInt("LOW_BALANCE_FLOOR", DefaultLowBalanceFloor)
	if err != nil {
		return LiquidityConfig{}, err
	}
	threshold, err := getEnvFloat("REBALANCE_THRESHOLD", DefaultRebalanceThreshold)
	if err != nil {
		return LiquidityConfig{}, err
	}
	cooldown, err := getEnvDuration("REBALANCE_COOLDOWN", DefaultRebalanceCooldown)
	if err != nil {
		return LiquidityConfig{}, err
	}
	maxMove, err := getEnvBigInt("REBALANCE_MAX_MOVE", DefaultRebalanceMaxMove)
	if err != nil {
		return LiquidityConfig{}, err
	}
	return LiquidityConfig{
		ReservationTTL:     ttl,
		RefreshInterval:    refresh,
		SweepInterval:      sweep,
		RebalanceInterval:  rebalance,
		LowBalanceFloor:    floor,
		RebalanceThreshold: threshold,
		RebalanceCooldown:  cooldown,
		RebalanceMaxMove:   maxMove,
	}, nil
}

// GetEnvExecutorConfig returns the execution loop settings.
func GetEnvExecutorConfig() (ExecutorConfig, error) {
	revealDelay, err := getEnvDuration("REVEAL_DELAY", DefaultRevealDelay)
	if err != nil {
		return ExecutorConfig{}, err
	}
	confirmPoll, err := getEnvDuration("CONFIRM_POLL_INTERVAL", DefaultConfirmPollInterval)
	if err != nil {
		return ExecutorConfig{}, err
	}
	maxAttempts, err := getEnvInt("MAX_ATTEMPTS", DefaultMaxAttempts)
	if err != nil {
		return ExecutorConfig{}, err
	}
	return ExecutorConfig{
		RevealDelay:         revealDelay,
		ConfirmPollInterval: confirmPoll,
		MaxAttempts:         maxAttempts,
	}, nil
}

// GetEnvRiskConfig returns the exposure ceilings and gates.
func GetEnvRiskConfig() (RiskConfig, error) {
	maxChain, err := getEnvBigInt("RISK_MAX_CHAIN_EXPOSURE", DefaultMaxChainExposure)
	if err != nil {
		return RiskConfig{}, err
	}
	maxToken, err := getEnvBigInt("RISK_MAX_TOKEN_EXPOSURE", DefaultMaxTokenExposure)
	if err != nil {
		return RiskConfig{}, err
	}
	maxOrder, err := getEnvBigInt("RISK_MAX_ORDER_SIZE", DefaultMaxOrderSize)
	if err != nil {
		return RiskConfig{}, err
	}
	maxDaily, err := getEnvBigInt("RISK_MAX_DAILY_VOLUME", DefaultMaxDailyVolume)
	if err != nil {
		return RiskConfig{}, err
	}
	minConfidence, err := getEnvFloat("RISK_MIN_CONFIDENCE", DefaultRiskMinConfidence)
	if err != nil {
		return RiskConfig{}, err
	}
	maxScore, err := getEnvFloat("RISK_MAX_SCORE", DefaultRiskMaxScore)
	if err != nil {
		return RiskConfig{}, err
	}

	var denylist []string
	if raw := os.Getenv("RISK_DENYLIST"); raw != "" {
		for _, addr := range strings.Split(raw, ",") {
			addr = strings.TrimSpace(addr)
			if !common.IsHexAddress(addr) {
				return RiskConfig{}, fmt.Errorf("invalid RISK_DENYLIST entry: %s", addr)
			}
			denylist = append(denylist, addr)
		}
	}

	// An empty allowlist means every maker is eligible.
	var allowlist []string
	if raw := os.Getenv("RISK_ALLOWLIST"); raw != "" {
		for _, addr := range strings.Split(raw, ",") {
			addr = strings.TrimSpace(addr)
			if !common.IsHexAddress(addr) {
				return RiskConfig{}, fmt.Errorf("invalid RISK_ALLOWLIST entry: %s", addr)
			}
			allowlist = append(allowlist, addr)
		}
	}

	return RiskConfig{
		MaxChainExposure: maxChain,
		MaxTokenExposure: maxToken,
		MaxOrderSize:     maxOrder,
		MaxDailyVolume:   maxDaily,
		MinConfidence:    minConfidence,
		MaxRiskScore:     maxScore,
		Denylist:         denylist,
		Allowlist:        allowlist,
	}, nil
}

// GetEnvStrategyConfig returns the profitability thresholds.
func GetEnvStrategyConfig() (StrategyConfig, error) {
	minMargin := os.Getenv("STRATEGY_MIN_MARGIN")
	if minMargin == "" {
		minMargin = DefaultMinMargin
	} else if _, err := strconv.ParseFloat(minMargin, 64); err != nil {
		return StrategyConfig{}, fmt.Errorf("invalid STRATEGY_MIN_MARGIN value: %s", minMargin)
	}
	baseConfidence, err := getEnvFloat("STRATEGY_BASE_CONFIDENCE", DefaultBaseConfidence)
	if err != nil {
		return StrategyConfig{}, err
	}
	return StrategyConfig{
		MinMargin:      minMargin,
		BaseConfidence: baseConfidence,
	}, nil
}

// GetEnvCircuitBreakerConfig returns the circuit breaker settings.
func GetEnvCircuitBreakerConfig() (CircuitBreakerConfig, error) {
	enabled := os.Getenv("CIRCUIT_BREAKER_ENABLED")
	cbEnabled := DefaultCircuitBreakerEnabled
	switch enabled {
	case "":
	case "true":
		cbEnabled = true
	case "false":
		cbEnabled = false
	default:
		return CircuitBreakerConfig{}, fmt.Errorf(
			"invalid CIRCUIT_BREAKER_ENABLED value: %s, must be 'true' or 'false'", enabled)
	}

	threshold, err := getEnvInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
	if err != nil {
		return CircuitBreakerConfig{}, err
	}
	window, err := getEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow)
	if err != nil {
		return CircuitBreakerConfig{}, err
	}
	reset, err := getEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset)
	if err != nil {
		return CircuitBreakerConfig{}, err
	}
	return CircuitBreakerConfig{
		Enabled:        cbEnabled,
		Threshold:      threshold,
		WindowDuration: window,
		ResetTimeout:   reset,
	}, nil
}

// GetEnvLoggerConfig returns the log level and coloring flags.
func GetEnvLoggerConfig() (LoggerConfig, error) {
	level := logger.InfoLevel
	switch raw := os.Getenv("LOG_LEVEL"); raw {
	case "", "info":
	case "debug":
		level = logger.DebugLevel
	case "notice":
		level = logger.NoticeLevel
	case "error":
		level = logger.ErrorLevel
	default:
		return LoggerConfig{}, fmt.Errorf("invalid LOG_LEVEL value: %s", os.Getenv("LOG_LEVEL"))
	}

	coloring := true
	switch os.Getenv("LOG_COLORING") {
	case "", "true":
	case "false":
		coloring = false
	default:
		return LoggerConfig{}, fmt.Errorf("invalid LOG_COLORING value: %s, must be 'true' or 'false'",
			os.Getenv("LOG_COLORING"))
	}

	return LoggerConfig{Level: level, Coloring: coloring}, nil
}

// GetEnvChainConfigs returns the per-chain configurations. CHAIN_IDS selects
// the chains; each chain's RPC URL and confirmation depth can be overridden
// per chain.
func GetEnvChainConfigs() (map[int]ChainConfig, error) {
	raw := os.Getenv("CHAIN_IDS")
	if raw == "" {
		raw = "8453,42161"
	}

	configs := make(map[int]ChainConfig)
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		chainID, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAIN_IDS entry: %s", field)
		}
		if !chains.IsSupported(chainID) {
			return nil, fmt.Errorf("unsupported chain ID: %d", chainID)
		}

		rpcURL := os.Getenv(fmt.Sprintf("CHAIN_%d_RPC_URL", chainID))
		if rpcURL == "" {
			rpcURL = defaultRPCURLs[chainID]
		}

		confirmations := chains.DefaultConfirmations[chainID]
		if confRaw := os.Getenv(fmt.Sprintf("CHAIN_%d_CONFIRMATIONS", chainID)); confRaw != "" {
			conf, err := strconv.ParseUint(confRaw, 10, 64)
			if err != nil || conf == 0 {
				return nil, fmt.Errorf("invalid CHAIN_%d_CONFIRMATIONS value: %s", chainID, confRaw)
			}
			confirmations = conf
		}

		// ERC20 tokens the resolver holds inventory in on this chain.
		var tokens []common.Address
		if tokRaw := os.Getenv(fmt.Sprintf("CHAIN_%d_TOKENS", chainID)); tokRaw != "" {
			for _, addr := range strings.Split(tokRaw, ",") {
				addr = strings.TrimSpace(addr)
				if !common.IsHexAddress(addr) {
					return nil, fmt.Errorf("invalid CHAIN_%d_TOKENS entry: %s", chainID, addr)
				}
				tokens = append(tokens, common.HexToAddress(addr))
			}
		}

		configs[chainID] = ChainConfig{
			ChainID:       chainID,
			RPCURL:        rpcURL,
			Confirmations: confirmations,
			Tokens:        tokens,
		}
	}
	return configs, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", key, raw)
	}
	if val <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return val, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a number", key, raw)
	}
	return val, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", key, raw)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return parsed, nil
}

func getEnvBigInt(key string, fallback string) (*big.Int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		raw = fallback
	}
	val, ok := new(big.Int).SetString(raw, 10)
	if !ok || val.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s value: %s, must be a non-negative integer", key, raw)
	}
	return val, nil
}
