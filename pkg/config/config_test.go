package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvChainConfigsDefaults(t *testing.T) {
	t.Setenv("CHAIN_IDS", "")

	configs, err := GetEnvChainConfigs()
	require.NoError(t, err)

	require.Len(t, configs, 2)
	assert.Contains(t, configs, 8453)
	assert.Contains(t, configs, 42161)
	assert.NotEmpty(t, configs[8453].RPCURL)
	assert.NotZero(t, configs[8453].Confirmations)
}

func TestGetEnvChainConfigsOverrides(t *testing.T) {
	t.Setenv("CHAIN_IDS", "137, 8453")
	t.Setenv("CHAIN_137_RPC_URL", "https://polygon.example.com")
	t.Setenv("CHAIN_137_CONFIRMATIONS", "64")

	configs, err := GetEnvChainConfigs()
	require.NoError(t, err)

	assert.Equal(t, "https://polygon.example.com", configs[137].RPCURL)
	assert.Equal(t, uint64(64), configs[137].Confirmations)
}

func TestGetEnvChainConfigsTokens(t *testing.T) {
	t.Setenv("CHAIN_IDS", "8453")
	t.Setenv("CHAIN_8453_TOKENS",
		"0x1111111111111111111111111111111111111111, 0x2222222222222222222222222222222222222222")

	configs, err := GetEnvChainConfigs()
	require.NoError(t, err)
	require.Len(t, configs[8453].Tokens, 2)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"),
		configs[8453].Tokens[0])

	t.Setenv("CHAIN_8453_TOKENS", "not-a-token")
	_, err = GetEnvChainConfigs()
	assert.Error(t, err)
}

func TestGetEnvChainConfigsRejectsUnsupportedChain(t *testing.T) {
	t.Setenv("CHAIN_IDS", "999999")

	_, err := GetEnvChainConfigs()
	assert.Error(t, err)
}

func TestGetEnvEscrowConfigDefaults(t *testing.T) {
	t.Setenv("MIN_TIMELOCK", "")
	t.Setenv("MAX_TIMELOCK", "")

	cfg, err := GetEnvEscrowConfig()
	require.NoError(t, err)

	assert.Equal(t, DefaultMinTimelock, cfg.MinTimelock)
	assert.Equal(t, DefaultMaxTimelock, cfg.MaxTimelock)
	assert.Equal(t, DefaultExclusivePeriod, cfg.ExclusivePeriod)
	assert.Equal(t, DefaultMinSafetyDeposit, cfg.MinSafetyDeposit.String())
}

func TestGetEnvEscrowConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("MIN_TIMELOCK", "soon")

	_, err := GetEnvEscrowConfig()
	assert.Error(t, err)
}

func TestGetEnvRiskConfigDenylist(t *testing.T) {
	t.Setenv("RISK_DENYLIST", "0x1111111111111111111111111111111111111111, 0x2222222222222222222222222222222222222222")

	cfg, err := GetEnvRiskConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.Denylist, 2)

	t.Setenv("RISK_DENYLIST", "not-an-address")
	_, err = GetEnvRiskConfig()
	assert.Error(t, err)
}

func TestGetEnvRiskConfigAllowlist(t *testing.T) {
	t.Setenv("RISK_ALLOWLIST", "0x3333333333333333333333333333333333333333")

	cfg, err := GetEnvRiskConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.Allowlist, 1)

	t.Setenv("RISK_ALLOWLIST", "not-an-address")
	_, err = GetEnvRiskConfig()
	assert.Error(t, err)
}

func TestGetEnvStrategyConfigRejectsBadMargin(t *testing.T) {
	t.Setenv("STRATEGY_MIN_MARGIN", "one percent")

	_, err := GetEnvStrategyConfig()
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			PrivateKey:      "ab",
			ResolverAddress: "0x3333333333333333333333333333333333333333",
			Chains: map[int]ChainConfig{
				8453:  {ChainID: 8453, RPCURL: "https://base.example.com"},
				42161: {ChainID: 42161, RPCURL: "https://arb.example.com"},
			},
			Escrow: EscrowConfig{
				MinTimelock:     30 * time.Minute,
				MaxTimelock:     24 * time.Hour,
				ExclusivePeriod: 10 * time.Minute,
			},
			Risk: RiskConfig{MinConfidence: 0.5, MaxRiskScore: 0.8},
		}
	}

	assert.NoError(t, validateConfig(base()))

	missingKey := base()
	missingKey.PrivateKey = ""
	assert.Error(t, validateConfig(missingKey))

	oneChain := base()
	delete(oneChain.Chains, 42161)
	assert.Error(t, validateConfig(oneChain))

	badTimelocks := base()
	badTimelocks.Escrow.MaxTimelock = badTimelocks.Escrow.MinTimelock
	assert.Error(t, validateConfig(badTimelocks))

	wideExclusive := base()
	wideExclusive.Escrow.ExclusivePeriod = time.Hour
	assert.Error(t, validateConfig(wideExclusive))

	badConfidence := base()
	badConfidence.Risk.MinConfidence = 1.5
	assert.Error(t, validateConfig(badConfidence))
}
