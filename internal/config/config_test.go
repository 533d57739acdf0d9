package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestParseRequiresAtLeastOneExchange(t *testing.T) {
	_, err := Parse([]string{}, zerolog.Nop())
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParseSingleExchangeNoThresholds(t *testing.T) {
	cfg, err := Parse([]string{"--exchange", "uniswap_v2"}, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, cfg.Extractors, 1)
	require.Equal(t, "uniswap_v2", string(cfg.Extractors[0].Name))
	require.Empty(t, cfg.Extractors[0].Explicit)
	require.Nil(t, cfg.MinTVL)
	require.Nil(t, cfg.AddThreshold)
}

func TestParseExchangeWithExplicitComponent(t *testing.T) {
	cfg, err := Parse([]string{"--exchange", "uniswap_v2:0xabc"}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "0xabc", cfg.Extractors[0].Explicit)
}

func TestParseRejectsDuplicateExchange(t *testing.T) {
	_, err := Parse([]string{"--exchange", "uniswap_v2", "--exchange", "uniswap_v2"}, zerolog.Nop())
	require.Error(t, err)
}

func TestParseMinTVL(t *testing.T) {
	cfg, err := Parse([]string{"--exchange", "x", "--min-tvl", "50000"}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, cfg.MinTVL)
	require.Equal(t, 50000.0, *cfg.MinTVL)
	require.Nil(t, cfg.AddThreshold)
}

func TestParseRangedThresholds(t *testing.T) {
	cfg, err := Parse([]string{"--exchange", "x", "--add-tvl-threshold", "100", "--remove-tvl-threshold", "95"}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, cfg.AddThreshold)
	require.NotNil(t, cfg.RemoveThreshold)
	require.Equal(t, 100.0, *cfg.AddThreshold)
	require.Equal(t, 95.0, *cfg.RemoveThreshold)
	require.Nil(t, cfg.MinTVL)
}

func TestParseRejectsOnesidedRangedFlags(t *testing.T) {
	_, err := Parse([]string{"--exchange", "x", "--add-tvl-threshold", "100"}, zerolog.Nop())
	require.Error(t, err)

	_, err = Parse([]string{"--exchange", "x", "--remove-tvl-threshold", "95"}, zerolog.Nop())
	require.Error(t, err)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--exchange", "x"}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "http://localhost:4242", cfg.RPCURL)
	require.Equal(t, "ws://localhost:4242", cfg.WSURL)
	require.Equal(t, 0, cfg.Quota)
	require.False(t, cfg.NoState)
}

func TestParseQuotaAndNoState(t *testing.T) {
	cfg, err := Parse([]string{"--exchange", "x", "-n", "10", "--no-state"}, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Quota)
	require.True(t, cfg.NoState)
}

func TestParseRejectsInvalidFlag(t *testing.T) {
	_, err := Parse([]string{"--exchange", "x", "--not-a-real-flag"}, zerolog.Nop())
	require.Error(t, err)
}

func TestPolicyForExplicitOverridesGlobalTVL(t *testing.T) {
	minTVL := 50.0
	cfg := Config{MinTVL: &minTVL}
	spec := ExtractorSpec{Name: "x", Explicit: "0xabc"}

	policy, err := PolicyFor(cfg, spec)
	require.NoError(t, err)
	require.False(t, policy.ShouldAdmit(1e9), "explicit mode never admits via TVL")
}

func TestPolicyForFallsBackToGlobalTVL(t *testing.T) {
	minTVL := 50.0
	cfg := Config{MinTVL: &minTVL}
	spec := ExtractorSpec{Name: "x"}

	policy, err := PolicyFor(cfg, spec)
	require.NoError(t, err)
	require.True(t, policy.ShouldAdmit(50))
	require.False(t, policy.ShouldAdmit(49))
}

func TestParseLogLevelOverrides(t *testing.T) {
	global, overrides := ParseLogLevelOverrides("info,client=trace,tracker=debug")
	require.Equal(t, "info", global)
	require.Equal(t, "trace", overrides["client"])
	require.Equal(t, "debug", overrides["tracker"])
}

func TestParseLogLevelOverridesEmpty(t *testing.T) {
	global, overrides := ParseLogLevelOverrides("")
	require.Empty(t, global)
	require.Empty(t, overrides)
}
