package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "DATABASE_URL", "REDIS_URL", "CACHE_TTL", "QUOTE_PROVIDER", "ALPHAVANTAGE_API_KEY",
		"QUOTE_BASE_URL", "QUOTE_TIMEOUT", "QUOTE_RPS", "QUOTE_BURST", "STATIC_QUOTES", "TRADE_FEE",
		"LOCK_TTL", "STATIC_DIR", "LOG_LEVEL", "BCRYPT_COST",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, ProviderStatic, cfg.QuoteProvider)
	assert.NotEmpty(t, cfg.StaticQuotes)
	assert.Equal(t, "1", cfg.TradeFee.String())
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestSettlementScheduleCanBeDisabled(t *testing.T) {
	clearEnv(t)
	t.Setenv("SETTLEMENT_SCHEDULE", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Empty(t, cfg.SettlementSchedule)
}

func TestAlphaVantageProvider(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALPHAVANTAGE_API_KEY", "demo")
	t.Setenv("PORT", "9000")
	t.Setenv("QUOTE_TIMEOUT", "2s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TRADE_FEE", "0.5")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ProviderAlphaVantage, cfg.QuoteProvider)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 2*time.Second, cfg.QuoteTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "0.5", cfg.TradeFee.String())
}

func TestInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"missing key":      {"QUOTE_PROVIDER": "alphavantage"},
		"unknown provider": {"QUOTE_PROVIDER": "bloomberg"},
		"bad static table": {"STATIC_QUOTES": "AAPL"},
		"negative fee":     {"TRADE_FEE": "-1"},
		"bad fee":          {"TRADE_FEE": "one"},
		"bad log level":    {"LOG_LEVEL": "loud"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
