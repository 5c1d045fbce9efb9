// Package config loads server settings from the environment. A .env file in
// the working directory is read first when present; real environment
// variables take precedence over it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/stocksim/league-engine/internal/quote"
)

// Quote providers.
const (
	ProviderAlphaVantage = "alphavantage"
	ProviderStatic       = "static"
)

// Config holds every setting of the league server.
type Config struct {
	Addr        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables the game cache and uses in-process locks
	CacheTTL    time.Duration

	QuoteProvider   string
	AlphaVantageKey string
	QuoteBaseURL    string
	QuoteTimeout    time.Duration
	QuoteRPS        float64
	QuoteBurst      int
	StaticQuotes    map[string]decimal.Decimal

	TradeFee           decimal.Decimal
	LockTTL            time.Duration
	SettlementSchedule string // empty disables the sweeper
	BcryptCost         int

	StaticDir string
	LogLevel  slog.Level
}

// Load reads .env (if any) and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the process environment only.
func FromEnv() (Config, error) {
	addr := envDefault("PORT", "8080")
	if !strings.HasPrefix(addr, ":") && !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	cfg := Config{
		Addr:               addr,
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(os.Getenv("REDIS_URL")),
		CacheTTL:           envDurationDefault("CACHE_TTL", 30*time.Second),
		AlphaVantageKey:    strings.TrimSpace(os.Getenv("ALPHAVANTAGE_API_KEY")),
		QuoteBaseURL:       envDefault("QUOTE_BASE_URL", quote.DefaultBaseURL),
		QuoteTimeout:       envDurationDefault("QUOTE_TIMEOUT", 5*time.Second),
		QuoteRPS:           envFloatDefault("QUOTE_RPS", 5.0/60.0), // free tier: 5 calls per minute
		QuoteBurst:         envIntDefault("QUOTE_BURST", 5),
		LockTTL:            envDurationDefault("LOCK_TTL", 30*time.Second),
		SettlementSchedule: envRaw("SETTLEMENT_SCHEDULE", "@every 1m"),
		BcryptCost:         envIntDefault("BCRYPT_COST", 10),
		StaticDir:          strings.TrimSpace(os.Getenv("STATIC_DIR")),
	}

	cfg.QuoteProvider = strings.ToLower(strings.TrimSpace(os.Getenv("QUOTE_PROVIDER")))
	if cfg.QuoteProvider == "" {
		cfg.QuoteProvider = ProviderStatic
		if cfg.AlphaVantageKey != "" {
			cfg.QuoteProvider = ProviderAlphaVantage
		}
	}
	switch cfg.QuoteProvider {
	case ProviderAlphaVantage:
		if cfg.AlphaVantageKey == "" {
			return cfg, fmt.Errorf("ALPHAVANTAGE_API_KEY is required for the %s quote provider", ProviderAlphaVantage)
		}
	case ProviderStatic:
		prices, err := quote.ParseStatic(envDefault("STATIC_QUOTES", "AAPL=190,MSFT=420,GOOG=170,AMZN=185,TSLA=175,IBM=187.25"))
		if err != nil {
			return cfg, fmt.Errorf("STATIC_QUOTES: %w", err)
		}
		cfg.StaticQuotes = prices
	default:
		return cfg, fmt.Errorf("QUOTE_PROVIDER: unknown provider %q", cfg.QuoteProvider)
	}

	fee, err := decimal.NewFromString(envDefault("TRADE_FEE", "1"))
	if err != nil {
		return cfg, fmt.Errorf("TRADE_FEE: %w", err)
	}
	if fee.IsNegative() {
		return cfg, fmt.Errorf("TRADE_FEE must not be negative")
	}
	cfg.TradeFee = fee

	if err := cfg.LogLevel.UnmarshalText([]byte(envDefault("LOG_LEVEL", "info"))); err != nil {
		return cfg, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if cfg.QuoteTimeout <= 0 {
		return cfg, fmt.Errorf("QUOTE_TIMEOUT must be positive")
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// envRaw distinguishes an explicitly empty variable from an unset one.
func envRaw(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(v)
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
