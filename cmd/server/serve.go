package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/stocksim/league-engine/internal/account"
	"github.com/stocksim/league-engine/internal/api"
	"github.com/stocksim/league-engine/internal/chat"
	"github.com/stocksim/league-engine/internal/config"
	"github.com/stocksim/league-engine/internal/league"
	"github.com/stocksim/league-engine/internal/ledger"
	"github.com/stocksim/league-engine/internal/lock"
	"github.com/stocksim/league-engine/internal/quote"
	"github.com/stocksim/league-engine/internal/settlement"
	"github.com/stocksim/league-engine/internal/store"
)

// backend holds the storage, locking and quote dependencies chosen by the
// configuration.
type backend struct {
	store   store.Store
	locker  lock.Locker
	quotes  quote.Source
	cleanup []func()
}

func (b *backend) close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		b.cleanup = append(b.cleanup, func() { rdb.Close() })
	}

	if cfg.DatabaseURL != "" {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.cleanup = append(b.cleanup, pool.Close)
		b.store = store.NewPostgresStore(pool)
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			b.store = store.NewCachedStore(b.store, rdb, cfg.CacheTTL)
			logger.Info("Redis game cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		b.store = store.NewMemoryStore()
	}

	if rdb != nil {
		b.locker = lock.NewRedis(rdb, cfg.LockTTL)
		logger.Info("using Redis locks", "ttl", cfg.LockTTL.String())
	} else {
		b.locker = lock.NewLocal()
	}

	b.quotes = newQuoteSource(cfg, logger)
	return b, nil
}

func newQuoteSource(cfg config.Config, logger *slog.Logger) quote.Source {
	if cfg.QuoteProvider == config.ProviderAlphaVantage {
		return quote.NewAlphaVantage(quote.AlphaVantageOptions{
			BaseURL: cfg.QuoteBaseURL,
			APIKey:  cfg.AlphaVantageKey,
			RPS:     cfg.QuoteRPS,
			Burst:   cfg.QuoteBurst,
			Logger:  logger,
		})
	}
	logger.Warn("using static quotes", "symbols", len(cfg.StaticQuotes))
	return quote.NewStatic(cfg.StaticQuotes)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	cost := cfg.BcryptCost
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	opts := ledger.Options{Fee: &cfg.TradeFee, QuoteTimeout: cfg.QuoteTimeout, Logger: logger}
	valuation := ledger.NewValuation(b.store, b.quotes, b.locker, opts)

	hub := api.NewHub(logger)
	go hub.Run(ctx)

	srv := api.NewServer(api.Services{
		Accounts:  account.NewService(b.store, cost, logger),
		League:    league.NewService(b.store, b.locker, nil, logger),
		Trades:    ledger.NewExecutor(b.store, b.quotes, b.locker, opts),
		Valuation: valuation,
		Chat:      chat.NewService(b.store, nil, logger),
		Quotes:    b.quotes,
		Hub:       hub,
		StaticDir: cfg.StaticDir,
		Logger:    logger,
	})

	if cfg.SettlementSchedule != "" {
		sched := settlement.NewScheduler(logger)
		if err := sched.AddJob(cfg.SettlementSchedule, settlement.NewSweeper(b.store, valuation, srv.OnSettled, logger)); err != nil {
			return fmt.Errorf("SETTLEMENT_SCHEDULE: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	} else {
		logger.Warn("settlement sweeper disabled; winners must be declared manually")
	}

	httpSrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("league-engine listening", "addr", cfg.Addr, "quote_provider", cfg.QuoteProvider, "fee", cfg.TradeFee.String())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down league-engine...")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("league-engine stopped")
	return nil
}
