package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stocksim/league-engine/internal/ledger"
	"github.com/stocksim/league-engine/internal/metrics"
	"github.com/stocksim/league-engine/internal/store"
)

// Settler declares the winner of an ended game.
type Settler interface {
	DeclareWinner(ctx context.Context, gameID string) (*ledger.Settlement, error)
}

// Sweeper finds ended games without a winner and settles them.
type Sweeper struct {
	store     store.Store
	settler   Settler
	now       func() time.Time
	timeout   time.Duration
	onSettled func(*ledger.Settlement)
	log       *slog.Logger
}

// NewSweeper creates the job. onSettled, when set, is called for every game
// the sweep settles.
func NewSweeper(st store.Store, settler Settler, onSettled func(*ledger.Settlement), logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     st,
		settler:   settler,
		now:       func() time.Time { return time.Now().UTC() },
		timeout:   30 * time.Second,
		onSettled: onSettled,
		log:       logger,
	}
}

func (s *Sweeper) Name() string { return "settle_ended_games" }

// Run is one sweep. Each game is settled independently; the first failure is
// returned after every game has been tried.
func (s *Sweeper) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.Sweep(ctx)
}

// Sweep settles every unsettled ended game and refreshes the active-games gauge.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()

	if active, err := s.store.ListActiveGames(ctx, now); err == nil {
		metrics.ActiveGames.Set(float64(len(active)))
	} else {
		s.log.Warn("count active games failed", "error", err)
	}

	games, err := s.store.ListUnsettledGames(ctx, now)
	if err != nil {
		return fmt.Errorf("list unsettled games: %w", err)
	}

	var firstErr error
	for _, g := range games {
		if len(g.Players) == 0 {
			continue
		}
		res, err := s.settler.DeclareWinner(ctx, g.ID)
		switch {
		case err == nil && res.AlreadyDeclared:
			continue
		case err == nil:
			if s.onSettled != nil {
				s.onSettled(res)
			}
		case errors.Is(err, ledger.ErrNoParticipants), errors.Is(err, ledger.ErrGameNotEnded):
			continue
		default:
			s.log.Error("settle game failed", "game_id", g.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("settle game %s: %w", g.ID, err)
			}
		}
	}
	return firstErr
}
