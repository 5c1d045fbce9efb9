// Package league manages the game lifecycle: creation, pre-start edits,
// listing running games and players joining them.
package league

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocksim/league-engine/internal/ledger"
	"github.com/stocksim/league-engine/internal/lock"
	"github.com/stocksim/league-engine/internal/model"
	"github.com/stocksim/league-engine/internal/store"
)

var (
	ErrGameStarted   = errors.New("game has already started")
	ErrGameEnded     = ledger.ErrGameEnded
	ErrTimeInPast    = errors.New("time must be in the future")
	ErrAlreadyInGame = errors.New("player is already in a game")
)

// Service implements game administration and joining.
type Service struct {
	store  store.Store
	locker lock.Locker
	now    func() time.Time
	log    *slog.Logger
}

// NewService creates a league service. A nil now selects the wall clock.
func NewService(st store.Store, locker lock.Locker, now func() time.Time, logger *slog.Logger) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, locker: locker, now: now, log: logger}
}

// Create opens a new game and notifies every registered player.
func (s *Service) Create(ctx context.Context, start, end time.Time, amount decimal.Decimal) (*model.Game, error) {
	if !end.After(s.now()) {
		return nil, fmt.Errorf("%w: end time %s", ErrTimeInPast, end.Format(time.RFC3339))
	}
	g := &model.Game{
		ID:             uuid.NewString(),
		StartingTime:   start.UTC(),
		EndTime:        end.UTC(),
		StartingAmount: amount,
		Players:        []string{},
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateGame(ctx, g); err != nil {
		return nil, fmt.Errorf("create game: %w", err)
	}
	s.log.Info("game created", "game_id", g.ID, "starting_time", g.StartingTime, "end_time", g.EndTime, "starting_amount", g.StartingAmount.String())

	s.notifyAll(ctx, fmt.Sprintf("A new game has been created with starting time: %s", g.StartingTime.Format(time.RFC1123)))
	return g, nil
}

// notifyAll appends msg to every player's notifications. Delivery is best
// effort: a player that cannot be updated is logged and skipped.
func (s *Service) notifyAll(ctx context.Context, msg string) {
	players, err := s.store.ListPlayers(ctx)
	if err != nil {
		s.log.Warn("list players for notification failed", "error", err)
		return
	}
	for _, p := range players {
		if err := s.notify(ctx, p.ID, msg); err != nil {
			s.log.Warn("notify player failed", "player_id", p.ID, "error", err)
		}
	}
}

func (s *Service) notify(ctx context.Context, playerID, msg string) error {
	unlock, err := s.locker.Lock(ctx, lock.PlayerKey(playerID))
	if err != nil {
		return err
	}
	defer unlock()

	p, err := s.store.GetPlayer(ctx, playerID)
	if err != nil {
		return err
	}
	p.Notifications = append(p.Notifications, msg)
	return s.store.SavePlayer(ctx, p)
}

// EditStartingTime moves the start of a game that has not started yet.
func (s *Service) EditStartingTime(ctx context.Context, gameID string, start time.Time) (*model.Game, error) {
	return s.edit(ctx, gameID, func(g *model.Game, now time.Time) error {
		if !start.After(now) {
			return fmt.Errorf("%w: starting time %s", ErrTimeInPast, start.Format(time.RFC3339))
		}
		if !start.Before(g.EndTime) {
			return fmt.Errorf("%w: starting time must be before end time", model.ErrInvalid)
		}
		g.StartingTime = start.UTC()
		return nil
	})
}

// EditStartingAmount changes the cash of a game that has not started yet.
func (s *Service) EditStartingAmount(ctx context.Context, gameID string, amount decimal.Decimal) (*model.Game, error) {
	return s.edit(ctx, gameID, func(g *model.Game, _ time.Time) error {
		if !amount.IsPositive() {
			return fmt.Errorf("%w: starting amount must be positive", model.ErrInvalid)
		}
		g.StartingAmount = amount
		return nil
	})
}

func (s *Service) edit(ctx context.Context, gameID string, apply func(*model.Game, time.Time) error) (*model.Game, error) {
	unlock, err := s.locker.Lock(ctx, lock.GameKey(gameID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrConflictingState, err)
	}
	defer unlock()

	g, err := s.game(ctx, s.store.GetGameLatest, gameID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if g.Started(now) {
		return nil, fmt.Errorf("%w: started at %s", ErrGameStarted, g.StartingTime.Format(time.RFC3339))
	}
	if err := apply(g, now); err != nil {
		return nil, err
	}
	if err := s.store.SaveGame(ctx, g); err != nil {
		return nil, conflict(err)
	}
	s.log.Info("game edited", "game_id", g.ID, "starting_time", g.StartingTime, "starting_amount", g.StartingAmount.String())
	return g, nil
}

// Active returns the games running right now, inclusive of both bounds.
func (s *Service) Active(ctx context.Context) ([]model.Game, error) {
	return s.store.ListActiveGames(ctx, s.now())
}

// Get returns a game by ID.
func (s *Service) Get(ctx context.Context, gameID string) (*model.Game, error) {
	return s.game(ctx, s.store.GetGame, gameID)
}

// Join enrolls a player in a game that has not ended. The portfolio is reset
// to the game's starting amount and the player's history and transactions are
// cleared. The game and the player are written together.
func (s *Service) Join(ctx context.Context, playerID, gameID string) (*model.Player, error) {
	// Game first, then player: the same order settlement uses.
	unlockGame, err := s.locker.Lock(ctx, lock.GameKey(gameID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrConflictingState, err)
	}
	defer unlockGame()
	unlockPlayer, err := s.locker.Lock(ctx, lock.PlayerKey(playerID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrConflictingState, err)
	}
	defer unlockPlayer()

	p, err := s.store.GetPlayer(ctx, playerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrPlayerNotFound, playerID)
		}
		return nil, err
	}
	if p.Active {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInGame, p.Username)
	}
	g, err := s.game(ctx, s.store.GetGameLatest, gameID)
	if err != nil {
		return nil, err
	}
	if g.Ended(s.now()) {
		return nil, fmt.Errorf("%w: ended at %s", ErrGameEnded, g.EndTime.Format(time.RFC3339))
	}
	if g.HasPlayer(p.ID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInGame, p.Username)
	}

	p.Portfolio = model.Portfolio{Cash: g.StartingAmount, Holdings: []model.Holding{}}
	p.History = []model.PortfolioSnapshot{}
	p.Transactions = []model.Transaction{}
	p.Active = true
	p.GameID = g.ID
	p.Notifications = append(p.Notifications, fmt.Sprintf("You have joined a game ending on: %s", g.EndTime.Format(time.RFC1123)))
	g.Players = append(g.Players, p.ID)

	if err := s.store.SaveGamePlayers(ctx, g, p); err != nil {
		return nil, conflict(err)
	}
	s.log.Info("player joined game", "player_id", p.ID, "game_id", g.ID, "cash", p.Portfolio.Cash.String())
	return p, nil
}

// game loads id through get, which is the cached read or, under the game
// lock, the primary read.
func (s *Service) game(ctx context.Context, get func(context.Context, string) (*model.Game, error), id string) (*model.Game, error) {
	g, err := get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrGameNotFound, id)
		}
		return nil, err
	}
	return g, nil
}

func conflict(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ledger.ErrConflictingState, err)
	}
	return err
}
