package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stocksim/league-engine/internal/lock"
	"github.com/stocksim/league-engine/internal/metrics"
	"github.com/stocksim/league-engine/internal/model"
	"github.com/stocksim/league-engine/internal/quote"
	"github.com/stocksim/league-engine/internal/store"
)

// UnknownPlayer is the username reported for participants that no longer resolve.
const UnknownPlayer = "Unknown"

// requoteConcurrency caps parallel live quotes for one portfolio view.
const requoteConcurrency = 4

// Value returns cash plus every holding at its recorded last-trade price.
func Value(p model.Portfolio) decimal.Decimal {
	total := p.Cash
	for _, h := range p.Holdings {
		total = total.Add(h.LastPrice.Mul(decimal.NewFromInt(h.Quantity)))
	}
	return total
}

// Standing is one leaderboard row.
type Standing struct {
	Rank     int             `json:"rank"`
	PlayerID string          `json:"player_id"`
	Username string          `json:"username"`
	Value    decimal.Decimal `json:"value"`
}

// Settlement is the outcome of declaring a game's winner.
type Settlement struct {
	GameID          string          `json:"game_id"`
	WinnerID        string          `json:"winner_id"`
	Winner          string          `json:"winner"`
	Value           decimal.Decimal `json:"value"`
	Standings       []Standing      `json:"standings"`
	AlreadyDeclared bool            `json:"already_declared"`
}

// PortfolioLine is one holding in a live portfolio view.
type PortfolioLine struct {
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	RecordedPrice decimal.Decimal `json:"recorded_price"`
	LatestPrice   decimal.Decimal `json:"latest_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	Stale         bool            `json:"stale"` // live quote failed; LatestPrice is the recorded price
}

// PortfolioView is a participant's portfolio marked to live quotes.
type PortfolioView struct {
	PlayerID      string          `json:"player_id"`
	Username      string          `json:"username"`
	GameID        string          `json:"game_id"`
	Cash          decimal.Decimal `json:"cash"`
	Holdings      []PortfolioLine `json:"holdings"`
	RecordedValue decimal.Decimal `json:"recorded_value"`
	LiveValue     decimal.Decimal `json:"live_value"`
}

// Valuation ranks game participants and settles games.
type Valuation struct {
	store        store.Store
	quotes       quote.Source
	locker       lock.Locker
	quoteTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// NewValuation creates a valuation service. Only QuoteTimeout, Now and
// Logger are read from opts.
func NewValuation(st store.Store, quotes quote.Source, locker lock.Locker, opts Options) *Valuation {
	if opts.QuoteTimeout <= 0 {
		opts.QuoteTimeout = DefaultQuoteTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Valuation{
		store:        st,
		quotes:       quotes,
		locker:       locker,
		quoteTimeout: opts.QuoteTimeout,
		now:          opts.Now,
		log:          opts.Logger,
	}
}

// Leaderboard ranks every participant by portfolio value, highest first.
// Ties keep join order.
func (v *Valuation) Leaderboard(ctx context.Context, gameID string) ([]Standing, error) {
	g, err := v.game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	board, _, err := v.rank(ctx, g)
	return board, err
}

// rank values the participants of g. The returned players are those that
// resolved, in join order.
func (v *Valuation) rank(ctx context.Context, g *model.Game) ([]Standing, []*model.Player, error) {
	board := make([]Standing, 0, len(g.Players))
	players := make([]*model.Player, 0, len(g.Players))
	for _, id := range g.Players {
		p, err := v.store.GetPlayer(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			board = append(board, Standing{PlayerID: id, Username: UnknownPlayer, Value: decimal.Zero})
			continue
		case err != nil:
			return nil, nil, fmt.Errorf("load player %s: %w", id, err)
		}
		players = append(players, p)
		board = append(board, Standing{PlayerID: p.ID, Username: p.Username, Value: Value(p.Portfolio)})
	}

	sort.SliceStable(board, func(i, j int) bool { return board[i].Value.GreaterThan(board[j].Value) })
	for i := range board {
		board[i].Rank = i + 1
	}
	return board, players, nil
}

// DeclareWinner settles an ended game. The first participant, in join order,
// holding the maximum value wins. The game, the winner's tally and every
// participant's deactivation are persisted together. Declaring again returns
// the existing result with AlreadyDeclared set and changes nothing.
func (v *Valuation) DeclareWinner(ctx context.Context, gameID string) (*Settlement, error) {
	unlockGame, err := v.locker.Lock(ctx, lock.GameKey(gameID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflictingState, err)
	}
	defer unlockGame()

	// Read the primary under the game lock: no join can land between this
	// snapshot and the write.
	g, err := loadGame(ctx, v.store.GetGameLatest, gameID)
	if err != nil {
		return nil, err
	}

	if g.Winner != nil {
		board, _, err := v.rank(ctx, g)
		if err != nil {
			return nil, err
		}
		s := &Settlement{GameID: g.ID, WinnerID: *g.Winner, Standings: board, AlreadyDeclared: true}
		for _, row := range board {
			if row.PlayerID == *g.Winner {
				s.Winner, s.Value = row.Username, row.Value
			}
		}
		return s, nil
	}

	if v.now().Before(g.EndTime) {
		return nil, fmt.Errorf("%w: ends at %s", ErrGameNotEnded, g.EndTime.Format(time.RFC3339))
	}
	if len(g.Players) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoParticipants, g.ID)
	}

	ids := append([]string(nil), g.Players...)
	sort.Strings(ids)
	for _, id := range ids {
		unlock, err := v.locker.Lock(ctx, lock.PlayerKey(id))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConflictingState, err)
		}
		defer unlock()
	}

	board, players, err := v.rank(ctx, g)
	if err != nil {
		return nil, err
	}

	// Scan in join order keeping the first strictly greater value.
	var (
		winnerID   string
		winnerName string
		best       decimal.Decimal
	)
	for i, id := range g.Players {
		row := standingFor(board, id)
		if i == 0 || row.Value.GreaterThan(best) {
			winnerID, winnerName, best = id, row.Username, row.Value
		}
	}

	g.Winner = &winnerID
	for _, p := range players {
		if p.ID == winnerID {
			p.GamesWon++
			p.Notifications = append(p.Notifications, fmt.Sprintf("You won the game ending on: %s", g.EndTime.Format(time.RFC1123)))
		}
		if p.GameID == g.ID {
			p.Active = false
		}
	}

	if err := v.store.SaveGamePlayers(ctx, g, players...); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrConflictingState, err)
		}
		return nil, fmt.Errorf("persist settlement: %w", err)
	}

	metrics.WinnersDeclared.Inc()
	v.log.Info("winner declared", "game_id", g.ID, "winner_id", winnerID, "winner", winnerName, "value", best.String())

	return &Settlement{
		GameID:    g.ID,
		WinnerID:  winnerID,
		Winner:    winnerName,
		Value:     best,
		Standings: board,
	}, nil
}

func standingFor(board []Standing, playerID string) Standing {
	for _, s := range board {
		if s.PlayerID == playerID {
			return s
		}
	}
	return Standing{PlayerID: playerID, Username: UnknownPlayer}
}

// Portfolio marks a participant's holdings to live quotes. Holdings whose
// quote fails keep their recorded price and are flagged stale.
func (v *Valuation) Portfolio(ctx context.Context, gameID, username string) (*PortfolioView, error) {
	g, err := v.game(ctx, gameID)
	if err != nil {
		return nil, err
	}
	p, err := v.store.GetPlayerByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, username)
		}
		return nil, err
	}
	if !g.HasPlayer(p.ID) || p.GameID != g.ID {
		return nil, fmt.Errorf("%w: %s in %s", ErrPlayerNotInGame, username, gameID)
	}

	lines := make([]PortfolioLine, len(p.Portfolio.Holdings))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(requoteConcurrency)
	for i, h := range p.Portfolio.Holdings {
		eg.Go(func() error {
			line := PortfolioLine{
				Symbol:        h.Symbol,
				Quantity:      h.Quantity,
				AverageCost:   h.AverageCost,
				RecordedPrice: h.LastPrice,
				LatestPrice:   h.LastPrice,
			}
			price, err := fetchPrice(egctx, v.quotes, h.Symbol, v.quoteTimeout)
			if err != nil {
				v.log.Warn("live quote failed", "symbol", h.Symbol, "error", err)
				line.Stale = true
			} else {
				line.LatestPrice = price
			}
			line.CurrentValue = line.LatestPrice.Mul(decimal.NewFromInt(h.Quantity))
			lines[i] = line
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	live := p.Portfolio.Cash
	for _, l := range lines {
		live = live.Add(l.CurrentValue)
	}
	return &PortfolioView{
		PlayerID:      p.ID,
		Username:      p.Username,
		GameID:        g.ID,
		Cash:          p.Portfolio.Cash,
		Holdings:      lines,
		RecordedValue: Value(p.Portfolio),
		LiveValue:     live,
	}, nil
}

// Transactions returns the player's trades that fall inside the game's
// window. An empty gameID selects the player's current game, or every trade
// when the player never joined one.
func (v *Valuation) Transactions(ctx context.Context, playerID, gameID string) ([]model.Transaction, error) {
	p, err := v.player(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if gameID == "" {
		gameID = p.GameID
	}
	if gameID == "" {
		return p.Transactions, nil
	}
	g, err := v.game(ctx, gameID)
	if err != nil {
		return nil, err
	}

	out := []model.Transaction{}
	for _, tx := range p.Transactions {
		if !tx.Timestamp.Before(g.StartingTime) && !tx.Timestamp.After(g.EndTime) {
			out = append(out, tx)
		}
	}
	return out, nil
}

// History returns the player's pre-trade portfolio snapshots, oldest first.
func (v *Valuation) History(ctx context.Context, playerID string) ([]model.PortfolioSnapshot, error) {
	p, err := v.player(ctx, playerID)
	if err != nil {
		return nil, err
	}
	return p.History, nil
}

func (v *Valuation) game(ctx context.Context, id string) (*model.Game, error) {
	return loadGame(ctx, v.store.GetGame, id)
}

// gameGetter is GetGame or GetGameLatest of a store.Store.
type gameGetter func(ctx context.Context, id string) (*model.Game, error)

func loadGame(ctx context.Context, get gameGetter, id string) (*model.Game, error) {
	g, err := get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrGameNotFound, id)
		}
		return nil, fmt.Errorf("load game %s: %w", id, err)
	}
	return g, nil
}

func (v *Valuation) player(ctx context.Context, id string) (*model.Player, error) {
	p, err := v.store.GetPlayer(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, id)
		}
		return nil, fmt.Errorf("load player %s: %w", id, err)
	}
	return p, nil
}
