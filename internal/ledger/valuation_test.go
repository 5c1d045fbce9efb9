package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stocksim/league-engine/internal/lock"
	"github.com/stocksim/league-engine/internal/model"
	"github.com/stocksim/league-engine/internal/store"
)

// game creates id running from t0-1h to t0+1h, or sets the players of an
// existing one.
func (f *fixture) game(t *testing.T, id string, players ...string) *model.Game {
	t.Helper()
	ctx := context.Background()
	if g, err := f.store.GetGame(ctx, id); err == nil {
		g.Players = players
		require.NoError(t, f.store.SaveGame(ctx, g))
		return g
	}
	g := &model.Game{
		ID:             id,
		StartingTime:   t0.Add(-time.Hour),
		EndTime:        t0.Add(time.Hour),
		StartingAmount: d("1000"),
		Players:        players,
	}
	require.NoError(t, f.store.CreateGame(context.Background(), g))
	return g
}

func TestValue(t *testing.T) {
	p := model.Portfolio{
		Cash: d("10.50"),
		Holdings: []model.Holding{
			{Symbol: "A", Quantity: 2, LastPrice: d("100"), AverageCost: d("1")},
			{Symbol: "B", Quantity: 3, LastPrice: d("0.25")},
		},
	}
	assert.True(t, Value(p).Equal(d("211.25")), "got %s", Value(p))
}

func TestLeaderboard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "low", "g1", "1500")
	f.seed(t, "high", "g1", "1800")
	f.game(t, "g1", "low", "high", "gone")

	board, err := f.val.Leaderboard(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, board, 3)

	assert.Equal(t, "high", board[0].Username)
	assert.True(t, board[0].Value.Equal(d("1800")))
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, "low", board[1].Username)
	assert.True(t, board[1].Value.Equal(d("1500")))
	assert.Equal(t, UnknownPlayer, board[2].Username)
	assert.True(t, board[2].Value.IsZero())
	assert.Equal(t, 3, board[2].Rank)

	_, err = f.val.Leaderboard(ctx, "nope")
	assert.ErrorIs(t, err, ErrGameNotFound)
}

func TestLeaderboardUsesRecordedPrices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "g1", "1000")
	f.game(t, "g1", "alice")

	_, err := f.exec.Buy(ctx, "alice", "SYM", 5) // 1000 - 1 - 500
	require.NoError(t, err)
	f.quotes.Set("SYM", d("1000"))

	board, err := f.val.Leaderboard(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, board[0].Value.Equal(d("999")), "got %s", board[0].Value)
}

func TestDeclareWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "first", "g1", "1200")
	f.seed(t, "second", "g1", "1500")
	f.seed(t, "third", "g1", "1500")
	f.game(t, "g1", "first", "second", "third")

	_, err := f.val.DeclareWinner(ctx, "g1")
	assert.ErrorIs(t, err, ErrGameNotEnded)

	f.now = t0.Add(time.Hour)
	s, err := f.val.DeclareWinner(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "second", s.WinnerID, "first occurrence of the maximum wins")
	assert.True(t, s.Value.Equal(d("1500")))
	assert.False(t, s.AlreadyDeclared)

	g, err := f.store.GetGame(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, g.Winner)
	assert.Equal(t, "second", *g.Winner)

	winner := f.player(t, "second")
	assert.Equal(t, 1, winner.GamesWon)
	assert.False(t, winner.Active)
	assert.NotEmpty(t, winner.Notifications)
	assert.False(t, f.player(t, "third").Active)
	assert.Equal(t, 0, f.player(t, "third").GamesWon)

	// Second call changes nothing.
	f.seed(t, "late", "g1", "9999")
	again, err := f.val.DeclareWinner(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyDeclared)
	assert.Equal(t, "second", again.WinnerID)
	assert.Equal(t, 1, f.player(t, "second").GamesWon)
}

// staleGames answers GetGame with a snapshot, like a cache that missed an
// invalidation.
type staleGames struct {
	*store.MemoryStore
	snapshot *model.Game
}

func (s staleGames) GetGame(context.Context, string) (*model.Game, error) {
	return s.snapshot.Clone(), nil
}

func TestDeclareWinnerReadsPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "alice", "g1", "1000")
	f.game(t, "g1", "alice")
	snap, err := f.store.GetGame(ctx, "g1")
	require.NoError(t, err)

	val := NewValuation(staleGames{f.store, snap}, f.quotes, lock.NewLocal(), Options{
		Now: func() time.Time { return t0.Add(time.Hour) },
	})
	first, err := val.DeclareWinner(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, first.AlreadyDeclared)

	again, err := val.DeclareWinner(ctx, "g1")
	require.NoError(t, err, "a settled game is a no-op, not a conflict")
	assert.True(t, again.AlreadyDeclared)
	assert.Equal(t, "alice", again.WinnerID)
	assert.Equal(t, 1, f.player(t, "alice").GamesWon)
}

func TestDeclareWinnerErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.game(t, "empty")
	f.now = t0.Add(2 * time.Hour)

	_, err := f.val.DeclareWinner(ctx, "nope")
	assert.ErrorIs(t, err, ErrGameNotFound)

	_, err = f.val.DeclareWinner(ctx, "empty")
	assert.ErrorIs(t, err, ErrNoParticipants)
}

func TestPortfolioView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.quotes.Set("OTHER", d("10"))
	f.seed(t, "alice", "g1", "1000")
	f.seed(t, "bob", "g2", "1000")
	f.game(t, "g1", "alice")

	_, err := f.exec.Buy(ctx, "alice", "SYM", 2)
	require.NoError(t, err)
	_, err = f.exec.Buy(ctx, "alice", "OTHER", 10)
	require.NoError(t, err)

	f.quotes.Set("SYM", d("150"))
	f.quotes.Set("OTHER", decimal.Zero) // quote now unavailable

	view, err := f.val.Portfolio(ctx, "g1", "alice")
	require.NoError(t, err)
	require.Len(t, view.Holdings, 2)

	sym := view.Holdings[0]
	assert.Equal(t, "SYM", sym.Symbol)
	assert.True(t, sym.LatestPrice.Equal(d("150")))
	assert.True(t, sym.CurrentValue.Equal(d("300")))
	assert.False(t, sym.Stale)

	other := view.Holdings[1]
	assert.True(t, other.Stale)
	assert.True(t, other.LatestPrice.Equal(d("10")))

	// 1000 - 201 - 101 = 698 cash.
	assert.True(t, view.Cash.Equal(d("698")), "cash %s", view.Cash)
	assert.True(t, view.RecordedValue.Equal(d("998")), "recorded %s", view.RecordedValue)
	assert.True(t, view.LiveValue.Equal(d("1098")), "live %s", view.LiveValue)

	_, err = f.val.Portfolio(ctx, "g1", "bob")
	assert.ErrorIs(t, err, ErrPlayerNotInGame)
	_, err = f.val.Portfolio(ctx, "g1", "nobody")
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}

func TestTransactionsScopedToGameWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.seed(t, "alice", "g1", "1000")
	f.game(t, "g1", "alice")

	// A trade recorded before the game started.
	alice.Transactions = []model.Transaction{{
		ID: "early", Type: model.TradeBuy, Timestamp: t0.Add(-2 * time.Hour), Symbol: "SYM",
		Quantity: 1, UnitPrice: d("100"), TotalCost: d("100"), Fee: d("1"), PlayerID: "alice", Username: "alice",
	}}
	alice.History = []model.PortfolioSnapshot{{Cash: d("1101"), TakenAt: t0.Add(-2 * time.Hour)}}
	require.NoError(t, f.store.SavePlayer(ctx, alice))

	_, err := f.exec.Buy(ctx, "alice", "SYM", 1)
	require.NoError(t, err)

	txs, err := f.val.Transactions(ctx, "alice", "g1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, t0, txs[0].Timestamp)

	txs, err = f.val.Transactions(ctx, "alice", "")
	require.NoError(t, err)
	assert.Len(t, txs, 1, "defaults to the current game")

	history, err := f.val.History(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = f.val.Transactions(ctx, "ghost", "g1")
	assert.ErrorIs(t, err, ErrPlayerNotFound)
}
