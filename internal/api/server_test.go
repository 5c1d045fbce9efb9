package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stocksim/league-engine/internal/account"
	"github.com/stocksim/league-engine/internal/api"
	"github.com/stocksim/league-engine/internal/chat"
	"github.com/stocksim/league-engine/internal/league"
	"github.com/stocksim/league-engine/internal/ledger"
	"github.com/stocksim/league-engine/internal/lock"
	"github.com/stocksim/league-engine/internal/model"
	"github.com/stocksim/league-engine/internal/quote"
	"github.com/stocksim/league-engine/internal/store"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type testEnv struct {
	store  *store.MemoryStore
	quotes *quote.Static
	clock  *clock
	router http.Handler
}

// newTestEnv wires every service against an in-memory store and a fixed
// price table. hub may be nil.
func newTestEnv(t *testing.T, hub *api.Hub) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		quotes: quote.NewStatic(map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(100)}),
		clock:  &clock{t: t0},
	}
	locker := lock.NewLocal()
	opts := ledger.Options{Now: env.clock.Now, QuoteTimeout: time.Second}
	srv := api.NewServer(api.Services{
		Accounts:  account.NewService(env.store, bcrypt.MinCost, nil),
		League:    league.NewService(env.store, locker, env.clock.Now, nil),
		Trades:    ledger.NewExecutor(env.store, env.quotes, locker, opts),
		Valuation: ledger.NewValuation(env.store, env.quotes, locker, opts),
		Chat:      chat.NewService(env.store, env.clock.Now, nil),
		Quotes:    env.quotes,
		Hub:       hub,
	})
	env.router = srv.Handler()
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, w)["error"]
}

// register creates a player through the API and returns it.
func (env *testEnv) register(t *testing.T, username string) model.Player {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/players/register", map[string]string{
		"username": username, "email": username + "@example.com", "password": "secret",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[model.Player](t, w)
}

// createGame opens a game running from an hour ago to an hour from now.
func (env *testEnv) createGame(t *testing.T) model.Game {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/admin/games", api.CreateGameRequest{
		StartingTime:   t0.Add(-time.Hour),
		EndTime:        t0.Add(time.Hour),
		StartingAmount: decimal.NewFromInt(1000),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[model.Game](t, w)
}

func (env *testEnv) join(t *testing.T, playerID, gameID string) {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/v1/players/join", map[string]string{"playerId": playerID, "gameId": gameID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestTradeFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	g := env.createGame(t)
	alice := env.register(t, "alice")
	env.join(t, alice.ID, g.ID)

	w := env.do(t, http.MethodPost, "/api/v1/transactions/buy", api.TradeRequest{PlayerID: alice.ID, Symbol: "aapl", Quantity: 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	buy := decode[ledger.TradeResult](t, w)
	assert.Equal(t, "499", buy.Cash.String())
	require.NotNil(t, buy.Holding)
	assert.Equal(t, int64(5), buy.Holding.Quantity)
	assert.Equal(t, "AAPL", buy.Transaction.Symbol)

	env.quotes.Set("AAPL", decimal.NewFromInt(110))
	w = env.do(t, http.MethodPost, "/api/v1/transactions/sell", api.TradeRequest{PlayerID: alice.ID, Symbol: "AAPL", Quantity: 5})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sell := decode[ledger.TradeResult](t, w)
	assert.Equal(t, "1048", sell.Cash.String())
	assert.Nil(t, sell.Holding)

	w = env.do(t, http.MethodGet, "/api/v1/players/"+alice.ID+"/transactions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Transaction](t, w), 2)

	w = env.do(t, http.MethodGet, "/api/v1/players/"+alice.ID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.PortfolioSnapshot](t, w), 2)

	w = env.do(t, http.MethodGet, "/api/v1/games/"+g.ID+"/leaderboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	board := decode[[]ledger.Standing](t, w)
	require.Len(t, board, 1)
	assert.Equal(t, "alice", board[0].Username)
	assert.Equal(t, "1048", board[0].Value.String())
}

func TestTradeErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	g := env.createGame(t)
	alice := env.register(t, "alice")
	idle := env.register(t, "idle")
	env.join(t, alice.ID, g.ID)

	tests := []struct {
		name   string
		path   string
		req    api.TradeRequest
		status int
	}{
		{"zero quantity", "/api/v1/transactions/buy", api.TradeRequest{PlayerID: alice.ID, Symbol: "AAPL", Quantity: 0}, http.StatusBadRequest},
		{"bad symbol", "/api/v1/transactions/buy", api.TradeRequest{PlayerID: alice.ID, Symbol: "not a symbol", Quantity: 1}, http.StatusBadRequest},
		{"missing player id", "/api/v1/transactions/buy", api.TradeRequest{Symbol: "AAPL", Quantity: 1}, http.StatusBadRequest},
		{"unknown player", "/api/v1/transactions/buy", api.TradeRequest{PlayerID: "ghost", Symbol: "AAPL", Quantity: 1}, http.StatusNotFound},
		{"not in a game", "/api/v1/transactions/buy", api.TradeRequest{PlayerID: idle.ID, Symbol: "AAPL", Quantity: 1}, http.StatusBadRequest},
		{"insufficient funds", "/api/v1/transactions/buy", api.TradeRequest{PlayerID: alice.ID, Symbol: "AAPL", Quantity: 10}, http.StatusBadRequest},
		{"insufficient holdings", "/api/v1/transactions/sell", api.TradeRequest{PlayerID: alice.ID, Symbol: "AAPL", Quantity: 1}, http.StatusBadRequest},
		{"no quote", "/api/v1/transactions/buy", api.TradeRequest{PlayerID: alice.ID, Symbol: "MSFT", Quantity: 1}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.NotEmpty(t, errorOf(t, w))
		})
	}

	// Nothing above may have touched the portfolio.
	p, err := env.store.GetPlayer(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000", p.Portfolio.Cash.String())
	assert.Empty(t, p.Transactions)
}

func TestTradeOutsideGameWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	running := env.createGame(t)
	w := env.do(t, http.MethodPost, "/api/v1/admin/games", api.CreateGameRequest{
		StartingTime:   t0.Add(time.Hour),
		EndTime:        t0.Add(2 * time.Hour),
		StartingAmount: decimal.NewFromInt(1000),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	upcoming := decode[model.Game](t, w)

	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	env.join(t, alice.ID, running.ID)
	env.join(t, bob.ID, upcoming.ID)

	w = env.do(t, http.MethodPost, "/api/v1/transactions/buy", api.TradeRequest{PlayerID: bob.ID, Symbol: "AAPL", Quantity: 1})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, errorOf(t, w), "not started")

	env.clock.Set(t0.Add(time.Hour)) // running has just ended
	w = env.do(t, http.MethodPost, "/api/v1/transactions/buy", api.TradeRequest{PlayerID: alice.ID, Symbol: "AAPL", Quantity: 1})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Contains(t, errorOf(t, w), "ended")

	w = env.do(t, http.MethodPost, "/api/v1/transactions/buy", api.TradeRequest{PlayerID: bob.ID, Symbol: "AAPL", Quantity: 1})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	a, err := env.store.GetPlayer(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Empty(t, a.Transactions)
	assert.Equal(t, "1000", a.Portfolio.Cash.String())
	b, err := env.store.GetPlayer(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.Len(t, b.Transactions, 1)
}

func TestRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/players/register", strings.NewReader(`{"username":"a","email":"a@x","password":"p","admin":true}`))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccounts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")

	w := env.do(t, http.MethodPost, "/api/v1/players/register", map[string]string{
		"username": "alice", "email": "other@example.com", "password": "secret",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/players/login", map[string]string{"username": "alice", "password": "secret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "password")

	w = env.do(t, http.MethodPost, "/api/v1/players/login", map[string]string{"username": "alice", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/admin/register", map[string]string{
		"username": "root", "email": "root@example.com", "password": "pw", "fullName": "Root Admin",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/api/v1/admin/login", map[string]string{"username": "root", "password": "pw"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGameAdministration(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.register(t, "alice")

	w := env.do(t, http.MethodPost, "/api/v1/admin/games", api.CreateGameRequest{
		StartingTime:   t0.Add(time.Hour),
		EndTime:        t0.Add(2 * time.Hour),
		StartingAmount: decimal.NewFromInt(5000),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	g := decode[model.Game](t, w)

	w = env.do(t, http.MethodGet, "/api/v1/players/"+alice.ID+"/notifications", nil)
	require.Equal(t, http.StatusOK, w.Code)
	notes := decode[[]string](t, w)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "A new game has been created")

	w = env.do(t, http.MethodPut, "/api/v1/admin/games/"+g.ID+"/starting-amount", map[string]string{"startingAmount": "2500"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "2500", decode[model.Game](t, w).StartingAmount.String())

	w = env.do(t, http.MethodPut, "/api/v1/admin/games/"+g.ID+"/starting-time", map[string]time.Time{"startingTime": t0.Add(30 * time.Minute)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPut, "/api/v1/admin/games/"+g.ID+"/starting-time", map[string]time.Time{"startingTime": t0.Add(-time.Minute)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Not running yet.
	w = env.do(t, http.MethodGet, "/api/v1/admin/games/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]model.Game](t, w))

	env.clock.Set(t0.Add(45 * time.Minute))
	w = env.do(t, http.MethodGet, "/api/v1/admin/games/active", nil)
	assert.Len(t, decode[[]model.Game](t, w), 1)

	w = env.do(t, http.MethodPut, "/api/v1/admin/games/"+g.ID+"/starting-amount", map[string]string{"startingAmount": "100"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/games/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeclareWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	g := env.createGame(t)
	alice := env.register(t, "alice")
	bob := env.register(t, "bob")
	env.join(t, alice.ID, g.ID)
	env.join(t, bob.ID, g.ID)

	w := env.do(t, http.MethodPost, "/api/v1/transactions/buy", api.TradeRequest{PlayerID: bob.ID, Symbol: "AAPL", Quantity: 1})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/admin/games/"+g.ID+"/winner", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "game has not ended")

	env.clock.Set(t0.Add(2 * time.Hour))
	w = env.do(t, http.MethodPut, "/api/v1/admin/games/"+g.ID+"/winner", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[ledger.Settlement](t, w)
	assert.Equal(t, alice.ID, res.WinnerID)
	assert.False(t, res.AlreadyDeclared)

	w = env.do(t, http.MethodPut, "/api/v1/admin/games/"+g.ID+"/winner", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[ledger.Settlement](t, w).AlreadyDeclared)

	w = env.do(t, http.MethodGet, "/api/v1/games/"+g.ID+"/portfolio/bob", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := decode[ledger.PortfolioView](t, w)
	assert.Equal(t, "899", view.Cash.String())
	assert.Equal(t, "999", view.LiveValue.String())
}

func TestQuote(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/quotes/aapl", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "AAPL", body["symbol"])

	w = env.do(t, http.MethodGet, "/api/v1/quotes/ZZZZ", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice")
	env.register(t, "bob")

	w := env.do(t, http.MethodPost, "/api/v1/messages/conversations", map[string]string{"player1": "alice", "player2": "bob"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"sender": "alice", "receiver": "bob", "content": "hi"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	env.clock.Set(t0.Add(time.Second))
	w = env.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"sender": "bob", "receiver": "alice", "content": "hello"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/messages?player1=bob&player2=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	msgs := decode[[]model.ChatMessage](t, w)
	require.Len(t, msgs, 2)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, "hello", msgs[1].Content)

	w = env.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"sender": "alice", "receiver": "alice", "content": "me"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/messages", map[string]string{"sender": "alice", "receiver": "nobody", "content": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/messages?player1=alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
