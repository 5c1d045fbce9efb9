// Package model defines the core domain types shared across the league engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Trade sides.
const (
	TradeBuy  = "buy"
	TradeSell = "sell"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("model: invalid document")

// Holding is a position in one stock symbol.
type Holding struct {
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"` // quantity-weighted buy price
	LastPrice   decimal.Decimal `json:"last_price"`   // unit price at the last trade of this symbol
}

// Portfolio is the cash and holdings a player trades with during a game.
type Portfolio struct {
	Cash     decimal.Decimal `json:"cash"`
	Holdings []Holding       `json:"holdings"`
}

// Find returns the index of the holding for symbol.
func (p *Portfolio) Find(symbol string) (int, bool) {
	for i := range p.Holdings {
		if p.Holdings[i].Symbol == symbol {
			return i, true
		}
	}
	return -1, false
}

// Clone returns a deep copy.
func (p Portfolio) Clone() Portfolio {
	out := Portfolio{Cash: p.Cash, Holdings: make([]Holding, len(p.Holdings))}
	copy(out.Holdings, p.Holdings)
	return out
}

// Validate checks the money and quantity invariants.
func (p Portfolio) Validate() error {
	if p.Cash.IsNegative() {
		return fmt.Errorf("%w: negative cash %s", ErrInvalid, p.Cash)
	}
	seen := make(map[string]bool, len(p.Holdings))
	for _, h := range p.Holdings {
		if h.Quantity <= 0 {
			return fmt.Errorf("%w: holding %s has quantity %d", ErrInvalid, h.Symbol, h.Quantity)
		}
		if seen[h.Symbol] {
			return fmt.Errorf("%w: duplicate holding %s", ErrInvalid, h.Symbol)
		}
		seen[h.Symbol] = true
	}
	return nil
}

// PortfolioSnapshot is an immutable copy of a portfolio taken immediately
// before a trade was applied.
type PortfolioSnapshot struct {
	Cash     decimal.Decimal `json:"cash"`
	Holdings []Holding       `json:"holdings"`
	TakenAt  time.Time       `json:"taken_at"`
}

// Transaction is an immutable record of one executed trade.
type Transaction struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"` // "buy" or "sell"
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TotalCost decimal.Decimal `json:"total_cost"` // unit price * quantity, fee excluded
	Fee       decimal.Decimal `json:"fee"`
	PlayerID  string          `json:"player_id"`
	Username  string          `json:"username"`
}

// Player is a registered participant. A player owns exactly one portfolio,
// reset every time they join a game.
type Player struct {
	ID            string              `json:"id"`
	Username      string              `json:"username"`
	Email         string              `json:"email"`
	PasswordHash  string              `json:"-"`
	FullName      string              `json:"full_name"`
	Portfolio     Portfolio           `json:"portfolio"`
	History       []PortfolioSnapshot `json:"history"`
	Transactions  []Transaction       `json:"transactions"`
	Active        bool                `json:"active"`
	GameID        string              `json:"game_id,omitempty"`
	Watchlist     []string            `json:"watchlist"`
	Notifications []string            `json:"notifications"`
	GamesWon      int                 `json:"games_won"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	Version       int64               `json:"version"`
}

// Clone returns a deep copy so stores never share slices with callers.
func (p *Player) Clone() *Player {
	c := *p
	c.Portfolio = p.Portfolio.Clone()
	c.History = make([]PortfolioSnapshot, len(p.History))
	for i, s := range p.History {
		s.Holdings = append([]Holding(nil), s.Holdings...)
		c.History[i] = s
	}
	c.Transactions = append([]Transaction(nil), p.Transactions...)
	c.Watchlist = append([]string(nil), p.Watchlist...)
	c.Notifications = append([]string(nil), p.Notifications...)
	return &c
}

// Validate is called by stores before every write.
func (p *Player) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: player id is required", ErrInvalid)
	}
	if strings.TrimSpace(p.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrInvalid)
	}
	if strings.TrimSpace(p.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalid)
	}
	if p.Active && p.GameID == "" {
		return fmt.Errorf("%w: active player %s has no game", ErrInvalid, p.ID)
	}
	return p.Portfolio.Validate()
}

// Game is a time-boxed competition.
type Game struct {
	ID             string          `json:"id"`
	StartingTime   time.Time       `json:"starting_time"`
	EndTime        time.Time       `json:"end_time"`
	StartingAmount decimal.Decimal `json:"starting_amount"`
	Players        []string        `json:"players"` // player IDs in join order
	Winner         *string         `json:"winner,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Version        int64           `json:"version"`
}

// Clone returns a deep copy.
func (g *Game) Clone() *Game {
	c := *g
	c.Players = append([]string(nil), g.Players...)
	if g.Winner != nil {
		w := *g.Winner
		c.Winner = &w
	}
	return &c
}

// HasPlayer reports whether playerID joined the game.
func (g *Game) HasPlayer(playerID string) bool {
	for _, id := range g.Players {
		if id == playerID {
			return true
		}
	}
	return false
}

// Started reports whether the game has started at t.
func (g *Game) Started(t time.Time) bool { return !t.Before(g.StartingTime) }

// Ended reports whether the game has ended at t.
func (g *Game) Ended(t time.Time) bool { return !t.Before(g.EndTime) }

// Validate is called by stores before every write.
func (g *Game) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: game id is required", ErrInvalid)
	}
	if g.StartingTime.IsZero() || g.EndTime.IsZero() {
		return fmt.Errorf("%w: starting and end time are required", ErrInvalid)
	}
	if !g.EndTime.After(g.StartingTime) {
		return fmt.Errorf("%w: end time must be after starting time", ErrInvalid)
	}
	if !g.StartingAmount.IsPositive() {
		return fmt.Errorf("%w: starting amount must be positive", ErrInvalid)
	}
	seen := make(map[string]bool, len(g.Players))
	for _, id := range g.Players {
		if seen[id] {
			return fmt.Errorf("%w: player %s joined twice", ErrInvalid, id)
		}
		seen[id] = true
	}
	if g.Winner != nil && !seen[*g.Winner] {
		return fmt.Errorf("%w: winner %s is not a participant", ErrInvalid, *g.Winner)
	}
	return nil
}

// Admin manages games.
type Admin struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate is called by stores before every write.
func (a *Admin) Validate() error {
	if a.ID == "" || strings.TrimSpace(a.Username) == "" || strings.TrimSpace(a.Email) == "" {
		return fmt.Errorf("%w: admin id, username and email are required", ErrInvalid)
	}
	return nil
}

// ChatMessage is one message in a conversation.
type ChatMessage struct {
	Sender    string    `json:"sender"` // username
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the message thread between two players.
type Conversation struct {
	ID       string        `json:"id"`
	Player1  string        `json:"player1"`
	Player2  string        `json:"player2"`
	Messages []ChatMessage `json:"messages"`
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = append([]ChatMessage(nil), c.Messages...)
	return &out
}

// Validate is called by stores before every write.
func (c *Conversation) Validate() error {
	if c.ID == "" || c.Player1 == "" || c.Player2 == "" {
		return fmt.Errorf("%w: conversation id and both players are required", ErrInvalid)
	}
	return nil
}
