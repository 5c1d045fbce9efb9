package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func validPlayer() *Player {
	return &Player{
		ID:       "p1",
		Username: "alice",
		Email:    "alice@example.com",
		Portfolio: Portfolio{
			Cash:     decimal.NewFromInt(100),
			Holdings: []Holding{{Symbol: "AAPL", Quantity: 2}},
		},
	}
}

func TestPlayerValidate(t *testing.T) {
	assert.NoError(t, validPlayer().Validate())

	tests := map[string]func(p *Player){
		"missing id":          func(p *Player) { p.ID = "" },
		"blank username":      func(p *Player) { p.Username = "  " },
		"missing email":       func(p *Player) { p.Email = "" },
		"active without game": func(p *Player) { p.Active = true },
		"negative cash":       func(p *Player) { p.Portfolio.Cash = decimal.NewFromInt(-1) },
		"zero quantity":       func(p *Player) { p.Portfolio.Holdings[0].Quantity = 0 },
		"duplicate holding": func(p *Player) {
			p.Portfolio.Holdings = append(p.Portfolio.Holdings, Holding{Symbol: "AAPL", Quantity: 1})
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := validPlayer()
			mutate(p)
			assert.ErrorIs(t, p.Validate(), ErrInvalid)
		})
	}
}

func TestPlayerCloneIsDeep(t *testing.T) {
	p := validPlayer()
	p.Notifications = []string{"hello"}
	p.History = []PortfolioSnapshot{{Holdings: []Holding{{Symbol: "AAPL", Quantity: 1}}}}

	c := p.Clone()
	c.Portfolio.Holdings[0].Quantity = 99
	c.Notifications[0] = "changed"
	c.History[0].Holdings[0].Quantity = 99

	assert.Equal(t, int64(2), p.Portfolio.Holdings[0].Quantity)
	assert.Equal(t, "hello", p.Notifications[0])
	assert.Equal(t, int64(1), p.History[0].Holdings[0].Quantity)
}

func TestGameValidate(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	valid := func() *Game {
		return &Game{
			ID:             "g1",
			StartingTime:   t0,
			EndTime:        t0.Add(time.Hour),
			StartingAmount: decimal.NewFromInt(1000),
			Players:        []string{"a", "b"},
		}
	}
	assert.NoError(t, valid().Validate())

	outsider := "c"
	tests := map[string]func(g *Game){
		"end before start":       func(g *Game) { g.EndTime = t0 },
		"zero amount":            func(g *Game) { g.StartingAmount = decimal.Zero },
		"player twice":           func(g *Game) { g.Players = []string{"a", "a"} },
		"winner not participant": func(g *Game) { g.Winner = &outsider },
		"missing time":           func(g *Game) { g.StartingTime = time.Time{} },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			g := valid()
			mutate(g)
			assert.ErrorIs(t, g.Validate(), ErrInvalid)
		})
	}
}

func TestGameWindow(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g := &Game{StartingTime: t0, EndTime: t0.Add(time.Hour), Players: []string{"a"}}

	assert.False(t, g.Started(t0.Add(-time.Second)))
	assert.True(t, g.Started(t0))
	assert.False(t, g.Ended(t0.Add(59*time.Minute)))
	assert.True(t, g.Ended(t0.Add(time.Hour)))
	assert.True(t, g.HasPlayer("a"))
	assert.False(t, g.HasPlayer("b"))
}

func TestPortfolioFind(t *testing.T) {
	p := validPlayer().Portfolio
	i, ok := p.Find("AAPL")
	assert.True(t, ok)
	assert.Equal(t, 0, i)
	_, ok = p.Find("MSFT")
	assert.False(t, ok)
}
