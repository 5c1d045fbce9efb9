// Package ledger applies trades to player portfolios and values them.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocksim/league-engine/internal/lock"
	"github.com/stocksim/league-engine/internal/metrics"
	"github.com/stocksim/league-engine/internal/model"
	"github.com/stocksim/league-engine/internal/quote"
	"github.com/stocksim/league-engine/internal/store"
	"github.com/stocksim/league-engine/internal/symbol"
)

// DefaultFee is the flat commission charged on every trade.
var DefaultFee = decimal.NewFromInt(1)

// DefaultQuoteTimeout bounds a single price lookup.
const DefaultQuoteTimeout = 5 * time.Second

// Options configures an Executor. Zero values select the defaults.
type Options struct {
	Fee          *decimal.Decimal // nil selects DefaultFee
	QuoteTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// TradeResult is returned by a successful buy or sell.
type TradeResult struct {
	Transaction model.Transaction `json:"transaction"`
	Cash        decimal.Decimal   `json:"cash"`
	Holding     *model.Holding    `json:"holding,omitempty"` // nil once the position is closed
}

// Executor applies buy and sell orders to a single player's portfolio.
//
// A trade checks the player and its game window without the lock, fetches the
// price outside the lock, then takes the player lock, reloads, re-validates and
// persists the staged document in one write. Trading is open from the game's
// starting time until, but not including, its end time.
type Executor struct {
	store        store.Store
	quotes       quote.Source
	locker       lock.Locker
	fee          decimal.Decimal
	quoteTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// NewExecutor creates a trade executor.
func NewExecutor(st store.Store, quotes quote.Source, locker lock.Locker, opts Options) *Executor {
	fee := DefaultFee
	if opts.Fee != nil {
		fee = *opts.Fee
	}
	if opts.QuoteTimeout <= 0 {
		opts.QuoteTimeout = DefaultQuoteTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		store:        st,
		quotes:       quotes,
		locker:       locker,
		fee:          fee,
		quoteTimeout: opts.QuoteTimeout,
		now:          opts.Now,
		log:          opts.Logger,
	}
}

// Fee returns the flat commission charged per trade.
func (e *Executor) Fee() decimal.Decimal { return e.fee }

// Buy purchases quantity shares of sym at the current quote.
func (e *Executor) Buy(ctx context.Context, playerID, sym string, quantity int64) (*TradeResult, error) {
	return e.execute(ctx, model.TradeBuy, playerID, sym, quantity)
}

// Sell disposes of quantity shares of sym at the current quote.
func (e *Executor) Sell(ctx context.Context, playerID, sym string, quantity int64) (*TradeResult, error) {
	return e.execute(ctx, model.TradeSell, playerID, sym, quantity)
}

func (e *Executor) execute(ctx context.Context, side, playerID, raw string, quantity int64) (res *TradeResult, err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			metrics.TradeRejections.WithLabelValues(side, Reason(err)).Inc()
			e.log.Info("trade rejected", "side", side, "player_id", playerID, "symbol", raw, "quantity", quantity, "error", err)
			return
		}
		metrics.TradesTotal.WithLabelValues(side).Inc()
		metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	}()

	if quantity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	sym, err := symbol.Normalize(raw)
	if err != nil {
		return nil, err
	}

	// Cheap pre-check: an unknown or inactive player, or a closed game, costs
	// no quote.
	p, err := e.activePlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if err := e.checkWindow(ctx, e.store.GetGame, p.GameID, e.now()); err != nil {
		return nil, err
	}

	price, err := e.price(ctx, sym)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(ctx, lock.PlayerKey(playerID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflictingState, err)
	}
	defer unlock()

	p, err = e.activePlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if err := e.checkWindow(ctx, e.store.GetGameLatest, p.GameID, now); err != nil {
		return nil, err
	}

	tx, err := applyTrade(p, side, sym, quantity, price, e.fee, now, uuid.NewString())
	if err != nil {
		return nil, err
	}

	if err := e.store.SavePlayer(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrConflictingState, err)
		}
		return nil, fmt.Errorf("persist trade: %w", err)
	}

	e.log.Info("trade executed",
		"trade_id", tx.ID,
		"side", side,
		"player_id", p.ID,
		"symbol", sym,
		"quantity", quantity,
		"unit_price", price.String(),
		"cash", p.Portfolio.Cash.String(),
	)

	res = &TradeResult{Transaction: tx, Cash: p.Portfolio.Cash}
	if i, ok := p.Portfolio.Find(sym); ok {
		h := p.Portfolio.Holdings[i]
		res.Holding = &h
	}
	return res, nil
}

func (e *Executor) activePlayer(ctx context.Context, playerID string) (*model.Player, error) {
	p, err := e.store.GetPlayer(ctx, playerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
		}
		return nil, fmt.Errorf("load player %s: %w", playerID, err)
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: %s", ErrPlayerNotActive, p.Username)
	}
	return p, nil
}

// checkWindow rejects a trade in gameID at now unless the game is running.
func (e *Executor) checkWindow(ctx context.Context, get gameGetter, gameID string, now time.Time) error {
	g, err := loadGame(ctx, get, gameID)
	if err != nil {
		return err
	}
	if !g.Started(now) {
		return fmt.Errorf("%w: starts at %s", ErrGameNotStarted, g.StartingTime.Format(time.RFC3339))
	}
	if g.Ended(now) {
		return fmt.Errorf("%w: ended at %s", ErrGameEnded, g.EndTime.Format(time.RFC3339))
	}
	return nil
}

type priceResult struct {
	price decimal.Decimal
	err   error
}

// price fetches a fresh quote within the executor's deadline. A source that
// ignores its context still cannot hold the trade past the deadline.
func (e *Executor) price(ctx context.Context, sym string) (decimal.Decimal, error) {
	return fetchPrice(ctx, e.quotes, sym, e.quoteTimeout)
}

func fetchPrice(ctx context.Context, src quote.Source, sym string, timeout time.Duration) (decimal.Decimal, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan priceResult, 1)
	go func() {
		p, err := src.Price(qctx, sym)
		ch <- priceResult{p, err}
	}()

	var r priceResult
	select {
	case r = <-ch:
	case <-qctx.Done():
		return decimal.Zero, fmt.Errorf("%w: %s: %v", quote.ErrSource, sym, qctx.Err())
	}

	switch {
	case r.err == nil && !r.price.IsPositive():
		return decimal.Zero, fmt.Errorf("%w: non-positive price for %s", quote.ErrUnavailable, sym)
	case r.err == nil:
		return r.price, nil
	case errors.Is(r.err, quote.ErrUnavailable), errors.Is(r.err, quote.ErrSource):
		return decimal.Zero, r.err
	default:
		return decimal.Zero, fmt.Errorf("%w: %v", quote.ErrSource, r.err)
	}
}

// applyTrade stages a trade on p in memory. On error p is left untouched.
func applyTrade(p *model.Player, side, sym string, quantity int64, price, fee decimal.Decimal, at time.Time, txID string) (model.Transaction, error) {
	qty := decimal.NewFromInt(quantity)
	total := price.Mul(qty)
	pf := &p.Portfolio
	idx, held := pf.Find(sym)

	switch side {
	case model.TradeBuy:
		if held && pf.Holdings[idx].Quantity > math.MaxInt64-quantity {
			return model.Transaction{}, fmt.Errorf("%w: position in %s would exceed %d shares", ErrInvalidQuantity, sym, int64(math.MaxInt64))
		}
		if pf.Cash.LessThan(total.Add(fee)) {
			return model.Transaction{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, total.Add(fee), pf.Cash)
		}
	case model.TradeSell:
		if !held || pf.Holdings[idx].Quantity < quantity {
			return model.Transaction{}, fmt.Errorf("%w: %s", ErrInsufficientHoldings, sym)
		}
		// Cash never goes negative, even when the proceeds do not cover the fee.
		if pf.Cash.Sub(fee).Add(total).IsNegative() {
			return model.Transaction{}, fmt.Errorf("%w: proceeds %s do not cover fee %s", ErrInsufficientFunds, total, fee)
		}
	default:
		return model.Transaction{}, fmt.Errorf("unknown trade side %q", side)
	}

	// Snapshot first: history holds the portfolio as it was before the trade.
	snap := pf.Clone()
	p.History = append(p.History, model.PortfolioSnapshot{Cash: snap.Cash, Holdings: snap.Holdings, TakenAt: at})

	pf.Cash = pf.Cash.Sub(fee)
	if side == model.TradeBuy {
		pf.Cash = pf.Cash.Sub(total)
		if held {
			h := &pf.Holdings[idx]
			cost := h.AverageCost.Mul(decimal.NewFromInt(h.Quantity)).Add(total)
			h.Quantity += quantity
			h.AverageCost = cost.Div(decimal.NewFromInt(h.Quantity))
			h.LastPrice = price
		} else {
			pf.Holdings = append(pf.Holdings, model.Holding{
				Symbol:      sym,
				Quantity:    quantity,
				AverageCost: price,
				LastPrice:   price,
			})
		}
	} else {
		pf.Cash = pf.Cash.Add(total)
		h := &pf.Holdings[idx]
		h.Quantity -= quantity
		if h.Quantity == 0 {
			pf.Holdings = append(pf.Holdings[:idx], pf.Holdings[idx+1:]...)
		} else {
			h.LastPrice = price
		}
	}

	tx := model.Transaction{
		ID:        txID,
		Type:      side,
		Timestamp: at,
		Symbol:    sym,
		Quantity:  quantity,
		UnitPrice: price,
		TotalCost: total,
		Fee:       fee,
		PlayerID:  p.ID,
		Username:  p.Username,
	}
	p.Transactions = append(p.Transactions, tx)
	return tx, nil
}
