package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stocksim/league-engine/internal/ledger"
	"github.com/stocksim/league-engine/internal/quote"
	"github.com/stocksim/league-engine/internal/symbol"
)

type registerPlayerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type joinRequest struct {
	PlayerID string `json:"playerId"`
	GameID   string `json:"gameId"`
}

// TradeRequest is the body of POST /transactions/buy and /transactions/sell.
type TradeRequest struct {
	PlayerID string `json:"playerId"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// TradeEvent is published for every executed trade.
type TradeEvent struct {
	TransactionID string          `json:"transaction_id"`
	PlayerID      string          `json:"player_id"`
	Username      string          `json:"username"`
	Type          string          `json:"type"`
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
}

// POST /api/v1/players/register
func (s *Server) registerPlayer(w http.ResponseWriter, r *http.Request) {
	var req registerPlayerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	p, err := s.accounts.RegisterPlayer(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// POST /api/v1/players/login
func (s *Server) loginPlayer(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	p, err := s.accounts.LoginPlayer(r.Context(), req.Username, req.Password)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// POST /api/v1/players/join
func (s *Server) joinGame(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	p, err := s.league.Join(r.Context(), req.PlayerID, req.GameID)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GET /api/v1/players/{playerID}/transactions?game=
func (s *Server) transactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.valuation.Transactions(r.Context(), chi.URLParam(r, "playerID"), r.URL.Query().Get("game"))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// GET /api/v1/players/{playerID}/history
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.valuation.History(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// GET /api/v1/players/{playerID}/notifications
func (s *Server) notifications(w http.ResponseWriter, r *http.Request) {
	notes, err := s.accounts.Notifications(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// POST /api/v1/transactions/buy
func (s *Server) buy(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.trades.Buy)
}

// POST /api/v1/transactions/sell
func (s *Server) sell(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.trades.Sell)
}

type tradeFunc func(ctx context.Context, playerID, sym string, quantity int64) (*ledger.TradeResult, error)

func (s *Server) trade(w http.ResponseWriter, r *http.Request, exec tradeFunc) {
	var req TradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	if strings.TrimSpace(req.PlayerID) == "" {
		writeError(w, "playerId is required", http.StatusBadRequest)
		return
	}
	res, err := exec(r.Context(), req.PlayerID, req.Symbol, req.Quantity)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}

	tx := res.Transaction
	s.hub.Publish(EventTradeExecuted, TradeEvent{
		TransactionID: tx.ID,
		PlayerID:      tx.PlayerID,
		Username:      tx.Username,
		Type:          tx.Type,
		Symbol:        tx.Symbol,
		Quantity:      tx.Quantity,
		UnitPrice:     tx.UnitPrice,
	})
	writeJSON(w, http.StatusOK, res)
}

type globalQuoter interface {
	Quote(ctx context.Context, symbol string) (quote.GlobalQuote, error)
}

type priceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// GET /api/v1/quotes/{symbol}
// Returns the full GLOBAL_QUOTE record when the provider has one, otherwise
// just the latest price.
func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	sym, err := symbol.Normalize(chi.URLParam(r, "symbol"))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	if q, ok := s.quotes.(globalQuoter); ok {
		gq, err := q.Quote(r.Context(), sym)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, gq)
		return
	}
	price, err := s.quotes.Price(r.Context(), sym)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{Symbol: sym, Price: price})
}
