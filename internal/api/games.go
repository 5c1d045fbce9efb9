package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type registerAdminRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

// CreateGameRequest is the body of POST /admin/games. Times are RFC 3339.
type CreateGameRequest struct {
	StartingTime   time.Time       `json:"startingTime"`
	EndTime        time.Time       `json:"endTime"`
	StartingAmount decimal.Decimal `json:"startingAmount"`
}

type startingTimeRequest struct {
	StartingTime time.Time `json:"startingTime"`
}

type startingAmountRequest struct {
	StartingAmount decimal.Decimal `json:"startingAmount"`
}

// GET /api/v1/games/{gameID}
func (s *Server) getGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.league.Get(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// GET /api/v1/games/{gameID}/leaderboard
func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.valuation.Leaderboard(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// GET /api/v1/games/{gameID}/portfolio/{username}
func (s *Server) portfolio(w http.ResponseWriter, r *http.Request) {
	view, err := s.valuation.Portfolio(r.Context(), chi.URLParam(r, "gameID"), chi.URLParam(r, "username"))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// POST /api/v1/admin/register
func (s *Server) registerAdmin(w http.ResponseWriter, r *http.Request) {
	var req registerAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	a, err := s.accounts.RegisterAdmin(r.Context(), req.Username, req.Email, req.Password, req.FullName)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// POST /api/v1/admin/login
func (s *Server) loginAdmin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	a, err := s.accounts.LoginAdmin(r.Context(), req.Username, req.Password)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// POST /api/v1/admin/games
func (s *Server) createGame(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	g, err := s.league.Create(r.Context(), req.StartingTime, req.EndTime, req.StartingAmount)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	s.hub.Publish(EventGameCreated, g)
	writeJSON(w, http.StatusCreated, g)
}

// GET /api/v1/admin/games/active
func (s *Server) activeGames(w http.ResponseWriter, r *http.Request) {
	games, err := s.league.Active(r.Context())
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, games)
}

// PUT /api/v1/admin/games/{gameID}/starting-time
func (s *Server) editStartingTime(w http.ResponseWriter, r *http.Request) {
	var req startingTimeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	g, err := s.league.EditStartingTime(r.Context(), chi.URLParam(r, "gameID"), req.StartingTime)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// PUT /api/v1/admin/games/{gameID}/starting-amount
func (s *Server) editStartingAmount(w http.ResponseWriter, r *http.Request) {
	var req startingAmountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	g, err := s.league.EditStartingAmount(r.Context(), chi.URLParam(r, "gameID"), req.StartingAmount)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// PUT /api/v1/admin/games/{gameID}/winner
// Declaring an already settled game returns the recorded winner unchanged.
func (s *Server) declareWinner(w http.ResponseWriter, r *http.Request) {
	res, err := s.valuation.DeclareWinner(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	if !res.AlreadyDeclared {
		s.hub.Publish(EventWinnerDeclared, res)
	}
	writeJSON(w, http.StatusOK, res)
}
