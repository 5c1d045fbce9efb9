// Package api exposes the league over HTTP and WebSocket.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stocksim/league-engine/internal/account"
	"github.com/stocksim/league-engine/internal/chat"
	"github.com/stocksim/league-engine/internal/league"
	"github.com/stocksim/league-engine/internal/ledger"
	"github.com/stocksim/league-engine/internal/metrics"
	"github.com/stocksim/league-engine/internal/quote"
)

// Services are the dependencies of the HTTP layer.
type Services struct {
	Accounts  *account.Service
	League    *league.Service
	Trades    *ledger.Executor
	Valuation *ledger.Valuation
	Chat      *chat.Service
	Quotes    quote.Source
	Hub       *Hub // nil disables event publishing and /ws

	// StaticDir, when set, is served at / for the web client.
	StaticDir string
	Logger    *slog.Logger
}

// Server routes requests to the league services.
type Server struct {
	accounts  *account.Service
	league    *league.Service
	trades    *ledger.Executor
	valuation *ledger.Valuation
	chat      *chat.Service
	quotes    quote.Source
	hub       *Hub
	staticDir string
	log       *slog.Logger
}

// NewServer creates the HTTP layer.
func NewServer(s Services) *Server {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		accounts:  s.Accounts,
		league:    s.League,
		trades:    s.Trades,
		valuation: s.Valuation,
		chat:      s.Chat,
		quotes:    s.Quotes,
		hub:       s.Hub,
		staticDir: s.StaticDir,
		log:       logger,
	}
}

// Handler returns the full router including middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "league-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The upgrade must not sit behind the request timeout.
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/players/register", s.registerPlayer)
			r.Post("/players/login", s.loginPlayer)
			r.Post("/players/join", s.joinGame)
			r.Get("/players/{playerID}/transactions", s.transactions)
			r.Get("/players/{playerID}/history", s.history)
			r.Get("/players/{playerID}/notifications", s.notifications)

			r.Post("/transactions/buy", s.buy)
			r.Post("/transactions/sell", s.sell)

			r.Get("/games/{gameID}", s.getGame)
			r.Get("/games/{gameID}/leaderboard", s.leaderboard)
			r.Get("/games/{gameID}/portfolio/{username}", s.portfolio)

			r.Get("/quotes/{symbol}", s.getQuote)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/register", s.registerAdmin)
				r.Post("/login", s.loginAdmin)
				r.Post("/games", s.createGame)
				r.Get("/games/active", s.activeGames)
				r.Put("/games/{gameID}/starting-time", s.editStartingTime)
				r.Put("/games/{gameID}/starting-amount", s.editStartingAmount)
				r.Put("/games/{gameID}/winner", s.declareWinner)
			})

			r.Post("/messages/conversations", s.openConversation)
			r.Post("/messages", s.sendMessage)
			r.Get("/messages", s.messageHistory)
		})
	})

	if s.staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}
	return r
}

// cors allows the browser client to call the API from another origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// OnSettled publishes a settlement produced outside a request, such as by
// the background sweeper.
func (s *Server) OnSettled(res *ledger.Settlement) {
	s.hub.Publish(EventWinnerDeclared, res)
}
