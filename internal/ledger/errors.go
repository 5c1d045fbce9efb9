package ledger

import (
	"errors"

	"github.com/stocksim/league-engine/internal/quote"
	"github.com/stocksim/league-engine/internal/symbol"
)

var (
	ErrPlayerNotFound       = errors.New("player not found")
	ErrPlayerNotActive      = errors.New("player is not in an active game")
	ErrPlayerNotInGame      = errors.New("player is not a participant of this game")
	ErrGameNotFound         = errors.New("game not found")
	ErrGameNotEnded         = errors.New("game has not ended yet")
	ErrGameNotStarted       = errors.New("game has not started yet")
	ErrGameEnded            = errors.New("game has already ended")
	ErrNoParticipants       = errors.New("game has no participants")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidQuantity      = errors.New("quantity must be a positive integer")
	ErrConflictingState     = errors.New("conflicting concurrent modification")
)

// Reason maps an error to a short label for the rejection metric.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, symbol.ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrPlayerNotFound):
		return "player_not_found"
	case errors.Is(err, ErrPlayerNotActive):
		return "not_active"
	case errors.Is(err, ErrGameNotStarted):
		return "game_not_started"
	case errors.Is(err, ErrGameEnded):
		return "game_ended"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, quote.ErrUnavailable):
		return "quote_unavailable"
	case errors.Is(err, quote.ErrSource):
		return "quote_source"
	case errors.Is(err, ErrConflictingState):
		return "conflict"
	default:
		return "internal"
	}
}
