package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/stocksim/league-engine/internal/account"
	"github.com/stocksim/league-engine/internal/chat"
	"github.com/stocksim/league-engine/internal/league"
	"github.com/stocksim/league-engine/internal/ledger"
	"github.com/stocksim/league-engine/internal/model"
	"github.com/stocksim/league-engine/internal/quote"
	"github.com/stocksim/league-engine/internal/store"
	"github.com/stocksim/league-engine/internal/symbol"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("invalid request body")

// decodeJSON reads a single JSON object into dst, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps a service error to its HTTP status. Unclassified
// errors are logged and reported without detail.
func writeDomainError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledger.ErrPlayerNotActive),
		errors.Is(err, ledger.ErrPlayerNotInGame),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInsufficientHoldings),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, symbol.ErrInvalid),
		errors.Is(err, model.ErrInvalid),
		errors.Is(err, account.ErrMissingFields),
		errors.Is(err, league.ErrTimeInPast),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrTooLong),
		errors.Is(err, chat.ErrSamePlayer):
		return http.StatusBadRequest

	case errors.Is(err, ledger.ErrPlayerNotFound),
		errors.Is(err, ledger.ErrGameNotFound),
		errors.Is(err, quote.ErrUnavailable),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, ledger.ErrGameNotEnded),
		errors.Is(err, ledger.ErrGameNotStarted),
		errors.Is(err, ledger.ErrGameEnded),
		errors.Is(err, ledger.ErrNoParticipants),
		errors.Is(err, ledger.ErrConflictingState),
		errors.Is(err, league.ErrGameStarted),
		errors.Is(err, league.ErrAlreadyInGame),
		errors.Is(err, account.ErrDuplicateAccount),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict

	case errors.Is(err, account.ErrInvalidCredentials):
		return http.StatusUnauthorized

	case errors.Is(err, quote.ErrSource):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
