// Package quote resolves stock symbols to current prices.
//
// Every call is a fresh, possibly failing round trip: sources never cache
// and never retry. Callers bound the wait with the context they pass in.
package quote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is returned when the upstream has no price for the symbol.
	ErrUnavailable = errors.New("quote: price unavailable")

	// ErrSource is returned on transport failures, non-success responses,
	// malformed payloads, throttling and deadline expiry.
	ErrSource = errors.New("quote: source error")
)

// Source resolves a symbol to its latest traded price. Implementations must
// return a positive price or an error wrapping ErrUnavailable or ErrSource.
type Source interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Static serves prices from a fixed table. Used for development and tests.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStatic creates a static source. The map is copied.
func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: make(map[string]decimal.Decimal, len(prices))}
	for sym, p := range prices {
		s.prices[strings.ToUpper(sym)] = p
	}
	return s
}

// Set replaces the price for symbol.
func (s *Static) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(symbol)] = price
}

// Symbols returns the known symbols in sorted order.
func (s *Static) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.prices))
	for sym := range s.prices {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Static) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrSource, err)
	}
	s.mu.RLock()
	p, ok := s.prices[strings.ToUpper(symbol)]
	s.mu.RUnlock()
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnavailable, symbol)
	}
	return p, nil
}

// ParseStatic parses a "SYM=PRICE,SYM=PRICE" table.
func ParseStatic(table string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(table, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		sym, price, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("static quote %q: expected SYMBOL=PRICE", pair)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil {
			return nil, fmt.Errorf("static quote %q: %w", pair, err)
		}
		if !p.IsPositive() {
			return nil, fmt.Errorf("static quote %q: price must be positive", pair)
		}
		out[strings.ToUpper(strings.TrimSpace(sym))] = p
	}
	return out, nil
}
