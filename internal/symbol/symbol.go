// Package symbol handles stock ticker parsing and normalization.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches: {ticker}[.{exchange}]
// Examples: AAPL, BRK-B, TSCO.LON
var symbolRegex = regexp.MustCompile(`^([A-Z][A-Z0-9\-]{0,9})(?:\.([A-Z]{1,4}))?$`)

var ErrInvalid = errors.New("symbol: invalid stock symbol")

// Symbol is a parsed stock symbol.
type Symbol struct {
	Raw      string `json:"symbol"`
	Ticker   string `json:"ticker"`
	Exchange string `json:"exchange,omitempty"` // empty for US listings
}

// Parse trims and upper-cases raw, then validates it.
func Parse(raw string) (Symbol, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	matches := symbolRegex.FindStringSubmatch(s)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected TICKER or TICKER.EXCHANGE)", ErrInvalid, raw)
	}
	return Symbol{Raw: s, Ticker: matches[1], Exchange: matches[2]}, nil
}

// Normalize returns the canonical form of raw.
func Normalize(raw string) (string, error) {
	s, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return s.Raw, nil
}
