package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/stocksim/league-engine/internal/metrics"
)

// DefaultBaseURL is the public Alpha Vantage endpoint.
const DefaultBaseURL = "https://www.alphavantage.co"

// maxBody caps how much of an upstream response is read.
const maxBody = 1 << 20

// GlobalQuote is the GLOBAL_QUOTE payload. Alpha Vantage sends every field
// as a string keyed by its ordinal label.
type GlobalQuote struct {
	Symbol           string `json:"01. symbol"`
	Open             string `json:"02. open"`
	High             string `json:"03. high"`
	Low              string `json:"04. low"`
	Price            string `json:"05. price"`
	Volume           string `json:"06. volume"`
	LatestTradingDay string `json:"07. latest trading day"`
	PreviousClose    string `json:"08. previous close"`
	Change           string `json:"09. change"`
	ChangePercent    string `json:"10. change percent"`
}

type globalQuoteResponse struct {
	Quote        *GlobalQuote `json:"Global Quote"`
	Note         string       `json:"Note"`
	Information  string       `json:"Information"`
	ErrorMessage string       `json:"Error Message"`
}

// AlphaVantageOptions configures the client.
type AlphaVantageOptions struct {
	BaseURL    string
	APIKey     string
	RPS        float64 // outbound requests per second; <= 0 disables throttling
	Burst      int
	HTTPClient *http.Client
	Logger     *slog.Logger

	// BreakerFailures is the number of consecutive source failures that
	// opens the circuit. Defaults to 5.
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open. Defaults to 30s.
	BreakerCooldown time.Duration
}

// AlphaVantage fetches GLOBAL_QUOTE prices over HTTP.
type AlphaVantage struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// NewAlphaVantage creates a client. The API key is injected, never hardcoded.
func NewAlphaVantage(opts AlphaVantageOptions) *AlphaVantage {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	failures := opts.BreakerFailures
	logger := opts.Logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "alphavantage",
		Interval: 60 * time.Second,
		Timeout:  opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A symbol with no price is a valid answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("quote breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &AlphaVantage{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  opts.HTTPClient,
		limiter: limiter,
		breaker: breaker,
		log:     opts.Logger,
	}
}

// Price returns the latest traded price for symbol.
func (a *AlphaVantage) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	_, price, err := a.quote(ctx, symbol)
	return price, err
}

// Quote returns the full global-quote record for symbol. Its price is a
// positive decimal.
func (a *AlphaVantage) Quote(ctx context.Context, symbol string) (GlobalQuote, error) {
	q, _, err := a.quote(ctx, symbol)
	return q, err
}

// quote fetches through the breaker and validates the price. Each request
// increments exactly one outcome.
func (a *AlphaVantage) quote(ctx context.Context, symbol string) (GlobalQuote, decimal.Decimal, error) {
	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.fetch(ctx, symbol)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.QuoteRequests.WithLabelValues("breaker_open").Inc()
			return GlobalQuote{}, decimal.Zero, fmt.Errorf("%w: %v", ErrSource, err)
		}
		return GlobalQuote{}, decimal.Zero, err
	}
	q := out.(GlobalQuote)

	price, err := decimal.NewFromString(strings.TrimSpace(q.Price))
	if err != nil {
		metrics.QuoteRequests.WithLabelValues("malformed").Inc()
		return GlobalQuote{}, decimal.Zero, fmt.Errorf("%w: malformed price %q for %s", ErrSource, q.Price, symbol)
	}
	if !price.IsPositive() {
		metrics.QuoteRequests.WithLabelValues("unavailable").Inc()
		return GlobalQuote{}, decimal.Zero, fmt.Errorf("%w: non-positive price for %s", ErrUnavailable, symbol)
	}
	metrics.QuoteRequests.WithLabelValues("ok").Inc()
	return q, price, nil
}

func (a *AlphaVantage) fetch(ctx context.Context, symbol string) (GlobalQuote, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			metrics.QuoteRequests.WithLabelValues("throttled").Inc()
			return GlobalQuote{}, fmt.Errorf("%w: rate limit wait: %v", ErrSource, err)
		}
	}

	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", a.apiKey)
	addr := a.baseURL + "/query?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return GlobalQuote{}, fmt.Errorf("%w: build request: %v", ErrSource, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		metrics.QuoteRequests.WithLabelValues("transport_error").Inc()
		return GlobalQuote{}, fmt.Errorf("%w: GET %s: %v", ErrSource, symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.QuoteRequests.WithLabelValues("bad_status").Inc()
		return GlobalQuote{}, fmt.Errorf("%w: GET %s: %s", ErrSource, symbol, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		metrics.QuoteRequests.WithLabelValues("transport_error").Inc()
		return GlobalQuote{}, fmt.Errorf("%w: read %s: %v", ErrSource, symbol, err)
	}

	var payload globalQuoteResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.QuoteRequests.WithLabelValues("malformed").Inc()
		return GlobalQuote{}, fmt.Errorf("%w: decode %s: %v", ErrSource, symbol, err)
	}

	switch {
	case payload.Note != "" || payload.Information != "":
		// Quota notices come back as 200 with a message instead of a quote.
		metrics.QuoteRequests.WithLabelValues("throttled").Inc()
		a.log.Warn("quote provider throttled", "symbol", symbol)
		return GlobalQuote{}, fmt.Errorf("%w: provider notice for %s", ErrSource, symbol)
	case payload.ErrorMessage != "":
		metrics.QuoteRequests.WithLabelValues("bad_request").Inc()
		return GlobalQuote{}, fmt.Errorf("%w: %s", ErrSource, payload.ErrorMessage)
	case payload.Quote == nil || strings.TrimSpace(payload.Quote.Price) == "":
		metrics.QuoteRequests.WithLabelValues("unavailable").Inc()
		return GlobalQuote{}, fmt.Errorf("%w: %s", ErrUnavailable, symbol)
	}
	return *payload.Quote, nil
}
