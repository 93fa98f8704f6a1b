package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/paperlane/paperlane/internal/retry"
	"github.com/paperlane/paperlane/internal/util"
)

// Alpaca endpoints.
const (
	LiveBaseURL    = "https://api.alpaca.markets"
	PaperBaseURL   = "https://paper-api.alpaca.markets"
	DefaultDataURL = "https://data.alpaca.markets"
)

// IsLiveURL reports whether a base URL points at the live trading API.
func IsLiveURL(baseURL string) bool {
	return strings.Contains(baseURL, LiveBaseURL)
}

// Cache TTLs. Quotes go stale fast; the clock only flips twice a day.
const (
	quoteCacheTTL = 2 * time.Second
	clockCacheTTL = 10 * time.Second
)

// validTimeframes are the bar timeframes GetBars accepts.
var validTimeframes = map[string]bool{
	"1Min":  true,
	"5Min":  true,
	"15Min": true,
	"1Hour": true,
	"1Day":  true,
}

// AlpacaClient talks to the Alpaca Trading and Market Data REST APIs. Read
// paths retry transient failures; all requests pass through a shared rate
// limiter. Quote and clock responses are cached briefly so a bot with many
// symbols does not burn the API budget.
type AlpacaClient struct {
	client   *http.Client
	apiKey   string
	secret   string
	baseURL  string
	dataURL  string
	limiter  *rate.Limiter
	cache    *gocache.Cache
	retryCfg retry.Config
	logger   *log.Logger
}

// AlpacaOption customizes the client.
type AlpacaOption func(*AlpacaClient)

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func WithHTTPClient(c *http.Client) AlpacaOption {
	return func(a *AlpacaClient) {
		if c != nil {
			a.client = c
		}
	}
}

// WithDataURL overrides the market data host (tests).
func WithDataURL(u string) AlpacaOption {
	return func(a *AlpacaClient) {
		if u != "" {
			a.dataURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRateLimit overrides the requests-per-minute budget.
func WithRateLimit(perMinute int) AlpacaOption {
	return func(a *AlpacaClient) {
		if perMinute > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute/10+1)
		}
	}
}

// WithRetryConfig overrides the transient-error retry schedule.
func WithRetryConfig(cfg retry.Config) AlpacaOption {
	return func(a *AlpacaClient) { a.retryCfg = cfg }
}

// NewAlpacaClient creates a client for one set of credentials. An empty
// baseURL defaults to paper trading.
func NewAlpacaClient(apiKey, secret, baseURL string, logger *log.Logger, opts ...AlpacaOption) *AlpacaClient {
	if baseURL == "" {
		baseURL = PaperBaseURL
	}
	a := &AlpacaClient{
		client:   &http.Client{Timeout: 10 * time.Second},
		apiKey:   apiKey,
		secret:   secret,
		baseURL:  strings.TrimRight(baseURL, "/"),
		dataURL:  DefaultDataURL,
		limiter:  rate.NewLimiter(rate.Limit(200.0/60.0), 20),
		cache:    gocache.New(clockCacheTTL, time.Minute),
		retryCfg: retry.DefaultConfig,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ Broker = (*AlpacaClient)(nil)

// ============ Wire structures ============

// floatString decodes Alpaca's string-encoded decimals ("10", "185.42")
// as well as plain JSON numbers and null.
type floatString float64

func (f *floatString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse numeric string %q: %w", s, err)
		}
		*f = floatString(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = floatString(v)
	return nil
}

type accountWire struct {
	ID          string      `json:"id"`
	Equity      floatString `json:"equity"`
	BuyingPower floatString `json:"buying_power"`
	Cash        floatString `json:"cash"`
	Currency    string      `json:"currency"`
}

type clockWire struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
	Timestamp time.Time `json:"timestamp"`
}

type orderWire struct {
	ID             string      `json:"id"`
	ClientOrderID  string      `json:"client_order_id"`
	Symbol         string      `json:"symbol"`
	Side           string      `json:"side"`
	Type           string      `json:"type"`
	TimeInForce    string      `json:"time_in_force"`
	Status         string      `json:"status"`
	Qty            floatString `json:"qty"`
	FilledQty      floatString `json:"filled_qty"`
	FilledAvgPrice floatString `json:"filled_avg_price"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	FilledAt       *time.Time  `json:"filled_at"`
}

func (w *orderWire) toOrder() *Order {
	return &Order{
		ID:             w.ID,
		ClientOrderID:  w.ClientOrderID,
		Symbol:         w.Symbol,
		Side:           w.Side,
		Type:           w.Type,
		TimeInForce:    w.TimeInForce,
		Status:         w.Status,
		Qty:            int(w.Qty),
		FilledQty:      int(w.FilledQty),
		FilledAvgPrice: float64(w.FilledAvgPrice),
		SubmittedAt:    w.SubmittedAt,
		FilledAt:       w.FilledAt,
	}
}

type positionWire struct {
	Symbol        string      `json:"symbol"`
	Qty           floatString `json:"qty"`
	AvgEntryPrice floatString `json:"avg_entry_price"`
	CurrentPrice  floatString `json:"current_price"`
	MarketValue   floatString `json:"market_value"`
	UnrealizedPL  floatString `json:"unrealized_pl"`
}

type quoteWire struct {
	Symbol string `json:"symbol"`
	Quote  struct {
		BidPrice  float64   `json:"bp"`
		AskPrice  float64   `json:"ap"`
		BidSize   int       `json:"bs"`
		AskSize   int       `json:"as"`
		Timestamp time.Time `json:"t"`
	} `json:"quote"`
}

type barsWire struct {
	Bars []struct {
		Timestamp time.Time `json:"t"`
		Open      float64   `json:"o"`
		High      float64   `json:"h"`
		Low       float64   `json:"l"`
		Close     float64   `json:"c"`
		Volume    int64     `json:"v"`
	} `json:"bars"`
	NextPageToken *string `json:"next_page_token"`
}

// ============ Account ============

// GetAccount fetches the account snapshot.
func (a *AlpacaClient) GetAccount(ctx context.Context) (*Account, error) {
	return retry.Do(ctx, a.logger, a.retryCfg, "get_account", func(ctx context.Context) (*Account, error) {
		var wire accountWire
		if err := a.makeRequest(ctx, http.MethodGet, a.baseURL+"/v2/account", nil, nil, &wire); err != nil {
			return nil, err
		}
		return &Account{
			ID:          wire.ID,
			Equity:      float64(wire.Equity),
			BuyingPower: float64(wire.BuyingPower),
			Cash:        float64(wire.Cash),
			Currency:    wire.Currency,
		}, nil
	})
}

// ============ Market data ============

// GetClock fetches the market clock. Responses are cached for a few seconds.
func (a *AlpacaClient) GetClock(ctx context.Context) (*Clock, error) {
	if cached, ok := a.cache.Get("clock"); ok {
		c := cached.(Clock)
		return &c, nil
	}
	return retry.Do(ctx, a.logger, a.retryCfg, "get_clock", func(ctx context.Context) (*Clock, error) {
		var wire clockWire
		if err := a.makeRequest(ctx, http.MethodGet, a.baseURL+"/v2/clock", nil, nil, &wire); err != nil {
			return nil, err
		}
		clock := Clock{
			IsOpen:    wire.IsOpen,
			NextOpen:  wire.NextOpen,
			NextClose: wire.NextClose,
			Timestamp: wire.Timestamp,
		}
		a.cache.Set("clock", clock, clockCacheTTL)
		return &clock, nil
	})
}

// GetLatestQuote fetches the latest top-of-book quote for a symbol.
func (a *AlpacaClient) GetLatestQuote(ctx context.Context, symbol string) (*Quote, error) {
	cacheKey := "quote:" + symbol
	if cached, ok := a.cache.Get(cacheKey); ok {
		q := cached.(Quote)
		return &q, nil
	}
	return retry.Do(ctx, a.logger, a.retryCfg, "get_latest_quote", func(ctx context.Context) (*Quote, error) {
		endpoint := fmt.Sprintf("%s/v2/stocks/%s/quotes/latest", a.dataURL, url.PathEscape(symbol))
		var wire quoteWire
		if err := a.makeRequest(ctx, http.MethodGet, endpoint, nil, nil, &wire); err != nil {
			return nil, err
		}
		quote := Quote{
			Symbol:    symbol,
			BidPrice:  wire.Quote.BidPrice,
			AskPrice:  wire.Quote.AskPrice,
			BidSize:   wire.Quote.BidSize,
			AskSize:   wire.Quote.AskSize,
			Timestamp: wire.Quote.Timestamp,
		}
		a.cache.Set(cacheKey, quote, quoteCacheTTL)
		return &quote, nil
	})
}

// GetLatestPrice returns the bid/ask midpoint rounded to 4 decimals.
func (a *AlpacaClient) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := a.GetLatestQuote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	price := util.MidPrice(quote.BidPrice, quote.AskPrice)
	if price <= 0 {
		return 0, fmt.Errorf("no price available for %s", symbol)
	}
	return price, nil
}

// GetBars fetches up to limit OHLCV bars for a symbol starting at start.
// A zero start lets the broker pick its default window.
func (a *AlpacaClient) GetBars(ctx context.Context, symbol, timeframe string, limit int, start time.Time) ([]Bar, error) {
	if !validTimeframes[timeframe] {
		return nil, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	if limit <= 0 {
		limit = 50
	}
	params := url.Values{}
	params.Set("timeframe", timeframe)
	params.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		params.Set("start", start.UTC().Format(time.RFC3339))
	}

	return retry.Do(ctx, a.logger, a.retryCfg, "get_bars", func(ctx context.Context) ([]Bar, error) {
		endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars", a.dataURL, url.PathEscape(symbol))
		var wire barsWire
		if err := a.makeRequest(ctx, http.MethodGet, endpoint, params, nil, &wire); err != nil {
			return nil, err
		}
		bars := make([]Bar, 0, len(wire.Bars))
		for _, b := range wire.Bars {
			bars = append(bars, Bar{
				Timestamp: b.Timestamp,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			})
		}
		return bars, nil
	})
}

// ============ Orders ============

// SubmitMarketOrder submits a market order. Submissions are never retried:
// a timeout after the request left the process could mean the order exists,
// and a retry would double it. The reconciler resolves that case instead.
func (a *AlpacaClient) SubmitMarketOrder(ctx context.Context, symbol string, qty int, side, timeInForce, clientOrderID string) (*Order, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", qty)
	}
	if side != SideBuy && side != SideSell {
		return nil, fmt.Errorf("invalid side %q", side)
	}
	if timeInForce == "" {
		timeInForce = TimeInForceDay
	}

	body := map[string]string{
		"symbol":          symbol,
		"qty":             strconv.Itoa(qty),
		"side":            side,
		"type":            "market",
		"time_in_force":   timeInForce,
		"client_order_id": clientOrderID,
	}
	var wire orderWire
	if err := a.makeRequest(ctx, http.MethodPost, a.baseURL+"/v2/orders", nil, body, &wire); err != nil {
		return nil, err
	}
	return wire.toOrder(), nil
}

// GetOrder fetches an order by broker order id.
func (a *AlpacaClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return retry.Do(ctx, a.logger, a.retryCfg, "get_order", func(ctx context.Context) (*Order, error) {
		endpoint := a.baseURL + "/v2/orders/" + url.PathEscape(orderID)
		var wire orderWire
		if err := a.makeRequest(ctx, http.MethodGet, endpoint, nil, nil, &wire); err != nil {
			return nil, err
		}
		return wire.toOrder(), nil
	})
}

// CancelOrder requests cancellation of a working order.
func (a *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := a.baseURL + "/v2/orders/" + url.PathEscape(orderID)
	return a.makeRequest(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// ============ Positions ============

// GetPositions fetches all open positions in the account.
func (a *AlpacaClient) GetPositions(ctx context.Context) ([]Position, error) {
	return retry.Do(ctx, a.logger, a.retryCfg, "get_positions", func(ctx context.Context) ([]Position, error) {
		var wire []positionWire
		if err := a.makeRequest(ctx, http.MethodGet, a.baseURL+"/v2/positions", nil, nil, &wire); err != nil {
			return nil, err
		}
		positions := make([]Position, 0, len(wire))
		for _, p := range wire {
			positions = append(positions, Position{
				Symbol:        p.Symbol,
				Qty:           int(p.Qty),
				AvgEntryPrice: float64(p.AvgEntryPrice),
				CurrentPrice:  float64(p.CurrentPrice),
				MarketValue:   float64(p.MarketValue),
				UnrealizedPL:  float64(p.UnrealizedPL),
			})
		}
		return positions, nil
	})
}

// ClosePosition liquidates the whole position for a symbol via a broker-side
// market order and returns that order.
func (a *AlpacaClient) ClosePosition(ctx context.Context, symbol string) (*Order, error) {
	endpoint := a.baseURL + "/v2/positions/" + url.PathEscape(symbol)
	var wire orderWire
	if err := a.makeRequest(ctx, http.MethodDelete, endpoint, nil, nil, &wire); err != nil {
		return nil, err
	}
	return wire.toOrder(), nil
}

// ============ HTTP plumbing ============

func (a *AlpacaClient) makeRequest(ctx context.Context, method, endpoint string, params url.Values, body any, response any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	if params != nil {
		endpoint = endpoint + "?" + params.Encode()
	}

	var reqBody io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.secret)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil && a.logger != nil {
			a.logger.Printf("Failed to close response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(raw))}
	}

	if response == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
