// Package marketdata fetches daily OHLCV history from the data vendor's REST
// API. Responses are cached for the trading day and calls are throttled
// against the vendor's request budget.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/pkg/types"
)

// Provider supplies daily bar history.
type Provider interface {
	// DailyBars returns bars for symbol in [start, end], ascending by
	// timestamp, strictly monotonic, validated.
	DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error)
}

// Config configures the REST client.
type Config struct {
	BaseURL string
	APIKey  string
	// RequestsPerMinute is the vendor budget; zero disables throttling.
	RequestsPerMinute int
	// CacheTTL bounds how long a fetched range is served from cache.
	CacheTTL time.Duration
	Timeout  time.Duration
}

// Client is the REST implementation of Provider.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *gocache.Cache
	logger *zap.Logger

	mu          sync.Mutex
	windowStart time.Time
	windowCount int
}

var _ Provider = (*Client)(nil)

// NewClient creates a market data client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger: logger.Named("marketdata"),
	}
}

type barPayload struct {
	Timestamp time.Time       `json:"t"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    int64           `json:"v"`
}

type historyPayload struct {
	Symbol string       `json:"symbol"`
	Bars   []barPayload `json:"bars"`
}

// DailyBars fetches a daily bar range, serving repeats from cache.
func (c *Client) DailyBars(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	if err := types.ValidateSymbol(symbol); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s|%s|%s", symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))
	if cached, ok := c.cache.Get(key); ok {
		return cached.([]types.Bar), nil
	}

	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("marketdata: base url: %w", err)
	}
	u.Path += "/v1/daily/" + symbol
	q := u.Query()
	q.Set("start", start.Format("2006-01-02"))
	q.Set("end", end.Format("2006-01-02"))
	u.RawQuery = q.Encode()

	var payload historyPayload
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("marketdata: fetch %s: %w", symbol, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			if attempt > 0 {
				return nil, fmt.Errorf("marketdata: rate limited by vendor for %s", symbol)
			}
			// Honor the vendor's Retry-After once, capped at a minute.
			if err := sleepRetryAfter(ctx, resp.Header.Get("Retry-After")); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("marketdata: %s returned %d: %s", symbol, resp.StatusCode, body)
		}

		err = json.NewDecoder(resp.Body).Decode(&payload)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("marketdata: decode %s: %w", symbol, err)
		}
		break
	}

	bars, err := normalize(symbol, payload.Bars)
	if err != nil {
		return nil, err
	}

	c.cache.Set(key, bars, gocache.DefaultExpiration)
	c.logger.Debug("fetched history",
		zap.String("symbol", symbol),
		zap.Int("bars", len(bars)),
	)
	return bars, nil
}

// sleepRetryAfter waits out a vendor Retry-After header. Missing or
// malformed values fall back to one second; waits are capped at a minute.
func sleepRetryAfter(ctx context.Context, header string) error {
	wait := time.Second
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		wait = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			wait = d
		}
	}
	if wait > time.Minute {
		wait = time.Minute
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// normalize sorts, validates, and enforces strictly monotonic timestamps.
func normalize(symbol string, raw []barPayload) ([]types.Bar, error) {
	bars := make([]types.Bar, 0, len(raw))
	for _, b := range raw {
		bar := types.Bar{
			Symbol:    symbol,
			Timestamp: b.Timestamp.UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
		if err := bar.Validate(); err != nil {
			return nil, fmt.Errorf("marketdata: %w", err)
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("marketdata: %s: duplicate bar at %s", symbol, bars[i].Timestamp)
		}
	}
	return bars, nil
}

// throttle blocks until the per-minute budget admits another request.
func (c *Client) throttle(ctx context.Context) error {
	if c.cfg.RequestsPerMinute <= 0 {
		return nil
	}
	for {
		c.mu.Lock()
		now := time.Now()
		if now.Sub(c.windowStart) >= time.Minute {
			c.windowStart = now
			c.windowCount = 0
		}
		if c.windowCount < c.cfg.RequestsPerMinute {
			c.windowCount++
			c.mu.Unlock()
			return nil
		}
		wait := time.Minute - now.Sub(c.windowStart)
		c.mu.Unlock()

		c.logger.Warn("request budget exhausted, waiting", zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
