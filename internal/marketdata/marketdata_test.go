package marketdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func historyHandler(hits *int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		payload := map[string]any{
			"symbol": "AAPL",
			"bars": []map[string]any{
				{"t": "2024-03-05T21:00:00Z", "o": "100", "h": "102", "l": "99", "c": "101", "v": 1000},
				{"t": "2024-03-04T21:00:00Z", "o": "99", "h": "100", "l": "98", "c": "100", "v": 900},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func TestDailyBarsFetchSortAndCache(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(historyHandler(&hits))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"}, zap.NewNop())
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)

	bars, err := c.DailyBars(context.Background(), "AAPL", start, end)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Timestamp.Before(bars[1].Timestamp), "bars sorted ascending")
	assert.Equal(t, "AAPL", bars[0].Symbol)

	// Second identical request served from cache.
	_, err = c.DailyBars(context.Background(), "AAPL", start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&hits))
}

func TestDailyBarsRejectsBadSymbol(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused", APIKey: "k"}, zap.NewNop())
	_, err := c.DailyBars(context.Background(), "bad symbol", time.Now(), time.Now())
	assert.Error(t, err)
}

func TestDailyBarsVendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, zap.NewNop())
	_, err := c.DailyBars(context.Background(), "AAPL", time.Now().AddDate(0, 0, -5), time.Now())
	assert.Error(t, err)
}

func TestDailyBarsRetriesOnceAfterRateLimit(t *testing.T) {
	var hits int64
	inner := historyHandler(&hits)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt64(&hits) == 0 {
			atomic.AddInt64(&hits, 1)
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		inner(w, r)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"}, zap.NewNop())
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)

	bars, err := c.DailyBars(context.Background(), "AAPL", start, end)
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.Equal(t, int64(2), atomic.LoadInt64(&hits), "one retry after the 429")
}

func TestDailyBarsGivesUpOnRepeatedRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, zap.NewNop())
	_, err := c.DailyBars(context.Background(), "AAPL", time.Now().AddDate(0, 0, -5), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestDailyBarsRejectsDuplicateTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"symbol": "AAPL",
			"bars": []map[string]any{
				{"t": "2024-03-05T21:00:00Z", "o": "100", "h": "102", "l": "99", "c": "101", "v": 1000},
				{"t": "2024-03-05T21:00:00Z", "o": "100", "h": "102", "l": "99", "c": "101", "v": 1000},
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, zap.NewNop())
	_, err := c.DailyBars(context.Background(), "AAPL", time.Now().AddDate(0, 0, -5), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate bar")
}

func TestPrefetcherFetchesWholeWatchlist(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(historyHandler(&hits))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "test-key"}, zap.NewNop())
	pf, err := NewPrefetcher(c, 4, zap.NewNop())
	require.NoError(t, err)
	defer pf.Release()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)
	results := pf.FetchAll(context.Background(), []string{"AAPL", "MSFT", "NVDA"}, start, end)

	require.Len(t, results, 3)
	for _, sym := range []string{"AAPL", "MSFT", "NVDA"} {
		res := results[sym]
		require.NoError(t, res.Err, sym)
		assert.Len(t, res.Bars, 2)
	}
}
