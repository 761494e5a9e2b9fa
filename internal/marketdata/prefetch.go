package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/pkg/types"
)

// Prefetcher warms the watchlist concurrently through a bounded worker pool
// so the daily evaluation starts with every symbol's history in hand.
type Prefetcher struct {
	provider Provider
	pool     *ants.Pool
	logger   *zap.Logger
}

// NewPrefetcher creates a prefetcher backed by a pool of the given size.
func NewPrefetcher(provider Provider, poolSize int, logger *zap.Logger) (*Prefetcher, error) {
	if poolSize <= 0 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	return &Prefetcher{provider: provider, pool: pool, logger: logger.Named("prefetch")}, nil
}

// Release frees the worker pool.
func (p *Prefetcher) Release() { p.pool.Release() }

// Result holds one symbol's fetch outcome.
type Result struct {
	Symbol string
	Bars   []types.Bar
	Err    error
}

// FetchAll fetches history for every symbol. A failed symbol yields a Result
// with Err set; the others are unaffected.
func (p *Prefetcher) FetchAll(ctx context.Context, symbols []string, start, end time.Time) map[string]Result {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]Result, len(symbols))
	)
	for _, symbol := range symbols {
		symbol := symbol
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			bars, err := p.provider.DailyBars(ctx, symbol, start, end)
			mu.Lock()
			out[symbol] = Result{Symbol: symbol, Bars: bars, Err: err}
			mu.Unlock()
			if err != nil {
				p.logger.Warn("prefetch failed", zap.String("symbol", symbol), zap.Error(err))
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			out[symbol] = Result{Symbol: symbol, Err: err}
			mu.Unlock()
		}
	}
	wg.Wait()
	return out
}
