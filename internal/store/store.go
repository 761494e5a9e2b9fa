// Package store persists platform state. The live daemon uses the Postgres
// implementation; tests and backtests use the in-memory one. Local records
// are a cache of intent — during reconciliation the broker snapshot wins, so
// nothing here is allowed to block an order decision on a write failure
// except trade and order mutations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/evertide/swingbot/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Interface is the persistence contract. Implementations must be safe for
// concurrent use; callers may invoke any method from multiple goroutines.
type Interface interface {
	// Strategy lifecycle
	SaveStrategy(ctx context.Context, s *types.Strategy) error
	GetStrategy(ctx context.Context, id string) (*types.Strategy, error)
	ListStrategies(ctx context.Context) ([]types.Strategy, error)

	// Market data
	SaveBars(ctx context.Context, bars []types.Bar) error
	GetBars(ctx context.Context, symbol string, limit int) ([]types.Bar, error)
	GetBarsBetween(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error)

	// Signal audit trail
	SaveSignal(ctx context.Context, s *types.Signal) error
	ListSignals(ctx context.Context, strategyID string, since time.Time) ([]types.Signal, error)

	// Orders
	SaveOrder(ctx context.Context, o *types.Order) error
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*types.Order, error)
	GetOrderByIntentID(ctx context.Context, intentID string) (*types.Order, error)
	ListOpenOrders(ctx context.Context) ([]types.Order, error)

	// Trades
	SaveTrade(ctx context.Context, t *types.Trade) error
	GetTrade(ctx context.Context, id string) (*types.Trade, error)
	ListOpenTrades(ctx context.Context) ([]types.Trade, error)
	OpenTradeForStrategySymbol(ctx context.Context, strategyID, symbol string) (*types.Trade, error)
	ListOpenTradesForStrategy(ctx context.Context, strategyID string) ([]types.Trade, error)
	ListClosedTradesSince(ctx context.Context, since time.Time) ([]types.Trade, error)

	// System state singleton
	GetSystemState(ctx context.Context) (*types.SystemState, error)
	SaveSystemState(ctx context.Context, s *types.SystemState) error

	// Recovery audit
	SaveRecoveryEvent(ctx context.Context, e *types.RecoveryEvent) error
	ListRecoveryEvents(ctx context.Context, limit int) ([]types.RecoveryEvent, error)

	// Scheduled job bookkeeping
	GetJobLastRun(ctx context.Context, name string) (string, error)
	SaveJobLastRun(ctx context.Context, name, date string) error

	// Backtest results
	SaveBacktestRun(ctx context.Context, r *types.BacktestRun) error
	FindBacktestRun(ctx context.Context, strategyName, symbol string, start, end time.Time, digest string) (*types.BacktestRun, error)
	SaveBacktestTrades(ctx context.Context, trades []types.BacktestTrade) error
	SaveEquityPoints(ctx context.Context, points []types.EquityPoint) error
}
