package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/evertide/swingbot/pkg/types"
)

// Memory implements Interface in process memory. Backtests and tests use it;
// it applies the same semantics as the Postgres implementation, including
// duplicate-bar suppression and the system-state singleton.
type Memory struct {
	mu             sync.RWMutex
	strategies     map[string]types.Strategy
	bars           map[string][]types.Bar
	signals        []types.Signal
	orders         map[string]types.Order
	trades         map[string]types.Trade
	systemState    *types.SystemState
	recoveryEvents []types.RecoveryEvent
	jobRuns        map[string]string
	backtestRuns   map[string]types.BacktestRun
	backtestTrades []types.BacktestTrade
	equityPoints   []types.EquityPoint
}

var _ Interface = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		strategies:   make(map[string]types.Strategy),
		bars:         make(map[string][]types.Bar),
		orders:       make(map[string]types.Order),
		trades:       make(map[string]types.Trade),
		jobRuns:      make(map[string]string),
		backtestRuns: make(map[string]types.BacktestRun),
	}
}

// SaveStrategy upserts a strategy.
func (m *Memory) SaveStrategy(ctx context.Context, s *types.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[s.ID] = *s
	return nil
}

// GetStrategy loads one strategy by id.
func (m *Memory) GetStrategy(ctx context.Context, id string) (*types.Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// ListStrategies returns all strategies ordered by creation time.
func (m *Memory) ListStrategies(ctx context.Context) ([]types.Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveBars appends bars, skipping (symbol, timestamp) duplicates.
func (m *Memory) SaveBars(ctx context.Context, bars []types.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bars {
		existing := m.bars[b.Symbol]
		dup := false
		for _, e := range existing {
			if e.Timestamp.Equal(b.Timestamp) {
				dup = true
				break
			}
		}
		if !dup {
			m.bars[b.Symbol] = append(existing, b)
		}
	}
	for sym := range m.bars {
		s := m.bars[sym]
		sort.Slice(s, func(i, j int) bool { return s[i].Timestamp.Before(s[j].Timestamp) })
	}
	return nil
}

// GetBars returns the most recent bars ascending, at most limit.
func (m *Memory) GetBars(ctx context.Context, symbol string, limit int) ([]types.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.bars[symbol]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]types.Bar, len(all))
	copy(out, all)
	return out, nil
}

// GetBarsBetween returns bars in [start, end] ascending.
func (m *Memory) GetBarsBetween(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Bar
	for _, b := range m.bars[symbol] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

// SaveSignal appends a signal record.
func (m *Memory) SaveSignal(ctx context.Context, s *types.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.signals {
		if existing.ID == s.ID {
			m.signals[i] = *s
			return nil
		}
	}
	m.signals = append(m.signals, *s)
	return nil
}

// ListSignals returns a strategy's signals since the given instant.
func (m *Memory) ListSignals(ctx context.Context, strategyID string, since time.Time) ([]types.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Signal
	for _, s := range m.signals {
		if s.StrategyID == strategyID && !s.GeneratedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

// SaveOrder upserts an order.
func (m *Memory) SaveOrder(ctx context.Context, o *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = *o
	return nil
}

// GetOrder loads one order by id.
func (m *Memory) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

// GetOrderByBrokerID loads an order by its broker-assigned id.
func (m *Memory) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.BrokerOrderID == brokerOrderID {
			out := o
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// GetOrderByIntentID loads an order by its idempotency key.
func (m *Memory) GetOrderByIntentID(ctx context.Context, intentID string) (*types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.IntentID == intentID {
			out := o
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// ListOpenOrders returns orders in non-terminal statuses.
func (m *Memory) ListOpenOrders(ctx context.Context) ([]types.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Order
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

// SaveTrade upserts a trade.
func (m *Memory) SaveTrade(ctx context.Context, t *types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = *t
	return nil
}

// GetTrade loads one trade by id.
func (m *Memory) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

// ListOpenTrades returns trades with no exit time.
func (m *Memory) ListOpenTrades(ctx context.Context) ([]types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Trade
	for _, t := range m.trades {
		if t.Open() {
			out = append(out, t)
		}
	}
	return out, nil
}

// OpenTradeForStrategySymbol returns the open trade a strategy holds in the
// given symbol. A strategy holds at most one open trade per symbol.
func (m *Memory) OpenTradeForStrategySymbol(ctx context.Context, strategyID, symbol string) (*types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trades {
		if t.StrategyID == strategyID && t.Symbol == symbol && t.Open() {
			out := t
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// ListOpenTradesForStrategy returns every open trade for a strategy.
func (m *Memory) ListOpenTradesForStrategy(ctx context.Context, strategyID string) ([]types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Trade
	for _, t := range m.trades {
		if t.StrategyID == strategyID && t.Open() {
			out = append(out, t)
		}
	}
	return out, nil
}

// ListClosedTradesSince returns trades closed at or after the given instant.
func (m *Memory) ListClosedTradesSince(ctx context.Context, since time.Time) ([]types.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Trade
	for _, t := range m.trades {
		if t.ExitTime != nil && !t.ExitTime.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.Before(*out[j].ExitTime) })
	return out, nil
}

// GetSystemState loads the singleton state.
func (m *Memory) GetSystemState(ctx context.Context) (*types.SystemState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.systemState == nil {
		return nil, ErrNotFound
	}
	out := *m.systemState
	return &out, nil
}

// SaveSystemState upserts the singleton state.
func (m *Memory) SaveSystemState(ctx context.Context, s *types.SystemState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.ID = 1
	m.systemState = &cp
	return nil
}

// SaveRecoveryEvent appends a reconciliation audit record.
func (m *Memory) SaveRecoveryEvent(ctx context.Context, e *types.RecoveryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.recoveryEvents {
		if existing.ID == e.ID {
			m.recoveryEvents[i] = *e
			return nil
		}
	}
	m.recoveryEvents = append(m.recoveryEvents, *e)
	return nil
}

// ListRecoveryEvents returns the most recent recovery events, newest first.
func (m *Memory) ListRecoveryEvents(ctx context.Context, limit int) ([]types.RecoveryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.RecoveryEvent, len(m.recoveryEvents))
	copy(out, m.recoveryEvents)
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetJobLastRun returns the last date a scheduled job consumed its slot.
func (m *Memory) GetJobLastRun(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	date, ok := m.jobRuns[name]
	if !ok {
		return "", ErrNotFound
	}
	return date, nil
}

// SaveJobLastRun records that a scheduled job consumed the given date's slot.
func (m *Memory) SaveJobLastRun(ctx context.Context, name, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobRuns[name] = date
	return nil
}

// SaveBacktestRun upserts a backtest run.
func (m *Memory) SaveBacktestRun(ctx context.Context, r *types.BacktestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backtestRuns[r.ID] = *r
	return nil
}

// FindBacktestRun looks up a run by its natural key.
func (m *Memory) FindBacktestRun(ctx context.Context, strategyName, symbol string, start, end time.Time, digest string) (*types.BacktestRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.backtestRuns {
		if r.StrategyName == strategyName && r.Symbol == symbol &&
			r.Start.Equal(start) && r.End.Equal(end) && r.ParamsDigest == digest {
			out := r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// SaveBacktestTrades appends trade rows for a run.
func (m *Memory) SaveBacktestTrades(ctx context.Context, trades []types.BacktestTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backtestTrades = append(m.backtestTrades, trades...)
	return nil
}

// SaveEquityPoints appends equity-curve samples.
func (m *Memory) SaveEquityPoints(ctx context.Context, points []types.EquityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityPoints = append(m.equityPoints, points...)
	return nil
}
