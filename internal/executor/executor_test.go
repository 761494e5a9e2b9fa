package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/broker"
	"github.com/evertide/swingbot/internal/notify"
	"github.com/evertide/swingbot/internal/risk"
	"github.com/evertide/swingbot/internal/store"
	"github.com/evertide/swingbot/pkg/types"
)

type harness struct {
	exec     *Executor
	store    *store.Memory
	paper    *broker.Paper
	notifier *notify.Memory
	strat    *types.Strategy
	cancel   context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	paper := broker.NewPaper(decimal.NewFromInt(10000), zap.NewNop())
	notifier := notify.NewMemory()
	losses := risk.NewLossLimitTracker(zap.NewNop(), time.UTC)

	cfg := DefaultConfig()
	cfg.StopRetryBackoffs = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	exec := New(cfg, st, paper, losses, notifier, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, paper.Connect(ctx))
	exec.Start(ctx)

	strat := &types.Strategy{
		ID:     "s-1",
		Name:   "ma_crossover_rsi",
		Params: types.DefaultParams(),
		Status: types.StrategyActive,
	}
	require.NoError(t, st.SaveStrategy(ctx, strat))

	t.Cleanup(cancel)
	return &harness{exec: exec, store: st, paper: paper, notifier: notifier, strat: strat, cancel: cancel}
}

func buySignal(symbol string) *types.Signal {
	return &types.Signal{
		ID:            uuid.New().String(),
		StrategyID:    "s-1",
		Symbol:        symbol,
		GeneratedAt:   time.Now().UTC(),
		Type:          types.SignalBuy,
		TriggerReason: types.TriggerEMABullCross,
	}
}

func sellSignal(symbol string) *types.Signal {
	return &types.Signal{
		ID:            uuid.New().String(),
		StrategyID:    "s-1",
		Symbol:        symbol,
		GeneratedAt:   time.Now().UTC(),
		Type:          types.SignalSell,
		TriggerReason: types.TriggerEMABearCross,
	}
}

func (h *harness) openTrade(t *testing.T) *types.Trade {
	return h.openTradeIn(t, "AAPL")
}

func (h *harness) openTradeIn(t *testing.T, symbol string) *types.Trade {
	t.Helper()
	var trade *types.Trade
	require.Eventually(t, func() bool {
		got, err := h.store.OpenTradeForStrategySymbol(context.Background(), "s-1", symbol)
		if err != nil {
			return false
		}
		trade = got
		return trade.StopOrderID != "" && trade.TakeProfitOrderID != ""
	}, 2*time.Second, 10*time.Millisecond, "trade should open and be protected")
	return trade
}

func (h *harness) waitClosed(t *testing.T, tradeID string) *types.Trade {
	t.Helper()
	var trade *types.Trade
	require.Eventually(t, func() bool {
		got, err := h.store.GetTrade(context.Background(), tradeID)
		if err != nil {
			return false
		}
		trade = got
		return !trade.Open()
	}, 2*time.Second, 10*time.Millisecond, "trade should close")
	return trade
}

func TestBuySignalOpensProtectedTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.paper.MarkPrice("AAPL", decimal.NewFromInt(100))

	h.exec.HandleSignal(ctx, h.strat, buySignal("AAPL"), decimal.NewFromInt(100))

	trade := h.openTrade(t)
	// risk: floor(10000*0.02/5)=40, position cap: floor(10000*0.2/100)=20.
	assert.Equal(t, int64(20), trade.Quantity)
	assert.True(t, trade.EntryPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, trade.CurrentStop.Equal(decimal.NewFromInt(95)), "stop %s", trade.CurrentStop)
	assert.True(t, trade.CurrentTakeProfit.Equal(decimal.NewFromInt(115)), "tp %s", trade.CurrentTakeProfit)

	open, err := h.paper.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2, "stop and take-profit resting at broker")
}

func TestStopFillClosesTradeAndCancelsSibling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.paper.MarkPrice("AAPL", decimal.NewFromInt(100))

	h.exec.HandleSignal(ctx, h.strat, buySignal("AAPL"), decimal.NewFromInt(100))
	trade := h.openTrade(t)

	h.paper.MarkPrice("AAPL", decimal.NewFromInt(94))
	closed := h.waitClosed(t, trade.ID)

	assert.Equal(t, types.ExitStopLoss, closed.ExitReason)
	assert.True(t, closed.ExitPrice.Equal(decimal.NewFromInt(94)))
	// (94-100)*20 - 2 commission
	assert.True(t, closed.NetPnL.Equal(decimal.NewFromInt(-122)), "net %s", closed.NetPnL)

	require.Eventually(t, func() bool {
		open, err := h.paper.OpenOrders(ctx)
		return err == nil && len(open) == 0
	}, 2*time.Second, 10*time.Millisecond, "take-profit sibling cancelled")

	strat, err := h.store.GetStrategy(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, strat.ConsecutiveLosses)
}

func TestSellSignalExitsAtMarket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.paper.MarkPrice("AAPL", decimal.NewFromInt(100))

	h.exec.HandleSignal(ctx, h.strat, buySignal("AAPL"), decimal.NewFromInt(100))
	trade := h.openTrade(t)

	h.paper.MarkPrice("AAPL", decimal.NewFromInt(104))
	h.exec.HandleSignal(ctx, h.strat, sellSignal("AAPL"), decimal.NewFromInt(104))

	closed := h.waitClosed(t, trade.ID)
	assert.Equal(t, types.ExitSignal, closed.ExitReason)
	assert.True(t, closed.ExitPrice.Equal(decimal.NewFromInt(104)))
	assert.True(t, closed.NetPnL.Equal(decimal.NewFromInt(78)), "net %s", closed.NetPnL)
}

func TestDuplicatePositionRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.paper.MarkPrice("AAPL", decimal.NewFromInt(100))

	h.exec.HandleSignal(ctx, h.strat, buySignal("AAPL"), decimal.NewFromInt(100))
	h.openTrade(t)

	dup := buySignal("AAPL")
	h.exec.HandleSignal(ctx, h.strat, dup, decimal.NewFromInt(100))

	signals, err := h.store.ListSignals(ctx, "s-1", time.Time{})
	require.NoError(t, err)
	var found *types.Signal
	for i := range signals {
		if signals[i].ID == dup.ID {
			found = &signals[i]
		}
	}
	require.NotNil(t, found)
	assert.False(t, found.Executed)
	assert.Equal(t, types.ReasonDuplicatePosition, found.NonExecutionReason)
}

func TestConcurrentPositionsAcrossSymbols(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.paper.MarkPrice("AAPL", decimal.NewFromInt(100))
	h.paper.MarkPrice("MSFT", decimal.NewFromInt(100))
	h.paper.MarkPrice("NVDA", decimal.NewFromInt(100))

	h.exec.HandleSignal(ctx, h.strat, buySignal("AAPL"), decimal.NewFromInt(100))
	h.openTradeIn(t, "AAPL")

	// A second symbol is not a duplicate position.
	h.exec.HandleSignal(ctx, h.strat, buySignal("MSFT"), decimal.NewFromInt(100))
	h.openTradeIn(t, "MSFT")

	open, err := h.store.ListOpenTradesForStrategy(ctx, "s-1")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	// The same symbol still is.
	dup := buySignal("AAPL")
	h.exec.HandleSignal(ctx, h.strat, dup, decimal.NewFromInt(100))

	// A third symbol trips the allocation cap: 2000+2000 deployed, another
	// 2000 would exceed half the 10000 portfolio.
	third := buySignal("NVDA")
	h.exec.HandleSignal(ctx, h.strat, third, decimal.NewFromInt(100))

	signals, err := h.store.ListSignals(ctx, "s-1", time.Time{})
	require.NoError(t, err)
	for i := range signals {
		switch signals[i].ID {
		case dup.ID:
			assert.Equal(t, types.ReasonDuplicatePosition, signals[i].NonExecutionReason)
		case third.ID:
			assert.Equal(t, types.ReasonAllocationExceeded, signals[i].NonExecutionReason)
		}
	}
}

func TestConsecutiveLossesPauseStrategy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.paper.MarkPrice("AAPL", decimal.NewFromInt(100))
		h.exec.HandleSignal(ctx, h.strat, buySignal("AAPL"), decimal.NewFromInt(100))
		trade := h.openTrade(t)
		h.paper.MarkPrice("AAPL", decimal.NewFromInt(90))
		h.waitClosed(t, trade.ID)
		// Refresh persisted state for the next round.
		got, err := h.store.GetStrategy(ctx, "s-1")
		require.NoError(t, err)
		h.strat = got
	}

	strat, err := h.store.GetStrategy(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyPaused, strat.Status)
	assert.Equal(t, "daily_loss_limit", strat.StatusReason)
	assert.Equal(t, 3, strat.ConsecutiveLosses)

	// Next buy is gated out.
	h.paper.MarkPrice("AAPL", decimal.NewFromInt(100))
	gated := buySignal("AAPL")
	h.exec.HandleSignal(ctx, strat, gated, decimal.NewFromInt(100))
	signals, err := h.store.ListSignals(ctx, "s-1", time.Time{})
	require.NoError(t, err)
	for i := range signals {
		if signals[i].ID == gated.ID {
			assert.Equal(t, types.ReasonStrategyInactive, signals[i].NonExecutionReason)
		}
	}

	// Session start resumes the strategy and clears the counter.
	require.NoError(t, h.exec.SessionStart(ctx))
	strat, err = h.store.GetStrategy(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyActive, strat.Status)
	assert.Equal(t, 0, strat.ConsecutiveLosses)
}

func TestRecoveryModeBlocksEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.paper.MarkPrice("AAPL", decimal.NewFromInt(100))

	h.exec.SetRecoveryMode(true)
	sig := buySignal("AAPL")
	h.exec.HandleSignal(ctx, h.strat, sig, decimal.NewFromInt(100))

	signals, err := h.store.ListSignals(ctx, "s-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, types.ReasonRecoveryMode, signals[0].NonExecutionReason)

	_, err = h.store.OpenTradeForStrategySymbol(ctx, "s-1", "AAPL")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// stallBroker accepts entries and then never fills them.
type stallBroker struct {
	*broker.Paper

	mu        sync.Mutex
	cancelled []string
}

func (s *stallBroker) Submit(ctx context.Context, req broker.OrderRequest) broker.SubmitResult {
	if req.Kind == types.OrderEntryMarket {
		return broker.Accepted("stalled-entry")
	}
	return s.Paper.Submit(ctx, req)
}

func (s *stallBroker) Cancel(ctx context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, brokerOrderID)
	return nil
}

func TestUnfilledEntryCancelledAfterWait(t *testing.T) {
	st := store.NewMemory()
	paper := broker.NewPaper(decimal.NewFromInt(10000), zap.NewNop())
	stalled := &stallBroker{Paper: paper}
	notifier := notify.NewMemory()
	losses := risk.NewLossLimitTracker(zap.NewNop(), time.UTC)

	cfg := DefaultConfig()
	cfg.EntryFillWait = 20 * time.Millisecond
	exec := New(cfg, st, stalled, losses, notifier, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, paper.Connect(ctx))
	exec.Start(ctx)

	strat := &types.Strategy{
		ID: "s-1", Name: "ma_crossover_rsi",
		Params: types.DefaultParams(), Status: types.StrategyActive,
	}
	require.NoError(t, st.SaveStrategy(ctx, strat))

	paper.MarkPrice("AAPL", decimal.NewFromInt(100))
	exec.HandleSignal(ctx, strat, buySignal("AAPL"), decimal.NewFromInt(100))

	require.Eventually(t, func() bool {
		order, err := st.GetOrderByBrokerID(ctx, "stalled-entry")
		return err == nil && order.Status == types.OrderCancelled
	}, 2*time.Second, 5*time.Millisecond, "unfilled entry cancelled")

	stalled.mu.Lock()
	cancelled := append([]string(nil), stalled.cancelled...)
	stalled.mu.Unlock()
	assert.Contains(t, cancelled, "stalled-entry")

	var warned bool
	for _, a := range notifier.Alerts() {
		if a.Level == notify.LevelWarning {
			warned = true
		}
	}
	assert.True(t, warned, "operator warned about the stale entry")
}

// scriptedBroker rejects protective stop orders to exercise the flatten path.
type scriptedBroker struct {
	*broker.Paper
}

func (s *scriptedBroker) Submit(ctx context.Context, req broker.OrderRequest) broker.SubmitResult {
	if req.Kind == types.OrderStopLoss {
		return broker.Rejected("stop not supported")
	}
	return s.Paper.Submit(ctx, req)
}

func TestStopPlacementFailureFlattensAndErrors(t *testing.T) {
	st := store.NewMemory()
	paper := broker.NewPaper(decimal.NewFromInt(10000), zap.NewNop())
	scripted := &scriptedBroker{Paper: paper}
	notifier := notify.NewMemory()
	losses := risk.NewLossLimitTracker(zap.NewNop(), time.UTC)

	cfg := DefaultConfig()
	cfg.StopRetryBackoffs = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	exec := New(cfg, st, scripted, losses, notifier, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, paper.Connect(ctx))
	exec.Start(ctx)

	strat := &types.Strategy{
		ID: "s-1", Name: "ma_crossover_rsi",
		Params: types.DefaultParams(), Status: types.StrategyActive,
	}
	require.NoError(t, st.SaveStrategy(ctx, strat))

	paper.MarkPrice("AAPL", decimal.NewFromInt(100))
	exec.HandleSignal(ctx, strat, buySignal("AAPL"), decimal.NewFromInt(100))

	// The position is flattened and the strategy parked in error.
	require.Eventually(t, func() bool {
		got, err := st.GetStrategy(ctx, "s-1")
		return err == nil && got.Status == types.StrategyError
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		positions, err := paper.Positions(ctx)
		return err == nil && len(positions) == 0
	}, 2*time.Second, 10*time.Millisecond, "position flattened at market")

	var critical bool
	for _, a := range notifier.Alerts() {
		if a.Level == notify.LevelCritical {
			critical = true
		}
	}
	assert.True(t, critical, "critical alert raised")
}

func TestDuplicateFillDeliveryAppliedOnce(t *testing.T) {
	st := store.NewMemory()
	paper := broker.NewPaper(decimal.NewFromInt(10000), zap.NewNop())
	stalled := &stallBroker{Paper: paper}
	notifier := notify.NewMemory()
	losses := risk.NewLossLimitTracker(zap.NewNop(), time.UTC)

	cfg := DefaultConfig()
	cfg.EntryFillWait = time.Minute
	exec := New(cfg, st, stalled, losses, notifier, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, paper.Connect(ctx))
	exec.Start(ctx)

	strat := &types.Strategy{
		ID: "s-1", Name: "ma_crossover_rsi",
		Params: types.DefaultParams(), Status: types.StrategyActive,
	}
	require.NoError(t, st.SaveStrategy(ctx, strat))

	paper.MarkPrice("AAPL", decimal.NewFromInt(100))
	exec.HandleSignal(ctx, strat, buySignal("AAPL"), decimal.NewFromInt(100))

	at := time.Now().UTC()
	partial := broker.FillEvent{
		BrokerOrderID: "stalled-entry", Symbol: "AAPL",
		Quantity: 10, Price: decimal.NewFromInt(100), At: at,
	}
	exec.handleFill(ctx, partial)
	// The broker feed replays the same execution report.
	exec.handleFill(ctx, partial)

	trade, err := st.OpenTradeForStrategySymbol(ctx, "s-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(10), trade.Quantity, "replayed fill must not double the position")

	// A genuinely new execution still applies.
	rest := partial
	rest.At = at.Add(time.Second)
	exec.handleFill(ctx, rest)

	trade, err = st.OpenTradeForStrategySymbol(ctx, "s-1", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(20), trade.Quantity)
}

// flakyCancelBroker fails cancellations on demand.
type flakyCancelBroker struct {
	*broker.Paper

	mu   sync.Mutex
	fail bool
}

func (f *flakyCancelBroker) setFail(on bool) {
	f.mu.Lock()
	f.fail = on
	f.mu.Unlock()
}

func (f *flakyCancelBroker) Cancel(ctx context.Context, brokerOrderID string) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("cancel rejected")
	}
	return f.Paper.Cancel(ctx, brokerOrderID)
}

func newFlakyHarness(t *testing.T) (*Executor, *store.Memory, *broker.Paper, *flakyCancelBroker, *notify.Memory) {
	t.Helper()
	st := store.NewMemory()
	paper := broker.NewPaper(decimal.NewFromInt(10000), zap.NewNop())
	flaky := &flakyCancelBroker{Paper: paper}
	notifier := notify.NewMemory()
	losses := risk.NewLossLimitTracker(zap.NewNop(), time.UTC)

	cfg := DefaultConfig()
	cfg.StopRetryBackoffs = []time.Duration{time.Millisecond}
	exec := New(cfg, st, flaky, losses, notifier, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, paper.Connect(ctx))
	exec.Start(ctx)
	t.Cleanup(cancel)

	strat := &types.Strategy{
		ID: "s-1", Name: "ma_crossover_rsi",
		Params: types.DefaultParams(), Status: types.StrategyActive,
	}
	require.NoError(t, st.SaveStrategy(ctx, strat))
	return exec, st, paper, flaky, notifier
}

func TestFailedSiblingCancelHoldsTradeInClosing(t *testing.T) {
	exec, st, paper, flaky, _ := newFlakyHarness(t)
	ctx := context.Background()

	paper.MarkPrice("AAPL", decimal.NewFromInt(100))
	strat, err := st.GetStrategy(ctx, "s-1")
	require.NoError(t, err)
	exec.HandleSignal(ctx, strat, buySignal("AAPL"), decimal.NewFromInt(100))

	var trade *types.Trade
	require.Eventually(t, func() bool {
		got, err := st.OpenTradeForStrategySymbol(ctx, "s-1", "AAPL")
		if err != nil {
			return false
		}
		trade = got
		return trade.StopOrderID != "" && trade.TakeProfitOrderID != ""
	}, 2*time.Second, 10*time.Millisecond)

	// The stop fills but the take-profit cannot be cancelled; the close must
	// not be booked while the sibling may still execute.
	flaky.setFail(true)
	paper.MarkPrice("AAPL", decimal.NewFromInt(94))

	require.Eventually(t, func() bool {
		got, err := st.GetTrade(ctx, trade.ID)
		return err == nil && got.Closing && got.Open()
	}, 2*time.Second, 10*time.Millisecond, "trade held in closing")

	// The broker later confirms the cancellation; the held close is booked.
	tpOrder, err := st.GetOrder(ctx, trade.TakeProfitOrderID)
	require.NoError(t, err)
	exec.handleStatus(ctx, broker.OrderStatusEvent{
		BrokerOrderID: tpOrder.BrokerOrderID,
		Status:        types.OrderCancelled,
		At:            time.Now().UTC(),
	})

	closed, err := st.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	require.False(t, closed.Open())
	assert.Equal(t, types.ExitStopLoss, closed.ExitReason)
	assert.True(t, closed.ExitPrice.Equal(decimal.NewFromInt(94)))
	assert.False(t, closed.Closing)
}

func TestSiblingFillAfterExitBooksOriginalClose(t *testing.T) {
	exec, st, paper, flaky, notifier := newFlakyHarness(t)
	ctx := context.Background()

	paper.MarkPrice("AAPL", decimal.NewFromInt(100))
	strat, err := st.GetStrategy(ctx, "s-1")
	require.NoError(t, err)
	exec.HandleSignal(ctx, strat, buySignal("AAPL"), decimal.NewFromInt(100))

	var trade *types.Trade
	require.Eventually(t, func() bool {
		got, err := st.OpenTradeForStrategySymbol(ctx, "s-1", "AAPL")
		if err != nil {
			return false
		}
		trade = got
		return trade.StopOrderID != "" && trade.TakeProfitOrderID != ""
	}, 2*time.Second, 10*time.Millisecond)

	flaky.setFail(true)
	paper.MarkPrice("AAPL", decimal.NewFromInt(94))

	require.Eventually(t, func() bool {
		got, err := st.GetTrade(ctx, trade.ID)
		return err == nil && got.Closing && got.Open()
	}, 2*time.Second, 10*time.Millisecond, "trade held in closing")

	// The uncancelled take-profit executes too. The close books at the stop
	// fill and the double execution is escalated.
	paper.MarkPrice("AAPL", decimal.NewFromInt(115))

	var closed *types.Trade
	require.Eventually(t, func() bool {
		got, err := st.GetTrade(ctx, trade.ID)
		if err != nil {
			return false
		}
		closed = got
		return !closed.Open()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.ExitStopLoss, closed.ExitReason)
	assert.True(t, closed.ExitPrice.Equal(decimal.NewFromInt(94)), "exit %s", closed.ExitPrice)

	require.Eventually(t, func() bool {
		for _, a := range notifier.Alerts() {
			if a.Level == notify.LevelCritical {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "double execution escalated")
}
