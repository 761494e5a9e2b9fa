package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/strategy"
	"github.com/evertide/swingbot/pkg/types"
)

// scripted emits a buy when the series reaches buyAt bars and a sell at
// sellAt bars, making fill timing fully predictable.
type scripted struct {
	buyAt  int
	sellAt int
}

func (s *scripted) Name() string    { return "scripted" }
func (s *scripted) WarmupBars() int { return 4 }
func (s *scripted) Evaluate(bars []types.Bar, positionOpen bool) (strategy.Evaluation, error) {
	n := len(bars)
	switch {
	case n == s.buyAt && !positionOpen:
		return strategy.Evaluation{Type: types.SignalBuy, TriggerReason: types.TriggerEMABullCross}, nil
	case n == s.sellAt && positionOpen:
		return strategy.Evaluation{Type: types.SignalSell, TriggerReason: types.TriggerEMABearCross}, nil
	}
	return strategy.Evaluation{Type: types.SignalHold, TriggerReason: types.TriggerNone}, nil
}

func testParams() types.Params {
	return types.Params{
		EMAFastPeriod:         2,
		EMASlowPeriod:         4,
		RSIPeriod:             2,
		RSIOverbought:         decimal.NewFromInt(70),
		StopLossPct:           decimal.NewFromFloat(0.05),
		TakeProfitPct:         decimal.NewFromFloat(0.15),
		MaxConsecutiveLosses:  3,
		WarmupBars:            4,
		AllocationCapFraction: decimal.NewFromFloat(0.5),
		RiskFraction:          decimal.NewFromFloat(0.02),
	}
}

type barSpec struct {
	open, high, low, close float64
}

func mkBars(specs []barSpec) []types.Bar {
	base := time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, len(specs))
	for i, s := range specs {
		bars[i] = types.Bar{
			Symbol:    "AAPL",
			Timestamp: base.AddDate(0, 0, i),
			Open:      decimal.NewFromFloat(s.open),
			High:      decimal.NewFromFloat(s.high),
			Low:       decimal.NewFromFloat(s.low),
			Close:     decimal.NewFromFloat(s.close),
			Volume:    1000,
		}
	}
	return bars
}

func flatBars(n int) []types.Bar {
	specs := make([]barSpec, n)
	for i := range specs {
		specs[i] = barSpec{100, 101, 99, 100}
	}
	return mkBars(specs)
}

func newTestEngine(buyAt, sellAt int) *Engine {
	reg := strategy.NewRegistry(zap.NewNop())
	reg.Register("scripted", func(p types.Params) (strategy.Evaluator, error) {
		return &scripted{buyAt: buyAt, sellAt: sellAt}, nil
	})
	return NewEngine(reg, zap.NewNop())
}

func testConfig() Config {
	return Config{
		StrategyName:      "scripted",
		Symbol:            "AAPL",
		Params:            testParams(),
		InitialCapital:    decimal.NewFromInt(10000),
		CommissionPerFill: decimal.Zero,
		SlippageFraction:  decimal.Zero,
		PositionCapPct:    decimal.NewFromFloat(0.20),
	}
}

func TestSignalFillsAtNextOpen(t *testing.T) {
	e := newTestEngine(5, 8)
	bars := flatBars(12)

	res, err := e.Run(context.Background(), testConfig(), bars)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	trade := res.Trades[0]
	assert.Equal(t, bars[4].Timestamp, trade.SignalTime, "signal at close of bar 4")
	assert.Equal(t, bars[5].Timestamp, trade.EntryTime, "fill at open of bar 5")
	assert.True(t, trade.EntryPrice.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, types.ExitSignal, trade.ExitReason)
	assert.Equal(t, bars[8].Timestamp, trade.ExitTime, "exit at open after sell close")
	// risk floor(200/5)=40 capped by position cap floor(2000/100)=20.
	assert.Equal(t, int64(20), trade.Quantity)
	assert.Len(t, res.Equity, len(bars), "one equity point per close")
}

func TestGapThroughStopFillsAtOpen(t *testing.T) {
	e := newTestEngine(5, 99)
	specs := make([]barSpec, 10)
	for i := range specs {
		specs[i] = barSpec{100, 101, 99, 100}
	}
	// Entry fills at bar 5 open (100); stop is 95. Bar 7 gaps to 90.
	specs[7] = barSpec{90, 91, 89, 90}
	specs[8] = barSpec{92, 93, 91, 92}
	specs[9] = barSpec{92, 93, 91, 92}
	bars := mkBars(specs)

	res, err := e.Run(context.Background(), testConfig(), bars)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, types.ExitStopLoss, trade.ExitReason)
	assert.True(t, trade.ExitPrice.Equal(decimal.NewFromInt(90)), "gap fills at open, not stop")
	assert.Equal(t, bars[7].Timestamp, trade.ExitTime)
}

func TestStopInsideBarFillsAtStopLevel(t *testing.T) {
	e := newTestEngine(5, 99)
	specs := make([]barSpec, 10)
	for i := range specs {
		specs[i] = barSpec{100, 101, 99, 100}
	}
	specs[7] = barSpec{100, 101, 94, 96}
	specs[8] = barSpec{96, 97, 95, 96}
	specs[9] = barSpec{96, 97, 95, 96}
	bars := mkBars(specs)

	res, err := e.Run(context.Background(), testConfig(), bars)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, types.ExitStopLoss, trade.ExitReason)
	assert.True(t, trade.ExitPrice.Equal(decimal.NewFromInt(95)), "fills at the stop level")
}

func TestTakeProfitInsideBar(t *testing.T) {
	e := newTestEngine(5, 99)
	specs := make([]barSpec, 10)
	for i := range specs {
		specs[i] = barSpec{100, 101, 99, 100}
	}
	specs[7] = barSpec{100, 116, 99, 114}
	specs[8] = barSpec{114, 115, 113, 114}
	specs[9] = barSpec{114, 115, 113, 114}
	bars := mkBars(specs)

	res, err := e.Run(context.Background(), testConfig(), bars)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, types.ExitTakeProfit, trade.ExitReason)
	assert.True(t, trade.ExitPrice.Equal(decimal.NewFromInt(115)))
}

func TestStopWinsWhenBothLevelsTouch(t *testing.T) {
	e := newTestEngine(5, 99)
	specs := make([]barSpec, 10)
	for i := range specs {
		specs[i] = barSpec{100, 101, 99, 100}
	}
	// One violent bar touching both the stop (95) and the target (115).
	specs[7] = barSpec{100, 116, 94, 100}
	specs[8] = barSpec{100, 101, 99, 100}
	specs[9] = barSpec{100, 101, 99, 100}
	bars := mkBars(specs)

	res, err := e.Run(context.Background(), testConfig(), bars)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, types.ExitStopLoss, res.Trades[0].ExitReason, "stop has priority")
}

func TestOpenPositionLiquidatedAtEnd(t *testing.T) {
	e := newTestEngine(5, 99)
	bars := flatBars(10)

	res, err := e.Run(context.Background(), testConfig(), bars)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.Equal(t, types.ExitEOD, trade.ExitReason)
	assert.Equal(t, bars[9].Timestamp, trade.ExitTime)
	assert.True(t, res.Run.FinalValue.Equal(decimal.NewFromInt(10000)),
		"flat prices and zero costs round-trip to the initial capital")
}

func TestSlippageAppliedBothWays(t *testing.T) {
	e := newTestEngine(5, 8)
	cfg := testConfig()
	cfg.SlippageFraction = decimal.NewFromFloat(0.01)
	bars := flatBars(12)

	res, err := e.Run(context.Background(), cfg, bars)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	assert.True(t, trade.EntryPrice.Equal(decimal.NewFromInt(101)), "entry worse by slippage")
	assert.True(t, trade.ExitPrice.Equal(decimal.NewFromInt(99)), "exit worse by slippage")
}

func TestRunIsDeterministic(t *testing.T) {
	e := newTestEngine(5, 8)
	bars := flatBars(12)

	a, err := e.Run(context.Background(), testConfig(), bars)
	require.NoError(t, err)
	b, err := e.Run(context.Background(), testConfig(), bars)
	require.NoError(t, err)

	assert.True(t, a.Run.FinalValue.Equal(b.Run.FinalValue))
	assert.Equal(t, len(a.Trades), len(b.Trades))
	assert.Equal(t, a.Run.ParamsDigest, b.Run.ParamsDigest)
	for i := range a.Equity {
		assert.True(t, a.Equity[i].Equity.Equal(b.Equity[i].Equity))
	}
}

func TestNoSignalAtExactWarmupBars(t *testing.T) {
	// A buy scripted at the warm-up length never fires: the first evaluated
	// close is one bar past warm-up.
	e := newTestEngine(4, 99)
	res, err := e.Run(context.Background(), testConfig(), flatBars(8))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)

	e = newTestEngine(5, 99)
	res, err = e.Run(context.Background(), testConfig(), flatBars(8))
	require.NoError(t, err)
	assert.Len(t, res.Trades, 1)
}

func TestInsufficientHistoryRejected(t *testing.T) {
	e := newTestEngine(5, 8)
	_, err := e.Run(context.Background(), testConfig(), flatBars(4))
	assert.Error(t, err)
}
