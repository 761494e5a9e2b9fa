package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evertide/swingbot/pkg/types"
)

func day(d int) time.Time {
	return time.Date(2024, 3, d, 21, 0, 0, 0, time.UTC)
}

func TestBarDuplicateSuppression(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	bars := []types.Bar{
		{Symbol: "AAPL", Timestamp: day(1), Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101), Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: 1000},
		{Symbol: "AAPL", Timestamp: day(2), Open: decimal.NewFromInt(100), High: decimal.NewFromInt(102), Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(101), Volume: 1100},
	}
	require.NoError(t, m.SaveBars(ctx, bars))
	// Re-saving the same range must not duplicate rows.
	require.NoError(t, m.SaveBars(ctx, bars))

	got, err := m.GetBars(ctx, "AAPL", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp), "ascending order")
}

func TestGetBarsLimitReturnsMostRecent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var bars []types.Bar
	for d := 1; d <= 5; d++ {
		bars = append(bars, types.Bar{
			Symbol: "AAPL", Timestamp: day(d),
			Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101),
			Low: decimal.NewFromInt(99), Close: decimal.NewFromInt(100), Volume: 1,
		})
	}
	require.NoError(t, m.SaveBars(ctx, bars))

	got, err := m.GetBars(ctx, "AAPL", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, day(4), got[0].Timestamp)
	assert.Equal(t, day(5), got[1].Timestamp)
}

func TestOpenTradeLookups(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	exit := day(3)
	require.NoError(t, m.SaveTrade(ctx, &types.Trade{
		ID: "t-closed", StrategyID: "s-1", Symbol: "AAPL", Quantity: 10,
		EntryPrice: decimal.NewFromInt(100), EntryTime: day(1), ExitTime: &exit,
	}))
	require.NoError(t, m.SaveTrade(ctx, &types.Trade{
		ID: "t-open", StrategyID: "s-1", Symbol: "MSFT", Quantity: 5,
		EntryPrice: decimal.NewFromInt(200), EntryTime: day(2),
	}))

	got, err := m.OpenTradeForStrategySymbol(ctx, "s-1", "MSFT")
	require.NoError(t, err)
	assert.Equal(t, "t-open", got.ID)

	_, err = m.OpenTradeForStrategySymbol(ctx, "s-1", "AAPL")
	assert.ErrorIs(t, err, ErrNotFound, "closed trade is not an open position")

	_, err = m.OpenTradeForStrategySymbol(ctx, "s-2", "MSFT")
	assert.ErrorIs(t, err, ErrNotFound)

	byStrategy, err := m.ListOpenTradesForStrategy(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, byStrategy, 1)
	assert.Equal(t, "t-open", byStrategy[0].ID)

	open, err := m.ListOpenTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	closed, err := m.ListClosedTradesSince(ctx, day(1))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "t-closed", closed[0].ID)
}

func TestOrderLookups(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveOrder(ctx, &types.Order{
		ID: "o-1", IntentID: "i-1", BrokerOrderID: "b-1",
		Symbol: "AAPL", Kind: types.OrderEntryMarket, Side: types.SideBuy,
		Quantity: 10, Status: types.OrderSubmitted,
	}))
	require.NoError(t, m.SaveOrder(ctx, &types.Order{
		ID: "o-2", IntentID: "i-2", BrokerOrderID: "b-2",
		Symbol: "AAPL", Kind: types.OrderStopLoss, Side: types.SideSell,
		Quantity: 10, Status: types.OrderFilled,
	}))

	byBroker, err := m.GetOrderByBrokerID(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", byBroker.ID)

	byIntent, err := m.GetOrderByIntentID(ctx, "i-2")
	require.NoError(t, err)
	assert.Equal(t, "o-2", byIntent.ID)

	open, err := m.ListOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "o-1", open[0].ID)
}

func TestSystemStateSingleton(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetSystemState(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SaveSystemState(ctx, &types.SystemState{
		Status: types.SystemRunning, LastHeartbeat: day(1),
	}))
	require.NoError(t, m.SaveSystemState(ctx, &types.SystemState{
		Status: types.SystemRunning, LastHeartbeat: day(2),
	}))

	got, err := m.GetSystemState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ID)
	assert.Equal(t, day(2), got.LastHeartbeat)
}

func TestBacktestRunNaturalKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	run := &types.BacktestRun{
		ID: "r-1", StrategyName: "ma_crossover_rsi", Symbol: "AAPL",
		Start: day(1), End: day(5), ParamsDigest: "abc123",
	}
	require.NoError(t, m.SaveBacktestRun(ctx, run))

	got, err := m.FindBacktestRun(ctx, "ma_crossover_rsi", "AAPL", day(1), day(5), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "r-1", got.ID)

	_, err = m.FindBacktestRun(ctx, "ma_crossover_rsi", "AAPL", day(1), day(5), "other")
	assert.ErrorIs(t, err, ErrNotFound)
}
