package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/pkg/types"
)

func newTestPaper(t *testing.T) *Paper {
	t.Helper()
	p := NewPaper(decimal.NewFromInt(10000), zap.NewNop())
	require.NoError(t, p.Connect(context.Background()))
	drain(p) // discard ConnectedEvent
	return p
}

// drain empties the event channel and returns what was buffered.
func drain(p *Paper) []Event {
	var out []Event
	for {
		select {
		case ev := <-p.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestMarketOrderFillsAtMark(t *testing.T) {
	p := newTestPaper(t)
	p.MarkPrice("AAPL", decimal.NewFromInt(100))

	res := p.Submit(context.Background(), OrderRequest{
		IntentID: "i-1",
		Symbol:   "AAPL",
		Kind:     types.OrderEntryMarket,
		Side:     types.SideBuy,
		Quantity: 10,
	})
	require.True(t, res.Accepted())
	require.NotEmpty(t, res.BrokerOrderID)

	events := drain(p)
	require.Len(t, events, 2)
	fill, ok := events[0].(FillEvent)
	require.True(t, ok)
	assert.Equal(t, int64(10), fill.Quantity)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(100)))

	positions, err := p.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(10), positions[0].Quantity)

	acct, err := p.AccountValue(context.Background())
	require.NoError(t, err)
	assert.True(t, acct.Cash.Equal(decimal.NewFromInt(9000)), "cash %s", acct.Cash)
	assert.True(t, acct.PortfolioValue.Equal(decimal.NewFromInt(10000)))
}

func TestStopOrderRestsUntilTriggered(t *testing.T) {
	p := newTestPaper(t)
	p.MarkPrice("AAPL", decimal.NewFromInt(100))
	p.SeedPosition("AAPL", 10, decimal.NewFromInt(100))

	res := p.Submit(context.Background(), OrderRequest{
		IntentID:  "i-stop",
		Symbol:    "AAPL",
		Kind:      types.OrderStopLoss,
		Side:      types.SideSell,
		Quantity:  10,
		StopPrice: decimal.NewFromInt(95),
	})
	require.True(t, res.Accepted())

	open, err := p.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Above the trigger: still resting.
	p.MarkPrice("AAPL", decimal.NewFromInt(96))
	open, err = p.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
	drain(p)

	// Through the trigger: fills at the mark.
	p.MarkPrice("AAPL", decimal.NewFromInt(94))
	open, err = p.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	events := drain(p)
	require.NotEmpty(t, events)
	fill, ok := events[0].(FillEvent)
	require.True(t, ok)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(94)))
}

func TestTakeProfitTriggersOnRally(t *testing.T) {
	p := newTestPaper(t)
	p.MarkPrice("MSFT", decimal.NewFromInt(100))
	p.SeedPosition("MSFT", 5, decimal.NewFromInt(100))

	res := p.Submit(context.Background(), OrderRequest{
		IntentID:   "i-tp",
		Symbol:     "MSFT",
		Kind:       types.OrderTakeProfit,
		Side:       types.SideSell,
		Quantity:   5,
		LimitPrice: decimal.NewFromInt(115),
	})
	require.True(t, res.Accepted())
	drain(p)

	p.MarkPrice("MSFT", decimal.NewFromInt(116))
	events := drain(p)
	require.NotEmpty(t, events)
	fill, ok := events[0].(FillEvent)
	require.True(t, ok)
	assert.Equal(t, int64(5), fill.Quantity)
}

func TestSubmitIdempotentByIntent(t *testing.T) {
	p := newTestPaper(t)
	p.MarkPrice("AAPL", decimal.NewFromInt(100))

	req := OrderRequest{
		IntentID: "i-dup",
		Symbol:   "AAPL",
		Kind:     types.OrderEntryMarket,
		Side:     types.SideBuy,
		Quantity: 10,
	}
	first := p.Submit(context.Background(), req)
	second := p.Submit(context.Background(), req)
	require.True(t, first.Accepted())
	require.True(t, second.Accepted())
	assert.Equal(t, first.BrokerOrderID, second.BrokerOrderID)

	positions, err := p.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(10), positions[0].Quantity, "retry must not double the position")
}

func TestSubmitRejectAndTimeoutHooks(t *testing.T) {
	p := newTestPaper(t)
	p.MarkPrice("AAPL", decimal.NewFromInt(100))

	p.RejectNext = "insufficient margin"
	res := p.Submit(context.Background(), OrderRequest{
		IntentID: "i-rej", Symbol: "AAPL", Kind: types.OrderEntryMarket,
		Side: types.SideBuy, Quantity: 10,
	})
	require.True(t, res.Rejected())
	assert.Equal(t, "insufficient margin", res.Reason)

	p.SilenceNext = true
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res = p.Submit(ctx, OrderRequest{
		IntentID: "i-slow", Symbol: "AAPL", Kind: types.OrderEntryMarket,
		Side: types.SideBuy, Quantity: 10,
	})
	assert.True(t, res.TimedOut())
}

func TestCancelRestingOrder(t *testing.T) {
	p := newTestPaper(t)
	p.MarkPrice("AAPL", decimal.NewFromInt(100))

	res := p.Submit(context.Background(), OrderRequest{
		IntentID: "i-c", Symbol: "AAPL", Kind: types.OrderStopLoss,
		Side: types.SideSell, Quantity: 10, StopPrice: decimal.NewFromInt(90),
	})
	require.True(t, res.Accepted())

	require.NoError(t, p.Cancel(context.Background(), res.BrokerOrderID))
	open, err := p.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.Error(t, p.Cancel(context.Background(), "no-such-order"))
}
