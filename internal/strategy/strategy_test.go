package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/pkg/types"
)

// testParams uses short periods so crossovers can be built from a handful of
// bars: EMA(2) vs EMA(4) with RSI(3), warm-up 8.
func testParams() types.Params {
	p := types.DefaultParams()
	p.EMAFastPeriod = 2
	p.EMASlowPeriod = 4
	p.RSIPeriod = 3
	p.WarmupBars = 8
	return p
}

func barsFromCloses(closes ...float64) []types.Bar {
	start := time.Date(2024, 1, 2, 21, 0, 0, 0, time.UTC)
	out := make([]types.Bar, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		out[i] = types.Bar{
			Symbol:    "TEST",
			Timestamp: start.AddDate(0, 0, i),
			Open:      d,
			High:      d.Add(decimal.NewFromInt(1)),
			Low:       d.Sub(decimal.NewFromInt(1)),
			Close:     d,
			Volume:    1000,
		}
	}
	return out
}

func TestBullishCrossoverBuys(t *testing.T) {
	s, err := NewMACrossoverRSI(testParams())
	require.NoError(t, err)

	// Decline pushes the fast EMA below the slow one; the late rally crosses
	// it back above on the final bar while RSI stays moderate.
	bars := barsFromCloses(100, 98, 96, 94, 92, 90, 91, 95)

	ev, err := s.Evaluate(bars, false)
	require.NoError(t, err)
	assert.Equal(t, types.SignalBuy, ev.Type)
	assert.Equal(t, types.TriggerEMABullCross, ev.TriggerReason)
	assert.Contains(t, ev.Snapshot, "ema_2")
	assert.Contains(t, ev.Snapshot, "ema_4")
	assert.Contains(t, ev.Snapshot, "rsi_3")
}

func TestBullishCrossoverHeldWhenPositionOpen(t *testing.T) {
	s, err := NewMACrossoverRSI(testParams())
	require.NoError(t, err)

	bars := barsFromCloses(100, 98, 96, 94, 92, 90, 91, 95)

	ev, err := s.Evaluate(bars, true)
	require.NoError(t, err)
	assert.Equal(t, types.SignalHold, ev.Type)
}

func TestBearishCrossoverSells(t *testing.T) {
	s, err := NewMACrossoverRSI(testParams())
	require.NoError(t, err)

	bars := barsFromCloses(100, 102, 104, 106, 108, 110, 109, 105)

	ev, err := s.Evaluate(bars, true)
	require.NoError(t, err)
	assert.Equal(t, types.SignalSell, ev.Type)
	assert.Equal(t, types.TriggerEMABearCross, ev.TriggerReason)

	// Without a position the bearish cross is not actionable.
	ev, err = s.Evaluate(bars, false)
	require.NoError(t, err)
	assert.Equal(t, types.SignalHold, ev.Type)
}

func TestOverboughtSells(t *testing.T) {
	s, err := NewMACrossoverRSI(testParams())
	require.NoError(t, err)

	// Monotonic rally pegs RSI at 100 with no crossover on the last bar.
	bars := barsFromCloses(100, 102, 104, 106, 108, 110, 112, 114)

	ev, err := s.Evaluate(bars, true)
	require.NoError(t, err)
	assert.Equal(t, types.SignalSell, ev.Type)
	assert.Equal(t, types.TriggerRSIOverbought, ev.TriggerReason)
}

func TestInsufficientBarsHold(t *testing.T) {
	s, err := NewMACrossoverRSI(testParams())
	require.NoError(t, err)

	ev, err := s.Evaluate(barsFromCloses(100, 101, 102), false)
	require.NoError(t, err)
	assert.Equal(t, types.SignalHold, ev.Type)
	assert.Equal(t, types.TriggerNone, ev.TriggerReason)
}

func TestFlatSeriesHolds(t *testing.T) {
	s, err := NewMACrossoverRSI(testParams())
	require.NoError(t, err)

	// EMAs are equal on both bars: equality without a prior strict ordering
	// is not a crossover.
	bars := barsFromCloses(100, 100, 100, 100, 100, 100, 100, 100)

	ev, err := s.Evaluate(bars, false)
	require.NoError(t, err)
	assert.Equal(t, types.SignalHold, ev.Type)
}

func TestEvaluationIsPure(t *testing.T) {
	s, err := NewMACrossoverRSI(testParams())
	require.NoError(t, err)

	bars := barsFromCloses(100, 98, 96, 94, 92, 90, 91, 95)
	first, err := s.Evaluate(bars, false)
	require.NoError(t, err)
	second, err := s.Evaluate(bars, false)
	require.NoError(t, err)

	assert.Equal(t, first.Type, second.Type)
	assert.Equal(t, first.TriggerReason, second.TriggerReason)
	for k, v := range first.Snapshot {
		assert.True(t, v.Equal(second.Snapshot[k]), "snapshot key %s", k)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	assert.Contains(t, r.List(), "ma_crossover_rsi")

	ev, err := r.Create("ma_crossover_rsi", types.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, "ma_crossover_rsi", ev.Name())
	assert.Equal(t, 100, ev.WarmupBars())

	_, err = r.Create("nope", types.DefaultParams())
	assert.Error(t, err)
}
