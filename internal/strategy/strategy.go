// Package strategy provides trading strategy evaluation.
//
// Evaluators are pure: they inspect an ordered bar series and report a signal
// for the last closed bar using only values available at that bar and earlier.
// All side effects (logging, persistence, order placement) belong to the
// execution engine.
package strategy

import (
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/indicator"
	"github.com/evertide/swingbot/pkg/types"
)

// Evaluation is the outcome of evaluating a series at its last closed bar.
type Evaluation struct {
	Type          types.SignalType
	TriggerReason types.TriggerReason
	Snapshot      types.IndicatorSnapshot
	Context       types.MarketContext
}

// Evaluator produces a signal for the last closed bar of a series.
type Evaluator interface {
	Name() string
	// Evaluate inspects bars (oldest first) and reports the signal for the
	// final bar. positionOpen tells the evaluator whether an open trade
	// exists for this (strategy, symbol).
	Evaluate(bars []types.Bar, positionOpen bool) (Evaluation, error)
	// WarmupBars is the number of bars required before signals are reliable.
	WarmupBars() int
}

// MACrossoverRSI is the moving-average-crossover strategy with an RSI
// overbought filter.
type MACrossoverRSI struct {
	params types.Params
}

// NewMACrossoverRSI builds the evaluator after validating params.
func NewMACrossoverRSI(params types.Params) (*MACrossoverRSI, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid strategy params: %w", err)
	}
	return &MACrossoverRSI{params: params}, nil
}

// Name returns the registry name of the strategy.
func (s *MACrossoverRSI) Name() string { return "ma_crossover_rsi" }

// WarmupBars returns the configured warm-up gate.
func (s *MACrossoverRSI) WarmupBars() int { return s.params.WarmupBars }

// Params returns a copy of the configured parameters.
func (s *MACrossoverRSI) Params() types.Params { return s.params }

// Evaluate applies the crossover rules at the last bar of the series.
//
// BUY: fast EMA crosses above slow EMA (prior bar at-or-below, current bar
// strictly above, or prior strictly below with current equal), RSI strictly
// below the overbought threshold, and no open position.
// SELL: bearish crossover or RSI strictly above the threshold, with an open
// position. Unavailable indicator values always yield HOLD.
func (s *MACrossoverRSI) Evaluate(bars []types.Bar, positionOpen bool) (Evaluation, error) {
	hold := Evaluation{Type: types.SignalHold, TriggerReason: types.TriggerNone}
	if len(bars) < 2 {
		return hold, nil
	}

	closes := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}

	fast, err := indicator.EMA(closes, s.params.EMAFastPeriod)
	if err != nil {
		return hold, err
	}
	slow, err := indicator.EMA(closes, s.params.EMASlowPeriod)
	if err != nil {
		return hold, err
	}
	rsi, err := indicator.RSI(closes, s.params.RSIPeriod)
	if err != nil {
		return hold, err
	}

	t := len(bars) - 1
	fNow, okFN := fast.At(t)
	fPrev, okFP := fast.At(t - 1)
	sNow, okSN := slow.At(t)
	sPrev, okSP := slow.At(t - 1)
	rNow, okR := rsi.At(t)
	if !okFN || !okFP || !okSN || !okSP || !okR {
		return hold, nil
	}

	snapshot := types.IndicatorSnapshot{
		fmt.Sprintf("ema_%d", s.params.EMAFastPeriod): fNow,
		fmt.Sprintf("ema_%d", s.params.EMASlowPeriod): sNow,
		fmt.Sprintf("rsi_%d", s.params.RSIPeriod):     rNow,
	}
	ctx := marketContext(bars, fNow, sNow)
	hold.Snapshot = snapshot
	hold.Context = ctx

	bullCross := (fPrev.LessThanOrEqual(sPrev) && fNow.GreaterThan(sNow)) ||
		(fPrev.LessThan(sPrev) && fNow.Equal(sNow))
	bearCross := fPrev.GreaterThanOrEqual(sPrev) && fNow.LessThan(sNow)
	overbought := rNow.GreaterThan(s.params.RSIOverbought)

	if !positionOpen && bullCross && rNow.LessThan(s.params.RSIOverbought) {
		return Evaluation{
			Type:          types.SignalBuy,
			TriggerReason: types.TriggerEMABullCross,
			Snapshot:      snapshot,
			Context:       ctx,
		}, nil
	}

	if positionOpen {
		if bearCross {
			return Evaluation{
				Type:          types.SignalSell,
				TriggerReason: types.TriggerEMABearCross,
				Snapshot:      snapshot,
				Context:       ctx,
			}, nil
		}
		if overbought {
			return Evaluation{
				Type:          types.SignalSell,
				TriggerReason: types.TriggerRSIOverbought,
				Snapshot:      snapshot,
				Context:       ctx,
			}, nil
		}
	}

	return hold, nil
}

// marketContext derives ambient conditions from the tail of the series.
func marketContext(bars []types.Bar, fast, slow decimal.Decimal) types.MarketContext {
	const lookback = 20
	t := len(bars) - 1

	ctx := types.MarketContext{Trend: "flat"}
	if fast.GreaterThan(slow) {
		ctx.Trend = "up"
	} else if fast.LessThan(slow) {
		ctx.Trend = "down"
	}

	if t >= 1 && bars[t-1].Close.IsPositive() {
		ctx.GapPct = bars[t].Open.Div(bars[t-1].Close).Sub(decimal.NewFromInt(1))
	}

	start := t - lookback + 1
	if start < 1 {
		start = 1
	}
	n := t - start + 1
	if n < 2 {
		return ctx
	}

	var volSum int64
	mean := decimal.Zero
	rets := make([]decimal.Decimal, 0, n)
	for i := start; i <= t; i++ {
		volSum += bars[i].Volume
		if bars[i-1].Close.IsPositive() {
			r := bars[i].Close.Div(bars[i-1].Close).Sub(decimal.NewFromInt(1))
			rets = append(rets, r)
			mean = mean.Add(r)
		}
	}
	if len(rets) > 1 {
		mean = mean.Div(decimal.NewFromInt(int64(len(rets))))
		variance := decimal.Zero
		for _, r := range rets {
			d := r.Sub(mean)
			variance = variance.Add(d.Mul(d))
		}
		variance = variance.Div(decimal.NewFromInt(int64(len(rets) - 1)))
		// decimal has no Sqrt; a float round trip is fine for a context field.
		f, _ := variance.Float64()
		ctx.Volatility = decimal.NewFromFloat(math.Sqrt(f))
	}
	if n > 0 && volSum > 0 {
		avg := decimal.NewFromInt(volSum).Div(decimal.NewFromInt(int64(n)))
		if avg.IsPositive() {
			ctx.VolumeVsAvg = decimal.NewFromInt(bars[t].Volume).Div(avg)
		}
	}
	return ctx
}

// Registry manages named evaluator constructors, mirroring the typed
// parameter record as the only configuration shape.
type Registry struct {
	logger    *zap.Logger
	mu        sync.RWMutex
	factories map[string]func(types.Params) (Evaluator, error)
}

// NewRegistry creates a registry with the built-in strategy registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]func(types.Params) (Evaluator, error)),
	}
	r.Register("ma_crossover_rsi", func(p types.Params) (Evaluator, error) {
		return NewMACrossoverRSI(p)
	})
	return r
}

// Register adds a named evaluator factory.
func (r *Registry) Register(name string, factory func(types.Params) (Evaluator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates an evaluator by name.
func (r *Registry) Create(name string, params types.Params) (Evaluator, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(params)
}

// List returns the registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
