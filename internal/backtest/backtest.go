// Package backtest replays daily bars through a strategy with no look-ahead:
// a signal produced at the close of bar i-1 is filled at the open of bar i,
// never inside the bar that produced it. Runs are deterministic for a given
// bar series and parameter set.
package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/sizing"
	"github.com/evertide/swingbot/internal/strategy"
	"github.com/evertide/swingbot/pkg/types"
)

// Config describes one simulation.
type Config struct {
	StrategyName      string
	Symbol            string
	Params            types.Params
	InitialCapital    decimal.Decimal
	CommissionPerFill decimal.Decimal
	SlippageFraction  decimal.Decimal
	PositionCapPct    decimal.Decimal
}

// DefaultConfig returns the documented simulation defaults.
func DefaultConfig() Config {
	return Config{
		StrategyName:      "ma_crossover_rsi",
		Params:            types.DefaultParams(),
		InitialCapital:    decimal.NewFromInt(10000),
		CommissionPerFill: decimal.NewFromInt(1),
		SlippageFraction:  decimal.NewFromFloat(0.001),
		PositionCapPct:    decimal.NewFromFloat(0.20),
	}
}

// Result is the output of one run.
type Result struct {
	Run    types.BacktestRun
	Trades []types.BacktestTrade
	Equity []types.EquityPoint
}

// position is the simulated open trade.
type position struct {
	quantity   int64
	entryPrice decimal.Decimal
	entryTime  time.Time
	signalTime time.Time
	stop       decimal.Decimal
	takeProfit decimal.Decimal
	minLow     decimal.Decimal
	maxHigh    decimal.Decimal
}

// pending is the action decided at the previous close, to be executed at the
// next open.
type pending struct {
	signal     types.SignalType
	signalTime time.Time
}

// Engine runs simulations.
type Engine struct {
	registry *strategy.Registry
	logger   *zap.Logger
}

// NewEngine creates a backtest engine.
func NewEngine(registry *strategy.Registry, logger *zap.Logger) *Engine {
	return &Engine{registry: registry, logger: logger.Named("backtest")}
}

// Run simulates cfg over bars (oldest first). Bars must be a single symbol's
// strictly ascending series.
func (e *Engine) Run(ctx context.Context, cfg Config, bars []types.Bar) (*Result, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if len(bars) < cfg.Params.WarmupBars+2 {
		return nil, fmt.Errorf("backtest: %d bars insufficient for warmup %d",
			len(bars), cfg.Params.WarmupBars)
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("backtest: bars not strictly ascending at %d", i)
		}
	}

	eval, err := e.registry.Create(cfg.StrategyName, cfg.Params)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	one := decimal.NewFromInt(1)
	slipUp := one.Add(cfg.SlippageFraction)
	slipDown := one.Sub(cfg.SlippageFraction)

	cash := cfg.InitialCapital
	var pos *position
	var next *pending
	var trades []types.BacktestTrade
	var equity []types.EquityPoint

	startedAt := time.Now().UTC()

	closeTrade := func(exitPrice decimal.Decimal, exitTime time.Time, reason types.ExitReason) {
		qty := decimal.NewFromInt(pos.quantity)
		commission := cfg.CommissionPerFill.Mul(decimal.NewFromInt(2))
		net := exitPrice.Sub(pos.entryPrice).Mul(qty).Sub(commission)
		cash = cash.Add(exitPrice.Mul(qty)).Sub(cfg.CommissionPerFill)

		var mae, mfe decimal.Decimal
		if pos.entryPrice.IsPositive() {
			mae = pos.entryPrice.Sub(pos.minLow).Div(pos.entryPrice)
			mfe = pos.maxHigh.Sub(pos.entryPrice).Div(pos.entryPrice)
		}
		if mae.IsNegative() {
			mae = decimal.Zero
		}
		if mfe.IsNegative() {
			mfe = decimal.Zero
		}
		trades = append(trades, types.BacktestTrade{
			ID:           uuid.New().String(),
			RunID:        runID,
			Symbol:       cfg.Symbol,
			Quantity:     pos.quantity,
			EntryPrice:   pos.entryPrice,
			EntryTime:    pos.entryTime,
			SignalTime:   pos.signalTime,
			ExitPrice:    exitPrice,
			ExitTime:     exitTime,
			ExitReason:   reason,
			Commission:   commission,
			NetPnL:       net,
			MaxAdverse:   mae,
			MaxFavorable: mfe,
		})
		pos = nil
	}

	warmup := cfg.Params.WarmupBars
	for i := 0; i < len(bars); i++ {
		bar := bars[i]

		// Phase 1: execute at the open what was decided at the previous
		// close. Exits check the protective levels first; the signal exit
		// applies only if the trade survives them on this bar.
		if pos != nil {
			switch {
			case bar.Open.LessThanOrEqual(pos.stop):
				// Gapped through the stop: filled at the open, not the
				// stop level.
				closeTrade(bar.Open.Mul(slipDown), bar.Timestamp, types.ExitStopLoss)
			case bar.Low.LessThanOrEqual(pos.stop):
				closeTrade(pos.stop.Mul(slipDown), bar.Timestamp, types.ExitStopLoss)
			case !pos.takeProfit.IsZero() && bar.Open.GreaterThanOrEqual(pos.takeProfit):
				closeTrade(bar.Open.Mul(slipDown), bar.Timestamp, types.ExitTakeProfit)
			case !pos.takeProfit.IsZero() && bar.High.GreaterThanOrEqual(pos.takeProfit):
				closeTrade(pos.takeProfit.Mul(slipDown), bar.Timestamp, types.ExitTakeProfit)
			case next != nil && next.signal == types.SignalSell:
				closeTrade(bar.Open.Mul(slipDown), bar.Timestamp, types.ExitSignal)
			}
		} else if next != nil && next.signal == types.SignalBuy {
			fill := bar.Open.Mul(slipUp)
			ref := bars[i-1].Close
			stop := ref.Mul(one.Sub(cfg.Params.StopLossPct))
			equityNow := cash
			size, err := sizing.Size(sizing.Request{
				PortfolioValue: equityNow,
				AvailableCash:  cash.Sub(cfg.CommissionPerFill),
				EntryPrice:     fill,
				StopPrice:      stop.Mul(slipUp),
				RiskFraction:   cfg.Params.RiskFraction,
				MaxPositionPct: cfg.PositionCapPct,
			})
			if err == nil && size.Quantity > 0 {
				cash = cash.Sub(fill.Mul(decimal.NewFromInt(size.Quantity))).Sub(cfg.CommissionPerFill)
				pos = &position{
					quantity:   size.Quantity,
					entryPrice: fill,
					entryTime:  bar.Timestamp,
					signalTime: next.signalTime,
					stop:       fill.Mul(one.Sub(cfg.Params.StopLossPct)),
					takeProfit: fill.Mul(one.Add(cfg.Params.TakeProfitPct)),
					minLow:     bar.Low,
					maxHigh:    bar.High,
				}
			}
		}
		next = nil

		// Phase 2: track excursions against the held position.
		if pos != nil {
			if bar.Low.LessThan(pos.minLow) {
				pos.minLow = bar.Low
			}
			if bar.High.GreaterThan(pos.maxHigh) {
				pos.maxHigh = bar.High
			}
		}

		// Phase 3: evaluate the strategy at this close for the next open.
		// The warm-up history itself is never signalled on; evaluation
		// starts one bar past it.
		if i+1 > warmup {
			result, err := eval.Evaluate(bars[:i+1], pos != nil)
			if err != nil {
				return nil, err
			}
			if result.Type != types.SignalHold {
				next = &pending{signal: result.Type, signalTime: bar.Timestamp}
			}
		}

		// Phase 4: mark equity at the close.
		markTotal := cash
		if pos != nil {
			markTotal = markTotal.Add(bar.Close.Mul(decimal.NewFromInt(pos.quantity)))
		}
		equity = append(equity, types.EquityPoint{
			RunID:     runID,
			Timestamp: bar.Timestamp,
			Equity:    markTotal,
			Cash:      cash,
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	// End of data: liquidate at the final close.
	if pos != nil {
		last := bars[len(bars)-1]
		closeTrade(last.Close, last.Timestamp, types.ExitEOD)
		equity[len(equity)-1].Equity = cash
		equity[len(equity)-1].Cash = cash
	}

	run := types.BacktestRun{
		ID:               runID,
		StrategyName:     cfg.StrategyName,
		Symbol:           cfg.Symbol,
		Start:            bars[0].Timestamp,
		End:              bars[len(bars)-1].Timestamp,
		ParamsDigest:     cfg.Params.Digest(),
		Params:           cfg.Params,
		InitialCapital:   cfg.InitialCapital,
		FinalValue:       equity[len(equity)-1].Equity,
		Commission:       cfg.CommissionPerFill,
		SlippageFraction: cfg.SlippageFraction,
		StartedAt:        startedAt,
		CompletedAt:      time.Now().UTC(),
	}
	e.logger.Info("backtest complete",
		zap.String("symbol", cfg.Symbol),
		zap.Int("bars", len(bars)),
		zap.Int("trades", len(trades)),
		zap.String("final", run.FinalValue.String()),
	)
	return &Result{Run: run, Trades: trades, Equity: equity}, nil
}
