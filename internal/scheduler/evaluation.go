package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/executor"
	"github.com/evertide/swingbot/internal/marketdata"
	"github.com/evertide/swingbot/internal/notify"
	"github.com/evertide/swingbot/internal/store"
	"github.com/evertide/swingbot/internal/strategy"
	"github.com/evertide/swingbot/pkg/types"
)

// PriceMarker receives the latest close for each refreshed symbol. The paper
// broker implements it to price fills and account values.
type PriceMarker interface {
	MarkPrice(symbol string, price decimal.Decimal)
}

// Evaluation is the after-close pipeline: refresh watchlist history, run
// every strategy over every symbol, and hand actionable signals to the
// executor.
type Evaluation struct {
	store     store.Interface
	prefetch  *marketdata.Prefetcher
	registry  *strategy.Registry
	exec      *executor.Executor
	watchlist []string
	// lookbackDays bounds how much history each refresh requests.
	lookbackDays int
	logger       *zap.Logger

	// Marker, when set, is fed the latest close per symbol after each
	// refresh.
	Marker PriceMarker
}

// NewEvaluation creates the pipeline.
func NewEvaluation(st store.Interface, prefetch *marketdata.Prefetcher, registry *strategy.Registry, exec *executor.Executor, watchlist []string, lookbackDays int, logger *zap.Logger) (*Evaluation, error) {
	if len(watchlist) == 0 || len(watchlist) > types.MaxWatchlistSymbols {
		return nil, fmt.Errorf("watchlist size %d outside [1,%d]", len(watchlist), types.MaxWatchlistSymbols)
	}
	for _, s := range watchlist {
		if err := types.ValidateSymbol(s); err != nil {
			return nil, err
		}
	}
	if lookbackDays <= 0 {
		lookbackDays = 400
	}
	return &Evaluation{
		store:        st,
		prefetch:     prefetch,
		registry:     registry,
		exec:         exec,
		watchlist:    watchlist,
		lookbackDays: lookbackDays,
		logger:       logger.Named("evaluation"),
	}, nil
}

// Run executes one evaluation pass for the session that closed at now.
func (e *Evaluation) Run(ctx context.Context, now time.Time) error {
	if e.exec.RecoveryMode() {
		e.logger.Warn("skipping evaluation: recovery mode")
		return nil
	}

	start := now.AddDate(0, 0, -e.lookbackDays)
	results := e.prefetch.FetchAll(ctx, e.watchlist, start, now)
	for symbol, res := range results {
		if res.Err != nil {
			e.logger.Error("history refresh failed",
				zap.String("symbol", symbol), zap.Error(res.Err))
			continue
		}
		if err := e.store.SaveBars(ctx, res.Bars); err != nil {
			e.logger.Error("persist bars", zap.String("symbol", symbol), zap.Error(err))
		}
		if e.Marker != nil && len(res.Bars) > 0 {
			e.Marker.MarkPrice(symbol, res.Bars[len(res.Bars)-1].Close)
		}
	}

	e.trackExcursions(ctx, results)

	strategies, err := e.store.ListStrategies(ctx)
	if err != nil {
		return err
	}
	for i := range strategies {
		e.evaluateStrategy(ctx, &strategies[i], now)
	}
	return nil
}

func (e *Evaluation) evaluateStrategy(ctx context.Context, strat *types.Strategy, now time.Time) {
	if strat.Status == types.StrategyError {
		return
	}

	eval, err := e.registry.Create(strat.Name, strat.Params)
	if err != nil {
		e.logger.Error("strategy construction failed",
			zap.String("strategy", strat.ID), zap.Error(err))
		return
	}

	for _, symbol := range e.watchlist {
		bars, err := e.store.GetBars(ctx, symbol, strat.Params.WarmupBars+10)
		if err != nil {
			e.logger.Error("bar load failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if len(bars) == 0 {
			continue
		}

		// Warm-up gate: the first trusted signal needs one bar beyond the
		// warm-up history.
		if len(bars) <= strat.Params.WarmupBars {
			if strat.Status == types.StrategyWarming {
				strat.WarmupBarsRemaining = strat.Params.WarmupBars + 1 - len(bars)
				if err := e.store.SaveStrategy(ctx, strat); err != nil {
					e.logger.Error("save strategy", zap.Error(err))
				}
			}
			continue
		}
		if strat.Status == types.StrategyWarming {
			if err := e.exec.MarkWarm(ctx, strat); err != nil {
				e.logger.Error("warmup promotion failed", zap.Error(err))
				continue
			}
		}

		openTrade, err := e.store.OpenTradeForStrategySymbol(ctx, strat.ID, symbol)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("open trade lookup", zap.Error(err))
			continue
		}

		result, err := eval.Evaluate(bars, openTrade != nil)
		if err != nil {
			e.logger.Error("evaluation failed",
				zap.String("strategy", strat.ID),
				zap.String("symbol", symbol),
				zap.Error(err),
			)
			continue
		}

		sig := &types.Signal{
			ID:                uuid.New().String(),
			StrategyID:        strat.ID,
			Symbol:            symbol,
			GeneratedAt:       now.UTC(),
			Type:              result.Type,
			TriggerReason:     result.TriggerReason,
			IndicatorSnapshot: result.Snapshot,
			MarketContext:     result.Context,
		}
		lastClose := bars[len(bars)-1].Close
		e.exec.HandleSignal(ctx, strat, sig, lastClose)
	}
}

// trackExcursions advances the excursion watermarks of open trades using the
// session's bar. Both are fractions of the entry price and only ever grow.
func (e *Evaluation) trackExcursions(ctx context.Context, results map[string]marketdata.Result) {
	open, err := e.store.ListOpenTrades(ctx)
	if err != nil {
		e.logger.Error("open trade scan", zap.Error(err))
		return
	}
	for i := range open {
		trade := &open[i]
		res, ok := results[trade.Symbol]
		if !ok || res.Err != nil || len(res.Bars) == 0 || !trade.EntryPrice.IsPositive() {
			continue
		}
		bar := res.Bars[len(res.Bars)-1]

		changed := false
		if adverse := trade.EntryPrice.Sub(bar.Low).Div(trade.EntryPrice); adverse.GreaterThan(trade.MaxAdverse) {
			trade.MaxAdverse = adverse
			changed = true
		}
		if favorable := bar.High.Sub(trade.EntryPrice).Div(trade.EntryPrice); favorable.GreaterThan(trade.MaxFavorable) {
			trade.MaxFavorable = favorable
			changed = true
		}
		if !changed {
			continue
		}
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			e.logger.Error("save trade", zap.String("trade", trade.ID), zap.Error(err))
		}
	}
}

// SessionStartJob resets loss counters and resumes loss-paused strategies at
// the opening bell.
func SessionStartJob(exec *executor.Executor) *Job {
	return &Job{
		Name:            "session_start_reset",
		Hour:            9,
		Minute:          30,
		TradingDaysOnly: true,
		Fn: func(ctx context.Context, now time.Time) error {
			return exec.SessionStart(ctx)
		},
	}
}

// EvaluationJob runs the after-close pipeline shortly after the close.
func EvaluationJob(eval *Evaluation) *Job {
	return &Job{
		Name:            "daily_evaluation",
		Hour:            16,
		Minute:          5,
		TradingDaysOnly: true,
		Fn:              eval.Run,
	}
}

// DailySummaryJob mails the day's closed trades and counters.
func DailySummaryJob(st store.Interface, notifier notify.Notifier, tz *time.Location) *Job {
	return &Job{
		Name:            "daily_summary",
		Hour:            16,
		Minute:          30,
		TradingDaysOnly: true,
		Fn: func(ctx context.Context, now time.Time) error {
			local := now.In(tz)
			midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tz)
			closed, err := st.ListClosedTradesSince(ctx, midnight)
			if err != nil {
				return err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "session %s: %d trades closed\n", local.Format("2006-01-02"), len(closed))
			for _, t := range closed {
				fmt.Fprintf(&b, "- %s %s x%d %s -> %s net %s (%s)\n",
					t.Symbol, t.EntryPrice, t.Quantity, t.EntryTime.Format("01-02"),
					t.ExitPrice, t.NetPnL, t.ExitReason)
			}
			return notifier.Send(notify.LevelInfo, "daily trading summary", b.String(), nil)
		},
	}
}
