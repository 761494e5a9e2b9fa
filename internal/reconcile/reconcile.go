// Package reconcile aligns local records with the broker after a restart.
// The broker snapshot is the source of truth: local trades and orders are
// adjusted to match it, never the other way around. Entries stay halted
// while a pass runs; a pass that adopts an orphan position, hits a critical
// divergence, or cannot fix every discrepancy leaves the system in recovery
// mode with strategies paused until an operator reviews it.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/broker"
	"github.com/evertide/swingbot/internal/clock"
	"github.com/evertide/swingbot/internal/lifecycle"
	"github.com/evertide/swingbot/internal/notify"
	"github.com/evertide/swingbot/internal/store"
	"github.com/evertide/swingbot/internal/telemetry"
	"github.com/evertide/swingbot/pkg/types"
)

// CriticalNotional is the discrepancy size above which a divergence is
// critical rather than minor.
var CriticalNotional = decimal.NewFromInt(100)

// Halter suspends new entries while reconciliation runs.
type Halter interface {
	SetRecoveryMode(on bool)
}

// Config tunes reconciliation.
type Config struct {
	// OrphanStopPct sets the protective stop distance for adopted
	// broker-side positions with no local trade.
	OrphanStopPct decimal.Decimal
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{OrphanStopPct: decimal.NewFromFloat(0.05)}
}

// Reconciler runs recovery passes.
type Reconciler struct {
	cfg      Config
	store    store.Interface
	broker   broker.Broker
	halter   Halter
	notifier notify.Notifier
	clk      clock.Clock
	logger   *zap.Logger
}

// New creates a reconciler.
func New(cfg Config, st store.Interface, br broker.Broker, halter Halter, notifier notify.Notifier, clk clock.Clock, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    st,
		broker:   br,
		halter:   halter,
		notifier: notifier,
		clk:      clk,
		logger:   logger.Named("reconcile"),
	}
}

// Run executes one reconciliation pass and returns its audit record. It is
// idempotent: a second pass over an already-consistent book reports CLEAN.
func (r *Reconciler) Run(ctx context.Context) (*types.RecoveryEvent, error) {
	started := r.clk.Now().UTC()
	event := &types.RecoveryEvent{
		ID:        uuid.New().String(),
		StartedAt: started,
	}

	r.halter.SetRecoveryMode(true)
	r.setSystemStatus(ctx, types.SystemRecovering)

	positions, err := r.broker.Positions(ctx)
	if err != nil {
		return r.finish(ctx, event, types.RecoveryFailed, fmt.Errorf("broker positions: %w", err))
	}
	openOrders, err := r.broker.OpenOrders(ctx)
	if err != nil {
		return r.finish(ctx, event, types.RecoveryFailed, fmt.Errorf("broker open orders: %w", err))
	}
	localTrades, err := r.store.ListOpenTrades(ctx)
	if err != nil {
		return r.finish(ctx, event, types.RecoveryFailed, fmt.Errorf("local trades: %w", err))
	}
	localOrders, err := r.store.ListOpenOrders(ctx)
	if err != nil {
		return r.finish(ctx, event, types.RecoveryFailed, fmt.Errorf("local orders: %w", err))
	}

	brokerBySymbol := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		brokerBySymbol[p.Symbol] = p
	}
	localBySymbol := make(map[string]*types.Trade, len(localTrades))
	for i := range localTrades {
		localBySymbol[localTrades[i].Symbol] = &localTrades[i]
	}
	brokerOrderIDs := make(map[string]struct{}, len(openOrders))
	for _, o := range openOrders {
		brokerOrderIDs[o.BrokerOrderID] = struct{}{}
	}

	manual := false
	orphans := 0

	// Broker positions with no local trade: adopt and protect.
	for symbol, pos := range brokerBySymbol {
		if _, ok := localBySymbol[symbol]; ok {
			continue
		}
		notional := pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity))
		d := types.Discrepancy{
			Kind:     "extra_at_broker",
			Symbol:   symbol,
			Detail:   fmt.Sprintf("%d shares at broker with no local trade", pos.Quantity),
			Notional: notional,
			Critical: notional.GreaterThan(CriticalNotional),
		}
		event.Discrepancies = append(event.Discrepancies, d)
		orphans++
		if err := r.adoptOrphan(ctx, event, pos); err != nil {
			r.logger.Error("orphan adoption failed", zap.String("symbol", symbol), zap.Error(err))
			manual = true
		}
	}

	// Local trades with no broker position: the exit happened while we
	// were down. Close the local record.
	for symbol, trade := range localBySymbol {
		pos, ok := brokerBySymbol[symbol]
		if !ok {
			impact := estimatedImpact(trade)
			d := types.Discrepancy{
				Kind:     "missing_at_broker",
				Symbol:   symbol,
				Detail:   fmt.Sprintf("local trade %s open, broker flat; estimated P&L impact %s", trade.ID, impact),
				Notional: trade.Notional(),
				Critical: impact.GreaterThan(CriticalNotional),
			}
			event.Discrepancies = append(event.Discrepancies, d)
			r.closeStale(ctx, event, trade)
			continue
		}
		if pos.Quantity != trade.Quantity {
			diff := trade.EntryPrice.Mul(decimal.NewFromInt(abs(pos.Quantity - trade.Quantity)))
			event.Discrepancies = append(event.Discrepancies, types.Discrepancy{
				Kind:     "quantity_drift",
				Symbol:   symbol,
				Detail:   fmt.Sprintf("local %d vs broker %d", trade.Quantity, pos.Quantity),
				Notional: diff,
				Critical: diff.GreaterThan(CriticalNotional),
			})
			trade.Quantity = pos.Quantity
			if err := r.store.SaveTrade(ctx, trade); err != nil {
				r.logger.Error("quantity fix failed", zap.Error(err))
				manual = true
			} else {
				event.Actions = append(event.Actions,
					fmt.Sprintf("adjusted %s quantity to broker figure %d", symbol, pos.Quantity))
			}
		}
	}

	// Local orders the broker no longer has open: mark them cancelled
	// unless a fill already closed them.
	for i := range localOrders {
		order := &localOrders[i]
		if order.BrokerOrderID == "" {
			continue
		}
		if _, ok := brokerOrderIDs[order.BrokerOrderID]; ok {
			continue
		}
		event.Discrepancies = append(event.Discrepancies, types.Discrepancy{
			Kind:   "order_status_drift",
			Symbol: order.Symbol,
			Detail: fmt.Sprintf("order %s open locally, unknown at broker", order.ID),
		})
		order.Status = types.OrderCancelled
		if err := r.store.SaveOrder(ctx, order); err != nil {
			r.logger.Error("order drift fix failed", zap.Error(err))
			manual = true
		} else {
			event.Actions = append(event.Actions,
				fmt.Sprintf("marked order %s cancelled", order.ID))
		}
	}

	critical := false
	for _, d := range event.Discrepancies {
		if d.Critical {
			critical = true
			break
		}
	}

	// Adopted orphans and critical divergences were repaired but not
	// explained; an operator has to review them before entries resume.
	outcome := types.RecoveryAutoFixed
	switch {
	case manual || critical || orphans > 0:
		outcome = types.RecoveryManualRequired
	case len(event.Discrepancies) == 0:
		outcome = types.RecoveryClean
	}
	return r.finish(ctx, event, outcome, nil)
}

// estimatedImpact is the P&L a stale trade's missed exit would have realized,
// priced at the stop since the true fill is unknown.
func estimatedImpact(trade *types.Trade) decimal.Decimal {
	exit := trade.CurrentStop
	if exit.IsZero() {
		exit = trade.EntryPrice
	}
	return exit.Sub(trade.EntryPrice).Abs().Mul(decimal.NewFromInt(trade.Quantity))
}

// adoptOrphan creates a local trade for a broker-side position and places a
// protective stop under it.
func (r *Reconciler) adoptOrphan(ctx context.Context, event *types.RecoveryEvent, pos broker.Position) error {
	now := r.clk.Now().UTC()
	stop := pos.AvgCost.Mul(decimal.NewFromInt(1).Sub(r.cfg.OrphanStopPct))

	trade := &types.Trade{
		ID:          uuid.New().String(),
		Symbol:      pos.Symbol,
		Quantity:    pos.Quantity,
		EntryPrice:  pos.AvgCost,
		EntryTime:   now,
		InitialStop: stop,
		CurrentStop: stop,
	}

	order := &types.Order{
		ID:          uuid.New().String(),
		IntentID:    uuid.New().String(),
		Symbol:      pos.Symbol,
		Kind:        types.OrderStopLoss,
		Side:        types.SideSell,
		Quantity:    pos.Quantity,
		StopPrice:   stop,
		Status:      types.OrderPending,
		SubmittedAt: now,
		TradeID:     trade.ID,
	}
	res := r.broker.Submit(ctx, broker.OrderRequest{
		IntentID:  order.IntentID,
		Symbol:    order.Symbol,
		Kind:      order.Kind,
		Side:      order.Side,
		Quantity:  order.Quantity,
		StopPrice: order.StopPrice,
	})
	if !res.Accepted() {
		return fmt.Errorf("protective stop for %s: %v", pos.Symbol, res.Err)
	}
	order.BrokerOrderID = res.BrokerOrderID
	order.Status = types.OrderSubmitted
	trade.StopOrderID = order.ID

	if err := r.store.SaveTrade(ctx, trade); err != nil {
		return err
	}
	if err := r.store.SaveOrder(ctx, order); err != nil {
		return err
	}
	event.Actions = append(event.Actions,
		fmt.Sprintf("adopted %d %s from broker and placed stop at %s", pos.Quantity, pos.Symbol, stop))
	return nil
}

// closeStale closes a local trade whose position is gone at the broker. The
// true exit price is unknown; the stop level is the best available estimate.
func (r *Reconciler) closeStale(ctx context.Context, event *types.RecoveryEvent, trade *types.Trade) {
	now := r.clk.Now().UTC()
	exit := trade.CurrentStop
	if exit.IsZero() {
		exit = trade.EntryPrice
	}
	qty := decimal.NewFromInt(trade.Quantity)
	trade.ExitPrice = exit
	trade.ExitTime = &now
	trade.ExitReason = types.ExitManual
	trade.Closing = false
	trade.GrossPnL = exit.Sub(trade.EntryPrice).Mul(qty)
	trade.NetPnL = trade.GrossPnL.Sub(trade.Commission)
	if err := r.store.SaveTrade(ctx, trade); err != nil {
		r.logger.Error("stale trade close failed", zap.Error(err))
		return
	}
	event.Actions = append(event.Actions,
		fmt.Sprintf("closed stale trade %s (%s) at estimated %s", trade.ID, trade.Symbol, exit))
}

// finish persists the audit record, sets the final system status, and lifts
// or keeps the entry halt.
func (r *Reconciler) finish(ctx context.Context, event *types.RecoveryEvent, outcome types.RecoveryOutcome, cause error) (*types.RecoveryEvent, error) {
	now := r.clk.Now().UTC()
	event.CompletedAt = &now
	event.Outcome = outcome
	event.Report = r.report(event, cause)

	if err := r.store.SaveRecoveryEvent(ctx, event); err != nil {
		r.logger.Error("save recovery event", zap.Error(err))
	}
	telemetry.RecoveryRuns.WithLabelValues(string(outcome)).Inc()

	switch outcome {
	case types.RecoveryClean, types.RecoveryAutoFixed:
		r.setSystemStatus(ctx, types.SystemRunning)
		r.halter.SetRecoveryMode(false)
		if outcome == types.RecoveryAutoFixed {
			r.notify(notify.LevelWarning, "reconciliation auto-fixed discrepancies", event.Report)
		}
	default:
		r.setSystemStatus(ctx, types.SystemRecoveryMode)
		r.pauseStrategies(ctx)
		r.notify(notify.LevelCritical, "reconciliation requires operator attention", event.Report)
	}

	r.logger.Info("reconciliation finished",
		zap.String("outcome", string(outcome)),
		zap.Int("discrepancies", len(event.Discrepancies)),
		zap.Int("actions", len(event.Actions)),
	)
	return event, cause
}

// pauseStrategies force-pauses running strategies while the system sits in
// recovery mode. They stay paused until an operator resumes them.
func (r *Reconciler) pauseStrategies(ctx context.Context) {
	strategies, err := r.store.ListStrategies(ctx)
	if err != nil {
		r.logger.Error("list strategies", zap.Error(err))
		return
	}
	for i := range strategies {
		strat := &strategies[i]
		m := lifecycle.NewMachineAt(strat.Status)
		if err := m.TransitionTo(types.StrategyPaused, lifecycle.CauseRecoveryMode); err != nil {
			continue
		}
		strat.Status = types.StrategyPaused
		strat.StatusReason = string(lifecycle.CauseRecoveryMode)
		if err := r.store.SaveStrategy(ctx, strat); err != nil {
			r.logger.Error("save strategy", zap.Error(err))
			continue
		}
		r.logger.Warn("strategy paused for recovery mode", zap.String("strategy", strat.ID))
	}
}

func (r *Reconciler) report(event *types.RecoveryEvent, cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "reconciliation started %s\n", event.StartedAt.Format(time.RFC3339))
	if cause != nil {
		fmt.Fprintf(&b, "aborted: %v\n", cause)
	}
	for _, d := range event.Discrepancies {
		flag := ""
		if d.Critical {
			flag = " [critical]"
		}
		fmt.Fprintf(&b, "- %s %s: %s (notional %s)%s\n", d.Kind, d.Symbol, d.Detail, d.Notional, flag)
	}
	for _, a := range event.Actions {
		fmt.Fprintf(&b, "* %s\n", a)
	}
	if len(event.Discrepancies) == 0 && cause == nil {
		b.WriteString("books consistent with broker\n")
	}
	return b.String()
}

func (r *Reconciler) setSystemStatus(ctx context.Context, status types.SystemStatus) {
	state, err := r.store.GetSystemState(ctx)
	if err != nil {
		state = &types.SystemState{}
	}
	state.Status = status
	state.UpdatedAt = r.clk.Now().UTC()
	if err := r.store.SaveSystemState(ctx, state); err != nil {
		r.logger.Error("save system state", zap.Error(err))
	}
}

func (r *Reconciler) notify(level notify.Level, subject, body string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Send(level, subject, body, nil); err != nil {
		r.logger.Error("alert delivery failed", zap.Error(err))
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
