package executor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/broker"
	"github.com/evertide/swingbot/internal/lifecycle"
	"github.com/evertide/swingbot/internal/notify"
	"github.com/evertide/swingbot/internal/risk"
	"github.com/evertide/swingbot/internal/sizing"
	"github.com/evertide/swingbot/internal/store"
	"github.com/evertide/swingbot/internal/telemetry"
	"github.com/evertide/swingbot/pkg/types"
)

// HandleSignal processes one evaluation outcome on the symbol's shard. It
// blocks until the signal has been handled. lastClose is the reference price
// the signal was generated against.
func (e *Executor) HandleSignal(ctx context.Context, strat *types.Strategy, sig *types.Signal, lastClose decimal.Decimal) {
	telemetry.SignalsGenerated.WithLabelValues(string(sig.Type)).Inc()
	e.dispatch(ctx, sig.Symbol, func() {
		switch sig.Type {
		case types.SignalBuy:
			e.handleBuy(ctx, strat, sig, lastClose)
		case types.SignalSell:
			e.handleSell(ctx, strat, sig)
		default:
			if err := e.store.SaveSignal(ctx, sig); err != nil {
				e.logger.Error("save signal", zap.Error(err))
			}
		}
	})
}

// reject records a non-executed actionable signal.
func (e *Executor) reject(ctx context.Context, sig *types.Signal, reason types.NonExecutionReason) {
	sig.Executed = false
	sig.NonExecutionReason = reason
	telemetry.NonExecutions.WithLabelValues(string(reason)).Inc()
	e.logger.Info("signal not executed",
		zap.String("signal", sig.ID),
		zap.String("symbol", sig.Symbol),
		zap.String("reason", string(reason)),
	)
	if err := e.store.SaveSignal(ctx, sig); err != nil {
		e.logger.Error("save signal", zap.Error(err))
	}
}

func (e *Executor) handleBuy(ctx context.Context, strat *types.Strategy, sig *types.Signal, lastClose decimal.Decimal) {
	if e.recoveryMode.Load() {
		e.reject(ctx, sig, types.ReasonRecoveryMode)
		return
	}
	if !e.connected.Load() {
		e.reject(ctx, sig, types.ReasonConnectionLost)
		return
	}

	m := e.machine(strat)
	if m.State() == types.StrategyWarming {
		e.reject(ctx, sig, types.ReasonWarmingUp)
		return
	}

	account, err := e.broker.AccountValue(ctx)
	if err != nil {
		e.logger.Error("account snapshot failed", zap.Error(err))
		e.reject(ctx, sig, types.ReasonConnectionLost)
		return
	}
	telemetry.PortfolioValue.Set(account.PortfolioValue.InexactFloat64())

	stop := lastClose.Mul(decimal.NewFromInt(1).Sub(strat.Params.StopLossPct))
	size, err := sizing.Size(sizing.Request{
		PortfolioValue: account.PortfolioValue,
		AvailableCash:  account.Cash,
		EntryPrice:     lastClose,
		StopPrice:      stop,
		RiskFraction:   strat.Params.RiskFraction,
		MaxPositionPct: e.cfg.Gate.PositionCapFraction,
	})
	if err != nil {
		e.logger.Error("sizing failed", zap.String("symbol", sig.Symbol), zap.Error(err))
		e.reject(ctx, sig, types.ReasonSizeZero)
		return
	}

	open, err := e.store.ListOpenTradesForStrategy(ctx, strat.ID)
	if err != nil {
		e.logger.Error("open trade lookup", zap.Error(err))
		return
	}
	hasOpen := false
	var openNotional decimal.Decimal
	for i := range open {
		if open[i].Symbol == sig.Symbol {
			hasOpen = true
		}
		openNotional = openNotional.Add(open[i].Notional())
	}

	gateCfg := e.cfg.Gate
	if !strat.Params.AllocationCapFraction.IsZero() {
		gateCfg.AllocationCapFraction = strat.Params.AllocationCapFraction
	}
	reason := risk.Check(risk.Candidate{
		StrategyID:          strat.ID,
		Symbol:              sig.Symbol,
		Quantity:            size.Quantity,
		EntryPrice:          lastClose,
		StopPrice:           stop,
		EstimatedCommission: e.cfg.CommissionPerFill,
	}, risk.Snapshot{
		StrategyStatus:       m.State(),
		LossLimitPaused:      e.losses.Paused(strat.ID),
		HasOpenTrade:         hasOpen,
		OpenStrategyNotional: openNotional,
		PortfolioValue:       account.PortfolioValue,
		AvailableCash:        account.Cash,
	}, gateCfg)
	if reason != types.ReasonNone {
		e.reject(ctx, sig, reason)
		return
	}

	order := &types.Order{
		ID:          uuid.New().String(),
		IntentID:    uuid.New().String(),
		Symbol:      sig.Symbol,
		Kind:        types.OrderEntryMarket,
		Side:        types.SideBuy,
		Quantity:    size.Quantity,
		Status:      types.OrderPending,
		SubmittedAt: time.Now().UTC(),
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		e.logger.Error("save order", zap.Error(err))
		return
	}

	res := e.broker.Submit(ctx, broker.OrderRequest{
		IntentID: order.IntentID,
		Symbol:   order.Symbol,
		Kind:     order.Kind,
		Side:     order.Side,
		Quantity: order.Quantity,
	})
	telemetry.OrdersSubmitted.WithLabelValues(string(order.Kind)).Inc()

	switch {
	case res.Accepted():
		order.BrokerOrderID = res.BrokerOrderID
		order.Status = types.OrderSubmitted
		if err := e.store.SaveOrder(ctx, order); err != nil {
			e.logger.Error("save order", zap.Error(err))
		}
		sig.Executed = true
		if err := e.store.SaveSignal(ctx, sig); err != nil {
			e.logger.Error("save signal", zap.Error(err))
		}
		e.mu.Lock()
		e.entries[res.BrokerOrderID] = &entryState{
			orderID:       order.ID,
			signalID:      sig.ID,
			strategyID:    strat.ID,
			symbol:        sig.Symbol,
			params:        strat.Params,
			quantity:      order.Quantity,
			intendedEntry: lastClose,
			snapshot:      sig.IndicatorSnapshot,
			context:       sig.MarketContext,
		}
		e.mu.Unlock()
		e.watchEntryFill(ctx, res.BrokerOrderID, sig.Symbol)
		e.logger.Info("entry accepted",
			zap.String("symbol", sig.Symbol),
			zap.Int64("quantity", order.Quantity),
			zap.String("limiting_factor", size.LimitingFactor),
			zap.String("broker_order_id", res.BrokerOrderID),
		)

	case res.TimedOut():
		// The order may still exist broker-side; reconciliation resolves it.
		e.reject(ctx, sig, types.ReasonTimeout)
		e.alert(notify.LevelWarning, "entry submission timed out",
			"order acknowledgement missing; reconciliation will resolve the intent",
			map[string]string{"symbol": sig.Symbol, "intent": order.IntentID})

	default:
		order.Status = types.OrderRejected
		if err := e.store.SaveOrder(ctx, order); err != nil {
			e.logger.Error("save order", zap.Error(err))
		}
		telemetry.OrdersRejected.Inc()
		e.reject(ctx, sig, types.ReasonBrokerRejected)
	}
}

func (e *Executor) handleSell(ctx context.Context, strat *types.Strategy, sig *types.Signal) {
	trade, err := e.store.OpenTradeForStrategySymbol(ctx, strat.ID, sig.Symbol)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("sell signal with no open trade",
				zap.String("strategy", strat.ID), zap.String("symbol", sig.Symbol))
			if err := e.store.SaveSignal(ctx, sig); err != nil {
				e.logger.Error("save signal", zap.Error(err))
			}
			return
		}
		e.logger.Error("open trade lookup", zap.Error(err))
		return
	}
	if trade.Closing {
		e.logger.Info("exit already in flight", zap.String("trade", trade.ID))
		return
	}
	sig.TradeID = trade.ID
	sig.Executed = true
	if err := e.store.SaveSignal(ctx, sig); err != nil {
		e.logger.Error("save signal", zap.Error(err))
	}
	e.closePosition(ctx, trade, types.ExitSignal)
}

// closePosition cancels the protective orders and submits a market exit.
func (e *Executor) closePosition(ctx context.Context, trade *types.Trade, reason types.ExitReason) {
	trade.Closing = true
	if err := e.store.SaveTrade(ctx, trade); err != nil {
		e.logger.Error("save trade", zap.Error(err))
		return
	}

	e.cancelByOrderID(ctx, trade.StopOrderID)
	e.cancelByOrderID(ctx, trade.TakeProfitOrderID)

	order := &types.Order{
		ID:          uuid.New().String(),
		IntentID:    uuid.New().String(),
		Symbol:      trade.Symbol,
		Kind:        types.OrderExitMarket,
		Side:        types.SideSell,
		Quantity:    trade.Quantity,
		Status:      types.OrderPending,
		SubmittedAt: time.Now().UTC(),
		TradeID:     trade.ID,
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		e.logger.Error("save order", zap.Error(err))
		return
	}

	res := e.broker.Submit(ctx, broker.OrderRequest{
		IntentID: order.IntentID,
		Symbol:   order.Symbol,
		Kind:     order.Kind,
		Side:     order.Side,
		Quantity: order.Quantity,
	})
	telemetry.OrdersSubmitted.WithLabelValues(string(order.Kind)).Inc()

	if !res.Accepted() {
		e.alert(notify.LevelCritical, "exit order not accepted",
			"position may be unprotected after sibling cancellation",
			map[string]string{"symbol": trade.Symbol, "trade": trade.ID})
		e.logger.Error("exit submission failed",
			zap.String("trade", trade.ID), zap.Error(res.Err))
		return
	}
	order.BrokerOrderID = res.BrokerOrderID
	order.Status = types.OrderSubmitted
	if err := e.store.SaveOrder(ctx, order); err != nil {
		e.logger.Error("save order", zap.Error(err))
	}
	trade.ExitOrderID = order.ID
	if err := e.store.SaveTrade(ctx, trade); err != nil {
		e.logger.Error("save trade", zap.Error(err))
	}
	e.mu.Lock()
	e.pendingExits[res.BrokerOrderID] = reason
	e.mu.Unlock()
}

// watchEntryFill cancels an accepted entry the broker has not filled within
// the wait window. A partial fill keeps its protected trade; only the
// unfilled remainder is cancelled.
func (e *Executor) watchEntryFill(ctx context.Context, brokerOrderID, symbol string) {
	wait := e.cfg.EntryFillWait
	if wait <= 0 {
		wait = broker.AckDeadline
	}
	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		e.dispatch(ctx, symbol, func() {
			e.mu.Lock()
			st, pending := e.entries[brokerOrderID]
			if pending {
				delete(e.entries, brokerOrderID)
			}
			e.mu.Unlock()
			if !pending {
				return
			}
			if err := e.broker.Cancel(ctx, brokerOrderID); err != nil {
				e.logger.Warn("entry cancel failed",
					zap.String("broker_order_id", brokerOrderID), zap.Error(err))
			}
			if order, err := e.store.GetOrder(ctx, st.orderID); err == nil && !order.Status.Terminal() {
				order.Status = types.OrderCancelled
				if err := e.store.SaveOrder(ctx, order); err != nil {
					e.logger.Error("save order", zap.Error(err))
				}
			}
			e.alert(notify.LevelWarning, "entry not filled in time",
				"entry order sat unfilled past the wait window and was cancelled",
				map[string]string{"symbol": symbol, "broker_order_id": brokerOrderID})
			e.logger.Warn("entry fill wait expired",
				zap.String("symbol", symbol),
				zap.String("broker_order_id", brokerOrderID),
				zap.Int64("filled", st.filledQty),
			)
		})
	}()
}

// cancelByOrderID cancels the broker-side order behind a local order id. It
// returns the broker order id it acted on; callers that must confirm the
// cancel key their follow-up on it.
func (e *Executor) cancelByOrderID(ctx context.Context, orderID string) (string, error) {
	if orderID == "" {
		return "", nil
	}
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		e.logger.Warn("cancel: order not found", zap.String("order", orderID))
		return "", nil
	}
	if order.Status.Terminal() || order.BrokerOrderID == "" {
		return "", nil
	}
	if err := e.broker.Cancel(ctx, order.BrokerOrderID); err != nil {
		e.logger.Warn("cancel failed",
			zap.String("broker_order_id", order.BrokerOrderID), zap.Error(err))
		return order.BrokerOrderID, err
	}
	return order.BrokerOrderID, nil
}

// handleFill routes one execution report, ignoring replayed deliveries.
func (e *Executor) handleFill(ctx context.Context, fill broker.FillEvent) {
	if !e.markFillSeen(fill) {
		e.logger.Debug("ignoring duplicate fill",
			zap.String("broker_order_id", fill.BrokerOrderID))
		return
	}
	order, err := e.store.GetOrderByBrokerID(ctx, fill.BrokerOrderID)
	if err != nil {
		e.logger.Warn("fill for unknown order",
			zap.String("broker_order_id", fill.BrokerOrderID),
			zap.String("symbol", fill.Symbol),
		)
		return
	}

	switch order.Kind {
	case types.OrderEntryMarket:
		e.applyEntryFill(ctx, order, fill)
	case types.OrderStopLoss:
		e.applyExitFill(ctx, order, fill, types.ExitStopLoss)
	case types.OrderTakeProfit:
		e.applyExitFill(ctx, order, fill, types.ExitTakeProfit)
	case types.OrderExitMarket:
		e.mu.Lock()
		reason, ok := e.pendingExits[fill.BrokerOrderID]
		delete(e.pendingExits, fill.BrokerOrderID)
		e.mu.Unlock()
		if !ok {
			reason = types.ExitSignal
		}
		e.applyExitFill(ctx, order, fill, reason)
	}
}

// applyEntryFill accumulates (possibly partial) entry executions. The first
// fill opens the trade and places protection; later fills grow the trade and
// resize protection to the cumulative quantity at the weighted average cost.
func (e *Executor) applyEntryFill(ctx context.Context, order *types.Order, fill broker.FillEvent) {
	e.mu.Lock()
	st, ok := e.entries[fill.BrokerOrderID]
	e.mu.Unlock()
	if !ok {
		e.logger.Warn("entry fill without pending state; leaving to reconciliation",
			zap.String("broker_order_id", fill.BrokerOrderID))
		return
	}

	st.filledQty += fill.Quantity
	st.costSum = st.costSum.Add(fill.Price.Mul(decimal.NewFromInt(fill.Quantity)))
	avg := st.costSum.Div(decimal.NewFromInt(st.filledQty))

	order.FilledQty = st.filledQty
	order.FillPrice = avg
	now := fill.At
	order.FillTime = &now
	if st.filledQty >= st.quantity {
		order.Status = types.OrderFilled
	} else {
		order.Status = types.OrderPartiallyFilled
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		e.logger.Error("save order", zap.Error(err))
	}

	one := decimal.NewFromInt(1)
	stop := avg.Mul(one.Sub(st.params.StopLossPct))
	tp := avg.Mul(one.Add(st.params.TakeProfitPct))

	if st.tradeID == "" {
		trade := &types.Trade{
			ID:                 uuid.New().String(),
			StrategyID:         st.strategyID,
			Symbol:             st.symbol,
			Quantity:           st.filledQty,
			IntendedEntryPrice: st.intendedEntry,
			EntryPrice:         avg,
			EntryTime:          fill.At,
			InitialStop:        stop,
			InitialTakeProfit:  tp,
			CurrentStop:        stop,
			CurrentTakeProfit:  tp,
			Commission:         e.cfg.CommissionPerFill,
			EntryOrderID:       st.orderID,
			SignalID:           st.signalID,
			IndicatorSnapshot:  st.snapshot,
			MarketContext:      st.context,
		}
		st.tradeID = trade.ID
		order.TradeID = trade.ID
		if err := e.store.SaveOrder(ctx, order); err != nil {
			e.logger.Error("save order", zap.Error(err))
		}
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			e.logger.Error("save trade", zap.Error(err))
			return
		}
		if sig, err := e.getSignal(ctx, st); err == nil && sig != nil {
			sig.TradeID = trade.ID
			if err := e.store.SaveSignal(ctx, sig); err != nil {
				e.logger.Error("save signal", zap.Error(err))
			}
		}
		telemetry.PositionsOpen.Inc()
		e.logger.Info("trade opened",
			zap.String("trade", trade.ID),
			zap.String("symbol", trade.Symbol),
			zap.Int64("quantity", trade.Quantity),
			zap.String("entry", avg.String()),
		)
		e.protect(ctx, trade, st.params)
	} else {
		trade, err := e.store.GetTrade(ctx, st.tradeID)
		if err != nil {
			e.logger.Error("trade lookup", zap.Error(err))
			return
		}
		trade.Quantity = st.filledQty
		trade.EntryPrice = avg
		trade.CurrentStop = stop
		trade.CurrentTakeProfit = tp
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			e.logger.Error("save trade", zap.Error(err))
			return
		}
		// Resize protection to the new cumulative quantity.
		e.cancelByOrderID(ctx, trade.StopOrderID)
		e.cancelByOrderID(ctx, trade.TakeProfitOrderID)
		trade.StopOrderID = ""
		trade.TakeProfitOrderID = ""
		e.protect(ctx, trade, st.params)
	}

	if st.filledQty >= st.quantity {
		e.mu.Lock()
		delete(e.entries, fill.BrokerOrderID)
		e.mu.Unlock()
	}
}

func (e *Executor) getSignal(ctx context.Context, st *entryState) (*types.Signal, error) {
	signals, err := e.store.ListSignals(ctx, st.strategyID, time.Time{})
	if err != nil {
		return nil, err
	}
	for i := range signals {
		if signals[i].ID == st.signalID {
			return &signals[i], nil
		}
	}
	return nil, nil
}

// protect places the stop-loss and, when enabled, the take-profit for an
// open trade. A stop that cannot be placed is an emergency: the position is
// flattened and the strategy is parked in ERROR.
func (e *Executor) protect(ctx context.Context, trade *types.Trade, params types.Params) {
	stopOrder := &types.Order{
		ID:          uuid.New().String(),
		IntentID:    uuid.New().String(),
		Symbol:      trade.Symbol,
		Kind:        types.OrderStopLoss,
		Side:        types.SideSell,
		Quantity:    trade.Quantity,
		StopPrice:   trade.CurrentStop,
		Status:      types.OrderPending,
		SubmittedAt: time.Now().UTC(),
		TradeID:     trade.ID,
	}
	if err := e.store.SaveOrder(ctx, stopOrder); err != nil {
		e.logger.Error("save order", zap.Error(err))
		return
	}

	placed := false
	for attempt := 0; attempt <= len(e.cfg.StopRetryBackoffs); attempt++ {
		if attempt > 0 {
			time.Sleep(e.cfg.StopRetryBackoffs[attempt-1])
		}
		res := e.broker.Submit(ctx, broker.OrderRequest{
			IntentID:  stopOrder.IntentID,
			Symbol:    stopOrder.Symbol,
			Kind:      stopOrder.Kind,
			Side:      stopOrder.Side,
			Quantity:  stopOrder.Quantity,
			StopPrice: stopOrder.StopPrice,
		})
		telemetry.OrdersSubmitted.WithLabelValues(string(stopOrder.Kind)).Inc()
		if res.Accepted() {
			stopOrder.BrokerOrderID = res.BrokerOrderID
			stopOrder.Status = types.OrderSubmitted
			if err := e.store.SaveOrder(ctx, stopOrder); err != nil {
				e.logger.Error("save order", zap.Error(err))
			}
			trade.StopOrderID = stopOrder.ID
			if err := e.store.SaveTrade(ctx, trade); err != nil {
				e.logger.Error("save trade", zap.Error(err))
			}
			placed = true
			break
		}
		e.logger.Error("stop placement attempt failed",
			zap.String("trade", trade.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err),
		)
	}

	if !placed {
		e.emergencyFlatten(ctx, trade)
		return
	}

	if !e.cfg.TakeProfitEnabled {
		return
	}
	tpOrder := &types.Order{
		ID:          uuid.New().String(),
		IntentID:    uuid.New().String(),
		Symbol:      trade.Symbol,
		Kind:        types.OrderTakeProfit,
		Side:        types.SideSell,
		Quantity:    trade.Quantity,
		LimitPrice:  trade.CurrentTakeProfit,
		Status:      types.OrderPending,
		SubmittedAt: time.Now().UTC(),
		TradeID:     trade.ID,
	}
	if err := e.store.SaveOrder(ctx, tpOrder); err != nil {
		e.logger.Error("save order", zap.Error(err))
		return
	}
	res := e.broker.Submit(ctx, broker.OrderRequest{
		IntentID:   tpOrder.IntentID,
		Symbol:     tpOrder.Symbol,
		Kind:       tpOrder.Kind,
		Side:       tpOrder.Side,
		Quantity:   tpOrder.Quantity,
		LimitPrice: tpOrder.LimitPrice,
	})
	telemetry.OrdersSubmitted.WithLabelValues(string(tpOrder.Kind)).Inc()
	if !res.Accepted() {
		// Stop protection is in place; a missing take-profit is degraded
		// but not dangerous.
		e.alert(notify.LevelWarning, "take-profit placement failed",
			"trade remains stop-protected without a profit target",
			map[string]string{"symbol": trade.Symbol, "trade": trade.ID})
		return
	}
	tpOrder.BrokerOrderID = res.BrokerOrderID
	tpOrder.Status = types.OrderSubmitted
	if err := e.store.SaveOrder(ctx, tpOrder); err != nil {
		e.logger.Error("save order", zap.Error(err))
	}
	trade.TakeProfitOrderID = tpOrder.ID
	if err := e.store.SaveTrade(ctx, trade); err != nil {
		e.logger.Error("save trade", zap.Error(err))
	}
}

// emergencyFlatten exits an unprotectable position at market and parks the
// strategy in ERROR until an operator intervenes.
func (e *Executor) emergencyFlatten(ctx context.Context, trade *types.Trade) {
	e.alert(notify.LevelCritical, "protective stop placement failed",
		"flattening position at market; strategy moved to error",
		map[string]string{"symbol": trade.Symbol, "trade": trade.ID})

	e.closePosition(ctx, trade, types.ExitManual)

	strat, err := e.store.GetStrategy(ctx, trade.StrategyID)
	if err != nil {
		e.logger.Error("strategy lookup", zap.Error(err))
		return
	}
	m := e.machine(strat)
	if err := m.TransitionTo(types.StrategyError, lifecycle.CauseInvariantBroken); err != nil {
		e.logger.Error("error transition rejected", zap.Error(err))
		return
	}
	strat.Status = types.StrategyError
	strat.StatusReason = string(lifecycle.CauseInvariantBroken)
	if err := e.store.SaveStrategy(ctx, strat); err != nil {
		e.logger.Error("save strategy", zap.Error(err))
	}
}

// applyExitFill closes the trade on a stop, take-profit, or market exit fill
// and cancels the surviving sibling.
func (e *Executor) applyExitFill(ctx context.Context, order *types.Order, fill broker.FillEvent, reason types.ExitReason) {
	order.FilledQty += fill.Quantity
	order.FillPrice = fill.Price
	now := fill.At
	order.FillTime = &now
	if order.FilledQty >= order.Quantity {
		order.Status = types.OrderFilled
	} else {
		order.Status = types.OrderPartiallyFilled
	}
	if err := e.store.SaveOrder(ctx, order); err != nil {
		e.logger.Error("save order", zap.Error(err))
	}
	if order.Status != types.OrderFilled {
		return
	}

	// A fill on an order held for cancellation means both protective legs
	// executed. Book the original close and escalate the oversold position.
	e.mu.Lock()
	pc, doubled := e.pendingCloses[fill.BrokerOrderID]
	if doubled {
		delete(e.pendingCloses, fill.BrokerOrderID)
	}
	e.mu.Unlock()
	if doubled {
		if trade, err := e.store.GetTrade(ctx, pc.tradeID); err == nil && trade.Open() {
			e.closeTrade(ctx, trade, pc.price, pc.at, pc.reason)
		}
		e.alert(notify.LevelCritical, "protective sibling filled after exit",
			"both protective orders executed; the account is short until reconciliation squares it",
			map[string]string{"symbol": fill.Symbol, "broker_order_id": fill.BrokerOrderID})
		return
	}

	trade, err := e.store.GetTrade(ctx, order.TradeID)
	if err != nil {
		e.logger.Warn("exit fill without local trade",
			zap.String("broker_order_id", fill.BrokerOrderID))
		return
	}
	if !trade.Open() {
		return
	}

	// Cancel the surviving sibling before booking the close. If the cancel
	// fails the sibling may still execute, so the trade holds in CLOSING
	// until the broker confirms the cancel or delivers the sibling's fill.
	var (
		siblingID string
		cancelErr error
	)
	switch reason {
	case types.ExitStopLoss:
		siblingID, cancelErr = e.cancelByOrderID(ctx, trade.TakeProfitOrderID)
	case types.ExitTakeProfit:
		siblingID, cancelErr = e.cancelByOrderID(ctx, trade.StopOrderID)
	}
	if cancelErr != nil && siblingID != "" {
		trade.Closing = true
		if err := e.store.SaveTrade(ctx, trade); err != nil {
			e.logger.Error("save trade", zap.Error(err))
		}
		e.mu.Lock()
		e.pendingCloses[siblingID] = pendingClose{
			tradeID: trade.ID, price: fill.Price, at: fill.At, reason: reason,
		}
		e.mu.Unlock()
		e.alert(notify.LevelWarning, "sibling cancellation unconfirmed",
			"trade held in closing until the protective order is confirmed gone",
			map[string]string{"symbol": trade.Symbol, "trade": trade.ID})
		return
	}

	e.closeTrade(ctx, trade, fill.Price, fill.At, reason)
}

// resolvePendingClose books a close that was held waiting on this order's
// cancellation.
func (e *Executor) resolvePendingClose(ctx context.Context, brokerOrderID string) {
	e.mu.Lock()
	pc, held := e.pendingCloses[brokerOrderID]
	if held {
		delete(e.pendingCloses, brokerOrderID)
	}
	e.mu.Unlock()
	if !held {
		return
	}
	trade, err := e.store.GetTrade(ctx, pc.tradeID)
	if err != nil || !trade.Open() {
		return
	}
	e.logger.Info("sibling cancellation confirmed, booking close",
		zap.String("trade", trade.ID))
	e.closeTrade(ctx, trade, pc.price, pc.at, pc.reason)
}

// closeTrade books the round trip and feeds the loss tracker.
func (e *Executor) closeTrade(ctx context.Context, trade *types.Trade, exitPrice decimal.Decimal, exitTime time.Time, reason types.ExitReason) {
	qty := decimal.NewFromInt(trade.Quantity)
	gross := exitPrice.Sub(trade.EntryPrice).Mul(qty)
	commission := e.cfg.CommissionPerFill.Mul(decimal.NewFromInt(2))
	net := gross.Sub(commission)

	trade.ExitPrice = exitPrice
	trade.ExitTime = &exitTime
	trade.ExitReason = reason
	trade.Closing = false
	trade.Commission = commission
	trade.GrossPnL = gross
	trade.NetPnL = net
	if notional := trade.EntryPrice.Mul(qty); notional.IsPositive() {
		trade.PnLPct = net.Div(notional)
	}
	if err := e.store.SaveTrade(ctx, trade); err != nil {
		e.logger.Error("save trade", zap.Error(err))
		return
	}

	telemetry.TradesClosed.WithLabelValues(string(reason)).Inc()
	telemetry.PositionsOpen.Dec()
	e.logger.Info("trade closed",
		zap.String("trade", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("exit_reason", string(reason)),
		zap.String("net_pnl", net.String()),
	)

	strat, err := e.store.GetStrategy(ctx, trade.StrategyID)
	if err != nil {
		e.logger.Error("strategy lookup", zap.Error(err))
		return
	}
	count, thresholdHit := e.losses.RecordClose(strat.ID, net, exitTime, strat.Params.MaxConsecutiveLosses)
	strat.ConsecutiveLosses = count
	telemetry.ConsecutiveLosses.WithLabelValues(strat.ID).Set(float64(count))

	if thresholdHit {
		m := e.machine(strat)
		if err := m.TransitionTo(types.StrategyPaused, lifecycle.CauseLossLimit); err != nil {
			e.logger.Warn("loss-limit pause rejected", zap.Error(err))
		} else {
			strat.Status = types.StrategyPaused
			strat.StatusReason = string(lifecycle.CauseLossLimit)
			e.alert(notify.LevelWarning, "consecutive loss limit reached",
				"strategy paused until the next session start",
				map[string]string{"strategy": strat.ID, "losses": strconv.Itoa(count)})
		}
	}
	if err := e.store.SaveStrategy(ctx, strat); err != nil {
		e.logger.Error("save strategy", zap.Error(err))
	}
}

// handleStatus applies an order status transition, deduplicating repeats.
func (e *Executor) handleStatus(ctx context.Context, ev broker.OrderStatusEvent) {
	if !e.markSeen(ev.BrokerOrderID, ev.Status) {
		return
	}
	order, err := e.store.GetOrderByBrokerID(ctx, ev.BrokerOrderID)
	if err != nil {
		return
	}
	if !order.Status.CanTransition(ev.Status) {
		e.logger.Debug("ignoring out-of-order status",
			zap.String("broker_order_id", ev.BrokerOrderID),
			zap.String("from", string(order.Status)),
			zap.String("to", string(ev.Status)),
		)
		return
	}
	order.Status = ev.Status
	if err := e.store.SaveOrder(ctx, order); err != nil {
		e.logger.Error("save order", zap.Error(err))
	}
	if order.Status == types.OrderCancelled {
		e.resolvePendingClose(ctx, ev.BrokerOrderID)
	}
}
