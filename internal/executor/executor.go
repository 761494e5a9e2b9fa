// Package executor turns signals into broker orders and keeps local trade
// state consistent with broker events. All work for a symbol runs on a
// single shard goroutine, so per-symbol command handling is serialized
// without fine-grained locking.
package executor

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/broker"
	"github.com/evertide/swingbot/internal/lifecycle"
	"github.com/evertide/swingbot/internal/notify"
	"github.com/evertide/swingbot/internal/risk"
	"github.com/evertide/swingbot/internal/store"
	"github.com/evertide/swingbot/internal/telemetry"
	"github.com/evertide/swingbot/pkg/types"
)

// Config tunes executor behavior.
type Config struct {
	Shards            int
	CommissionPerFill decimal.Decimal
	TakeProfitEnabled bool
	Gate              risk.GateConfig
	// StopRetryBackoffs is the pause schedule between protective-stop
	// placement attempts.
	StopRetryBackoffs []time.Duration
	// EntryFillWait bounds how long an accepted entry may sit unfilled
	// before it is cancelled.
	EntryFillWait time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Shards:            4,
		CommissionPerFill: decimal.NewFromInt(1),
		TakeProfitEnabled: true,
		Gate:              risk.DefaultGateConfig(),
		StopRetryBackoffs: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		EntryFillWait:     broker.AckDeadline,
	}
}

// ErrReconcileNotClean rejects an error clear while the latest
// reconciliation report is anything but CLEAN.
var ErrReconcileNotClean = errors.New("executor: latest reconciliation report is not clean")

// entryState tracks an accepted entry order until it is fully filled and
// protected.
type entryState struct {
	orderID       string
	signalID      string
	strategyID    string
	symbol        string
	params        types.Params
	quantity      int64
	filledQty     int64
	costSum       decimal.Decimal // sum of qty*price across fills
	intendedEntry decimal.Decimal // reference close the signal priced against
	tradeID       string
	snapshot      types.IndicatorSnapshot
	context       types.MarketContext
}

// Executor owns the signal-to-order pipeline.
type Executor struct {
	cfg      Config
	store    store.Interface
	broker   broker.Broker
	losses   *risk.LossLimitTracker
	notifier notify.Notifier
	logger   *zap.Logger

	shards []chan func()
	wg     sync.WaitGroup

	connected    atomic.Bool
	recoveryMode atomic.Bool

	mu            sync.Mutex
	machines      map[string]*lifecycle.Machine
	entries       map[string]*entryState // broker order id -> pending entry
	pendingExits  map[string]types.ExitReason
	pendingCloses map[string]pendingClose // sibling broker order id -> held close
	seenStatus    map[string]struct{}     // "<broker order id>|<status>"
	seenFills     map[string]struct{}
}

// pendingClose is a booked exit held in CLOSING until the protective
// sibling's cancellation is confirmed at the broker.
type pendingClose struct {
	tradeID string
	price   decimal.Decimal
	at      time.Time
	reason  types.ExitReason
}

// New creates an executor.
func New(cfg Config, st store.Interface, br broker.Broker, losses *risk.LossLimitTracker, notifier notify.Notifier, logger *zap.Logger) *Executor {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	e := &Executor{
		cfg:          cfg,
		store:        st,
		broker:       br,
		losses:       losses,
		notifier:     notifier,
		logger:       logger.Named("executor"),
		machines:      make(map[string]*lifecycle.Machine),
		entries:       make(map[string]*entryState),
		pendingExits:  make(map[string]types.ExitReason),
		pendingCloses: make(map[string]pendingClose),
		seenStatus:    make(map[string]struct{}),
		seenFills:     make(map[string]struct{}),
	}
	e.shards = make([]chan func(), cfg.Shards)
	for i := range e.shards {
		e.shards[i] = make(chan func(), 64)
	}
	return e
}

// Start launches the shard workers and the broker event pump. It returns
// once they are running; cancel ctx to stop.
func (e *Executor) Start(ctx context.Context) {
	for i := range e.shards {
		ch := e.shards[i]
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case fn := <-ch:
					fn()
				}
			}
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pump(ctx)
	}()
}

// Wait blocks until all workers have stopped.
func (e *Executor) Wait() { e.wg.Wait() }

// dispatch enqueues fn on the shard owning symbol and blocks until it ran.
func (e *Executor) dispatch(ctx context.Context, symbol string, fn func()) {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	ch := e.shards[int(h.Sum32())%len(e.shards)]

	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case ch <- wrapped:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// pump routes broker push events onto symbol shards.
func (e *Executor) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.broker.Events():
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case broker.ConnectedEvent:
				e.connected.Store(true)
				e.logger.Info("broker connected")
			case broker.DisconnectedEvent:
				e.connected.Store(false)
				e.logger.Error("broker disconnected", zap.Error(ev.Err))
				e.alert(notify.LevelWarning, "broker connection lost",
					"order submission suspended until the session recovers", nil)
			case broker.FillEvent:
				fill := ev
				e.dispatch(ctx, fill.Symbol, func() { e.handleFill(ctx, fill) })
			case broker.OrderStatusEvent:
				status := ev
				order, err := e.store.GetOrderByBrokerID(ctx, status.BrokerOrderID)
				if err != nil {
					e.logger.Debug("status for unknown order",
						zap.String("broker_order_id", status.BrokerOrderID))
					continue
				}
				e.dispatch(ctx, order.Symbol, func() { e.handleStatus(ctx, status) })
			}
		}
	}
}

// SetRecoveryMode halts new entries while reconciliation inspects the books.
func (e *Executor) SetRecoveryMode(on bool) { e.recoveryMode.Store(on) }

// RecoveryMode reports whether new entries are halted.
func (e *Executor) RecoveryMode() bool { return e.recoveryMode.Load() }

// Connected reports broker session health.
func (e *Executor) Connected() bool { return e.connected.Load() }

// machine returns the lifecycle machine for a strategy, restoring it from
// the persisted status on first sight.
func (e *Executor) machine(strat *types.Strategy) *lifecycle.Machine {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[strat.ID]
	if !ok {
		m = lifecycle.NewMachineAt(strat.Status)
		e.machines[strat.ID] = m
	}
	return m
}

// MarkWarm promotes a warming strategy to active once its history is long
// enough. Called by the scheduler after a successful evaluation pass.
func (e *Executor) MarkWarm(ctx context.Context, strat *types.Strategy) error {
	m := e.machine(strat)
	if m.State() != types.StrategyWarming {
		return nil
	}
	if err := m.TransitionTo(types.StrategyActive, lifecycle.CauseWarmupComplete); err != nil {
		return err
	}
	strat.Status = types.StrategyActive
	strat.StatusReason = string(lifecycle.CauseWarmupComplete)
	strat.WarmupBarsRemaining = 0
	e.logger.Info("strategy warm", zap.String("strategy", strat.ID))
	return e.store.SaveStrategy(ctx, strat)
}

// SessionStart resets loss counters and resumes strategies paused by the
// daily loss limit. Manual pauses stay paused.
func (e *Executor) SessionStart(ctx context.Context) error {
	e.losses.SessionReset()

	strategies, err := e.store.ListStrategies(ctx)
	if err != nil {
		return err
	}
	for i := range strategies {
		strat := &strategies[i]
		if strat.Status != types.StrategyPaused ||
			strat.StatusReason != string(lifecycle.CauseLossLimit) {
			continue
		}
		m := e.machine(strat)
		if err := m.TransitionTo(types.StrategyActive, lifecycle.CauseSessionStart); err != nil {
			e.logger.Warn("session resume rejected",
				zap.String("strategy", strat.ID), zap.Error(err))
			continue
		}
		strat.Status = types.StrategyActive
		strat.StatusReason = string(lifecycle.CauseSessionStart)
		strat.ConsecutiveLosses = 0
		if err := e.store.SaveStrategy(ctx, strat); err != nil {
			return err
		}
		telemetry.ConsecutiveLosses.WithLabelValues(strat.ID).Set(0)
		e.logger.Info("strategy resumed at session start", zap.String("strategy", strat.ID))
	}
	return nil
}

// Pause applies a manual pause.
func (e *Executor) Pause(ctx context.Context, strat *types.Strategy) error {
	m := e.machine(strat)
	if err := m.TransitionTo(types.StrategyPaused, lifecycle.CauseManualPause); err != nil {
		return err
	}
	strat.Status = types.StrategyPaused
	strat.StatusReason = string(lifecycle.CauseManualPause)
	return e.store.SaveStrategy(ctx, strat)
}

// Resume applies a manual resume.
func (e *Executor) Resume(ctx context.Context, strat *types.Strategy) error {
	m := e.machine(strat)
	if err := m.TransitionTo(types.StrategyActive, lifecycle.CauseManualResume); err != nil {
		return err
	}
	e.losses.Resume(strat.ID)
	strat.Status = types.StrategyActive
	strat.StatusReason = string(lifecycle.CauseManualResume)
	return e.store.SaveStrategy(ctx, strat)
}

// ClearError acknowledges an operator's review of an errored strategy and
// returns it to service. The acknowledgement is only honored once the latest
// reconciliation report confirms the books are clean.
func (e *Executor) ClearError(ctx context.Context, strat *types.Strategy) error {
	events, err := e.store.ListRecoveryEvents(ctx, 1)
	if err != nil {
		return err
	}
	if len(events) == 0 || events[0].Outcome != types.RecoveryClean {
		return ErrReconcileNotClean
	}
	m := e.machine(strat)
	if err := m.TransitionTo(types.StrategyActive, lifecycle.CauseOperatorClear); err != nil {
		return err
	}
	e.losses.Resume(strat.ID)
	strat.Status = types.StrategyActive
	strat.StatusReason = string(lifecycle.CauseOperatorClear)
	e.logger.Warn("strategy error cleared by operator", zap.String("strategy", strat.ID))
	return e.store.SaveStrategy(ctx, strat)
}

func (e *Executor) alert(level notify.Level, subject, body string, context map[string]string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(level, subject, body, context); err != nil {
		e.logger.Error("alert delivery failed", zap.String("subject", subject), zap.Error(err))
	}
}

// markSeen dedupes status deliveries by (broker order id, status).
func (e *Executor) markSeen(brokerOrderID string, status types.OrderStatus) bool {
	key := brokerOrderID + "|" + string(status)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.seenStatus[key]; dup {
		return false
	}
	e.seenStatus[key] = struct{}{}
	return true
}

// markFillSeen dedupes execution reports replayed by the broker feed. Fills
// carry no execution id, so the identifying fields stand in for one.
func (e *Executor) markFillSeen(fill broker.FillEvent) bool {
	key := fmt.Sprintf("%s|%d|%s|%d",
		fill.BrokerOrderID, fill.Quantity, fill.Price.String(), fill.At.UnixNano())
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.seenFills[key]; dup {
		return false
	}
	e.seenFills[key] = struct{}{}
	return true
}
