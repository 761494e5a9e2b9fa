// Package heartbeat maintains the system-state singleton used for crash
// detection. The daemon writes a heartbeat on an interval; on startup the
// age of the last heartbeat decides whether the previous run died without
// shutting down cleanly.
package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/broker"
	"github.com/evertide/swingbot/internal/clock"
	"github.com/evertide/swingbot/internal/store"
	"github.com/evertide/swingbot/internal/telemetry"
	"github.com/evertide/swingbot/pkg/types"
)

const (
	// Interval is the heartbeat write cadence.
	Interval = 30 * time.Second
	// CrashThreshold is the heartbeat age beyond which the previous run is
	// presumed to have crashed.
	CrashThreshold = 300 * time.Second
)

// Monitor writes the heartbeat.
type Monitor struct {
	store  store.Interface
	broker broker.Broker
	clk    clock.Clock
	logger *zap.Logger

	// Interval overrides the default write cadence when positive.
	Interval time.Duration

	peak decimal.Decimal
}

// NewMonitor creates a heartbeat monitor.
func NewMonitor(st store.Interface, br broker.Broker, clk clock.Clock, logger *zap.Logger) *Monitor {
	return &Monitor{store: st, broker: br, clk: clk, logger: logger.Named("heartbeat"), Interval: Interval}
}

// Run writes heartbeats on the interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Beat(ctx); err != nil {
				m.logger.Error("heartbeat write failed", zap.Error(err))
			}
		}
	}
}

// Beat writes a single heartbeat. Broker figures are best-effort; a failed
// account query never blocks the heartbeat itself.
func (m *Monitor) Beat(ctx context.Context) error {
	now := m.clk.Now().UTC()
	state := &types.SystemState{
		Status:        types.SystemRunning,
		LastHeartbeat: now,
		UpdatedAt:     now,
	}
	if prev, err := m.store.GetSystemState(ctx); err == nil {
		// Preserve the reconciliation states: an in-flight RECOVERING or a
		// RECOVERY_MODE awaiting operator review.
		switch prev.Status {
		case types.SystemRecovering, types.SystemRecoveryMode:
			state.Status = prev.Status
		}
	}

	if open, err := m.store.ListOpenTrades(ctx); err == nil {
		state.ActivePositionsCount = len(open)
	}
	if m.broker != nil {
		if account, err := m.broker.AccountValue(ctx); err == nil {
			state.TotalPortfolioValue = account.PortfolioValue
			m.trackDrawdown(account.PortfolioValue)
		}
	}

	if err := m.store.SaveSystemState(ctx, state); err != nil {
		return err
	}
	telemetry.HeartbeatTimestamp.Set(float64(now.Unix()))
	return nil
}

// trackDrawdown maintains the running equity peak and exports the current
// drawdown fraction.
func (m *Monitor) trackDrawdown(value decimal.Decimal) {
	if value.GreaterThan(m.peak) {
		m.peak = value
	}
	if m.peak.IsPositive() {
		dd, _ := decimal.NewFromInt(1).Sub(value.Div(m.peak)).Float64()
		telemetry.Drawdown.Set(dd)
	}
}

// DetectCrash inspects the persisted heartbeat at startup. It reports true
// when the previous run was RUNNING but its heartbeat is older than
// threshold (non-positive means the default). A missing state row is a
// first boot, not a crash.
func DetectCrash(ctx context.Context, st store.Interface, clk clock.Clock, threshold time.Duration) (bool, error) {
	if threshold <= 0 {
		threshold = CrashThreshold
	}
	state, err := st.GetSystemState(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if state.Status != types.SystemRunning {
		return false, nil
	}
	age := clk.Now().UTC().Sub(state.LastHeartbeat)
	return age > threshold, nil
}
