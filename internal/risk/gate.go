// Package risk validates candidate trades and tracks per-strategy loss limits.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/evertide/swingbot/pkg/types"
)

// Candidate is a proposed trade to be validated.
type Candidate struct {
	StrategyID          string
	Symbol              string
	Quantity            int64
	EntryPrice          decimal.Decimal
	StopPrice           decimal.Decimal
	EstimatedCommission decimal.Decimal
}

// Snapshot is the portfolio and strategy state the gate validates against.
type Snapshot struct {
	StrategyStatus       types.StrategyStatus
	LossLimitPaused      bool
	HasOpenTrade         bool            // open trade exists for (strategy, symbol)
	OpenStrategyNotional decimal.Decimal // sum of the strategy's open trade notionals
	PortfolioValue       decimal.Decimal
	AvailableCash        decimal.Decimal
}

// GateConfig holds the allocation limits.
type GateConfig struct {
	AllocationCapFraction decimal.Decimal // per-strategy cap, default 0.5
	PositionCapFraction   decimal.Decimal // per-position cap, fixed 0.20
}

// DefaultGateConfig returns the documented limits.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		AllocationCapFraction: decimal.NewFromFloat(0.5),
		PositionCapFraction:   decimal.NewFromFloat(0.20),
	}
}

// Check runs the sequential validations in their fixed order and returns the
// first failure reason, or ReasonNone when the candidate is acceptable.
func Check(c Candidate, s Snapshot, cfg GateConfig) types.NonExecutionReason {
	if s.StrategyStatus != types.StrategyActive {
		return types.ReasonStrategyInactive
	}
	if s.HasOpenTrade {
		return types.ReasonDuplicatePosition
	}
	if s.LossLimitPaused {
		return types.ReasonDailyLossLimit
	}
	if c.Quantity <= 0 {
		return types.ReasonSizeZero
	}

	notional := c.EntryPrice.Mul(decimal.NewFromInt(c.Quantity))
	if s.OpenStrategyNotional.Add(notional).GreaterThan(cfg.AllocationCapFraction.Mul(s.PortfolioValue)) {
		return types.ReasonAllocationExceeded
	}
	if notional.GreaterThan(cfg.PositionCapFraction.Mul(s.PortfolioValue)) {
		return types.ReasonPositionCapExceeded
	}
	if s.AvailableCash.LessThan(notional.Add(c.EstimatedCommission)) {
		return types.ReasonInsufficientCash
	}
	return types.ReasonNone
}
