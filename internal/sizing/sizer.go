// Package sizing maps portfolio state and trade intent to an integer share
// count honoring the risk-fraction and position-cap rules.
package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Request contains the inputs for one sizing decision.
type Request struct {
	PortfolioValue decimal.Decimal
	AvailableCash  decimal.Decimal
	EntryPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	RiskFraction   decimal.Decimal // fraction of portfolio risked per trade
	MaxPositionPct decimal.Decimal // per-position notional cap
}

// Result contains the calculated size and what limited it.
type Result struct {
	Quantity       int64           `json:"quantity"`
	RiskPerShare   decimal.Decimal `json:"riskPerShare"`
	RawQuantity    int64           `json:"rawQuantity"`
	CapByValue     int64           `json:"capByValue"`
	CapByCash      int64           `json:"capByCash"`
	LimitingFactor string          `json:"limitingFactor"`
}

// Size computes quantity = max(0, min(raw, cap_by_value, cap_by_cash)) with
// raw = floor(P*r / (E-S)), cap_by_value = floor(P*m / E) and
// cap_by_cash = floor(C / E). All cap comparisons are exact decimal
// arithmetic; the result is an integer share count.
func Size(req Request) (Result, error) {
	if !req.PortfolioValue.IsPositive() {
		return Result{}, fmt.Errorf("portfolio value %s must be positive", req.PortfolioValue)
	}
	if !req.EntryPrice.IsPositive() {
		return Result{}, fmt.Errorf("entry price %s must be positive", req.EntryPrice)
	}
	if req.StopPrice.GreaterThanOrEqual(req.EntryPrice) {
		return Result{}, fmt.Errorf("stop price %s must be below entry price %s", req.StopPrice, req.EntryPrice)
	}

	riskPerShare := req.EntryPrice.Sub(req.StopPrice)
	raw := req.PortfolioValue.Mul(req.RiskFraction).Div(riskPerShare).Floor().IntPart()
	capByValue := req.PortfolioValue.Mul(req.MaxPositionPct).Div(req.EntryPrice).Floor().IntPart()
	capByCash := req.AvailableCash.Div(req.EntryPrice).Floor().IntPart()

	res := Result{
		RiskPerShare: riskPerShare,
		RawQuantity:  raw,
		CapByValue:   capByValue,
		CapByCash:    capByCash,
	}

	qty, factor := raw, "risk"
	if capByValue < qty {
		qty, factor = capByValue, "position_cap"
	}
	if capByCash < qty {
		qty, factor = capByCash, "cash"
	}
	if qty < 0 {
		qty = 0
	}
	if qty == 0 {
		factor = "zero"
	}
	res.Quantity = qty
	res.LimitingFactor = factor
	return res, nil
}
