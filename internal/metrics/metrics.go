// Package metrics computes performance statistics over an equity curve and
// its closed trades.
package metrics

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/evertide/swingbot/pkg/types"
)

// TradingDaysPerYear annualizes daily statistics.
const TradingDaysPerYear = 252

// Summary is the full statistics report for one run.
type Summary struct {
	Bars   int
	Trades int
	Wins   int
	Losses int

	TotalReturn      float64
	AnnualizedReturn float64
	Sharpe           float64

	// MaxDrawdown is the worst peak-to-trough move as a non-positive
	// fraction; MaxDrawdownValue is the same move in dollars.
	MaxDrawdown      float64
	MaxDrawdownValue decimal.Decimal

	WinRate float64
	// ProfitFactor is +Inf when there are wins and no losses.
	ProfitFactor float64
	AvgWin       decimal.Decimal
	AvgLoss      decimal.Decimal
	NetPnL       decimal.Decimal
}

// Compute derives the summary from the per-bar equity series (oldest first)
// and the closed trades of the same run.
func Compute(equity []types.EquityPoint, trades []types.BacktestTrade) Summary {
	s := Summary{
		Bars:             len(equity),
		Trades:           len(trades),
		MaxDrawdownValue: decimal.Zero,
		AvgWin:           decimal.Zero,
		AvgLoss:          decimal.Zero,
		NetPnL:           decimal.Zero,
	}

	if len(equity) >= 2 {
		first, _ := equity[0].Equity.Float64()
		last, _ := equity[len(equity)-1].Equity.Float64()
		if first > 0 {
			s.TotalReturn = last/first - 1
			s.AnnualizedReturn = math.Pow(last/first, float64(TradingDaysPerYear)/float64(len(equity))) - 1
		}

		returns := make([]float64, 0, len(equity)-1)
		for i := 1; i < len(equity); i++ {
			prev, _ := equity[i-1].Equity.Float64()
			cur, _ := equity[i].Equity.Float64()
			if prev > 0 {
				returns = append(returns, cur/prev-1)
			}
		}
		if len(returns) >= 2 {
			mean, std := stat.MeanStdDev(returns, nil)
			if std > 0 {
				s.Sharpe = mean / std * math.Sqrt(TradingDaysPerYear)
			}
		}

		peak := equity[0].Equity
		for _, pt := range equity {
			if pt.Equity.GreaterThan(peak) {
				peak = pt.Equity
			}
			if peak.IsPositive() {
				ddValue := pt.Equity.Sub(peak)
				dd, _ := pt.Equity.Div(peak).Float64()
				if dd-1 < s.MaxDrawdown {
					s.MaxDrawdown = dd - 1
					s.MaxDrawdownValue = ddValue
				}
			}
		}
	}

	if len(trades) == 0 {
		return s
	}

	winSum := decimal.Zero
	lossSum := decimal.Zero
	for _, t := range trades {
		s.NetPnL = s.NetPnL.Add(t.NetPnL)
		if t.NetPnL.IsPositive() {
			s.Wins++
			winSum = winSum.Add(t.NetPnL)
		} else {
			s.Losses++
			lossSum = lossSum.Add(t.NetPnL)
		}
	}
	s.WinRate = float64(s.Wins) / float64(len(trades))
	if s.Wins > 0 {
		s.AvgWin = winSum.Div(decimal.NewFromInt(int64(s.Wins)))
	}
	if s.Losses > 0 {
		s.AvgLoss = lossSum.Div(decimal.NewFromInt(int64(s.Losses)))
	}
	switch {
	case lossSum.IsZero() && winSum.IsPositive():
		s.ProfitFactor = math.Inf(1)
	case !lossSum.IsZero():
		win, _ := winSum.Float64()
		loss, _ := lossSum.Abs().Float64()
		s.ProfitFactor = win / loss
	}
	return s
}

// String renders a human-readable report for CLI output.
func (s Summary) String() string {
	pf := fmt.Sprintf("%.2f", s.ProfitFactor)
	if math.IsInf(s.ProfitFactor, 1) {
		pf = "inf"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "bars: %d  trades: %d (%d W / %d L)\n", s.Bars, s.Trades, s.Wins, s.Losses)
	fmt.Fprintf(&b, "total return: %.2f%%  annualized: %.2f%%  sharpe: %.2f\n",
		s.TotalReturn*100, s.AnnualizedReturn*100, s.Sharpe)
	fmt.Fprintf(&b, "max drawdown: %.2f%% (%s)\n", s.MaxDrawdown*100, s.MaxDrawdownValue.StringFixed(2))
	fmt.Fprintf(&b, "win rate: %.1f%%  profit factor: %s\n", s.WinRate*100, pf)
	fmt.Fprintf(&b, "avg win: %s  avg loss: %s  net: %s\n",
		s.AvgWin.StringFixed(2), s.AvgLoss.StringFixed(2), s.NetPnL.StringFixed(2))
	return b.String()
}
