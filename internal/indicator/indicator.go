// Package indicator computes technical indicator series over ordered bars.
//
// All functions are pure and deterministic. A value is marked unavailable
// until the indicator's minimum window is satisfied, and recomputing over a
// series extended by one bar never changes previously emitted values.
package indicator

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Series is an indicator output parallel to its input bar series. Values
// before the availability index are meaningless and flagged invalid.
type Series struct {
	Values []decimal.Decimal
	Valid  []bool
}

// At returns the value at index i and whether it is available.
func (s Series) At(i int) (decimal.Decimal, bool) {
	if i < 0 || i >= len(s.Values) || !s.Valid[i] {
		return decimal.Decimal{}, false
	}
	return s.Values[i], true
}

// Len returns the series length.
func (s Series) Len() int { return len(s.Values) }

func newSeries(n int) Series {
	return Series{
		Values: make([]decimal.Decimal, n),
		Valid:  make([]bool, n),
	}
}

// EMA computes the exponential moving average with period n and smoothing
// alpha = 2/(n+1). The value at index n-1 is seeded with the simple average
// of the first n closes; earlier indices are unavailable.
func EMA(closes []decimal.Decimal, n int) (Series, error) {
	if n < 1 {
		return Series{}, fmt.Errorf("ema period %d must be >= 1", n)
	}
	out := newSeries(len(closes))
	if len(closes) < n {
		return out, nil
	}

	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(n) + 1))
	oneMinus := decimal.NewFromInt(1).Sub(alpha)

	sum := decimal.Zero
	for i := 0; i < n; i++ {
		sum = sum.Add(closes[i])
	}
	prev := sum.Div(decimal.NewFromInt(int64(n)))
	out.Values[n-1] = prev
	out.Valid[n-1] = true

	for i := n; i < len(closes); i++ {
		prev = closes[i].Mul(alpha).Add(prev.Mul(oneMinus))
		out.Values[i] = prev
		out.Valid[i] = true
	}
	return out, nil
}

// RSI computes the relative strength index with Wilder's smoothing: a simple
// average of gains/losses over the first n changes, then alpha = 1/n. Values
// are reported available only from index 2n onward for stability.
func RSI(closes []decimal.Decimal, n int) (Series, error) {
	if n < 1 {
		return Series{}, fmt.Errorf("rsi period %d must be >= 1", n)
	}
	out := newSeries(len(closes))
	if len(closes) <= n {
		return out, nil
	}

	hundred := decimal.NewFromInt(100)
	period := decimal.NewFromInt(int64(n))
	nMinus1 := decimal.NewFromInt(int64(n) - 1)

	var avgGain, avgLoss decimal.Decimal
	for i := 1; i <= n; i++ {
		change := closes[i].Sub(closes[i-1])
		if change.IsPositive() {
			avgGain = avgGain.Add(change)
		} else {
			avgLoss = avgLoss.Add(change.Neg())
		}
	}
	avgGain = avgGain.Div(period)
	avgLoss = avgLoss.Div(period)

	setRSI := func(i int) {
		if avgLoss.IsZero() {
			out.Values[i] = hundred
		} else {
			rs := avgGain.Div(avgLoss)
			out.Values[i] = hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
		}
		out.Valid[i] = i >= 2*n
	}
	setRSI(n)

	for i := n + 1; i < len(closes); i++ {
		change := closes[i].Sub(closes[i-1])
		gain, loss := decimal.Zero, decimal.Zero
		if change.IsPositive() {
			gain = change
		} else {
			loss = change.Neg()
		}
		avgGain = avgGain.Mul(nMinus1).Add(gain).Div(period)
		avgLoss = avgLoss.Mul(nMinus1).Add(loss).Div(period)
		setRSI(i)
	}
	return out, nil
}

// WarmupLength returns the minimum number of bars before a strategy using
// EMA(fast), EMA(slow) and RSI(r) may signal: max(slow, 2r).
func WarmupLength(slow, rsiPeriod int) int {
	if 2*rsiPeriod > slow {
		return 2 * rsiPeriod
	}
	return slow
}
