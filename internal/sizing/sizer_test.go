package sizing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func baseRequest() Request {
	return Request{
		PortfolioValue: dec(10000),
		AvailableCash:  dec(10000),
		EntryPrice:     dec(100),
		StopPrice:      dec(95),
		RiskFraction:   dec(0.02),
		MaxPositionPct: dec(0.20),
	}
}

// Mirrors scenario S1: raw=40, cap_by_value=20, cap_by_cash=100 → q=20.
func TestPositionCapLimits(t *testing.T) {
	res, err := Size(baseRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(40), res.RawQuantity)
	assert.Equal(t, int64(20), res.CapByValue)
	assert.Equal(t, int64(100), res.CapByCash)
	assert.Equal(t, int64(20), res.Quantity)
	assert.Equal(t, "position_cap", res.LimitingFactor)
	assert.True(t, res.RiskPerShare.Equal(dec(5)))
}

func TestCashLimits(t *testing.T) {
	req := baseRequest()
	req.AvailableCash = dec(500)

	res, err := Size(req)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Quantity)
	assert.Equal(t, "cash", res.LimitingFactor)
}

func TestRiskLimits(t *testing.T) {
	req := baseRequest()
	// Wide stop: risk_per_share=20, raw=floor(200/20)=10 < caps.
	req.StopPrice = dec(80)

	res, err := Size(req)
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Quantity)
	assert.Equal(t, "risk", res.LimitingFactor)
}

func TestZeroQuantity(t *testing.T) {
	req := baseRequest()
	req.AvailableCash = dec(50) // less than one share

	res, err := Size(req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Quantity)
	assert.Equal(t, "zero", res.LimitingFactor)
}

func TestExactDecimalBoundary(t *testing.T) {
	// 2000/99.99 = 20.002 → floor 20; float arithmetic could tip either way,
	// decimal must not.
	req := baseRequest()
	req.EntryPrice = dec(99.99)
	req.StopPrice = dec(94.99)

	res, err := Size(req)
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.CapByValue)
}

func TestInvalidInputs(t *testing.T) {
	req := baseRequest()
	req.StopPrice = dec(100)
	_, err := Size(req)
	assert.Error(t, err, "stop at entry must be rejected")

	req = baseRequest()
	req.PortfolioValue = decimal.Zero
	_, err = Size(req)
	assert.Error(t, err)

	req = baseRequest()
	req.EntryPrice = decimal.Zero
	_, err = Size(req)
	assert.Error(t, err)
}
