package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"
)

// Params is the closed, typed strategy parameter record. Unknown keys are
// rejected at the boundary; this is the only supported shape.
type Params struct {
	EMAFastPeriod         int             `json:"emaFastPeriod" mapstructure:"ema_fast_period"`
	EMASlowPeriod         int             `json:"emaSlowPeriod" mapstructure:"ema_slow_period"`
	RSIPeriod             int             `json:"rsiPeriod" mapstructure:"rsi_period"`
	RSIOverbought         decimal.Decimal `json:"rsiOverbought" mapstructure:"rsi_overbought" gorm:"type:numeric"`
	StopLossPct           decimal.Decimal `json:"stopLossPct" mapstructure:"stop_loss_pct" gorm:"type:numeric"`
	TakeProfitPct         decimal.Decimal `json:"takeProfitPct" mapstructure:"take_profit_pct" gorm:"type:numeric"`
	MaxConsecutiveLosses  int             `json:"maxConsecutiveLosses" mapstructure:"max_consecutive_losses"`
	WarmupBars            int             `json:"warmupBars" mapstructure:"warmup_bars"`
	AllocationCapFraction decimal.Decimal `json:"allocationCapFraction" mapstructure:"allocation_cap_fraction" gorm:"type:numeric"`
	RiskFraction          decimal.Decimal `json:"riskFraction" mapstructure:"risk_fraction" gorm:"type:numeric"`
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		EMAFastPeriod:         20,
		EMASlowPeriod:         50,
		RSIPeriod:             14,
		RSIOverbought:         decimal.NewFromInt(70),
		StopLossPct:           decimal.NewFromFloat(0.05),
		TakeProfitPct:         decimal.NewFromFloat(0.15),
		MaxConsecutiveLosses:  3,
		WarmupBars:            100,
		AllocationCapFraction: decimal.NewFromFloat(0.5),
		RiskFraction:          decimal.NewFromFloat(0.02),
	}
}

// MinWarmupBars is the smallest permitted warm-up for the configured periods.
func (p Params) MinWarmupBars() int {
	min := p.EMASlowPeriod
	if 2*p.RSIPeriod > min {
		min = 2 * p.RSIPeriod
	}
	return min
}

// Validate checks every field against its documented range.
func (p Params) Validate() error {
	if p.EMAFastPeriod < 2 || p.EMAFastPeriod > 200 {
		return fmt.Errorf("ema_fast_period %d out of range [2,200]", p.EMAFastPeriod)
	}
	if p.EMASlowPeriod < 2 || p.EMASlowPeriod > 200 {
		return fmt.Errorf("ema_slow_period %d out of range [2,200]", p.EMASlowPeriod)
	}
	if p.EMASlowPeriod <= p.EMAFastPeriod {
		return fmt.Errorf("ema_slow_period %d must exceed ema_fast_period %d", p.EMASlowPeriod, p.EMAFastPeriod)
	}
	if p.RSIPeriod < 2 || p.RSIPeriod > 50 {
		return fmt.Errorf("rsi_period %d out of range [2,50]", p.RSIPeriod)
	}
	if p.RSIOverbought.LessThan(decimal.NewFromInt(50)) || p.RSIOverbought.GreaterThan(decimal.NewFromInt(95)) {
		return fmt.Errorf("rsi_overbought %s out of range [50,95]", p.RSIOverbought)
	}
	if err := checkFraction("stop_loss_pct", p.StopLossPct, 0.001, 0.25); err != nil {
		return err
	}
	if err := checkFraction("take_profit_pct", p.TakeProfitPct, 0.001, 1.0); err != nil {
		return err
	}
	if p.MaxConsecutiveLosses < 1 || p.MaxConsecutiveLosses > 10 {
		return fmt.Errorf("max_consecutive_losses %d out of range [1,10]", p.MaxConsecutiveLosses)
	}
	if p.WarmupBars < p.MinWarmupBars() {
		return fmt.Errorf("warmup_bars %d below minimum %d", p.WarmupBars, p.MinWarmupBars())
	}
	if err := checkFraction("allocation_cap_fraction", p.AllocationCapFraction, 0, 1.0); err != nil {
		return err
	}
	if err := checkFraction("risk_fraction", p.RiskFraction, 0, 0.1); err != nil {
		return err
	}
	return nil
}

func checkFraction(name string, v decimal.Decimal, lo, hi float64) error {
	if v.LessThan(decimal.NewFromFloat(lo)) || v.GreaterThan(decimal.NewFromFloat(hi)) {
		return fmt.Errorf("%s %s out of range [%g,%g]", name, v, lo, hi)
	}
	return nil
}

// Digest returns a stable hash of the parameter record, used as part of the
// backtest-run uniqueness key.
func (p Params) Digest() string {
	s := fmt.Sprintf("%d|%d|%d|%s|%s|%s|%d|%d|%s|%s",
		p.EMAFastPeriod, p.EMASlowPeriod, p.RSIPeriod,
		p.RSIOverbought, p.StopLossPct, p.TakeProfitPct,
		p.MaxConsecutiveLosses, p.WarmupBars,
		p.AllocationCapFraction, p.RiskFraction)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
