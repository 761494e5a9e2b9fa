// Package types provides shared type definitions for the trading platform.
package types

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// SymbolPattern is the accepted shape of a watchlist symbol.
var SymbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// MaxWatchlistSymbols caps the number of symbols a live session may track.
const MaxWatchlistSymbols = 10

// ValidateSymbol reports whether s is an acceptable ticker symbol.
func ValidateSymbol(s string) error {
	if !SymbolPattern.MatchString(s) {
		return fmt.Errorf("invalid symbol %q", s)
	}
	return nil
}

// StrategyStatus represents the lifecycle state of a strategy.
type StrategyStatus string

const (
	StrategyWarming StrategyStatus = "warming"
	StrategyActive  StrategyStatus = "active"
	StrategyPaused  StrategyStatus = "paused"
	StrategyError   StrategyStatus = "error"
)

// SignalType represents the direction of a trading signal.
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
	SignalHold SignalType = "hold"
)

// TriggerReason identifies the rule that produced a signal.
type TriggerReason string

const (
	TriggerEMABullCross  TriggerReason = "ema_bull_cross"
	TriggerEMABearCross  TriggerReason = "ema_bear_cross"
	TriggerRSIOverbought TriggerReason = "rsi_overbought"
	TriggerNone          TriggerReason = "none"
)

// NonExecutionReason explains why an actionable signal did not become a trade.
type NonExecutionReason string

const (
	ReasonNone                NonExecutionReason = ""
	ReasonSizeZero            NonExecutionReason = "size_zero"
	ReasonInsufficientCash    NonExecutionReason = "insufficient_cash"
	ReasonAllocationExceeded  NonExecutionReason = "allocation_exceeded"
	ReasonPositionCapExceeded NonExecutionReason = "position_cap_exceeded"
	ReasonDuplicatePosition   NonExecutionReason = "duplicate_position"
	ReasonStrategyInactive    NonExecutionReason = "strategy_inactive"
	ReasonDailyLossLimit      NonExecutionReason = "daily_loss_limit"
	ReasonWarmingUp           NonExecutionReason = "warming_up"
	ReasonTimeout             NonExecutionReason = "timeout"
	ReasonBrokerRejected      NonExecutionReason = "broker_rejected"
	ReasonInvalidSymbol       NonExecutionReason = "invalid_symbol"
	ReasonConnectionLost      NonExecutionReason = "connection_lost"
	ReasonRecoveryMode        NonExecutionReason = "recovery_mode"
)

// OrderKind classifies an order within the trade lifecycle.
type OrderKind string

const (
	OrderEntryMarket OrderKind = "entry_market"
	OrderStopLoss    OrderKind = "stop_loss"
	OrderTakeProfit  OrderKind = "take_profit"
	OrderExitMarket  OrderKind = "exit_market"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderStatus represents the status of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderSubmitted       OrderStatus = "submitted"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// orderStatusRank encodes the monotonic lifecycle ordering.
var orderStatusRank = map[OrderStatus]int{
	OrderPending:         0,
	OrderSubmitted:       1,
	OrderPartiallyFilled: 2,
	OrderFilled:          3,
	OrderCancelled:       3,
	OrderRejected:        3,
	OrderExpired:         3,
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next || s.Terminal() {
		return false
	}
	return orderStatusRank[next] > orderStatusRank[s]
}

// ExitReason classifies how a trade was closed.
type ExitReason string

const (
	ExitSignal     ExitReason = "signal"
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitManual     ExitReason = "manual"
	ExitEOD        ExitReason = "eod"
)

// SystemStatus represents the process-level run state.
type SystemStatus string

const (
	SystemRunning      SystemStatus = "running"
	SystemCrashed      SystemStatus = "crashed"
	SystemRecovering   SystemStatus = "recovering"
	SystemRecoveryMode SystemStatus = "recovery_mode"
)

// RecoveryOutcome classifies a completed reconciliation.
type RecoveryOutcome string

const (
	RecoveryClean          RecoveryOutcome = "clean"
	RecoveryAutoFixed      RecoveryOutcome = "auto_fixed"
	RecoveryManualRequired RecoveryOutcome = "manual_required"
	RecoveryFailed         RecoveryOutcome = "failed"
)

// Stock identifies a tradable instrument.
type Stock struct {
	Symbol   string `json:"symbol" gorm:"primaryKey;size:10"`
	Exchange string `json:"exchange"`
	Name     string `json:"name"`
}

// Bar is a single daily OHLCV candlestick. Timestamp is the UTC bar-closing
// instant; timestamps are strictly monotonic per symbol.
type Bar struct {
	ID        uint            `json:"-" gorm:"primaryKey"`
	Symbol    string          `json:"symbol" gorm:"index:idx_bar_symbol_ts,unique;size:10"`
	Timestamp time.Time       `json:"timestamp" gorm:"index:idx_bar_symbol_ts,unique"`
	Open      decimal.Decimal `json:"open" gorm:"type:numeric"`
	High      decimal.Decimal `json:"high" gorm:"type:numeric"`
	Low       decimal.Decimal `json:"low" gorm:"type:numeric"`
	Close     decimal.Decimal `json:"close" gorm:"type:numeric"`
	Volume    int64           `json:"volume"`
}

// Validate checks the basic OHLCV invariants.
func (b *Bar) Validate() error {
	if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
		return fmt.Errorf("bar %s@%s: prices must be positive", b.Symbol, b.Timestamp)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s: negative volume", b.Symbol, b.Timestamp)
	}
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("bar %s@%s: high below low", b.Symbol, b.Timestamp)
	}
	return nil
}

// Strategy is a configured trading strategy and its lifecycle state.
type Strategy struct {
	ID                  string         `json:"id" gorm:"primaryKey"`
	Name                string         `json:"name" gorm:"uniqueIndex"`
	Params              Params         `json:"params" gorm:"embedded"`
	Status              StrategyStatus `json:"status"`
	StatusReason        string         `json:"statusReason"`
	ConsecutiveLosses   int            `json:"consecutiveLosses"`
	WarmupBarsRemaining int            `json:"warmupBarsRemaining"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// MarketContext captures ambient market conditions at signal time.
type MarketContext struct {
	Volatility  decimal.Decimal `json:"volatility" gorm:"type:numeric"`
	VolumeVsAvg decimal.Decimal `json:"volumeVsAvg" gorm:"type:numeric"`
	Trend       string          `json:"trend"`
	GapPct      decimal.Decimal `json:"gapPct" gorm:"type:numeric"`
}

// IndicatorSnapshot maps indicator name to its value at the signal bar close.
type IndicatorSnapshot map[string]decimal.Decimal

// Signal is an immutable record of one strategy evaluation outcome.
type Signal struct {
	ID                 string             `json:"id" gorm:"primaryKey"`
	StrategyID         string             `json:"strategyId" gorm:"index"`
	Symbol             string             `json:"symbol" gorm:"index;size:10"`
	GeneratedAt        time.Time          `json:"generatedAt"`
	Type               SignalType         `json:"type"`
	TriggerReason      TriggerReason      `json:"triggerReason"`
	IndicatorSnapshot  IndicatorSnapshot  `json:"indicatorSnapshot" gorm:"serializer:json"`
	MarketContext      MarketContext      `json:"marketContext" gorm:"embedded;embeddedPrefix:ctx_"`
	Executed           bool               `json:"executed"`
	NonExecutionReason NonExecutionReason `json:"nonExecutionReason,omitempty"`
	TradeID            string             `json:"tradeId,omitempty"`
}

// Order is one broker order within a trade lifecycle.
type Order struct {
	ID            string          `json:"id" gorm:"primaryKey"`
	BrokerOrderID string          `json:"brokerOrderId,omitempty" gorm:"index"`
	IntentID      string          `json:"intentId" gorm:"uniqueIndex"`
	Symbol        string          `json:"symbol" gorm:"size:10"`
	Kind          OrderKind       `json:"kind"`
	Side          OrderSide       `json:"side"`
	Quantity      int64           `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limitPrice,omitempty" gorm:"type:numeric"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty" gorm:"type:numeric"`
	SubmittedAt   time.Time       `json:"submittedAt"`
	Status        OrderStatus     `json:"status"`
	FilledQty     int64           `json:"filledQty"`
	FillPrice     decimal.Decimal `json:"fillPrice,omitempty" gorm:"type:numeric"`
	FillTime      *time.Time      `json:"fillTime,omitempty"`
	TradeID       string          `json:"tradeId,omitempty" gorm:"index"`
}

// Trade is a round-trip long position, open while ExitTime is nil.
type Trade struct {
	ID                 string            `json:"id" gorm:"primaryKey"`
	StrategyID         string            `json:"strategyId" gorm:"index"`
	Symbol             string            `json:"symbol" gorm:"index;size:10"`
	Quantity           int64             `json:"quantity"`
	IntendedEntryPrice decimal.Decimal   `json:"intendedEntryPrice" gorm:"type:numeric"`
	EntryPrice         decimal.Decimal   `json:"entryPrice" gorm:"type:numeric"`
	EntryTime          time.Time         `json:"entryTime"`
	InitialStop        decimal.Decimal   `json:"initialStop" gorm:"type:numeric"`
	InitialTakeProfit  decimal.Decimal   `json:"initialTakeProfit" gorm:"type:numeric"`
	CurrentStop        decimal.Decimal   `json:"currentStop" gorm:"type:numeric"`
	CurrentTakeProfit  decimal.Decimal   `json:"currentTakeProfit" gorm:"type:numeric"`
	ExitPrice          decimal.Decimal   `json:"exitPrice,omitempty" gorm:"type:numeric"`
	ExitTime           *time.Time        `json:"exitTime,omitempty"`
	ExitReason         ExitReason        `json:"exitReason,omitempty"`
	Closing            bool              `json:"closing"`
	Commission         decimal.Decimal   `json:"commission" gorm:"type:numeric"`
	GrossPnL           decimal.Decimal   `json:"grossPnl" gorm:"type:numeric"`
	NetPnL             decimal.Decimal   `json:"netPnl" gorm:"type:numeric"`
	PnLPct             decimal.Decimal   `json:"pnlPct" gorm:"type:numeric"`
	MaxAdverse         decimal.Decimal   `json:"maxAdverseExcursion" gorm:"type:numeric"`
	MaxFavorable       decimal.Decimal   `json:"maxFavorableExcursion" gorm:"type:numeric"`
	EntryOrderID       string            `json:"entryOrderId"`
	StopOrderID        string            `json:"stopOrderId,omitempty"`
	TakeProfitOrderID  string            `json:"takeProfitOrderId,omitempty"`
	ExitOrderID        string            `json:"exitOrderId,omitempty"`
	SignalID           string            `json:"signalId,omitempty"`
	IndicatorSnapshot  IndicatorSnapshot `json:"indicatorSnapshot" gorm:"serializer:json"`
	MarketContext      MarketContext     `json:"marketContext" gorm:"embedded;embeddedPrefix:ctx_"`
}

// Open reports whether the trade has not been closed yet.
func (t *Trade) Open() bool { return t.ExitTime == nil }

// Notional returns quantity times entry price.
func (t *Trade) Notional() decimal.Decimal {
	return t.EntryPrice.Mul(decimal.NewFromInt(t.Quantity))
}

// Validate checks the long-only trade invariants.
func (t *Trade) Validate() error {
	if t.Quantity <= 0 {
		return fmt.Errorf("trade %s: quantity must be positive", t.ID)
	}
	if !t.InitialStop.IsZero() && t.InitialStop.GreaterThanOrEqual(t.EntryPrice) {
		return fmt.Errorf("trade %s: stop %s not below entry %s", t.ID, t.InitialStop, t.EntryPrice)
	}
	if !t.InitialTakeProfit.IsZero() && t.InitialTakeProfit.LessThanOrEqual(t.EntryPrice) {
		return fmt.Errorf("trade %s: take profit %s not above entry %s", t.ID, t.InitialTakeProfit, t.EntryPrice)
	}
	return nil
}

// SystemState is the process singleton describing run health.
type SystemState struct {
	ID                   int             `json:"-" gorm:"primaryKey"`
	Status               SystemStatus    `json:"status"`
	LastHeartbeat        time.Time       `json:"lastHeartbeat"`
	ActivePositionsCount int             `json:"activePositionsCount"`
	TotalPortfolioValue  decimal.Decimal `json:"totalPortfolioValue" gorm:"type:numeric"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// JobRun records the last calendar date a scheduled job completed its slot,
// so a restart within the same session does not re-fire it.
type JobRun struct {
	Name        string    `json:"name" gorm:"primaryKey"`
	LastRunDate string    `json:"lastRunDate"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Discrepancy is one divergence between local records and the broker.
type Discrepancy struct {
	Kind     string          `json:"kind"`
	Symbol   string          `json:"symbol"`
	Detail   string          `json:"detail"`
	Notional decimal.Decimal `json:"notional"`
	Critical bool            `json:"critical"`
}

// RecoveryEvent is an append-only audit record of one reconciliation run.
type RecoveryEvent struct {
	ID            string          `json:"id" gorm:"primaryKey"`
	StartedAt     time.Time       `json:"startedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	Outcome       RecoveryOutcome `json:"outcome"`
	Discrepancies []Discrepancy   `json:"discrepancies" gorm:"serializer:json"`
	Actions       []string        `json:"actions" gorm:"serializer:json"`
	Report        string          `json:"report"`
}

// BacktestRun records one simulation and its results. Uniqueness is on
// (strategy, symbol, start, end, params digest).
type BacktestRun struct {
	ID               string          `json:"id" gorm:"primaryKey"`
	StrategyName     string          `json:"strategyName" gorm:"index:idx_bt_key,unique"`
	Symbol           string          `json:"symbol" gorm:"index:idx_bt_key,unique;size:10"`
	Start            time.Time       `json:"start" gorm:"index:idx_bt_key,unique"`
	End              time.Time       `json:"end" gorm:"index:idx_bt_key,unique"`
	ParamsDigest     string          `json:"paramsDigest" gorm:"index:idx_bt_key,unique"`
	Params           Params          `json:"params" gorm:"embedded"`
	InitialCapital   decimal.Decimal `json:"initialCapital" gorm:"type:numeric"`
	FinalValue       decimal.Decimal `json:"finalValue" gorm:"type:numeric"`
	Commission       decimal.Decimal `json:"commission" gorm:"type:numeric"`
	SlippageFraction decimal.Decimal `json:"slippageFraction" gorm:"type:numeric"`
	StartedAt        time.Time       `json:"startedAt"`
	CompletedAt      time.Time       `json:"completedAt"`
}

// BacktestTrade is a simulated round trip scoped to a run.
type BacktestTrade struct {
	ID           string          `json:"id" gorm:"primaryKey"`
	RunID        string          `json:"runId" gorm:"index"`
	Symbol       string          `json:"symbol" gorm:"size:10"`
	Quantity     int64           `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entryPrice" gorm:"type:numeric"`
	EntryTime    time.Time       `json:"entryTime"`
	SignalTime   time.Time       `json:"signalTime"`
	ExitPrice    decimal.Decimal `json:"exitPrice" gorm:"type:numeric"`
	ExitTime     time.Time       `json:"exitTime"`
	ExitReason   ExitReason      `json:"exitReason"`
	Commission   decimal.Decimal `json:"commission" gorm:"type:numeric"`
	NetPnL       decimal.Decimal `json:"netPnl" gorm:"type:numeric"`
	MaxAdverse   decimal.Decimal `json:"maxAdverseExcursion" gorm:"type:numeric"`
	MaxFavorable decimal.Decimal `json:"maxFavorableExcursion" gorm:"type:numeric"`
}

// EquityPoint is one equity-curve sample at a bar close.
type EquityPoint struct {
	ID        uint            `json:"-" gorm:"primaryKey"`
	RunID     string          `json:"runId,omitempty" gorm:"index"`
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity" gorm:"type:numeric"`
	Cash      decimal.Decimal `json:"cash" gorm:"type:numeric"`
}
