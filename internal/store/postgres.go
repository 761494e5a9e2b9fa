package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/evertide/swingbot/pkg/types"
)

// Postgres implements Interface on a PostgreSQL database via gorm.
type Postgres struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ Interface = (*Postgres)(nil)

// NewPostgres opens the database and migrates the schema.
func NewPostgres(dsn string, logger *zap.Logger) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.AutoMigrate(
		&types.Stock{},
		&types.Bar{},
		&types.Strategy{},
		&types.Signal{},
		&types.Order{},
		&types.Trade{},
		&types.SystemState{},
		&types.RecoveryEvent{},
		&types.JobRun{},
		&types.BacktestRun{},
		&types.BacktestTrade{},
		&types.EquityPoint{},
	); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Postgres{db: db, logger: logger.Named("store")}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// SaveStrategy upserts a strategy row.
func (p *Postgres) SaveStrategy(ctx context.Context, s *types.Strategy) error {
	return p.db.WithContext(ctx).Save(s).Error
}

// GetStrategy loads one strategy by id.
func (p *Postgres) GetStrategy(ctx context.Context, id string) (*types.Strategy, error) {
	var s types.Strategy
	if err := p.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// ListStrategies returns all strategies.
func (p *Postgres) ListStrategies(ctx context.Context) ([]types.Strategy, error) {
	var out []types.Strategy
	err := p.db.WithContext(ctx).Order("created_at").Find(&out).Error
	return out, err
}

// SaveBars inserts bars, ignoring duplicates on (symbol, timestamp).
func (p *Postgres) SaveBars(ctx context.Context, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(bars, 500).Error
}

// GetBars returns the most recent bars for symbol in ascending timestamp
// order, at most limit rows.
func (p *Postgres) GetBars(ctx context.Context, symbol string, limit int) ([]types.Bar, error) {
	var out []types.Bar
	err := p.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// GetBarsBetween returns bars in [start, end] ascending.
func (p *Postgres) GetBarsBetween(ctx context.Context, symbol string, start, end time.Time) ([]types.Bar, error) {
	var out []types.Bar
	err := p.db.WithContext(ctx).
		Where("symbol = ? AND timestamp >= ? AND timestamp <= ?", symbol, start, end).
		Order("timestamp").
		Find(&out).Error
	return out, err
}

// SaveSignal appends a signal record.
func (p *Postgres) SaveSignal(ctx context.Context, s *types.Signal) error {
	return p.db.WithContext(ctx).Save(s).Error
}

// ListSignals returns signals for a strategy since the given instant.
func (p *Postgres) ListSignals(ctx context.Context, strategyID string, since time.Time) ([]types.Signal, error) {
	var out []types.Signal
	err := p.db.WithContext(ctx).
		Where("strategy_id = ? AND generated_at >= ?", strategyID, since).
		Order("generated_at").
		Find(&out).Error
	return out, err
}

// SaveOrder upserts an order row.
func (p *Postgres) SaveOrder(ctx context.Context, o *types.Order) error {
	return p.db.WithContext(ctx).Save(o).Error
}

// GetOrder loads one order by id.
func (p *Postgres) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	var o types.Order
	if err := p.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// GetOrderByBrokerID loads an order by its broker-assigned id.
func (p *Postgres) GetOrderByBrokerID(ctx context.Context, brokerOrderID string) (*types.Order, error) {
	var o types.Order
	if err := p.db.WithContext(ctx).First(&o, "broker_order_id = ?", brokerOrderID).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// GetOrderByIntentID loads an order by its idempotency key.
func (p *Postgres) GetOrderByIntentID(ctx context.Context, intentID string) (*types.Order, error) {
	var o types.Order
	if err := p.db.WithContext(ctx).First(&o, "intent_id = ?", intentID).Error; err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

// ListOpenOrders returns orders in non-terminal statuses.
func (p *Postgres) ListOpenOrders(ctx context.Context) ([]types.Order, error) {
	var out []types.Order
	err := p.db.WithContext(ctx).
		Where("status IN ?", []types.OrderStatus{
			types.OrderPending, types.OrderSubmitted, types.OrderPartiallyFilled,
		}).
		Find(&out).Error
	return out, err
}

// SaveTrade upserts a trade row.
func (p *Postgres) SaveTrade(ctx context.Context, t *types.Trade) error {
	return p.db.WithContext(ctx).Save(t).Error
}

// GetTrade loads one trade by id.
func (p *Postgres) GetTrade(ctx context.Context, id string) (*types.Trade, error) {
	var t types.Trade
	if err := p.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ListOpenTrades returns trades with no exit time.
func (p *Postgres) ListOpenTrades(ctx context.Context) ([]types.Trade, error) {
	var out []types.Trade
	err := p.db.WithContext(ctx).Where("exit_time IS NULL").Find(&out).Error
	return out, err
}

// OpenTradeForStrategySymbol returns the open trade a strategy holds in the
// given symbol, or ErrNotFound.
func (p *Postgres) OpenTradeForStrategySymbol(ctx context.Context, strategyID, symbol string) (*types.Trade, error) {
	var t types.Trade
	err := p.db.WithContext(ctx).
		First(&t, "strategy_id = ? AND symbol = ? AND exit_time IS NULL", strategyID, symbol).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// ListOpenTradesForStrategy returns every open trade for a strategy.
func (p *Postgres) ListOpenTradesForStrategy(ctx context.Context, strategyID string) ([]types.Trade, error) {
	var out []types.Trade
	err := p.db.WithContext(ctx).
		Where("strategy_id = ? AND exit_time IS NULL", strategyID).
		Find(&out).Error
	return out, err
}

// ListClosedTradesSince returns trades closed at or after the given instant.
func (p *Postgres) ListClosedTradesSince(ctx context.Context, since time.Time) ([]types.Trade, error) {
	var out []types.Trade
	err := p.db.WithContext(ctx).
		Where("exit_time IS NOT NULL AND exit_time >= ?", since).
		Order("exit_time").
		Find(&out).Error
	return out, err
}

// GetSystemState loads the singleton system state row.
func (p *Postgres) GetSystemState(ctx context.Context) (*types.SystemState, error) {
	var s types.SystemState
	if err := p.db.WithContext(ctx).First(&s, "id = ?", 1).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// SaveSystemState upserts the singleton system state row.
func (p *Postgres) SaveSystemState(ctx context.Context, s *types.SystemState) error {
	s.ID = 1
	return p.db.WithContext(ctx).Save(s).Error
}

// SaveRecoveryEvent appends a reconciliation audit record.
func (p *Postgres) SaveRecoveryEvent(ctx context.Context, e *types.RecoveryEvent) error {
	return p.db.WithContext(ctx).Save(e).Error
}

// ListRecoveryEvents returns the most recent recovery events, newest first.
func (p *Postgres) ListRecoveryEvents(ctx context.Context, limit int) ([]types.RecoveryEvent, error) {
	var out []types.RecoveryEvent
	err := p.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// GetJobLastRun returns the last date a scheduled job consumed its slot.
func (p *Postgres) GetJobLastRun(ctx context.Context, name string) (string, error) {
	var jr types.JobRun
	if err := p.db.WithContext(ctx).First(&jr, "name = ?", name).Error; err != nil {
		return "", notFound(err)
	}
	return jr.LastRunDate, nil
}

// SaveJobLastRun records that a scheduled job consumed the given date's slot.
func (p *Postgres) SaveJobLastRun(ctx context.Context, name, date string) error {
	return p.db.WithContext(ctx).Save(&types.JobRun{
		Name: name, LastRunDate: date, UpdatedAt: time.Now().UTC(),
	}).Error
}

// SaveBacktestRun upserts a backtest run.
func (p *Postgres) SaveBacktestRun(ctx context.Context, r *types.BacktestRun) error {
	return p.db.WithContext(ctx).Save(r).Error
}

// FindBacktestRun looks up a run by its natural key.
func (p *Postgres) FindBacktestRun(ctx context.Context, strategyName, symbol string, start, end time.Time, digest string) (*types.BacktestRun, error) {
	var r types.BacktestRun
	err := p.db.WithContext(ctx).First(&r,
		"strategy_name = ? AND symbol = ? AND start = ? AND \"end\" = ? AND params_digest = ?",
		strategyName, symbol, start, end, digest,
	).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// SaveBacktestTrades bulk-inserts trade rows for a run.
func (p *Postgres) SaveBacktestTrades(ctx context.Context, trades []types.BacktestTrade) error {
	if len(trades) == 0 {
		return nil
	}
	return p.db.WithContext(ctx).CreateInBatches(trades, 200).Error
}

// SaveEquityPoints bulk-inserts equity-curve samples.
func (p *Postgres) SaveEquityPoints(ctx context.Context, points []types.EquityPoint) error {
	if len(points) == 0 {
		return nil
	}
	return p.db.WithContext(ctx).CreateInBatches(points, 500).Error
}

func reverse(bars []types.Bar) {
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
}
