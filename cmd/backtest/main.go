// Package main runs one backtest from the command line: load history,
// replay it through the strategy, print the statistics, and optionally
// persist the run.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/backtest"
	"github.com/evertide/swingbot/internal/config"
	"github.com/evertide/swingbot/internal/marketdata"
	"github.com/evertide/swingbot/internal/metrics"
	"github.com/evertide/swingbot/internal/store"
	"github.com/evertide/swingbot/internal/strategy"
	"github.com/evertide/swingbot/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	csvPath := flag.String("csv", "", "Load bars from a CSV file (date,open,high,low,close,volume) instead of the store")
	symbol := flag.String("symbol", "", "Symbol to test (required)")
	strategyName := flag.String("strategy", "ma_crossover_rsi", "Strategy name")
	startStr := flag.String("start", "", "Start date YYYY-MM-DD (required)")
	endStr := flag.String("end", "", "End date YYYY-MM-DD (required)")
	capital := flag.Float64("capital", 10000, "Initial capital")
	commission := flag.Float64("commission", 1, "Commission per fill")
	slippage := flag.Float64("slippage", 0.001, "Slippage fraction per fill")
	save := flag.Bool("save", false, "Persist the run, trades, and equity curve")
	flag.Parse()

	if err := run(*configPath, *csvPath, *symbol, *strategyName, *startStr, *endStr,
		*capital, *commission, *slippage, *save); err != nil {
		fmt.Fprintln(os.Stderr, "backtest:", err)
		os.Exit(1)
	}
}

func run(configPath, csvPath, symbol, strategyName, startStr, endStr string,
	capital, commission, slippage float64, save bool) error {

	if symbol == "" || startStr == "" || endStr == "" {
		return errors.New("-symbol, -start and -end are required")
	}
	if err := types.ValidateSymbol(symbol); err != nil {
		return err
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return fmt.Errorf("invalid start date: %w", err)
	}
	end, err := time.Parse("2006-01-02", endStr)
	if err != nil {
		return fmt.Errorf("invalid end date: %w", err)
	}
	if !end.After(start) {
		return errors.New("end must be after start")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := zap.NewNop()

	ctx := context.Background()
	var bars []types.Bar
	var st store.Interface
	if csvPath != "" {
		bars, err = loadCSV(csvPath, symbol, start, end)
	} else {
		bars, st, err = loadBars(ctx, cfg, symbol, start, end, logger)
	}
	if err != nil {
		return err
	}

	btCfg := backtest.Config{
		StrategyName:      strategyName,
		Symbol:            symbol,
		Params:            cfg.Params,
		InitialCapital:    decimal.NewFromFloat(capital),
		CommissionPerFill: decimal.NewFromFloat(commission),
		SlippageFraction:  decimal.NewFromFloat(slippage),
		PositionCapPct:    backtest.DefaultConfig().PositionCapPct,
	}

	engine := backtest.NewEngine(strategy.NewRegistry(logger), logger)
	result, err := engine.Run(ctx, btCfg, bars)
	if err != nil {
		return err
	}

	summary := metrics.Compute(result.Equity, result.Trades)
	fmt.Printf("%s %s %s..%s\n", strategyName, symbol, startStr, endStr)
	fmt.Print(summary.String())

	if save {
		if st == nil {
			return errors.New("-save requires DATABASE_URL")
		}
		return persist(ctx, st, result)
	}
	return nil
}

// loadBars prefers the persistent store; without a database it fetches
// directly from the market data vendor.
func loadBars(ctx context.Context, cfg *config.Config, symbol string, start, end time.Time, logger *zap.Logger) ([]types.Bar, store.Interface, error) {
	if cfg.Database.URL != "" {
		st, err := store.NewPostgres(cfg.Database.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		bars, err := st.GetBarsBetween(ctx, symbol, start, end)
		if err != nil {
			return nil, nil, err
		}
		if len(bars) > 0 {
			return bars, st, nil
		}
		bars, err = fetchBars(ctx, cfg, symbol, start, end, logger)
		return bars, st, err
	}
	bars, err := fetchBars(ctx, cfg, symbol, start, end, logger)
	return bars, nil, err
}

func fetchBars(ctx context.Context, cfg *config.Config, symbol string, start, end time.Time, logger *zap.Logger) ([]types.Bar, error) {
	if cfg.Market.BaseURL == "" {
		return nil, errors.New("no stored bars and market_data.base_url is not configured")
	}
	md := marketdata.NewClient(marketdata.Config{
		BaseURL:           cfg.Market.BaseURL,
		APIKey:            cfg.Market.APIKey,
		RequestsPerMinute: cfg.Market.RequestsPerMinute,
	}, logger)
	return md.DailyBars(ctx, symbol, start, end)
}

// loadCSV reads daily bars from a date,open,high,low,close,volume file. A
// header row is skipped if present. Bars are closed at 21:00 UTC, the NYSE
// closing bell.
func loadCSV(path, symbol string, start, end time.Time) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}

	var bars []types.Bar
	for i, rec := range records {
		if len(rec) < 6 {
			return nil, fmt.Errorf("row %d: expected 6 columns, got %d", i+1, len(rec))
		}
		day, err := time.Parse("2006-01-02", rec[0])
		if err != nil {
			if i == 0 {
				continue // header row
			}
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		ts := time.Date(day.Year(), day.Month(), day.Day(), 21, 0, 0, 0, time.UTC)
		if ts.Before(start) || ts.After(end.AddDate(0, 0, 1)) {
			continue
		}
		bar := types.Bar{Symbol: symbol, Timestamp: ts}
		if bar.Open, err = decimal.NewFromString(rec[1]); err != nil {
			return nil, fmt.Errorf("row %d open: %w", i+1, err)
		}
		if bar.High, err = decimal.NewFromString(rec[2]); err != nil {
			return nil, fmt.Errorf("row %d high: %w", i+1, err)
		}
		if bar.Low, err = decimal.NewFromString(rec[3]); err != nil {
			return nil, fmt.Errorf("row %d low: %w", i+1, err)
		}
		if bar.Close, err = decimal.NewFromString(rec[4]); err != nil {
			return nil, fmt.Errorf("row %d close: %w", i+1, err)
		}
		if _, err = fmt.Sscanf(rec[5], "%d", &bar.Volume); err != nil {
			return nil, fmt.Errorf("row %d volume: %w", i+1, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// persist refuses to duplicate a run with the same natural key.
func persist(ctx context.Context, st store.Interface, result *backtest.Result) error {
	existing, err := st.FindBacktestRun(ctx, result.Run.StrategyName, result.Run.Symbol,
		result.Run.Start, result.Run.End, result.Run.ParamsDigest)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil {
		fmt.Printf("identical run already stored as %s\n", existing.ID)
		return nil
	}
	if err := st.SaveBacktestRun(ctx, &result.Run); err != nil {
		return err
	}
	if err := st.SaveBacktestTrades(ctx, result.Trades); err != nil {
		return err
	}
	if err := st.SaveEquityPoints(ctx, result.Equity); err != nil {
		return err
	}
	fmt.Printf("saved run %s (%d trades)\n", result.Run.ID, len(result.Trades))
	return nil
}
