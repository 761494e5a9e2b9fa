// Package main runs the live trading daemon: it restores state, reconciles
// against the broker, then drives the daily evaluation pipeline until
// stopped.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/evertide/swingbot/internal/broker"
	"github.com/evertide/swingbot/internal/clock"
	"github.com/evertide/swingbot/internal/config"
	"github.com/evertide/swingbot/internal/executor"
	"github.com/evertide/swingbot/internal/heartbeat"
	"github.com/evertide/swingbot/internal/marketdata"
	"github.com/evertide/swingbot/internal/notify"
	"github.com/evertide/swingbot/internal/reconcile"
	"github.com/evertide/swingbot/internal/risk"
	"github.com/evertide/swingbot/internal/scheduler"
	"github.com/evertide/swingbot/internal/server"
	"github.com/evertide/swingbot/internal/store"
	"github.com/evertide/swingbot/internal/strategy"
	"github.com/evertide/swingbot/pkg/types"
)

const tickInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := setupLogger(cfg.Logging.Level)
	defer logger.Sync()

	logger.Info("starting trading daemon",
		zap.Strings("watchlist", cfg.Watchlist),
		zap.String("broker", cfg.Broker.Host),
		zap.String("mode", cfg.Broker.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}

	notifier := buildNotifier(cfg, logger)

	market, err := clock.NewMarket(cfg.Exchange.Timezone)
	if err != nil {
		logger.Fatal("market clock init failed", zap.Error(err))
	}
	clk := clock.Real{}

	br := buildBroker(cfg, logger)
	if err := br.Connect(ctx); err != nil {
		logger.Fatal("broker connect failed", zap.Error(err))
	}

	losses := risk.NewLossLimitTracker(logger, market.Location())

	execCfg := executor.DefaultConfig()
	execCfg.Shards = cfg.Trading.Shards
	execCfg.CommissionPerFill = cfg.Trading.CommissionPerFill
	execCfg.TakeProfitEnabled = cfg.Trading.TakeProfitEnabled
	exec := executor.New(execCfg, st, br, losses, notifier, logger)
	exec.Start(ctx)

	// Before accepting any signal, decide whether the last run died
	// mid-flight and square local records against the broker's.
	crashThreshold := time.Duration(cfg.Heartbeat.CrashThresholdSec) * time.Second
	crashed, err := heartbeat.DetectCrash(ctx, st, clk, crashThreshold)
	if err != nil {
		logger.Fatal("crash detection failed", zap.Error(err))
	}
	if crashed {
		logger.Warn("previous run died without clean shutdown, reconciling")
	}
	reconciler := reconcile.New(reconcile.DefaultConfig(), st, br, exec, notifier, clk, logger)
	if _, err := reconciler.Run(ctx); err != nil {
		logger.Fatal("startup reconciliation failed", zap.Error(err))
	}

	registry := strategy.NewRegistry(logger)
	if err := seedStrategy(ctx, st, cfg, logger); err != nil {
		logger.Fatal("strategy seed failed", zap.Error(err))
	}

	md := marketdata.NewClient(marketdata.Config{
		BaseURL:           cfg.Market.BaseURL,
		APIKey:            cfg.Market.APIKey,
		RequestsPerMinute: cfg.Market.RequestsPerMinute,
	}, logger)
	prefetch, err := marketdata.NewPrefetcher(md, len(cfg.Watchlist), logger)
	if err != nil {
		logger.Fatal("prefetcher init failed", zap.Error(err))
	}
	defer prefetch.Release()

	evaluation, err := scheduler.NewEvaluation(st, prefetch, registry, exec,
		cfg.Watchlist, cfg.Market.LookbackDays, logger)
	if err != nil {
		logger.Fatal("evaluation pipeline init failed", zap.Error(err))
	}
	// The simulator has no market feed of its own; the evaluation pass marks
	// it to the latest closes so fills and account values track the data.
	if paper, ok := br.(*broker.Paper); ok {
		evaluation.Marker = paper
	}

	sched := scheduler.New(market, clk, st, logger)
	sched.Add(scheduler.SessionStartJob(exec))
	sched.Add(scheduler.EvaluationJob(evaluation))
	sched.Add(scheduler.DailySummaryJob(st, notifier, market.Location()))

	monitor := heartbeat.NewMonitor(st, br, clk, logger)
	monitor.Interval = time.Duration(cfg.Heartbeat.IntervalSec) * time.Second

	api := server.New(logger, server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}, st, exec)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx, tickInterval) })
	g.Go(func() error { return api.Start() })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return api.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
	exec.Wait()
	logger.Info("daemon stopped")
}

// buildStore opens postgres when DATABASE_URL is set and falls back to the
// in-memory store otherwise, which loses state across restarts.
func buildStore(cfg *config.Config, logger *zap.Logger) (store.Interface, error) {
	if cfg.Database.URL != "" {
		return store.NewPostgres(cfg.Database.URL, logger)
	}
	logger.Warn("DATABASE_URL not set, using in-memory store")
	return store.NewMemory(), nil
}

func buildNotifier(cfg *config.Config, logger *zap.Logger) notify.Notifier {
	if cfg.Email.SMTPHost == "" {
		logger.Warn("SMTP not configured, alerts are log-only")
		return notify.NewMemory()
	}
	to := cfg.Email.To
	if to == "" {
		to = cfg.Email.From
	}
	return notify.NewSMTP(notify.SMTPConfig{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SMTPUser,
		Password: cfg.Email.SMTPPassword,
		From:     cfg.Email.From,
		To:       []string{to},
	}, logger)
}

// buildBroker selects the execution venue for the configured mode. Paper mode
// runs against the in-process simulator; live mode speaks to the gateway
// behind a circuit breaker.
func buildBroker(cfg *config.Config, logger *zap.Logger) broker.Broker {
	if cfg.Broker.Mode == "paper" {
		return broker.NewPaper(cfg.Trading.PaperCapital, logger)
	}
	ws := broker.NewWSBroker(broker.WSConfig{
		Host:     cfg.Broker.Host,
		Port:     cfg.Broker.Port,
		ClientID: cfg.Broker.ClientID,
		Mode:     cfg.Broker.Mode,
	}, logger)
	return broker.NewBreakerBroker(ws, broker.DefaultBreakerSettings(), logger)
}

// seedStrategy creates the configured strategy row on first boot so the
// evaluation pipeline has something to run.
func seedStrategy(ctx context.Context, st store.Interface, cfg *config.Config, logger *zap.Logger) error {
	existing, err := st.ListStrategies(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	strat := &types.Strategy{
		ID:                  uuid.New().String(),
		Name:                "ma_crossover_rsi",
		Params:              cfg.Params,
		Status:              types.StrategyWarming,
		WarmupBarsRemaining: cfg.Params.WarmupBars,
	}
	logger.Info("seeding default strategy", zap.String("id", strat.ID))
	return st.SaveStrategy(ctx, strat)
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zcfg.Build()
	if err != nil {
		os.Exit(1)
	}
	return logger
}
