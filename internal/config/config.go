// Package config loads the daemon configuration from an optional YAML file
// with environment variable overrides. Broker, database, and mail
// credentials come from the environment; everything else has workable
// defaults.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/evertide/swingbot/pkg/types"
)

// Config is the top-level daemon configuration.
type Config struct {
	Watchlist []string        `mapstructure:"watchlist"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Market    MarketConfig    `mapstructure:"market_data"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Email     EmailConfig     `mapstructure:"email"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Server    ServerConfig    `mapstructure:"server"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Params    types.Params    `mapstructure:"strategy_params"`
}

// BrokerConfig is the trading session endpoint.
type BrokerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	ClientID string `mapstructure:"client_id"`
	Mode     string `mapstructure:"mode"` // paper | live
}

// MarketConfig is the historical data vendor.
type MarketConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	LookbackDays      int    `mapstructure:"lookback_days"`
}

// DatabaseConfig is the persistent store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// EmailConfig is the alert channel.
type EmailConfig struct {
	From         string `mapstructure:"from"`
	To           string `mapstructure:"to"`
	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUser     string `mapstructure:"smtp_user"`
	SMTPPassword string `mapstructure:"smtp_password"`
}

// ExchangeConfig is the market calendar.
type ExchangeConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// HeartbeatConfig tunes liveness tracking.
type HeartbeatConfig struct {
	IntervalSec       int `mapstructure:"interval_sec"`
	CrashThresholdSec int `mapstructure:"crash_threshold_sec"`
}

// ServerConfig is the operational HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// TradingConfig tunes execution.
type TradingConfig struct {
	CommissionPerFill decimal.Decimal `mapstructure:"commission_per_fill"`
	TakeProfitEnabled bool            `mapstructure:"take_profit_enabled"`
	Shards            int             `mapstructure:"shards"`
	// PaperCapital is the simulated account's starting cash in paper mode.
	PaperCapital decimal.Decimal `mapstructure:"paper_capital"`
}

// LoggingConfig selects log verbosity.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// envBindings maps the documented environment variables onto config keys.
var envBindings = map[string]string{
	"broker.host":                   "BROKER_HOST",
	"broker.port":                   "BROKER_PORT",
	"broker.client_id":              "BROKER_CLIENT_ID",
	"broker.mode":                   "BROKER_MODE",
	"market_data.api_key":           "MARKET_DATA_API_KEY",
	"database.url":                  "DATABASE_URL",
	"email.from":                    "EMAIL_FROM",
	"email.smtp_host":               "SMTP_HOST",
	"email.smtp_port":               "SMTP_PORT",
	"email.smtp_user":               "SMTP_USER",
	"email.smtp_password":           "SMTP_PASSWORD",
	"exchange.timezone":             "EXCHANGE_TZ",
	"heartbeat.interval_sec":        "HEARTBEAT_INTERVAL_SEC",
	"heartbeat.crash_threshold_sec": "CRASH_THRESHOLD_SEC",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("watchlist", []string{})
	v.SetDefault("broker.host", "127.0.0.1")
	v.SetDefault("broker.port", 7497)
	v.SetDefault("broker.client_id", "swingbot")
	v.SetDefault("broker.mode", "paper")
	v.SetDefault("market_data.base_url", "")
	v.SetDefault("market_data.requests_per_minute", 60)
	v.SetDefault("market_data.lookback_days", 400)
	v.SetDefault("email.smtp_port", 587)
	v.SetDefault("exchange.timezone", "America/New_York")
	v.SetDefault("heartbeat.interval_sec", 30)
	v.SetDefault("heartbeat.crash_threshold_sec", 300)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("trading.commission_per_fill", 1.0)
	v.SetDefault("trading.take_profit_enabled", true)
	v.SetDefault("trading.shards", 4)
	v.SetDefault("trading.paper_capital", 100000.0)
	v.SetDefault("logging.level", "info")

	p := types.DefaultParams()
	v.SetDefault("strategy_params.ema_fast_period", p.EMAFastPeriod)
	v.SetDefault("strategy_params.ema_slow_period", p.EMASlowPeriod)
	v.SetDefault("strategy_params.rsi_period", p.RSIPeriod)
	v.SetDefault("strategy_params.rsi_overbought", p.RSIOverbought.InexactFloat64())
	v.SetDefault("strategy_params.stop_loss_pct", p.StopLossPct.InexactFloat64())
	v.SetDefault("strategy_params.take_profit_pct", p.TakeProfitPct.InexactFloat64())
	v.SetDefault("strategy_params.max_consecutive_losses", p.MaxConsecutiveLosses)
	v.SetDefault("strategy_params.warmup_bars", p.WarmupBars)
	v.SetDefault("strategy_params.allocation_cap_fraction", p.AllocationCapFraction.InexactFloat64())
	v.SetDefault("strategy_params.risk_fraction", p.RiskFraction.InexactFloat64())
}

// decimalHook decodes numeric and string YAML values into decimal.Decimal.
func decimalHook() mapstructure.DecodeHookFunc {
	decType := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decType {
			return data, nil
		}
		switch val := data.(type) {
		case float64:
			return decimal.NewFromFloat(val), nil
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		case string:
			return decimal.NewFromString(val)
		default:
			return data, nil
		}
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Watchlist) > types.MaxWatchlistSymbols {
		return fmt.Errorf("watchlist has %d symbols, limit is %d",
			len(c.Watchlist), types.MaxWatchlistSymbols)
	}
	for _, s := range c.Watchlist {
		if err := types.ValidateSymbol(s); err != nil {
			return err
		}
	}
	switch c.Broker.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("broker.mode must be paper or live, got %q", c.Broker.Mode)
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range", c.Broker.Port)
	}
	if c.Heartbeat.IntervalSec <= 0 {
		return fmt.Errorf("heartbeat.interval_sec must be positive")
	}
	if c.Heartbeat.CrashThresholdSec <= c.Heartbeat.IntervalSec {
		return fmt.Errorf("heartbeat.crash_threshold_sec must exceed the interval")
	}
	if c.Trading.CommissionPerFill.IsNegative() {
		return fmt.Errorf("trading.commission_per_fill must not be negative")
	}
	if c.Broker.Mode == "paper" && !c.Trading.PaperCapital.IsPositive() {
		return fmt.Errorf("trading.paper_capital must be positive in paper mode")
	}
	return c.Params.Validate()
}
