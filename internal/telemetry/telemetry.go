// Package telemetry registers the Prometheus instruments exported on
// /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SignalsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingbot_signals_total",
			Help: "Signals generated, by type.",
		},
		[]string{"type"},
	)

	NonExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingbot_non_executions_total",
			Help: "Actionable signals that did not execute, by reason.",
		},
		[]string{"reason"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingbot_orders_submitted_total",
			Help: "Orders submitted to the broker, by kind.",
		},
		[]string{"kind"},
	)

	OrdersRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "swingbot_orders_rejected_total",
			Help: "Orders rejected by the broker.",
		},
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingbot_trades_closed_total",
			Help: "Round trips completed, by exit reason.",
		},
		[]string{"exit_reason"},
	)

	PositionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swingbot_positions_open",
			Help: "Open positions right now.",
		},
	)

	PortfolioValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swingbot_portfolio_value",
			Help: "Broker-reported total portfolio value.",
		},
	)

	Drawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swingbot_drawdown_fraction",
			Help: "Current drawdown from the session equity peak.",
		},
	)

	ConsecutiveLosses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swingbot_consecutive_losses",
			Help: "Current consecutive-loss count per strategy.",
		},
		[]string{"strategy"},
	)

	RecoveryRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swingbot_recovery_runs_total",
			Help: "Reconciliation runs, by outcome.",
		},
		[]string{"outcome"},
	)

	HeartbeatTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "swingbot_heartbeat_timestamp_seconds",
			Help: "Unix time of the last heartbeat write.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SignalsGenerated,
		NonExecutions,
		OrdersSubmitted,
		OrdersRejected,
		TradesClosed,
		PositionsOpen,
		PortfolioValue,
		Drawdown,
		ConsecutiveLosses,
		RecoveryRuns,
		HeartbeatTimestamp,
	)
}
