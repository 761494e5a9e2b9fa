package main

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/broker"
	"github.com/evertide/swingbot/internal/config"
)

func TestBuildBrokerHonorsMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Broker.Mode = "paper"
	cfg.Trading.PaperCapital = decimal.NewFromInt(100000)

	br := buildBroker(cfg, zap.NewNop())
	_, isPaper := br.(*broker.Paper)
	assert.True(t, isPaper, "paper mode uses the simulator")

	cfg.Broker.Mode = "live"
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = 7497
	br = buildBroker(cfg, zap.NewNop())
	_, isPaper = br.(*broker.Paper)
	assert.False(t, isPaper, "live mode connects the gateway adapter")
}
