package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evertide/swingbot/pkg/types"
)

func TestInitialStateIsWarming(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, types.StrategyWarming, m.State())
}

func TestWarmupToActive(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.TransitionTo(types.StrategyActive, CauseWarmupComplete))
	assert.Equal(t, types.StrategyActive, m.State())
}

func TestLossLimitPause(t *testing.T) {
	m := NewMachineAt(types.StrategyActive)
	require.NoError(t, m.TransitionTo(types.StrategyPaused, CauseLossLimit))
	assert.Equal(t, types.StrategyPaused, m.State())
	assert.Equal(t, CauseLossLimit, m.Reason())

	// Session start may resume a paused strategy.
	require.NoError(t, m.TransitionTo(types.StrategyActive, CauseSessionStart))
}

func TestErrorRequiresOperatorClear(t *testing.T) {
	m := NewMachineAt(types.StrategyActive)
	require.NoError(t, m.TransitionTo(types.StrategyError, CauseInvariantBroken))

	// No automatic resume out of ERROR.
	assert.Error(t, m.TransitionTo(types.StrategyActive, CauseSessionStart))
	assert.Error(t, m.TransitionTo(types.StrategyActive, CauseManualResume))

	require.NoError(t, m.TransitionTo(types.StrategyActive, CauseOperatorClear))
	assert.Equal(t, types.StrategyActive, m.State())
}

func TestInvalidTransitionsRejected(t *testing.T) {
	m := NewMachine()
	// WARMING cannot jump straight to PAUSED via a loss limit.
	assert.Error(t, m.TransitionTo(types.StrategyPaused, CauseLossLimit))
	// Cause must match the table even when from/to are plausible.
	assert.Error(t, m.TransitionTo(types.StrategyActive, CauseManualResume))
	assert.Equal(t, types.StrategyWarming, m.State())
}

func TestHistoryRecorded(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.TransitionTo(types.StrategyActive, CauseWarmupComplete))
	require.NoError(t, m.TransitionTo(types.StrategyPaused, CauseManualPause))

	h := m.History()
	require.Len(t, h, 2)
	assert.Equal(t, types.StrategyWarming, h[0].From)
	assert.Equal(t, types.StrategyPaused, h[1].To)
}
