// Package lifecycle manages strategy state transitions.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/evertide/swingbot/pkg/types"
)

// Cause identifies why a transition was requested.
type Cause string

const (
	CauseWarmupComplete  Cause = "warmup_complete"
	CauseLossLimit       Cause = "daily_loss_limit"
	CauseManualPause     Cause = "manual_pause"
	CauseManualResume    Cause = "manual_resume"
	CauseSessionStart    Cause = "session_start"
	CauseInvariantBroken Cause = "invariant_broken"
	CauseOperatorClear   Cause = "operator_clear"
	CauseRecoveryMode    Cause = "recovery_mode"
)

// Transition defines one valid state change.
type Transition struct {
	From  types.StrategyStatus
	To    types.StrategyStatus
	Cause Cause
}

// ValidTransitions is the closed set of permitted strategy state changes.
var ValidTransitions = []Transition{
	{types.StrategyWarming, types.StrategyActive, CauseWarmupComplete},
	{types.StrategyActive, types.StrategyPaused, CauseLossLimit},
	{types.StrategyActive, types.StrategyPaused, CauseManualPause},
	{types.StrategyActive, types.StrategyPaused, CauseRecoveryMode},
	{types.StrategyWarming, types.StrategyPaused, CauseRecoveryMode},
	{types.StrategyPaused, types.StrategyActive, CauseSessionStart},
	{types.StrategyPaused, types.StrategyActive, CauseManualResume},
	{types.StrategyWarming, types.StrategyError, CauseInvariantBroken},
	{types.StrategyActive, types.StrategyError, CauseInvariantBroken},
	{types.StrategyPaused, types.StrategyError, CauseInvariantBroken},
	{types.StrategyError, types.StrategyActive, CauseOperatorClear},
}

// Machine tracks the lifecycle state of one strategy.
type Machine struct {
	mu             sync.Mutex
	current        types.StrategyStatus
	previous       types.StrategyStatus
	reason         Cause
	transitionTime time.Time
	history        []Transition
}

// NewMachine creates a machine in the WARMING state.
func NewMachine() *Machine {
	return &Machine{
		current:        types.StrategyWarming,
		previous:       types.StrategyWarming,
		transitionTime: time.Now().UTC(),
	}
}

// NewMachineAt creates a machine restored to a persisted state.
func NewMachineAt(status types.StrategyStatus) *Machine {
	m := NewMachine()
	m.current = status
	m.previous = status
	return m
}

// State returns the current state.
func (m *Machine) State() types.StrategyStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Reason returns the cause of the most recent transition.
func (m *Machine) Reason() Cause {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// CanTransition reports whether moving to the given state for the given cause
// is permitted from the current state.
func (m *Machine) CanTransition(to types.StrategyStatus, cause Cause) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookup(m.current, to, cause)
}

// TransitionTo applies a state change, rejecting anything outside the valid
// transition table.
func (m *Machine) TransitionTo(to types.StrategyStatus, cause Cause) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !lookup(m.current, to, cause) {
		return fmt.Errorf("invalid transition %s -> %s (%s)", m.current, to, cause)
	}
	m.history = append(m.history, Transition{From: m.current, To: to, Cause: cause})
	m.previous = m.current
	m.current = to
	m.reason = cause
	m.transitionTime = time.Now().UTC()
	return nil
}

// History returns a copy of the applied transitions.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func lookup(from, to types.StrategyStatus, cause Cause) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to && t.Cause == cause {
			return true
		}
	}
	return false
}
