package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LossLimitTracker maintains the per-strategy consecutive-loss counter for
// the current session. A losing close (net P&L <= 0) increments the counter;
// a winning close resets it. Hitting the threshold pauses the strategy until
// an explicit resume; the counter itself resets at session start.
type LossLimitTracker struct {
	logger *zap.Logger
	tz     *time.Location

	mu     sync.Mutex
	counts map[string]int
	day    map[string]string
	paused map[string]bool
}

// NewLossLimitTracker creates a tracker using the exchange time zone for
// calendar-day bucketing.
func NewLossLimitTracker(logger *zap.Logger, tz *time.Location) *LossLimitTracker {
	return &LossLimitTracker{
		logger: logger.Named("loss-limit"),
		tz:     tz,
		counts: make(map[string]int),
		day:    make(map[string]string),
		paused: make(map[string]bool),
	}
}

// RecordClose registers a closed trade and reports the updated counter and
// whether the threshold was reached by this close.
func (t *LossLimitTracker) RecordClose(strategyID string, netPnL decimal.Decimal, closedAt time.Time, maxLosses int) (count int, thresholdHit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	date := closedAt.In(t.tz).Format("2006-01-02")
	if t.day[strategyID] != date {
		t.day[strategyID] = date
		t.counts[strategyID] = 0
	}

	if netPnL.GreaterThan(decimal.Zero) {
		t.counts[strategyID] = 0
		return 0, false
	}

	t.counts[strategyID]++
	count = t.counts[strategyID]
	if count >= maxLosses && !t.paused[strategyID] {
		t.paused[strategyID] = true
		t.logger.Warn("consecutive loss limit reached",
			zap.String("strategy", strategyID),
			zap.Int("losses", count),
			zap.Int("max", maxLosses),
		)
		return count, true
	}
	return count, false
}

// Paused reports whether the strategy is paused by the loss limit.
func (t *LossLimitTracker) Paused(strategyID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused[strategyID]
}

// Count returns the current consecutive-loss counter for the strategy.
func (t *LossLimitTracker) Count(strategyID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[strategyID]
}

// SessionReset clears all counters at session start. Pause flags are cleared
// too: whether the strategy actually resumes is the lifecycle's decision.
func (t *LossLimitTracker) SessionReset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts = make(map[string]int)
	t.day = make(map[string]string)
	t.paused = make(map[string]bool)
	t.logger.Info("session start: loss counters reset")
}

// Resume clears the pause flag for one strategy after an explicit resume.
func (t *LossLimitTracker) Resume(strategyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paused, strategyID)
}
