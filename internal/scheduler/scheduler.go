// Package scheduler runs the daily jobs at their exchange-local times. Jobs
// are clock-gated rather than timer-based, so the same code runs against the
// wall clock in production and a virtual clock in tests. Each job fires at
// most once per calendar day; a process that starts after a job's scheduled
// time catches up by running it once, late.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/clock"
	"github.com/evertide/swingbot/internal/store"
)

// JobFunc is one scheduled task. now is the instant the scheduler decided
// the job was due.
type JobFunc func(ctx context.Context, now time.Time) error

// Job is a daily task bound to an exchange-local clock time.
type Job struct {
	Name            string
	Hour            int
	Minute          int
	TradingDaysOnly bool
	Fn              JobFunc

	lastRunDate string
	restored    bool
}

// Scheduler drives the registered jobs off the market clock. Last-run dates
// are persisted so a restart within the same session does not replay slots
// already consumed.
type Scheduler struct {
	market *clock.Market
	clk    clock.Clock
	store  store.Interface
	logger *zap.Logger

	mu   sync.Mutex
	jobs []*Job
}

// New creates a scheduler.
func New(market *clock.Market, clk clock.Clock, st store.Interface, logger *zap.Logger) *Scheduler {
	return &Scheduler{market: market, clk: clk, store: st, logger: logger.Named("scheduler")}
}

// Add registers a job.
func (s *Scheduler) Add(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Run ticks on the given interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every job that is due. Jobs run sequentially on the caller's
// goroutine, so at most one instance of any job is ever in flight.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clk.Now()
	local := now.In(s.market.Location())
	date := local.Format("2006-01-02")

	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		if !job.restored {
			last, err := s.store.GetJobLastRun(ctx, job.Name)
			switch {
			case err == nil:
				job.lastRunDate = last
			case !errors.Is(err, store.ErrNotFound):
				s.logger.Error("job bookkeeping read failed",
					zap.String("job", job.Name), zap.Error(err))
				continue
			}
			job.restored = true
		}
		if job.lastRunDate == date {
			continue
		}
		if job.TradingDaysOnly && !s.market.IsTradingDay(now) {
			continue
		}
		due := s.market.At(now, job.Hour, job.Minute)
		if local.Before(due) {
			continue
		}
		job.lastRunDate = date
		if err := s.store.SaveJobLastRun(ctx, job.Name, date); err != nil {
			s.logger.Error("job bookkeeping write failed",
				zap.String("job", job.Name), zap.Error(err))
		}
		started := time.Now()
		if err := job.Fn(ctx, now); err != nil {
			s.logger.Error("job failed",
				zap.String("job", job.Name),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("job finished",
			zap.String("job", job.Name),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
}
