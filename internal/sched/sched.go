// Package sched runs cycles aligned to candle boundaries: a 4H schedule
// fires just after 00:00, 04:00, 08:00 UTC and so on, with a short start
// delay so the venue has closed the candle before we read it.
package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

// Config tunes the schedule.
type Config struct {
	Timeframe  market.Timeframe
	StartDelay time.Duration
	// CycleTimeout bounds one cycle; zero means one full timeframe.
	CycleTimeout time.Duration
	// RunOnStart fires an immediate cycle before the first boundary.
	RunOnStart bool
}

// Scheduler drives a cycle function on the aligned schedule.
type Scheduler struct {
	cfg   Config
	clock market.Clock
	log   zerolog.Logger
}

func New(cfg Config, clock market.Clock, log zerolog.Logger) *Scheduler {
	if cfg.Timeframe == "" {
		cfg.Timeframe = market.Timeframe4H
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = cfg.Timeframe.Duration()
	}
	return &Scheduler{cfg: cfg, clock: clock, log: log}
}

// NextBoundary returns the first cycle start strictly after now: a timeframe
// boundary plus the start delay. The current boundary still counts when now
// sits inside its delay window, so a restart at 08:00:10 with a 30s delay
// fires at 08:00:30 instead of waiting out the whole cycle.
func NextBoundary(now time.Time, tf market.Timeframe, delay time.Duration) time.Time {
	step := tf.Duration()
	next := now.UTC().Truncate(step).Add(delay)
	for !next.After(now) {
		next = next.Add(step)
	}
	return next
}

// Run fires cycles until ctx is canceled. Cancellation during a wait returns
// immediately; a cycle already running gets its own timeout-bounded context
// and finishes before Run returns.
func (s *Scheduler) Run(ctx context.Context, cycle func(context.Context)) error {
	if s.cfg.RunOnStart {
		s.fire(cycle)
	}
	for {
		next := NextBoundary(s.clock.Now(), s.cfg.Timeframe, s.cfg.StartDelay)
		wait := next.Sub(s.clock.Now())
		s.log.Info().Time("next_cycle", next).Dur("wait", wait).Msg("sleeping until next candle")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fire(cycle)
	}
}

// fire runs one cycle on a detached context so shutdown lets the in-flight
// order ladder complete instead of cancelling it mid-order.
func (s *Scheduler) fire(cycle func(context.Context)) {
	cycleCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CycleTimeout)
	defer cancel()
	cycle(cycleCtx)
}
