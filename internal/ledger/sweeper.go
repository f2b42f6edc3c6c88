package ledger

import (
	"context"
	"time"

	"lib.kevinlin.info/aperture/lib"

	"udpot/internal/log"
	"udpot/internal/metrics"
)

// Sweeper periodically expires idle records from a Ledger. Since Sweep only removes records whose
// window has elapsed, the sweep interval bounds how long an expired record can linger, and thus
// the worst-case memory held by sources that queried once and never returned.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	hook     metrics.AdmissionHook
	logger   log.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper for the ledger. A non-positive interval defaults to the ledger's
// timeout.
func NewSweeper(ledger *Ledger, interval time.Duration, hook metrics.AdmissionHook, logger log.Logger) *Sweeper {
	if interval <= 0 {
		interval = ledger.Opts().Timeout
	}

	return &Sweeper{
		ledger:   ledger,
		interval: interval,
		hook:     hook,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps the ledger once per interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("sweeper: started: interval=%v", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper: stopped: err=%v", ctx.Err())
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce performs a single sweep as of the current time and reports the result.
func (s *Sweeper) SweepOnce() int {
	timer := lib.NewStopwatch()

	removed := s.ledger.Sweep(s.now())
	remaining := s.ledger.Len()

	s.hook.EmitSweep(removed, remaining, timer.Elapsed())
	s.logger.Debug("sweeper: swept ledger: removed=%d remaining=%d", removed, remaining)

	return removed
}
