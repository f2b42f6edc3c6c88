package ledger

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"udpot/internal/log"
	"udpot/internal/metrics"
)

type recordingAdmissionHook struct {
	metrics.AdmissionHook
	sweeps chan [2]int
}

func (h *recordingAdmissionHook) EmitSweep(removed int, remaining int, latency time.Duration) {
	select {
	case h.sweeps <- [2]int{removed, remaining}:
	default:
	}
}

func TestSweeperSweepOnce(t *testing.T) {
	l := mustLedger(t, 1, time.Minute)
	hook := &recordingAdmissionHook{
		AdmissionHook: metrics.NewNoopAdmissionHook(),
		sweeps:        make(chan [2]int, 1),
	}

	s := NewSweeper(l, time.Second, hook, log.NewNoopLogger())
	s.now = func() time.Time { return epoch.Add(time.Hour) }

	l.Admit(netip.MustParseAddr("10.0.0.1"), epoch)
	l.Admit(netip.MustParseAddr("10.0.0.2"), epoch.Add(time.Hour-time.Second))

	if removed := s.SweepOnce(); removed != 1 {
		t.Errorf("SweepOnce removed %d, want 1", removed)
	}

	if got := <-hook.sweeps; got != [2]int{1, 1} {
		t.Errorf("hook observed %v, want [1 1]", got)
	}
}

func TestSweeperRunUntilCancelled(t *testing.T) {
	l := mustLedger(t, 1, time.Millisecond)
	hook := &recordingAdmissionHook{
		AdmissionHook: metrics.NewNoopAdmissionHook(),
		sweeps:        make(chan [2]int, 64),
	}

	l.Admit(netip.MustParseAddr("10.0.0.1"), time.Now().Add(-time.Hour))

	s := NewSweeper(l, 5*time.Millisecond, hook, log.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case got := <-hook.sweeps:
		if got[0] != 1 {
			t.Errorf("first sweep removed %d, want 1", got[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not run")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}

	if l.Len() != 0 {
		t.Errorf("expired record survived: len=%d", l.Len())
	}
}

func TestNewSweeperDefaultsInterval(t *testing.T) {
	l := mustLedger(t, 1, 3*time.Minute)
	s := NewSweeper(l, 0, metrics.NewNoopAdmissionHook(), log.NewNoopLogger())

	if s.interval != 3*time.Minute {
		t.Errorf("interval = %v, want ledger timeout", s.interval)
	}
}
