package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"udpot/internal/audit"
	"udpot/internal/ledger"
	"udpot/internal/log"
	"udpot/internal/metrics"
	"udpot/internal/query"
)

// ErrMalformed is returned for events that carry no question. Callers should drop such messages
// without replying.
var ErrMalformed = errors.New("dispatch: malformed query event")

// ErrNoAuditor is reported for every well-formed event handled by a policy without an auditor.
var ErrNoAuditor = errors.New("dispatch: no auditor configured")

// Auditor accepts audit entries for persistence. *audit.Sink satisfies it.
type Auditor interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Stats formalizes the decision counters kept by a Policy over its lifetime.
type Stats struct {
	Forwarded     uint64 `json:"forwarded"`
	Suppressed    uint64 `json:"suppressed"`
	AuditFailures uint64 `json:"audit_failures"`
}

// Policy turns a query event into an admission decision. Every well-formed event is handed to the
// auditor exactly once, independently of the decision, and an audit failure never alters the
// decision.
type Policy struct {
	// Ledger owns the per-source admission state.
	Ledger *ledger.Ledger
	// Audit receives one entry per well-formed event. Without an auditor, every well-formed event
	// counts as an audit failure.
	Audit Auditor
	// Logger is optional; messages are discarded when it is nil.
	Logger log.Logger
	// Hook is optional; decisions are not reported when it is nil.
	Hook metrics.AdmissionHook
	// Now is the clock used for admission. It defaults to time.Now.
	Now func() time.Time

	forwarded     atomic.Uint64
	suppressed    atomic.Uint64
	auditFailures atomic.Uint64
}

// Handle audits the event and returns the ledger's decision for its source. Malformed events
// yield ErrMalformed and cause no side effects at all.
func (p *Policy) Handle(ctx context.Context, ev query.Event) (ledger.Decision, error) {
	if !ev.WellFormed() {
		return ledger.Suppress, ErrMalformed
	}

	logger := p.logger()

	if err := p.record(ctx, ev); err != nil {
		p.auditFailures.Add(1)
		logger.Error("dispatch: failed to record audit entry: event=%s err=%v", ev, err)
	}

	decision := p.Ledger.Admit(ev.Source.Addr(), p.now())

	switch decision {
	case ledger.Forward:
		p.forwarded.Add(1)
		if p.Hook != nil {
			p.Hook.EmitForward(ev.Transport.String())
		}
	case ledger.Suppress:
		p.suppressed.Add(1)
		if p.Hook != nil {
			p.Hook.EmitSuppress(ev.Transport.String())
		}
	}

	logger.Debug("dispatch: handled query: event=%s decision=%s", ev, decision)

	return decision, nil
}

// Stats returns a snapshot of the policy's decision counters.
func (p *Policy) Stats() Stats {
	return Stats{
		Forwarded:     p.forwarded.Load(),
		Suppressed:    p.suppressed.Load(),
		AuditFailures: p.auditFailures.Load(),
	}
}

func (p *Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}

	return p.Now()
}

// record hands the event's audit entry to the auditor.
func (p *Policy) record(ctx context.Context, ev query.Event) error {
	if p.Audit == nil {
		return ErrNoAuditor
	}

	return p.Audit.Record(ctx, audit.EntryFromEvent(ev))
}

func (p *Policy) logger() log.Logger {
	if p.Logger == nil {
		return log.NewNoopLogger()
	}

	return p.Logger
}
