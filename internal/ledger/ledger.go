//go:generate go run golang.org/x/tools/cmd/stringer -type=Decision -linecomment=true

package ledger

import (
	"errors"
	"net/netip"
	"sync"
	"time"
)

// Decision is the binary outcome of an admission check.
type Decision int

const (
	// Forward permits the query to be relayed to the upstream resolver.
	Forward Decision = iota // FORWARD
	// Suppress withholds service: the query is silently dropped.
	Suppress // SUPPRESS
)

var (
	// ErrInvalidCount is returned when the per-window quota is not a positive integer.
	ErrInvalidCount = errors.New("ledger: request count must be positive")
	// ErrInvalidTimeout is returned when the inactivity window is not a positive duration.
	ErrInvalidTimeout = errors.New("ledger: request timeout must be positive")
)

// Opts formalizes the admission parameters of a Ledger.
type Opts struct {
	// Count is the number of queries a source may have forwarded within one window.
	Count int
	// Timeout is the inactivity window. A source that stays quiet for at least this long earns a
	// fresh quota; a source that keeps querying never does.
	Timeout time.Duration
}

// Record is the throttling state tracked for a single source.
type Record struct {
	// Count is the number of queries admitted within the current window.
	Count int
	// LastSeen is the time of the most recent query, admitted or suppressed.
	LastSeen time.Time
}

// Ledger maps source addresses to throttling records and owns the admission decision. A Ledger is
// safe for concurrent use; all reads and mutations of the record map are serialized by a single
// mutex, so concurrent admissions for the same source never lose updates.
type Ledger struct {
	opts    Opts
	records map[netip.Addr]*Record
	mutex   sync.Mutex
}

// New creates an empty Ledger. It refuses non-positive quotas and windows rather than defaulting
// them.
func New(opts Opts) (*Ledger, error) {
	if opts.Count <= 0 {
		return nil, ErrInvalidCount
	}

	if opts.Timeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	return &Ledger{
		opts:    opts,
		records: make(map[netip.Addr]*Record),
	}, nil
}

// Admit decides whether a query from source observed at now may be forwarded, and updates the
// source's record accordingly.
//
// The window slides: only the time elapsed since the source's last query (admitted or not)
// matters. A suppressed query still advances LastSeen, so a source that never goes quiet for a
// full window is suppressed indefinitely.
func (l *Ledger) Admit(source netip.Addr, now time.Time) Decision {
	source = source.Unmap()

	l.mutex.Lock()
	defer l.mutex.Unlock()

	record, ok := l.records[source]
	if !ok {
		l.records[source] = &Record{Count: 1, LastSeen: now}
		return Forward
	}

	if now.Sub(record.LastSeen) >= l.opts.Timeout {
		record.Count = 1
		record.LastSeen = now
		return Forward
	}

	record.LastSeen = now

	if record.Count < l.opts.Count {
		record.Count++
		return Forward
	}

	return Suppress
}

// Sweep removes every record that has been idle for at least the configured timeout, as of now.
// Records still inside their window are left untouched. It returns the number of records removed.
func (l *Ledger) Sweep(now time.Time) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	removed := 0
	for source, record := range l.records {
		if now.Sub(record.LastSeen) >= l.opts.Timeout {
			delete(l.records, source)
			removed++
		}
	}

	return removed
}

// Lookup returns a copy of the record held for source, if any.
func (l *Ledger) Lookup(source netip.Addr) (Record, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	record, ok := l.records[source.Unmap()]
	if !ok {
		return Record{}, false
	}

	return *record, true
}

// Len reports the number of sources currently tracked.
func (l *Ledger) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return len(l.records)
}

// Opts returns the admission parameters the ledger was created with.
func (l *Ledger) Opts() Opts {
	return l.opts
}
