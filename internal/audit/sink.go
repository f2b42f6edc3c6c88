package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/raven-go"
	"lib.kevinlin.info/aperture/lib"

	"udpot/internal/log"
	"udpot/internal/metrics"
)

// ErrClosed is returned when recording on a sink that has been closed.
var ErrClosed = errors.New("audit: sink is closed")

// SinkOpts formalizes configuration options for an audit sink.
type SinkOpts struct {
	// BufferSize is the number of entries that may be queued ahead of the writer. Recording
	// blocks while the queue is full, so no entry is ever dropped for lack of space.
	BufferSize int
	// WriteTimeout bounds a single store write.
	WriteTimeout time.Duration
}

// SinkStats formalizes counters tracked by a sink.
type SinkStats struct {
	// Written is the number of entries persisted successfully.
	Written uint64
	// Failed is the number of entries whose write failed.
	Failed uint64
	// Queued is the number of entries currently waiting to be written.
	Queued int
}

// Sink asynchronously persists audit entries to a Store. A single worker goroutine performs every
// write, exactly once per recorded entry. Write failures are contained within the sink: they are
// logged, reported to Sentry and counted, but never surface to the caller of Record.
type Sink struct {
	store   Store
	opts    SinkOpts
	logger  log.Logger
	hook    metrics.AuditHook
	queue   chan Entry
	done    chan struct{}
	closed  bool
	mutex   sync.RWMutex
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewSink creates a sink writing to store and starts its worker.
func NewSink(store Store, opts SinkOpts, logger log.Logger, hook metrics.AuditHook) *Sink {
	// Sane option defaults
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	s := &Sink{
		store:  store,
		opts:   opts,
		logger: logger,
		hook:   hook,
		queue:  make(chan Entry, opts.BufferSize),
		done:   make(chan struct{}),
	}

	go s.worker()

	return s
}

// Record enqueues an entry for persistence. It returns once the entry is queued, not once it is
// durable. It only fails if the sink is closed or the context ends while waiting for queue space;
// persistence failures are handled by the sink itself.
func (s *Sink) Record(ctx context.Context, entry Entry) error {
	// The read lock is held while waiting for queue space, so Close cannot close the channel
	// under a blocked sender. Close waits for those senders, which the worker keeps unblocking.
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.closed {
		return ErrClosed
	}

	select {
	case s.queue <- entry:
		s.hook.EmitQueueDepth(len(s.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries, waits for every queued entry to be written, and stops the
// worker. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mutex.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mutex.Unlock()

	<-s.done

	return nil
}

// Stats returns current sink counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Written: s.written.Load(),
		Failed:  s.failed.Load(),
		Queued:  len(s.queue),
	}
}

// worker drains the queue until it is closed.
func (s *Sink) worker() {
	defer close(s.done)

	for entry := range s.queue {
		s.write(entry)
	}
}

// write persists a single entry, containing any failure.
func (s *Sink) write(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()

	timer := lib.NewStopwatch()

	id, err := s.store.Insert(ctx, entry)
	if err != nil {
		s.failed.Add(1)
		s.hook.EmitWriteError()
		s.logger.Error(
			"audit: failed to persist entry: source=%s:%d name=%s err=%v",
			entry.SourceAddress,
			entry.SourcePort,
			entry.QueryName,
			err,
		)

		raven.CaptureError(err, map[string]string{
			"component": "audit",
			"transport": entry.Transport,
		})

		return
	}

	s.written.Add(1)
	s.hook.EmitWrite(timer.Elapsed())
	s.logger.Debug("audit: persisted entry: id=%d source=%s name=%s", id, entry.SourceAddress, entry.QueryName)
}
