package metrics

import (
	"fmt"
	"net"
	"os"
	"time"
)

// AdmissionHook is a metrics hook interface for reporting the outcome of admission decisions and
// the periodic expiry of ledger records.
type AdmissionHook interface {
	// EmitForward reports that a query was admitted and will be relayed upstream.
	EmitForward(transport string)

	// EmitSuppress reports that a query was withheld because its source exhausted its quota.
	EmitSuppress(transport string)

	// EmitSweep reports the result of a ledger sweep: how many records expired, how many are
	// still tracked, and how long the sweep held the ledger.
	EmitSweep(removed int, remaining int, latency time.Duration)
}

// AuditHook is a metrics hook interface for reporting events related to persisting audit
// entries.
type AuditHook interface {
	// EmitWrite reports a successfully persisted entry and the latency of the write.
	EmitWrite(latency time.Duration)

	// EmitWriteError reports an entry that could not be persisted.
	EmitWriteError()

	// EmitQueueDepth reports the number of entries waiting to be written.
	EmitQueueDepth(depth int)
}

// ProxyHook is a metrics hook interface for reporting events and latencies related to relaying
// an admitted query to an upstream resolver.
type ProxyHook interface {
	// EmitRequestSize reports the size of the client request on the wire.
	EmitRequestSize(bytes int64, client net.Addr)

	// EmitResponseSize reports the size of the upstream response on the wire.
	EmitResponseSize(bytes int64, upstream string)

	// EmitRTT reports the total, end-to-end latency associated with serving a single forwarded
	// request from a client.
	EmitRTT(latency time.Duration, client net.Addr)

	// EmitUpstreamLatency reports the latency of the upstream exchange alone.
	EmitUpstreamLatency(latency time.Duration, upstream string)

	// EmitMalformed reports a message that carried no question and was ignored.
	EmitMalformed(client net.Addr)

	// EmitError reports the occurrence of a critical error in the proxy lifecycle that causes
	// the request to not be correctly served.
	EmitError()
}

// ConnectionLifecycleHook is a metrics hook interface for reporting events that occur during the
// lifecycle of a pooled upstream stream connection.
type ConnectionLifecycleHook interface {
	// EmitConnectionOpen reports the event that a connection was successfully opened.
	EmitConnectionOpen(latency time.Duration, addr net.Addr)

	// EmitConnectionClose reports the event that a connection was closed.
	EmitConnectionClose(addr net.Addr)

	// EmitConnectionError reports occurrence of an error establishing a connection.
	EmitConnectionError()
}

// ConnectionIOHook is a metrics hook interface for reporting events related to I/O with an
// upstream resolver.
type ConnectionIOHook interface {
	// EmitReadError reports the event that a read from the upstream failed.
	EmitReadError(addr net.Addr)

	// EmitWriteError reports the event that a write to the upstream failed.
	EmitWriteError(addr net.Addr)

	// EmitRetry reports the event that an exchange was retried due to failure.
	EmitRetry(addr net.Addr)
}

// AsyncStatsdAdmissionHook is an implementation of AdmissionHook that outputs metrics
// asynchronously to statsd.
type AsyncStatsdAdmissionHook struct {
	client *StatsdClient
}

// AsyncStatsdAuditHook is an implementation of AuditHook that outputs metrics asynchronously to
// statsd.
type AsyncStatsdAuditHook struct {
	client *StatsdClient
}

// AsyncStatsdProxyHook is an implementation of ProxyHook that outputs metrics asynchronously to
// statsd.
type AsyncStatsdProxyHook struct {
	client *StatsdClient
}

// AsyncStatsdConnectionLifecycleHook is an implementation of ConnectionLifecycleHook that outputs
// metrics asynchronously to statsd.
type AsyncStatsdConnectionLifecycleHook struct {
	client *StatsdClient
	source string
}

// AsyncStatsdConnectionIOHook is an implementation of ConnectionIOHook that outputs metrics
// asynchronously to statsd.
type AsyncStatsdConnectionIOHook struct {
	client *StatsdClient
	source string
}

// NewAsyncStatsdAdmissionHook creates a new admission hook with the specified statsd address and
// sample rate.
func NewAsyncStatsdAdmissionHook(addr string, sampleRate float32) (AdmissionHook, error) {
	client, err := statsdClientFactory(addr, sampleRate)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdAdmissionHook{client}, nil
}

// EmitForward statsd implementation
func (h *AsyncStatsdAdmissionHook) EmitForward(transport string) {
	go h.client.Count("event.admission.forward", 1, map[string]string{"transport": transport})
}

// EmitSuppress statsd implementation
func (h *AsyncStatsdAdmissionHook) EmitSuppress(transport string) {
	go h.client.Count("event.admission.suppress", 1, map[string]string{"transport": transport})
}

// EmitSweep statsd implementation
func (h *AsyncStatsdAdmissionHook) EmitSweep(removed int, remaining int, latency time.Duration) {
	go func() {
		h.client.Count("event.ledger.expired", int64(removed), nil)
		h.client.Gauge("gauge.ledger.sources", int64(remaining), nil)
		h.client.Timing("latency.ledger.sweep", latency, nil)
	}()
}

// NewAsyncStatsdAuditHook creates a new audit hook with the specified statsd address and sample
// rate.
func NewAsyncStatsdAuditHook(addr string, sampleRate float32) (AuditHook, error) {
	client, err := statsdClientFactory(addr, sampleRate)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdAuditHook{client}, nil
}

// EmitWrite statsd implementation
func (h *AsyncStatsdAuditHook) EmitWrite(latency time.Duration) {
	go func() {
		h.client.Count("event.audit.write", 1, nil)
		h.client.Timing("latency.audit.write", latency, nil)
	}()
}

// EmitWriteError statsd implementation
func (h *AsyncStatsdAuditHook) EmitWriteError() {
	go h.client.Count("event.audit.write_error", 1, nil)
}

// EmitQueueDepth statsd implementation
func (h *AsyncStatsdAuditHook) EmitQueueDepth(depth int) {
	go h.client.Gauge("gauge.audit.queue_depth", int64(depth), nil)
}

// NewAsyncStatsdProxyHook creates a new proxy hook with the specified statsd address and sample
// rate.
func NewAsyncStatsdProxyHook(addr string, sampleRate float32) (ProxyHook, error) {
	client, err := statsdClientFactory(addr, sampleRate)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdProxyHook{client}, nil
}

// EmitRequestSize statsd implementation
func (h *AsyncStatsdProxyHook) EmitRequestSize(bytes int64, client net.Addr) {
	go h.client.Size("size.proxy.request", bytes, map[string]string{
		"transport": transportFromAddr(client),
	})
}

// EmitResponseSize statsd implementation
func (h *AsyncStatsdProxyHook) EmitResponseSize(bytes int64, upstream string) {
	go h.client.Size("size.proxy.response", bytes, map[string]string{
		"upstream": upstream,
	})
}

// EmitRTT statsd implementation
func (h *AsyncStatsdProxyHook) EmitRTT(latency time.Duration, client net.Addr) {
	go h.client.Timing("latency.proxy.tx_rtt", latency, map[string]string{
		"transport": transportFromAddr(client),
	})
}

// EmitUpstreamLatency statsd implementation
func (h *AsyncStatsdProxyHook) EmitUpstreamLatency(latency time.Duration, upstream string) {
	go h.client.Timing("latency.proxy.tx_upstream", latency, map[string]string{
		"upstream": upstream,
	})
}

// EmitMalformed statsd implementation
func (h *AsyncStatsdProxyHook) EmitMalformed(client net.Addr) {
	go h.client.Count("event.proxy.malformed", 1, map[string]string{
		"transport": transportFromAddr(client),
	})
}

// EmitError statsd implementation
func (h *AsyncStatsdProxyHook) EmitError() {
	go h.client.Count("event.proxy.error", 1, nil)
}

// NewAsyncStatsdConnectionLifecycleHook creates a new client with the specified source, statsd
// address, and statsd sample rate. The source denotes the entity with whom the server is opening
// and closing connections.
func NewAsyncStatsdConnectionLifecycleHook(source string, addr string, sampleRate float32) (ConnectionLifecycleHook, error) {
	client, err := statsdClientFactory(addr, sampleRate)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdConnectionLifecycleHook{
		client: client,
		source: source,
	}, nil
}

// EmitConnectionOpen statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {
	go func() {
		tags := map[string]string{
			"addr":      ipFromAddr(addr),
			"transport": transportFromAddr(addr),
		}

		h.client.Count(fmt.Sprintf("event.%s.cx_open", h.source), 1, tags)

		if latency > 0 {
			h.client.Timing(fmt.Sprintf("latency.%s.cx_open", h.source), latency, tags)
		}
	}()
}

// EmitConnectionClose statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.cx_close", h.source), 1, map[string]string{
		"addr":      ipFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// EmitConnectionError statsd implementation
func (h *AsyncStatsdConnectionLifecycleHook) EmitConnectionError() {
	go h.client.Count(fmt.Sprintf("event.%s.cx_error", h.source), 1, nil)
}

// NewAsyncStatsdConnectionIOHook creates a new client with the specified source, statsd address,
// and statsd sample rate. The source denotes the entity with whom the server is performing I/O.
func NewAsyncStatsdConnectionIOHook(source string, addr string, sampleRate float32) (ConnectionIOHook, error) {
	client, err := statsdClientFactory(addr, sampleRate)
	if err != nil {
		return nil, err
	}

	return &AsyncStatsdConnectionIOHook{
		client: client,
		source: source,
	}, nil
}

// EmitReadError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitReadError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.read_error", h.source), 1, map[string]string{
		"addr":      ipFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// EmitWriteError statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitWriteError(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.write_error", h.source), 1, map[string]string{
		"addr":      ipFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// EmitRetry statsd implementation.
func (h *AsyncStatsdConnectionIOHook) EmitRetry(addr net.Addr) {
	go h.client.Count(fmt.Sprintf("event.%s.io_retry", h.source), 1, map[string]string{
		"addr":      ipFromAddr(addr),
		"transport": transportFromAddr(addr),
	})
}

// statsdClientFactory creates a configured StatsdClient with reasonable defaults for the given
// statsd server address and sample rate.
func statsdClientFactory(addr string, sampleRate float32) (*StatsdClient, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}

	defaultTags := map[string]string{
		"host": hostname,
	}

	return NewStatsdClient(addr, "udpot", defaultTags, sampleRate)
}

// ipFromAddr returns the IP address from a full net.Addr, or null if unavailable.
func ipFromAddr(addr net.Addr) string {
	switch networkAddr := addr.(type) {
	case *net.UDPAddr:
		return networkAddr.IP.String()
	case *net.TCPAddr:
		return networkAddr.IP.String()
	default:
		return "null"
	}
}

// transportFromAddr returns the transport protocol (as a string) behind a net.Addr, or null if
// unavailable.
func transportFromAddr(addr net.Addr) string {
	switch addr.(type) {
	case *net.UDPAddr:
		return "udp"
	case *net.TCPAddr:
		return "tcp"
	default:
		return "null"
	}
}
