package metrics

import (
	"net"
	"time"
)

// NoopAdmissionHook implements the AdmissionHook interface but noops on all emissions.
type NoopAdmissionHook struct{}

// NoopAuditHook implements the AuditHook interface but noops on all emissions.
type NoopAuditHook struct{}

// NoopProxyHook implements the ProxyHook interface but noops on all emissions.
type NoopProxyHook struct{}

// NoopConnectionLifecycleHook implements the ConnectionLifecycleHook interface but noops on all
// emissions.
type NoopConnectionLifecycleHook struct{}

// NoopConnectionIOHook implements the ConnectionIOHook interface but noops on all emissions.
type NoopConnectionIOHook struct{}

// NewNoopAdmissionHook creates a noop implementation of AdmissionHook.
func NewNoopAdmissionHook() AdmissionHook {
	return &NoopAdmissionHook{}
}

// EmitForward noops.
func (h *NoopAdmissionHook) EmitForward(transport string) {}

// EmitSuppress noops.
func (h *NoopAdmissionHook) EmitSuppress(transport string) {}

// EmitSweep noops.
func (h *NoopAdmissionHook) EmitSweep(removed int, remaining int, latency time.Duration) {}

// NewNoopAuditHook creates a noop implementation of AuditHook.
func NewNoopAuditHook() AuditHook {
	return &NoopAuditHook{}
}

// EmitWrite noops.
func (h *NoopAuditHook) EmitWrite(latency time.Duration) {}

// EmitWriteError noops.
func (h *NoopAuditHook) EmitWriteError() {}

// EmitQueueDepth noops.
func (h *NoopAuditHook) EmitQueueDepth(depth int) {}

// NewNoopProxyHook creates a noop implementation of ProxyHook.
func NewNoopProxyHook() ProxyHook {
	return &NoopProxyHook{}
}

// EmitRequestSize noops.
func (h *NoopProxyHook) EmitRequestSize(bytes int64, client net.Addr) {}

// EmitResponseSize noops.
func (h *NoopProxyHook) EmitResponseSize(bytes int64, upstream string) {}

// EmitRTT noops.
func (h *NoopProxyHook) EmitRTT(latency time.Duration, client net.Addr) {}

// EmitUpstreamLatency noops.
func (h *NoopProxyHook) EmitUpstreamLatency(latency time.Duration, upstream string) {}

// EmitMalformed noops.
func (h *NoopProxyHook) EmitMalformed(client net.Addr) {}

// EmitError noops.
func (h *NoopProxyHook) EmitError() {}

// NewNoopConnectionLifecycleHook creates a noop implementation of ConnectionLifecycleHook.
func NewNoopConnectionLifecycleHook() ConnectionLifecycleHook {
	return &NoopConnectionLifecycleHook{}
}

// EmitConnectionOpen noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionOpen(latency time.Duration, addr net.Addr) {}

// EmitConnectionClose noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionClose(addr net.Addr) {}

// EmitConnectionError noops.
func (h *NoopConnectionLifecycleHook) EmitConnectionError() {}

// NewNoopConnectionIOHook creates a noop implementation of ConnectionIOHook.
func NewNoopConnectionIOHook() ConnectionIOHook {
	return &NoopConnectionIOHook{}
}

// EmitReadError noops.
func (h *NoopConnectionIOHook) EmitReadError(addr net.Addr) {}

// EmitWriteError noops.
func (h *NoopConnectionIOHook) EmitWriteError(addr net.Addr) {}

// EmitRetry noops.
func (h *NoopConnectionIOHook) EmitRetry(addr net.Addr) {}
