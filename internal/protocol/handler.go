package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/raven-go"
	"github.com/miekg/dns"
	"lib.kevinlin.info/aperture/lib"

	"udpot/internal/dispatch"
	"udpot/internal/ledger"
	"udpot/internal/log"
	"udpot/internal/metrics"
	"udpot/internal/network"
	"udpot/internal/query"
)

// contextKey is a type alias for context keys passed through the handler.
type contextKey int

const (
	// TransportContextKey is the name of the context key holding the query.Transport on which
	// the message being served arrived.
	TransportContextKey contextKey = iota
)

// Dispatcher decides the fate of a query event. *dispatch.Policy satisfies it.
type Dispatcher interface {
	Handle(ctx context.Context, ev query.Event) (ledger.Decision, error)
}

// HoneypotHandler is a dns.Handler that relays admitted queries to the upstream and leaves every
// other query unanswered.
type HoneypotHandler struct {
	Policy    Dispatcher
	Upstream  network.Client
	ProxyHook metrics.ProxyHook
	Logger    log.Logger
	Opts      HoneypotHandlerOpts
}

// HoneypotHandlerOpts formalizes configuration options for the honeypot handler.
type HoneypotHandlerOpts struct {
	// UpstreamName identifies the upstream in metrics tags.
	UpstreamName string
	// UpstreamTimeout bounds a single upstream exchange, retries included.
	UpstreamTimeout time.Duration
}

// ConsumeError logs the error and reports it.
func (h *HoneypotHandler) ConsumeError(ctx context.Context, err error) {
	transport := "unknown"
	if t, ok := ctx.Value(TransportContextKey).(query.Transport); ok {
		transport = t.String()
	}

	h.Logger.Error("honeypot: request failed: transport=%s err=%v", transport, err)
	h.ProxyHook.EmitError()

	raven.CaptureError(err, map[string]string{
		"component": "honeypot",
		"transport": transport,
	})
}

// ServeDNS builds a query event from the request and asks the policy for a decision. Admitted
// queries are exchanged with the upstream and the reply is written back to the client; an upstream
// failure is answered with SERVFAIL. Suppressed queries receive no reply at all, and a TCP client
// has its connection closed. Malformed messages are ignored.
func (h *HoneypotHandler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	rttTxTimer := lib.NewStopwatch()

	transport := TransportFromAddr(w.RemoteAddr())
	ctx := context.WithValue(context.Background(), TransportContextKey, transport)

	ev := EventFromMsg(req, w.RemoteAddr(), transport, time.Now())

	decision, err := h.Policy.Handle(ctx, ev)
	if errors.Is(err, dispatch.ErrMalformed) {
		h.ProxyHook.EmitMalformed(w.RemoteAddr())
		h.Logger.Debug("honeypot: ignoring malformed message: event=%s", ev)
		return
	} else if err != nil {
		h.ConsumeError(ctx, err)
		return
	}

	h.ProxyHook.EmitRequestSize(int64(req.Len()), w.RemoteAddr())

	if decision == ledger.Suppress {
		h.Logger.Debug("honeypot: withholding reply: event=%s", ev)

		if transport == query.TCP {
			w.Close()
		}

		return
	}

	h.Logger.Debug("honeypot: forwarding query: event=%s", ev)

	if h.Opts.UpstreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Opts.UpstreamTimeout)
		defer cancel()
	}

	upstreamTxTimer := lib.NewStopwatch()

	resp, err := h.Upstream.Exchange(ctx, req)
	if err != nil {
		h.ConsumeError(ctx, err)
		h.write(ctx, w, new(dns.Msg).SetRcode(req, dns.RcodeServerFailure))
		return
	}

	h.ProxyHook.EmitUpstreamLatency(upstreamTxTimer.Elapsed(), h.Opts.UpstreamName)

	// The upstream may have answered over TCP; the client only gets what fits its transport.
	if transport == query.UDP {
		resp.Truncate(udpSize(req))
	}

	if !h.write(ctx, w, resp) {
		return
	}

	h.ProxyHook.EmitResponseSize(int64(resp.Len()), h.Opts.UpstreamName)
	h.ProxyHook.EmitRTT(rttTxTimer.Elapsed(), w.RemoteAddr())

	h.Logger.Debug(
		"honeypot: completed write back to client: rtt=%v transport=%s rcode=%s",
		rttTxTimer.Elapsed(),
		transport,
		dns.RcodeToString[resp.Rcode],
	)
}

// write sends a reply to the client, consuming any error. It reports whether the write succeeded.
func (h *HoneypotHandler) write(ctx context.Context, w dns.ResponseWriter, resp *dns.Msg) bool {
	if err := w.WriteMsg(resp); err != nil {
		h.ConsumeError(ctx, fmt.Errorf("honeypot: failed writing reply to client: err=%w", err))
		return false
	}

	return true
}

// udpSize returns the largest reply the client accepts over UDP, honoring EDNS0.
func udpSize(req *dns.Msg) int {
	if opt := req.IsEdns0(); opt != nil && int(opt.UDPSize()) > dns.MinMsgSize {
		return int(opt.UDPSize())
	}

	return dns.MinMsgSize
}
