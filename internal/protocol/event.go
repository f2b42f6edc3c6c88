package protocol

import (
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"udpot/internal/query"
)

// TransportFromAddr infers the transport on which a message arrived from the client's address.
// Anything other than a TCP address is treated as UDP.
func TransportFromAddr(addr net.Addr) query.Transport {
	if _, ok := addr.(*net.TCPAddr); ok {
		return query.TCP
	}

	return query.UDP
}

// SourceFromAddr converts a listener's view of the client address into an address and port. IPv4
// clients seen through a dual-stack socket are reported in their plain IPv4 form. It returns the
// zero value if the address cannot be parsed.
func SourceFromAddr(addr net.Addr) netip.AddrPort {
	var source netip.AddrPort

	switch networkAddr := addr.(type) {
	case *net.UDPAddr:
		source = networkAddr.AddrPort()
	case *net.TCPAddr:
		source = networkAddr.AddrPort()
	case nil:
		return netip.AddrPort{}
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}
		}

		source = parsed
	}

	if !source.IsValid() {
		return source
	}

	return netip.AddrPortFrom(source.Addr().Unmap(), source.Port())
}

// EventFromMsg builds the query event for a decoded message. Only the first question is
// considered; a message without questions yields a malformed event.
func EventFromMsg(msg *dns.Msg, remote net.Addr, transport query.Transport, now time.Time) query.Event {
	var question *query.Question

	if msg != nil && len(msg.Question) > 0 {
		q := msg.Question[0]
		question = &query.Question{
			Name:  q.Name,
			Type:  TypeLabel(q.Qtype),
			Class: ClassLabel(q.Qclass),
		}
	}

	return query.New(SourceFromAddr(remote), transport, question, now)
}
