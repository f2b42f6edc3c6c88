//go:generate go run golang.org/x/tools/cmd/stringer -type=Transport -linecomment=true

package query

import (
	"fmt"
	"net/netip"
	"time"
)

// Transport describes the network transport on which a query arrived.
type Transport int

const (
	// UDP describes a query received over a UDP datagram.
	UDP Transport = iota // udp
	// TCP describes a query received over a TCP stream.
	TCP // tcp
)

// Question is the first record of a message's question section, with its type and class already
// resolved to human-readable labels.
type Question struct {
	Name  string
	Type  string
	Class string
}

// Event is the immutable record of a single inbound query message. It is built once by the
// transport layer and consumed by the dispatch policy. Event is passed by value; none of its
// methods modify it.
type Event struct {
	// Source is the address and port of the sender.
	Source netip.AddrPort
	// Transport is the transport on which the message arrived.
	Transport Transport
	// ObservedAt is the time at which the message was decoded.
	ObservedAt time.Time

	question    Question
	hasQuestion bool
}

// New creates an Event. A nil question denotes a message without a question section; such an
// event is malformed and must not be admitted or audited.
func New(source netip.AddrPort, transport Transport, question *Question, observedAt time.Time) Event {
	ev := Event{
		Source:     source,
		Transport:  transport,
		ObservedAt: observedAt,
	}

	if question != nil {
		ev.question = *question
		ev.hasQuestion = true
	}

	return ev
}

// Question returns the event's question and whether the message carried one.
func (e Event) Question() (Question, bool) {
	return e.question, e.hasQuestion
}

// WellFormed reports whether the event carries a question and a valid source address.
func (e Event) WellFormed() bool {
	return e.hasQuestion && e.Source.IsValid()
}

// String implements the Stringer interface for human-consumable representation.
func (e Event) String() string {
	if !e.hasQuestion {
		return fmt.Sprintf("Event{%s %s <no question>}", e.Transport, e.Source)
	}

	return fmt.Sprintf(
		"Event{%s %s %s %s %s}",
		e.Transport,
		e.Source,
		e.question.Name,
		e.question.Type,
		e.question.Class,
	)
}
