package protocol

import (
	"fmt"

	"github.com/miekg/dns"
)

// TypeLabel returns the mnemonic of a resource record type, such as "A" for 1. Unassigned or
// private-use codes are labeled "UNKNOWN (<code>)".
func TypeLabel(qtype uint16) string {
	if label, ok := dns.TypeToString[qtype]; ok {
		return label
	}

	return unknownLabel(qtype)
}

// ClassLabel returns the mnemonic of a class, such as "IN" for 1. Unassigned codes are labeled
// "UNKNOWN (<code>)".
func ClassLabel(qclass uint16) string {
	if label, ok := dns.ClassToString[qclass]; ok {
		return label
	}

	return unknownLabel(qclass)
}

func unknownLabel(code uint16) string {
	return fmt.Sprintf("UNKNOWN (%d)", code)
}
