// Package protocol is the DNS-aware glue between the listeners and the dispatch policy. It turns
// decoded messages into query events, resolves numeric record types and classes to their labels,
// and relays or withholds replies according to the policy's decision.
package protocol
