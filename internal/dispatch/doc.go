// Package dispatch connects decoded query events to the source ledger and the audit trail. It
// knows nothing about DNS wire formats or sockets; the transport layer builds events, asks the
// policy for a decision, and acts on it.
package dispatch
