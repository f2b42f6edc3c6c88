// Package audit persists a durable trail of every well-formed query the honeypot observes.
//
// Entries flow through a Sink, which queues them and writes them to a Store from a single
// worker. The sqlite-backed SQLStore keeps them in an append-only "queries" table. Failed
// writes are rolled back and reported, and never influence how the query itself is treated.
package audit
