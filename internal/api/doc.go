// Package api serves a small, read-only HTTP admin surface over the honeypot's state: decision
// counters, ledger size, audit sink health, and the most recent audit entries.
package api
