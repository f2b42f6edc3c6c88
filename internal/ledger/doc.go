// Package ledger implements the per-source admission engine of the honeypot.
//
// Every source address is allowed a fixed number of forwarded queries per inactivity window.
// Once the quota is spent, further queries are suppressed until the source has been quiet for a
// whole window. The ledger holds one record per source and is swept periodically so that records
// of sources that went away do not accumulate.
//
// Sweep only removes expired records; there is no size cap. A flood of single queries from
// distinct addresses therefore occupies one record per address until the next sweep after the
// window elapses. Operators control that bound with the sweep interval.
package ledger
