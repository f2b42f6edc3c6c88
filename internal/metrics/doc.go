// Package metrics contains abstractions for emission of metrics generated throughout the lifetime
// of the honeypot. Currently, the only supported metrics output engine is statsd.
//
// Metrics are generated at several points of a single query's lifecycle: the admission decision,
// the audit write, and, for admitted queries, the upstream exchange. The emissions in this
// package are therefore structured around hooks: a hook interface defines methods that are
// invoked by the main logic routines while serving a query. Implementations of hook interfaces
// actually output the metrics to a backend engine; this responsibility is decoupled from the
// semantics of "hooking" into business logic.
package metrics
