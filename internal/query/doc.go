// Package query defines the event that the transport layer hands to the dispatch policy for every
// decoded DNS message. It has no dependency on any DNS or networking library.
package query
