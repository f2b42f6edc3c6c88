// Package network contains the DNS listeners that accept client queries and the upstream clients
// that relay admitted queries to a real resolver. Upstream clients may be combined behind a single
// load-balanced Client, and stream upstreams (TCP and DNS-over-TLS) recycle their connections in a
// persistent pool.
package network
