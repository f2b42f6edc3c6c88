//go:generate go run golang.org/x/tools/cmd/stringer -type=LoadBalancingPolicy

package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// LoadBalancingPolicy formalizes the load balancing decision policy to apply when relaying queries
// through a sharded network client.
type LoadBalancingPolicy int

// ShardedClientFactory is a type alias for a unary constructor function that returns a single
// Client that abstracts operations among several child Clients.
type ShardedClientFactory func([]Client) Client

// RoundRobinShardedClient shards queries among clients fairly in round-robin order.
type RoundRobinShardedClient struct {
	clients []Client
	rrIdx   atomic.Uint64
}

// RandomShardedClient shards queries among clients randomly.
type RandomShardedClient struct {
	clients []Client
}

// HistoricalExchangesShardedClient directs queries to the client that has, up until the time of
// invocation, served the fewest successful exchanges. It is best used when there is a need to
// ensure that load is distributed to all clients fairly even if one of them has failed.
type HistoricalExchangesShardedClient struct {
	clients []Client
}

// AvailabilityShardedClient dynamically adjusts its active client pool to prioritize those clients
// that are successful in answering queries. It automatically fails over failed exchanges to
// healthy clients in the pool, temporarily disabling the failed client for future queries with an
// exponential backoff policy.
type AvailabilityShardedClient struct {
	clients []Client

	// Tracks the timestamp at which each client last errored
	lastError map[Client]time.Time
	// Tracks the current duration of time to wait before a failed client is once again
	// available for use.
	errorExpiry map[Client]time.Duration
	// Mutex used to protect R/W operations on the state maps.
	mutex sync.RWMutex
}

// FailoverShardedClient relays queries in priority order, serially failing over to the next
// client(s) in the list when the primary is not successful in answering.
type FailoverShardedClient struct {
	clients []Client
}

const (
	// RoundRobin statefully iterates through each client on every query.
	RoundRobin LoadBalancingPolicy = iota
	// Random selects a client at random to answer the query.
	Random
	// HistoricalExchanges selects the client that has, up until the time of the query, answered
	// the fewest queries.
	HistoricalExchanges
	// Availability randomly selects a client to answer the query, failing over to another
	// client in the event that it fails to do so. The failed client is temporarily pulled out
	// of the availability pool to prevent subsequent queries from being directed to it.
	Availability
	// Failover relays queries to multiple clients in serial order, only failing over to
	// secondary clients when the primary fails.
	Failover
)

// ErrNoClients is returned when a sharded client has no eligible child client for a query.
var ErrNoClients = errors.New("sharding: no live clients are available")

// NewShardedClient creates a single Client that relays queries through several other Clients
// governed by a load balancing policy. It returns an error if the specified load balancing policy
// has no associated sharded client factory or no clients are given.
func NewShardedClient(clients []Client, lbPolicy LoadBalancingPolicy) (Client, error) {
	factories := map[LoadBalancingPolicy]ShardedClientFactory{
		RoundRobin:          NewRoundRobinShardedClient,
		Random:              NewRandomShardedClient,
		HistoricalExchanges: NewHistoricalExchangesShardedClient,
		Availability:        NewAvailabilityShardedClient,
		Failover:            NewFailoverShardedClient,
	}

	factory, ok := factories[lbPolicy]
	if !ok {
		return nil, fmt.Errorf(
			"sharding: no factory configured for load balancing policy: policy=%s",
			lbPolicy,
		)
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("sharding: at least one client is required: policy=%s", lbPolicy)
	}

	return factory(clients), nil
}

// NewRoundRobinShardedClient is a client factory for the round robin load balancing policy.
func NewRoundRobinShardedClient(clients []Client) Client {
	return &RoundRobinShardedClient{clients: clients}
}

// Exchange relays the query through the next client in the round robin index.
func (c *RoundRobinShardedClient) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	idx := (c.rrIdx.Add(1) - 1) % uint64(len(c.clients))

	return c.clients[idx].Exchange(ctx, msg)
}

// Stats aggregates stats from all child clients.
func (c *RoundRobinShardedClient) Stats() Stats {
	return aggregateClientsStats(c.clients)
}

// Close closes all child clients.
func (c *RoundRobinShardedClient) Close() error {
	return closeClients(c.clients)
}

// NewRandomShardedClient is a client factory for the random load balancing policy.
func NewRandomShardedClient(clients []Client) Client {
	return &RandomShardedClient{clients}
}

// Exchange selects a client at random to answer the query.
func (c *RandomShardedClient) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	return c.clients[rand.Intn(len(c.clients))].Exchange(ctx, msg)
}

// Stats aggregates stats from all child clients.
func (c *RandomShardedClient) Stats() Stats {
	return aggregateClientsStats(c.clients)
}

// Close closes all child clients.
func (c *RandomShardedClient) Close() error {
	return closeClients(c.clients)
}

// NewHistoricalExchangesShardedClient is a client factory for the historical exchanges load
// balancing policy.
func NewHistoricalExchangesShardedClient(clients []Client) Client {
	return &HistoricalExchangesShardedClient{clients}
}

// Exchange selects the client that has, up until the time of invocation, answered the fewest
// queries successfully.
func (c *HistoricalExchangesShardedClient) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var client Client
	var fewest int

	for _, candidate := range c.clients {
		successful := candidate.Stats().SuccessfulExchanges

		if client == nil || successful < fewest {
			client = candidate
			fewest = successful
		}
	}

	return client.Exchange(ctx, msg)
}

// Stats aggregates stats from all child clients.
func (c *HistoricalExchangesShardedClient) Stats() Stats {
	return aggregateClientsStats(c.clients)
}

// Close closes all child clients.
func (c *HistoricalExchangesShardedClient) Close() error {
	return closeClients(c.clients)
}

// NewAvailabilityShardedClient is a client factory for the availability load balancing policy.
func NewAvailabilityShardedClient(clients []Client) Client {
	lastError := make(map[Client]time.Time)
	errorExpiry := make(map[Client]time.Duration)

	for _, client := range clients {
		lastError[client] = time.Time{}
		errorExpiry[client] = 0
	}

	return &AvailabilityShardedClient{
		clients:     clients,
		lastError:   lastError,
		errorExpiry: errorExpiry,
	}
}

// Exchange attempts to robustly answer the query from all available clients using a failover
// retry mechanism. It errors if the load balancing policy determines that there are no live
// clients eligible for answering, or if the context ends between attempts.
func (c *AvailabilityShardedClient) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	// Describes the amount of time that must elapse before resetting a client's error expiry
	// timer. In other words, this is the minimum amount of time after which a client errors
	// that it is permitted to be retried. Otherwise, the client is pulled out of the sharding
	// pool for exponentially increasing durations of time.
	failedClientExpiry := 30 * time.Second

	for {
		client, err := c.selectAvailable()
		if err != nil {
			return nil, err
		}

		resp, err := client.Exchange(ctx, msg)
		if err == nil {
			return resp, nil
		}

		c.mutex.Lock()

		if c.lastError[client].IsZero() || time.Since(c.lastError[client]) > failedClientExpiry {
			// The client has either never errored before, or the last error is too far
			// in the past. Start its exponential backoff timer at 100 ms, indicating
			// that this client will be marked unavailable for the next 100 ms.
			c.errorExpiry[client] = 100 * time.Millisecond
		} else {
			// The most recent client failure was too recent; double the current expiry
			// time.
			c.errorExpiry[client] *= 2
		}

		c.lastError[client] = time.Now()

		c.mutex.Unlock()

		if ctx.Err() != nil {
			return nil, err
		}
	}
}

// Stats aggregates stats from all child clients.
func (c *AvailabilityShardedClient) Stats() Stats {
	return aggregateClientsStats(c.clients)
}

// Close closes all child clients.
func (c *AvailabilityShardedClient) Close() error {
	return closeClients(c.clients)
}

// Select an eligible client at random. This method errors if no clients are available to answer.
func (c *AvailabilityShardedClient) selectAvailable() (Client, error) {
	var eligibleClients []Client

	c.mutex.RLock()
	for _, candidate := range c.clients {
		lastError := c.lastError[candidate]
		expiry := c.errorExpiry[candidate]

		// The client is considered eligible if it has never errored or if its current
		// failure lifetime has expired.
		if lastError.IsZero() || time.Since(lastError) > expiry {
			eligibleClients = append(eligibleClients, candidate)
		}
	}
	c.mutex.RUnlock()

	if len(eligibleClients) == 0 {
		return nil, ErrNoClients
	}

	return eligibleClients[rand.Intn(len(eligibleClients))], nil
}

// NewFailoverShardedClient is a client factory for the failover load balancing policy.
func NewFailoverShardedClient(clients []Client) Client {
	return &FailoverShardedClient{clients}
}

// Exchange attempts to answer the query from clients in serial order, failing over to the next
// client on error.
func (c *FailoverShardedClient) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var errs []error

	for _, client := range c.clients {
		resp, err := client.Exchange(ctx, msg)
		if err == nil {
			return resp, nil
		}

		errs = append(errs, err)
	}

	return nil, fmt.Errorf("sharding: all clients failed to answer: %w", errors.Join(errs...))
}

// Stats aggregates stats from all child clients.
func (c *FailoverShardedClient) Stats() Stats {
	return aggregateClientsStats(c.clients)
}

// Close closes all child clients.
func (c *FailoverShardedClient) Close() error {
	return closeClients(c.clients)
}

// ParseLoadBalancingPolicy parses a LoadBalancingPolicy constant from its stringified
// representation in a case-insensitive manner.
func ParseLoadBalancingPolicy(lbPolicy string) (LoadBalancingPolicy, bool) {
	knownLbPolicies := []LoadBalancingPolicy{
		RoundRobin,
		Random,
		HistoricalExchanges,
		Availability,
		Failover,
	}

	for _, knownLbPolicy := range knownLbPolicies {
		if strings.EqualFold(strings.TrimSpace(lbPolicy), knownLbPolicy.String()) {
			return knownLbPolicy, true
		}
	}

	return RoundRobin, false
}

// aggregateClientsStats creates a single Stats struct from those in multiple Clients.
func aggregateClientsStats(clients []Client) Stats {
	var aggregatedStats Stats

	for _, client := range clients {
		stats := client.Stats()

		aggregatedStats.SuccessfulExchanges += stats.SuccessfulExchanges
		aggregatedStats.FailedExchanges += stats.FailedExchanges
	}

	return aggregatedStats
}

// closeClients closes every client, returning the joined errors of those that failed.
func closeClients(clients []Client) error {
	var errs []error

	for _, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
