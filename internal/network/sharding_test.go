package network

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/miekg/dns"
)

// fakeClient answers every query with an empty reply, or fails if err is set.
type fakeClient struct {
	name   string
	err    error
	mutex  sync.Mutex
	calls  int
	closed bool

	statsTracker
}

func (c *fakeClient) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	c.mutex.Lock()
	c.calls++
	c.mutex.Unlock()

	c.track(c.err)

	if c.err != nil {
		return nil, c.err
	}

	resp := new(dns.Msg)
	resp.SetReply(msg)

	return resp, nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func (c *fakeClient) callCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.calls
}

func testQuery() *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)

	return msg
}

func TestNewShardedClientValidation(t *testing.T) {
	if _, err := NewShardedClient(nil, RoundRobin); err == nil {
		t.Error("expected an error for an empty client list")
	}

	if _, err := NewShardedClient([]Client{&fakeClient{}}, LoadBalancingPolicy(42)); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}

func TestRoundRobinShardedClient(t *testing.T) {
	a, b := &fakeClient{name: "a"}, &fakeClient{name: "b"}

	client, err := NewShardedClient([]Client{a, b}, RoundRobin)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 6; i++ {
		if _, err := client.Exchange(context.Background(), testQuery()); err != nil {
			t.Fatal(err)
		}
	}

	if a.callCount() != 3 || b.callCount() != 3 {
		t.Errorf("uneven distribution: a=%d b=%d", a.callCount(), b.callCount())
	}

	if stats := client.Stats(); stats.SuccessfulExchanges != 6 {
		t.Errorf("aggregated stats: %+v", stats)
	}
}

func TestHistoricalExchangesShardedClient(t *testing.T) {
	a, b := &fakeClient{name: "a"}, &fakeClient{name: "b"}

	// Give a a head start
	for i := 0; i < 3; i++ {
		a.Exchange(context.Background(), testQuery())
	}

	client, _ := NewShardedClient([]Client{a, b}, HistoricalExchanges)

	for i := 0; i < 3; i++ {
		client.Exchange(context.Background(), testQuery())
	}

	if b.callCount() != 3 {
		t.Errorf("the least used client should have answered every query, got b=%d", b.callCount())
	}
}

func TestFailoverShardedClient(t *testing.T) {
	primary := &fakeClient{name: "primary", err: errors.New("refused")}
	secondary := &fakeClient{name: "secondary"}

	client, _ := NewShardedClient([]Client{primary, secondary}, Failover)

	if _, err := client.Exchange(context.Background(), testQuery()); err != nil {
		t.Fatalf("failover should have succeeded: %v", err)
	}

	if primary.callCount() != 1 || secondary.callCount() != 1 {
		t.Errorf("unexpected calls: primary=%d secondary=%d", primary.callCount(), secondary.callCount())
	}

	secondary.err = errors.New("timeout")
	if _, err := client.Exchange(context.Background(), testQuery()); err == nil {
		t.Error("expected an error when every client fails")
	}
}

func TestAvailabilityShardedClient(t *testing.T) {
	broken := &fakeClient{name: "broken", err: errors.New("unreachable")}
	healthy := &fakeClient{name: "healthy"}

	client, _ := NewShardedClient([]Client{broken, healthy}, Availability)

	for i := 0; i < 10; i++ {
		if _, err := client.Exchange(context.Background(), testQuery()); err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
	}

	if healthy.callCount() != 10 {
		t.Errorf("healthy client answered %d queries, want 10", healthy.callCount())
	}

	if broken.callCount() > 2 {
		t.Errorf("broken client should be pulled from the pool after failing, got %d calls", broken.callCount())
	}

	allBroken, _ := NewShardedClient([]Client{&fakeClient{err: errors.New("down")}}, Availability)
	if _, err := allBroken.Exchange(context.Background(), testQuery()); !errors.Is(err, ErrNoClients) {
		t.Errorf("got %v, want ErrNoClients", err)
	}
}

func TestShardedClientClose(t *testing.T) {
	a, b := &fakeClient{}, &fakeClient{}

	client, _ := NewShardedClient([]Client{a, b}, Random)
	client.Close()

	if !a.closed || !b.closed {
		t.Error("Close should close every child client")
	}
}

func TestParseLoadBalancingPolicy(t *testing.T) {
	tests := []struct {
		input string
		want  LoadBalancingPolicy
		ok    bool
	}{
		{"RoundRobin", RoundRobin, true},
		{"random", Random, true},
		{"historicalexchanges", HistoricalExchanges, true},
		{" Availability ", Availability, true},
		{"FAILOVER", Failover, true},
		{"fastest", RoundRobin, false},
	}

	for _, test := range tests {
		got, ok := ParseLoadBalancingPolicy(test.input)
		if got != test.want || ok != test.ok {
			t.Errorf("ParseLoadBalancingPolicy(%q) = (%s, %v), want (%s, %v)", test.input, got, ok, test.want, test.ok)
		}
	}
}
