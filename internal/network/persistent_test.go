package network

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"udpot/internal/metrics"
)

// pipeDialer creates in-memory connections and counts how many were opened.
type pipeDialer struct {
	mutex  sync.Mutex
	dialed int
	err    error
}

func (d *pipeDialer) dial() (net.Conn, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.err != nil {
		return nil, d.err
	}

	d.dialed++
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 1)
		server.Read(buf)
		server.Close()
	}()

	return client, nil
}

func (d *pipeDialer) count() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.dialed
}

func TestPersistentConnPoolReusesConnections(t *testing.T) {
	dialer := &pipeDialer{}
	pool := NewPersistentConnPool(dialer.dial, metrics.NewNoopConnectionLifecycleHook(), PersistentConnPoolOpts{Capacity: 1})

	conn, err := pool.Conn()
	if err != nil {
		t.Fatal(err)
	}

	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}

	if pool.Size() != 1 {
		t.Fatalf("closed connection should return to the pool, size=%d", pool.Size())
	}

	again, err := pool.Conn()
	if err != nil {
		t.Fatal(err)
	}

	if dialer.count() != 1 {
		t.Errorf("pooled connection should be reused, dialed=%d", dialer.count())
	}

	again.Destroy()

	if pool.Size() != 0 {
		t.Errorf("destroyed connection should not return to the pool, size=%d", pool.Size())
	}
}

func TestPersistentConnPoolDiscardsStaleConnections(t *testing.T) {
	dialer := &pipeDialer{}
	pool := NewPersistentConnPool(dialer.dial, metrics.NewNoopConnectionLifecycleHook(), PersistentConnPoolOpts{
		Capacity:     2,
		StaleTimeout: time.Nanosecond,
	})

	conn, _ := pool.Conn()
	conn.Close()

	time.Sleep(time.Millisecond)

	if _, err := pool.Conn(); err != nil {
		t.Fatal(err)
	}

	if dialer.count() != 2 {
		t.Errorf("stale connection should be replaced, dialed=%d", dialer.count())
	}
}

func TestPersistentConnPoolCapacityAndClose(t *testing.T) {
	dialer := &pipeDialer{}
	pool := NewPersistentConnPool(dialer.dial, metrics.NewNoopConnectionLifecycleHook(), PersistentConnPoolOpts{Capacity: 1})

	first, _ := pool.Conn()
	second, _ := pool.Conn()

	first.Close()
	second.Close()

	if pool.Size() != 1 {
		t.Errorf("pool should hold at most its capacity, size=%d", pool.Size())
	}

	pool.Close()

	if pool.Size() != 0 {
		t.Errorf("Close should drain the pool, size=%d", pool.Size())
	}

	third, _ := pool.Conn()
	third.Close()

	if pool.Size() != 0 {
		t.Errorf("a closed pool should not cache connections, size=%d", pool.Size())
	}
}

func TestPersistentConnPoolDialError(t *testing.T) {
	dialer := &pipeDialer{err: errors.New("connection refused")}
	pool := NewPersistentConnPool(dialer.dial, metrics.NewNoopConnectionLifecycleHook(), PersistentConnPoolOpts{Capacity: 1})

	if _, err := pool.Conn(); err == nil {
		t.Error("expected the dial error to surface")
	}
}
