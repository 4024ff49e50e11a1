package tunnel

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/quic-go/quic-go"
)

// fakeQuicConn records close calls; all other quic.Connection methods are
// unused by the registry paths under test.
type fakeQuicConn struct {
	quic.Connection
	closed atomic.Bool
}

func (f *fakeQuicConn) CloseWithError(quic.ApplicationErrorCode, string) error {
	f.closed.Store(true)
	return nil
}

func newTestConn(originID string) (*Conn, *fakeQuicConn) {
	fake := &fakeQuicConn{}
	return NewConn(originID, fake), fake
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewRegistry()

	conn, _ := newTestConn("origin-1")
	registry.Register(conn)

	got, ok := registry.Lookup("origin-1")
	if !ok || got.ID != conn.ID {
		t.Fatal("expected registered conn")
	}
	if got.State() != StateActive {
		t.Fatalf("expected active state, got %s", got.State())
	}
	if registry.Len() != 1 {
		t.Fatalf("expected 1 tunnel, got %d", registry.Len())
	}
}

func TestRegistryReplaceClosesPrevious(t *testing.T) {
	registry := NewRegistry()

	first, firstFake := newTestConn("origin-1")
	registry.Register(first)

	second, _ := newTestConn("origin-1")
	registry.Register(second)

	if !firstFake.closed.Load() {
		t.Fatal("replaced conn should be closed")
	}
	if first.State() != StateClosed {
		t.Fatalf("replaced conn should be in closed state, got %s", first.State())
	}

	got, ok := registry.Lookup("origin-1")
	if !ok || got.ID != second.ID {
		t.Fatal("lookup should resolve to the newer conn")
	}
}

func TestRegistryUnregisterOnlyCurrent(t *testing.T) {
	registry := NewRegistry()

	first, _ := newTestConn("origin-1")
	registry.Register(first)
	second, _ := newTestConn("origin-1")
	registry.Register(second)

	// The replaced conn must not evict its successor
	if registry.Unregister(first) {
		t.Fatal("unregistering a stale conn should be a no-op")
	}
	if _, ok := registry.Lookup("origin-1"); !ok {
		t.Fatal("successor should still be registered")
	}

	if !registry.Unregister(second) {
		t.Fatal("unregistering the current conn should succeed")
	}
	if _, ok := registry.Lookup("origin-1"); ok {
		t.Fatal("origin should be gone after unregister")
	}
}

func TestRegistryHooks(t *testing.T) {
	registry := NewRegistry()

	var ups, downs []string
	registry.OnUp(func(originID string) { ups = append(ups, originID) })
	registry.OnDown(func(originID string) { downs = append(downs, originID) })

	conn, _ := newTestConn("origin-1")
	registry.Register(conn)
	if len(ups) != 1 || ups[0] != "origin-1" {
		t.Fatalf("expected one up hook for origin-1, got %v", ups)
	}

	// Replacement rebinds without a down hook: the origin never went away
	replacement, _ := newTestConn("origin-1")
	registry.Register(replacement)
	if len(downs) != 0 {
		t.Fatalf("replacement must not fire down hooks, got %v", downs)
	}
	if len(ups) != 2 {
		t.Fatalf("expected a second up hook, got %v", ups)
	}

	registry.Unregister(replacement)
	if len(downs) != 1 || downs[0] != "origin-1" {
		t.Fatalf("expected one down hook for origin-1, got %v", downs)
	}

	// A stale conn's unregister fires nothing
	registry.Unregister(conn)
	if len(downs) != 1 {
		t.Fatalf("stale unregister must not fire down hooks, got %v", downs)
	}
}

func TestConnStateTransitions(t *testing.T) {
	conn, fake := newTestConn("origin-1")

	if conn.State() != StateConnecting {
		t.Fatalf("new conn should be connecting, got %s", conn.State())
	}

	conn.Activate()
	if conn.State() != StateActive {
		t.Fatalf("expected active, got %s", conn.State())
	}

	conn.Drain()
	if conn.State() != StateDraining {
		t.Fatalf("expected draining, got %s", conn.State())
	}

	// Draining conns refuse new exchanges
	if err := conn.Send(context.Background(), Frame{Type: FrameCloseNotify}); err == nil {
		t.Fatal("expected send on draining conn to fail")
	}

	if err := conn.Close("test over"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !fake.closed.Load() {
		t.Fatal("close should reach the quic connection")
	}
	if conn.State() != StateClosed {
		t.Fatalf("expected closed, got %s", conn.State())
	}

	// Close is idempotent
	if err := conn.Close("again"); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}
