package edge

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strandcdn/strand/lib/cache"
	"github.com/strandcdn/strand/lib/kv"
	"github.com/strandcdn/strand/lib/kv/engines/cedar"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeRelay counts calls and can be switched into failure mode.
type fakeRelay struct {
	calls    atomic.Int64
	failing  atomic.Bool
	payloads map[string][]byte
}

func (r *fakeRelay) Fetch(key, originID string) ([]byte, time.Duration, bool, error) {
	r.calls.Add(1)
	if r.failing.Load() {
		return nil, 0, false, fmt.Errorf("relay down")
	}
	payload, ok := r.payloads[key]
	return payload, 5 * time.Second, ok, nil
}

func newTestFetcher(t *testing.T, clock *testClock, relay *fakeRelay) *Fetcher {
	t.Helper()

	factory := func() kv.KVDB {
		opts := cedar.DefaultOptions()
		opts.NumShards = 2
		opts.StaleRetention = time.Hour
		opts.Clock = clock.Now
		return cedar.New(opts)
	}
	store := cache.New(factory, cache.DefaultOptions(cache.TierEdge))
	t.Cleanup(func() { store.Close() })

	return NewFetcher(store, relay, &FetcherOptions{
		StaleBound:     30 * time.Second,
		BreakerTimeout: time.Minute,
	})
}

func TestFetcherCacheHitShortCircuits(t *testing.T) {
	clock := newTestClock()
	relay := &fakeRelay{payloads: map[string][]byte{"k1": []byte("manifest")}}
	fetcher := newTestFetcher(t, clock, relay)

	// First serve goes to the relay and caches
	payload, err := fetcher.Serve("k1", "origin-1")
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !bytes.Equal(payload, []byte("manifest")) {
		t.Fatalf("unexpected payload %q", payload)
	}
	if relay.calls.Load() != 1 {
		t.Fatalf("expected 1 relay call, got %d", relay.calls.Load())
	}

	// Second serve within the TTL never touches the relay
	if _, err := fetcher.Serve("k1", "origin-1"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if relay.calls.Load() != 1 {
		t.Fatalf("cache hit should not call the relay, got %d calls", relay.calls.Load())
	}
}

func TestFetcherRefetchesAfterExpiry(t *testing.T) {
	clock := newTestClock()
	relay := &fakeRelay{payloads: map[string][]byte{"k1": []byte("manifest")}}
	fetcher := newTestFetcher(t, clock, relay)

	if _, err := fetcher.Serve("k1", "origin-1"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	clock.Advance(6 * time.Second) // past the relay's 5s TTL hint

	if _, err := fetcher.Serve("k1", "origin-1"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if relay.calls.Load() != 2 {
		t.Fatalf("expected refetch after expiry, got %d calls", relay.calls.Load())
	}
}

func TestFetcherServesBoundedStaleOnRelayFailure(t *testing.T) {
	clock := newTestClock()
	relay := &fakeRelay{payloads: map[string][]byte{"k1": []byte("manifest")}}
	fetcher := newTestFetcher(t, clock, relay)

	if _, err := fetcher.Serve("k1", "origin-1"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	relay.failing.Store(true)
	clock.Advance(10 * time.Second) // expired, 5s stale

	payload, err := fetcher.Serve("k1", "origin-1")
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if !bytes.Equal(payload, []byte("manifest")) {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestFetcherFailsPastStaleBound(t *testing.T) {
	clock := newTestClock()
	relay := &fakeRelay{payloads: map[string][]byte{"k1": []byte("manifest")}}
	fetcher := newTestFetcher(t, clock, relay)

	if _, err := fetcher.Serve("k1", "origin-1"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	relay.failing.Store(true)
	clock.Advance(40 * time.Second) // stale for 35s, beyond the 30s bound

	if _, err := fetcher.Serve("k1", "origin-1"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestFetcherSkipsRelayWhenTierUnreachable(t *testing.T) {
	clock := newTestClock()
	relay := &fakeRelay{payloads: map[string][]byte{"k1": []byte("manifest")}}

	var relayUp atomic.Bool
	relayUp.Store(true)

	factory := func() kv.KVDB {
		opts := cedar.DefaultOptions()
		opts.NumShards = 2
		opts.StaleRetention = time.Hour
		opts.Clock = clock.Now
		return cedar.New(opts)
	}
	store := cache.New(factory, cache.DefaultOptions(cache.TierEdge))
	t.Cleanup(func() { store.Close() })

	fetcher := NewFetcher(store, relay, &FetcherOptions{
		StaleBound:     30 * time.Second,
		BreakerTimeout: time.Minute,
		RelayHealthy:   relayUp.Load,
	})

	if _, err := fetcher.Serve("k1", "origin-1"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}

	// The routing table marks the whole relay tier stale: misses go
	// straight to the stale fallback without probing the relay
	relayUp.Store(false)
	clock.Advance(10 * time.Second)

	payload, err := fetcher.Serve("k1", "origin-1")
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if !bytes.Equal(payload, []byte("manifest")) {
		t.Fatalf("unexpected payload %q", payload)
	}
	if relay.calls.Load() != 1 {
		t.Fatalf("unreachable tier must not be probed, got %d calls", relay.calls.Load())
	}

	clock.Advance(40 * time.Second) // past the stale bound
	if _, err := fetcher.Serve("k1", "origin-1"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if relay.calls.Load() != 1 {
		t.Fatalf("unreachable tier must not be probed, got %d calls", relay.calls.Load())
	}
}

func TestFetcherNotFound(t *testing.T) {
	clock := newTestClock()
	relay := &fakeRelay{payloads: map[string][]byte{}}
	fetcher := newTestFetcher(t, clock, relay)

	if _, err := fetcher.Serve("unknown", "origin-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
