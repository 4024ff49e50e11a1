package cache

import (
	"bytes"
	"sync"
	"testing"
	"time"

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

func newTestStore(t *testing.T, clock *testClock) *Store {
	t.Helper()

	factory := func() kv.KVDB {
		opts := cedar.DefaultOptions()
		opts.NumShards = 2
		opts.StaleRetention = time.Hour
		if clock != nil {
			opts.Clock = clock.Now
		}
		return cedar.New(opts)
	}

	store := New(factory, DefaultOptions(TierEdge))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStorePutGet(t *testing.T) {
	store := newTestStore(t, nil)

	key := NormalizeKey("GET", "live.example.com", "/v1/stream/abc", "")
	store.Put(key, []byte("manifest"), time.Minute, TierRelay)

	entry, status := store.Get(key)
	if status != Hit {
		t.Fatalf("expected Hit, got %s", status)
	}
	if !bytes.Equal(entry.Payload, []byte("manifest")) {
		t.Fatalf("unexpected payload %q", entry.Payload)
	}
	if entry.SourceTier != TierRelay {
		t.Fatalf("expected source tier relay, got %s", entry.SourceTier)
	}
}

func TestStoreMiss(t *testing.T) {
	store := newTestStore(t, nil)

	if _, status := store.Get("GET live.example.com/nope"); status != Miss {
		t.Fatalf("expected Miss, got %s", status)
	}
}

func TestStoreExpiry(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)

	key := NormalizeKey("GET", "live.example.com", "/v1/stream/abc", "")
	store.Put(key, []byte("manifest"), time.Second, TierRelay)

	clock.Advance(2 * time.Second)

	entry, status := store.Get(key)
	if status != Expired {
		t.Fatalf("expected Expired, got %s", status)
	}
	if !bytes.Equal(entry.Payload, []byte("manifest")) {
		t.Fatal("expired lookup must still carry the payload for revalidation callers")
	}
	if entry.StaleFor != time.Second {
		t.Fatalf("expected staleness 1s, got %v", entry.StaleFor)
	}
}

func TestStoreGetStaleBound(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)

	key := NormalizeKey("GET", "live.example.com", "/v1/stream/abc", "")
	store.Put(key, []byte("manifest"), time.Second, TierRelay)

	clock.Advance(11 * time.Second) // 10s past expiry

	if _, ok := store.GetStale(key, 30*time.Second); !ok {
		t.Fatal("expected stale entry inside the bound")
	}
	if _, ok := store.GetStale(key, 5*time.Second); ok {
		t.Fatal("expected no stale entry past the bound")
	}
}

func TestStoreInvalidate(t *testing.T) {
	store := newTestStore(t, nil)

	key := NormalizeKey("GET", "live.example.com", "/v1/stream/abc", "")
	store.Put(key, []byte("manifest"), time.Minute, TierRelay)
	store.Invalidate(key)

	if _, status := store.Get(key); status != Miss {
		t.Fatalf("expected Miss after invalidate, got %s", status)
	}
	if _, ok := store.GetStale(key, time.Hour); ok {
		t.Fatal("invalidate must also clear the stale window")
	}
}

func TestStoreTTLClamp(t *testing.T) {
	clock := newTestClock()
	store := newTestStore(t, clock)

	key := NormalizeKey("GET", "live.example.com", "/v1/stream/abc", "")
	store.Put(key, []byte("manifest"), 24*time.Hour, TierRelay) // clamped to MaxTTL (5m)

	clock.Advance(6 * time.Minute)

	if _, status := store.Get(key); status == Hit {
		t.Fatal("TTL above the maximum must be clamped")
	}
}

func TestStoreDropsUndecodableEntry(t *testing.T) {
	var engine kv.KVDB
	factory := func() kv.KVDB {
		opts := cedar.DefaultOptions()
		opts.NumShards = 2
		engine = cedar.New(opts)
		return engine
	}
	store := New(factory, DefaultOptions(TierEdge))
	t.Cleanup(func() { store.Close() })

	// A raw value shorter than the entry header cannot have been written by
	// Put; it must be logged, dropped and reported as a miss
	engine.SetTTL("broken", []byte{0x01}, time.Minute)

	if _, status := store.Get("broken"); status != Miss {
		t.Fatalf("expected Miss for undecodable entry, got %s", status)
	}
	if _, ok := engine.Get("broken"); ok {
		t.Fatal("undecodable entry must be deleted from the engine")
	}
}

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		name string
		a, b string
	}{
		{
			"host case",
			NormalizeKey("GET", "Live.Example.COM", "/v1/s", ""),
			NormalizeKey("get", "live.example.com", "/v1/s", ""),
		},
		{
			"query order",
			NormalizeKey("GET", "h", "/p", "b=2&a=1"),
			NormalizeKey("GET", "h", "/p", "a=1&b=2"),
		},
	}

	for _, tc := range cases {
		if tc.a != tc.b {
			t.Errorf("%s: keys differ:\n  %q\n  %q", tc.name, tc.a, tc.b)
		}
	}

	// path case is significant
	if NormalizeKey("GET", "h", "/P", "") == NormalizeKey("GET", "h", "/p", "") {
		t.Error("path must be case-sensitive")
	}
}
