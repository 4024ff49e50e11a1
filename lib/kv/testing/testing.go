// Package testing provides a reusable conformance suite for kv.KVDB
// implementations. Engine packages call RunKVDBTests from their own tests so
// every engine is held to the same contract.
package testing

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/strandcdn/strand/lib/kv"
)

// Factory creates a fresh engine for one subtest. The returned engine is
// closed by the suite. The clock function is advanced by the suite to test
// TTL behavior deterministically; factories that cannot inject a clock may
// ignore it, in which case TTL subtests are skipped.
type Factory func(clock func() time.Time) kv.KVDB

// RunKVDBTests runs the conformance suite against the engine produced by the
// factory.
func RunKVDBTests(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) {
		db := factory(nil)
		defer db.Close()

		db.Set("key1", []byte("value1"))

		value, ok := db.Get("key1")
		if !ok {
			t.Fatal("expected key1 to exist")
		}
		if !bytes.Equal(value, []byte("value1")) {
			t.Fatalf("expected value1, got %q", value)
		}

		if _, ok := db.Get("missing"); ok {
			t.Fatal("expected missing key to not exist")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		db := factory(nil)
		defer db.Close()

		db.Set("key1", []byte("old"))
		db.Set("key1", []byte("new"))

		value, ok := db.Get("key1")
		if !ok || !bytes.Equal(value, []byte("new")) {
			t.Fatalf("expected new, got %q (ok=%v)", value, ok)
		}
	})

	t.Run("ValueIsolation", func(t *testing.T) {
		db := factory(nil)
		defer db.Close()

		original := []byte("immutable")
		db.Set("key1", original)
		original[0] = 'X'

		value, _ := db.Get("key1")
		if !bytes.Equal(value, []byte("immutable")) {
			t.Fatalf("stored value must not alias the caller's buffer, got %q", value)
		}

		value[0] = 'Y'
		again, _ := db.Get("key1")
		if !bytes.Equal(again, []byte("immutable")) {
			t.Fatalf("returned value must not alias the stored buffer, got %q", again)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		db := factory(nil)
		defer db.Close()

		db.Set("key1", []byte("value1"))
		db.Delete("key1")

		if _, ok := db.Get("key1"); ok {
			t.Fatal("expected deleted key to not exist")
		}
		if db.Has("key1") {
			t.Fatal("deleted key must not be reported by Has")
		}
		if _, _, ok := db.GetStale("key1"); ok {
			t.Fatal("deleted key must not be readable through GetStale")
		}

		// deleting a non-existent key must not panic
		db.Delete("missing")
	})

	t.Run("Has", func(t *testing.T) {
		db := factory(nil)
		defer db.Close()

		db.Set("key1", []byte("value1"))

		if !db.Has("key1") {
			t.Fatal("expected Has(key1) to be true")
		}
		if db.Has("missing") {
			t.Fatal("expected Has(missing) to be false")
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		clock := newFakeClock()
		db := factory(clock.Now)
		defer db.Close()

		if !db.SupportsFeature(kv.FeatureSetTTL) {
			t.Skip("engine does not support TTLs")
		}

		db.SetTTL("key1", []byte("value1"), time.Second)

		if _, ok := db.Get("key1"); !ok {
			t.Fatal("expected key1 to be fresh before expiry")
		}

		clock.Advance(2 * time.Second)

		if _, ok := db.Get("key1"); ok {
			t.Fatal("expected key1 to be invisible to Get after expiry")
		}
		if !db.Has("key1") {
			t.Fatal("expired key must still be reported by Has during the stale window")
		}
	})

	t.Run("GetStale", func(t *testing.T) {
		clock := newFakeClock()
		db := factory(clock.Now)
		defer db.Close()

		if !db.SupportsFeature(kv.FeatureGetStale) {
			t.Skip("engine does not support stale reads")
		}

		db.SetTTL("key1", []byte("value1"), time.Second)

		// fresh entry: age zero
		value, age, ok := db.GetStale("key1")
		if !ok || !bytes.Equal(value, []byte("value1")) {
			t.Fatalf("expected fresh stale read, got %q (ok=%v)", value, ok)
		}
		if age != 0 {
			t.Fatalf("fresh entry must report zero age, got %v", age)
		}

		clock.Advance(3 * time.Second)

		value, age, ok = db.GetStale("key1")
		if !ok || !bytes.Equal(value, []byte("value1")) {
			t.Fatalf("expected stale read after expiry, got %q (ok=%v)", value, ok)
		}
		if age != 2*time.Second {
			t.Fatalf("expected age 2s, got %v", age)
		}
	})

	t.Run("ZeroTTL", func(t *testing.T) {
		clock := newFakeClock()
		db := factory(clock.Now)
		defer db.Close()

		db.SetTTL("key1", []byte("value1"), 0)
		clock.Advance(time.Hour)

		if _, ok := db.Get("key1"); !ok {
			t.Fatal("zero TTL must behave like Set")
		}
	})

	t.Run("SaveLoad", func(t *testing.T) {
		db := factory(nil)
		defer db.Close()

		if !db.SupportsFeature(kv.FeatureSave | kv.FeatureLoad) {
			t.Skip("engine does not support snapshots")
		}

		for i := 0; i < 100; i++ {
			db.Set(fmt.Sprintf("key%d", i), []byte(fmt.Sprintf("value%d", i)))
		}
		db.SetTTL("ttlkey", []byte("ttlvalue"), time.Hour)

		var buf bytes.Buffer
		if err := db.Save(&buf); err != nil {
			t.Fatalf("save failed: %v", err)
		}

		restored := factory(nil)
		defer restored.Close()

		if err := restored.Load(&buf); err != nil {
			t.Fatalf("load failed: %v", err)
		}

		for i := 0; i < 100; i++ {
			key := fmt.Sprintf("key%d", i)
			value, ok := restored.Get(key)
			if !ok || !bytes.Equal(value, []byte(fmt.Sprintf("value%d", i))) {
				t.Fatalf("key %s not restored, got %q (ok=%v)", key, value, ok)
			}
		}
		if _, ok := restored.Get("ttlkey"); !ok {
			t.Fatal("TTL key with remaining lifetime not restored")
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		db := factory(nil)
		defer db.Close()

		const goroutines = 8
		const perGoroutine = 500

		var wg sync.WaitGroup
		wg.Add(goroutines)

		for g := 0; g < goroutines; g++ {
			go func(g int) {
				defer wg.Done()
				for i := 0; i < perGoroutine; i++ {
					key := fmt.Sprintf("g%d-key%d", g, i)
					db.Set(key, []byte(key))
					if value, ok := db.Get(key); !ok || !bytes.Equal(value, []byte(key)) {
						t.Errorf("read-own-write failed for %s", key)
						return
					}
					if i%3 == 0 {
						db.Delete(key)
					}
				}
			}(g)
		}

		wg.Wait()
	})

	t.Run("GetInfo", func(t *testing.T) {
		db := factory(nil)
		defer db.Close()

		db.Set("key1", []byte("value1"))
		db.Set("key2", []byte("value2"))

		info := db.GetInfo()
		if info.Entries != 2 {
			t.Fatalf("expected 2 entries, got %d", info.Entries)
		}
		if info.EngineType == "" {
			t.Fatal("engine type must be set")
		}
	})
}

// --------------------------------------------------------------------------
// Fake clock
// --------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
