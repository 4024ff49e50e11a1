package cedar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/strandcdn/strand/lib/kv"
	"github.com/strandcdn/strand/lib/kv/engines/cedar/internal"
	"github.com/strandcdn/strand/lib/kv/util"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magicNum              = "CEDARDB\x00"           // Snapshot format identifier
	cedarVersion          = 1                       // Snapshot format version
	defaultGCInterval     = 100 * time.Millisecond  // Default interval between GC runs
	defaultStaleRetention = 5 * time.Minute         // How long expired entries stay readable
)

// --------------------------------------------------------------------------
// Core cedar engine structure
// --------------------------------------------------------------------------

// cedarImpl implements kv.KVDB with sharded data, wall-clock TTLs and a
// heap-driven drop schedule per shard.
type cedarImpl struct {
	numShards int
	seed      uint64
	shards    []*internal.Shard

	staleRetention time.Duration
	now            func() time.Time

	// garbage collection
	gcInterval time.Duration
	gcMu       sync.Mutex
	gcRunning  bool
}

// Options configures the cedar engine during initialization.
type Options struct {
	NumShards      int           // Number of shards (0 = one per CPU)
	GCInterval     time.Duration // Time between GC runs (0 = default)
	StaleRetention time.Duration // Stale window after expiry (0 = default)
	Clock          func() time.Time // Time source (nil = time.Now); tests override this
}

// DefaultOptions returns the default cedar options.
func DefaultOptions() *Options {
	return &Options{
		NumShards:      runtime.NumCPU(),
		GCInterval:     defaultGCInterval,
		StaleRetention: defaultStaleRetention,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// New creates a new cedar engine with the specified options (optional).
//
// Thread-safety: This function is not thread-safe and should only be called
// once per engine during initialization.
func New(opts *Options) kv.KVDB {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.NumShards <= 0 {
		opts.NumShards = runtime.NumCPU()
	}
	if opts.GCInterval <= 0 {
		opts.GCInterval = defaultGCInterval
	}
	if opts.StaleRetention <= 0 {
		opts.StaleRetention = defaultStaleRetention
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	seed := util.GenerateSeed()
	hasher := createIdentityHasher()

	shards := make([]*internal.Shard, opts.NumShards)
	for i := 0; i < opts.NumShards; i++ {
		shards[i] = internal.NewShard(hasher)
	}

	engine := &cedarImpl{
		numShards:      opts.NumShards,
		seed:           seed,
		shards:         shards,
		staleRetention: opts.StaleRetention,
		now:            opts.Clock,
		gcInterval:     opts.GCInterval,
	}

	engine.startGC()

	return engine
}

// --------------------------------------------------------------------------
// Hash Helper Functions
// --------------------------------------------------------------------------

// hashKey converts a string key to its internal representation, applying the
// engine seed so key distributions differ between engine instances.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cedarImpl) hashKey(s string) util.UintKey {
	return util.HashString(s, c.seed)
}

// createIdentityHasher creates a map hash function that combines a key with
// the map's seed.
func createIdentityHasher() func(util.UintKey, uint64) uint64 {
	return func(key util.UintKey, mapSeed uint64) uint64 {
		return uint64(key) ^ mapSeed
	}
}

// nowMs returns the current wall clock in unix milliseconds.
func (c *cedarImpl) nowMs() uint64 {
	return uint64(c.now().UnixMilli())
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Set inserts or updates an entry without a TTL.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cedarImpl) Set(key string, value []byte) {
	c.write(key, value, 0, 0)
}

// SetTTL inserts or updates an entry that expires after ttl and is dropped
// entirely once the stale-retention window elapses on top of that.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cedarImpl) SetTTL(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		c.Set(key, value)
		return
	}

	now := c.nowMs()
	expireAt := now + uint64(ttl.Milliseconds())
	dropAt := expireAt + uint64(c.staleRetention.Milliseconds())
	c.write(key, value, expireAt, dropAt)
}

// write is the shared implementation behind Set and SetTTL. It stores the
// entry and registers it with the shard's drop schedule when needed.
func (c *cedarImpl) write(key string, value []byte, expireAt, dropAt uint64) {
	intKey := c.hashKey(key)
	shard := internal.GetShard(intKey, c.shards)

	// copy to decouple the entry from the caller's buffer
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	shard.Data.Store(intKey, internal.Entry{
		Value:    valueCopy,
		StoredAt: c.nowMs(),
		ExpireAt: expireAt,
		DropAt:   dropAt,
	})

	if dropAt > 0 {
		shard.Events.Push(&internal.Event{Type: internal.EventTWrite, Key: intKey})
	} else {
		// a rewrite without TTL cancels any pending drop
		shard.Events.Push(&internal.Event{Type: internal.EventTDelete, Key: intKey})
	}
}

// Delete removes an entry immediately. The key is not findable afterwards,
// not even through GetStale.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cedarImpl) Delete(key string) {
	intKey := c.hashKey(key)
	shard := internal.GetShard(intKey, c.shards)

	if _, existed := shard.Data.LoadAndDelete(intKey); existed {
		shard.Events.Push(&internal.Event{Type: internal.EventTDelete, Key: intKey})
	}
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Get retrieves the value for a key. The boolean indicates whether a
// non-expired value was found. The returned slice is a copy and safe to
// modify.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cedarImpl) Get(key string) ([]byte, bool) {
	entry, ok := c.load(key)
	if !ok {
		return nil, false
	}

	if expired, _ := entry.State(c.nowMs()); expired {
		return nil, false
	}

	return copyValue(entry.Value), true
}

// GetStale retrieves the value for a key even if it has expired, as long as
// it has not been dropped. The age return value is how long ago the entry
// expired (zero for fresh entries).
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cedarImpl) GetStale(key string) ([]byte, time.Duration, bool) {
	entry, ok := c.load(key)
	if !ok {
		return nil, 0, false
	}

	now := c.nowMs()
	expired, _ := entry.State(now)

	var age time.Duration
	if expired {
		age = time.Duration(now-entry.ExpireAt) * time.Millisecond
	}

	return copyValue(entry.Value), age, true
}

// Has reports whether a key exists, expired or not.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (c *cedarImpl) Has(key string) bool {
	_, ok := c.load(key)
	return ok
}

// load fetches an entry and filters out entries past their drop deadline that
// the GC has not collected yet.
func (c *cedarImpl) load(key string) (internal.Entry, bool) {
	intKey := c.hashKey(key)
	shard := internal.GetShard(intKey, c.shards)

	entry, ok := shard.Data.Load(intKey)
	if !ok {
		return internal.Entry{}, false
	}

	if _, dropped := entry.State(c.nowMs()); dropped {
		return internal.Entry{}, false
	}

	return entry, true
}

func copyValue(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// --------------------------------------------------------------------------
// Garbage Collection
// --------------------------------------------------------------------------

// startGC starts the garbage collector. If it is already running, this does
// nothing.
func (c *cedarImpl) startGC() {
	c.gcMu.Lock()
	defer c.gcMu.Unlock()
	if c.gcRunning {
		return
	}
	c.gcRunning = true

	for i := range c.shards {
		go c.collectShard(c.shards[i])
	}
}

// stopGC stops the garbage collector by closing every shard's event queue.
func (c *cedarImpl) stopGC() {
	c.gcMu.Lock()
	defer c.gcMu.Unlock()
	if !c.gcRunning {
		return
	}
	c.gcRunning = false

	for _, shard := range c.shards {
		shard.Events.Close()
	}
}

// collectShard is the GC loop for one shard. It ingests schedule events until
// the ticker fires, then removes every entry whose drop deadline has passed.
func (c *cedarImpl) collectShard(shard *internal.Shard) {
	gcTimer := time.NewTimer(c.gcInterval)
	defer gcTimer.Stop()

	for {
		gcTimer.Reset(c.gcInterval)

		ingest := true
		for ingest {
			select {
			case event, ok := <-shard.Events.Recv():
				if !ok {
					return
				}

				switch event.Type {
				case internal.EventTWrite:
					if entry, ok := shard.Data.Load(event.Key); ok && entry.DropAt != 0 {
						shard.DropHeap.Schedule(uint64(event.Key), entry.DropAt)
					}
				case internal.EventTDelete:
					shard.DropHeap.Remove(uint64(event.Key))
				default:
					panic(fmt.Sprintf("unknown gc event %s", event))
				}

			case <-gcTimer.C:
				ingest = false
			}
		}

		now := c.nowMs()

		for {
			key, dueAt, exists := shard.DropHeap.Peek()
			if !exists || dueAt > now {
				break
			}

			shard.Data.Compute(util.UintKey(key), func(e internal.Entry, loaded bool) (internal.Entry, bool) {
				if !loaded {
					return e, true
				}

				// double-check: the entry may have been rewritten with a
				// later deadline since it was scheduled
				if _, dropped := e.State(now); !dropped {
					return e, false
				}

				e.Value = nil
				return internal.Entry{}, true
			})

			// always deschedule; a rewritten entry re-enters the heap through
			// its own write event
			shard.DropHeap.Remove(key)
		}
	}
}

// --------------------------------------------------------------------------
// Snapshot Operations
// --------------------------------------------------------------------------

// Save persists the engine contents to the writer. Entries past their drop
// deadline are skipped. Concurrent reads and writes are allowed during Save.
func (c *cedarImpl) Save(w io.Writer) error {
	bw := bufio.NewWriterSize(w, 1024*1024)

	type entryToSave struct {
		key   util.UintKey
		entry internal.Entry
	}

	now := c.nowMs()
	var entries []entryToSave

	for _, shard := range c.shards {
		shard.Data.Range(func(key util.UintKey, entry internal.Entry) bool {
			if _, dropped := entry.State(now); dropped {
				return true
			}

			entryCopy := internal.Entry{
				StoredAt: entry.StoredAt,
				ExpireAt: entry.ExpireAt,
				DropAt:   entry.DropAt,
				Value:    make([]byte, len(entry.Value)),
			}
			copy(entryCopy.Value, entry.Value)

			entries = append(entries, entryToSave{key, entryCopy})
			return true
		})
	}

	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(cedarVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, c.seed); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(entries))); err != nil {
		return err
	}

	for _, item := range entries {
		if err := binary.Write(bw, binary.LittleEndian, uint64(item.key)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, item.entry.StoredAt); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, item.entry.ExpireAt); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, item.entry.DropAt); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(item.entry.Value))); err != nil {
			return err
		}
		if _, err := bw.Write(item.entry.Value); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Load restores engine contents from the reader, replacing the current state.
//
// Thread-safety: This function is not thread-safe and must not run
// concurrently with reads or writes.
func (c *cedarImpl) Load(r io.Reader) error {
	// the GC is restarted after all shards are recreated
	c.stopGC()
	defer c.startGC()

	br := bufio.NewReaderSize(r, 1024*1024)

	magicBytes := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magicBytes); err != nil {
		return err
	}
	if string(magicBytes) != magicNum {
		return fmt.Errorf("invalid snapshot format: magic number mismatch")
	}

	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}
	if int(version) != cedarVersion {
		return fmt.Errorf("unsupported snapshot version: %d (expected %d)", version, cedarVersion)
	}

	var seed uint64
	if err := binary.Read(br, binary.LittleEndian, &seed); err != nil {
		return err
	}

	hasher := createIdentityHasher()
	shards := make([]*internal.Shard, c.numShards)
	for i := 0; i < c.numShards; i++ {
		shards[i] = internal.NewShard(hasher)
	}

	c.shards = shards
	c.seed = seed

	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return err
	}

	now := c.nowMs()

	for i := uint64(0); i < count; i++ {
		var keyUint uint64
		if err := binary.Read(br, binary.LittleEndian, &keyUint); err != nil {
			return err
		}
		key := util.UintKey(keyUint)

		var storedAt, expireAt, dropAt uint64
		if err := binary.Read(br, binary.LittleEndian, &storedAt); err != nil {
			return err
		}
		if err := binary.Read(br, binary.LittleEndian, &expireAt); err != nil {
			return err
		}
		if err := binary.Read(br, binary.LittleEndian, &dropAt); err != nil {
			return err
		}

		var valueLen uint32
		if err := binary.Read(br, binary.LittleEndian, &valueLen); err != nil {
			return err
		}

		value := make([]byte, valueLen)
		if _, err := io.ReadFull(br, value); err != nil {
			return err
		}

		entry := internal.Entry{
			Value:    value,
			StoredAt: storedAt,
			ExpireAt: expireAt,
			DropAt:   dropAt,
		}

		// snapshots can outlive their entries
		if _, dropped := entry.State(now); dropped {
			continue
		}

		shard := internal.GetShard(key, c.shards)
		shard.Data.Store(key, entry)

		// single-threaded here, so the drop schedule is filled directly
		if dropAt != 0 {
			shard.DropHeap.Schedule(uint64(key), dropAt)
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// KVDB Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// GetInfo returns statistics about the engine. All values are estimates.
func (c *cedarImpl) GetInfo() kv.EngineInfo {
	now := c.nowMs()

	var (
		mu           sync.Mutex
		totalEntries int
		staleBacklog int
		shardSizes   = make([]int, len(c.shards))
	)

	wg := sync.WaitGroup{}
	wg.Add(len(c.shards))

	for shardIndex, shard := range c.shards {
		go func(i int, s *internal.Shard) {
			defer wg.Done()

			count := 0
			stale := 0
			s.Data.Range(func(_ util.UintKey, entry internal.Entry) bool {
				count++
				if expired, _ := entry.State(now); expired {
					stale++
				}
				return true
			})

			mu.Lock()
			defer mu.Unlock()
			totalEntries += count
			staleBacklog += stale
			shardSizes[i] = count
		}(shardIndex, shard)
	}

	wg.Wait()

	meta := &struct {
		ShardCount   int   `json:"shard_count"`
		ShardSizes   []int `json:"shard_sizes"`
		StaleBacklog int   `json:"stale_backlog"`
	}{
		ShardCount:   len(c.shards),
		ShardSizes:   shardSizes,
		StaleBacklog: staleBacklog,
	}

	return kv.EngineInfo{
		Entries:    totalEntries,
		EngineType: kv.ImplCedar,
		SupportedFeatures: []kv.Feature{
			kv.FeatureSet, kv.FeatureSetTTL,
			kv.FeatureGet, kv.FeatureGetStale,
			kv.FeatureDelete, kv.FeatureHas,
			kv.FeatureSave, kv.FeatureLoad,
			kv.FeatureGC,
		},
		Metadata: meta,
	}
}

// SupportsFeature checks if this engine supports a specific feature.
func (c *cedarImpl) SupportsFeature(feature kv.Feature) bool {
	supported := kv.FeatureSet |
		kv.FeatureSetTTL |
		kv.FeatureGet |
		kv.FeatureGetStale |
		kv.FeatureDelete |
		kv.FeatureHas |
		kv.FeatureSave |
		kv.FeatureLoad |
		kv.FeatureGC
	return supported&feature == feature
}

// Close stops the garbage collector.
func (c *cedarImpl) Close() error {
	c.stopGC()
	return nil
}
