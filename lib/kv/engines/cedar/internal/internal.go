package internal

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/strandcdn/strand/lib/kv/util"
)

// --------------------------------------------------------------------------
// Event Types are used to signal changes to a shard's GC goroutine
// --------------------------------------------------------------------------

type EventType int

const (
	EventTWrite EventType = iota
	EventTDelete
)

func (e EventType) String() string {
	switch e {
	case EventTWrite:
		return "Write"
	case EventTDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

type Event struct {
	Type EventType
	Key  util.UintKey
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Key: %d}", e.Type, e.Key)
}

// --------------------------------------------------------------------------
// Entry Type (cached value with expiry metadata)
// --------------------------------------------------------------------------

// Entry stores one cached value with its expiry metadata. All timestamps are
// wall-clock unix milliseconds; zero means "never".
type Entry struct {
	Value    []byte
	StoredAt uint64 // when the entry was written
	ExpireAt uint64 // when the entry stops being fresh
	DropAt   uint64 // when the entry is removed entirely (end of stale window)
}

// State reports whether the entry is expired and whether it is past its drop
// deadline at the given wall-clock millisecond timestamp.
func (e Entry) State(nowMs uint64) (expired, dropped bool) {
	expired = e.ExpireAt != 0 && nowMs >= e.ExpireAt
	dropped = e.DropAt != 0 && nowMs >= e.DropAt
	return expired, dropped
}

// --------------------------------------------------------------------------
// Shard Type (partition of the engine)
// --------------------------------------------------------------------------

// Shard is one partition of the engine. Each shard owns its entries, its drop
// schedule and the event queue feeding it; the shard's GC goroutine is the
// only consumer of both.
type Shard struct {
	Data     *xsync.MapOf[util.UintKey, Entry]
	DropHeap *util.ExpiryHeap
	Events   *util.MPSCQueue[Event] // closed to stop the shard's GC
}

// NewShard creates a new shard with the provided hash function.
func NewShard(hasher func(util.UintKey, uint64) uint64) *Shard {
	return &Shard{
		Data:     xsync.NewMapOfWithHasher[util.UintKey, Entry](hasher),
		DropHeap: util.NewExpiryHeap(),
		Events:   util.NewMPSCQueue[Event](),
	}
}

// GetShard returns the shard responsible for a given key.
//
// Thread-safety: This function is thread-safe and can be called concurrently.
func GetShard(key util.UintKey, shards []*Shard) *Shard {
	// shift right to use higher-quality bits for distribution
	shiftedKey := uint64(key) >> 7
	return shards[shiftedKey%uint64(len(shards))]
}
