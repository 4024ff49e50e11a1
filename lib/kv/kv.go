package kv

import (
	"io"
	"time"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplCedar Implementation = "cedar"
)

// Feature represents engine features as bit flags
type Feature uint64

const (
	FeatureSet      Feature = 1 << iota // Support for Set operations
	FeatureSetTTL                       // Support for SetTTL operations
	FeatureGet                          // Support for Get operations
	FeatureGetStale                     // Support for stale reads of expired entries
	FeatureDelete                       // Support for Delete operations
	FeatureHas                          // Support for Has operations
	FeatureSave                         // Support for snapshot Save operations
	FeatureLoad                         // Support for snapshot Load operations
	FeatureGC                           // Support for background garbage collection
)

func (f Feature) String() string {
	switch f {
	case FeatureSet:
		return "Set"
	case FeatureSetTTL:
		return "SetTTL"
	case FeatureGet:
		return "Get"
	case FeatureGetStale:
		return "GetStale"
	case FeatureDelete:
		return "Delete"
	case FeatureHas:
		return "Has"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	case FeatureGC:
		return "GC"
	default:
		return "Unknown"
	}
}

type EngineInfo struct {
	Entries           int            `json:"entries"`
	EngineType        Implementation `json:"engine_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// EngineFactory is a function type that creates a new engine instance.
// It is used to abstract engine creation from the layers built on top of it.
type EngineFactory func() KVDB

// --------------------------------------------------------------------------
// Engine Interface
// --------------------------------------------------------------------------

// KVDB defines the interface for the in-memory TTL engines backing the cache
// tiers. All timestamps are wall clock; an entry written with a TTL becomes
// invisible to Get once the TTL elapses but remains readable through GetStale
// until its stale-retention window also elapses.
//
// Implementations must be safe for concurrent use.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set inserts or updates an entry without a TTL.
	Set(key string, value []byte)

	// SetTTL inserts or updates an entry that expires after ttl. A zero ttl is
	// equivalent to Set. Expired entries stay readable via GetStale for the
	// engine's stale-retention window, after which they are removed entirely.
	SetTTL(key string, value []byte, ttl time.Duration)

	// Delete removes an entry. The key is not findable afterwards, not even
	// through GetStale.
	Delete(key string)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value for a key. The boolean indicates whether a
	// non-expired value was found.
	Get(key string) (value []byte, ok bool)

	// GetStale retrieves the value for a key even if it has expired. The age
	// return value is how long ago the entry expired (zero for fresh entries).
	GetStale(key string) (value []byte, age time.Duration, ok bool)

	// Has reports whether a key exists, expired or not.
	Has(key string) bool

	// --------------------------------------------------------------------------
	// Snapshot Operations
	// --------------------------------------------------------------------------

	// Save persists the current state to the writer (warm cache restarts).
	Save(w io.Writer) (err error)

	// Load restores state from the reader, replacing the current contents.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the engine supports the specified feature.
	// Multiple features can be checked at once with bitwise OR.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the engine. Values are estimates.
	GetInfo() (info EngineInfo)

	// Close stops background work (GC) and releases resources.
	Close() (err error)
}
