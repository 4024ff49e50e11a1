// Package cache implements the Cache Store shared by both tiers.
//
// The store sits on top of a kv.KVDB engine and adds the delivery semantics:
// normalized request keys, per-entry source metadata, TTL clamping and the
// bounded-staleness fallback used when the next tier is unreachable.
//
// docu see lib/kv/kv.go
package cache

import (
	"encoding/binary"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/strandcdn/strand/lib/kv"
	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/lib/telemetry"
)

var log = logger.Get("cache")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Tier identifies which tier produced a cached payload.
type Tier uint8

const (
	TierUnknown Tier = iota
	TierEdge
	TierRelay
	TierOrigin
)

func (t Tier) String() string {
	switch t {
	case TierEdge:
		return "edge"
	case TierRelay:
		return "relay"
	case TierOrigin:
		return "origin"
	default:
		return "unknown"
	}
}

// Status is the outcome of a cache lookup.
type Status int

const (
	Miss    Status = iota // no entry
	Expired               // entry present but past its TTL
	Hit                   // fresh entry
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "Hit"
	case Expired:
		return "Expired"
	case Miss:
		return "Miss"
	default:
		return "Unknown"
	}
}

// Entry is one cached response payload with its provenance.
type Entry struct {
	Payload     []byte
	ValidatedAt time.Time // when the payload was last confirmed by its source
	StaleFor    time.Duration
	SourceTier  Tier
}

// Options configures a Store.
type Options struct {
	DefaultTTL time.Duration // applied when the response carries no TTL hint
	MaxTTL     time.Duration // upper clamp for TTL hints
	Tier       Tier          // tier label for counters ("edge" or "relay")
}

// DefaultOptions returns the default store options for the given tier.
func DefaultOptions(tier Tier) *Options {
	return &Options{
		DefaultTTL: 10 * time.Second,
		MaxTTL:     5 * time.Minute,
		Tier:       tier,
	}
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store is the tier-local cache. All methods are safe for concurrent use.
type Store struct {
	db   kv.KVDB
	opts Options
}

// New creates a Store backed by the engine produced by the factory.
func New(factory kv.EngineFactory, opts *Options) *Store {
	if opts == nil {
		opts = DefaultOptions(TierUnknown)
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 10 * time.Second
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 5 * time.Minute
	}

	return &Store{
		db:   factory(),
		opts: *opts,
	}
}

// Get looks up a normalized key. The status tells the caller how to proceed:
// Hit carries a usable entry, Expired means the entry is present but must be
// revalidated, Miss means nothing is known.
func (s *Store) Get(key string) (Entry, Status) {
	tier := s.opts.Tier.String()

	if value, ok := s.db.Get(key); ok {
		entry, err := decodeEntry(value, 0)
		if err != nil {
			log.Warn().Str("key", key).Err(err).Msg("dropping undecodable cache entry")
			s.db.Delete(key)
			telemetry.CacheMiss(tier)
			return Entry{}, Miss
		}
		telemetry.CacheHit(tier)
		return entry, Hit
	}

	if value, age, ok := s.db.GetStale(key); ok {
		entry, err := decodeEntry(value, age)
		if err != nil {
			log.Warn().Str("key", key).Err(err).Msg("dropping undecodable cache entry")
			s.db.Delete(key)
			telemetry.CacheMiss(tier)
			return Entry{}, Miss
		}
		telemetry.CacheMiss(tier)
		return entry, Expired
	}

	telemetry.CacheMiss(tier)
	return Entry{}, Miss
}

// GetStale returns an expired entry if its staleness does not exceed maxAge.
// Used as the last resort when the next tier is unreachable; a served entry
// is counted separately from regular hits.
func (s *Store) GetStale(key string, maxAge time.Duration) (Entry, bool) {
	value, age, ok := s.db.GetStale(key)
	if !ok || age > maxAge {
		return Entry{}, false
	}

	entry, err := decodeEntry(value, age)
	if err != nil {
		return Entry{}, false
	}

	telemetry.CacheStaleServed(s.opts.Tier.String())
	return entry, true
}

// Put stores a payload under a normalized key. A zero ttl falls back to the
// default; hints above the maximum are clamped.
func (s *Store) Put(key string, payload []byte, ttl time.Duration, source Tier) {
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl > s.opts.MaxTTL {
		ttl = s.opts.MaxTTL
	}

	s.db.SetTTL(key, encodeEntry(payload, time.Now(), source), ttl)
}

// Invalidate removes an entry entirely, including its stale window.
func (s *Store) Invalidate(key string) {
	s.db.Delete(key)
}

// Info exposes the underlying engine statistics.
func (s *Store) Info() kv.EngineInfo {
	return s.db.GetInfo()
}

// Close releases the underlying engine.
func (s *Store) Close() error {
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Key Normalization
// --------------------------------------------------------------------------

// NormalizeKey maps a request to its canonical cache key: upper-cased method,
// lower-cased host, the path as-is and the query re-encoded with sorted
// parameter names so equivalent requests collapse onto one entry.
func NormalizeKey(method, host, path, rawQuery string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(host))
	b.WriteString(path)

	if rawQuery != "" {
		if values, err := url.ParseQuery(rawQuery); err == nil {
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			b.WriteByte('?')
			for i, k := range keys {
				sorted := values[k]
				sort.Strings(sorted)
				for j, v := range sorted {
					if i > 0 || j > 0 {
						b.WriteByte('&')
					}
					b.WriteString(url.QueryEscape(k))
					b.WriteByte('=')
					b.WriteString(url.QueryEscape(v))
				}
			}
		} else {
			// unparseable queries still key, verbatim
			b.WriteByte('?')
			b.WriteString(rawQuery)
		}
	}

	return b.String()
}

// --------------------------------------------------------------------------
// Entry Encoding
// --------------------------------------------------------------------------

// entries are stored as: validatedAt unix ms (u64 LE), source tier (u8),
// payload (rest)
const entryHeaderLen = 9

func encodeEntry(payload []byte, validatedAt time.Time, source Tier) []byte {
	buf := make([]byte, entryHeaderLen+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(validatedAt.UnixMilli()))
	buf[8] = byte(source)
	copy(buf[entryHeaderLen:], payload)
	return buf
}

func decodeEntry(value []byte, staleFor time.Duration) (Entry, error) {
	if len(value) < entryHeaderLen {
		return Entry{}, fmt.Errorf("cache entry too short: %d bytes", len(value))
	}

	return Entry{
		Payload:     value[entryHeaderLen:],
		ValidatedAt: time.UnixMilli(int64(binary.LittleEndian.Uint64(value[0:8]))),
		StaleFor:    staleFor,
		SourceTier:  Tier(value[8]),
	}, nil
}
