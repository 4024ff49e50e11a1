// Package routing maintains the per-tier routing tables of the fabric.
//
// Every node periodically broadcasts a heartbeat naming itself, its tier and
// its health; every node ingests the heartbeats it receives into its local
// Table. There is no cross-node locking: entries are timestamped and the
// tables are eventually consistent. A node whose heartbeats stop arriving
// goes stale and is eventually evicted; if a whole tier goes stale the
// routing data may no longer be trusted and callers fall back to static
// configuration.
package routing

import (
	"errors"
	"sync"
	"time"
)

// ErrStaleRouting is returned when the routing table holds no fresh entry
// for the requested tier.
var ErrStaleRouting = errors.New("routing table stale for tier")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Heartbeat is one gossip announcement from a peer.
type Heartbeat struct {
	NodeID  string    `json:"node_id"`
	Address string    `json:"address"`
	Tier    string    `json:"tier"` // "edge" or "relay"
	Healthy bool      `json:"healthy"`
	SentAt  time.Time `json:"sent_at"`
}

// Entry is a heartbeat as stored in the table, timestamped with local
// receive time. Staleness is always judged by local time so clock skew
// between peers cannot strand entries.
type Entry struct {
	Heartbeat
	LastSeen time.Time
}

// Options configures a Table.
type Options struct {
	StaleAfter time.Duration    // entries older than this are not trusted
	EvictAfter time.Duration    // entries older than this are removed
	Clock      func() time.Time // time source (nil = time.Now)
}

// DefaultOptions returns the default table options.
func DefaultOptions() *Options {
	return &Options{
		StaleAfter: 15 * time.Second,
		EvictAfter: time.Minute,
	}
}

// --------------------------------------------------------------------------
// Table
// --------------------------------------------------------------------------

// Table is the node-local routing table. All methods are safe for concurrent
// use.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry

	staleAfter time.Duration
	evictAfter time.Duration
	now        func() time.Time
}

// NewTable creates an empty routing table.
func NewTable(opts *Options) *Table {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Second
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Table{
		entries:    make(map[string]Entry),
		staleAfter: opts.StaleAfter,
		evictAfter: opts.EvictAfter,
		now:        opts.Clock,
	}
}

// Upsert ingests a heartbeat, replacing any previous entry for the node.
func (t *Table) Upsert(hb Heartbeat) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[hb.NodeID] = Entry{
		Heartbeat: hb,
		LastSeen:  t.now(),
	}
}

// Lookup returns the entry for a node id.
func (t *Table) Lookup(nodeID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[nodeID]
	return entry, ok
}

// Peers returns all known entries for a tier, fresh or not.
func (t *Table) Peers(tier string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var peers []Entry
	for _, entry := range t.entries {
		if entry.Tier == tier {
			peers = append(peers, entry)
		}
	}
	return peers
}

// Healthy returns the entries for a tier that are both fresh and reported
// healthy.
func (t *Table) Healthy(tier string) []Entry {
	cutoff := t.now().Add(-t.staleAfter)

	t.mu.RLock()
	defer t.mu.RUnlock()

	var peers []Entry
	for _, entry := range t.entries {
		if entry.Tier == tier && entry.Healthy && entry.LastSeen.After(cutoff) {
			peers = append(peers, entry)
		}
	}
	return peers
}

// AllStale reports whether the table holds no fresh entry at all for a tier.
// When true, the routing data for that tier can no longer be trusted and
// callers should fall back to static configuration.
func (t *Table) AllStale(tier string) bool {
	cutoff := t.now().Add(-t.staleAfter)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, entry := range t.entries {
		if entry.Tier == tier && entry.LastSeen.After(cutoff) {
			return false
		}
	}
	return true
}

// EvictStale removes entries not heard from within the eviction window and
// returns the ids of the removed nodes.
func (t *Table) EvictStale() []string {
	cutoff := t.now().Add(-t.evictAfter)

	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	for id, entry := range t.entries {
		if !entry.LastSeen.After(cutoff) {
			delete(t.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Len returns the number of known entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
