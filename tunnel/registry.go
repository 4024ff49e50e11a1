package tunnel

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/strandcdn/strand/lib/telemetry"
)

// Registry maps origin ids to their current tunnel connection. Sessions hold
// only the origin id; the registry resolves it to whatever connection is
// current, so a reconnected origin is picked up transparently.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	conns *xsync.MapOf[string, *Conn]

	mu     sync.RWMutex
	onUp   []func(originID string)
	onDown []func(originID string)
}

// NewRegistry creates an empty tunnel registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: xsync.NewMapOf[string, *Conn](),
	}
}

// Register binds a connection to its origin id, replacing and closing any
// previous connection for the same origin. Up-hooks fire after the bind.
func (r *Registry) Register(conn *Conn) {
	previous, _ := r.conns.LoadAndStore(conn.PeerID, conn)
	if previous != nil && previous != conn {
		previous.closeReplaced()
	}

	conn.Activate()
	telemetry.TunnelUp()

	log.Info().
		Str("origin_id", conn.PeerID).
		Str("tunnel_id", conn.ID).
		Bool("replaced", previous != nil).
		Msg("tunnel registered")

	r.mu.RLock()
	hooks := r.onUp
	r.mu.RUnlock()
	for _, hook := range hooks {
		hook(conn.PeerID)
	}
}

// Unregister removes a connection if it is still the current one for its
// origin. Down-hooks fire only on actual removal, so a tunnel that was
// already replaced does not spuriously pause sessions of its successor.
func (r *Registry) Unregister(conn *Conn) bool {
	removed := false
	r.conns.Compute(conn.PeerID, func(current *Conn, loaded bool) (*Conn, bool) {
		if loaded && current.ID == conn.ID {
			removed = true
			return nil, true
		}
		return current, !loaded
	})

	if !removed {
		return false
	}

	telemetry.TunnelDown()
	log.Info().
		Str("origin_id", conn.PeerID).
		Str("tunnel_id", conn.ID).
		Msg("tunnel unregistered")

	r.mu.RLock()
	hooks := r.onDown
	r.mu.RUnlock()
	for _, hook := range hooks {
		hook(conn.PeerID)
	}
	return true
}

// Lookup returns the current connection for an origin id.
func (r *Registry) Lookup(originID string) (*Conn, bool) {
	return r.conns.Load(originID)
}

// OnUp registers a hook called after a tunnel for an origin comes up.
func (r *Registry) OnUp(hook func(originID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUp = append(r.onUp, hook)
}

// OnDown registers a hook called after a tunnel for an origin goes away.
func (r *Registry) OnDown(hook func(originID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDown = append(r.onDown, hook)
}

// Len returns the number of registered tunnels.
func (r *Registry) Len() int {
	return r.conns.Size()
}
