package routing

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/strandcdn/strand/lib/logger"
)

var log = logger.Get("routing")

// maxDatagramSize bounds a single heartbeat datagram. Heartbeats are small
// JSON objects; anything larger is dropped as malformed.
const maxDatagramSize = 4096

// --------------------------------------------------------------------------
// Broadcaster
// --------------------------------------------------------------------------

// HealthFunc reports whether the local node is currently able to serve
// traffic. It is sampled once per heartbeat.
type HealthFunc func() bool

// Broadcaster periodically sends the local node's heartbeat to a static set
// of peers over UDP. Lost datagrams are not retried; the next interval sends
// a fresh one.
type Broadcaster struct {
	self     Heartbeat
	peers    []string
	interval time.Duration
	healthy  HealthFunc
}

// NewBroadcaster creates a broadcaster announcing self to the given peer
// addresses. The SentAt and Healthy fields of self are filled in per
// heartbeat.
func NewBroadcaster(self Heartbeat, peers []string, interval time.Duration, healthy HealthFunc) *Broadcaster {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if healthy == nil {
		healthy = func() bool { return true }
	}

	return &Broadcaster{
		self:     self,
		peers:    peers,
		interval: interval,
		healthy:  healthy,
	}
}

// Run broadcasts heartbeats until the context is cancelled. One UDP socket
// per peer is held for the lifetime of the loop.
func (b *Broadcaster) Run(ctx context.Context) {
	conns := make(map[string]net.Conn, len(b.peers))
	defer func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	// Send one heartbeat immediately so peers learn about us before the
	// first full interval elapses
	b.broadcast(conns)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.broadcast(conns)
		}
	}
}

func (b *Broadcaster) broadcast(conns map[string]net.Conn) {
	hb := b.self
	hb.Healthy = b.healthy()
	hb.SentAt = time.Now()

	data, err := json.Marshal(hb)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode heartbeat")
		return
	}

	for _, peer := range b.peers {
		conn, ok := conns[peer]
		if !ok {
			conn, err = net.Dial("udp", peer)
			if err != nil {
				log.Debug().Err(err).Str("peer", peer).Msg("failed to dial gossip peer")
				continue
			}
			conns[peer] = conn
		}

		if _, err := conn.Write(data); err != nil {
			log.Debug().Err(err).Str("peer", peer).Msg("failed to send heartbeat")
			// Drop the socket, the next round re-dials
			_ = conn.Close()
			delete(conns, peer)
		}
	}
}

// --------------------------------------------------------------------------
// Listener
// --------------------------------------------------------------------------

// Listener receives heartbeats on a UDP socket and ingests them into a
// Table. Malformed datagrams are logged and dropped.
type Listener struct {
	addr  string
	table *Table
}

// NewListener creates a listener feeding the given table.
func NewListener(addr string, table *Table) *Listener {
	return &Listener{addr: addr, table: table}
}

// Run listens for heartbeats until the context is cancelled. It also sweeps
// the table for evictable entries between reads.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Str("addr", l.addr).Msg("gossip listener started")

	// Close the socket when the context ends so ReadFrom unblocks
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var hb Heartbeat
		if err := json.Unmarshal(buf[:n], &hb); err != nil {
			log.Warn().Err(err).Stringer("from", from).Msg("dropping malformed heartbeat")
			continue
		}
		if hb.NodeID == "" {
			log.Warn().Stringer("from", from).Msg("dropping heartbeat without node id")
			continue
		}

		l.table.Upsert(hb)

		if evicted := l.table.EvictStale(); len(evicted) > 0 {
			log.Info().Strs("nodes", evicted).Msg("evicted stale routing entries")
		}
	}
}
