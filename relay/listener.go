package relay

import (
	"context"
	"crypto/tls"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/quic-go/quic-go"

	"github.com/strandcdn/strand/tunnel"
	"github.com/strandcdn/strand/tunnel/connector"
)

// ListenerOptions configures the relay's QUIC listener.
type ListenerOptions struct {
	RelayID   string
	Addr      string
	TLSConfig *tls.Config // server TLS; ALPN is appended

	HandshakeTimeout time.Duration // default 5s
	ExchangeTimeout  time.Duration // proxy round trip bound, default 10s
	IdleTimeout      time.Duration // default 30s
	KeepAlivePeriod  time.Duration // default 10s
}

// Listener accepts origin connectors and edge peers on one QUIC socket.
// Origins land in the tunnel registry; edge frames are proxied onto origin
// tunnels and origin-pushed topic messages fanned out to every edge.
type Listener struct {
	opts      ListenerOptions
	registry  *tunnel.Registry
	edges     *xsync.MapOf[string, *tunnel.Conn]
	accepting atomic.Bool
}

// NewListener creates a listener over the given registry. Registry up/down
// events are broadcast to connected edges as tunnel-status frames.
func NewListener(opts ListenerOptions, registry *tunnel.Registry) *Listener {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.KeepAlivePeriod <= 0 {
		opts.KeepAlivePeriod = 10 * time.Second
	}

	l := &Listener{
		opts:     opts,
		registry: registry,
		edges:    xsync.NewMapOf[string, *tunnel.Conn](),
	}

	registry.OnUp(func(originID string) { l.broadcastStatus(originID, true) })
	registry.OnDown(func(originID string) { l.broadcastStatus(originID, false) })

	return l
}

// serverTLSConfig clones the configured TLS config and appends the tunnel
// ALPN. A nil config yields an empty one so Run fails at listen time instead
// of panicking.
func serverTLSConfig(base *tls.Config) *tls.Config {
	conf := base.Clone()
	if conf == nil {
		conf = &tls.Config{}
	}
	conf.NextProtos = append(conf.NextProtos, connector.ALPN)
	return conf
}

// Run accepts peers until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	tlsConf := serverTLSConfig(l.opts.TLSConfig)

	quicConf := &quic.Config{
		MaxIdleTimeout:  l.opts.IdleTimeout,
		KeepAlivePeriod: l.opts.KeepAlivePeriod,
	}

	listener, err := quic.ListenAddr(l.opts.Addr, tlsConf, quicConf)
	if err != nil {
		return err
	}
	defer listener.Close()

	l.accepting.Store(true)
	defer l.accepting.Store(false)

	log.Info().Str("addr", l.opts.Addr).Msg("tunnel listener started")

	for {
		qconn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go l.handlePeer(ctx, qconn)
	}
}

// Accepting reports whether the QUIC listener is up. Gossip heartbeats use
// it as the relay's health signal.
func (l *Listener) Accepting() bool {
	return l.accepting.Load()
}

func (l *Listener) handlePeer(ctx context.Context, qconn quic.Connection) {
	hsCtx, cancel := context.WithTimeout(ctx, l.opts.HandshakeTimeout)
	conn, role, err := tunnel.Accept(hsCtx, qconn, l.opts.RelayID)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("remote", qconn.RemoteAddr().String()).
			Msg("peer handshake failed")
		return
	}

	switch role {
	case tunnel.RoleOrigin:
		l.serveOrigin(ctx, conn)
	case tunnel.RoleEdge:
		l.serveEdge(ctx, conn)
	}
}

// --------------------------------------------------------------------------
// Origin peers
// --------------------------------------------------------------------------

func (l *Listener) serveOrigin(ctx context.Context, conn *tunnel.Conn) {
	l.registry.Register(conn)
	defer l.registry.Unregister(conn)

	err := conn.AcceptStreams(ctx, func(frame tunnel.Frame) (*tunnel.Frame, error) {
		if frame.Type != tunnel.FrameTopicMessage {
			return nil, tunnel.ErrMalformedFrame
		}
		return nil, l.fanOutTopic(ctx, conn.PeerID, frame)
	})

	log.Info().Err(err).Str("origin_id", conn.PeerID).Msg("origin tunnel ended")
}

// fanOutTopic stamps an origin-pushed topic message with its origin id and
// forwards it to every connected edge.
func (l *Listener) fanOutTopic(ctx context.Context, originID string, frame tunnel.Frame) error {
	var body tunnel.TopicMessage
	if err := frame.DecodeBody(&body); err != nil {
		return err
	}
	body.OriginID = originID

	stamped, err := tunnel.NewFrame(tunnel.FrameTopicMessage, body, frame.Payload)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, l.opts.ExchangeTimeout)
	defer cancel()

	l.edges.Range(func(edgeID string, edge *tunnel.Conn) bool {
		if err := edge.Send(sendCtx, stamped); err != nil {
			log.Debug().Err(err).Str("edge_id", edgeID).Str("topic", body.Topic).
				Msg("topic fanout to edge failed")
		}
		return true
	})
	return nil
}

// broadcastStatus tells every edge an origin tunnel changed state, so edges
// can pause or resume the sessions riding it.
func (l *Listener) broadcastStatus(originID string, up bool) {
	frame, err := tunnel.NewFrame(tunnel.FrameTunnelStatus, tunnel.TunnelStatus{
		OriginID: originID,
		Up:       up,
	}, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.ExchangeTimeout)
	defer cancel()

	l.edges.Range(func(edgeID string, edge *tunnel.Conn) bool {
		if err := edge.Send(ctx, frame); err != nil {
			log.Debug().Err(err).Str("edge_id", edgeID).Msg("status broadcast to edge failed")
		}
		return true
	})
}

// --------------------------------------------------------------------------
// Edge peers
// --------------------------------------------------------------------------

func (l *Listener) serveEdge(ctx context.Context, conn *tunnel.Conn) {
	previous, _ := l.edges.LoadAndStore(conn.PeerID, conn)
	if previous != nil && previous != conn {
		_ = previous.Close("replaced by newer edge connection")
	}
	defer l.edges.Compute(conn.PeerID, func(current *tunnel.Conn, loaded bool) (*tunnel.Conn, bool) {
		if loaded && current.ID == conn.ID {
			return nil, true
		}
		return current, !loaded
	})

	log.Info().Str("edge_id", conn.PeerID).Msg("edge joined")

	err := conn.AcceptStreams(ctx, l.proxyEdgeFrame)
	log.Info().Err(err).Str("edge_id", conn.PeerID).Msg("edge connection ended")
}

// proxyEdgeFrame unwraps a routed envelope and forwards the inner frame onto
// the addressed origin tunnel. Exchange-style frames return the origin's
// reply; subscription frames are fire-and-forget.
func (l *Listener) proxyEdgeFrame(frame tunnel.Frame) (*tunnel.Frame, error) {
	if frame.Type != tunnel.FrameRouted {
		return nil, tunnel.ErrMalformedFrame
	}

	var envelope tunnel.RoutedEnvelope
	if err := frame.DecodeBody(&envelope); err != nil {
		return nil, err
	}

	inner, err := tunnel.DecodeFrame(frame.Payload)
	if err != nil {
		return nil, err
	}

	conn, ok := l.registry.Lookup(envelope.OriginID)
	if !ok {
		return nil, ErrNoTunnel
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.ExchangeTimeout)
	defer cancel()

	switch inner.Type {
	case tunnel.FrameSubscribe, tunnel.FrameUnsubscribe:
		return nil, conn.Send(ctx, inner)
	default:
		reply, err := conn.OpenExchange(ctx, inner)
		if err != nil {
			return nil, err
		}
		return &reply, nil
	}
}
