package edge

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/tunnel"
	"github.com/strandcdn/strand/tunnel/connector"
)

var rlog = logger.Get("edge/relaylink")

// ErrRelayDown is returned when the realtime leg to the relay is not up.
var ErrRelayDown = errors.New("relay link down")

// RelayLinkOptions configures the edge's QUIC leg to its relay.
type RelayLinkOptions struct {
	EdgeID    string
	RelayAddr string
	TLSConfig *tls.Config

	BackoffBase     time.Duration // default 500ms
	BackoffMax      time.Duration // default 30s
	IdleTimeout     time.Duration // default 30s
	KeepAlivePeriod time.Duration // default 10s
}

// RelayLink is the edge's persistent QUIC connection to its relay. It
// implements TunnelDialer by wrapping frames in routed envelopes the relay
// forwards to the addressed origin, and it feeds relay-pushed topic messages
// and tunnel status changes into the translator.
type RelayLink struct {
	opts       RelayLinkOptions
	translator *Translator
	conn       atomic.Pointer[tunnel.Conn]
}

// NewRelayLink creates the link. The translator must be bound before Run so
// relay pushes have a receiver; the link itself is the translator's dialer,
// which is why binding is a separate step.
func NewRelayLink(opts RelayLinkOptions) (*RelayLink, error) {
	if opts.EdgeID == "" {
		return nil, errors.New("edge id must not be empty")
	}
	if opts.RelayAddr == "" {
		return nil, errors.New("relay address must not be empty")
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.KeepAlivePeriod <= 0 {
		opts.KeepAlivePeriod = 10 * time.Second
	}

	return &RelayLink{opts: opts}, nil
}

// Bind attaches the translator receiving relay pushes. Must be called before
// Run.
func (l *RelayLink) Bind(translator *Translator) {
	l.translator = translator
}

// Connected reports whether the link is currently up. Gossip heartbeats use
// it as the node's health signal: an edge without its realtime leg can serve
// cache hits but not sessions.
func (l *RelayLink) Connected() bool {
	return l.conn.Load() != nil
}

// Run keeps the link alive until the context is cancelled, reconnecting with
// jittered exponential backoff.
func (l *RelayLink) Run(ctx context.Context) error {
	backoff := l.opts.BackoffBase

	for {
		connected, err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = l.opts.BackoffBase
		}

		jitter := time.Duration(float64(backoff) * (0.9 + 0.2*rand.Float64()))
		rlog.Warn().Err(err).
			Str("relay", l.opts.RelayAddr).
			Dur("backoff", jitter).
			Msg("relay link lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}

		backoff *= 2
		if backoff > l.opts.BackoffMax {
			backoff = l.opts.BackoffMax
		}
	}
}

func (l *RelayLink) runOnce(ctx context.Context) (connected bool, err error) {
	tlsConf := l.opts.TLSConfig.Clone()
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf.NextProtos = append(tlsConf.NextProtos, connector.ALPN)

	quicConf := &quic.Config{
		MaxIdleTimeout:  l.opts.IdleTimeout,
		KeepAlivePeriod: l.opts.KeepAlivePeriod,
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	qconn, err := quic.DialAddr(dialCtx, l.opts.RelayAddr, tlsConf, quicConf)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to dial relay: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, err := tunnel.HelloEdge(hsCtx, qconn, l.opts.EdgeID)
	cancel()
	if err != nil {
		_ = qconn.CloseWithError(0, "handshake failed")
		return false, err
	}

	rlog.Info().Str("relay", l.opts.RelayAddr).Msg("relay link established")

	l.conn.Store(conn)
	defer func() {
		l.conn.CompareAndSwap(conn, nil)
		_ = conn.Close("relay link stopped")
	}()

	return true, conn.AcceptStreams(ctx, l.dispatch)
}

// dispatch handles relay-pushed frames.
func (l *RelayLink) dispatch(frame tunnel.Frame) (*tunnel.Frame, error) {
	switch frame.Type {
	case tunnel.FrameTopicMessage:
		var body tunnel.TopicMessage
		if err := frame.DecodeBody(&body); err != nil {
			return nil, err
		}
		l.translator.OnTopicMessage(body.OriginID, body.Topic, frame.Payload)
		return nil, nil

	case tunnel.FrameTunnelStatus:
		var status tunnel.TunnelStatus
		if err := frame.DecodeBody(&status); err != nil {
			return nil, err
		}
		if status.Up {
			l.translator.OnTunnelUp(status.OriginID)
		} else {
			l.translator.OnTunnelDown(status.OriginID)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unexpected frame %s on relay link", frame.Type)
	}
}

// --------------------------------------------------------------------------
// TunnelDialer
// --------------------------------------------------------------------------

func (l *RelayLink) wrap(originID string, frame tunnel.Frame) (tunnel.Frame, error) {
	inner, err := tunnel.EncodeFrame(frame)
	if err != nil {
		return tunnel.Frame{}, err
	}
	return tunnel.NewFrame(tunnel.FrameRouted, tunnel.RoutedEnvelope{OriginID: originID}, inner)
}

// Exchange forwards a frame to the origin through the relay and returns the
// origin's reply.
func (l *RelayLink) Exchange(ctx context.Context, originID string, frame tunnel.Frame) (tunnel.Frame, error) {
	conn := l.conn.Load()
	if conn == nil {
		return tunnel.Frame{}, ErrRelayDown
	}

	routed, err := l.wrap(originID, frame)
	if err != nil {
		return tunnel.Frame{}, err
	}
	return conn.OpenExchange(ctx, routed)
}

// Send forwards a frame to the origin through the relay without waiting for
// a reply.
func (l *RelayLink) Send(ctx context.Context, originID string, frame tunnel.Frame) error {
	conn := l.conn.Load()
	if conn == nil {
		return ErrRelayDown
	}

	routed, err := l.wrap(originID, frame)
	if err != nil {
		return err
	}
	return conn.Send(ctx, routed)
}
