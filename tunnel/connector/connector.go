// Package connector implements the customer-origin side of the tunnel.
//
// An origin process embeds a Connector, hands it an OriginHandler and lets
// Run keep a tunnel to the nearest relay alive. The origin keeps no session
// state: when its tunnel drops and comes back, the edge replays the topic
// subscriptions, so reconnecting is just dialing again.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/quic-go/quic-go"

	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/tunnel"
)

var log = logger.Get("tunnel/connector")

// ALPN is the protocol identifier tunnels negotiate during the TLS
// handshake.
const ALPN = "strand-tunnel"

// ErrNotConnected is returned when a publish is attempted while the tunnel
// is down.
var ErrNotConnected = errors.New("tunnel not connected")

// --------------------------------------------------------------------------
// Handler
// --------------------------------------------------------------------------

// ConnectReply is the origin's answer to a connection-notify.
type ConnectReply struct {
	Accept  bool
	Reason  string   // set when rejecting
	Context []byte   // opaque blob stored with the session when accepting
	Topics  []string // initial subscriptions the edge takes out for the session
	Payload []byte   // optional greeting relayed to the client
}

// MessageResult is the origin's answer to a client message. A non-nil
// Context replaces the session's stored context on the edge; AddTopics and
// RemoveTopics adjust its subscriptions.
type MessageResult struct {
	Payload      []byte
	Context      []byte
	AddTopics    []string
	RemoveTopics []string
}

// FetchResult is the origin's answer to a fetch.
type FetchResult struct {
	Found   bool
	TTL     time.Duration
	Payload []byte
}

// OriginHandler is the application-side contract of an origin. All methods
// are called from stream goroutines and must be safe for concurrent use.
type OriginHandler interface {
	// HandleConnect decides whether to accept a new client session.
	HandleConnect(notify tunnel.ConnectionNotify) (ConnectReply, error)

	// HandleMessage processes one client message. The notify carries the
	// session's stored context and its topic list on the sending edge.
	HandleMessage(msg tunnel.InboundMessage, payload []byte) (MessageResult, error)

	// HandleClose is told a client connection dropped and directs whether
	// the session closes or stays pausable.
	HandleClose(notify tunnel.CloseNotify) tunnel.CloseDirective

	// HandleFetch serves cacheable content for a normalized request key.
	HandleFetch(key string) FetchResult
}

// --------------------------------------------------------------------------
// Connector
// --------------------------------------------------------------------------

// Options configures a Connector.
type Options struct {
	OriginID  string
	RelayAddr string
	TLSConfig *tls.Config // client TLS config; ALPN is appended

	// Reconnect backoff
	BackoffBase time.Duration // default 500ms
	BackoffMax  time.Duration // default 30s

	// Tunnel liveness
	IdleTimeout     time.Duration // default 30s
	KeepAlivePeriod time.Duration // default 10s
}

// Connector keeps one tunnel to a relay alive and dispatches inbound frames
// to the handler.
type Connector struct {
	opts    Options
	handler OriginHandler

	conn   atomic.Pointer[tunnel.Conn]
	topics *xsync.MapOf[string, struct{}]
}

// New creates a connector. Run must be called to establish the tunnel.
func New(opts Options, handler OriginHandler) (*Connector, error) {
	if opts.OriginID == "" {
		return nil, errors.New("origin id must not be empty")
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

	return &Connector{
		opts:    opts,
		handler: handler,
		topics:  xsync.NewMapOf[string, struct{}](),
	}, nil
}

// Run dials the relay and serves the tunnel until the context is cancelled,
// reconnecting with jittered exponential backoff on loss.
func (c *Connector) Run(ctx context.Context) error {
	backoff := c.opts.BackoffBase

	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.opts.BackoffBase
		}

		// Jitter the backoff by +-10% so a relay restart does not get a
		// thundering herd of origins
		jitter := time.Duration(float64(backoff) * (0.9 + 0.2*rand.Float64()))
		log.Warn().Err(err).
			Str("relay", c.opts.RelayAddr).
			Dur("backoff", jitter).
			Msg("tunnel lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}

		backoff *= 2
		if backoff > c.opts.BackoffMax {
			backoff = c.opts.BackoffMax
		}
	}
}

func (c *Connector) runOnce(ctx context.Context) (connected bool, err error) {
	tlsConf := c.opts.TLSConfig.Clone()
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf.NextProtos = append(tlsConf.NextProtos, ALPN)

	quicConf := &quic.Config{
		MaxIdleTimeout:  c.opts.IdleTimeout,
		KeepAlivePeriod: c.opts.KeepAlivePeriod,
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	qconn, err := quic.DialAddr(dialCtx, c.opts.RelayAddr, tlsConf, quicConf)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to dial relay: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, err := tunnel.Hello(hsCtx, qconn, c.opts.OriginID)
	cancel()
	if err != nil {
		_ = qconn.CloseWithError(0, "handshake failed")
		return false, err
	}

	log.Info().
		Str("relay", c.opts.RelayAddr).
		Str("tunnel_id", conn.ID).
		Msg("tunnel established")

	c.conn.Store(conn)
	defer func() {
		c.conn.CompareAndSwap(conn, nil)
		c.topics.Clear()
		_ = conn.Close("connector stopped")
	}()

	return true, conn.AcceptStreams(ctx, c.dispatch)
}

// --------------------------------------------------------------------------
// Frame dispatch
// --------------------------------------------------------------------------

func (c *Connector) dispatch(frame tunnel.Frame) (*tunnel.Frame, error) {
	switch frame.Type {
	case tunnel.FrameConnectionNotify:
		return c.handleConnect(frame)
	case tunnel.FrameInboundMessage:
		return c.handleMessage(frame)
	case tunnel.FrameCloseNotify:
		return c.handleClose(frame)
	case tunnel.FrameSubscribe, tunnel.FrameUnsubscribe:
		return nil, c.handleSubscription(frame)
	case tunnel.FrameFetch:
		return c.handleFetch(frame)
	default:
		return nil, fmt.Errorf("unexpected frame %s on origin tunnel", frame.Type)
	}
}

func (c *Connector) handleConnect(frame tunnel.Frame) (*tunnel.Frame, error) {
	var notify tunnel.ConnectionNotify
	if err := frame.DecodeBody(&notify); err != nil {
		return nil, err
	}

	reply, err := c.handler.HandleConnect(notify)
	if err != nil {
		reply = ConnectReply{Accept: false, Reason: err.Error()}
	}

	if !reply.Accept {
		resp, err := tunnel.NewFrame(tunnel.FrameConnectionReject, tunnel.ConnectionReject{
			SessionID: notify.SessionID,
			Reason:    reply.Reason,
		}, nil)
		return &resp, err
	}

	resp, err := tunnel.NewFrame(tunnel.FrameConnectionAccept, tunnel.ConnectionAccept{
		SessionID: notify.SessionID,
		Context:   reply.Context,
		Topics:    reply.Topics,
	}, reply.Payload)
	return &resp, err
}

func (c *Connector) handleMessage(frame tunnel.Frame) (*tunnel.Frame, error) {
	var msg tunnel.InboundMessage
	if err := frame.DecodeBody(&msg); err != nil {
		return nil, err
	}

	result, err := c.handler.HandleMessage(msg, frame.Payload)
	body := tunnel.MessageReply{SessionID: msg.SessionID, Ok: err == nil}
	if err != nil {
		body.Err = err.Error()
		result = MessageResult{}
	} else {
		body.Context = result.Context
		body.AddTopics = result.AddTopics
		body.RemoveTopics = result.RemoveTopics
	}

	resp, ferr := tunnel.NewFrame(tunnel.FrameMessageReply, body, result.Payload)
	return &resp, ferr
}

func (c *Connector) handleClose(frame tunnel.Frame) (*tunnel.Frame, error) {
	var notify tunnel.CloseNotify
	if err := frame.DecodeBody(&notify); err != nil {
		return nil, err
	}

	directive := c.handler.HandleClose(notify)
	directive.SessionID = notify.SessionID

	resp, err := tunnel.NewFrame(tunnel.FrameCloseDirective, directive, nil)
	return &resp, err
}

func (c *Connector) handleSubscription(frame tunnel.Frame) error {
	var body tunnel.SubscribeBody
	if err := frame.DecodeBody(&body); err != nil {
		return err
	}

	if frame.Type == tunnel.FrameSubscribe {
		c.topics.Store(body.Topic, struct{}{})
		log.Debug().Str("topic", body.Topic).Msg("topic gained subscribers")
	} else {
		c.topics.Delete(body.Topic)
		log.Debug().Str("topic", body.Topic).Msg("topic lost all subscribers")
	}
	return nil
}

func (c *Connector) handleFetch(frame tunnel.Frame) (*tunnel.Frame, error) {
	var req tunnel.FetchRequest
	if err := frame.DecodeBody(&req); err != nil {
		return nil, err
	}

	result := c.handler.HandleFetch(req.Key)

	resp, err := tunnel.NewFrame(tunnel.FrameFetchReply, tunnel.FetchReply{
		Key:   req.Key,
		Found: result.Found,
		TTLMs: result.TTL.Milliseconds(),
	}, result.Payload)
	return &resp, err
}

// --------------------------------------------------------------------------
// Publishing
// --------------------------------------------------------------------------

// PublishTopic pushes a message to all subscribers of a topic. The edge
// fans it out to active sessions and backlogs it for paused ones.
func (c *Connector) PublishTopic(ctx context.Context, topic string, payload []byte) error {
	conn := c.conn.Load()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := tunnel.NewFrame(tunnel.FrameTopicMessage, tunnel.TopicMessage{Topic: topic}, payload)
	if err != nil {
		return err
	}
	return conn.Send(ctx, frame)
}

// HasSubscribers reports whether the edge announced at least one subscriber
// for a topic. Origins can use it to skip publishing into the void.
func (c *Connector) HasSubscribers(topic string) bool {
	_, ok := c.topics.Load(topic)
	return ok
}

// Connected reports whether the tunnel is currently up.
func (c *Connector) Connected() bool {
	return c.conn.Load() != nil
}
