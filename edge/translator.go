package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/lib/session"
	"github.com/strandcdn/strand/tunnel"
)

// ErrHandshakeRejected is returned when the origin rejects a client's
// connection notify.
var ErrHandshakeRejected = errors.New("handshake rejected by origin")

// TunnelDialer is how the edge reaches customer origins. In production the
// relay provides it on top of its tunnel registry; tests wire an in-process
// fake.
type TunnelDialer interface {
	// Exchange sends a frame to the origin and waits for its reply.
	Exchange(ctx context.Context, originID string, frame tunnel.Frame) (tunnel.Frame, error)

	// Send sends a frame to the origin without waiting for a reply.
	Send(ctx context.Context, originID string, frame tunnel.Frame) error
}

// ClientConn is the edge's handle on one live client connection. The
// WebSocket server implements it; tests use a recording fake.
type ClientConn interface {
	Send(payload []byte) error
	Close(reason string) error
}

// --------------------------------------------------------------------------
// Wire envelopes
// --------------------------------------------------------------------------

// clientEnvelope is one client->edge WebSocket message. Data is base64 on
// the wire (encoding/json []byte convention).
type clientEnvelope struct {
	Type  string `json:"type"` // "subscribe" | "unsubscribe" | "message"
	Topic string `json:"topic,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

// serverEnvelope is one edge->client WebSocket message.
type serverEnvelope struct {
	Type  string `json:"type"` // "reply" | "topic" | "ack" | "error"
	Topic string `json:"topic,omitempty"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func sendEnvelope(conn ClientConn, env serverEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// --------------------------------------------------------------------------
// Translator
// --------------------------------------------------------------------------

// TranslatorOptions configures a Translator.
type TranslatorOptions struct {
	// ExchangeTimeout bounds every tunnel round trip.
	ExchangeTimeout time.Duration

	// DefaultPauseWindow is used when a client drops and the origin cannot
	// be asked (tunnel down) or does not name a window.
	DefaultPauseWindow time.Duration
}

// DefaultTranslatorOptions returns the default translator options.
func DefaultTranslatorOptions() *TranslatorOptions {
	return &TranslatorOptions{
		ExchangeTimeout:    10 * time.Second,
		DefaultPauseWindow: 30 * time.Second,
	}
}

// Translator decomposes the client WebSocket protocol into tunnel primitives
// and drives the session lifecycle. It is the only writer of session state
// transitions on the edge.
//
// Thread-safety: all methods are safe for concurrent use.
type Translator struct {
	store  *session.Store
	dialer TunnelDialer
	opts   TranslatorOptions

	// live client connections by session id
	conns *xsync.MapOf[string, ClientConn]
}

// NewTranslator wires a session store and a tunnel dialer into a translator.
func NewTranslator(store *session.Store, dialer TunnelDialer, opts *TranslatorOptions) *Translator {
	if opts == nil {
		opts = DefaultTranslatorOptions()
	}
	return &Translator{
		store:  store,
		dialer: dialer,
		opts:   *opts,
		conns:  xsync.NewMapOf[string, ClientConn](),
	}
}

var tlog = logger.Get("edge/translator")

// --------------------------------------------------------------------------
// Session lifecycle
// --------------------------------------------------------------------------

// HandleConnect runs the handshake for a fresh client connection: a session
// is created, the origin is notified and its verdict decides whether the
// session activates or terminates.
func (t *Translator) HandleConnect(ctx context.Context, clientAddr, authContext, originID string, conn ClientConn) (session.Session, error) {
	sess := t.store.Create(clientAddr, authContext)
	t.store.AttachTunnel(sess.ID, originID)

	notify, err := tunnel.NewFrame(tunnel.FrameConnectionNotify, tunnel.ConnectionNotify{
		SessionID:   sess.ID,
		ClientAddr:  clientAddr,
		AuthContext: authContext,
	}, nil)
	if err != nil {
		t.store.Terminate(sess.ID)
		return session.Session{}, err
	}

	t.store.MarkHandshakeSent(sess.ID)

	exCtx, cancel := context.WithTimeout(ctx, t.opts.ExchangeTimeout)
	reply, err := t.dialer.Exchange(exCtx, originID, notify)
	cancel()
	if err != nil {
		t.store.Terminate(sess.ID)
		return session.Session{}, fmt.Errorf("handshake exchange failed: %w", err)
	}

	switch reply.Type {
	case tunnel.FrameConnectionAccept:
		var accept tunnel.ConnectionAccept
		if err := reply.DecodeBody(&accept); err != nil {
			t.store.Terminate(sess.ID)
			return session.Session{}, err
		}
		t.store.SetContext(sess.ID, accept.Context)
		t.store.Activate(sess.ID)
		t.conns.Store(sess.ID, conn)

		// Origin-chosen initial subscriptions
		for _, topic := range accept.Topics {
			t.subscribeTopic(ctx, sess.ID, originID, topic)
		}

		// An origin greeting rides the accept payload and relays to the
		// client before anything else flows
		if len(reply.Payload) > 0 {
			_ = sendEnvelope(conn, serverEnvelope{Type: "reply", Data: reply.Payload})
		}

		snap, _ := t.store.Lookup(sess.ID)
		return snap, nil

	case tunnel.FrameConnectionReject:
		var reject tunnel.ConnectionReject
		if err := reply.DecodeBody(&reject); err != nil {
			t.store.Terminate(sess.ID)
			return session.Session{}, err
		}
		t.store.Terminate(sess.ID)
		return session.Session{}, fmt.Errorf("%w: %s", ErrHandshakeRejected, reject.Reason)

	default:
		t.store.Terminate(sess.ID)
		return session.Session{}, fmt.Errorf("%w: unexpected reply %s", tunnel.ErrMalformedFrame, reply.Type)
	}
}

// resumeGate stands in for the client connection while a resume flushes the
// backlog. Topic messages racing the flush are held back and delivered after
// the last backlog message, keeping delivery in order; the flush itself
// writes past the gate.
type resumeGate struct {
	conn ClientConn

	mu     sync.Mutex
	open   bool
	queued [][]byte
}

func (g *resumeGate) Send(payload []byte) error {
	g.mu.Lock()
	if !g.open {
		g.queued = append(g.queued, payload)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	return g.conn.Send(payload)
}

func (g *resumeGate) Close(reason string) error {
	return g.conn.Close(reason)
}

// release drains the held messages and opens the gate. Draining happens under
// the lock so a concurrent Send cannot overtake a held message.
func (g *resumeGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, payload := range g.queued {
		if g.conn.Send(payload) != nil {
			break
		}
	}
	g.queued = nil
	g.open = true
}

// HandleResume reattaches a returning client to its paused session and
// flushes the backlog to it in FIFO order before any new message flows. The
// gate is registered before the session flips to Active so a topic message
// arriving mid-resume is neither dropped nor delivered ahead of the backlog.
func (t *Translator) HandleResume(sessionID string, conn ClientConn) (session.Session, error) {
	if sess, ok := t.store.Lookup(sessionID); !ok || sess.State != session.Pausing {
		return session.Session{}, session.ErrSessionExpired
	}

	gate := &resumeGate{conn: conn}
	t.conns.Store(sessionID, gate)

	backlog, ok := t.store.Resume(sessionID)
	if !ok {
		t.conns.Compute(sessionID, func(current ClientConn, loaded bool) (ClientConn, bool) {
			if loaded && current == gate {
				return nil, true
			}
			return current, !loaded
		})
		return session.Session{}, session.ErrSessionExpired
	}

	for _, msg := range backlog {
		if err := sendEnvelope(conn, serverEnvelope{
			Type:  "topic",
			Topic: msg.Topic,
			Data:  msg.Payload,
		}); err != nil {
			// Client dropped mid-flush; the remaining backlog is gone with
			// the resume, matching at-most-once delivery after handoff
			tlog.Warn().Err(err).Str("session", sessionID).Msg("backlog flush aborted")
			break
		}
	}

	gate.release()
	t.conns.Store(sessionID, conn)

	snap, _ := t.store.Lookup(sessionID)
	return snap, nil
}

// HandleClientDisconnect tells the origin the client dropped and follows its
// directive: terminate the session or keep it pausable. When the origin is
// unreachable the session pauses for the default window, preserving the
// reconnect path while the tunnel recovers.
func (t *Translator) HandleClientDisconnect(ctx context.Context, sessionID, reason string) {
	t.conns.Delete(sessionID)

	sess, ok := t.store.Lookup(sessionID)
	if !ok {
		return
	}

	notify, err := tunnel.NewFrame(tunnel.FrameCloseNotify, tunnel.CloseNotify{
		SessionID: sessionID,
		Reason:    reason,
	}, nil)
	if err != nil {
		tlog.Error().Err(err).Str("session", sessionID).Msg("failed to build close-notify")
		return
	}

	exCtx, cancel := context.WithTimeout(ctx, t.opts.ExchangeTimeout)
	reply, err := t.dialer.Exchange(exCtx, sess.TunnelID, notify)
	cancel()

	if err != nil {
		tlog.Warn().Err(err).Str("session", sessionID).
			Msg("origin unreachable on disconnect, pausing with default window")
		t.store.Pause(sessionID, t.opts.DefaultPauseWindow)
		return
	}

	var directive tunnel.CloseDirective
	if reply.Type != tunnel.FrameCloseDirective || reply.DecodeBody(&directive) != nil {
		tlog.Warn().Str("session", sessionID).Stringer("frame", reply.Type).
			Msg("unusable close directive, pausing with default window")
		t.store.Pause(sessionID, t.opts.DefaultPauseWindow)
		return
	}

	switch directive.Action {
	case tunnel.CloseActionClose:
		t.terminate(ctx, sessionID)
	case tunnel.CloseActionPause:
		window := time.Duration(directive.PauseWindowMs) * time.Millisecond
		if window <= 0 {
			window = t.opts.DefaultPauseWindow
		}
		t.store.Pause(sessionID, window)
	default:
		tlog.Warn().Str("session", sessionID).Str("action", directive.Action).
			Msg("unknown close directive action, pausing with default window")
		t.store.Pause(sessionID, t.opts.DefaultPauseWindow)
	}
}

// terminate releases the session and unsubscribes released topics with
// their origins.
func (t *Translator) terminate(ctx context.Context, sessionID string) {
	released := t.store.Terminate(sessionID)
	t.conns.Delete(sessionID)
	t.unsubscribeTopics(ctx, released)
}

func (t *Translator) unsubscribeTopics(ctx context.Context, topics []session.TopicKey) {
	for _, key := range topics {
		frame, err := tunnel.NewFrame(tunnel.FrameUnsubscribe, tunnel.SubscribeBody{Topic: key.Topic}, nil)
		if err != nil {
			continue
		}
		if err := t.dialer.Send(ctx, key.Origin, frame); err != nil {
			tlog.Debug().Err(err).Str("topic", key.Topic).Msg("failed to send unsubscribe")
		}
	}
}

// SweepExpired terminates overdue paused sessions and unsubscribes the
// topics they released. Meant to run on a ticker next to the store's own
// sweep.
func (t *Translator) SweepExpired(ctx context.Context, now time.Time) {
	terminated, released := t.store.SweepExpired(now)
	for _, id := range terminated {
		t.conns.Delete(id)
	}
	// Released keys carry their origin, so one pass covers all tunnels
	t.unsubscribeTopics(ctx, released)
}

// --------------------------------------------------------------------------
// Message flow
// --------------------------------------------------------------------------

// HandleClientMessage decomposes one client WebSocket message into its
// tunnel primitive. Unparseable envelopes answer with an error envelope
// instead of dropping the connection.
func (t *Translator) HandleClientMessage(ctx context.Context, sessionID string, raw []byte) {
	conn, ok := t.conns.Load(sessionID)
	if !ok {
		return
	}

	sess, ok := t.store.Lookup(sessionID)
	if !ok || sess.State != session.Active {
		_ = sendEnvelope(conn, serverEnvelope{Type: "error", Error: "session not active"})
		return
	}

	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = sendEnvelope(conn, serverEnvelope{Type: "error", Error: "malformed envelope"})
		return
	}

	switch env.Type {
	case "subscribe":
		t.handleSubscribe(ctx, conn, sess, env.Topic)
	case "unsubscribe":
		t.handleUnsubscribe(ctx, conn, sess, env.Topic)
	case "message":
		t.handleRequest(ctx, conn, sess, env.Data)
	default:
		_ = sendEnvelope(conn, serverEnvelope{Type: "error", Error: fmt.Sprintf("unknown envelope type %q", env.Type)})
	}
}

// subscribeTopic adds one subscription for a session. Only the node's first
// subscriber of a topic talks to the origin.
func (t *Translator) subscribeTopic(ctx context.Context, sessionID, originID, topic string) bool {
	if topic == "" {
		return false
	}

	first, ok := t.store.Subscribe(sessionID, session.TopicKey{Origin: originID, Topic: topic})
	if !ok {
		return false
	}

	if first {
		frame, err := tunnel.NewFrame(tunnel.FrameSubscribe, tunnel.SubscribeBody{Topic: topic}, nil)
		if err == nil {
			if err := t.dialer.Send(ctx, originID, frame); err != nil {
				tlog.Warn().Err(err).Str("topic", topic).Msg("failed to send subscribe")
			}
		}
	}
	return true
}

// unsubscribeTopic drops one subscription; the node's last unsubscriber
// releases the topic with the origin.
func (t *Translator) unsubscribeTopic(ctx context.Context, sessionID, originID, topic string) bool {
	last, ok := t.store.Unsubscribe(sessionID, session.TopicKey{Origin: originID, Topic: topic})
	if !ok {
		return false
	}

	if last {
		frame, err := tunnel.NewFrame(tunnel.FrameUnsubscribe, tunnel.SubscribeBody{Topic: topic}, nil)
		if err == nil {
			if err := t.dialer.Send(ctx, originID, frame); err != nil {
				tlog.Warn().Err(err).Str("topic", topic).Msg("failed to send unsubscribe")
			}
		}
	}
	return true
}

func (t *Translator) handleSubscribe(ctx context.Context, conn ClientConn, sess session.Session, topic string) {
	if topic == "" {
		_ = sendEnvelope(conn, serverEnvelope{Type: "error", Error: "subscribe without topic"})
		return
	}
	if !t.subscribeTopic(ctx, sess.ID, sess.TunnelID, topic) {
		_ = sendEnvelope(conn, serverEnvelope{Type: "error", Error: "session gone"})
		return
	}
	_ = sendEnvelope(conn, serverEnvelope{Type: "ack", Topic: topic})
}

func (t *Translator) handleUnsubscribe(ctx context.Context, conn ClientConn, sess session.Session, topic string) {
	if !t.unsubscribeTopic(ctx, sess.ID, sess.TunnelID, topic) {
		_ = sendEnvelope(conn, serverEnvelope{Type: "error", Error: "session gone"})
		return
	}
	_ = sendEnvelope(conn, serverEnvelope{Type: "ack", Topic: topic})
}

func (t *Translator) handleRequest(ctx context.Context, conn ClientConn, sess session.Session, payload []byte) {
	topics := make([]string, 0, len(sess.Subscriptions))
	for _, key := range sess.Subscriptions {
		if key.Origin == sess.TunnelID {
			topics = append(topics, key.Topic)
		}
	}

	frame, err := tunnel.NewFrame(tunnel.FrameInboundMessage, tunnel.InboundMessage{
		SessionID: sess.ID,
		Context:   sess.Context,
		Topics:    topics,
	}, payload)
	if err != nil {
		_ = sendEnvelope(conn, serverEnvelope{Type: "error", Error: "internal error"})
		return
	}

	exCtx, cancel := context.WithTimeout(ctx, t.opts.ExchangeTimeout)
	reply, err := t.dialer.Exchange(exCtx, sess.TunnelID, frame)
	cancel()
	if err != nil {
		_ = sendEnvelope(conn, serverEnvelope{Type: "error", Error: "origin unreachable"})
		return
	}

	var body tunnel.MessageReply
	if reply.Type != tunnel.FrameMessageReply || reply.DecodeBody(&body) != nil {
		_ = sendEnvelope(conn, serverEnvelope{Type: "error", Error: "bad origin reply"})
		return
	}

	if !body.Ok {
		_ = sendEnvelope(conn, serverEnvelope{Type: "error", Error: body.Err})
		return
	}

	// Session updates ride the reply: a non-nil context replaces the stored
	// one, topic changes go through the usual edge triggers
	if body.Context != nil {
		t.store.SetContext(sess.ID, body.Context)
	}
	for _, topic := range body.AddTopics {
		t.subscribeTopic(ctx, sess.ID, sess.TunnelID, topic)
	}
	for _, topic := range body.RemoveTopics {
		t.unsubscribeTopic(ctx, sess.ID, sess.TunnelID, topic)
	}

	_ = sendEnvelope(conn, serverEnvelope{Type: "reply", Data: reply.Payload})
}

// --------------------------------------------------------------------------
// Fanout and tunnel events
// --------------------------------------------------------------------------

// OnTopicMessage fans an origin-pushed message out to every subscriber:
// live sessions get it on their connection, paused ones get it backlogged.
func (t *Translator) OnTopicMessage(originID, topic string, payload []byte) {
	key := session.TopicKey{Origin: originID, Topic: topic}

	for _, id := range t.store.Subscribers(key) {
		if conn, ok := t.conns.Load(id); ok {
			if err := sendEnvelope(conn, serverEnvelope{Type: "topic", Topic: topic, Data: payload}); err == nil {
				continue
			}
			// Fall through: a broken conn behaves like a paused session
		}

		t.store.EnqueueBacklog(id, session.BacklogMessage{
			Topic:      topic,
			Payload:    payload,
			EnqueuedAt: time.Now(),
		})
	}
}

// OnTunnelDown pauses every session carried by the lost tunnel and closes
// their client connections so clients reconnect and resume.
func (t *Translator) OnTunnelDown(originID string) {
	for _, id := range t.store.SessionsOnTunnel(originID) {
		if t.store.Pause(id, t.opts.DefaultPauseWindow) {
			if conn, ok := t.conns.LoadAndDelete(id); ok {
				_ = conn.Close("origin tunnel lost")
			}
			continue
		}
		// Sessions not yet active cannot pause; their handshake fails on
		// its own exchange error
	}

	tlog.Info().Str("origin_id", originID).Msg("paused sessions after tunnel loss")
}

// OnTunnelUp replays this node's live subscriptions to a freshly reconnected
// origin. The edge is the source of truth; the origin restarts blank.
func (t *Translator) OnTunnelUp(originID string) {
	topics := t.store.SubscribedTopics(originID)
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.ExchangeTimeout)
	defer cancel()

	for _, key := range topics {
		frame, err := tunnel.NewFrame(tunnel.FrameSubscribe, tunnel.SubscribeBody{Topic: key.Topic}, nil)
		if err != nil {
			continue
		}
		if err := t.dialer.Send(ctx, originID, frame); err != nil {
			tlog.Warn().Err(err).Str("topic", key.Topic).Msg("subscription replay failed")
		}
	}

	if len(topics) > 0 {
		tlog.Info().Str("origin_id", originID).Int("topics", len(topics)).
			Msg("replayed subscriptions after tunnel recovery")
	}
}
