package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/strandcdn/strand/lib/session"
	"github.com/strandcdn/strand/tunnel"
)

// fakeDialer records sent frames and answers exchanges via a pluggable
// function.
type fakeDialer struct {
	mu         sync.Mutex
	sent       []tunnel.Frame
	exchangeFn func(originID string, f tunnel.Frame) (tunnel.Frame, error)
}

func (d *fakeDialer) Exchange(_ context.Context, originID string, f tunnel.Frame) (tunnel.Frame, error) {
	return d.exchangeFn(originID, f)
}

func (d *fakeDialer) Send(_ context.Context, _ string, f tunnel.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, f)
	return nil
}

func (d *fakeDialer) sentOfType(t tunnel.FrameType) []tunnel.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	var frames []tunnel.Frame
	for _, f := range d.sent {
		if f.Type == t {
			frames = append(frames, f)
		}
	}
	return frames
}

// acceptAll answers every exchange like a friendly origin: connects are
// accepted, messages echoed, closes directed to pause.
func acceptAll(pauseMs int64) func(string, tunnel.Frame) (tunnel.Frame, error) {
	return func(_ string, f tunnel.Frame) (tunnel.Frame, error) {
		switch f.Type {
		case tunnel.FrameConnectionNotify:
			var notify tunnel.ConnectionNotify
			_ = f.DecodeBody(&notify)
			return tunnel.NewFrame(tunnel.FrameConnectionAccept, tunnel.ConnectionAccept{
				SessionID: notify.SessionID,
				Context:   []byte("ctx"),
			}, nil)
		case tunnel.FrameInboundMessage:
			var msg tunnel.InboundMessage
			_ = f.DecodeBody(&msg)
			return tunnel.NewFrame(tunnel.FrameMessageReply, tunnel.MessageReply{
				SessionID: msg.SessionID,
				Ok:        true,
			}, f.Payload)
		case tunnel.FrameCloseNotify:
			var notify tunnel.CloseNotify
			_ = f.DecodeBody(&notify)
			return tunnel.NewFrame(tunnel.FrameCloseDirective, tunnel.CloseDirective{
				SessionID:     notify.SessionID,
				Action:        tunnel.CloseActionPause,
				PauseWindowMs: pauseMs,
			}, nil)
		default:
			return tunnel.Frame{}, fmt.Errorf("unexpected frame %s", f.Type)
		}
	}
}

// fakeClient records delivered envelopes. An optional onSend hook runs after
// each delivery, outside the lock, so tests can interleave concurrent events
// at exact points.
type fakeClient struct {
	mu     sync.Mutex
	sent   []serverEnvelope
	closed bool
	onSend func(env serverEnvelope)
}

func (c *fakeClient) Send(payload []byte) error {
	var env serverEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("conn closed")
	}
	c.sent = append(c.sent, env)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(env)
	}
	return nil
}

func (c *fakeClient) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) envelopes() []serverEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]serverEnvelope(nil), c.sent...)
}

func newTestTranslator(clock *testClock, dialer *fakeDialer) (*Translator, *session.Store) {
	store := session.NewStore(clock.Now)
	translator := NewTranslator(store, dialer, &TranslatorOptions{
		ExchangeTimeout:    time.Second,
		DefaultPauseWindow: 30 * time.Second,
	})
	return translator, store
}

func clientMsg(t *testing.T, envType, topic string, data []byte) []byte {
	t.Helper()
	raw, err := json.Marshal(clientEnvelope{Type: envType, Topic: topic, Data: data})
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}
	return raw
}

func TestHandshakeAccepted(t *testing.T) {
	dialer := &fakeDialer{exchangeFn: acceptAll(0)}
	translator, store := newTestTranslator(newTestClock(), dialer)

	conn := &fakeClient{}
	sess, err := translator.HandleConnect(context.Background(), "203.0.113.9:1", "bearer x", "origin-1", conn)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if sess.State != session.Active {
		t.Fatalf("expected Active, got %s", sess.State)
	}
	if string(sess.Context) != "ctx" {
		t.Fatalf("origin context not stored, got %q", sess.Context)
	}
	if sess.TunnelID != "origin-1" {
		t.Fatalf("unexpected tunnel id %q", sess.TunnelID)
	}
	if store.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", store.Count())
	}
}

func TestHandshakeRejected(t *testing.T) {
	dialer := &fakeDialer{exchangeFn: func(_ string, f tunnel.Frame) (tunnel.Frame, error) {
		var notify tunnel.ConnectionNotify
		_ = f.DecodeBody(&notify)
		return tunnel.NewFrame(tunnel.FrameConnectionReject, tunnel.ConnectionReject{
			SessionID: notify.SessionID,
			Reason:    "no capacity",
		}, nil)
	}}
	translator, store := newTestTranslator(newTestClock(), dialer)

	_, err := translator.HandleConnect(context.Background(), "203.0.113.9:1", "", "origin-1", &fakeClient{})
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected ErrHandshakeRejected, got %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("rejected session must not linger, got %d", store.Count())
	}
}

func TestHandshakeInitialTopics(t *testing.T) {
	dialer := &fakeDialer{exchangeFn: func(_ string, f tunnel.Frame) (tunnel.Frame, error) {
		var notify tunnel.ConnectionNotify
		_ = f.DecodeBody(&notify)
		return tunnel.NewFrame(tunnel.FrameConnectionAccept, tunnel.ConnectionAccept{
			SessionID: notify.SessionID,
			Context:   []byte("ctx"),
			Topics:    []string{"room-1"},
		}, []byte("welcome"))
	}}
	translator, _ := newTestTranslator(newTestClock(), dialer)

	conn := &fakeClient{}
	sess, err := translator.HandleConnect(context.Background(), "c", "", "origin-1", conn)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	// The accept's topic list subscribes without a client envelope
	if subs := dialer.sentOfType(tunnel.FrameSubscribe); len(subs) != 1 {
		t.Fatalf("expected 1 subscribe frame for the initial topic, got %d", len(subs))
	}
	if len(sess.Subscriptions) != 1 || sess.Subscriptions[0].Topic != "room-1" {
		t.Fatalf("initial topic not on the session, got %+v", sess.Subscriptions)
	}

	// The accept payload reaches the client as a greeting
	envs := conn.envelopes()
	if len(envs) != 1 || envs[0].Type != "reply" || string(envs[0].Data) != "welcome" {
		t.Fatalf("expected greeting envelope, got %+v", envs)
	}

	// Topic messages on the initial topic flow immediately
	translator.OnTopicMessage("origin-1", "room-1", []byte("hello"))
	envs = conn.envelopes()
	if len(envs) != 2 || envs[1].Type != "topic" || string(envs[1].Data) != "hello" {
		t.Fatalf("expected topic delivery on initial topic, got %+v", envs)
	}
}

func TestRequestResponseFlow(t *testing.T) {
	dialer := &fakeDialer{exchangeFn: acceptAll(0)}
	translator, _ := newTestTranslator(newTestClock(), dialer)

	conn := &fakeClient{}
	sess, err := translator.HandleConnect(context.Background(), "c", "", "origin-1", conn)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	translator.HandleClientMessage(context.Background(), sess.ID, clientMsg(t, "message", "", []byte("ping")))

	envs := conn.envelopes()
	if len(envs) != 1 || envs[0].Type != "reply" {
		t.Fatalf("expected one reply envelope, got %+v", envs)
	}
	if string(envs[0].Data) != "ping" {
		t.Fatalf("echo payload lost, got %q", envs[0].Data)
	}
}

func TestMessageReplyUpdatesSession(t *testing.T) {
	var (
		mu          sync.Mutex
		seenContext []byte
		seenTopics  []string
	)
	dialer := &fakeDialer{}
	dialer.exchangeFn = func(originID string, f tunnel.Frame) (tunnel.Frame, error) {
		if f.Type != tunnel.FrameInboundMessage {
			return acceptAll(0)(originID, f)
		}
		var msg tunnel.InboundMessage
		_ = f.DecodeBody(&msg)
		mu.Lock()
		seenContext = msg.Context
		seenTopics = msg.Topics
		mu.Unlock()
		return tunnel.NewFrame(tunnel.FrameMessageReply, tunnel.MessageReply{
			SessionID:    msg.SessionID,
			Ok:           true,
			Context:      []byte("ctx2"),
			AddTopics:    []string{"room-2"},
			RemoveTopics: []string{"old"},
		}, f.Payload)
	}
	translator, store := newTestTranslator(newTestClock(), dialer)

	conn := &fakeClient{}
	sess, err := translator.HandleConnect(context.Background(), "c", "", "origin-1", conn)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	translator.HandleClientMessage(context.Background(), sess.ID, clientMsg(t, "subscribe", "old", nil))

	translator.HandleClientMessage(context.Background(), sess.ID, clientMsg(t, "message", "", []byte("ping")))

	// The inbound message carried the stored context and topic set
	mu.Lock()
	if string(seenContext) != "ctx" {
		t.Fatalf("origin saw context %q, want %q", seenContext, "ctx")
	}
	if len(seenTopics) != 1 || seenTopics[0] != "old" {
		t.Fatalf("origin saw topics %v, want [old]", seenTopics)
	}
	mu.Unlock()

	// The reply's context replaced the stored one
	snap, _ := store.Lookup(sess.ID)
	if string(snap.Context) != "ctx2" {
		t.Fatalf("context not updated, got %q", snap.Context)
	}

	// Topic changes went through the edge triggers
	if subs := dialer.sentOfType(tunnel.FrameSubscribe); len(subs) != 2 {
		t.Fatalf("expected subscribe frames for old and room-2, got %d", len(subs))
	}
	if unsubs := dialer.sentOfType(tunnel.FrameUnsubscribe); len(unsubs) != 1 {
		t.Fatalf("expected one unsubscribe frame for old, got %d", len(unsubs))
	}

	before := len(conn.envelopes())
	translator.OnTopicMessage("origin-1", "room-2", []byte("added"))
	translator.OnTopicMessage("origin-1", "old", []byte("removed"))
	envs := conn.envelopes()
	if len(envs) != before+1 {
		t.Fatalf("expected one topic delivery, got %d new envelopes", len(envs)-before)
	}
	last := envs[len(envs)-1]
	if last.Topic != "room-2" || string(last.Data) != "added" {
		t.Fatalf("wrong topic routing after reply, got %+v", last)
	}
}

func TestSubscribeOncePerTopic(t *testing.T) {
	dialer := &fakeDialer{exchangeFn: acceptAll(0)}
	translator, _ := newTestTranslator(newTestClock(), dialer)

	conns := make([]*fakeClient, 3)
	ids := make([]string, 3)
	for i := range conns {
		conns[i] = &fakeClient{}
		sess, err := translator.HandleConnect(context.Background(), "c", "", "origin-1", conns[i])
		if err != nil {
			t.Fatalf("handshake %d failed: %v", i, err)
		}
		ids[i] = sess.ID
		translator.HandleClientMessage(context.Background(), sess.ID, clientMsg(t, "subscribe", "scores", nil))
	}

	if subs := dialer.sentOfType(tunnel.FrameSubscribe); len(subs) != 1 {
		t.Fatalf("expected exactly one subscribe frame, got %d", len(subs))
	}

	// First two leaving must not unsubscribe
	translator.HandleClientMessage(context.Background(), ids[0], clientMsg(t, "unsubscribe", "scores", nil))
	translator.HandleClientMessage(context.Background(), ids[1], clientMsg(t, "unsubscribe", "scores", nil))
	if unsubs := dialer.sentOfType(tunnel.FrameUnsubscribe); len(unsubs) != 0 {
		t.Fatalf("expected no unsubscribe frames yet, got %d", len(unsubs))
	}

	// The last one does
	translator.HandleClientMessage(context.Background(), ids[2], clientMsg(t, "unsubscribe", "scores", nil))
	if unsubs := dialer.sentOfType(tunnel.FrameUnsubscribe); len(unsubs) != 1 {
		t.Fatalf("expected one unsubscribe frame, got %d", len(unsubs))
	}
}

func TestPauseBacklogResumeFlushesInOrder(t *testing.T) {
	clock := newTestClock()
	dialer := &fakeDialer{exchangeFn: acceptAll(60_000)}
	translator, _ := newTestTranslator(clock, dialer)

	conn := &fakeClient{}
	sess, err := translator.HandleConnect(context.Background(), "c", "", "origin-1", conn)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	translator.HandleClientMessage(context.Background(), sess.ID, clientMsg(t, "subscribe", "scores", nil))

	// Client drops; origin directs a 60s pause
	translator.HandleClientDisconnect(context.Background(), sess.ID, "network change")

	for i := 0; i < 3; i++ {
		translator.OnTopicMessage("origin-1", "scores", []byte(fmt.Sprintf("msg-%d", i)))
	}

	// Return just inside the window
	clock.Advance(59 * time.Second)
	resumed := &fakeClient{}
	snap, err := translator.HandleResume(sess.ID, resumed)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if snap.State != session.Active {
		t.Fatalf("expected Active after resume, got %s", snap.State)
	}

	envs := resumed.envelopes()
	if len(envs) != 3 {
		t.Fatalf("expected 3 backlog envelopes, got %d", len(envs))
	}
	for i, env := range envs {
		if env.Type != "topic" || env.Topic != "scores" {
			t.Fatalf("unexpected envelope %+v", env)
		}
		if want := fmt.Sprintf("msg-%d", i); string(env.Data) != want {
			t.Fatalf("backlog out of order: envelope %d is %q, want %q", i, env.Data, want)
		}
	}

	// Live again: the next topic message arrives directly, no re-flush
	translator.OnTopicMessage("origin-1", "scores", []byte("live"))
	envs = resumed.envelopes()
	if len(envs) != 4 || string(envs[3].Data) != "live" {
		t.Fatalf("expected live delivery after resume, got %+v", envs)
	}
}

func TestResumeHoldsConcurrentTopicMessageUntilFlushed(t *testing.T) {
	clock := newTestClock()
	dialer := &fakeDialer{exchangeFn: acceptAll(60_000)}
	translator, _ := newTestTranslator(clock, dialer)

	conn := &fakeClient{}
	sess, err := translator.HandleConnect(context.Background(), "c", "", "origin-1", conn)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	translator.HandleClientMessage(context.Background(), sess.ID, clientMsg(t, "subscribe", "scores", nil))
	translator.HandleClientDisconnect(context.Background(), sess.ID, "network change")

	translator.OnTopicMessage("origin-1", "scores", []byte("msg-0"))
	translator.OnTopicMessage("origin-1", "scores", []byte("msg-1"))

	clock.Advance(10 * time.Second)

	// A live message lands while the first backlog envelope is being written:
	// it must neither be dropped nor delivered ahead of the backlog
	resumed := &fakeClient{}
	var fired bool
	resumed.onSend = func(env serverEnvelope) {
		if !fired && string(env.Data) == "msg-0" {
			fired = true
			translator.OnTopicMessage("origin-1", "scores", []byte("live-mid"))
		}
	}

	if _, err := translator.HandleResume(sess.ID, resumed); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	envs := resumed.envelopes()
	want := []string{"msg-0", "msg-1", "live-mid"}
	if len(envs) != len(want) {
		t.Fatalf("expected %d envelopes, got %d: %+v", len(want), len(envs), envs)
	}
	for i, env := range envs {
		if string(env.Data) != want[i] {
			t.Fatalf("envelope %d is %q, want %q", i, env.Data, want[i])
		}
	}
}

func TestResumeAfterDeadlineFails(t *testing.T) {
	clock := newTestClock()
	dialer := &fakeDialer{exchangeFn: acceptAll(60_000)}
	translator, store := newTestTranslator(clock, dialer)

	conn := &fakeClient{}
	sess, err := translator.HandleConnect(context.Background(), "c", "", "origin-1", conn)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	translator.HandleClientMessage(context.Background(), sess.ID, clientMsg(t, "subscribe", "scores", nil))
	translator.HandleClientDisconnect(context.Background(), sess.ID, "gone")

	clock.Advance(61 * time.Second)

	if _, err := translator.HandleResume(sess.ID, &fakeClient{}); !errors.Is(err, session.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if store.Count() != 0 {
		t.Fatalf("expired session must be gone, got %d", store.Count())
	}
}

func TestTunnelDownPausesCarriedSessions(t *testing.T) {
	dialer := &fakeDialer{exchangeFn: acceptAll(0)}
	translator, store := newTestTranslator(newTestClock(), dialer)

	conn := &fakeClient{}
	sess, err := translator.HandleConnect(context.Background(), "c", "", "origin-1", conn)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	other := &fakeClient{}
	otherSess, err := translator.HandleConnect(context.Background(), "c", "", "origin-2", other)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	translator.OnTunnelDown("origin-1")

	snap, _ := store.Lookup(sess.ID)
	if snap.State != session.Pausing {
		t.Fatalf("expected Pausing after tunnel loss, got %s", snap.State)
	}
	if !conn.closed {
		t.Fatal("client conn should be closed on tunnel loss")
	}

	// Sessions on other tunnels are untouched
	snap, _ = store.Lookup(otherSess.ID)
	if snap.State != session.Active {
		t.Fatalf("unrelated session should stay Active, got %s", snap.State)
	}
}

func TestTunnelUpReplaysSubscriptions(t *testing.T) {
	dialer := &fakeDialer{exchangeFn: acceptAll(0)}
	translator, _ := newTestTranslator(newTestClock(), dialer)

	conn := &fakeClient{}
	sess, err := translator.HandleConnect(context.Background(), "c", "", "origin-1", conn)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	translator.HandleClientMessage(context.Background(), sess.ID, clientMsg(t, "subscribe", "scores", nil))
	translator.HandleClientMessage(context.Background(), sess.ID, clientMsg(t, "subscribe", "chat", nil))

	before := len(dialer.sentOfType(tunnel.FrameSubscribe))

	translator.OnTunnelDown("origin-1")
	translator.OnTunnelUp("origin-1")

	after := dialer.sentOfType(tunnel.FrameSubscribe)
	if len(after) != before+2 {
		t.Fatalf("expected both topics replayed, got %d new subscribe frames", len(after)-before)
	}
}
