// Package session implements the edge-owned Session Store.
//
// A session is the durable identity of one client connection: its auth
// context, its opaque handshake context, its topic subscriptions and, while
// the client is away, a FIFO backlog of missed topic messages. The client
// connection itself is disposable; as long as the client returns before the
// reconnect deadline it reattaches to the same session.
//
// The store also owns topic refcounting: a node subscribes with an origin at
// most once per topic no matter how many sessions want it, and unsubscribes
// when the last session lets go.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strandcdn/strand/lib/logger"
	"github.com/strandcdn/strand/lib/telemetry"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// State is the lifecycle state of a session.
type State int

const (
	Connecting    State = iota // client connected, handshake not yet forwarded
	HandshakeSent              // handshake forwarded to origin, awaiting verdict
	Active                     // duplex message flow
	Pausing                    // client gone, identity retained until deadline
	Terminated                 // identity released
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case HandshakeSent:
		return "HandshakeSent"
	case Active:
		return "Active"
	case Pausing:
		return "Pausing"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// TopicKey identifies a subscription target. Topics are scoped per origin.
type TopicKey struct {
	Origin string
	Topic  string
}

// BacklogMessage is one topic message retained for a paused session.
type BacklogMessage struct {
	Topic      string
	Payload    []byte
	EnqueuedAt time.Time
}

// Session is a read-only snapshot of a stored session.
type Session struct {
	ID                string
	ClientAddr        string
	AuthContext       string
	Context           []byte // opaque origin-provided handshake context
	State             State
	TunnelID          string // origin id whose tunnel carries this session
	ReconnectDeadline time.Time
	Subscriptions     []TopicKey
	BacklogLen        int
}

// session is the mutable record behind a snapshot.
type session struct {
	id                string
	clientAddr        string
	authContext       string
	context           []byte
	state             State
	tunnelID          string
	reconnectDeadline time.Time
	subscriptions     map[TopicKey]struct{}
	backlog           []BacklogMessage
}

func (s *session) snapshot() Session {
	subs := make([]TopicKey, 0, len(s.subscriptions))
	for k := range s.subscriptions {
		subs = append(subs, k)
	}

	return Session{
		ID:                s.id,
		ClientAddr:        s.clientAddr,
		AuthContext:       s.authContext,
		Context:           s.context,
		State:             s.state,
		TunnelID:          s.tunnelID,
		ReconnectDeadline: s.reconnectDeadline,
		Subscriptions:     subs,
		BacklogLen:        len(s.backlog),
	}
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store holds all sessions of one edge node.
//
// Thread-safety: all methods are safe for concurrent use. A single lock
// guards sessions and topic refcounts together so the "subscribe at most once
// per topic" invariant holds under concurrent joins and leaves.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	topics   map[TopicKey]map[string]struct{} // topic -> subscriber session ids

	now func() time.Time
	log zerolog.Logger
}

// NewStore creates an empty store. The clock is injectable for tests
// (nil = time.Now).
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}

	return &Store{
		sessions: make(map[string]*session),
		topics:   make(map[TopicKey]map[string]struct{}),
		now:      clock,
		log:      logger.Get("session"),
	}
}

// Run sweeps expired sessions at the given interval until the context is
// canceled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			terminated, released := s.SweepExpired(s.now())
			if len(terminated) > 0 {
				s.log.Info().
					Int("sessions", len(terminated)).
					Int("released_topics", len(released)).
					Msg("swept expired sessions")
			}
		}
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Create registers a new session in the Connecting state and returns its
// snapshot.
func (s *Store) Create(clientAddr, authContext string) Session {
	sess := &session{
		id:            uuid.NewString(),
		clientAddr:    clientAddr,
		authContext:   authContext,
		state:         Connecting,
		subscriptions: make(map[TopicKey]struct{}),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	snap := sess.snapshot()
	s.mu.Unlock()

	telemetry.SessionEvent("created")
	return snap
}

// Lookup returns a snapshot of the session with the given id.
func (s *Store) Lookup(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// MarkHandshakeSent transitions Connecting -> HandshakeSent.
func (s *Store) MarkHandshakeSent(id string) bool {
	return s.transition(id, HandshakeSent, Connecting)
}

// Activate transitions HandshakeSent -> Active.
func (s *Store) Activate(id string) bool {
	return s.transition(id, Active, HandshakeSent)
}

// Pause transitions Active -> Pausing and arms the reconnect deadline. While
// Pausing, topic messages are retained in the backlog and subscriptions stay
// refcounted.
func (s *Store) Pause(id string, window time.Duration) bool {
	s.mu.Lock()

	sess, ok := s.sessions[id]
	if !ok || sess.state != Active {
		state := Terminated
		if ok {
			state = sess.state
		}
		s.mu.Unlock()
		s.anomaly(id, state, Pausing)
		return false
	}

	sess.state = Pausing
	sess.reconnectDeadline = s.now().Add(window)
	s.mu.Unlock()

	telemetry.SessionEvent("paused")
	return true
}

// Resume transitions Pausing -> Active before the deadline and hands the
// caller the backlog in FIFO order. The backlog is cleared in the same step,
// so each message is returned exactly once.
func (s *Store) Resume(id string) ([]BacklogMessage, bool) {
	s.mu.Lock()

	sess, ok := s.sessions[id]
	if !ok || sess.state != Pausing {
		state := Terminated
		if ok {
			state = sess.state
		}
		s.mu.Unlock()
		s.anomaly(id, state, Active)
		return nil, false
	}

	if s.now().After(sess.reconnectDeadline) {
		// overdue but not swept yet: treat as expired
		released := s.terminateLocked(sess)
		s.mu.Unlock()
		s.log.Debug().Str("session", id).Int("released_topics", len(released)).
			Msg("resume after deadline, session terminated")
		telemetry.SessionEvent("expired")
		return nil, false
	}

	backlog := sess.backlog
	sess.backlog = nil
	sess.state = Active
	sess.reconnectDeadline = time.Time{}
	s.mu.Unlock()

	telemetry.SessionEvent("resumed")
	return backlog, true
}

// Terminate releases a session immediately and returns the topics whose
// refcount dropped to zero, so the caller can unsubscribe with the origin.
func (s *Store) Terminate(id string) []TopicKey {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	released := s.terminateLocked(sess)
	s.mu.Unlock()

	telemetry.SessionEvent("terminated")
	return released
}

// terminateLocked removes the session and drops its subscriptions. Caller
// holds s.mu.
func (s *Store) terminateLocked(sess *session) []TopicKey {
	var released []TopicKey
	for key := range sess.subscriptions {
		if s.dropSubscriberLocked(key, sess.id) {
			released = append(released, key)
		}
	}

	sess.state = Terminated
	sess.subscriptions = nil
	sess.backlog = nil
	delete(s.sessions, sess.id)
	return released
}

// SweepExpired terminates every Pausing session whose reconnect deadline has
// passed. It returns the terminated session ids and the topics released by
// them.
func (s *Store) SweepExpired(now time.Time) (terminated []string, released []TopicKey) {
	s.mu.Lock()

	for id, sess := range s.sessions {
		if sess.state != Pausing || !now.After(sess.reconnectDeadline) {
			continue
		}
		terminated = append(terminated, id)
		released = append(released, s.terminateLocked(sess)...)
	}
	s.mu.Unlock()

	for range terminated {
		telemetry.SessionEvent("expired")
	}
	return terminated, released
}

// transition performs a simple state change guarded by the set of allowed
// current states.
func (s *Store) transition(id string, to State, allowedFrom ...State) bool {
	s.mu.Lock()

	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		s.anomaly(id, Terminated, to)
		return false
	}

	for _, from := range allowedFrom {
		if sess.state == from {
			sess.state = to
			s.mu.Unlock()
			return true
		}
	}

	state := sess.state
	s.mu.Unlock()
	s.anomaly(id, state, to)
	return false
}

// anomaly logs an undefined transition. Undefined transitions never crash the
// node; they are dropped and surfaced here.
func (s *Store) anomaly(id string, from, to State) {
	s.log.Warn().
		Str("session", id).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("undefined session transition dropped")
}

// --------------------------------------------------------------------------
// Attachments
// --------------------------------------------------------------------------

// AttachTunnel records the origin tunnel carrying this session. The reference
// is by origin id, so a replaced tunnel connection needs no rebinding here.
func (s *Store) AttachTunnel(id, tunnelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.tunnelID = tunnelID
	return true
}

// SetContext stores the opaque origin-provided session context used for
// handshake replay.
func (s *Store) SetContext(id string, blob []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.context = blob
	return true
}

// SessionsOnTunnel returns the ids of all sessions carried by the given
// origin tunnel.
func (s *Store) SessionsOnTunnel(tunnelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, sess := range s.sessions {
		if sess.tunnelID == tunnelID {
			ids = append(ids, id)
		}
	}
	return ids
}

// --------------------------------------------------------------------------
// Subscriptions
// --------------------------------------------------------------------------

// Subscribe adds a topic to the session. The first return value reports
// whether this was the node's first subscriber for the topic, in which case
// the caller must subscribe with the origin.
func (s *Store) Subscribe(id string, key TopicKey) (first, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, found := s.sessions[id]
	if !found || sess.state == Terminated {
		return false, false
	}

	if _, already := sess.subscriptions[key]; already {
		return false, true
	}
	sess.subscriptions[key] = struct{}{}

	subs := s.topics[key]
	if subs == nil {
		subs = make(map[string]struct{})
		s.topics[key] = subs
	}
	subs[id] = struct{}{}

	return len(subs) == 1, true
}

// Unsubscribe removes a topic from the session. The first return value
// reports whether the node's last subscriber left, in which case the caller
// must unsubscribe with the origin.
func (s *Store) Unsubscribe(id string, key TopicKey) (last, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, found := s.sessions[id]
	if !found {
		return false, false
	}

	if _, had := sess.subscriptions[key]; !had {
		return false, true
	}
	delete(sess.subscriptions, key)

	return s.dropSubscriberLocked(key, id), true
}

// dropSubscriberLocked removes one subscriber from the topic refcount and
// reports whether it was the last one. Caller holds s.mu.
func (s *Store) dropSubscriberLocked(key TopicKey, id string) bool {
	subs, ok := s.topics[key]
	if !ok {
		return false
	}

	delete(subs, id)
	if len(subs) == 0 {
		delete(s.topics, key)
		return true
	}
	return false
}

// Subscribers returns the ids of all sessions subscribed to the topic.
func (s *Store) Subscribers(key TopicKey) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.topics[key]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	return ids
}

// SubscribedTopics returns all topics this node currently holds at least one
// subscriber for. Used for subscription replay after an origin reconnects.
func (s *Store) SubscribedTopics(origin string) []TopicKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []TopicKey
	for key := range s.topics {
		if key.Origin == origin {
			keys = append(keys, key)
		}
	}
	return keys
}

// --------------------------------------------------------------------------
// Backlog
// --------------------------------------------------------------------------

// EnqueueBacklog appends a topic message to a Pausing session's backlog.
// Messages for sessions in any other state are not retained here; live
// sessions receive them directly.
func (s *Store) EnqueueBacklog(id string, msg BacklogMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.state != Pausing {
		return false
	}

	sess.backlog = append(sess.backlog, msg)
	return true
}

// Count returns the number of live (non-terminated) sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
