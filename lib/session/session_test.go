package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// activeSession creates a session and walks it to Active.
func activeSession(t *testing.T, store *Store) Session {
	t.Helper()

	sess := store.Create("203.0.113.10:52314", "token:abc")
	if !store.MarkHandshakeSent(sess.ID) {
		t.Fatal("Connecting -> HandshakeSent failed")
	}
	if !store.Activate(sess.ID) {
		t.Fatal("HandshakeSent -> Active failed")
	}
	return sess
}

func TestLifecycle(t *testing.T) {
	store := NewStore(nil)

	sess := store.Create("203.0.113.10:52314", "token:abc")
	got, ok := store.Lookup(sess.ID)
	if !ok || got.State != Connecting {
		t.Fatalf("expected Connecting session, got %+v (ok=%v)", got, ok)
	}

	store.MarkHandshakeSent(sess.ID)
	store.Activate(sess.ID)

	got, _ = store.Lookup(sess.ID)
	if got.State != Active {
		t.Fatalf("expected Active, got %s", got.State)
	}

	store.Terminate(sess.ID)
	if _, ok := store.Lookup(sess.ID); ok {
		t.Fatal("terminated session must not be findable")
	}
}

func TestInvalidTransitionIsNoOp(t *testing.T) {
	store := NewStore(nil)

	sess := store.Create("203.0.113.10:52314", "")

	// Activate without a handshake is undefined and must change nothing
	if store.Activate(sess.ID) {
		t.Fatal("Connecting -> Active must be rejected")
	}
	got, _ := store.Lookup(sess.ID)
	if got.State != Connecting {
		t.Fatalf("state must be unchanged, got %s", got.State)
	}

	// pausing a non-active session is undefined too
	if store.Pause(sess.ID, time.Minute) {
		t.Fatal("Connecting -> Pausing must be rejected")
	}

	// unknown ids never panic
	if store.Activate("no-such-session") {
		t.Fatal("transition on unknown session must fail")
	}
}

func TestResumeBeforeDeadlineKeepsIdentity(t *testing.T) {
	clock := newTestClock()
	store := NewStore(clock.Now)

	sess := activeSession(t, store)
	store.SetContext(sess.ID, []byte("origin-ctx"))
	store.Subscribe(sess.ID, TopicKey{Origin: "orig-1", Topic: "chat"})

	if !store.Pause(sess.ID, 30*time.Second) {
		t.Fatal("pause failed")
	}

	clock.Advance(30*time.Second - time.Millisecond)

	if _, ok := store.Resume(sess.ID); !ok {
		t.Fatal("resume just before the deadline must succeed")
	}

	got, _ := store.Lookup(sess.ID)
	if got.State != Active {
		t.Fatalf("expected Active after resume, got %s", got.State)
	}
	if string(got.Context) != "origin-ctx" {
		t.Fatal("session context must survive pause/resume")
	}
	if len(got.Subscriptions) != 1 {
		t.Fatal("subscriptions must survive pause/resume")
	}
}

func TestResumeAfterDeadlineTerminates(t *testing.T) {
	clock := newTestClock()
	store := NewStore(clock.Now)

	sess := activeSession(t, store)
	store.Subscribe(sess.ID, TopicKey{Origin: "orig-1", Topic: "chat"})
	store.Pause(sess.ID, 30*time.Second)

	clock.Advance(30*time.Second + time.Millisecond)

	if _, ok := store.Resume(sess.ID); ok {
		t.Fatal("resume past the deadline must fail")
	}
	if _, ok := store.Lookup(sess.ID); ok {
		t.Fatal("overdue session must be terminated on resume attempt")
	}
	if subs := store.Subscribers(TopicKey{Origin: "orig-1", Topic: "chat"}); len(subs) != 0 {
		t.Fatal("topic refcount must be released")
	}
}

func TestBacklogFIFOExactlyOnce(t *testing.T) {
	clock := newTestClock()
	store := NewStore(clock.Now)

	sess := activeSession(t, store)
	store.Pause(sess.ID, time.Minute)

	for i := 0; i < 3; i++ {
		ok := store.EnqueueBacklog(sess.ID, BacklogMessage{
			Topic:   "chat",
			Payload: []byte(fmt.Sprintf("msg-%d", i)),
		})
		if !ok {
			t.Fatalf("enqueue %d failed", i)
		}
	}

	backlog, ok := store.Resume(sess.ID)
	if !ok {
		t.Fatal("resume failed")
	}
	if len(backlog) != 3 {
		t.Fatalf("expected 3 backlog messages, got %d", len(backlog))
	}
	for i, msg := range backlog {
		if want := fmt.Sprintf("msg-%d", i); string(msg.Payload) != want {
			t.Fatalf("backlog out of order at %d: got %q, want %q", i, msg.Payload, want)
		}
	}

	// a second pause/resume cycle must not see the old messages again
	store.Pause(sess.ID, time.Minute)
	backlog, _ = store.Resume(sess.ID)
	if len(backlog) != 0 {
		t.Fatalf("backlog must be delivered exactly once, got %d again", len(backlog))
	}
}

func TestBacklogOnlyWhilePausing(t *testing.T) {
	store := NewStore(nil)

	sess := activeSession(t, store)
	if store.EnqueueBacklog(sess.ID, BacklogMessage{Topic: "chat"}) {
		t.Fatal("active sessions receive messages directly, not via backlog")
	}
}

func TestSubscriptionConsolidation(t *testing.T) {
	store := NewStore(nil)
	key := TopicKey{Origin: "orig-1", Topic: "scores"}

	var sessions []Session
	for i := 0; i < 3; i++ {
		sess := activeSession(t, store)
		sessions = append(sessions, sess)

		first, ok := store.Subscribe(sess.ID, key)
		if !ok {
			t.Fatalf("subscribe %d failed", i)
		}
		if (i == 0) != first {
			t.Fatalf("subscriber %d: first=%v", i, first)
		}
	}

	if got := len(store.Subscribers(key)); got != 3 {
		t.Fatalf("expected 3 subscribers, got %d", got)
	}

	// duplicate subscribe is idempotent
	if first, _ := store.Subscribe(sessions[0].ID, key); first {
		t.Fatal("duplicate subscribe must not report first")
	}

	for i, sess := range sessions {
		last, ok := store.Unsubscribe(sess.ID, key)
		if !ok {
			t.Fatalf("unsubscribe %d failed", i)
		}
		if (i == len(sessions)-1) != last {
			t.Fatalf("unsubscriber %d: last=%v", i, last)
		}
	}
}

func TestTerminateReleasesTopics(t *testing.T) {
	store := NewStore(nil)
	key := TopicKey{Origin: "orig-1", Topic: "chat"}

	a := activeSession(t, store)
	b := activeSession(t, store)
	store.Subscribe(a.ID, key)
	store.Subscribe(b.ID, key)

	if released := store.Terminate(a.ID); len(released) != 0 {
		t.Fatal("topic with remaining subscribers must not be released")
	}
	released := store.Terminate(b.ID)
	if len(released) != 1 || released[0] != key {
		t.Fatalf("expected release of %v, got %v", key, released)
	}
}

func TestSweepExpired(t *testing.T) {
	clock := newTestClock()
	store := NewStore(clock.Now)
	key := TopicKey{Origin: "orig-1", Topic: "chat"}

	paused := activeSession(t, store)
	store.Subscribe(paused.ID, key)
	store.Pause(paused.ID, 30*time.Second)

	fresh := activeSession(t, store)

	clock.Advance(time.Minute)

	terminated, released := store.SweepExpired(clock.Now())
	if len(terminated) != 1 || terminated[0] != paused.ID {
		t.Fatalf("expected sweep of %s, got %v", paused.ID, terminated)
	}
	if len(released) != 1 || released[0] != key {
		t.Fatalf("expected release of %v, got %v", key, released)
	}
	if _, ok := store.Lookup(fresh.ID); !ok {
		t.Fatal("active sessions must survive the sweep")
	}
}

func TestSessionsOnTunnel(t *testing.T) {
	store := NewStore(nil)

	a := activeSession(t, store)
	b := activeSession(t, store)
	c := activeSession(t, store)
	store.AttachTunnel(a.ID, "orig-1")
	store.AttachTunnel(b.ID, "orig-1")
	store.AttachTunnel(c.ID, "orig-2")

	ids := store.SessionsOnTunnel("orig-1")
	if len(ids) != 2 {
		t.Fatalf("expected 2 sessions on orig-1, got %d", len(ids))
	}
}
