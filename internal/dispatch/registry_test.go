package dispatch

import (
	"sync"
	"testing"

	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
)

// fakeConn records sent events for assertions across the dispatch tests.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []string
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeConn) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegisterEvictsPriorSession(t *testing.T) {
	r := NewRegistry(logging.Discard())
	first := newFakeConn("c1")
	second := newFakeConn("c2")

	if _, evicted := r.Register("u1", models.RolePassenger, first); evicted != nil {
		t.Fatalf("first registration should not evict, got %v", evicted.ID())
	}
	_, evicted := r.Register("u1", models.RolePassenger, second)
	if evicted == nil || evicted.ID() != "c1" {
		t.Fatalf("expected c1 evicted, got %v", evicted)
	}
	if !first.isClosed() {
		t.Fatal("evicted connection was not closed")
	}
	found := false
	for _, e := range first.sent() {
		if e == models.EventSessionReplaced {
			found = true
		}
	}
	if !found {
		t.Fatalf("evicted connection never told it was replaced: %v", first.sent())
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one session, got %d", r.Len())
	}
	if conn, ok := r.Lookup("u1"); !ok || conn.ID() != "c2" {
		t.Fatalf("lookup should return the new connection, got %v ok=%v", conn, ok)
	}
}

func TestLookupUnknownUser(t *testing.T) {
	r := NewRegistry(logging.Discard())
	if _, ok := r.Lookup("nobody"); ok {
		t.Fatal("lookup of unknown user must report not found")
	}
	if r.Online("nobody") {
		t.Fatal("unknown user cannot be online")
	}
}

func TestUnregisterIgnoresStaleConnection(t *testing.T) {
	r := NewRegistry(logging.Discard())
	first := newFakeConn("c1")
	second := newFakeConn("c2")
	r.Register("u1", models.RoleDriver, first)
	r.Register("u1", models.RoleDriver, second)

	// The evicted connection's deferred unregister must not tear down the
	// replacement session.
	if _, ok := r.Unregister(first); ok {
		t.Fatal("stale connection should not unregister anything")
	}
	if !r.Online("u1") {
		t.Fatal("current session was removed by a stale unregister")
	}
	if userID, ok := r.Unregister(second); !ok || userID != "u1" {
		t.Fatalf("expected unregister of current session, got %q ok=%v", userID, ok)
	}
	if r.Online("u1") {
		t.Fatal("user still online after unregister")
	}
}

func TestTouchRestoresAwaySession(t *testing.T) {
	r := NewRegistry(logging.Discard())
	r.Register("u1", models.RolePassenger, newFakeConn("c1"))
	r.SetStatus("u1", models.SessionAway)
	r.Touch("u1")
	sess, ok := r.Session("u1")
	if !ok || sess.Status != models.SessionOnline {
		t.Fatalf("expected away session restored to online, got %+v ok=%v", sess, ok)
	}

	r.SetStatus("u1", models.SessionInTrip)
	r.Touch("u1")
	if sess, _ := r.Session("u1"); sess.Status != models.SessionInTrip {
		t.Fatalf("touch must not clobber in_trip status, got %s", sess.Status)
	}
}

func TestSetPositionStampsActivity(t *testing.T) {
	r := NewRegistry(logging.Discard())
	r.Register("u1", models.RoleDriver, newFakeConn("c1"))
	before, _ := r.Session("u1")
	r.SetPosition("u1", models.Coord{Lat: 1, Lon: 2})
	after, _ := r.Session("u1")
	if after.LastPosition == nil || after.LastPosition.Lat != 1 {
		t.Fatalf("position not recorded: %+v", after.LastPosition)
	}
	if after.LastActivity.Before(before.LastActivity) {
		t.Fatal("position report should count as activity")
	}
}
