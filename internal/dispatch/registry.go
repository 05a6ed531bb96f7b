package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

type regEntry struct {
	sess models.ConnectedSession
	conn Conn
}

// Registry maps user identity to the single live connection. A second
// registration for the same user evicts the first before completing, so at
// most one session per user exists at any instant.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*regEntry
	byConn map[string]string
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byUser: make(map[string]*regEntry),
		byConn: make(map[string]string),
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the registry's time source. Tests use it to drive the
// inactivity windows deterministically.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register binds conn as userID's live session and returns the session id
// plus the evicted prior connection, if any. The prior connection has been
// told it was replaced and closed; the caller still owns dropping it from
// any rooms it had joined.
func (r *Registry) Register(userID string, role models.Role, conn Conn) (string, Conn) {
	now := r.now()

	r.mu.Lock()
	var evicted Conn
	if prior, ok := r.byUser[userID]; ok {
		evicted = prior.conn
		delete(r.byConn, prior.conn.ID())
	}
	r.byUser[userID] = &regEntry{
		sess: models.ConnectedSession{
			UserID:       userID,
			ConnectionID: conn.ID(),
			Role:         role,
			Status:       models.SessionOnline,
			ConnectedAt:  now,
			LastActivity: now,
		},
		conn: conn,
	}
	r.byConn[conn.ID()] = userID
	total := len(r.byUser)
	r.mu.Unlock()

	if evicted != nil {
		_ = evicted.Send(models.EventSessionReplaced, map[string]string{"user_id": userID})
		evicted.Close("session replaced")
		r.logger.Info("session evicted by new registration", "user_id", userID, "old_conn", evicted.ID(), "new_conn", conn.ID())
	}
	observability.ConnectionsActive.Set(float64(total))
	return conn.ID(), evicted
}

// Lookup returns userID's live connection. Unknown users are not an error.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Online reports whether userID has a live session right now.
func (r *Registry) Online(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Session returns a copy of the session record for userID.
func (r *Registry) Session(userID string) (models.ConnectedSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[userID]
	if !ok {
		return models.ConnectedSession{}, false
	}
	return e.sess, true
}

// Unregister removes conn if it is still the current session for its user.
// A stale connection that was already evicted removes nothing.
func (r *Registry) Unregister(conn Conn) (string, bool) {
	r.mu.Lock()
	userID, ok := r.byConn[conn.ID()]
	if ok {
		delete(r.byConn, conn.ID())
		delete(r.byUser, userID)
	}
	total := len(r.byUser)
	r.mu.Unlock()

	observability.ConnectionsActive.Set(float64(total))
	return userID, ok
}

// Touch stamps activity for userID. An away session becomes online again;
// in_trip is preserved.
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[userID]
	if !ok {
		return
	}
	e.sess.LastActivity = r.now()
	if e.sess.Status == models.SessionAway {
		e.sess.Status = models.SessionOnline
	}
}

func (r *Registry) SetStatus(userID string, status models.SessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byUser[userID]; ok {
		e.sess.Status = status
	}
}

func (r *Registry) SetPosition(userID string, loc models.Coord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byUser[userID]; ok {
		pos := loc
		e.sess.LastPosition = &pos
		e.sess.LastActivity = r.now()
	}
}

// Snapshot copies every session record, for the reaper and admin stats.
func (r *Registry) Snapshot() []models.ConnectedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ConnectedSession, 0, len(r.byUser))
	for _, e := range r.byUser {
		out = append(out, e.sess)
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
