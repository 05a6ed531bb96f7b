package dispatch

import (
	"log/slog"
	"sync"

	"github.com/example/ride-realtime/internal/observability"
)

// Rooms is the topic-based membership manager. Membership is non-persistent:
// it lives only as long as the connection and is lost on disconnect. A
// broadcast reaches exactly the membership snapshot taken when it is issued.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn
	logger *slog.Logger
}

func NewRooms(logger *slog.Logger) *Rooms {
	return &Rooms{rooms: make(map[string]map[string]Conn), logger: logger}
}

func (r *Rooms) Join(roomID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]Conn)
		r.rooms[roomID] = room
	}
	room[conn.ID()] = conn
	observability.RoomsActive.Set(float64(len(r.rooms)))
}

func (r *Rooms) Leave(roomID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(room, conn.ID())
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
	observability.RoomsActive.Set(float64(len(r.rooms)))
}

// DropConn removes one connection from every room it joined, deleting rooms
// emptied in the process. Called on disconnect and on session eviction.
func (r *Rooms) DropConn(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := conn.ID()
	for roomID, room := range r.rooms {
		if _, ok := room[id]; !ok {
			continue
		}
		delete(room, id)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
	observability.RoomsActive.Set(float64(len(r.rooms)))
}

// Broadcast fans event out to the room's membership snapshot, skipping
// excludeConnID when set. Fire-and-forget: send errors are logged and do not
// stop the fan-out. Returns the number of connections targeted.
func (r *Rooms) Broadcast(roomID, event string, payload any, excludeConnID string) int {
	r.mu.RLock()
	room := r.rooms[roomID]
	targets := make([]Conn, 0, len(room))
	for id, c := range room {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			r.logger.Warn("broadcast send failed", "room", roomID, "event", event, "conn", c.ID(), "error", err)
		}
	}
	observability.BroadcastsTotal.Inc()
	return len(targets)
}

// MemberCount reports the current size of a room.
func (r *Rooms) MemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Members lists the connection IDs currently joined.
func (r *Rooms) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[roomID]))
	for id := range r.rooms[roomID] {
		out = append(out, id)
	}
	return out
}

// Counts returns the number of rooms and total memberships.
func (r *Rooms) Counts() (rooms, members int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, room := range r.rooms {
		members += len(room)
	}
	return len(r.rooms), members
}

// SweepEmpty deletes rooms left without members. Leave and DropConn already
// delete as they go; the reaper sweep catches anything that slipped through.
func (r *Rooms) SweepEmpty() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for roomID, room := range r.rooms {
		if len(room) == 0 {
			delete(r.rooms, roomID)
			n++
		}
	}
	observability.RoomsActive.Set(float64(len(r.rooms)))
	return n
}
