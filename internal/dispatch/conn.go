// Package dispatch owns the live-connection registry, room fan-out and
// notification routing. Business modules push events through it without
// knowing anything about the websocket transport.
package dispatch

// Conn is one live client connection. The websocket session implements it;
// tests substitute in-memory fakes.
type Conn interface {
	ID() string
	// Send enqueues one event frame. Fire-and-forget: an error means the
	// frame was not handed to the transport, not that the peer missed it.
	Send(event string, payload any) error
	// Close tears the connection down. Safe to call more than once.
	Close(reason string)
}

// Room naming scheme. Rooms are plain strings so new topics need no code.
const (
	RoomAdmin      = "admin"
	RoomModeration = "moderation"
)

func TripRoom(tripID string) string { return "trip:" + tripID }
func CityRoom(city string) string   { return "city:" + city }
func RoleRoom(role string) string   { return "role:" + role }
func UserRoom(userID string) string { return "user:" + userID }
