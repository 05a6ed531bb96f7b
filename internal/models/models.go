package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Zero reports whether the coordinate is the unset origin value.
func (c Coord) Zero() bool { return c.Lat == 0 && c.Lon == 0 }

// Valid reports whether the coordinate is within WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

type SessionStatus string

const (
	SessionOnline SessionStatus = "online"
	SessionAway   SessionStatus = "away"
	SessionInTrip SessionStatus = "in_trip"
)

// ConnectedSession is the live-connection record for one user. Exactly one
// exists per user: a new handshake evicts the previous session.
type ConnectedSession struct {
	UserID       string        `json:"user_id"`
	ConnectionID string        `json:"connection_id"`
	Role         Role          `json:"role"`
	Status       SessionStatus `json:"status"`
	LastPosition *Coord        `json:"last_position,omitempty"`
	ConnectedAt  time.Time     `json:"connected_at"`
	LastActivity time.Time     `json:"last_activity"`
}

type TripStatus string

const (
	TripPending   TripStatus = "pending"
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s TripStatus) Terminal() bool { return s == TripCompleted || s == TripCancelled }

type PassengerStatus string

const (
	PassengerAccepted         PassengerStatus = "accepted"
	PassengerAwaitingBoarding PassengerStatus = "awaiting_boarding"
)

type Passenger struct {
	UserID string          `json:"user_id"`
	Status PassengerStatus `json:"status"`
	Seats  int             `json:"seats"`
}

// TripData is the driver-supplied payload for a trip-broadcast request.
type TripData struct {
	Origin       Coord     `json:"origin"`
	Destination  Coord     `json:"destination"`
	OriginCity   string    `json:"origin_city"`
	Departure    time.Time `json:"departure"`
	Capacity     int       `json:"capacity"`
	PricePerSeat float64   `json:"price_per_seat"`
}

// TripSession is the live in-memory record of one trip from creation until
// it is reaped after reaching a terminal state.
type TripSession struct {
	ID              string        `json:"id"`
	DriverID        string        `json:"driver_id"`
	Status          TripStatus    `json:"status"`
	Origin          Coord         `json:"origin"`
	Destination     Coord         `json:"destination"`
	OriginCity      string        `json:"origin_city"`
	Departure       time.Time     `json:"departure"`
	Capacity        int           `json:"capacity"`
	PricePerSeat    float64       `json:"price_per_seat"`
	Passengers      []Passenger   `json:"passengers"`
	Reservations    []Reservation `json:"reservations"`
	CurrentPosition *Coord        `json:"current_position,omitempty"`
	SpeedKph        float64       `json:"speed_kph,omitempty"`
	HeadingDeg      float64       `json:"heading_deg,omitempty"`
	ETASeconds      float64       `json:"eta_seconds,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

// SeatsAccepted sums the seats of all accepted reservations.
func (t *TripSession) SeatsAccepted() int {
	n := 0
	for _, r := range t.Reservations {
		if r.Status == ReservationAccepted {
			n += r.Seats
		}
	}
	return n
}

// SeatsRemaining is the capacity left for new acceptances.
func (t *TripSession) SeatsRemaining() int { return t.Capacity - t.SeatsAccepted() }

// Participants returns the driver plus every accepted passenger.
func (t *TripSession) Participants() []string {
	out := make([]string, 0, len(t.Passengers)+1)
	out = append(out, t.DriverID)
	for _, p := range t.Passengers {
		out = append(out, p.UserID)
	}
	return out
}

// Clone returns a deep copy safe to hand outside the owning manager.
func (t *TripSession) Clone() *TripSession {
	cp := *t
	cp.Passengers = append([]Passenger(nil), t.Passengers...)
	cp.Reservations = append([]Reservation(nil), t.Reservations...)
	if t.CurrentPosition != nil {
		pos := *t.CurrentPosition
		cp.CurrentPosition = &pos
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.EndedAt != nil {
		ts := *t.EndedAt
		cp.EndedAt = &ts
	}
	return &cp
}

type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationAccepted ReservationStatus = "accepted"
	ReservationRejected ReservationStatus = "rejected"
)

// Reservation is a passenger's seat request on a trip, decided only by that
// trip's driver. Status moves pending→accepted or pending→rejected, never back.
type Reservation struct {
	ID          string            `json:"id"`
	TripID      string            `json:"trip_id"`
	PassengerID string            `json:"passenger_id"`
	Seats       int               `json:"seats"`
	Pickup      Coord             `json:"pickup"`
	Status      ReservationStatus `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	DecisionAt  *time.Time        `json:"decision_at,omitempty"`
}

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationTrip   ConversationKind = "trip"
)

// Conversation groups messages between a user pair or a trip party. It is
// created lazily on the first message.
type Conversation struct {
	ID            string              `json:"id"`
	Kind          ConversationKind    `json:"kind"`
	TripID        string              `json:"trip_id,omitempty"`
	Participants  map[string]struct{} `json:"-"`
	LastMessageID string              `json:"last_message_id,omitempty"`
	UnreadCounts  map[string]int      `json:"unread_counts"`
	CreatedAt     time.Time           `json:"created_at"`
}

// ParticipantIDs returns the participant set as a slice.
func (c *Conversation) ParticipantIDs() []string {
	out := make([]string, 0, len(c.Participants))
	for id := range c.Participants {
		out = append(out, id)
	}
	return out
}

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// Rank orders statuses so monotonic advancement can be enforced.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	}
	return 0
}

type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageLocation MessageKind = "location"
	MessageSystem   MessageKind = "system"
)

type MessageReport struct {
	ReporterID string    `json:"reporter_id"`
	ReasonCode string    `json:"reason_code"`
	At         time.Time `json:"at"`
}

// Message is one append-only chat record. Status only advances and a soft
// delete sets Deleted rather than removing the row.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	RecipientID    string          `json:"recipient_id"`
	Body           string          `json:"body"`
	Kind           MessageKind     `json:"kind"`
	Status         MessageStatus   `json:"status"`
	Deleted        bool            `json:"deleted"`
	Reports        []MessageReport `json:"reports,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	ReadAt         *time.Time      `json:"read_at,omitempty"`
}

// Clone returns a copy safe to hand outside the owning service.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Reports = append([]MessageReport(nil), m.Reports...)
	if m.DeliveredAt != nil {
		ts := *m.DeliveredAt
		cp.DeliveredAt = &ts
	}
	if m.ReadAt != nil {
		ts := *m.ReadAt
		cp.ReadAt = &ts
	}
	return &cp
}

// User is the directory view of an account, owned by the external user service.
type User struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	Role        Role              `json:"role"`
	Prefs       NotificationPrefs `json:"notification_prefs"`
}

type NotificationPrefs struct {
	PushEnabled      bool `json:"push_enabled"`
	ProximityAlerts  bool `json:"proximity_alerts"`
	MessagePush      bool `json:"message_push"`
	TripStatusEvents bool `json:"trip_status_events"`
}

type NotificationKind string

const (
	NotifyMessage   NotificationKind = "message"
	NotifyTrip      NotificationKind = "trip"
	NotifyProximity NotificationKind = "proximity"
	NotifyEmergency NotificationKind = "emergency"
)

// Notification is the payload routed through the push collaborator for users
// without a live connection.
type Notification struct {
	Kind      NotificationKind  `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Emergency bool              `json:"emergency,omitempty"`
}

type PushResult struct {
	Success        bool `json:"success"`
	DeliveredCount int  `json:"delivered_count"`
}

// UserPosition is one geo-index entry, kept fresh by position reports.
type UserPosition struct {
	UserID  string    `json:"user_id"`
	Role    Role      `json:"role"`
	Loc     Coord     `json:"loc"`
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

// Page bounds a message-history fetch.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PresenceStats is the aggregate snapshot the reaper publishes to the admin
// room on every sweep.
type PresenceStats struct {
	Connections     int            `json:"connections"`
	ByStatus        map[string]int `json:"by_status"`
	Rooms           int            `json:"rooms"`
	ActiveTrips     int            `json:"active_trips"`
	PendingTrips    int            `json:"pending_trips"`
	OpenSeats       int            `json:"open_seats"`
	PendingHolds    int            `json:"pending_holds"`
	GeneratedAt     time.Time      `json:"generated_at"`
	SweepDurationMs int64          `json:"sweep_duration_ms"`
}
