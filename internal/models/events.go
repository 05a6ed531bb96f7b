package models

import "time"

// Event names pushed to room subscribers. Delivery is fire-and-forget,
// at-least-once; clients reconcile through the trip refetch endpoint.
const (
	EventTripAvailable   = "trip_available"
	EventTripStarted     = "trip_started"
	EventTripCompleted   = "trip_completed"
	EventTripCancelled   = "trip_cancelled"
	EventPositionUpdate  = "position_update"
	EventDriverArrived   = "driver_arrived"
	EventEvaluationAsk   = "evaluation_request"
	EventParticipantLost = "participant_disconnected"
	EventReservationNew  = "reservation_requested"
	EventReservationOK   = "reservation_accepted"
	EventReservationNo   = "reservation_rejected"
	EventMessageNew      = "message_new"
	EventMessageRead     = "message_read"
	EventMessageDeleted  = "message_deleted"
	EventMessageFlagged  = "message_flagged"
	EventNotification    = "notification"
	EventProximityAlert  = "proximity_alert"
	EventEmergencyAlert  = "emergency_alert"
	EventInactivityWarn  = "inactivity_warning"
	EventSessionReplaced = "session_replaced"
	EventSessionExpired  = "session_expired"
	EventPresenceStats   = "presence_stats"
)

// TripAnnouncement is the discovery payload broadcast to a city room when a
// driver opens a trip.
type TripAnnouncement struct {
	TripID       string    `json:"trip_id"`
	DriverID     string    `json:"driver_id"`
	Origin       Coord     `json:"origin"`
	Destination  Coord     `json:"destination"`
	OriginCity   string    `json:"origin_city"`
	Departure    time.Time `json:"departure"`
	SeatsOpen    int       `json:"seats_open"`
	PricePerSeat float64   `json:"price_per_seat"`
}

// PositionUpdate mirrors the live location frame relayed to trip rooms.
type PositionUpdate struct {
	TripID     string    `json:"trip_id"`
	DriverID   string    `json:"driver_id"`
	Loc        Coord     `json:"loc"`
	SpeedKph   float64   `json:"speed_kph,omitempty"`
	HeadingDeg float64   `json:"heading_deg,omitempty"`
	ETASeconds float64   `json:"eta_seconds,omitempty"`
	At         time.Time `json:"at"`
}

// PositionEvent is the telemetry record exported to the positions topic and
// folded into the geo index by the consumer.
type PositionEvent struct {
	TripID     string    `json:"trip_id"`
	DriverID   string    `json:"driver_id"`
	Loc        Coord     `json:"loc"`
	SpeedKph   float64   `json:"speed_kph"`
	HeadingDeg float64   `json:"heading_deg"`
	At         time.Time `json:"at"`
}

// TripEvent is one lifecycle record exported to the events topic for the
// analytics collaborator.
type TripEvent struct {
	TripID   string     `json:"trip_id"`
	DriverID string     `json:"driver_id"`
	Type     string     `json:"type"`
	Status   TripStatus `json:"status"`
	At       time.Time  `json:"at"`
}
