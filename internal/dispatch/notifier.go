package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-realtime/internal/directory"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

// Notifier routes notifications: the personal room when the user is online,
// the push collaborator otherwise. Push failures are soft: logged and
// surfaced as DependencyError, never rolling back the state change that
// triggered the notification.
type Notifier struct {
	Registry    *Registry
	Rooms       *Rooms
	Geo         geo.Geo
	Directory   directory.Directory
	Push        PushNotifier
	Logger      *slog.Logger
	PushTimeout time.Duration

	// ProximityRadiusM bounds emergency fan-out when the caller gives no
	// radius. Zero falls back to 500m.
	ProximityRadiusM float64
}

func (n *Notifier) timeout() time.Duration {
	if n.PushTimeout > 0 {
		return n.PushTimeout
	}
	return 3 * time.Second
}

// NotifyUser delivers one notification to a single user.
func (n *Notifier) NotifyUser(ctx context.Context, userID string, note models.Notification) error {
	if n.Registry.Online(userID) {
		n.Rooms.Broadcast(UserRoom(userID), roomEvent(note), note, "")
		return nil
	}
	if !note.Emergency && !n.pushAllowed(ctx, userID, note.Kind) {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, n.timeout())
	defer cancel()
	res, err := n.Push.SendToUser(pctx, userID, note)
	if err != nil {
		observability.PushFailuresTotal.Inc()
		n.Logger.Warn("push delivery failed", "user_id", userID, "kind", note.Kind, "error", err)
		return models.WrapDependency(err, "push to %s", userID)
	}
	if !res.Success {
		observability.PushFailuresTotal.Inc()
		n.Logger.Warn("push gateway reported failure", "user_id", userID, "kind", note.Kind)
		return models.NewError(models.CodeDependency, "push to %s not delivered", userID)
	}
	return nil
}

// NotifyProximity fans a notification out to every online user within
// radiusMeters of center. Returns how many users were targeted.
func (n *Notifier) NotifyProximity(ctx context.Context, center models.Coord, radiusMeters float64, note models.Notification) int {
	nearby := n.Geo.Nearby(center.Lat, center.Lon, radiusMeters, 100)
	for _, p := range nearby {
		if err := n.NotifyUser(ctx, p.UserID, note); err != nil {
			// soft failure, already logged
			continue
		}
	}
	return len(nearby)
}

// NotifyEmergency alerts the trip room, the admin room and nearby drivers.
// Emergencies bypass notification preferences.
func (n *Notifier) NotifyEmergency(ctx context.Context, tripID, reporterID string, loc models.Coord, radiusMeters float64) {
	if radiusMeters <= 0 {
		radiusMeters = n.ProximityRadiusM
	}
	if radiusMeters <= 0 {
		radiusMeters = 500
	}
	note := models.Notification{
		Kind:      models.NotifyEmergency,
		Title:     "Emergency reported",
		Body:      "A participant reported an emergency on a live trip.",
		Emergency: true,
		Data: map[string]string{
			"trip_id":     tripID,
			"reporter_id": reporterID,
		},
	}
	n.Rooms.Broadcast(TripRoom(tripID), models.EventEmergencyAlert, note, "")
	n.Rooms.Broadcast(RoomAdmin, models.EventEmergencyAlert, note, "")
	if !loc.Zero() {
		n.NotifyProximity(ctx, loc, radiusMeters, note)
	}
	n.Logger.Warn("emergency alert dispatched", "trip_id", tripID, "reporter_id", reporterID)
}

// roomEvent tags the personal-room frame by notification kind so clients can
// route alerts without unwrapping the payload.
func roomEvent(note models.Notification) string {
	switch {
	case note.Emergency:
		return models.EventEmergencyAlert
	case note.Kind == models.NotifyProximity:
		return models.EventProximityAlert
	}
	return models.EventNotification
}

func (n *Notifier) pushAllowed(ctx context.Context, userID string, kind models.NotificationKind) bool {
	if n.Directory == nil {
		return true
	}
	u, err := n.Directory.GetUser(ctx, userID)
	if err != nil {
		// Preferences unavailable: deliver rather than silently drop.
		n.Logger.Warn("preference lookup failed, sending push anyway", "user_id", userID, "error", err)
		return true
	}
	if !u.Prefs.PushEnabled {
		return false
	}
	switch kind {
	case models.NotifyMessage:
		return u.Prefs.MessagePush
	case models.NotifyProximity:
		return u.Prefs.ProximityAlerts
	case models.NotifyTrip:
		return u.Prefs.TripStatusEvents
	}
	return true
}
