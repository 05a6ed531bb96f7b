package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-realtime/internal/directory"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
)

type fakePush struct {
	sent []string
	err  error
}

func (f *fakePush) SendToUser(ctx context.Context, userID string, n models.Notification) (models.PushResult, error) {
	if f.err != nil {
		return models.PushResult{}, f.err
	}
	f.sent = append(f.sent, userID)
	return models.PushResult{Success: true, DeliveredCount: 1}, nil
}

func newTestNotifier(push PushNotifier, dir directory.Directory) (*Notifier, *Registry, *Rooms) {
	reg := NewRegistry(logging.Discard())
	rooms := NewRooms(logging.Discard())
	return &Notifier{
		Registry:  reg,
		Rooms:     rooms,
		Geo:       geo.NewIndex(),
		Directory: dir,
		Push:      push,
		Logger:    logging.Discard(),
	}, reg, rooms
}

func TestNotifyUserOnlineUsesRoomNotPush(t *testing.T) {
	push := &fakePush{}
	n, reg, rooms := newTestNotifier(push, nil)
	conn := newFakeConn("c1")
	reg.Register("u1", models.RolePassenger, conn)
	rooms.Join(UserRoom("u1"), conn)

	if err := n.NotifyUser(context.Background(), "u1", models.Notification{Kind: models.NotifyTrip}); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(push.sent) != 0 {
		t.Fatalf("online user should never be pushed, got %v", push.sent)
	}
	if len(conn.sent()) != 1 || conn.sent()[0] != models.EventNotification {
		t.Fatalf("expected one notification event, got %v", conn.sent())
	}
}

func TestNotifyUserOfflineFallsBackToPush(t *testing.T) {
	push := &fakePush{}
	n, _, _ := newTestNotifier(push, nil)
	if err := n.NotifyUser(context.Background(), "u-offline", models.Notification{Kind: models.NotifyMessage}); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(push.sent) != 1 || push.sent[0] != "u-offline" {
		t.Fatalf("expected push to offline user, got %v", push.sent)
	}
}

func TestNotifyUserRespectsPreferences(t *testing.T) {
	dir := directory.NewStaticDirectory()
	dir.Put(models.User{
		ID:    "muted",
		Role:  models.RolePassenger,
		Prefs: models.NotificationPrefs{PushEnabled: false},
	}, "")
	push := &fakePush{}
	n, _, _ := newTestNotifier(push, dir)

	if err := n.NotifyUser(context.Background(), "muted", models.Notification{Kind: models.NotifyMessage}); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(push.sent) != 0 {
		t.Fatalf("push disabled by prefs but sent anyway: %v", push.sent)
	}

	// Emergencies bypass preferences.
	if err := n.NotifyUser(context.Background(), "muted", models.Notification{Kind: models.NotifyEmergency, Emergency: true}); err != nil {
		t.Fatalf("NotifyUser emergency: %v", err)
	}
	if len(push.sent) != 1 {
		t.Fatalf("emergency push was suppressed: %v", push.sent)
	}
}

func TestNotifyUserPushFailureIsSoft(t *testing.T) {
	push := &fakePush{err: errors.New("gateway down")}
	n, _, _ := newTestNotifier(push, nil)
	err := n.NotifyUser(context.Background(), "u1", models.Notification{Kind: models.NotifyTrip})
	if !models.IsCode(err, models.CodeDependency) {
		t.Fatalf("expected DEPENDENCY_FAILED, got %v", err)
	}
}

func TestNotifyProximityTargetsNearbyOnly(t *testing.T) {
	push := &fakePush{}
	n, _, _ := newTestNotifier(push, nil)
	n.Geo.Upsert(models.UserPosition{UserID: "near", Loc: models.Coord{Lat: 0.001, Lon: 0}, Online: true})
	n.Geo.Upsert(models.UserPosition{UserID: "far", Loc: models.Coord{Lat: 5, Lon: 5}, Online: true})

	got := n.NotifyProximity(context.Background(), models.Coord{}, 1000, models.Notification{Kind: models.NotifyProximity})
	if got != 1 {
		t.Fatalf("expected 1 nearby target, got %d", got)
	}
	if len(push.sent) != 1 || push.sent[0] != "near" {
		t.Fatalf("expected push to `near` only, got %v", push.sent)
	}
}

func TestNotifyProximityTagsOnlineFrames(t *testing.T) {
	push := &fakePush{}
	n, reg, rooms := newTestNotifier(push, nil)
	conn := newFakeConn("c-near")
	reg.Register("near", models.RolePassenger, conn)
	rooms.Join(UserRoom("near"), conn)
	n.Geo.Upsert(models.UserPosition{UserID: "near", Loc: models.Coord{Lat: 0.001, Lon: 0}, Online: true})

	n.NotifyProximity(context.Background(), models.Coord{}, 1000, models.Notification{Kind: models.NotifyProximity})
	if len(conn.sent()) != 1 || conn.sent()[0] != models.EventProximityAlert {
		t.Fatalf("expected a proximity alert frame, got %v", conn.sent())
	}
	if len(push.sent) != 0 {
		t.Fatalf("online user should not be pushed, got %v", push.sent)
	}
}
