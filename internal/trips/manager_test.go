package trips

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/eta"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/logging"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/storage"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []string
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeConn) Close(reason string) {}

func (f *fakeConn) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeConn) received(event string) int {
	n := 0
	for _, e := range f.sent() {
		if e == event {
			n++
		}
	}
	return n
}

type nopPush struct{}

func (nopPush) SendToUser(ctx context.Context, userID string, n models.Notification) (models.PushResult, error) {
	return models.PushResult{Success: true}, nil
}

type testRig struct {
	manager  *Manager
	registry *dispatch.Registry
	rooms    *dispatch.Rooms
	store    *storage.MemoryStore
	now      time.Time
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := logging.Discard()
	registry := dispatch.NewRegistry(logger)
	rooms := dispatch.NewRooms(logger)
	idx := geo.NewIndex()
	notifier := &dispatch.Notifier{
		Registry: registry,
		Rooms:    rooms,
		Geo:      idx,
		Push:     nopPush{},
		Logger:   logger,
	}
	store := storage.NewMemoryStore()
	rig := &testRig{registry: registry, rooms: rooms, store: store, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rig.manager = NewManager(ManagerOptions{
		Registry:  registry,
		Rooms:     rooms,
		Notifier:  notifier,
		Geo:       idx,
		ETA:       &eta.Heuristic{SpeedMps: 10},
		Store:     store,
		Logger:    logger,
		Retention: time.Hour,
		Now:       func() time.Time { return rig.now },
	})
	return rig
}

func validTripData() models.TripData {
	return models.TripData{
		Origin:       models.Coord{Lat: 48.85, Lon: 2.35},
		Destination:  models.Coord{Lat: 45.76, Lon: 4.83},
		OriginCity:   "paris",
		Departure:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Capacity:     3,
		PricePerSeat: 25,
	}
}

// connect registers a user with a live fake connection joined to their
// personal room, the way the transport does at handshake.
func (r *testRig) connect(userID string, role models.Role) *fakeConn {
	conn := newFakeConn("conn-" + userID)
	r.registry.Register(userID, role, conn)
	r.rooms.Join(dispatch.UserRoom(userID), conn)
	return conn
}

func TestCreateValidatesTripData(t *testing.T) {
	rig := newTestRig(t)
	bad := []models.TripData{
		func() models.TripData { d := validTripData(); d.Origin = models.Coord{}; return d }(),
		func() models.TripData { d := validTripData(); d.Destination = models.Coord{Lat: 91}; return d }(),
		func() models.TripData { d := validTripData(); d.OriginCity = ""; return d }(),
		func() models.TripData { d := validTripData(); d.Departure = time.Time{}; return d }(),
		func() models.TripData { d := validTripData(); d.Capacity = 0; return d }(),
		func() models.TripData { d := validTripData(); d.PricePerSeat = -1; return d }(),
	}
	for i, data := range bad {
		if _, err := rig.manager.Create(context.Background(), "driver-1", data); !models.IsCode(err, models.CodeInvalidTripData) {
			t.Errorf("case %d: expected INVALID_TRIP_DATA, got %v", i, err)
		}
	}
}

func TestCreateAnnouncesToCityAndJoinsDriver(t *testing.T) {
	rig := newTestRig(t)
	driver := rig.connect("driver-1", models.RoleDriver)
	watcher := rig.connect("passenger-9", models.RolePassenger)
	rig.rooms.Join(dispatch.CityRoom("paris"), watcher)

	trip, err := rig.manager.Create(context.Background(), "driver-1", validTripData())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if trip.Status != models.TripPending {
		t.Fatalf("new trip must be pending, got %s", trip.Status)
	}
	if watcher.received(models.EventTripAvailable) != 1 {
		t.Fatalf("city room missed discovery broadcast: %v", watcher.sent())
	}
	if rig.rooms.MemberCount(dispatch.TripRoom(trip.ID)) != 1 {
		t.Fatal("driver was not auto-joined into the trip room")
	}
	_ = driver
}

func TestStartRequiresDriverAndPendingState(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("driver-1", models.RoleDriver)
	trip, err := rig.manager.Create(context.Background(), "driver-1", validTripData())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := rig.manager.Start(context.Background(), trip.ID, "passenger-2"); !models.IsCode(err, models.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED for non-driver, got %v", err)
	}
	if _, err := rig.manager.Start(context.Background(), "no-such-trip", "driver-1"); !models.IsCode(err, models.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	started, err := rig.manager.Start(context.Background(), trip.ID, "driver-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.Status != models.TripActive || started.StartedAt == nil {
		t.Fatalf("expected active trip with start stamp, got %+v", started)
	}
	if sess, _ := rig.registry.Session("driver-1"); sess.Status != models.SessionInTrip {
		t.Fatalf("driver presence should be in_trip, got %s", sess.Status)
	}

	if _, err := rig.manager.Start(context.Background(), trip.ID, "driver-1"); !models.IsCode(err, models.CodeConflict) {
		t.Fatalf("restarting an active trip must conflict, got %v", err)
	}
}

func TestCompleteRequiresActiveTrip(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("driver-1", models.RoleDriver)
	trip, _ := rig.manager.Create(context.Background(), "driver-1", validTripData())

	if _, err := rig.manager.Complete(context.Background(), trip.ID, "driver-1"); !models.IsCode(err, models.CodeConflict) {
		t.Fatalf("completing a pending trip must fail, got %v", err)
	}
	got, err := rig.manager.Get(trip.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.TripPending {
		t.Fatalf("failed transition must not move state, got %s", got.Status)
	}
}

func TestCompleteStampsDurationAndSnapshots(t *testing.T) {
	rig := newTestRig(t)
	driver := rig.connect("driver-1", models.RoleDriver)
	trip, _ := rig.manager.Create(context.Background(), "driver-1", validTripData())
	if _, err := rig.manager.Start(context.Background(), trip.ID, "driver-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rig.now = rig.now.Add(40 * time.Minute)
	done, err := rig.manager.Complete(context.Background(), trip.ID, "driver-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != models.TripCompleted || done.EndedAt == nil {
		t.Fatalf("expected completed trip with end stamp, got %+v", done)
	}
	if driver.received(models.EventTripCompleted) != 1 {
		t.Fatalf("trip room missed completion broadcast: %v", driver.sent())
	}
	if driver.received(models.EventEvaluationAsk) != 1 {
		t.Fatalf("driver missed evaluation request: %v", driver.sent())
	}
	if _, ok := rig.store.Snapshot(trip.ID); !ok {
		t.Fatal("completion did not snapshot the trip")
	}
}

func TestReportPositionOnlyWhileActive(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("driver-1", models.RoleDriver)
	trip, _ := rig.manager.Create(context.Background(), "driver-1", validTripData())
	loc := models.Coord{Lat: 48.8, Lon: 2.4}

	if _, err := rig.manager.ReportPosition(context.Background(), trip.ID, "driver-1", loc, 40, 180); !models.IsCode(err, models.CodeConflict) {
		t.Fatalf("position on pending trip must conflict, got %v", err)
	}

	rig.manager.Start(context.Background(), trip.ID, "driver-1")
	if _, err := rig.manager.ReportPosition(context.Background(), trip.ID, "someone-else", loc, 40, 180); !models.IsCode(err, models.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED for non-driver, got %v", err)
	}
	if _, err := rig.manager.ReportPosition(context.Background(), trip.ID, "driver-1", models.Coord{Lat: 99, Lon: 0}, 40, 180); !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("expected VALIDATION_FAILED for bad coords, got %v", err)
	}

	update, err := rig.manager.ReportPosition(context.Background(), trip.ID, "driver-1", loc, 40, 180)
	if err != nil {
		t.Fatalf("ReportPosition: %v", err)
	}
	if update.ETASeconds <= 0 {
		t.Fatalf("expected recomputed ETA, got %f", update.ETASeconds)
	}
	got, _ := rig.manager.Get(trip.ID)
	if got.CurrentPosition == nil || got.CurrentPosition.Lat != loc.Lat {
		t.Fatalf("position not recorded: %+v", got.CurrentPosition)
	}
}

func TestReportPositionExcludesDriverFromBroadcast(t *testing.T) {
	rig := newTestRig(t)
	driver := rig.connect("driver-1", models.RoleDriver)
	rider := rig.connect("passenger-2", models.RolePassenger)
	trip, _ := rig.manager.Create(context.Background(), "driver-1", validTripData())
	rig.rooms.Join(dispatch.TripRoom(trip.ID), rider)
	rig.manager.Start(context.Background(), trip.ID, "driver-1")

	if _, err := rig.manager.ReportPosition(context.Background(), trip.ID, "driver-1", models.Coord{Lat: 48.8, Lon: 2.4}, 30, 90); err != nil {
		t.Fatalf("ReportPosition: %v", err)
	}
	if driver.received(models.EventPositionUpdate) != 0 {
		t.Fatal("driver received its own position broadcast")
	}
	if rider.received(models.EventPositionUpdate) != 1 {
		t.Fatalf("rider missed position broadcast: %v", rider.sent())
	}
}

func TestReportPositionDerivesHeadingFromPreviousFix(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("driver-1", models.RoleDriver)
	trip, _ := rig.manager.Create(context.Background(), "driver-1", validTripData())
	rig.manager.Start(context.Background(), trip.ID, "driver-1")

	first, err := rig.manager.ReportPosition(context.Background(), trip.ID, "driver-1", models.Coord{Lat: 48.80, Lon: 2.40}, 30, 0)
	if err != nil {
		t.Fatalf("ReportPosition: %v", err)
	}
	if first.HeadingDeg != 0 {
		t.Fatalf("no previous fix, heading should stay 0, got %f", first.HeadingDeg)
	}

	// due east of the first fix
	second, err := rig.manager.ReportPosition(context.Background(), trip.ID, "driver-1", models.Coord{Lat: 48.80, Lon: 2.41}, 30, 0)
	if err != nil {
		t.Fatalf("ReportPosition: %v", err)
	}
	if second.HeadingDeg < 85 || second.HeadingDeg > 95 {
		t.Fatalf("expected roughly eastbound course, got %f", second.HeadingDeg)
	}

	// an explicit heading wins over the derived course
	third, err := rig.manager.ReportPosition(context.Background(), trip.ID, "driver-1", models.Coord{Lat: 48.80, Lon: 2.42}, 30, 215)
	if err != nil {
		t.Fatalf("ReportPosition: %v", err)
	}
	if third.HeadingDeg != 215 {
		t.Fatalf("client heading overridden: %f", third.HeadingDeg)
	}
}

func TestArriveAtPickupFlagsPassenger(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("driver-1", models.RoleDriver)
	passenger := rig.connect("passenger-2", models.RolePassenger)
	trip, _ := rig.manager.Create(context.Background(), "driver-1", validTripData())
	res, err := rig.manager.RequestReservation(context.Background(), trip.ID, "passenger-2", 1, models.Coord{Lat: 48.84, Lon: 2.36})
	if err != nil {
		t.Fatalf("RequestReservation: %v", err)
	}
	if _, err := rig.manager.AcceptReservation(context.Background(), res.ID, "driver-1"); err != nil {
		t.Fatalf("AcceptReservation: %v", err)
	}

	if err := rig.manager.ArriveAtPickup(context.Background(), trip.ID, "driver-1", "nobody"); !models.IsCode(err, models.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND for unknown passenger, got %v", err)
	}
	if err := rig.manager.ArriveAtPickup(context.Background(), trip.ID, "driver-1", "passenger-2"); err != nil {
		t.Fatalf("ArriveAtPickup: %v", err)
	}
	if passenger.received(models.EventDriverArrived) != 1 {
		t.Fatalf("passenger missed arrival event: %v", passenger.sent())
	}
	got, _ := rig.manager.Get(trip.ID)
	if got.Passengers[0].Status != models.PassengerAwaitingBoarding {
		t.Fatalf("expected awaiting_boarding, got %s", got.Passengers[0].Status)
	}
}

func TestCancelNotifiesPassengers(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("driver-1", models.RoleDriver)
	passenger := rig.connect("passenger-2", models.RolePassenger)
	trip, _ := rig.manager.Create(context.Background(), "driver-1", validTripData())
	res, _ := rig.manager.RequestReservation(context.Background(), trip.ID, "passenger-2", 1, models.Coord{Lat: 48.84, Lon: 2.36})
	rig.manager.AcceptReservation(context.Background(), res.ID, "driver-1")

	cancelled, err := rig.manager.Cancel(context.Background(), trip.ID, "driver-1", "vehicle breakdown")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != models.TripCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if passenger.received(models.EventTripCancelled) == 0 {
		t.Fatalf("passenger missed cancellation: %v", passenger.sent())
	}
	if _, err := rig.manager.Cancel(context.Background(), trip.ID, "driver-1", "again"); !models.IsCode(err, models.CodeConflict) {
		t.Fatalf("cancelling a terminal trip must conflict, got %v", err)
	}
}

func TestDriverDisconnectNotifiesButDoesNotCancel(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("driver-1", models.RoleDriver)
	rider := rig.connect("passenger-2", models.RolePassenger)
	trip, _ := rig.manager.Create(context.Background(), "driver-1", validTripData())
	rig.rooms.Join(dispatch.TripRoom(trip.ID), rider)
	rig.manager.Start(context.Background(), trip.ID, "driver-1")

	rig.manager.HandleDisconnect("driver-1")
	if rider.received(models.EventParticipantLost) != 1 {
		t.Fatalf("room missed disconnect notice: %v", rider.sent())
	}
	got, _ := rig.manager.Get(trip.ID)
	if got.Status != models.TripActive {
		t.Fatalf("driver disconnect must not cancel the trip, got %s", got.Status)
	}
}

func TestReapEvictsTerminalTripsAfterRetention(t *testing.T) {
	rig := newTestRig(t)
	rig.connect("driver-1", models.RoleDriver)
	trip, _ := rig.manager.Create(context.Background(), "driver-1", validTripData())
	rig.manager.Start(context.Background(), trip.ID, "driver-1")
	rig.manager.Complete(context.Background(), trip.ID, "driver-1")

	if removed := rig.manager.Reap(rig.now.Add(30 * time.Minute)); removed != 0 {
		t.Fatalf("trip inside retention window was reaped")
	}
	if removed := rig.manager.Reap(rig.now.Add(2 * time.Hour)); removed != 1 {
		t.Fatalf("expected 1 reaped trip, got %d", removed)
	}
	if _, err := rig.manager.Get(trip.ID); !models.IsCode(err, models.CodeNotFound) {
		t.Fatalf("reaped trip should be gone, got %v", err)
	}
}
