// Package trips owns the live trip sessions: the pending→active→completed
// lifecycle, driver position relays and the reservation workflow. All
// mutations on one trip run inside a per-trip critical section so concurrent
// events on the same trip cannot produce lost updates.
package trips

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/eta"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/locks"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/storage"
)

// Publisher exports telemetry for the analytics collaborator. Optional: a
// nil publisher disables export.
type Publisher interface {
	PublishPosition(models.PositionEvent) error
	PublishTripEvent(models.TripEvent) error
}

// ManagerOptions wires the manager's collaborators.
type ManagerOptions struct {
	Registry  *dispatch.Registry
	Rooms     *dispatch.Rooms
	Notifier  *dispatch.Notifier
	Geo       geo.Geo
	ETA       eta.Estimator
	Store     storage.Store
	Events    Publisher
	Logger    *slog.Logger
	Retention time.Duration
	Now       func() time.Time
}

type Manager struct {
	registry  *dispatch.Registry
	rooms     *dispatch.Rooms
	notifier  *dispatch.Notifier
	geo       geo.Geo
	eta       eta.Estimator
	store     storage.Store
	events    Publisher
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	trips    map[string]*models.TripSession
	resIndex map[string]string // reservation id → trip id
	locks    *locks.KeyMutex
}

func NewManager(o ManagerOptions) *Manager {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	return &Manager{
		registry:  o.Registry,
		rooms:     o.Rooms,
		notifier:  o.Notifier,
		geo:       o.Geo,
		eta:       o.ETA,
		store:     o.Store,
		events:    o.Events,
		logger:    o.Logger,
		retention: o.Retention,
		now:       o.Now,
		trips:     make(map[string]*models.TripSession),
		resIndex:  make(map[string]string),
		locks:     locks.NewKeyMutex(),
	}
}

// Create validates the trip request, registers the session as pending, joins
// the driver into the trip room and announces the trip to its origin city.
func (m *Manager) Create(ctx context.Context, driverID string, data models.TripData) (*models.TripSession, error) {
	if err := validateTripData(data); err != nil {
		return nil, err
	}

	now := m.now()
	t := &models.TripSession{
		ID:           uuid.NewString(),
		DriverID:     driverID,
		Status:       models.TripPending,
		Origin:       data.Origin,
		Destination:  data.Destination,
		OriginCity:   data.OriginCity,
		Departure:    data.Departure,
		Capacity:     data.Capacity,
		PricePerSeat: data.PricePerSeat,
		CreatedAt:    now,
	}

	m.mu.Lock()
	m.trips[t.ID] = t
	m.mu.Unlock()

	if conn, ok := m.registry.Lookup(driverID); ok {
		m.rooms.Join(dispatch.TripRoom(t.ID), conn)
	}
	m.rooms.Broadcast(dispatch.CityRoom(t.OriginCity), models.EventTripAvailable, models.TripAnnouncement{
		TripID:       t.ID,
		DriverID:     driverID,
		Origin:       t.Origin,
		Destination:  t.Destination,
		OriginCity:   t.OriginCity,
		Departure:    t.Departure,
		SeatsOpen:    t.Capacity,
		PricePerSeat: t.PricePerSeat,
	}, "")
	m.publishTripEvent(t, "trip_created")

	observability.TripsCreatedTotal.Inc()
	m.updateTripGauge()
	m.logger.Info("trip created", "trip_id", t.ID, "driver_id", driverID, "city", t.OriginCity, "capacity", t.Capacity)
	return t.Clone(), nil
}

// Start moves a pending trip to active and broadcasts the passenger manifest
// to the trip room.
func (m *Manager) Start(ctx context.Context, tripID, actorID string) (*models.TripSession, error) {
	unlock := m.locks.Lock(tripID)
	defer unlock()

	t, err := m.lookup(tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != actorID {
		return nil, models.NewError(models.CodeUnauthorized, "only the driver may start trip %s", tripID)
	}
	if t.Status != models.TripPending {
		return nil, models.NewError(models.CodeConflict, "cannot start trip in status %s", t.Status)
	}

	now := m.now()
	m.mutate(func() {
		t.Status = models.TripActive
		t.StartedAt = &now
	})
	m.registry.SetStatus(t.DriverID, models.SessionInTrip)

	snap := m.snapshot(t)
	m.rooms.Broadcast(dispatch.TripRoom(tripID), models.EventTripStarted, map[string]any{
		"trip_id":    tripID,
		"started_at": now,
		"passengers": snap.Passengers,
	}, "")
	m.publishTripEvent(snap, "trip_started")
	m.updateTripGauge()
	m.logger.Info("trip started", "trip_id", tripID, "passengers", len(snap.Passengers))
	return snap, nil
}

// ReportPosition updates the trip's live position, recomputes the heuristic
// ETA and relays the update to everyone in the trip room except the driver.
func (m *Manager) ReportPosition(ctx context.Context, tripID, actorID string, loc models.Coord, speedKph, headingDeg float64) (*models.PositionUpdate, error) {
	if !loc.Valid() || loc.Zero() {
		return nil, models.NewError(models.CodeValidation, "position out of range")
	}

	unlock := m.locks.Lock(tripID)
	defer unlock()

	t, err := m.lookup(tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != actorID {
		return nil, models.NewError(models.CodeUnauthorized, "only the driver reports positions for trip %s", tripID)
	}
	if t.Status != models.TripActive {
		return nil, models.NewError(models.CodeConflict, "cannot report position for trip in status %s", t.Status)
	}

	// clients without a compass omit heading; derive the course from the
	// previous fix
	if headingDeg == 0 {
		if prev := t.CurrentPosition; prev != nil && (prev.Lat != loc.Lat || prev.Lon != loc.Lon) {
			headingDeg = geo.Bearing(prev.Lat, prev.Lon, loc.Lat, loc.Lon)
		}
	}

	etaSec, err := m.eta.EstimateSeconds(loc, t.Destination)
	if err != nil {
		// approximate by design; a failed estimate keeps the last value
		m.logger.Warn("eta estimate failed", "trip_id", tripID, "error", err)
		etaSec = t.ETASeconds
	}
	now := m.now()
	m.mutate(func() {
		pos := loc
		t.CurrentPosition = &pos
		t.SpeedKph = speedKph
		t.HeadingDeg = headingDeg
		t.ETASeconds = etaSec
	})
	m.registry.SetPosition(actorID, loc)
	m.geo.Upsert(models.UserPosition{UserID: actorID, Role: models.RoleDriver, Loc: loc, Online: true})

	update := &models.PositionUpdate{
		TripID:     tripID,
		DriverID:   actorID,
		Loc:        loc,
		SpeedKph:   speedKph,
		HeadingDeg: headingDeg,
		ETASeconds: etaSec,
		At:         now,
	}
	exclude := ""
	if conn, ok := m.registry.Lookup(actorID); ok {
		exclude = conn.ID()
	}
	m.rooms.Broadcast(dispatch.TripRoom(tripID), models.EventPositionUpdate, update, exclude)

	if m.events != nil {
		ev := models.PositionEvent{TripID: tripID, DriverID: actorID, Loc: loc, SpeedKph: speedKph, HeadingDeg: headingDeg, At: now}
		if err := m.events.PublishPosition(ev); err != nil {
			m.logger.Warn("position export failed", "trip_id", tripID, "error", err)
		}
	}
	return update, nil
}

// ArriveAtPickup flags a passenger as awaiting boarding and notifies their
// personal room.
func (m *Manager) ArriveAtPickup(ctx context.Context, tripID, actorID, passengerID string) error {
	unlock := m.locks.Lock(tripID)
	defer unlock()

	t, err := m.lookup(tripID)
	if err != nil {
		return err
	}
	if t.DriverID != actorID {
		return models.NewError(models.CodeUnauthorized, "only the driver may signal arrival for trip %s", tripID)
	}
	idx := -1
	for i, p := range t.Passengers {
		if p.UserID == passengerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.NewError(models.CodeNotFound, "passenger %s is not on trip %s", passengerID, tripID)
	}

	m.mutate(func() {
		t.Passengers[idx].Status = models.PassengerAwaitingBoarding
	})
	m.rooms.Broadcast(dispatch.UserRoom(passengerID), models.EventDriverArrived, map[string]string{
		"trip_id":   tripID,
		"driver_id": actorID,
	}, "")
	m.logger.Info("driver at pickup", "trip_id", tripID, "passenger_id", passengerID)
	return nil
}

// Complete closes an active trip, snapshots it through the store and asks
// every participant for an evaluation.
func (m *Manager) Complete(ctx context.Context, tripID, actorID string) (*models.TripSession, error) {
	unlock := m.locks.Lock(tripID)
	defer unlock()

	t, err := m.lookup(tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != actorID {
		return nil, models.NewError(models.CodeUnauthorized, "only the driver may complete trip %s", tripID)
	}
	if t.Status != models.TripActive {
		return nil, models.NewError(models.CodeConflict, "cannot complete trip in status %s", t.Status)
	}

	now := m.now()
	m.mutate(func() {
		t.Status = models.TripCompleted
		t.EndedAt = &now
	})
	m.registry.SetStatus(t.DriverID, models.SessionOnline)
	m.geo.Remove(t.DriverID)

	snap := m.snapshot(t)
	var durationSec float64
	if snap.StartedAt != nil {
		durationSec = now.Sub(*snap.StartedAt).Seconds()
	}
	m.rooms.Broadcast(dispatch.TripRoom(tripID), models.EventTripCompleted, map[string]any{
		"trip_id":      tripID,
		"ended_at":     now,
		"duration_sec": durationSec,
	}, "")
	for _, userID := range snap.Participants() {
		m.rooms.Broadcast(dispatch.UserRoom(userID), models.EventEvaluationAsk, map[string]string{"trip_id": tripID}, "")
	}

	if err := m.store.SaveTripSnapshot(ctx, snap); err != nil {
		// the in-memory record stays authoritative until reaped
		m.logger.Warn("trip snapshot save failed", "trip_id", tripID, "error", err)
	}
	m.publishTripEvent(snap, "trip_completed")
	m.updateTripGauge()
	m.logger.Info("trip completed", "trip_id", tripID, "duration_sec", durationSec)
	return snap, nil
}

// Cancel aborts a pending or active trip and tells every passenger why.
func (m *Manager) Cancel(ctx context.Context, tripID, actorID, reason string) (*models.TripSession, error) {
	unlock := m.locks.Lock(tripID)
	defer unlock()

	t, err := m.lookup(tripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID != actorID {
		return nil, models.NewError(models.CodeUnauthorized, "only the driver may cancel trip %s", tripID)
	}
	if t.Status.Terminal() {
		return nil, models.NewError(models.CodeConflict, "cannot cancel trip in status %s", t.Status)
	}

	now := m.now()
	m.mutate(func() {
		t.Status = models.TripCancelled
		t.EndedAt = &now
	})
	m.registry.SetStatus(t.DriverID, models.SessionOnline)
	m.geo.Remove(t.DriverID)

	snap := m.snapshot(t)
	payload := map[string]string{"trip_id": tripID, "reason": reason}
	m.rooms.Broadcast(dispatch.TripRoom(tripID), models.EventTripCancelled, payload, "")
	for _, p := range snap.Passengers {
		m.rooms.Broadcast(dispatch.UserRoom(p.UserID), models.EventTripCancelled, payload, "")
	}
	if err := m.store.SaveTripSnapshot(ctx, snap); err != nil {
		m.logger.Warn("trip snapshot save failed", "trip_id", tripID, "error", err)
	}
	m.publishTripEvent(snap, "trip_cancelled")
	m.updateTripGauge()
	m.logger.Info("trip cancelled", "trip_id", tripID, "reason", reason)
	return snap, nil
}

// Get returns a copy of the live trip record for client reconciliation.
func (m *Manager) Get(tripID string) (*models.TripSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, models.NewError(models.CodeNotFound, "trip %s not found", tripID)
	}
	return t.Clone(), nil
}

// HandleDisconnect tells active trip rooms that a participant dropped. The
// trip itself is left running: a driver reconnect resumes it, and whether a
// prolonged absence cancels the trip is a product decision taken elsewhere.
func (m *Manager) HandleDisconnect(userID string) {
	m.mu.RLock()
	var affected []string
	for id, t := range m.trips {
		if t.Status != models.TripActive {
			continue
		}
		for _, p := range t.Participants() {
			if p == userID {
				affected = append(affected, id)
				break
			}
		}
	}
	m.mu.RUnlock()

	for _, tripID := range affected {
		m.rooms.Broadcast(dispatch.TripRoom(tripID), models.EventParticipantLost, map[string]string{
			"trip_id": tripID,
			"user_id": userID,
		}, "")
		m.logger.Info("participant disconnected mid-trip", "trip_id", tripID, "user_id", userID)
	}
}

// Reap evicts terminal trips past the retention window. Returns how many
// were removed.
func (m *Manager) Reap(now time.Time) int {
	m.mu.Lock()
	removed := 0
	for id, t := range m.trips {
		if !t.Status.Terminal() || t.EndedAt == nil {
			continue
		}
		if now.Sub(*t.EndedAt) < m.retention {
			continue
		}
		for _, r := range t.Reservations {
			delete(m.resIndex, r.ID)
		}
		delete(m.trips, id)
		removed++
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info("reaped terminal trips", "count", removed)
	}
	m.updateTripGauge()
	return removed
}

// Stats summarizes live trip state for the admin broadcast.
func (m *Manager) Stats() (active, pending, openSeats, pendingReservations int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		switch t.Status {
		case models.TripActive:
			active++
		case models.TripPending:
			pending++
			openSeats += t.SeatsRemaining()
		}
		for _, r := range t.Reservations {
			if r.Status == models.ReservationPending {
				pendingReservations++
			}
		}
	}
	return
}

func validateTripData(data models.TripData) error {
	switch {
	case data.Origin.Zero() || !data.Origin.Valid():
		return models.NewError(models.CodeInvalidTripData, "origin missing or out of range")
	case data.Destination.Zero() || !data.Destination.Valid():
		return models.NewError(models.CodeInvalidTripData, "destination missing or out of range")
	case data.OriginCity == "":
		return models.NewError(models.CodeInvalidTripData, "origin city required")
	case data.Departure.IsZero():
		return models.NewError(models.CodeInvalidTripData, "departure time required")
	case data.Capacity <= 0:
		return models.NewError(models.CodeInvalidTripData, "capacity must be positive")
	case data.PricePerSeat < 0:
		return models.NewError(models.CodeInvalidTripData, "price may not be negative")
	}
	return nil
}

// lookup returns the live record. Callers mutating it must hold the trip's
// key lock; field writes additionally go through mutate.
func (m *Manager) lookup(tripID string) (*models.TripSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[tripID]
	if !ok {
		return nil, models.NewError(models.CodeNotFound, "trip %s not found", tripID)
	}
	return t, nil
}

func (m *Manager) mutate(fn func()) {
	m.mu.Lock()
	fn()
	m.mu.Unlock()
}

func (m *Manager) snapshot(t *models.TripSession) *models.TripSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return t.Clone()
}

func (m *Manager) publishTripEvent(t *models.TripSession, typ string) {
	if m.events == nil {
		return
	}
	ev := models.TripEvent{TripID: t.ID, DriverID: t.DriverID, Type: typ, Status: t.Status, At: m.now()}
	if err := m.events.PublishTripEvent(ev); err != nil {
		m.logger.Warn("trip event export failed", "trip_id", t.ID, "type", typ, "error", err)
	}
}

func (m *Manager) updateTripGauge() {
	active, pending, _, _ := m.Stats()
	observability.TripsActive.Set(float64(active + pending))
}
