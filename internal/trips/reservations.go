package trips

import (
	"context"

	"github.com/google/uuid"

	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
)

// RequestReservation opens a pending seat hold on a trip that is still
// accepting passengers and notifies the driver's personal room.
func (m *Manager) RequestReservation(ctx context.Context, tripID, passengerID string, seats int, pickup models.Coord) (*models.Reservation, error) {
	if seats <= 0 {
		return nil, models.NewError(models.CodeValidation, "seats must be positive")
	}
	if !pickup.Valid() {
		return nil, models.NewError(models.CodeValidation, "pickup point out of range")
	}

	unlock := m.locks.Lock(tripID)
	defer unlock()

	t, err := m.lookup(tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != models.TripPending {
		return nil, models.NewError(models.CodeTripNotOpen, "trip %s is %s, not accepting reservations", tripID, t.Status)
	}
	if t.DriverID == passengerID {
		return nil, models.NewError(models.CodeValidation, "driver cannot reserve a seat on their own trip")
	}
	for _, r := range t.Reservations {
		if r.PassengerID == passengerID && r.Status != models.ReservationRejected {
			return nil, models.NewError(models.CodeConflict, "passenger %s already holds a reservation on trip %s", passengerID, tripID)
		}
	}
	if seats > t.SeatsRemaining() {
		return nil, models.NewError(models.CodeCapacity, "%d seats requested, %d remaining", seats, t.SeatsRemaining())
	}

	res := models.Reservation{
		ID:          uuid.NewString(),
		TripID:      tripID,
		PassengerID: passengerID,
		Seats:       seats,
		Pickup:      pickup,
		Status:      models.ReservationPending,
		CreatedAt:   m.now(),
	}
	m.mutate(func() {
		t.Reservations = append(t.Reservations, res)
		m.resIndex[res.ID] = tripID
	})

	m.rooms.Broadcast(dispatch.UserRoom(t.DriverID), models.EventReservationNew, res, "")
	observability.ReservationsTotal.WithLabelValues("requested").Inc()
	m.logger.Info("reservation requested", "trip_id", tripID, "reservation_id", res.ID, "passenger_id", passengerID, "seats", seats)
	return &res, nil
}

// AcceptReservation confirms a pending hold. Capacity is re-checked inside
// the trip's critical section so no interleaving of accepts can oversell.
func (m *Manager) AcceptReservation(ctx context.Context, reservationID, actorID string) (*models.Reservation, error) {
	tripID, err := m.tripFor(reservationID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(tripID)
	defer unlock()

	t, err := m.lookup(tripID)
	if err != nil {
		return nil, err
	}
	idx := reservationIdx(t, reservationID)
	if idx < 0 {
		return nil, models.NewError(models.CodeNotFound, "reservation %s not found", reservationID)
	}
	if t.DriverID != actorID {
		return nil, models.NewError(models.CodeUnauthorized, "only the driver decides reservations on trip %s", tripID)
	}
	if t.Reservations[idx].Status != models.ReservationPending {
		return nil, models.NewError(models.CodeAlreadyDecided, "reservation %s is already %s", reservationID, t.Reservations[idx].Status)
	}
	if t.Reservations[idx].Seats > t.SeatsRemaining() {
		return nil, models.NewError(models.CodeCapacity, "%d seats requested, %d remaining", t.Reservations[idx].Seats, t.SeatsRemaining())
	}

	now := m.now()
	var accepted models.Reservation
	m.mutate(func() {
		t.Reservations[idx].Status = models.ReservationAccepted
		t.Reservations[idx].DecisionAt = &now
		accepted = t.Reservations[idx]
		t.Passengers = append(t.Passengers, models.Passenger{
			UserID: accepted.PassengerID,
			Status: models.PassengerAccepted,
			Seats:  accepted.Seats,
		})
	})

	if conn, ok := m.registry.Lookup(accepted.PassengerID); ok {
		m.rooms.Join(dispatch.TripRoom(tripID), conn)
		m.rooms.Broadcast(dispatch.UserRoom(accepted.PassengerID), models.EventReservationOK, accepted, "")
	} else if err := m.notifier.NotifyUser(ctx, accepted.PassengerID, models.Notification{
		Kind:  models.NotifyTrip,
		Title: "Reservation accepted",
		Body:  "Your seat request was accepted.",
		Data:  map[string]string{"trip_id": tripID, "reservation_id": reservationID},
	}); err != nil {
		// push failure never rolls back the acceptance
		m.logger.Warn("acceptance push failed", "reservation_id", reservationID, "error", err)
	}

	observability.ReservationsTotal.WithLabelValues("accepted").Inc()
	m.logger.Info("reservation accepted", "trip_id", tripID, "reservation_id", reservationID, "passenger_id", accepted.PassengerID)
	return &accepted, nil
}

// RejectReservation declines a pending hold and tells the passenger why.
func (m *Manager) RejectReservation(ctx context.Context, reservationID, actorID, reason string) (*models.Reservation, error) {
	tripID, err := m.tripFor(reservationID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(tripID)
	defer unlock()

	t, err := m.lookup(tripID)
	if err != nil {
		return nil, err
	}
	idx := reservationIdx(t, reservationID)
	if idx < 0 {
		return nil, models.NewError(models.CodeNotFound, "reservation %s not found", reservationID)
	}
	if t.DriverID != actorID {
		return nil, models.NewError(models.CodeUnauthorized, "only the driver decides reservations on trip %s", tripID)
	}
	if t.Reservations[idx].Status != models.ReservationPending {
		return nil, models.NewError(models.CodeAlreadyDecided, "reservation %s is already %s", reservationID, t.Reservations[idx].Status)
	}

	now := m.now()
	var rejected models.Reservation
	m.mutate(func() {
		t.Reservations[idx].Status = models.ReservationRejected
		t.Reservations[idx].Reason = reason
		t.Reservations[idx].DecisionAt = &now
		rejected = t.Reservations[idx]
	})

	if m.registry.Online(rejected.PassengerID) {
		m.rooms.Broadcast(dispatch.UserRoom(rejected.PassengerID), models.EventReservationNo, rejected, "")
	} else if err := m.notifier.NotifyUser(ctx, rejected.PassengerID, models.Notification{
		Kind:  models.NotifyTrip,
		Title: "Reservation declined",
		Body:  reason,
		Data:  map[string]string{"trip_id": tripID, "reservation_id": reservationID},
	}); err != nil {
		m.logger.Warn("rejection push failed", "reservation_id", reservationID, "error", err)
	}

	observability.ReservationsTotal.WithLabelValues("rejected").Inc()
	m.logger.Info("reservation rejected", "trip_id", tripID, "reservation_id", reservationID, "reason", reason)
	return &rejected, nil
}

func (m *Manager) tripFor(reservationID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tripID, ok := m.resIndex[reservationID]
	if !ok {
		return "", models.NewError(models.CodeNotFound, "reservation %s not found", reservationID)
	}
	return tripID, nil
}

func reservationIdx(t *models.TripSession, reservationID string) int {
	for i, r := range t.Reservations {
		if r.ID == reservationID {
			return i
		}
	}
	return -1
}
