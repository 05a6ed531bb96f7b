// Package presence watches connection activity and garbage-collects stale
// in-memory state. The reaper runs on a bounded interval, not strict real
// time: windows are enforced at the next sweep after they elapse.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/observability"
	"github.com/example/ride-realtime/internal/trips"
)

// ReaperOptions configures the sweep windows and collaborators.
type ReaperOptions struct {
	Registry *dispatch.Registry
	Rooms    *dispatch.Rooms
	Trips    *trips.Manager
	Logger   *slog.Logger

	WarnAfter time.Duration // inactivity before a warning, default 30m
	KickAfter time.Duration // inactivity before forced disconnect, default 45m
	Interval  time.Duration // sweep period, default 60s
	Now       func() time.Time
}

type Reaper struct {
	registry *dispatch.Registry
	rooms    *dispatch.Rooms
	trips    *trips.Manager
	logger   *slog.Logger

	warnAfter time.Duration
	kickAfter time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewReaper(o ReaperOptions) *Reaper {
	if o.WarnAfter <= 0 {
		o.WarnAfter = 30 * time.Minute
	}
	if o.KickAfter <= o.WarnAfter {
		o.KickAfter = 45 * time.Minute
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Reaper{
		registry:  o.Registry,
		rooms:     o.Rooms,
		trips:     o.Trips,
		logger:    o.Logger,
		warnAfter: o.WarnAfter,
		kickAfter: o.KickAfter,
		interval:  o.Interval,
		now:       o.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info("reaper running", "interval", r.interval, "warn_after", r.warnAfter, "kick_after", r.kickAfter)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep enforces the inactivity windows, evicts stale trips and empty rooms,
// and publishes aggregate stats to the admin room.
func (r *Reaper) Sweep() models.PresenceStats {
	started := r.now()

	warned, kicked := r.sweepSessions(started)
	reapedTrips := r.trips.Reap(started)
	sweptRooms := r.rooms.SweepEmpty()

	stats := r.stats(started)
	stats.SweepDurationMs = time.Since(started).Milliseconds()
	r.rooms.Broadcast(dispatch.RoomAdmin, models.EventPresenceStats, stats, "")

	if warned+kicked+reapedTrips+sweptRooms > 0 {
		r.logger.Info("sweep done",
			"warned", warned,
			"kicked", kicked,
			"trips_reaped", reapedTrips,
			"rooms_swept", sweptRooms,
		)
	}
	return stats
}

// Stats computes the aggregate snapshot without evicting anything, for the
// admin query endpoint.
func (r *Reaper) Stats() models.PresenceStats {
	return r.stats(r.now())
}

func (r *Reaper) sweepSessions(now time.Time) (warned, kicked int) {
	for _, sess := range r.registry.Snapshot() {
		idle := now.Sub(sess.LastActivity)
		switch {
		case idle >= r.kickAfter:
			conn, ok := r.registry.Lookup(sess.UserID)
			if !ok {
				continue
			}
			_ = conn.Send(models.EventSessionExpired, map[string]any{
				"idle_seconds": int64(idle.Seconds()),
			})
			r.registry.Unregister(conn)
			r.rooms.DropConn(conn)
			conn.Close("inactivity")
			r.trips.HandleDisconnect(sess.UserID)
			observability.ReaperEvictionsTotal.WithLabelValues("kicked").Inc()
			kicked++
			r.logger.Info("idle session kicked", "user_id", sess.UserID, "idle", idle)
		case idle >= r.warnAfter && sess.Status != models.SessionAway:
			if conn, ok := r.registry.Lookup(sess.UserID); ok {
				_ = conn.Send(models.EventInactivityWarn, map[string]any{
					"idle_seconds":  int64(idle.Seconds()),
					"kick_after_ms": r.kickAfter.Milliseconds(),
				})
			}
			r.registry.SetStatus(sess.UserID, models.SessionAway)
			observability.ReaperEvictionsTotal.WithLabelValues("warned").Inc()
			warned++
		}
	}
	return warned, kicked
}

func (r *Reaper) stats(now time.Time) models.PresenceStats {
	sessions := r.registry.Snapshot()
	byStatus := make(map[string]int)
	for _, sess := range sessions {
		byStatus[string(sess.Status)]++
	}
	roomCount, _ := r.rooms.Counts()
	active, pending, openSeats, pendingHolds := r.trips.Stats()
	return models.PresenceStats{
		Connections:  len(sessions),
		ByStatus:     byStatus,
		Rooms:        roomCount,
		ActiveTrips:  active,
		PendingTrips: pending,
		OpenSeats:    openSeats,
		PendingHolds: pendingHolds,
		GeneratedAt:  now,
	}
}
