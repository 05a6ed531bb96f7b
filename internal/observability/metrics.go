package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_realtime", Name: "connections_active", Help: "Registered websocket sessions"})
	RoomsActive       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_realtime", Name: "rooms_active", Help: "Rooms with at least one subscriber"})
	TripsActive       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_realtime", Name: "trips_active", Help: "Trips in pending or active status"})

	TripsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_realtime", Name: "trips_created_total", Help: "Trips announced by drivers"})
	BroadcastsTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_realtime", Name: "broadcasts_total", Help: "Room broadcast fanouts performed"})

	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_realtime", Name: "reservations_total", Help: "Reservation decisions by outcome"},
		[]string{"status"},
	)
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_realtime", Name: "messages_total", Help: "Chat messages by delivery status"},
		[]string{"status"},
	)
	ReaperEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_realtime", Name: "reaper_evictions_total", Help: "Sessions warned or evicted by the presence reaper"},
		[]string{"kind"},
	)
	PushFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_realtime", Name: "push_failures_total", Help: "Push notifications that could not be handed to the gateway"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_realtime", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_realtime",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
