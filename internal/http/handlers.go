package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-realtime/internal/config"
	"github.com/example/ride-realtime/internal/directory"
	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/eta"
	"github.com/example/ride-realtime/internal/geo"
	"github.com/example/ride-realtime/internal/ingest"
	"github.com/example/ride-realtime/internal/messaging"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/presence"
	"github.com/example/ride-realtime/internal/storage"
	"github.com/example/ride-realtime/internal/trips"
	"github.com/example/ride-realtime/internal/ws"
)

// Server assembles the realtime engine and exposes the websocket handshake
// plus the small REST surface (refetch, stats, health, metrics).
type Server struct {
	Registry  *dispatch.Registry
	Rooms     *dispatch.Rooms
	Notifier  *dispatch.Notifier
	Trips     *trips.Manager
	Messaging *messaging.Service
	Reaper    *presence.Reaper
	Gateway   *ws.Gateway
	Kafka     *ingest.KafkaProducer

	cfg    config.ServerConfig
	logger *slog.Logger
	mux    *mux.Router
}

// NewServerFromEnv wires the server from environment configuration with the
// usual fallbacks: redis geo → in-memory scan, postgres → in-memory store,
// push/directory endpoints → local stand-ins, kafka only when brokers are
// set.
func NewServerFromEnv(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("geo index: redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
		logger.Info("geo index: in-memory")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			store = ps
			logger.Info("store: postgres")
		} else {
			logger.Error("postgres unavailable, falling back to memory store", "error", err)
		}
	}
	if store == nil {
		store = storage.NewMemoryStore()
		logger.Info("store: in-memory")
	}

	var dir directory.Directory
	if cfg.DirectoryEndpoint != "" {
		dir = directory.NewHTTPDirectory(cfg.DirectoryEndpoint)
		logger.Info("directory: http", "endpoint", cfg.DirectoryEndpoint)
	} else {
		dir = directory.NewInsecureDirectory()
		logger.Warn("directory: insecure local mode, tokens are trusted as user ids")
	}

	var push dispatch.PushNotifier
	if cfg.PushEndpoint != "" {
		push = dispatch.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)
		logger.Info("push: http", "endpoint", cfg.PushEndpoint)
	} else {
		push = &dispatch.LogPush{Logger: logger}
		logger.Info("push: log only")
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPositionTopic, cfg.KafkaEventTopic)
		logger.Info("telemetry: kafka", "brokers", cfg.KafkaBrokers)
	}

	var etaClient eta.Client
	if cfg.OSRMEndpoint != "" {
		etaClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	estimator := &eta.Heuristic{
		SpeedMps: cfg.DefaultSpeedMps,
		Client:   etaClient,
		Cache:    eta.NewCache(cfg.EtaCacheTTL),
	}

	registry := dispatch.NewRegistry(logger)
	rooms := dispatch.NewRooms(logger)
	notifier := &dispatch.Notifier{
		Registry:         registry,
		Rooms:            rooms,
		Geo:              ggeo,
		Directory:        dir,
		Push:             push,
		Logger:           logger,
		ProximityRadiusM: cfg.ProximityRadiusM,
	}

	tripManager := trips.NewManager(trips.ManagerOptions{
		Registry:  registry,
		Rooms:     rooms,
		Notifier:  notifier,
		Geo:       ggeo,
		ETA:       estimator,
		Store:     store,
		Events:    kafkaOrNil(kp),
		Logger:    logger,
		Retention: cfg.TripRetention,
	})
	chat := messaging.NewService(messaging.ServiceOptions{
		Registry:            registry,
		Rooms:               rooms,
		Notifier:            notifier,
		Directory:           dir,
		Store:               store,
		Logger:              logger,
		ModerationThreshold: cfg.ModerationThreshold,
	})
	reaper := presence.NewReaper(presence.ReaperOptions{
		Registry:  registry,
		Rooms:     rooms,
		Trips:     tripManager,
		Logger:    logger,
		WarnAfter: cfg.InactivityWarn,
		KickAfter: cfg.InactivityKick,
		Interval:  cfg.ReapInterval,
	})
	gateway := ws.NewGateway(ws.Gateway{
		Registry:  registry,
		Rooms:     rooms,
		Notifier:  notifier,
		Directory: dir,
		Trips:     tripManager,
		Messaging: chat,
		Logger:    logger,
	})

	s := &Server{
		Registry:  registry,
		Rooms:     rooms,
		Notifier:  notifier,
		Trips:     tripManager,
		Messaging: chat,
		Reaper:    reaper,
		Gateway:   gateway,
		Kafka:     kp,
		cfg:       cfg,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// kafkaOrNil keeps a typed-nil producer from masquerading as a non-nil
// Publisher interface.
func kafkaOrNil(kp *ingest.KafkaProducer) trips.Publisher {
	if kp == nil {
		return nil
	}
	return kp
}

func (s *Server) routes() {
	s.mux.Handle("/ws", s.Gateway).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleTripGet).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/admin/stats", s.handleAdminStats).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleTripGet is the full-state refetch used by clients to reconcile after
// missed fire-and-forget broadcasts.
func (s *Server) handleTripGet(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	trip, err := s.Trips.Get(tripID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Reaper.Stats())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	var engineErr *models.Error
	status := http.StatusInternalServerError
	code := "INTERNAL"
	msg := "internal error"
	if errors.As(err, &engineErr) {
		code = string(engineErr.Code)
		msg = engineErr.Message
		switch engineErr.Code {
		case models.CodeNotFound:
			status = http.StatusNotFound
		case models.CodeUnauthorized:
			status = http.StatusForbidden
		case models.CodeValidation, models.CodeInvalidTripData:
			status = http.StatusBadRequest
		case models.CodeCapacity, models.CodeTripNotOpen, models.CodeAlreadyDecided, models.CodeAlreadyReported, models.CodeConflict:
			status = http.StatusConflict
		case models.CodeDependency:
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
