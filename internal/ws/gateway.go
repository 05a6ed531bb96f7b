package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-realtime/internal/directory"
	"github.com/example/ride-realtime/internal/dispatch"
	"github.com/example/ride-realtime/internal/messaging"
	"github.com/example/ride-realtime/internal/models"
	"github.com/example/ride-realtime/internal/trips"
)

const handshakeTimeout = 3 * time.Second

// Gateway terminates websocket sessions and routes request frames to the
// business modules.
type Gateway struct {
	Registry  *dispatch.Registry
	Rooms     *dispatch.Rooms
	Notifier  *dispatch.Notifier
	Directory directory.Directory
	Trips     *trips.Manager
	Messaging *messaging.Service
	Logger    *slog.Logger

	upgrader websocket.Upgrader
}

func NewGateway(g Gateway) *Gateway {
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return &g
}

// client is one authenticated connection's view of the world.
type client struct {
	session *Session
	userID  string
	role    models.Role
}

// ServeHTTP performs the token-bearing handshake and runs the session until
// the peer disconnects. The token is verified before the upgrade; an
// unverifiable token never reaches the registry.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer cancel()
	userID, err := g.Directory.VerifyToken(ctx, token)
	if err != nil {
		if models.IsCode(err, models.CodeUnauthorized) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
		} else {
			http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		}
		return
	}
	role := models.RolePassenger
	if u, err := g.Directory.GetUser(ctx, userID); err == nil {
		role = u.Role
	}

	wsConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Warn("upgrade failed", "user_id", userID, "error", err)
		return
	}

	session := newSession(uuid.NewString(), userID, wsConn, g.Logger)
	_, evicted := g.Registry.Register(userID, role, session)
	if evicted != nil {
		g.Rooms.DropConn(evicted)
	}
	g.Rooms.Join(dispatch.UserRoom(userID), session)
	g.Rooms.Join(dispatch.RoleRoom(string(role)), session)
	if role == models.RoleAdmin {
		g.Rooms.Join(dispatch.RoomAdmin, session)
	}
	if role == models.RoleModerator || role == models.RoleAdmin {
		g.Rooms.Join(dispatch.RoomModeration, session)
	}
	args := []any{"user_id", userID, "role", role, "conn", session.ID()}
	if rid := r.Header.Get("X-Request-ID"); rid != "" {
		args = append(args, "request_id", rid)
	}
	g.Logger.Info("session connected", args...)

	go session.writeLoop()
	g.readLoop(&client{session: session, userID: userID, role: role})
}

func (g *Gateway) readLoop(c *client) {
	conn := c.session.conn
	conn.SetReadLimit(maxPayload)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		g.Registry.Touch(c.userID)
		return nil
	})

	defer g.teardown(c)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.Logger.Debug("read failed", "conn", c.session.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		g.Registry.Touch(c.userID)
		if f.Type != "req" || f.Method == "" {
			c.session.respondError(f.ID, string(models.CodeValidation), "expected a req frame with a method")
			continue
		}
		// each request runs on its own goroutine; ordering across requests
		// from one connection is not guaranteed
		go g.handle(c, f)
	}
}

func (g *Gateway) teardown(c *client) {
	c.session.Close("disconnect")
	if _, ok := g.Registry.Unregister(c.session); ok {
		g.Rooms.DropConn(c.session)
		g.Trips.HandleDisconnect(c.userID)
		g.Logger.Info("session disconnected", "user_id", c.userID, "conn", c.session.ID())
	} else {
		// already evicted by a replacement session; rooms were cleaned then
		g.Logger.Debug("stale session closed", "user_id", c.userID, "conn", c.session.ID())
	}
}

func (g *Gateway) handle(c *client, f frame) {
	defer func() {
		if rec := recover(); rec != nil {
			g.Logger.Error("handler panic", "method", f.Method, "error", rec)
			c.session.respondError(f.ID, "INTERNAL", "internal error")
		}
	}()

	ctx := context.Background()
	payload, err := g.dispatch(ctx, c, f.Method, f.Params)
	if err != nil {
		code := models.CodeOf(err)
		if code == "" {
			g.Logger.Error("handler error", "method", f.Method, "error", err)
			c.session.respondError(f.ID, "INTERNAL", "internal error")
			return
		}
		c.session.respondError(f.ID, string(code), err.Error())
		return
	}
	c.session.respond(f.ID, payload)
}

func (g *Gateway) dispatch(ctx context.Context, c *client, method string, params json.RawMessage) (any, error) {
	switch method {
	case "presence.ping":
		return map[string]any{"server_time": time.Now().UTC()}, nil

	case "room.join":
		var p roomParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := g.authorizeRoom(c, p.Room); err != nil {
			return nil, err
		}
		g.Rooms.Join(p.Room, c.session)
		return map[string]string{"room": p.Room}, nil

	case "room.leave":
		var p roomParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		g.Rooms.Leave(p.Room, c.session)
		return map[string]string{"room": p.Room}, nil

	case "trip.create":
		var p models.TripData
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Trips.Create(ctx, c.userID, p)

	case "trip.start":
		var p tripParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Trips.Start(ctx, p.TripID, c.userID)

	case "trip.position":
		var p positionParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Trips.ReportPosition(ctx, p.TripID, c.userID, p.Loc, p.SpeedKph, p.HeadingDeg)

	case "trip.arrive":
		var p arriveParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := g.Trips.ArriveAtPickup(ctx, p.TripID, c.userID, p.PassengerID); err != nil {
			return nil, err
		}
		return map[string]string{"trip_id": p.TripID, "passenger_id": p.PassengerID}, nil

	case "trip.complete":
		var p tripParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Trips.Complete(ctx, p.TripID, c.userID)

	case "trip.cancel":
		var p cancelParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Trips.Cancel(ctx, p.TripID, c.userID, p.Reason)

	case "reservation.request":
		var p reservationRequestParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Trips.RequestReservation(ctx, p.TripID, c.userID, p.Seats, p.Pickup)

	case "reservation.accept":
		var p reservationParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Trips.AcceptReservation(ctx, p.ReservationID, c.userID)

	case "reservation.reject":
		var p reservationRejectParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Trips.RejectReservation(ctx, p.ReservationID, c.userID, p.Reason)

	case "chat.send":
		var p chatSendParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Messaging.Send(ctx, c.userID, p.RecipientID, p.Body, p.Kind, p.TripID)

	case "chat.read":
		var p messageParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Messaging.MarkRead(ctx, p.MessageID, c.userID)

	case "chat.report":
		var p chatReportParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := g.Messaging.Report(ctx, p.MessageID, c.userID, p.ReasonCode); err != nil {
			return nil, err
		}
		return map[string]string{"message_id": p.MessageID}, nil

	case "chat.delete":
		var p messageParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := g.Messaging.SoftDelete(ctx, p.MessageID, c.userID); err != nil {
			return nil, err
		}
		return map[string]string{"message_id": p.MessageID}, nil

	case "chat.history":
		var p historyParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return g.Messaging.History(ctx, p.ConversationID, c.userID, models.Page{Limit: p.Limit, Offset: p.Offset})

	case "alert.emergency":
		var p emergencyParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		g.Notifier.NotifyEmergency(ctx, p.TripID, c.userID, p.Loc, p.RadiusMeters)
		return map[string]string{"trip_id": p.TripID}, nil
	}
	return nil, models.NewError(models.CodeValidation, "unknown method %s", method)
}

// authorizeRoom gatekeeps self-service joins: personal rooms belong to their
// user, admin and moderation rooms to privileged roles.
func (g *Gateway) authorizeRoom(c *client, room string) error {
	switch {
	case room == "":
		return models.NewError(models.CodeValidation, "room required")
	case room == dispatch.RoomAdmin:
		if c.role != models.RoleAdmin {
			return models.NewError(models.CodeUnauthorized, "admin room requires the admin role")
		}
	case room == dispatch.RoomModeration:
		if c.role != models.RoleModerator && c.role != models.RoleAdmin {
			return models.NewError(models.CodeUnauthorized, "moderation room requires the moderator role")
		}
	case strings.HasPrefix(room, "user:"):
		if room != dispatch.UserRoom(c.userID) {
			return models.NewError(models.CodeUnauthorized, "cannot join another user's personal room")
		}
	}
	return nil
}

func decode(params json.RawMessage, into any) error {
	if len(params) == 0 {
		return models.NewError(models.CodeValidation, "params required")
	}
	if err := json.Unmarshal(params, into); err != nil {
		return models.NewError(models.CodeValidation, "malformed params: %v", err)
	}
	return nil
}

type roomParams struct {
	Room string `json:"room"`
}

type tripParams struct {
	TripID string `json:"trip_id"`
}

type cancelParams struct {
	TripID string `json:"trip_id"`
	Reason string `json:"reason"`
}

type positionParams struct {
	TripID     string       `json:"trip_id"`
	Loc        models.Coord `json:"loc"`
	SpeedKph   float64      `json:"speed_kph"`
	HeadingDeg float64      `json:"heading_deg"`
}

type arriveParams struct {
	TripID      string `json:"trip_id"`
	PassengerID string `json:"passenger_id"`
}

type reservationRequestParams struct {
	TripID string       `json:"trip_id"`
	Seats  int          `json:"seats"`
	Pickup models.Coord `json:"pickup"`
}

type reservationParams struct {
	ReservationID string `json:"reservation_id"`
}

type reservationRejectParams struct {
	ReservationID string `json:"reservation_id"`
	Reason        string `json:"reason"`
}

type chatSendParams struct {
	RecipientID string             `json:"recipient_id"`
	Body        string             `json:"body"`
	Kind        models.MessageKind `json:"kind"`
	TripID      string             `json:"trip_id,omitempty"`
}

type messageParams struct {
	MessageID string `json:"message_id"`
}

type chatReportParams struct {
	MessageID  string `json:"message_id"`
	ReasonCode string `json:"reason_code"`
}

type historyParams struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
	Offset         int    `json:"offset"`
}

type emergencyParams struct {
	TripID       string       `json:"trip_id"`
	Loc          models.Coord `json:"loc"`
	RadiusMeters float64      `json:"radius_meters"`
}
