// Package ws is the websocket transport adapter: it upgrades handshakes,
// decodes request frames into typed commands for the business modules and
// writes response/event frames back. No business rules live here.
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 25 * time.Second
	maxPayload     = 1 << 20
	sendBufferSize = 64
)

// frame is the single wire shape for requests, responses and server events.
type frame struct {
	Type    string          `json:"type"` // req, resp, event
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var errSendBufferFull = errors.New("send buffer full")

// Session wraps one websocket connection with a buffered send queue and a
// single writer goroutine, satisfying dispatch.Conn.
type Session struct {
	id     string
	userID string
	conn   *websocket.Conn
	logger *slog.Logger

	send chan frame
	done chan struct{}
	once sync.Once
}

func newSession(id, userID string, conn *websocket.Conn, logger *slog.Logger) *Session {
	return &Session{
		id:     id,
		userID: userID,
		conn:   conn,
		logger: logger,
		send:   make(chan frame, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Send enqueues an event frame. Fire-and-forget: when the peer cannot drain
// its queue the frame is dropped and the client reconciles via refetch.
func (s *Session) Send(event string, payload any) error {
	f := frame{Type: "event", Event: event, Payload: payload}
	select {
	case s.send <- f:
		return nil
	case <-s.done:
		return errors.New("session closed")
	default:
		return errSendBufferFull
	}
}

func (s *Session) respond(id string, payload any) {
	ok := true
	s.enqueue(frame{Type: "resp", ID: id, OK: &ok, Payload: payload})
}

func (s *Session) respondError(id, code, message string) {
	ok := false
	s.enqueue(frame{Type: "resp", ID: id, OK: &ok, Error: &frameError{Code: code, Message: message}})
}

func (s *Session) enqueue(f frame) {
	select {
	case s.send <- f:
	case <-s.done:
	default:
		s.logger.Warn("response dropped, send buffer full", "conn", s.id, "user_id", s.userID)
	}
}

// Close tears down the connection. Safe to call from any goroutine and more
// than once.
func (s *Session) Close(reason string) {
	s.once.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

// writeLoop owns every write to the underlying connection.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case f := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Debug("write failed", "conn", s.id, "error", err)
				s.Close("write error")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close("ping failed")
				return
			}
		}
	}
}
