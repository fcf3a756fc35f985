package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pome-analysis/backend/internal/logging"
	"github.com/pome-analysis/backend/internal/models"
	"github.com/pome-analysis/backend/internal/session"
)

var wsLogger = logging.New("websocket")

// WebSocket message types for the session event stream
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeSnapshot = "snapshot"
	MsgTypeState    = "state"
	MsgTypeClosed   = "closed"
	MsgTypeError    = "error"
	MsgTypePong     = "pong"
)

const wsWriteTimeout = 10 * time.Second

// WSMessage is one frame of the event stream
type WSMessage struct {
	Type         string                  `json:"type"`
	Session      *models.SessionSnapshot `json:"session,omitempty"`
	Notification *models.Notification    `json:"notification,omitempty"`
	Message      string                  `json:"message,omitempty"`
	Code         string                  `json:"code,omitempty"`
	Timestamp    int64                   `json:"timestamp"`
}

// EventsHandlerImpl pushes session state changes over WebSocket
type EventsHandlerImpl struct {
	sessionMgr *session.Manager
	upgrader   websocket.Upgrader
}

// NewEventsHandler creates a new WebSocket events handler
func NewEventsHandler(sessionMgr *session.Manager) EventsHandler {
	return &EventsHandlerImpl{
		sessionMgr: sessionMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// wsConn serialises writes from the event loop and the reader goroutine
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) send(msg WSMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	msg.Timestamp = time.Now().UnixMilli()
	w.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.ws.WriteJSON(msg)
}

// HandleSessionEvents upgrades the connection and streams every state
// change of the session until it closes or the client disconnects
func (h *EventsHandlerImpl) HandleSessionEvents(c echo.Context) error {
	id := c.Param("id")
	s, ok := h.sessionMgr.Get(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	conn := &wsConn{ws: ws}
	events, stop := s.Subscribe()
	defer stop()

	wsLogger.Debugf("[WebSocket] Client connected to session %s", id)

	snap := s.Snapshot()
	if err := conn.send(WSMessage{Type: MsgTypeSnapshot, Session: &snap}); err != nil {
		return nil
	}

	readerDone := make(chan struct{})
	go h.readLoop(conn, s, readerDone)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.send(WSMessage{Type: MsgTypeClosed, Message: "session closed"})
				return nil
			}
			snap := ev.Snapshot
			if err := conn.send(WSMessage{Type: MsgTypeState, Session: &snap, Notification: ev.Notification}); err != nil {
				wsLogger.Warnf("[WebSocket] Failed to send message: %v", err)
				return nil
			}
		case <-readerDone:
			wsLogger.Debugf("[WebSocket] Client disconnected from session %s", id)
			return nil
		}
	}
}

// readLoop answers pings and keeps the session alive while the client is
// connected
func (h *EventsHandlerImpl) readLoop(conn *wsConn, s *session.Session, done chan struct{}) {
	defer close(done)

	for {
		var msg WSMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLogger.Warnf("[WebSocket] Connection error: %v", err)
			}
			return
		}

		switch msg.Type {
		case MsgTypePing:
			s.Touch()
			conn.send(WSMessage{Type: MsgTypePong})
		default:
			conn.send(WSMessage{Type: MsgTypeError, Message: "Unknown message type: " + msg.Type, Code: "INVALID_TYPE"})
		}
	}
}
