// ABOUTME: Websocket event stream for conversation subscriptions
// ABOUTME: Server-push only; one subscription per socket with ping keepalive

package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/dispatch"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long the socket may go without a pong before the
	// read loop gives up on it.
	pongWait = 60 * time.Second

	// pingInterval must be shorter than pongWait so a healthy client
	// always answers in time.
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream upgrades GET /api/conversations/{id}/stream to a websocket
// and pushes realtime events until the client disconnects or falls behind.
// A connection whose event queue overflows is closed with a try-again-later
// code; the client reconciles by fetching history from its last sequence
// and resubscribing.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, conversationID, userID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, err := s.directory.Authorize(r.Context(), conversationID, userID); err != nil {
		s.sendServiceError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response; just log and return.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	connectionID := uuid.New().String()
	conn := s.dispatcher.Subscribe(r.Context(), conversationID, connectionID)

	s.logger.Debug("stream opened",
		"conversation_id", conversationID,
		"user_id", userID,
		"connection_id", connectionID)

	defer func() {
		s.dispatcher.Unsubscribe(conversationID, connectionID)
		s.receipts.Flush(userID, conversationID)
		s.presence.StopTyping(conversationID, userID)
		ws.Close()
		s.logger.Debug("stream closed",
			"conversation_id", conversationID,
			"connection_id", connectionID)
	}()

	// The read loop only services control frames and disconnect detection;
	// all client actions go through the HTTP endpoints.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.writePump(ws, conn, readDone)
}

func (s *Server) writePump(ws *websocket.Conn, conn *dispatch.Connection, readDone <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-conn.Events():
			if !ok {
				// Dispatcher closed the queue: either shutdown or this
				// connection fell too far behind. Tell the client to come
				// back and resync.
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"),
					time.Now().Add(writeWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		}
	}
}
