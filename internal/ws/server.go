package ws

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// maxFrameSize bounds a single client frame. Larger frames close the
// connection.
const maxFrameSize = 64 << 10

type Server struct {
	hub         *Hub
	messageRate int
	upgrader    *websocket.Upgrader
}

func NewServer(hub *Hub, messageRate int) *Server {
	return &Server{
		hub:         hub,
		messageRate: messageRate,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // identity is established by join, not by origin
			},
		},
	}
}

// HandleConnections upgrades the request and serves the session until the
// client goes away.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := NewConnection(s.hub, ws, s.messageRate)
	if err := conn.Handle(r.Context()); err != nil && !isNormalClose(err) {
		slog.Info("ws: connection closed", "remote", r.RemoteAddr, "error", err)
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
