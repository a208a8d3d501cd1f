package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aeolun/relay/pkg/logging"
	"github.com/aeolun/relay/pkg/wsconn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Non-browser clients send no Origin; accept all
		return true
	},
}

// HandleWebSocket upgrades an HTTP connection to WebSocket and runs it as a
// session. Binary messages carry the same length-prefixed frames as TCP.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str(logging.FieldRemoteAddr, r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	// Hijacked connections are not tracked by http.Server.Shutdown, so Stop
	// waits on them through the server's wait group
	if !s.trackConn() {
		ws.Close()
		return
	}
	defer s.wg.Done()

	s.handleConnection(wsconn.New(ws), "websocket")
}
