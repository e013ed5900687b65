package gwserver

import (
	"net/http"

	"github.com/sessionhub/sessionhub/internal/errs"
	"github.com/sessionhub/sessionhub/internal/wsconn"
)

// handleClientSocket upgrades a web client's connection, authenticates it
// via the client gate, and joins it to its user's room until it
// disconnects (spec §4.8). The client socket is receive-only: every
// client-initiated action goes through the REST surface instead.
func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	userID, authErr := s.auth.AuthenticateClient(r.Context(), r.Header)
	if authErr != nil {
		errs.WriteHTTP(w, authErr)
		return
	}

	rawConn, err := s.clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}

	conn := wsconn.NewGorilla(newSocketID(), rawConn)
	s.rooms.Join(userID, conn)
	s.metrics.IncWSConnections("client", 1)
	defer func() {
		s.rooms.Leave(userID, conn.ID())
		s.metrics.IncWSConnections("client", -1)
	}()

	if err := conn.ReadLoop(); err != nil {
		s.logger.Debug("client disconnected", "user_id", userID, "error", err)
	}
}
