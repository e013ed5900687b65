package gwserver

import (
	"encoding/json"
	"net/http"

	"github.com/sessionhub/sessionhub/internal/errs"
	"github.com/sessionhub/sessionhub/internal/fanout"
	"github.com/sessionhub/sessionhub/internal/registry"
	"github.com/sessionhub/sessionhub/internal/wsconn"
)

// hostRegisterFrame is what an agent host sends immediately after
// connecting (spec §4.4).
type hostRegisterFrame struct {
	HostID        string                    `json:"hostId"`
	Hostname      string                    `json:"hostname"`
	ClientVersion string                    `json:"clientVersion"`
	Sessions      []registry.SessionSummary `json:"sessions"`
	BackendIDs    []string                  `json:"backendIds"`
	DefaultID     string                    `json:"defaultBackendId"`
}

// handleHostSocket upgrades an agent host's connection, authenticates it
// via its API key, registers it, and serves its RPCs/events until it
// disconnects.
func (s *Server) handleHostSocket(w http.ResponseWriter, r *http.Request) {
	apiKey := bearerFromRequest(r)
	userID, authErr := s.auth.AuthenticateHost(r.Context(), apiKey)
	if authErr != nil {
		errs.WriteHTTP(w, authErr)
		return
	}

	rawConn, err := s.hostUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("host websocket upgrade failed", "error", err)
		return
	}

	conn := wsconn.NewGorilla(newSocketID(), rawConn)
	s.metrics.IncWSConnections("host", 1)
	defer s.metrics.IncWSConnections("host", -1)

	host := &registry.Host{UserID: userID, Uplink: conn}

	conn.On("host:register", func(raw json.RawMessage) {
		var f hostRegisterFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Warn("invalid host:register frame", "error", err)
			return
		}
		host.HostID = f.HostID
		host.Hostname = f.Hostname
		host.Backends = f.BackendIDs
		host.DefaultBackend = f.DefaultID
		host.Sessions = make(map[string]registry.SessionSummary, len(f.Sessions))
		for _, sess := range f.Sessions {
			host.Sessions[sess.SessionID] = sess
		}
		s.registry.Register(host)
		s.logger.Info("host registered", "host_id", host.HostID, "user_id", userID)
	})

	conn.On("sessions:list", func(raw json.RawMessage) {
		var sessions []registry.SessionSummary
		if err := json.Unmarshal(raw, &sessions); err != nil {
			return
		}
		s.registry.UpdateSessions(host.HostID, sessions)
	})

	conn.On("sessions:changed", func(raw json.RawMessage) {
		var d registry.Delta
		if err := json.Unmarshal(raw, &d); err != nil {
			return
		}
		s.registry.ApplySessionsChanged(host.HostID, d)
	})

	conn.On("session:event", func(raw json.RawMessage) {
		var ev fanout.SessionEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		s.fanout.HandleSessionEvent(ev)
	})

	conn.On("session:attached", s.forwardToRoom(userID, "session:attached"))
	conn.On("session:detached", s.forwardToRoom(userID, "session:detached"))
	conn.On("permission:request", s.forwardToRoom(userID, "permission:request"))
	conn.On("permission:result", s.forwardToRoom(userID, "permission:result"))

	conn.On("rpc:response", func(raw json.RawMessage) {
		var resp struct {
			RequestID string          `json:"requestId"`
			Result    json.RawMessage `json:"result"`
			Error     *errs.Error     `json:"error"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return
		}
		s.router.HandleResponse(resp.RequestID, resp.Result, resp.Error)
	})

	if err := conn.ReadLoop(); err != nil {
		s.logger.Info("host disconnected", "host_id", host.HostID, "error", err)
	}
	s.registry.Unregister(conn.ID())
}

// forwardToRoom relays an opaque host-originated event straight through
// to the owning user's room, unchanged.
func (s *Server) forwardToRoom(userID, eventName string) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		s.rooms.Broadcast(userID, eventName, raw)
	}
}

func bearerFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
