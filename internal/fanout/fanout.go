// Package fanout is the gateway-side Event Fan-out (spec §4.8): for each
// host-originated event it forwards to every client socket in the owning
// user's room, then echoes an acknowledgement back to the host.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/sessionhub/sessionhub/internal/registry"
	"github.com/sessionhub/sessionhub/internal/wsconn"
)

// Rooms is the gateway's index of connected client sockets per user,
// independent of the Client Registry's host index — a client socket
// belongs to a userId "room", not to any one host (spec §4.8 "room" =
// "the set of Client Registry sockets currently associated with a
// userId"; here read through a dedicated client-socket index since the
// Client Registry itself only tracks hosts, per spec §4.5).
type Rooms struct {
	mu     sync.RWMutex
	byUser map[string]map[string]wsconn.Conn

	logger *slog.Logger
}

// NewRooms constructs an empty room index.
func NewRooms(logger *slog.Logger) *Rooms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rooms{byUser: make(map[string]map[string]wsconn.Conn), logger: logger}
}

// Join adds conn to userID's room.
func (r *Rooms) Join(userID string, conn wsconn.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]wsconn.Conn)
	}
	r.byUser[userID][conn.ID()] = conn
}

// Leave removes the socket identified by socketID from userID's room.
func (r *Rooms) Leave(userID, socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sockets, ok := r.byUser[userID]; ok {
		delete(sockets, socketID)
		if len(sockets) == 0 {
			delete(r.byUser, userID)
		}
	}
}

// socketsFor returns a snapshot of userID's sockets, safe to range over
// without holding the lock during Emit.
func (r *Rooms) socketsFor(userID string) []wsconn.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sockets := r.byUser[userID]
	out := make([]wsconn.Conn, 0, len(sockets))
	for _, c := range sockets {
		out = append(out, c)
	}
	return out
}

// Broadcast emits eventName/payload to every socket in userID's room. A
// socket whose Emit fails is dropped from the room and disconnected; the
// gateway never retries a failed write to a client socket, relying on
// reconnect + replay instead (spec §5 "Backpressure").
func (r *Rooms) Broadcast(userID, eventName string, payload any) {
	for _, conn := range r.socketsFor(userID) {
		if err := conn.Emit(eventName, payload); err != nil {
			r.logger.Warn("client emit failed, dropping socket", "user", userID, "socket", conn.ID(), "event", eventName, "error", err)
			r.Leave(userID, conn.ID())
			conn.Disconnect()
		}
	}
}

// Fanout wires host-originated events to client rooms and echoes acks
// back to the originating host.
type Fanout struct {
	rooms *Rooms
	reg   *registry.Registry
}

// New constructs a Fanout against rooms and reg.
func New(rooms *Rooms, reg *registry.Registry) *Fanout {
	return &Fanout{rooms: rooms, reg: reg}
}

// SessionEvent is the {sessionId, hostId, revision, seq, kind, createdAt,
// payload} shape forwarded from a host's session:event frame (spec §6).
type SessionEvent struct {
	SessionID string          `json:"sessionId"`
	HostID    string          `json:"hostId"`
	Revision  int64           `json:"revision"`
	Seq       int64           `json:"seq"`
	Kind      string          `json:"kind"`
	CreatedAt string          `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// HandleSessionEvent forwards one host-originated event to the owning
// user's room, preserving the single-host wire order (spec §4.8
// "ordering is preserved within a single (hostId, sessionId, revision)
// because events traverse a single host socket in order"), then echoes
// an ack back over the same host socket.
func (f *Fanout) HandleSessionEvent(ev SessionEvent) {
	host, found := f.reg.HostOwningSession(ev.SessionID)
	if !found {
		return
	}
	f.rooms.Broadcast(host.UserID, "session:event", ev)

	ack := map[string]any{"sessionId": ev.SessionID, "revision": ev.Revision, "upToSeq": ev.Seq}
	_ = host.Uplink.Emit("events:ack", ack)
}
