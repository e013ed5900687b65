package gwserver

import (
	"crypto/rand"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/sessionhub/sessionhub/internal/fanout"
	"github.com/sessionhub/sessionhub/internal/gwauth"
	"github.com/sessionhub/sessionhub/internal/registry"
	"github.com/sessionhub/sessionhub/internal/router"
	"github.com/sessionhub/sessionhub/internal/telemetry"
)

// Config wires a Server's collaborators.
type Config struct {
	Auth     *gwauth.Middleware
	Registry *registry.Registry
	Router   *router.Router
	Rooms    *fanout.Rooms
	Fanout   *fanout.Fanout
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger

	AllowedOrigins    []string
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Server is the gateway's HTTP surface.
type Server struct {
	auth     *gwauth.Middleware
	registry *registry.Registry
	router   *router.Router
	rooms    *fanout.Rooms
	fanout   *fanout.Fanout
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	allowedOrigins []string
	hostUpgrader   websocket.Upgrader
	clientUpgrader websocket.Upgrader

	hostOwners sync.Map // hostID -> userID, populated from the delta stream
}

// New constructs a Server and starts its registry-to-room delta bridge.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readBuf, writeBuf := cfg.WSReadBufferSize, cfg.WSWriteBufferSize
	if readBuf == 0 {
		readBuf = 1024
	}
	if writeBuf == 0 {
		writeBuf = 1024
	}

	s := &Server{
		auth:           cfg.Auth,
		registry:       cfg.Registry,
		router:         cfg.Router,
		rooms:          cfg.Rooms,
		fanout:         cfg.Fanout,
		metrics:        cfg.Metrics,
		logger:         logger,
		allowedOrigins: cfg.AllowedOrigins,
		hostUpgrader:   newUpgrader(cfg.AllowedOrigins, readBuf, writeBuf, logger),
		clientUpgrader: newUpgrader(cfg.AllowedOrigins, readBuf, writeBuf, logger),
	}
	go s.bridgeRegistryDeltas()
	go s.bridgeDetachedNotices()
	return s
}

// bridgeRegistryDeltas forwards every sessions:changed delta the registry
// produces (host-reported session changes, discovered sessions, host
// unregister) into the owning
// user's client room (spec §4.8), and remembers the hostId -> userId
// mapping for bridgeDetachedNotices, which only gets a bare hostId.
func (s *Server) bridgeRegistryDeltas() {
	for d := range s.registry.OnChanged() {
		s.hostOwners.Store(d.HostID, d.UserID)
		s.rooms.Broadcast(d.UserID, "sessions:changed", d)
	}
}

// bridgeDetachedNotices forwards the synthetic session:detached the
// registry raises for every session an abruptly-dropped host owned.
func (s *Server) bridgeDetachedNotices() {
	for n := range s.registry.OnDetached() {
		userID, ok := s.hostOwners.Load(n.HostID)
		if !ok {
			continue
		}
		s.rooms.Broadcast(userID.(string), "session:detached", n)
	}
}

// Routes builds the gateway's chi router: CORS-protected REST endpoints
// plus the two websocket upgrade paths.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOriginsForCORS(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/ws/host", s.handleHostSocket)
	r.Get("/ws/client", s.handleClientSocket)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.auth.RequireClient)
		v1.Get("/sessions", s.handleListSessions)
		v1.Post("/sessions", s.handleCreateSession)
		v1.Post("/sessions/{sessionId}/load", s.handleLoadSession)
		v1.Post("/sessions/{sessionId}/reload", s.handleReloadSession)
		v1.Post("/sessions/{sessionId}/cancel", s.handleCancelSession)
		v1.Delete("/sessions/{sessionId}", s.handleCloseSession)
		v1.Post("/sessions/{sessionId}/mode", s.handleSetMode)
		v1.Post("/sessions/{sessionId}/model", s.handleSetModel)
		v1.Post("/sessions/{sessionId}/messages", s.handleSendMessage)
		v1.Post("/sessions/{sessionId}/permissions/{requestId}", s.handlePermissionDecision)
		v1.Post("/sessions/{sessionId}/terminal/input", s.handleTerminalInput)
		v1.Post("/sessions/{sessionId}/terminal/resize", s.handleTerminalResize)

		v1.Get("/hosts/{hostId}/fs/entries", s.handleHostRPC("fs:entries"))
		v1.Get("/hosts/{hostId}/fs/file", s.handleFSFile)
		v1.Get("/hosts/{hostId}/fs/resources", s.handleFSResources)
		v1.Get("/hosts/{hostId}/hostfs/roots", s.handleHostRPC("hostfs:roots"))
		v1.Get("/hosts/{hostId}/git/status", s.handleHostRPC("git:status"))
		v1.Get("/hosts/{hostId}/git/fileDiff", s.handleGitFileDiff)
	})

	return r
}

func (s *Server) allowedOriginsForCORS() []string {
	if len(s.allowedOrigins) > 0 {
		return s.allowedOrigins
	}
	return []string{"*"}
}

var idGen = struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}{entropy: ulid.Monotonic(rand.Reader, 0)}

// newSocketID generates a fresh, sortable id for a websocket connection.
func newSocketID() string {
	idGen.mu.Lock()
	defer idGen.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), idGen.entropy)
	return id.String()
}
