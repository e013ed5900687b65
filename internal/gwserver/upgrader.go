// Package gwserver is the gateway's HTTP/WebSocket surface: host and
// client socket upgrades, and the REST endpoints that turn a client
// request into a routed RPC (spec §4.6, §6).
package gwserver

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// newUpgrader builds a websocket.Upgrader whose origin check is the only
// defense against cross-site socket hijacking, since a websocket upgrade
// bypasses ordinary CORS (grounded on the teacher's internal/server
// createUpgrader/isOriginAllowed).
func newUpgrader(allowedOrigins []string, readBuf, writeBuf int, logger *slog.Logger) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  readBuf,
		WriteBufferSize: writeBuf,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if isOriginAllowed(origin, allowedOrigins) {
				return true
			}
			logger.Warn("websocket origin rejected", "origin", origin, "allowed", allowedOrigins)
			return false
		},
	}
}

func isOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if strings.Contains(a, "*") && matchWildcardOrigin(origin, a) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin matches "https://*.example.com" against
// "https://foo.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}
