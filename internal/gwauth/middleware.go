package gwauth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/sessionhub/sessionhub/internal/errs"
	"github.com/sessionhub/sessionhub/internal/idp"
)

// ctxKey is an unexported type for request-context values this package
// sets, per Go convention (avoids collisions with other packages' keys).
type ctxKey int

const userIDKey ctxKey = iota

// WithUserID returns a context carrying userID for downstream handlers.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID extracts the userId a gate attached to ctx, if any.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok
}

// Middleware implements both of spec §4.7's gates against one identity
// provider client.
type Middleware struct {
	idp      idp.Client
	jwt      *JWTValidator // validates client bearer tokens locally; nil disables the fast path
	sessions *sessionCache
	cookie   string
}

// Config wires a Middleware.
type Config struct {
	IDP           idp.Client
	JWT           *JWTValidator
	CookieName    string
	SessionTTL    time.Duration
	SessionCacheN int
}

// New constructs a Middleware.
func New(cfg Config) *Middleware {
	ttl := cfg.SessionTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	cookie := cfg.CookieName
	if cookie == "" {
		cookie = "session"
	}
	return &Middleware{
		idp:      cfg.IDP,
		jwt:      cfg.JWT,
		sessions: newSessionCache(ttl, cfg.SessionCacheN),
		cookie:   cookie,
	}
}

// AuthenticateHost validates an agent host's API key at connect time
// (spec §4.7 "Host gate"). On success it returns the owning userId.
func (m *Middleware) AuthenticateHost(ctx context.Context, apiKey string) (string, *errs.Error) {
	if apiKey == "" {
		return "", errs.New(errs.InvalidKey, errs.ScopeAuth, false, "api key required")
	}
	result, err := m.idp.VerifyAPIKey(ctx, apiKey)
	if err != nil {
		return "", errs.New(errs.InvalidKey, errs.ScopeAuth, true, "identity provider unavailable")
	}
	if !result.Valid {
		return "", errs.New(errs.InvalidKey, errs.ScopeAuth, false, "invalid api key")
	}
	return result.Key.UserID, nil
}

// AuthenticateClient validates a web client's bearer token or session
// cookie (spec §4.7 "Client gate"): bearer takes precedence when both are
// present; rejection, including the case where no credential is
// presented at all, is AUTH_REQUIRED.
func (m *Middleware) AuthenticateClient(ctx context.Context, headers http.Header) (string, *errs.Error) {
	if bearer := bearerToken(headers); bearer != "" {
		if m.jwt != nil {
			if userID, err := m.jwt.Validate(bearer); err == nil {
				return userID, nil
			}
		}
		// Fall through to the identity provider for tokens this gateway's
		// local JWKS cache can't yet verify (e.g. mid-rotation).
		su, err := m.idp.GetSession(ctx, headers)
		if err != nil {
			return "", errs.AuthMissing("invalid bearer token")
		}
		return su.User.ID, nil
	}

	cookie := cookieValue(headers, m.cookie)
	if cookie == "" {
		return "", errs.AuthMissing("no credential presented")
	}
	if cached, ok := m.sessions.get(cookie); ok {
		return cached.userID, nil
	}
	su, err := m.idp.GetSession(ctx, headers)
	if err != nil {
		return "", errs.AuthMissing("no active session")
	}
	m.sessions.put(cookie, su.User.ID, su.User.Email)
	return su.User.ID, nil
}

func bearerToken(headers http.Header) string {
	auth := headers.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func cookieValue(headers http.Header, name string) string {
	raw := headers.Get("Cookie")
	if raw == "" {
		return ""
	}
	req := http.Request{Header: http.Header{"Cookie": {raw}}}
	c, err := req.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// RequireClient is an HTTP middleware enforcing the client gate. On
// success it attaches the userId to the request context.
func (m *Middleware) RequireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, authErr := m.AuthenticateClient(r.Context(), r.Header)
		if authErr != nil {
			errs.WriteHTTP(w, authErr)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// OptionalClient is the same gate but never fails when no credential is
// present — it only attaches the userId if one resolves (spec §4.7
// "optional-auth endpoints").
func (m *Middleware) OptionalClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, authErr := m.AuthenticateClient(r.Context(), r.Header)
		if authErr == nil {
			r = r.WithContext(WithUserID(r.Context(), userID))
		}
		next.ServeHTTP(w, r)
	})
}
