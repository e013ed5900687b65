package gwauth

import (
	"sync"
	"time"
)

// cachedSession is a local, TTL-bounded cache entry fronting an idp
// GetSession round-trip, keyed by the raw cookie value (grounded on the
// teacher's internal/auth/session.go LRU+TTL SessionManager idiom,
// repurposed here as a read-through cache rather than the system of
// record — the identity provider remains the source of truth).
type cachedSession struct {
	userID    string
	email     string
	expiresAt time.Time
}

// sessionCache avoids calling the identity provider on every request that
// carries the same session cookie.
type sessionCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	byKey map[string]cachedSession
	order []string
	max   int
}

func newSessionCache(ttl time.Duration, max int) *sessionCache {
	if max <= 0 {
		max = 1000
	}
	return &sessionCache{ttl: ttl, byKey: make(map[string]cachedSession), max: max}
}

func (c *sessionCache) get(key string) (cachedSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.byKey[key]
	if !ok {
		return cachedSession{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.byKey, key)
		return cachedSession{}, false
	}
	return entry, true
}

func (c *sessionCache) put(key, userID, email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byKey[key]; !exists {
		for len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.byKey, oldest)
		}
		c.order = append(c.order, key)
	}
	c.byKey[key] = cachedSession{userID: userID, email: email, expiresAt: time.Now().Add(c.ttl)}
}
