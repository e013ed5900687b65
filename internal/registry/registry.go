// Package registry is the gateway-side Client Registry (spec §4.5): an
// in-memory index of currently connected hosts, keyed by host identity,
// with a secondary index by user; session ownership is found by scanning
// the connected hosts.
package registry

import (
	"sync"

	"github.com/sessionhub/sessionhub/internal/wsconn"
)

// SessionSummary mirrors the host's ground-truth view of one session that
// the registry tracks for routing and discovery (spec §3 "Session",
// trimmed to what the gateway needs).
type SessionSummary struct {
	SessionID  string
	BackendID  string
	Title      string
	Revision   int64
	IsAttached bool
	Discovered bool
}

// Host is the gateway's record of one connected agent host (spec §3
// "Host record").
type Host struct {
	HostID          string
	Hostname        string
	UserID          string
	Uplink          wsconn.Conn
	Backends        []string
	DefaultBackend  string
	Sessions        map[string]SessionSummary
}

// Delta is the {added, updated, removed} shape spec §4.5/§6 describes for
// sessions:changed.
type Delta struct {
	HostID  string
	UserID  string
	Added   []SessionSummary
	Updated []SessionSummary
	Removed []string
}

// DetachedNotice is the synthetic detach the registry emits for every
// session a host owned, on that host's unregister.
type DetachedNotice struct {
	HostID    string
	SessionID string
}

// Registry is a single struct guarded by one RWMutex holding the three
// indexes (spec §4.5 "Indexes"): by socket id, by hostId, by userId.
type Registry struct {
	mu sync.RWMutex

	bySocket map[string]*Host // socket id -> host
	byHostID map[string]*Host
	byUser   map[string]map[string]*Host // userId -> hostId -> host

	listenersMu sync.Mutex
	listeners   []chan Delta
	detachMu    sync.Mutex
	detachSubs  []chan DetachedNotice
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		bySocket: make(map[string]*Host),
		byHostID: make(map[string]*Host),
		byUser:   make(map[string]map[string]*Host),
	}
}

// OnChanged subscribes to sessions:changed deltas. The returned channel is
// buffered and drop-oldest on overflow (spec §9 "weak reader semantics")
// so a slow listener never blocks a registry mutation.
func (r *Registry) OnChanged() <-chan Delta {
	ch := make(chan Delta, 64)
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, ch)
	r.listenersMu.Unlock()
	return ch
}

func (r *Registry) emit(d Delta) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	for _, ch := range r.listeners {
		select {
		case ch <- d:
		default:
			// Drop-oldest: make room rather than block the registry.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- d:
			default:
			}
		}
	}
}

// OnDetached subscribes to the synthetic detach notices emitted on
// Unregister for every session the disconnecting host owned.
func (r *Registry) OnDetached() <-chan DetachedNotice {
	ch := make(chan DetachedNotice, 64)
	r.detachMu.Lock()
	r.detachSubs = append(r.detachSubs, ch)
	r.detachMu.Unlock()
	return ch
}

func (r *Registry) emitDetached(n DetachedNotice) {
	r.detachMu.Lock()
	defer r.detachMu.Unlock()
	for _, ch := range r.detachSubs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Register adds a host, or supersedes an already-known hostId: the old
// uplink is closed (spec §3 "Host record", "A new registration for an
// already-known hostId supersedes the previous record").
func (r *Registry) Register(h *Host) {
	r.mu.Lock()
	if old, ok := r.byHostID[h.HostID]; ok && old.Uplink != nil {
		old.Uplink.Disconnect()
		r.removeLocked(old)
	}
	if h.Sessions == nil {
		h.Sessions = make(map[string]SessionSummary)
	}
	r.bySocket[h.Uplink.ID()] = h
	r.byHostID[h.HostID] = h
	if r.byUser[h.UserID] == nil {
		r.byUser[h.UserID] = make(map[string]*Host)
	}
	r.byUser[h.UserID][h.HostID] = h
	r.mu.Unlock()
}

// removeLocked deletes h from every index. Caller holds r.mu.
func (r *Registry) removeLocked(h *Host) {
	delete(r.bySocket, h.Uplink.ID())
	delete(r.byHostID, h.HostID)
	if users, ok := r.byUser[h.UserID]; ok {
		delete(users, h.HostID)
		if len(users) == 0 {
			delete(r.byUser, h.UserID)
		}
	}
}

// Unregister removes the host owning socketID, if any, and emits a
// synthetic detached notice for each session it owned plus a removed
// sessions:changed delta.
func (r *Registry) Unregister(socketID string) {
	r.mu.Lock()
	h, ok := r.bySocket[socketID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(h)
	sessionIDs := make([]string, 0, len(h.Sessions))
	for id := range h.Sessions {
		sessionIDs = append(sessionIDs, id)
	}
	r.mu.Unlock()

	for _, id := range sessionIDs {
		r.emitDetached(DetachedNotice{HostID: h.HostID, SessionID: id})
	}
	if len(sessionIDs) > 0 {
		r.emit(Delta{HostID: h.HostID, UserID: h.UserID, Removed: sessionIDs})
	}
}

// UpdateSessions replaces the full session list for hostId with a
// ground-truth snapshot (the uplink's 30s heartbeat, spec §4.4).
func (r *Registry) UpdateSessions(hostID string, sessions []SessionSummary) {
	r.mu.Lock()
	h, ok := r.byHostID[hostID]
	if !ok {
		r.mu.Unlock()
		return
	}
	next := make(map[string]SessionSummary, len(sessions))
	for _, s := range sessions {
		next[s.SessionID] = s
	}
	h.Sessions = next
	userID := h.UserID
	r.mu.Unlock()
	_ = userID
}

// ApplySessionsChanged folds a host-originated sessions:changed delta into
// the registry's view of that host's sessions and re-broadcasts it
// gateway-internally.
func (r *Registry) ApplySessionsChanged(hostID string, d Delta) {
	r.mu.Lock()
	h, ok := r.byHostID[hostID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for _, s := range d.Added {
		h.Sessions[s.SessionID] = s
	}
	for _, s := range d.Updated {
		h.Sessions[s.SessionID] = s
	}
	for _, id := range d.Removed {
		delete(h.Sessions, id)
	}
	userID := h.UserID
	r.mu.Unlock()

	d.HostID = hostID
	d.UserID = userID
	r.emit(d)
}

// AddDiscovered merges historical sessions the host surfaces into the
// registry's view. Only newly-added sessions are reported as `added`; if
// an already-known discovered session's metadata changes, it is reported
// as `updated` instead (spec §4.5 "Deltas").
func (r *Registry) AddDiscovered(hostID string, sessions []SessionSummary) Delta {
	r.mu.Lock()
	h, ok := r.byHostID[hostID]
	if !ok {
		r.mu.Unlock()
		return Delta{}
	}
	var added, updated []SessionSummary
	for _, s := range sessions {
		s.Discovered = true
		existing, known := h.Sessions[s.SessionID]
		switch {
		case !known:
			added = append(added, s)
		case existing.BackendID != s.BackendID || existing.Title != s.Title:
			updated = append(updated, s)
		}
		h.Sessions[s.SessionID] = s
	}
	userID := h.UserID
	r.mu.Unlock()

	d := Delta{HostID: hostID, UserID: userID, Added: added, Updated: updated}
	if len(added) > 0 || len(updated) > 0 {
		r.emit(d)
	}
	return d
}

// ListSessionsForUser returns every session summary across every host
// belonging to userID.
func (r *Registry) ListSessionsForUser(userID string) []SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []SessionSummary
	for _, h := range r.byUser[userID] {
		for _, s := range h.Sessions {
			out = append(out, s)
		}
	}
	return out
}

// LookupHostForUser returns the host record for hostID, but only if it
// belongs to userID — callers use this to enforce ownership before
// routing (spec §4.6).
func (r *Registry) LookupHostForUser(userID, hostID string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users, ok := r.byUser[userID]
	if !ok {
		return nil, false
	}
	h, ok := users[hostID]
	return h, ok
}

// FirstHostForUser returns any one connected host owned by userID, used
// when a host-scoped call doesn't name a hostId (spec §4.6).
func (r *Registry) FirstHostForUser(userID string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.byUser[userID] {
		return h, true
	}
	return nil, false
}

// HostOwningSession returns the host that currently lists sessionID, and
// whether it exists at all, regardless of owner — callers must still
// check UserID against the caller's identity (spec §4.6).
func (r *Registry) HostOwningSession(sessionID string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.byHostID {
		if _, ok := h.Sessions[sessionID]; ok {
			return h, true
		}
	}
	return nil, false
}

// LookupBySocket returns the host registered under the given socket id.
func (r *Registry) LookupBySocket(socketID string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.bySocket[socketID]
	return h, ok
}
