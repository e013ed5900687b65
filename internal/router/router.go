// Package router is the gateway-side Session Router (spec §4.6): it
// converts a client request into an RPC aimed at the correct host,
// matches the response, and surfaces it to the caller.
package router

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sessionhub/sessionhub/internal/errs"
	"github.com/sessionhub/sessionhub/internal/registry"
)

// DefaultTimeout is the timeout armed for every outbound RPC unless the
// caller overrides it (spec §5 "every outbound RPC ... carries a
// timeout").
const DefaultTimeout = 30 * time.Second

// pendingRPC is spec §3's "Pending RPC": {requestId, method, targetHostId,
// sessionId?, timerHandle, waiter}.
type pendingRPC struct {
	requestID string
	method    string
	hostID    string
	sessionID string

	once   sync.Once
	result chan rpcOutcome
}

type rpcOutcome struct {
	payload json.RawMessage
	err     *errs.Error
}

// Router originates RPCs toward hosts and resolves ownership for
// session- and host-scoped calls.
type Router struct {
	reg *registry.Registry

	mu      sync.Mutex
	pending map[string]*pendingRPC

	idSource *ulidSource
}

// New constructs a Router against reg.
func New(reg *registry.Registry) *Router {
	return &Router{reg: reg, pending: make(map[string]*pendingRPC), idSource: newULIDSource()}
}

// ulidSource serializes ULID generation so two concurrent NewRequestID
// calls never race the shared monotonic entropy source.
type ulidSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newULIDSource() *ulidSource {
	return &ulidSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (u *ulidSource) next(now time.Time) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(now), u.entropy)
	return id.String()
}

// NewRequestID generates a fresh, sortable correlation id (spec §8
// invariant 5: "requestId uniquely identifies the outstanding waiter").
// now is supplied by the caller so this package stays free of a hidden
// wall-clock dependency.
func (r *Router) NewRequestID(now time.Time) string {
	return r.idSource.next(now)
}

// ResolveSessionHost finds the host owning sessionID and enforces
// ownership: unknown session -> SESSION_NOT_FOUND, wrong owner ->
// AUTHORIZATION_FAILED (spec §4.6).
func (r *Router) ResolveSessionHost(callerUserID, sessionID string) (*registry.Host, *errs.Error) {
	h, ok := r.reg.HostOwningSession(sessionID)
	if !ok {
		return nil, errs.SessionMissing(sessionID)
	}
	if h.UserID != callerUserID {
		return nil, errs.Authorization("session belongs to a different user")
	}
	return h, nil
}

// ResolveHost finds a host by hostID, enforcing ownership, or — when
// hostID is empty — defaults to the caller's first connected host (spec
// §4.6, host-scoped calls).
func (r *Router) ResolveHost(callerUserID, hostID string) (*registry.Host, *errs.Error) {
	if hostID == "" {
		h, ok := r.reg.FirstHostForUser(callerUserID)
		if !ok {
			return nil, errs.New(errs.SessionNotFound, errs.ScopeRequest, false, "no connected host for user")
		}
		return h, nil
	}
	h, ok := r.reg.LookupHostForUser(callerUserID, hostID)
	if !ok {
		return nil, errs.Authorization("host is not owned by caller")
	}
	return h, nil
}

// Call sends method/params as an rpc:<method> frame to host, registers a
// waiter under a fresh correlation id, and blocks until the response
// arrives or ctx/timeout expires. A response that lands after expiry is
// discarded by HandleResponse finding no pending waiter.
func (r *Router) Call(ctx context.Context, host *registry.Host, method string, params any, requestID string) (json.RawMessage, *errs.Error) {
	p := &pendingRPC{requestID: requestID, method: method, hostID: host.HostID, result: make(chan rpcOutcome, 1)}

	r.mu.Lock()
	r.pending[requestID] = p
	r.mu.Unlock()
	defer r.forget(requestID)

	frame := map[string]any{"requestId": requestID, "params": params}
	if err := host.Uplink.Emit("rpc:"+method, frame); err != nil {
		return nil, errs.New(errs.InternalError, errs.ScopeTransport, true, fmt.Sprintf("send rpc: %v", err))
	}

	select {
	case out := <-p.result:
		return out.payload, out.err
	case <-ctx.Done():
		return nil, errs.TimedOut(fmt.Sprintf("rpc %s timed out", method))
	}
}

func (r *Router) forget(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

// HandleResponse matches an incoming rpc:response frame to its waiter and
// resolves it exactly once. A requestId with no pending waiter (already
// timed out, or a duplicate/late response) is silently dropped.
func (r *Router) HandleResponse(requestID string, payload json.RawMessage, rpcErr *errs.Error) {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		return
	}
	p.once.Do(func() {
		p.result <- rpcOutcome{payload: payload, err: rpcErr}
	})
}

// DefaultCallCtx returns a context bounded by DefaultTimeout, for callers
// that don't need a tighter deadline.
func DefaultCallCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTimeout)
}
