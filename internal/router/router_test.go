package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sessionhub/sessionhub/internal/errs"
	"github.com/sessionhub/sessionhub/internal/registry"
	"github.com/sessionhub/sessionhub/internal/wsconn"
)

func newTestHost(t *testing.T, reg *registry.Registry, hostID, userID string) (*registry.Host, *wsconn.Fake) {
	t.Helper()
	conn := wsconn.NewFake(hostID + "-socket")
	h := &registry.Host{HostID: hostID, UserID: userID, Uplink: conn, Sessions: map[string]registry.SessionSummary{}}
	reg.Register(h)
	return h, conn
}

func TestResolveSessionHostOwnershipDenial(t *testing.T) {
	reg := registry.New()
	h, _ := newTestHost(t, reg, "host-1", "user-a")
	reg.ApplySessionsChanged("host-1", registry.Delta{Added: []registry.SessionSummary{{SessionID: "s1"}}})

	r := New(reg)
	if _, err := r.ResolveSessionHost("user-a", "s1"); err != nil {
		t.Fatalf("owner should resolve: %v", err)
	}
	_, err := r.ResolveSessionHost("user-b", "s1")
	if err == nil || err.Code != errs.AuthorizationFailed {
		t.Fatalf("expected AUTHORIZATION_FAILED, got %v", err)
	}
	_, err = r.ResolveSessionHost("user-a", "does-not-exist")
	if err == nil || err.Code != errs.SessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
	_ = h
}

func TestCallResolvesOnResponse(t *testing.T) {
	reg := registry.New()
	h, conn := newTestHost(t, reg, "host-1", "user-a")
	r := New(reg)
	reqID := r.NewRequestID(time.Now())

	go func() {
		// Simulate the host emitting the RPC then the gateway later
		// delivering the matching response.
		for len(conn.Sent) == 0 {
			time.Sleep(time.Millisecond)
		}
		r.HandleResponse(reqID, json.RawMessage(`{"ok":true}`), nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := r.Call(ctx, h, "session:create", map[string]string{"cwd": "/tmp"}, reqID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != `{"ok":true}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestCallTimesOutAndLateResponseIsDiscarded(t *testing.T) {
	reg := registry.New()
	h, _ := newTestHost(t, reg, "host-1", "user-a")
	r := New(reg)
	reqID := r.NewRequestID(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Call(ctx, h, "session:create", nil, reqID)
	if err == nil || err.Code != errs.Timeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}

	// A response arriving after the waiter is gone must not panic or
	// block; it finds no pending entry and is dropped.
	r.HandleResponse(reqID, json.RawMessage(`{}`), nil)
}
