package supervisor

import (
	"path/filepath"
	"testing"

	"github.com/sessionhub/sessionhub/internal/acplink"
	"github.com/sessionhub/sessionhub/internal/backendreg"
	"github.com/sessionhub/sessionhub/internal/errs"
	"github.com/sessionhub/sessionhub/internal/eventlog"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	log, err := eventlog.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	backends := &backendreg.Registry{}
	return New(Config{HostID: "h1", Log: log, Backends: backends, Pool: acplink.NewPool()})
}

func TestCancelSessionOnUnknownSessionFails(t *testing.T) {
	s := newTestSupervisor(t)
	err := s.CancelSession("does-not-exist")
	if err == nil {
		t.Fatal("expected error")
	}
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.SessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestResolvePermissionOnUnknownSessionFails(t *testing.T) {
	s := newTestSupervisor(t)
	// Unknown session: getSession fails, ResolvePermission should surface
	// that as an error (there's genuinely no session), distinct from the
	// "known session, unknown/already-resolved requestId" no-op case
	// covered below.
	if err := s.ResolvePermission("unknown-session", "r1", "allow"); err == nil {
		t.Fatal("expected SESSION_NOT_FOUND for an unknown session")
	}
}

func TestPermissionCancelRaceResolvesExactlyOnce(t *testing.T) {
	sess := &session{id: "s1", pendingPermissions: make(map[string]*pendingPermission)}
	pending := &pendingPermission{sessionID: "s1", requestID: "r1", result: make(chan PermissionOutcome, 1)}
	sess.pendingPermissions["r1"] = pending

	s := newTestSupervisor(t)
	s.mu.Lock()
	s.sessions["s1"] = sess
	s.mu.Unlock()

	// Session cancel resolves it first.
	sess.mu.Lock()
	s.cancelAllPendingLocked(sess)
	sess.mu.Unlock()

	// A later decision from the gateway must not re-resolve it.
	if err := s.ResolvePermission("s1", "r1", "allow"); err != nil {
		t.Fatalf("resolve after cancel should be a no-op, got error: %v", err)
	}

	// The waiter sees exactly one outcome, the cancellation, and then a
	// closed channel.
	outcome, ok := <-pending.result
	if !ok || !outcome.Cancelled {
		t.Fatalf("expected the single outcome to be cancelled, got %+v (ok=%v)", outcome, ok)
	}
	if extra, ok := <-pending.result; ok {
		t.Fatalf("expected exactly one outcome, got a second one: %+v", extra)
	}
}

func TestSnapshotEmptyByDefault(t *testing.T) {
	s := newTestSupervisor(t)
	if got := s.Snapshot(); len(got) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", got)
	}
}

func TestWriteTerminalInputWithoutTerminalFails(t *testing.T) {
	s := newTestSupervisor(t)
	sess := &session{id: "s1", pendingPermissions: make(map[string]*pendingPermission)}
	s.mu.Lock()
	s.sessions["s1"] = sess
	s.mu.Unlock()

	err := s.WriteTerminalInput("s1", []byte("echo hi\n"))
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.CapabilityNotSupported {
		t.Fatalf("expected CapabilityMissing, got %v", err)
	}
}

func TestResizeTerminalOnUnknownSessionFails(t *testing.T) {
	s := newTestSupervisor(t)
	err := s.ResizeTerminal("does-not-exist", 24, 80)
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.SessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}
