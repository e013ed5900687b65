package eventlog

import (
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEnsureSessionCreatesThenReturnsRevision(t *testing.T) {
	l := openTestLog(t)

	rev, err := l.EnsureSession("s1", "h1", "u1", "claude", "/tmp", "title")
	if err != nil || rev != 0 {
		t.Fatalf("first ensure: rev=%d err=%v", rev, err)
	}

	rev, err = l.EnsureSession("s1", "h1", "u1", "claude", "/tmp", "title")
	if err != nil || rev != 0 {
		t.Fatalf("second ensure should be idempotent: rev=%d err=%v", rev, err)
	}
}

func TestEnsureSessionOwnerMismatch(t *testing.T) {
	l := openTestLog(t)

	if _, err := l.EnsureSession("s1", "h1", "u1", "claude", "/tmp", "t"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_, err := l.EnsureSession("s1", "h2", "u2", "claude", "/tmp", "t")
	if err == nil {
		t.Fatal("expected owner mismatch error")
	}
	if _, ok := err.(*ErrOwnerMismatch); !ok {
		t.Fatalf("wrong error type: %v", err)
	}
}

func TestAppendEventMonotonicSeq(t *testing.T) {
	l := openTestLog(t)
	l.EnsureSession("s1", "h1", "u1", "claude", "/tmp", "t")

	e1, err := l.AppendEvent("s1", "h1", 0, KindUserMessage, []byte(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	e2, err := l.AppendEvent("s1", "h1", 0, KindAgentMessageChunk, []byte(`{}`))
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if e1.Seq != 1 || e2.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", e1.Seq, e2.Seq)
	}
}

func TestQueryEventsPagination(t *testing.T) {
	l := openTestLog(t)
	l.EnsureSession("s1", "h1", "u1", "claude", "/tmp", "t")
	for i := 0; i < 5; i++ {
		if _, err := l.AppendEvent("s1", "h1", 0, KindUserMessage, []byte(`{}`)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, hasMore, err := l.QueryEvents("s1", 0, 0, 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 3 || !hasMore {
		t.Fatalf("expected 3 events with more, got %d hasMore=%v", len(events), hasMore)
	}
	if events[0].Seq != 1 || events[2].Seq != 3 {
		t.Fatalf("unexpected ordering: %+v", events)
	}

	rest, hasMore, err := l.QueryEvents("s1", 0, 3, 10)
	if err != nil {
		t.Fatalf("query rest: %v", err)
	}
	if len(rest) != 2 || hasMore {
		t.Fatalf("expected 2 remaining events, got %d hasMore=%v", len(rest), hasMore)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	l := openTestLog(t)
	l.EnsureSession("s1", "h1", "u1", "claude", "/tmp", "t")
	l.AppendEvent("s1", "h1", 0, KindUserMessage, []byte(`{}`))
	l.AppendEvent("s1", "h1", 0, KindUserMessage, []byte(`{}`))

	if err := l.Ack("s1", 0, 1); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := l.Ack("s1", 0, 1); err != nil {
		t.Fatalf("ack again: %v", err)
	}

	unacked, err := l.GetUnacked("s1", 0)
	if err != nil {
		t.Fatalf("get unacked: %v", err)
	}
	if len(unacked) != 1 || unacked[0].Seq != 2 {
		t.Fatalf("expected only seq 2 unacked, got %+v", unacked)
	}
}

func TestIncrementRevisionAdvancesAndResetsSeqSpace(t *testing.T) {
	l := openTestLog(t)
	l.EnsureSession("s1", "h1", "u1", "claude", "/tmp", "t")
	l.AppendEvent("s1", "h1", 0, KindUserMessage, []byte(`{}`))

	rev, err := l.IncrementRevision("s1")
	if err != nil || rev != 1 {
		t.Fatalf("increment: rev=%d err=%v", rev, err)
	}

	e, err := l.AppendEvent("s1", "h1", rev, KindUserMessage, []byte(`{}`))
	if err != nil {
		t.Fatalf("append after increment: %v", err)
	}
	if e.Seq != 1 {
		t.Fatalf("expected seq to restart at 1 for new revision, got %d", e.Seq)
	}
}

func TestDiscoveredSessionsRoundTrip(t *testing.T) {
	l := openTestLog(t)
	if err := l.SaveDiscovered(Discovered{SessionID: "d1", BackendID: "claude", Title: "old task"}); err != nil {
		t.Fatalf("save discovered: %v", err)
	}

	list, err := l.GetDiscovered("claude")
	if err != nil {
		t.Fatalf("get discovered: %v", err)
	}
	if len(list) != 1 || list[0].SessionID != "d1" || list[0].Stale {
		t.Fatalf("unexpected discovered list: %+v", list)
	}

	if err := l.MarkDiscoveredStale("d1"); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	list, err = l.GetDiscovered("")
	if err != nil {
		t.Fatalf("get discovered after stale: %v", err)
	}
	if !list[0].Stale {
		t.Fatal("expected stale flag set")
	}
}
