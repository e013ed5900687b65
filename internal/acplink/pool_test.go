package acplink

import "testing"

func TestPoolAcquireEmptyReturnsNil(t *testing.T) {
	p := NewPool()
	if link := p.Acquire("claude"); link != nil {
		t.Fatalf("expected nil, got %v", link)
	}
}

func TestPoolReleaseThenAcquireRoundTrips(t *testing.T) {
	p := NewPool()
	link := &Link{state: StateReady}

	p.Release("claude", link)
	got := p.Acquire("claude")
	if got != link {
		t.Fatalf("expected same link back, got %v", got)
	}

	// second acquire on an empty slot returns nil
	if again := p.Acquire("claude"); again != nil {
		t.Fatalf("expected nil on second acquire, got %v", again)
	}
}

func TestPoolAcquireDiscardsStaleEntry(t *testing.T) {
	p := NewPool()
	link := &Link{state: StateStopped}
	p.Release("claude", link) // Release itself refuses non-ready links

	if got := p.Acquire("claude"); got != nil {
		t.Fatalf("expected nil for stale/never-parked link, got %v", got)
	}
}
