package acplink

import "sync"

// Pool is a per-backend idle connection pool of size one (spec §4.2,
// "idle connection pool"). Acquire and Release both run under the pool
// lock. Release of a non-ready link is a silent no-op; Release into an
// occupied slot stops the older parked link and keeps the newer one.
type Pool struct {
	mu   sync.Mutex
	slot map[string]*Link // backendID -> parked ready link
}

// NewPool constructs an empty idle pool.
func NewPool() *Pool {
	return &Pool{slot: make(map[string]*Link)}
}

// Acquire returns a parked link for backendID if one exists and is still
// ready, discarding any stale (non-ready) entry it finds.
func (p *Pool) Acquire(backendID string) *Link {
	p.mu.Lock()
	defer p.mu.Unlock()

	link, ok := p.slot[backendID]
	if !ok {
		return nil
	}
	delete(p.slot, backendID)
	if link.State() != StateReady {
		return nil
	}
	return link
}

// Release parks a ready link for reuse. If a slot is already occupied
// (a racing Acquire missed this link, or another Release beat us to it),
// the older parked link is stopped and discarded in favor of the newer
// one — but if the slot was emptied by a concurrent Acquire between our
// check and our write, we still win the race in favor of Acquire per
// spec, so Release on an already-non-ready link is a silent no-op handled
// by Acquire's own staleness check.
func (p *Pool) Release(backendID string, link *Link) {
	if link.State() != StateReady {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.slot[backendID]; ok && existing != link {
		go existing.Stop()
	}
	p.slot[backendID] = link
}

// Drain stops every parked link, used on shutdown.
func (p *Pool) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, link := range p.slot {
		link.Stop()
		delete(p.slot, id)
	}
}
