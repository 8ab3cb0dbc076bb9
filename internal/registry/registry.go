// Package registry maps live addresses to their WebSocket connections.
//
// The registry is process-wide shared state with explicit init and shutdown,
// sharded into 32 stripes to keep contention low at tens of thousands of
// connections. It enforces single-owner semantics: a new registration for an
// address displaces the previous connection with a polite close.
package registry

import (
	"hash/fnv"
	"sync"
	"time"
)

const stripeCount = 32

// Peer is the send-side of one client connection. Implemented by the hub's
// connection type; Send must not block (it enqueues onto the write pump).
type Peer interface {
	// Send enqueues a frame for delivery. Returns false if the peer's buffer
	// is full or the peer is closing; delivery is best-effort.
	Send(frame []byte) bool
	// CloseDisplaced asks the peer to close because another connection took
	// over its address.
	CloseDisplaced()
}

type entry struct {
	peer     Peer
	lastSeen time.Time
}

type stripe struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Registry is the connection registry. Registration does not by itself prove
// address ownership — the first verified envelope does; the registry only
// tracks liveness and routing.
type Registry struct {
	stripes [stripeCount]stripe
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.stripes {
		r.stripes[i].entries = make(map[string]*entry)
	}
	return r
}

func (r *Registry) stripe(address string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(address))
	return &r.stripes[h.Sum32()%stripeCount]
}

// Register binds address to peer, displacing any previous holder. The
// displaced peer (if any) is closed politely outside the stripe lock.
func (r *Registry) Register(address string, peer Peer) {
	s := r.stripe(address)
	s.mu.Lock()
	old := s.entries[address]
	s.entries[address] = &entry{peer: peer, lastSeen: r.now()}
	s.mu.Unlock()

	if old != nil && old.peer != peer {
		old.peer.CloseDisplaced()
	}
}

// Unregister removes address only if peer is still its current holder, so a
// displaced connection tearing down doesn't evict its replacement.
func (r *Registry) Unregister(address string, peer Peer) {
	s := r.stripe(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[address]; ok && cur.peer == peer {
		delete(s.entries, address)
	}
}

// Send delivers a frame to the connection registered under address.
// Returns false when the address is offline or the peer buffer is full.
func (r *Registry) Send(address string, frame []byte) bool {
	s := r.stripe(address)
	s.mu.RLock()
	e, ok := s.entries[address]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return e.peer.Send(frame)
}

// Online reports whether address currently has a live connection. The
// message store uses this to decide delivered-vs-pending status.
func (r *Registry) Online(address string) bool {
	s := r.stripe(address)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[address]
	return ok
}

// Touch refreshes last_seen for address, called on every verified envelope.
func (r *Registry) Touch(address string) {
	s := r.stripe(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[address]; ok {
		e.lastSeen = r.now()
	}
}

// LastSeen returns the last activity time for address, if registered.
func (r *Registry) LastSeen(address string) (time.Time, bool) {
	s := r.stripe(address)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[address]; ok {
		return e.lastSeen, true
	}
	return time.Time{}, false
}

// Count returns the number of registered connections, for metrics.
func (r *Registry) Count() int {
	total := 0
	for i := range r.stripes {
		s := &r.stripes[i]
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}
	return total
}
