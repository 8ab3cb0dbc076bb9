package hub

import (
	"sync"
	"time"
)

// ringTracker counts recent ring attempts per (caller, callee) pair for the
// per-sender ring rate limit. Entries self-trim on record.
type ringTracker struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

func newRingTracker() *ringTracker {
	return &ringTracker{attempts: make(map[string][]time.Time)}
}

// Record notes an attempt and returns how many attempts (including this one)
// fall inside the window.
func (r *ringTracker) Record(caller, callee string, window time.Duration) int {
	key := caller + "|" + callee
	now := time.Now()
	cutoff := now.Add(-window)

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.attempts[key][:0]
	for _, t := range r.attempts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	r.attempts[key] = kept
	return len(kept)
}

// Prune drops pairs with no recent attempts. Called by the sweeper.
func (r *ringTracker) Prune(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, times := range r.attempts {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(r.attempts, key)
		}
	}
}
