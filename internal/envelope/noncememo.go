package envelope

import (
	"hash/fnv"
	"sync"
	"time"
)

// NonceTTL is how long a nonce stays poisoned after first use.
const NonceTTL = 5 * time.Minute

const nonceStripes = 32

// NonceMemo remembers recently seen envelope nonces for replay protection.
// The map is sharded into 32 stripes keyed by FNV hash of the nonce so that
// tens of thousands of concurrent connections don't serialize on one lock.
type NonceMemo struct {
	stripes [nonceStripes]nonceStripe
	now     func() time.Time
}

type nonceStripe struct {
	mu    sync.Mutex
	seen  map[string]time.Time
}

// NewNonceMemo creates an empty memo.
func NewNonceMemo() *NonceMemo {
	m := &NonceMemo{now: time.Now}
	for i := range m.stripes {
		m.stripes[i].seen = make(map[string]time.Time)
	}
	return m
}

func (m *NonceMemo) stripe(nonce string) *nonceStripe {
	h := fnv.New32a()
	h.Write([]byte(nonce))
	return &m.stripes[h.Sum32()%nonceStripes]
}

// Observe records the nonce and reports whether it was fresh. The
// check-then-insert runs under the stripe lock, so two concurrent envelopes
// carrying the same nonce cannot both pass.
func (m *NonceMemo) Observe(nonce string) bool {
	now := m.now()
	s := m.stripe(nonce)
	s.mu.Lock()
	defer s.mu.Unlock()

	if first, ok := s.seen[nonce]; ok && now.Sub(first) < NonceTTL {
		return false
	}
	s.seen[nonce] = now
	return true
}

// Seen reports whether the nonce is already poisoned, without recording it.
// The verifier uses this to classify replays before any other check; Observe
// under the stripe lock remains the authoritative check-and-set.
func (m *NonceMemo) Seen(nonce string) bool {
	now := m.now()
	s := m.stripe(nonce)
	s.mu.Lock()
	defer s.mu.Unlock()
	first, ok := s.seen[nonce]
	return ok && now.Sub(first) < NonceTTL
}

// Prune drops entries older than the TTL. Called by the background sweeper.
func (m *NonceMemo) Prune() int {
	cutoff := m.now().Add(-NonceTTL)
	pruned := 0
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.Lock()
		for n, first := range s.seen {
			if first.Before(cutoff) {
				delete(s.seen, n)
				pruned++
			}
		}
		s.mu.Unlock()
	}
	return pruned
}

// Len returns the number of live entries, for metrics.
func (m *NonceMemo) Len() int {
	total := 0
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.Lock()
		total += len(s.seen)
		s.mu.Unlock()
	}
	return total
}
