package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// ============================================================================
// RING ATTEMPT TRACKING
// ============================================================================

func TestRingTrackerCountsWithinWindow(t *testing.T) {
	rt := newRingTracker()

	assert.Equal(t, 1, rt.Record("call:alice", "call:bob", 10*time.Minute))
	assert.Equal(t, 2, rt.Record("call:alice", "call:bob", 10*time.Minute))
	assert.Equal(t, 3, rt.Record("call:alice", "call:bob", 10*time.Minute))
}

func TestRingTrackerPairsAreIndependent(t *testing.T) {
	rt := newRingTracker()

	rt.Record("call:alice", "call:bob", 10*time.Minute)
	rt.Record("call:alice", "call:bob", 10*time.Minute)

	// Same caller at a different callee, and the reverse direction, both
	// start fresh.
	assert.Equal(t, 1, rt.Record("call:alice", "call:carol", 10*time.Minute))
	assert.Equal(t, 1, rt.Record("call:bob", "call:alice", 10*time.Minute))
}

func TestRingTrackerTrimsExpiredAttempts(t *testing.T) {
	rt := newRingTracker()

	rt.attempts["call:alice|call:bob"] = []time.Time{
		time.Now().Add(-time.Hour),
		time.Now().Add(-30 * time.Minute),
	}

	// Only the fresh attempt survives a 10-minute window.
	assert.Equal(t, 1, rt.Record("call:alice", "call:bob", 10*time.Minute))
}

func TestRingTrackerPrune(t *testing.T) {
	rt := newRingTracker()

	rt.attempts["stale|pair"] = []time.Time{time.Now().Add(-2 * time.Hour)}
	rt.attempts["empty|pair"] = nil
	rt.Record("call:alice", "call:bob", 10*time.Minute)

	rt.Prune(time.Hour)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Len(t, rt.attempts, 1)
	assert.Contains(t, rt.attempts, "call:alice|call:bob")
}
