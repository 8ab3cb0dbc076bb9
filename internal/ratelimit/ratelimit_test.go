package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// ============================================================================
// WINDOW BEHAVIOR
// ============================================================================

func TestAllowUpToLimit(t *testing.T) {
	l := New(3)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("call:alice:token"), "request %d should pass", i+1)
	}
	assert.False(t, l.Allow("call:alice:token"))
	assert.False(t, l.Allow("call:alice:token"))
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1)
	assert.True(t, l.Allow("call:alice:token"))
	assert.False(t, l.Allow("call:alice:token"))

	// A different endpoint for the same address has its own window.
	assert.True(t, l.Allow("call:alice:upload"))
	assert.True(t, l.Allow("call:bob:token"))
}

func TestExpiredWindowRestarts(t *testing.T) {
	l := New(1)
	assert.True(t, l.Allow("call:alice:token"))
	assert.False(t, l.Allow("call:alice:token"))

	// Age the window past its span by hand.
	l.mu.Lock()
	l.windows["call:alice:token"].start = time.Now().Add(-2 * time.Minute)
	l.mu.Unlock()

	assert.True(t, l.Allow("call:alice:token"))
}

func TestZeroLimitFallsBackToDefault(t *testing.T) {
	l := New(0)
	assert.Equal(t, 60, l.limit)
}

func TestLenCountsLiveWindows(t *testing.T) {
	l := New(10)
	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("call:user%d:token", i))
	}
	assert.Equal(t, 5, l.Len())
}
