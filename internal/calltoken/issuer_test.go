package calltoken

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/config"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

func testIssuer(t *testing.T, ice config.ICEConfig) (*Issuer, store.Backend) {
	t.Helper()
	backend := store.NewMemory()
	return NewIssuer(backend, ice, config.LimitsConfig{TokenTTLMinutes: 10}), backend
}

func freeUser() *store.User { return &store.User{Address: "call:alice", Plan: store.PlanFree} }
func proUser() *store.User  { return &store.User{Address: "call:bob", Plan: store.PlanPro} }

// ============================================================================
// ISSUE
// ============================================================================

func TestIssueMintsSingleUseToken(t *testing.T) {
	iss, _ := testIssuer(t, config.ICEConfig{})
	ctx := context.Background()

	issued, err := iss.Issue(ctx, freeUser(), "call:bob")
	require.NoError(t, err)

	assert.NotEmpty(t, issued.Token)
	assert.Len(t, issued.Nonce, 32) // 16 random bytes, hex
	assert.Equal(t, 10*time.Minute, issued.ExpiresAt.Sub(issued.IssuedAt))
	assert.Equal(t, store.PlanFree, issued.Plan)
}

func TestIssueEntitlementsFollowPlanAndTurnConfig(t *testing.T) {
	ctx := context.Background()
	turn := config.ICEConfig{Mode: "custom", TurnURLs: []string{"turn:turn.example.com:3478"}}

	// Free tier never gets TURN or video.
	iss, _ := testIssuer(t, turn)
	issued, err := iss.Issue(ctx, freeUser(), "")
	require.NoError(t, err)
	assert.False(t, issued.AllowTurn)
	assert.False(t, issued.AllowVideo)

	// Paid tier gets both when TURN is configured.
	issued, err = iss.Issue(ctx, proUser(), "")
	require.NoError(t, err)
	assert.True(t, issued.AllowTurn)
	assert.True(t, issued.AllowVideo)

	// Paid tier without TURN config keeps video but not TURN.
	iss, _ = testIssuer(t, config.ICEConfig{Mode: "public"})
	issued, err = iss.Issue(ctx, proUser(), "")
	require.NoError(t, err)
	assert.False(t, issued.AllowTurn)
	assert.True(t, issued.AllowVideo)
}

func TestIssuedNoncesAreUnique(t *testing.T) {
	iss, _ := testIssuer(t, config.ICEConfig{})
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		issued, err := iss.Issue(ctx, freeUser(), "")
		require.NoError(t, err)
		require.False(t, seen[issued.Nonce])
		seen[issued.Nonce] = true
	}
}

// ============================================================================
// VERIFY
// ============================================================================

func TestVerifyAcceptsExactlyOnce(t *testing.T) {
	iss, _ := testIssuer(t, config.ICEConfig{})
	ctx := context.Background()

	issued, err := iss.Issue(ctx, freeUser(), "call:bob")
	require.NoError(t, err)

	tok, we := iss.Verify(ctx, issued.Token, "call:alice", "203.0.113.9")
	require.Nil(t, we)
	assert.Equal(t, "call:alice", tok.UserAddress)
	assert.Equal(t, "call:bob", tok.TargetAddress)

	_, we = iss.Verify(ctx, issued.Token, "call:alice", "203.0.113.9")
	require.NotNil(t, we)
	assert.Equal(t, envelope.CodeTokenReplay, we.Code)
}

func TestVerifyUnknownToken(t *testing.T) {
	iss, _ := testIssuer(t, config.ICEConfig{})

	_, we := iss.Verify(context.Background(), uuid.NewString(), "call:alice", "")
	require.NotNil(t, we)
	assert.Equal(t, envelope.CodeTokenNotFound, we.Code)
}

func TestVerifyExpiredToken(t *testing.T) {
	iss, backend := testIssuer(t, config.ICEConfig{})
	ctx := context.Background()

	stale := &store.CallToken{
		Token:       uuid.NewString(),
		UserAddress: "call:alice",
		Plan:        store.PlanFree,
		IssuedAt:    time.Now().Add(-time.Hour),
		ExpiresAt:   time.Now().Add(-50 * time.Minute),
	}
	require.NoError(t, backend.InsertCallToken(ctx, stale))

	_, we := iss.Verify(ctx, stale.Token, "call:alice", "")
	require.NotNil(t, we)
	assert.Equal(t, envelope.CodeTokenExpired, we.Code)
}

func TestVerifyRejectsWrongHolder(t *testing.T) {
	iss, _ := testIssuer(t, config.ICEConfig{})
	ctx := context.Background()

	issued, err := iss.Issue(ctx, freeUser(), "")
	require.NoError(t, err)

	// Presenting someone else's token reads as not-found, not as a hint that
	// the token exists.
	_, we := iss.Verify(ctx, issued.Token, "call:mallory", "")
	require.NotNil(t, we)
	assert.Equal(t, envelope.CodeTokenNotFound, we.Code)
}
