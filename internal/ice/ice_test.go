package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/config"
)

// ============================================================================
// SERVER LISTS PER TIER
// ============================================================================

func TestModeOffReturnsNothing(t *testing.T) {
	b := NewBuilder(config.ICEConfig{Mode: "off"})
	assert.Nil(t, b.Servers(true))
}

func TestPublicModeDefaultsToOpenStun(t *testing.T) {
	b := NewBuilder(config.ICEConfig{Mode: "public"})

	servers := b.Servers(false)
	require.Len(t, servers, 1)
	assert.Equal(t, DefaultStunURLs, servers[0].URLs)
	assert.Empty(t, servers[0].Username)
}

func TestOperatorStunUrlsWin(t *testing.T) {
	b := NewBuilder(config.ICEConfig{
		Mode:     "custom",
		StunURLs: []string{"stun:stun.example.com:3478"},
	})
	servers := b.Servers(false)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, servers[0].URLs)
}

func TestTurnOnlyWithEntitlementAndConfig(t *testing.T) {
	cfg := config.ICEConfig{
		Mode:           "custom",
		TurnURLs:       []string{"turn:turn.example.com:3478"},
		TurnUsername:   "operator",
		TurnCredential: "secret",
	}
	b := NewBuilder(cfg)

	// No entitlement: STUN only.
	assert.Len(t, b.Servers(false), 1)

	// Entitled: TURN relay appended with the static credential.
	servers := b.Servers(true)
	require.Len(t, servers, 2)
	assert.Equal(t, cfg.TurnURLs, servers[1].URLs)
	assert.Equal(t, "operator", servers[1].Username)
	assert.Equal(t, "secret", servers[1].Credential)

	// Entitlement without TURN config still yields STUN only.
	b = NewBuilder(config.ICEConfig{Mode: "custom"})
	assert.Len(t, b.Servers(true), 1)
}

// ============================================================================
// TIME-LIMITED CREDENTIALS
// ============================================================================

func TestSharedSecretMintsCoturnCredential(t *testing.T) {
	b := NewBuilder(config.ICEConfig{
		Mode:       "custom",
		TurnURLs:   []string{"turn:turn.example.com:3478"},
		TurnSecret: "shared-secret",
	})

	servers := b.Servers(true)
	require.Len(t, servers, 2)
	turn := servers[1]

	// Username is a future unix expiry.
	expiry, err := strconv.ParseInt(turn.Username, 10, 64)
	require.NoError(t, err)
	assert.Greater(t, expiry, time.Now().Unix())

	// Credential is HMAC-SHA1 over the username with the shared secret.
	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(turn.Username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), turn.Credential)
}
