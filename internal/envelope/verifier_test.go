package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/identity"
)

// signedEnvelope builds a fully signed frame for kp as a client would.
func signedEnvelope(t *testing.T, kp *identity.Keypair, typ, nonce string, ts int64) (*Envelope, []byte) {
	t.Helper()
	env := &Envelope{
		Type:        typ,
		FromPubkey:  base64.StdEncoding.EncodeToString(kp.Public),
		FromAddress: kp.Address,
		Nonce:       nonce,
		Timestamp:   ts,
		Payload:     json.RawMessage(`{"to":"call:peer"}`),
	}
	signed, err := SignedBytes(env)
	require.NoError(t, err)
	sig, err := kp.Sign(json.RawMessage(signed))
	require.NoError(t, err)
	env.Signature = base64.StdEncoding.EncodeToString(sig)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return env, raw
}

func fixedVerifier(at time.Time) *Verifier {
	v := NewVerifier(NewNonceMemo())
	v.now = func() time.Time { return at }
	v.memo.now = v.now
	return v
}

// ============================================================================
// HAPPY PATH AND ADDRESS BINDING
// ============================================================================

func TestVerifyAcceptsWellFormedEnvelope(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)

	now := time.Now()
	v := fixedVerifier(now)
	env, raw := signedEnvelope(t, kp, TypeMsgSend, "n-1", now.UnixMilli())

	assert.Nil(t, v.Verify(raw, env, kp.Address))
}

func TestVerifyRejectsConnectionSpeakingForAnotherAddress(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	other, err := identity.GenerateKeypair()
	require.NoError(t, err)

	now := time.Now()
	v := fixedVerifier(now)
	env, raw := signedEnvelope(t, kp, TypeMsgSend, "n-1", now.UnixMilli())

	we := v.Verify(raw, env, other.Address)
	require.NotNil(t, we)
	assert.Equal(t, CodeNotRegistered, we.Code)
}

func TestVerifyRejectsAddressKeyMismatch(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	other, err := identity.GenerateKeypair()
	require.NoError(t, err)

	now := time.Now()
	v := fixedVerifier(now)
	env, _ := signedEnvelope(t, kp, TypeMsgSend, "n-1", now.UnixMilli())

	// Claim the other key's address with kp's pubkey and signature.
	env.FromAddress = other.Address
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	we := v.Verify(raw, env, other.Address)
	require.NotNil(t, we)
	assert.Equal(t, CodeAddressMismatch, we.Code)
}

// ============================================================================
// FRESHNESS BOUNDARY
// ============================================================================

func TestVerifyFreshnessBoundaryExactlyAtWindowIsAccepted(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	now := time.Now()

	for _, delta := range []int64{FreshnessWindow.Milliseconds(), -FreshnessWindow.Milliseconds()} {
		v := fixedVerifier(now)
		env, raw := signedEnvelope(t, kp, TypeMsgSend, fmt.Sprintf("n-%d", delta), now.UnixMilli()+delta)
		assert.Nil(t, v.Verify(raw, env, kp.Address), "delta %dms should be accepted", delta)
	}
}

func TestVerifyFreshnessOneMillisecondBeyondIsRejected(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	now := time.Now()

	for _, delta := range []int64{FreshnessWindow.Milliseconds() + 1, -FreshnessWindow.Milliseconds() - 1} {
		v := fixedVerifier(now)
		env, raw := signedEnvelope(t, kp, TypeMsgSend, fmt.Sprintf("n-%d", delta), now.UnixMilli()+delta)
		we := v.Verify(raw, env, kp.Address)
		require.NotNil(t, we, "delta %dms should be rejected", delta)
		assert.Equal(t, CodeExpired, we.Code)
	}
}

// ============================================================================
// SIGNATURE AND REPLAY
// ============================================================================

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	now := time.Now()
	v := fixedVerifier(now)

	env, _ := signedEnvelope(t, kp, TypeMsgSend, "n-1", now.UnixMilli())
	env.Payload = json.RawMessage(`{"to":"call:attacker"}`)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	we := v.Verify(raw, env, kp.Address)
	require.NotNil(t, we)
	assert.Equal(t, CodeBadSignature, we.Code)
}

func TestVerifyRejectsNonceReplay(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	now := time.Now()
	v := fixedVerifier(now)

	env, raw := signedEnvelope(t, kp, TypeCallInit, "replayed-nonce", now.UnixMilli())
	require.Nil(t, v.Verify(raw, env, kp.Address))

	we := v.Verify(raw, env, kp.Address)
	require.NotNil(t, we)
	assert.Equal(t, CodeReplay, we.Code)
}

func TestVerifyReplayOnDifferentConnectionReportsReplay(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	now := time.Now()
	v := fixedVerifier(now)

	env, raw := signedEnvelope(t, kp, TypeCallInit, "captured-nonce", now.UnixMilli())
	require.Nil(t, v.Verify(raw, env, kp.Address))

	// The captured frame resent over a fresh, unregistered socket is still a
	// replay, not a registration problem.
	we := v.Verify(raw, env, "")
	require.NotNil(t, we)
	assert.Equal(t, CodeReplay, we.Code)
}

func TestVerifyBadSignatureDoesNotBurnTheNonce(t *testing.T) {
	kp, err := identity.GenerateKeypair()
	require.NoError(t, err)
	now := time.Now()
	v := fixedVerifier(now)

	env, _ := signedEnvelope(t, kp, TypeCallInit, "shared-nonce", now.UnixMilli())
	tampered := *env
	tampered.Payload = json.RawMessage(`{"to":"call:eve"}`)
	rawTampered, err := json.Marshal(&tampered)
	require.NoError(t, err)

	we := v.Verify(rawTampered, &tampered, kp.Address)
	require.NotNil(t, we)
	assert.Equal(t, CodeBadSignature, we.Code)

	// The legitimate frame with the same nonce still goes through.
	rawGood, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Nil(t, v.Verify(rawGood, env, kp.Address))
}

// ============================================================================
// NONCE MEMO
// ============================================================================

func TestNonceMemoSecondObservationFails(t *testing.T) {
	memo := NewNonceMemo()
	assert.True(t, memo.Observe("n-1"))
	assert.False(t, memo.Observe("n-1"))
	assert.True(t, memo.Observe("n-2"))
}

func TestNonceMemoConcurrentObserversOneWinner(t *testing.T) {
	memo := NewNonceMemo()
	const goroutines = 32

	var wg sync.WaitGroup
	wins := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- memo.Observe("contested")
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestNonceMemoExpiresAfterTTL(t *testing.T) {
	memo := NewNonceMemo()
	clock := time.Now()
	memo.now = func() time.Time { return clock }

	require.True(t, memo.Observe("n-1"))
	require.False(t, memo.Observe("n-1"))

	clock = clock.Add(NonceTTL + time.Second)
	assert.True(t, memo.Observe("n-1"), "nonce should be reusable after the TTL")

	assert.Equal(t, 1, memo.Len())
}

func TestNonceMemoPruneDropsExpiredEntries(t *testing.T) {
	memo := NewNonceMemo()
	clock := time.Now()
	memo.now = func() time.Time { return clock }

	for i := 0; i < 100; i++ {
		memo.Observe(fmt.Sprintf("n-%d", i))
	}
	require.Equal(t, 100, memo.Len())

	clock = clock.Add(NonceTTL + time.Second)
	assert.Equal(t, 100, memo.Prune())
	assert.Equal(t, 0, memo.Len())
}

// ============================================================================
// PARSE
// ============================================================================

func TestParseRejectsOversizedFrames(t *testing.T) {
	big := make([]byte, MaxFrameBytes+1)
	_, err := Parse(big)
	assert.Error(t, err)
}

func TestParseRejectsMissingType(t *testing.T) {
	_, err := Parse([]byte(`{"nonce":"x"}`))
	assert.Error(t, err)
}

func BenchmarkVerify(b *testing.B) {
	kp, err := identity.GenerateKeypair()
	if err != nil {
		b.Fatal(err)
	}
	now := time.Now()

	v := NewVerifier(NewNonceMemo())
	v.now = func() time.Time { return now }

	envs := make([]*Envelope, b.N)
	raws := make([][]byte, b.N)
	for i := 0; i < b.N; i++ {
		env := &Envelope{
			Type:        TypeMsgSend,
			FromPubkey:  base64.StdEncoding.EncodeToString(kp.Public),
			FromAddress: kp.Address,
			Nonce:       fmt.Sprintf("bench-%d", i),
			Timestamp:   now.UnixMilli(),
			Payload:     json.RawMessage(`{"to":"call:peer"}`),
		}
		signed, _ := SignedBytes(env)
		sig, _ := kp.Sign(json.RawMessage(signed))
		env.Signature = base64.StdEncoding.EncodeToString(sig)
		raw, _ := json.Marshal(env)
		envs[i], raws[i] = env, raw
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if we := v.Verify(raws[i], envs[i], kp.Address); we != nil {
			b.Fatalf("verify failed: %v", we)
		}
	}
}
