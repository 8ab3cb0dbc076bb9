package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// ADDRESS SCHEME
// ============================================================================

func TestDeriveAndParseAddressRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(kp.Address, AddressPrefix))

	pub, err := ParseAddress(kp.Address)
	require.NoError(t, err)
	assert.Equal(t, []byte(kp.Public), []byte(pub))
}

func TestParseAddressRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"call:",
		"nocolon",
		"mail:3mJr7AoUXx2Wqd",
		"call:0OIl",              // invalid base58 alphabet
		"call:3mJr7AoUXx2Wqd",    // too short for an ed25519 key
	}
	for _, addr := range cases {
		_, err := ParseAddress(addr)
		assert.Error(t, err, "address %q should not parse", addr)
		assert.False(t, ValidAddress(addr))
	}
}

func TestDistinctKeysYieldDistinctAddresses(t *testing.T) {
	a, err := GenerateKeypair()
	require.NoError(t, err)
	b, err := GenerateKeypair()
	require.NoError(t, err)
	assert.NotEqual(t, a.Address, b.Address)
}

// ============================================================================
// SIGN / VERIFY
// ============================================================================

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	payload := map[string]any{
		"type": "call:init",
		"to":   "call:someone",
		"n":    42,
	}
	sig, err := kp.Sign(payload)
	require.NoError(t, err)
	require.Len(t, sig, ed25519.SignatureSize)

	ok, err := Verify(kp.Public, payload, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyFailsForTamperedPayload(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	payload := map[string]any{"to": "call:alice", "amount": 10}
	sig, err := kp.Sign(payload)
	require.NoError(t, err)

	payload["amount"] = 11
	ok, err := Verify(kp.Public, payload, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyFailsUnderWrongKey(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	other, err := GenerateKeypair()
	require.NoError(t, err)

	payload := map[string]string{"hello": "world"}
	sig, err := kp.Sign(payload)
	require.NoError(t, err)

	ok, err := Verify(other.Public, payload, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

// ============================================================================
// CANONICAL JSON
// ============================================================================

func TestCanonicalJSONSortsKeysAtEveryLevel(t *testing.T) {
	v := map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"y": 2, "x": 1},
		"mid":   []any{map[string]any{"b": 2, "a": 1}},
	}
	out, err := CanonicalJSON(v)
	require.NoError(t, err)
	assert.Equal(t,
		`{"alpha":{"x":1,"y":2},"mid":[{"a":1,"b":2}],"zebra":1}`,
		string(out))
}

func TestCanonicalJSONIsAFixedPoint(t *testing.T) {
	v := map[string]any{
		"b": []any{3, 2, 1},
		"a": map[string]any{"nested": map[string]any{"k2": "v", "k1": "v"}},
		"c": "text with \"quotes\"",
	}
	once, err := CanonicalJSON(v)
	require.NoError(t, err)

	// Decoding the canonical form and re-canonicalizing must reproduce it
	// byte for byte.
	twice, err := CanonicalJSON(mustDecode(t, once))
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestCanonicalJSONPreservesArrayOrder(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"list": []any{"c", "a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, `{"list":["c","a","b"]}`, string(out))
}

func TestCanonicalJSONKeepsIntegersIntact(t *testing.T) {
	raw := []byte(`{"big":9007199254740993,"small":-1}`)
	out, err := CanonicalJSON(mustDecode(t, raw))
	require.NoError(t, err)
	assert.Equal(t, `{"big":9007199254740993,"small":-1}`, string(out))
}

func mustDecode(t *testing.T, raw []byte) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}
