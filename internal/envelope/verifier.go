package envelope

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/identity"
)

// FreshnessWindow is the allowed clock skew between the envelope timestamp
// and server time. Exactly at the boundary is accepted.
const FreshnessWindow = 60 * time.Second

// Verifier authenticates inbound envelopes: freshness, nonce, address/key
// binding, and the Ed25519 signature over the canonical form.
type Verifier struct {
	memo *NonceMemo
	now  func() time.Time
}

// NewVerifier wires the verifier to a shared nonce memo.
func NewVerifier(memo *NonceMemo) *Verifier {
	return &Verifier{memo: memo, now: time.Now}
}

// Verify checks raw (the exact bytes received) against env (its parsed form).
// connAddr is the address the delivering connection registered as; a
// connection may only speak for its own address. Failures come back as
// *WireError with one of the stable codes so clients can mount the silent
// retry loop on expired/bad_signature.
func (v *Verifier) Verify(raw []byte, env *Envelope, connAddr string) *WireError {
	// A nonce the memo already holds is a replayed capture no matter which
	// connection carries it, so it classifies as replay ahead of the binding
	// checks. This read does not record the nonce; only a frame that passes
	// every other check burns it below.
	if env.Nonce != "" && v.memo.Seen(env.Nonce) {
		return Errf(CodeReplay, "nonce already seen")
	}

	if connAddr == "" || env.FromAddress != connAddr {
		return Errf(CodeNotRegistered, "connection is not registered as %s", env.FromAddress)
	}

	now := v.now().UnixMilli()
	delta := now - env.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if delta > FreshnessWindow.Milliseconds() {
		return Errf(CodeExpired, "timestamp %dms outside freshness window", delta)
	}

	pub, err := base64.StdEncoding.DecodeString(env.FromPubkey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return Errf(CodeBadSignature, "malformed public key")
	}
	if identity.DeriveAddress(pub) != env.FromAddress {
		return Errf(CodeAddressMismatch, "address does not match public key")
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return Errf(CodeBadSignature, "malformed signature")
	}

	signed, err := signedBytes(raw)
	if err != nil {
		return Errf(CodeBadSignature, "non-canonicalizable envelope")
	}
	if !ed25519.Verify(pub, signed, sig) {
		return Errf(CodeBadSignature, "signature does not verify")
	}

	// Nonce check runs last so a replayed capture with a bad signature still
	// reports bad_signature, and a failed signature attempt doesn't burn the
	// nonce for the legitimate sender.
	if env.Nonce == "" || !v.memo.Observe(env.Nonce) {
		return Errf(CodeReplay, "nonce already seen")
	}
	return nil
}

// signedBytes canonicalizes the received frame minus its signature field.
// Working from the raw bytes (not the parsed struct) keeps payload fields the
// struct doesn't model inside the signed set.
func signedBytes(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	delete(tree, "signature")
	return identity.CanonicalJSON(tree)
}

// SignedBytes is the client-side counterpart used by tests and tooling to
// produce the exact byte sequence a sender must sign.
func SignedBytes(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return signedBytes(raw)
}
