// Package identity implements the keypair and address scheme for the hub.
//
// Every client holds a locally generated Ed25519 keypair. Its stable
// identifier is the address "call:" + base58(public key). The hub never sees
// a secret key — address ownership is proven by the signature on each
// envelope, not by registration.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// AddressPrefix is prepended to the base58 public key to form an address.
const AddressPrefix = "call:"

var (
	ErrBadAddress = errors.New("malformed address")
	ErrBadKeySize = errors.New("public key must be 32 bytes")
)

// Keypair bundles an Ed25519 keypair with its derived address.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	Address string
}

// GenerateKeypair creates a fresh Ed25519 keypair. Clients do this locally;
// the server only generates keypairs in tests and tooling.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Keypair{
		Public:  pub,
		Private: priv,
		Address: DeriveAddress(pub),
	}, nil
}

// DeriveAddress computes the canonical address for a public key.
func DeriveAddress(pub ed25519.PublicKey) string {
	return AddressPrefix + base58.Encode(pub)
}

// ParseAddress extracts the public key embedded in an address.
func ParseAddress(addr string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(addr, AddressPrefix) {
		return nil, ErrBadAddress
	}
	raw, err := base58.Decode(strings.TrimPrefix(addr, AddressPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrBadKeySize
	}
	return ed25519.PublicKey(raw), nil
}

// ValidAddress reports whether addr is a well-formed address.
func ValidAddress(addr string) bool {
	_, err := ParseAddress(addr)
	return err == nil
}

// Sign signs the canonical serialization of v with the keypair's private key.
func (kp *Keypair) Sign(v any) ([]byte, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(kp.Private, data), nil
}

// Verify checks sig against the canonical serialization of v under pub.
func Verify(pub ed25519.PublicKey, v any, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, ErrBadKeySize
	}
	data, err := CanonicalJSON(v)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}
