// Package ice builds the STUN/TURN server lists handed to clients. Free-tier
// clients get STUN only; paid tiers additionally get TURN relay candidates
// when the operator has configured them.
package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/config"
)

// DefaultStunURLs is the open set used under TURN_MODE=public when the
// operator supplies none.
var DefaultStunURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Server is one RTCIceServer entry as the browser expects it.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Builder struct {
	cfg config.ICEConfig
}

func NewBuilder(cfg config.ICEConfig) *Builder {
	return &Builder{cfg: cfg}
}

func (b *Builder) Mode() string { return b.cfg.Mode }

// Servers returns the tier-appropriate list. allowTurn comes from the
// call-session token entitlement.
func (b *Builder) Servers(allowTurn bool) []Server {
	if b.cfg.Mode == "off" {
		return nil
	}
	stun := b.cfg.StunURLs
	if len(stun) == 0 {
		stun = DefaultStunURLs
	}
	out := []Server{{URLs: stun}}

	if allowTurn && b.cfg.TurnConfigured() {
		user, cred := b.turnCredentials()
		out = append(out, Server{URLs: b.cfg.TurnURLs, Username: user, Credential: cred})
	}
	return out
}

// turnCredentials returns either the static operator credential or, when a
// shared secret is set, a coturn-style time-limited credential: username is
// an expiry unix timestamp and the credential is HMAC-SHA1 over it.
func (b *Builder) turnCredentials() (string, string) {
	if b.cfg.TurnSecret == "" {
		return b.cfg.TurnUsername, b.cfg.TurnCredential
	}
	expiry := time.Now().Add(12 * time.Hour).Unix()
	username := fmt.Sprintf("%d", expiry)
	mac := hmac.New(sha1.New, []byte(b.cfg.TurnSecret))
	mac.Write([]byte(username))
	return username, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
