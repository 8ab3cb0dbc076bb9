// Package calltoken mints and verifies single-use call-session tokens. Every
// call initiation must present one; retries fetch a fresh token.
package calltoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/config"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/envelope"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

// Issued is the token-mint response. ServerTime lets clients compute their
// clock offset and stamp later envelopes with server-aligned timestamps.
type Issued struct {
	Token      string    `json:"token"`
	Nonce      string    `json:"nonce"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ServerTime time.Time `json:"server_time"`
	Plan       string    `json:"plan"`
	AllowTurn  bool      `json:"allow_turn"`
	AllowVideo bool      `json:"allow_video"`
}

type Issuer struct {
	backend store.Backend
	ice     config.ICEConfig
	ttl     time.Duration
}

func NewIssuer(backend store.Backend, ice config.ICEConfig, limits config.LimitsConfig) *Issuer {
	ttl := time.Duration(limits.TokenTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Issuer{backend: backend, ice: ice, ttl: ttl}
}

// Issue mints a token for user calling target (target may be empty for a
// pre-fetch). The raw nonce goes back to the client; only its hash is stored.
func (i *Issuer) Issue(ctx context.Context, user *store.User, target string) (*Issued, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("mint nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)
	hash := sha256.Sum256([]byte(nonce))

	now := time.Now()
	t := &store.CallToken{
		Token:         uuid.NewString(),
		NonceHash:     hex.EncodeToString(hash[:]),
		UserAddress:   user.Address,
		TargetAddress: target,
		Plan:          user.Plan,
		AllowTurn:     store.PaidPlan(user.Plan) && i.ice.TurnConfigured(),
		AllowVideo:    store.PaidPlan(user.Plan),
		IssuedAt:      now,
		ExpiresAt:     now.Add(i.ttl),
	}
	if err := i.backend.InsertCallToken(ctx, t); err != nil {
		return nil, err
	}
	_ = i.backend.RecordTokenEvent(ctx, &store.TokenEvent{
		Token: t.Token, Event: "issued", At: now,
	})
	return &Issued{
		Token:      t.Token,
		Nonce:      nonce,
		IssuedAt:   t.IssuedAt,
		ExpiresAt:  t.ExpiresAt,
		ServerTime: now,
		Plan:       t.Plan,
		AllowTurn:  t.AllowTurn,
		AllowVideo: t.AllowVideo,
	}, nil
}

// Verify consumes a token exactly once. The store's conditional update is the
// atomicity point; this layer maps its sentinels onto wire codes and records
// the event.
func (i *Issuer) Verify(ctx context.Context, token, userAddress, ip string) (*store.CallToken, *envelope.WireError) {
	now := time.Now()
	t, err := i.backend.MarkTokenUsed(ctx, token, ip, now)
	if err != nil {
		code := envelope.CodeInternal
		switch {
		case errors.Is(err, store.ErrTokenNotFound):
			code = envelope.CodeTokenNotFound
		case errors.Is(err, store.ErrTokenExpired):
			code = envelope.CodeTokenExpired
		case errors.Is(err, store.ErrTokenReplay):
			code = envelope.CodeTokenReplay
		}
		_ = i.backend.RecordTokenEvent(ctx, &store.TokenEvent{
			Token: token, Event: "rejected", Detail: code, At: now,
		})
		return nil, &envelope.WireError{Code: code}
	}
	if t.UserAddress != userAddress {
		_ = i.backend.RecordTokenEvent(ctx, &store.TokenEvent{
			Token: token, Event: "rejected", Detail: "wrong holder", At: now,
		})
		return nil, &envelope.WireError{Code: envelope.CodeTokenNotFound}
	}
	_ = i.backend.RecordTokenEvent(ctx, &store.TokenEvent{
		Token: token, Event: "used", At: now,
	})
	return t, nil
}
