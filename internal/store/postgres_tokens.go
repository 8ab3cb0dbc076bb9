package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (p *Postgres) InsertCallToken(ctx context.Context, t *CallToken) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_session_tokens
			(token, nonce_hash, user_address, target_address, plan,
			 allow_turn, allow_video, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.Token, t.NonceHash, t.UserAddress, t.TargetAddress, t.Plan,
		t.AllowTurn, t.AllowVideo, t.IssuedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert call token: %w", err)
	}
	return nil
}

func (p *Postgres) GetCallToken(ctx context.Context, token string) (*CallToken, error) {
	var t CallToken
	var usedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT token, nonce_hash, user_address, target_address, plan,
		       allow_turn, allow_video, issued_at, expires_at, used_at, used_by_ip
		FROM call_session_tokens WHERE token = $1`, token).
		Scan(&t.Token, &t.NonceHash, &t.UserAddress, &t.TargetAddress, &t.Plan,
			&t.AllowTurn, &t.AllowVideo, &t.IssuedAt, &t.ExpiresAt, &usedAt, &t.UsedByIP)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		u := usedAt.Time
		t.UsedAt = &u
	}
	return &t, nil
}

// MarkTokenUsed is the single-use gate: one UPDATE sets used_at only while it
// is still NULL, so exactly one concurrent verifier wins. Zero rows updated
// means the token is missing, expired, or replayed — distinguished by a
// follow-up read.
func (p *Postgres) MarkTokenUsed(ctx context.Context, token, ip string, now time.Time) (*CallToken, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE call_session_tokens
		SET used_at = $3, used_by_ip = $2
		WHERE token = $1 AND used_at IS NULL AND expires_at >= $3`,
		token, ip, now)
	if err != nil {
		return nil, fmt.Errorf("mark token used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return p.GetCallToken(ctx, token)
	}

	t, err := p.GetCallToken(ctx, token)
	if err != nil {
		return nil, err // ErrTokenNotFound or transport failure
	}
	if t.UsedAt != nil {
		return nil, ErrTokenReplay
	}
	return nil, ErrTokenExpired
}

// DeleteExpiredTokens prunes rows well past their TTL (the sweeper passes a
// 24 h grace so replay attempts on fresh-but-expired tokens still classify
// as token_expired rather than token_not_found).
func (p *Postgres) DeleteExpiredTokens(ctx context.Context, expiredBefore time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM call_session_tokens WHERE expires_at < $1`, expiredBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) RecordTokenEvent(ctx context.Context, ev *TokenEvent) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO token_events (token, event, detail, at) VALUES ($1, $2, $3, $4)`,
		ev.Token, ev.Event, ev.Detail, ev.At)
	return err
}
