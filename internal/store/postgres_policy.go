package store

import (
	"context"
	"database/sql"
	"time"
)

// defaultPolicy is what a user gets before ever touching their settings.
func defaultPolicy(address string) *PolicyRecord {
	return &PolicyRecord{
		Address:                  address,
		AllowCallsFrom:           AllowContacts,
		UnknownCallerBehavior:    UnknownRequest,
		MaxRingsPerSender:        3,
		RingWindowMinutes:        10,
		AutoBlockAfterRejections: 5,
		BusinessHoursStart:       9,
		BusinessHoursEnd:         17,
	}
}

func (p *Postgres) GetPolicy(ctx context.Context, address string) (*PolicyRecord, error) {
	var r PolicyRecord
	err := p.db.QueryRowContext(ctx, `
		SELECT address, allow_calls_from, unknown_caller_behavior, max_rings_per_sender,
		       ring_window_minutes, auto_block_after_rejections, business_hours_enabled,
		       business_hours_start, business_hours_end, voicemail_enabled, voicemail_text,
		       require_payment
		FROM call_policies WHERE address = $1`, address).
		Scan(&r.Address, &r.AllowCallsFrom, &r.UnknownCallerBehavior, &r.MaxRingsPerSender,
			&r.RingWindowMinutes, &r.AutoBlockAfterRejections, &r.BusinessHoursEnabled,
			&r.BusinessHoursStart, &r.BusinessHoursEnd, &r.VoicemailEnabled, &r.VoicemailText,
			&r.RequirePayment)
	if err == sql.ErrNoRows {
		return defaultPolicy(address), nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) UpsertPolicy(ctx context.Context, r *PolicyRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_policies
			(address, allow_calls_from, unknown_caller_behavior, max_rings_per_sender,
			 ring_window_minutes, auto_block_after_rejections, business_hours_enabled,
			 business_hours_start, business_hours_end, voicemail_enabled, voicemail_text,
			 require_payment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (address) DO UPDATE SET
			allow_calls_from = EXCLUDED.allow_calls_from,
			unknown_caller_behavior = EXCLUDED.unknown_caller_behavior,
			max_rings_per_sender = EXCLUDED.max_rings_per_sender,
			ring_window_minutes = EXCLUDED.ring_window_minutes,
			auto_block_after_rejections = EXCLUDED.auto_block_after_rejections,
			business_hours_enabled = EXCLUDED.business_hours_enabled,
			business_hours_start = EXCLUDED.business_hours_start,
			business_hours_end = EXCLUDED.business_hours_end,
			voicemail_enabled = EXCLUDED.voicemail_enabled,
			voicemail_text = EXCLUDED.voicemail_text,
			require_payment = EXCLUDED.require_payment`,
		r.Address, r.AllowCallsFrom, r.UnknownCallerBehavior, r.MaxRingsPerSender,
		r.RingWindowMinutes, r.AutoBlockAfterRejections, r.BusinessHoursEnabled,
		r.BusinessHoursStart, r.BusinessHoursEnd, r.VoicemailEnabled, r.VoicemailText,
		r.RequirePayment)
	return err
}

func (p *Postgres) GetContactOverride(ctx context.Context, owner, caller string) (*ContactOverride, error) {
	var o ContactOverride
	err := p.db.QueryRowContext(ctx, `
		SELECT owner_address, caller_address, mode, window_start, window_end, consumed
		FROM contact_overrides WHERE owner_address = $1 AND caller_address = $2`,
		owner, caller).
		Scan(&o.OwnerAddress, &o.CallerAddress, &o.Mode, &o.WindowStart, &o.WindowEnd, &o.Consumed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *Postgres) UpsertContactOverride(ctx context.Context, o *ContactOverride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contact_overrides (owner_address, caller_address, mode, window_start, window_end, consumed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_address, caller_address) DO UPDATE SET
			mode = EXCLUDED.mode, window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end, consumed = EXCLUDED.consumed`,
		o.OwnerAddress, o.CallerAddress, o.Mode, o.WindowStart, o.WindowEnd, o.Consumed)
	return err
}

func (p *Postgres) ConsumeContactOverride(ctx context.Context, owner, caller string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE contact_overrides SET consumed = TRUE
		WHERE owner_address = $1 AND caller_address = $2 AND mode = 'one_time'`,
		owner, caller)
	return err
}

func (p *Postgres) IsBlocked(ctx context.Context, owner, caller string, now time.Time) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `
		SELECT 1 FROM blocklist
		WHERE owner_address = $1 AND blocked_address = $2
		  AND (until IS NULL OR until > $3)`, owner, caller, now).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (p *Postgres) AddBlock(ctx context.Context, b *BlockEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO blocklist (owner_address, blocked_address, reason, until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_address, blocked_address) DO UPDATE SET
			reason = EXCLUDED.reason, until = EXCLUDED.until`,
		b.OwnerAddress, b.BlockedAddress, b.Reason, b.Until)
	return err
}

func (p *Postgres) RemoveBlock(ctx context.Context, owner, blocked string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM blocklist WHERE owner_address = $1 AND blocked_address = $2`, owner, blocked)
	return err
}

func (p *Postgres) IncrementRejections(ctx context.Context, callee, caller string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rejection_counts (callee_address, caller_address, rejections)
		VALUES ($1, $2, 1)
		ON CONFLICT (callee_address, caller_address)
		DO UPDATE SET rejections = rejection_counts.rejections + 1
		RETURNING rejections`, callee, caller).Scan(&n)
	return n, err
}

func (p *Postgres) Rejections(ctx context.Context, callee, caller string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT rejections FROM rejection_counts
		WHERE callee_address = $1 AND caller_address = $2`, callee, caller).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (p *Postgres) CreatePass(ctx context.Context, pass *Pass) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO passes (id, owner_address, kind, uses_left, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		pass.ID, pass.OwnerAddress, pass.Kind, pass.UsesLeft, pass.ExpiresAt)
	return err
}

func (p *Postgres) GetPass(ctx context.Context, id string) (*Pass, error) {
	var pass Pass
	var exp sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_address, kind, uses_left, expires_at, created_at, revoked
		FROM passes WHERE id = $1`, id).
		Scan(&pass.ID, &pass.OwnerAddress, &pass.Kind, &pass.UsesLeft, &exp, &pass.CreatedAt, &pass.Revoked)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if exp.Valid {
		t := exp.Time
		pass.ExpiresAt = &t
	}
	return &pass, nil
}

// ConsumePass burns one use atomically. The WHERE clause re-checks validity
// so two concurrent callers can't both consume the last use.
func (p *Postgres) ConsumePass(ctx context.Context, id string, now time.Time) (*Pass, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE passes SET uses_left = CASE
			WHEN kind = 'unlimited' THEN uses_left
			ELSE uses_left - 1 END
		WHERE id = $1 AND NOT revoked
		  AND (expires_at IS NULL OR expires_at > $2)
		  AND (kind = 'unlimited' OR uses_left > 0)`, id, now)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return p.GetPass(ctx, id)
}

func (p *Postgres) RevokePass(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE passes SET revoked = TRUE WHERE id = $1`, id)
	return err
}
