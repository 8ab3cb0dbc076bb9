package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Window key helpers. Counters are keyed on UTC so rollover is the same on
// every instance.
func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// GetOrCreateUsage reads the counter row, lazily zeroing any window whose key
// no longer matches the clock. The reset happens inside the same transaction
// as the read, so callers never observe stale windows (invariant: day fields
// are zero whenever day_key != today).
func (p *Postgres) GetOrCreateUsage(ctx context.Context, address string) (*Usage, error) {
	now := time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u, err := p.usageInTx(ctx, tx, address, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

// usageInTx performs the get-or-create plus lazy rollover under tx.
func (p *Postgres) usageInTx(ctx context.Context, tx *sql.Tx, address string, now time.Time) (*Usage, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_counters (address, day_key, month_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO NOTHING`,
		address, dayKey(now), monthKey(now)); err != nil {
		return nil, fmt.Errorf("ensure usage row: %w", err)
	}

	var u Usage
	var penalty sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT address, day_key, month_key, calls_started_today, failed_starts_today,
		       call_attempts_hour, last_attempt_hour, seconds_used_month, relay_penalty_until
		FROM usage_counters WHERE address = $1 FOR UPDATE`, address).
		Scan(&u.Address, &u.DayKey, &u.MonthKey, &u.CallsStartedToday, &u.FailedStartsToday,
			&u.CallAttemptsHour, &u.LastAttemptHour, &u.SecondsUsedMonth, &penalty)
	if err != nil {
		return nil, fmt.Errorf("read usage: %w", err)
	}
	if penalty.Valid {
		t := penalty.Time
		u.RelayPenaltyUntil = &t
	}

	changed := false
	if u.DayKey != dayKey(now) {
		u.DayKey = dayKey(now)
		u.CallsStartedToday = 0
		u.FailedStartsToday = 0
		changed = true
	}
	if u.MonthKey != monthKey(now) {
		u.MonthKey = monthKey(now)
		u.SecondsUsedMonth = 0
		changed = true
	}
	if u.LastAttemptHour != now.UTC().Hour() {
		u.LastAttemptHour = now.UTC().Hour()
		u.CallAttemptsHour = 0
		changed = true
	}
	if changed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE usage_counters
			SET day_key = $2, month_key = $3, calls_started_today = $4,
			    failed_starts_today = $5, call_attempts_hour = $6,
			    last_attempt_hour = $7, seconds_used_month = $8
			WHERE address = $1`,
			u.Address, u.DayKey, u.MonthKey, u.CallsStartedToday,
			u.FailedStartsToday, u.CallAttemptsHour, u.LastAttemptHour, u.SecondsUsedMonth); err != nil {
			return nil, fmt.Errorf("roll usage windows: %w", err)
		}
	}
	return &u, nil
}

func (p *Postgres) bumpUsage(ctx context.Context, address, column string) error {
	now := time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := p.usageInTx(ctx, tx, address, now); err != nil {
		return err
	}
	// column comes from a fixed internal set, never from input.
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_counters SET `+column+` = `+column+` + 1 WHERE address = $1`, address); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) IncrementCallsStarted(ctx context.Context, address string) error {
	return p.bumpUsage(ctx, address, "calls_started_today")
}

func (p *Postgres) IncrementFailedStarts(ctx context.Context, address string) error {
	return p.bumpUsage(ctx, address, "failed_starts_today")
}

// IncrementCallAttempts bumps the hourly attempt counter, resetting it first
// when the wall-clock hour has moved on, and returns the post-increment count.
func (p *Postgres) IncrementCallAttempts(ctx context.Context, address string) (int, error) {
	now := time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := p.usageInTx(ctx, tx, address, now); err != nil {
		return 0, err
	}
	var count int
	err = tx.QueryRowContext(ctx, `
		UPDATE usage_counters
		SET call_attempts_hour = call_attempts_hour + 1, last_attempt_hour = $2
		WHERE address = $1
		RETURNING call_attempts_hour`, address, now.UTC().Hour()).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (p *Postgres) AddSecondsUsed(ctx context.Context, address string, seconds int64) error {
	now := time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := p.usageInTx(ctx, tx, address, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_counters SET seconds_used_month = seconds_used_month + $2 WHERE address = $1`,
		address, seconds); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordRelayCall appends a timestamped relay event. The penalty rule sums
// events over a rolling 24 h window instead of a keyed counter, so day
// boundaries don't matter.
func (p *Postgres) RecordRelayCall(ctx context.Context, address string, at time.Time) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO relay_call_events (address, at) VALUES ($1, $2)`, address, at)
	return err
}

func (p *Postgres) RelayCallsSince(ctx context.Context, address string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relay_call_events WHERE address = $1 AND at >= $2`, address, since).Scan(&n)
	return n, err
}

func (p *Postgres) SetRelayPenalty(ctx context.Context, address string, until time.Time) error {
	now := time.Now()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := p.usageInTx(ctx, tx, address, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE usage_counters SET relay_penalty_until = $2 WHERE address = $1`, address, until); err != nil {
		return err
	}
	return tx.Commit()
}
