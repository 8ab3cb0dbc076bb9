package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (p *Postgres) CreateActiveCall(ctx context.Context, call *ActiveCall) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO active_calls
			(session_id, caller_address, callee_address, caller_tier, callee_tier,
			 started_at, last_heartbeat_caller, last_heartbeat_callee,
			 max_duration_seconds, relay_used)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $6, $7, $8)`,
		call.SessionID, call.CallerAddress, call.CalleeAddress,
		call.CallerTier, call.CalleeTier, call.StartedAt,
		call.MaxDurationSeconds, call.RelayUsed)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create active call: %w", err)
	}
	return nil
}

func (p *Postgres) GetActiveCall(ctx context.Context, sessionID string) (*ActiveCall, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT session_id, caller_address, callee_address, caller_tier, callee_tier,
		       started_at, last_heartbeat_caller, last_heartbeat_callee,
		       max_duration_seconds, relay_used
		FROM active_calls WHERE session_id = $1`, sessionID)
	return scanActiveCall(row)
}

func (p *Postgres) ActiveCallsFor(ctx context.Context, address string) ([]*ActiveCall, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, caller_address, callee_address, caller_tier, callee_tier,
		       started_at, last_heartbeat_caller, last_heartbeat_callee,
		       max_duration_seconds, relay_used
		FROM active_calls WHERE caller_address = $1 OR callee_address = $1`, address)
	if err != nil {
		return nil, err
	}
	return scanActiveCalls(rows)
}

// HeartbeatActiveCall refreshes the heartbeat column belonging to whichever
// side address is on.
func (p *Postgres) HeartbeatActiveCall(ctx context.Context, sessionID, address string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE active_calls SET
			last_heartbeat_caller = CASE WHEN caller_address = $2 THEN $3 ELSE last_heartbeat_caller END,
			last_heartbeat_callee = CASE WHEN callee_address = $2 THEN $3 ELSE last_heartbeat_callee END
		WHERE session_id = $1 AND (caller_address = $2 OR callee_address = $2)`,
		sessionID, address, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetRelayUsed(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE active_calls SET relay_used = TRUE WHERE session_id = $1`, sessionID)
	return err
}

func (p *Postgres) DeleteActiveCall(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM active_calls WHERE session_id = $1`, sessionID)
	return err
}

func (p *Postgres) ListActiveCalls(ctx context.Context) ([]*ActiveCall, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, caller_address, callee_address, caller_tier, callee_tier,
		       started_at, last_heartbeat_caller, last_heartbeat_callee,
		       max_duration_seconds, relay_used
		FROM active_calls`)
	if err != nil {
		return nil, err
	}
	return scanActiveCalls(rows)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanActiveCall(row rowScanner) (*ActiveCall, error) {
	var c ActiveCall
	err := row.Scan(&c.SessionID, &c.CallerAddress, &c.CalleeAddress,
		&c.CallerTier, &c.CalleeTier, &c.StartedAt,
		&c.LastHeartbeatCaller, &c.LastHeartbeatCallee,
		&c.MaxDurationSeconds, &c.RelayUsed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanActiveCalls(rows *sql.Rows) ([]*ActiveCall, error) {
	defer rows.Close()
	var out []*ActiveCall
	for rows.Next() {
		c, err := scanActiveCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) RecordCall(ctx context.Context, r *CallRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_history
			(session_id, caller_address, callee_address, started_at, duration_sec, outcome, relay_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO NOTHING`,
		r.SessionID, r.CallerAddress, r.CalleeAddress, r.StartedAt,
		r.DurationSec, r.Outcome, r.RelayUsed)
	return err
}

func (p *Postgres) CallHistory(ctx context.Context, address string, limit int) ([]*CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, caller_address, callee_address, started_at, duration_sec, outcome, relay_used
		FROM call_history
		WHERE caller_address = $1 OR callee_address = $1
		ORDER BY started_at DESC LIMIT $2`, address, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.SessionID, &r.CallerAddress, &r.CalleeAddress,
			&r.StartedAt, &r.DurationSec, &r.Outcome, &r.RelayUsed); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
