package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Postgres is the canonical Backend. One short transaction per operation;
// no transaction is ever held across unrelated I/O.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects using DATABASE_URL semantics and applies migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("postgres connected")
	return p, nil
}

// Close shuts down the pool.
func (p *Postgres) Close() error { return p.db.Close() }

// isUniqueViolation reports a Postgres 23505 error, used by the seq-assign
// retry loop and idempotent inserts.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func (p *Postgres) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		address       TEXT PRIMARY KEY,
		public_key    BYTEA NOT NULL,
		plan          TEXT NOT NULL DEFAULT 'free',
		plan_status   TEXT NOT NULL DEFAULT 'active',
		role          TEXT NOT NULL DEFAULT 'user',
		trial         BOOLEAN NOT NULL DEFAULT FALSE,
		suspended     BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		owner_address   TEXT NOT NULL,
		contact_address TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		always_allowed  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (owner_address, contact_address)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id               TEXT PRIMARY KEY,
		type             TEXT NOT NULL,
		created_by       TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_message_seq BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		convo_id TEXT NOT NULL REFERENCES conversations(id),
		address  TEXT NOT NULL,
		PRIMARY KEY (convo_id, address)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id               TEXT PRIMARY KEY,
		convo_id         TEXT NOT NULL REFERENCES conversations(id),
		from_address     TEXT NOT NULL,
		to_address       TEXT NOT NULL,
		content          BYTEA NOT NULL,
		media_type       TEXT NOT NULL DEFAULT 'text/plain',
		seq              BIGINT NOT NULL,
		server_timestamp TIMESTAMPTZ NOT NULL,
		status           TEXT NOT NULL DEFAULT 'pending',
		UNIQUE (convo_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pending
		ON messages (to_address, status) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS usage_counters (
		address             TEXT PRIMARY KEY,
		day_key             TEXT NOT NULL,
		month_key           TEXT NOT NULL,
		calls_started_today INT NOT NULL DEFAULT 0,
		failed_starts_today INT NOT NULL DEFAULT 0,
		call_attempts_hour  INT NOT NULL DEFAULT 0,
		last_attempt_hour   INT NOT NULL DEFAULT -1,
		seconds_used_month  BIGINT NOT NULL DEFAULT 0,
		relay_penalty_until TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS relay_call_events (
		address TEXT NOT NULL,
		at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relay_events ON relay_call_events (address, at)`,
	`CREATE TABLE IF NOT EXISTS active_calls (
		session_id            TEXT PRIMARY KEY,
		caller_address        TEXT NOT NULL,
		callee_address        TEXT NOT NULL,
		caller_tier           TEXT NOT NULL,
		callee_tier           TEXT NOT NULL,
		started_at            TIMESTAMPTZ NOT NULL,
		last_heartbeat_caller TIMESTAMPTZ NOT NULL,
		last_heartbeat_callee TIMESTAMPTZ NOT NULL,
		max_duration_seconds  INT NOT NULL DEFAULT 0,
		relay_used            BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS call_session_tokens (
		token          TEXT PRIMARY KEY,
		nonce_hash     TEXT NOT NULL,
		user_address   TEXT NOT NULL,
		target_address TEXT NOT NULL DEFAULT '',
		plan           TEXT NOT NULL,
		allow_turn     BOOLEAN NOT NULL,
		allow_video    BOOLEAN NOT NULL,
		issued_at      TIMESTAMPTZ NOT NULL,
		expires_at     TIMESTAMPTZ NOT NULL,
		used_at        TIMESTAMPTZ,
		used_by_ip     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS token_events (
		token  TEXT NOT NULL,
		event  TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS call_policies (
		address                     TEXT PRIMARY KEY,
		allow_calls_from            TEXT NOT NULL DEFAULT 'contacts',
		unknown_caller_behavior     TEXT NOT NULL DEFAULT 'request',
		max_rings_per_sender        INT NOT NULL DEFAULT 3,
		ring_window_minutes         INT NOT NULL DEFAULT 10,
		auto_block_after_rejections INT NOT NULL DEFAULT 5,
		business_hours_enabled      BOOLEAN NOT NULL DEFAULT FALSE,
		business_hours_start        INT NOT NULL DEFAULT 9,
		business_hours_end          INT NOT NULL DEFAULT 17,
		voicemail_enabled           BOOLEAN NOT NULL DEFAULT FALSE,
		voicemail_text              TEXT NOT NULL DEFAULT '',
		require_payment             BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS contact_overrides (
		owner_address  TEXT NOT NULL,
		caller_address TEXT NOT NULL,
		mode           TEXT NOT NULL,
		window_start   INT NOT NULL DEFAULT 0,
		window_end     INT NOT NULL DEFAULT 0,
		consumed       BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (owner_address, caller_address)
	)`,
	`CREATE TABLE IF NOT EXISTS blocklist (
		owner_address   TEXT NOT NULL,
		blocked_address TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		until           TIMESTAMPTZ,
		PRIMARY KEY (owner_address, blocked_address)
	)`,
	`CREATE TABLE IF NOT EXISTS rejection_counts (
		callee_address TEXT NOT NULL,
		caller_address TEXT NOT NULL,
		rejections     INT NOT NULL DEFAULT 0,
		PRIMARY KEY (callee_address, caller_address)
	)`,
	`CREATE TABLE IF NOT EXISTS passes (
		id            TEXT PRIMARY KEY,
		owner_address TEXT NOT NULL,
		kind          TEXT NOT NULL,
		uses_left     INT NOT NULL DEFAULT 0,
		expires_at    TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		revoked       BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS call_history (
		session_id     TEXT PRIMARY KEY,
		caller_address TEXT NOT NULL,
		callee_address TEXT NOT NULL,
		started_at     TIMESTAMPTZ NOT NULL,
		duration_sec   INT NOT NULL,
		outcome        TEXT NOT NULL,
		relay_used     BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_call_history_caller ON call_history (caller_address, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_call_history_callee ON call_history (callee_address, started_at)`,
}
