package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// seqAssignAttempts bounds the retry loop on unique-violation during seq
// assignment. The advisory lock makes collisions rare; the constraint is
// defense in depth.
const seqAssignAttempts = 5

func (p *Postgres) EnsureDirectConversation(ctx context.Context, a, b string) (*Conversation, error) {
	id := DirectConvoID(a, b)
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type) VALUES ($1, 'direct')
		ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}
	for _, addr := range []string{a, b} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (convo_id, address) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, addr); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetConversation(ctx, id)
}

func (p *Postgres) CreateGroupConversation(ctx context.Context, creator string, participants []string) (*Conversation, error) {
	id := "grp:" + uuid.NewString()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, type, created_by) VALUES ($1, 'group', $2)`, id, creator); err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	members := append([]string{creator}, participants...)
	for _, addr := range members {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (convo_id, address) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, addr); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetConversation(ctx, id)
}

func (p *Postgres) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := p.db.QueryRowContext(ctx, `
		SELECT id, type, created_by, created_at, last_message_seq FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.Type, &c.Creator, &c.CreatedAt, &c.LastMessageSeq)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT address FROM conversation_participants WHERE convo_id = $1 ORDER BY address`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		c.Participants = append(c.Participants, addr)
	}
	return &c, rows.Err()
}

func (p *Postgres) ListConversations(ctx context.Context, participant string) ([]*Conversation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN conversation_participants cp ON cp.convo_id = c.id
		WHERE cp.address = $1
		ORDER BY c.last_message_seq DESC, c.created_at DESC`, participant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := p.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *Postgres) RemoveParticipant(ctx context.Context, convoID, address string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM conversation_participants WHERE convo_id = $1 AND address = $2`, convoID, address)
	return err
}

// AppendMessage assigns the next dense seq under a per-conversation advisory
// lock and stamps server_timestamp inside the same transaction, which is
// what keeps seq dense and the timestamp monotone with it. The unique
// constraint on (convo_id, seq) backstops the lock; on a 23505 the insert
// retries with randomized backoff.
func (p *Postgres) AppendMessage(ctx context.Context, m *Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	var lastErr error
	for attempt := 0; attempt < seqAssignAttempts; attempt++ {
		stored, err := p.appendMessageOnce(ctx, m)
		if err == nil {
			return stored, nil
		}
		lastErr = err
		if !isUniqueViolation(err) {
			return nil, err
		}
		// Jittered backoff before retrying the seq race.
		time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)
	}
	return nil, fmt.Errorf("append message: retries exhausted: %w", lastErr)
}

func (p *Postgres) appendMessageOnce(ctx context.Context, m *Message) (*Message, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock($1)`, ConvoLockKey(m.ConvoID)); err != nil {
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	stored := *m
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, convo_id, from_address, to_address, content, media_type, seq, server_timestamp, status)
		SELECT $1, $2, $3, $4, $5, $6,
		       COALESCE(MAX(seq), 0) + 1,
		       now(), $7
		FROM messages WHERE convo_id = $2
		RETURNING seq, server_timestamp`,
		m.ID, m.ConvoID, m.FromAddress, m.ToAddress, m.Content, m.MediaType, m.Status).
		Scan(&stored.Seq, &stored.ServerTimestamp)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_seq = $2 WHERE id = $1`,
		m.ConvoID, stored.Seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (p *Postgres) PendingMessages(ctx context.Context, toAddress string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, convo_id, from_address, to_address, content, media_type, seq, server_timestamp, status
		FROM messages
		WHERE to_address = $1 AND status = 'pending'
		ORDER BY convo_id, seq ASC`, toAddress)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (p *Postgres) MarkDelivered(ctx context.Context, messageID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE messages SET status = 'delivered' WHERE id = $1 AND status = 'pending'`, messageID)
	return err
}

// MarkRead flips status to read through the given seq and returns the rows
// that changed so the router can fan receipts back to the senders.
func (p *Postgres) MarkRead(ctx context.Context, convoID, readerAddress string, throughSeq int64) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE messages SET status = 'read'
		WHERE convo_id = $1 AND to_address = $2 AND seq <= $3 AND status <> 'read'
		RETURNING id, convo_id, from_address, to_address, content, media_type, seq, server_timestamp, status`,
		convoID, readerAddress, throughSeq)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (p *Postgres) MessagesSince(ctx context.Context, convoID string, afterSeq int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, convo_id, from_address, to_address, content, media_type, seq, server_timestamp, status
		FROM messages
		WHERE convo_id = $1 AND seq > $2
		ORDER BY seq ASC LIMIT $3`, convoID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (p *Postgres) MessageHistory(ctx context.Context, convoID string, before time.Time, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, convo_id, from_address, to_address, content, media_type, seq, server_timestamp, status
		FROM messages
		WHERE convo_id = $1 AND server_timestamp < $2
		ORDER BY seq DESC LIMIT $3`, convoID, before, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// History pages are returned ascending like every other read path.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConvoID, &m.FromAddress, &m.ToAddress,
			&m.Content, &m.MediaType, &m.Seq, &m.ServerTimestamp, &m.Status); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
