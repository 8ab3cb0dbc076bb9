package store

import (
	"context"
	"database/sql"
	"fmt"
)

func (p *Postgres) GetOrCreateUser(ctx context.Context, address string, publicKey []byte) (*User, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (address, public_key) VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING`, address, publicKey)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return p.GetUser(ctx, address)
}

func (p *Postgres) GetUser(ctx context.Context, address string) (*User, error) {
	var u User
	err := p.db.QueryRowContext(ctx, `
		SELECT address, public_key, plan, plan_status, role, trial, suspended, created_at
		FROM users WHERE address = $1`, address).
		Scan(&u.Address, &u.PublicKey, &u.Plan, &u.PlanStatus, &u.Role, &u.Trial, &u.Suspended, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (p *Postgres) UpdateUserPlan(ctx context.Context, address, plan, planStatus string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET plan = $2, plan_status = $3 WHERE address = $1`,
		address, plan, planStatus)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetUserSuspended(ctx context.Context, address string, suspended bool) error {
	_, err := p.db.ExecContext(ctx, `UPDATE users SET suspended = $2 WHERE address = $1`, address, suspended)
	return err
}

func (p *Postgres) AddContact(ctx context.Context, c *Contact) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contacts (owner_address, contact_address, name, always_allowed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_address, contact_address)
		DO UPDATE SET name = EXCLUDED.name, always_allowed = EXCLUDED.always_allowed`,
		c.OwnerAddress, c.ContactAddress, c.Name, c.AlwaysAllowed)
	return err
}

func (p *Postgres) RemoveContact(ctx context.Context, owner, contact string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM contacts WHERE owner_address = $1 AND contact_address = $2`, owner, contact)
	return err
}

func (p *Postgres) HasContact(ctx context.Context, owner, contact string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM contacts WHERE owner_address = $1 AND contact_address = $2`, owner, contact).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (p *Postgres) ListContacts(ctx context.Context, owner string) ([]*Contact, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT owner_address, contact_address, name, always_allowed, created_at
		FROM contacts WHERE owner_address = $1 ORDER BY created_at`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.OwnerAddress, &c.ContactAddress, &c.Name, &c.AlwaysAllowed, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
