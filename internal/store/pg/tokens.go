package pg

import (
	"context"
	"database/sql"
	"errors"

	"opendesk.org/internal/auth"
)

type tokenStore struct{ db *sql.DB }

func (st tokenStore) Create(ctx context.Context, rec *auth.RefreshTokenRecord) error {
	_, err := st.db.ExecContext(ctx, `
		insert into refresh_tokens (id, identity_id, issued_at, expires_at, revoked)
		values ($1, $2, $3, $4, $5)
		on conflict (id) do nothing
	`, rec.ID, rec.IdentityID, rec.IssuedAt, rec.ExpiresAt, rec.Revoked)
	return mapConstraintErr(err)
}

func (st tokenStore) Find(ctx context.Context, id string) (*auth.RefreshTokenRecord, error) {
	var rec auth.RefreshTokenRecord
	err := st.db.QueryRowContext(ctx, `
		select id, identity_id, issued_at, expires_at, revoked
		from refresh_tokens where id = $1
	`, id).Scan(&rec.ID, &rec.IdentityID, &rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (st tokenStore) Revoke(ctx context.Context, id string) error {
	res, err := st.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where id = $1
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (st tokenStore) RevokeAllFor(ctx context.Context, identityID string) error {
	_, err := st.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where identity_id = $1 and not revoked
	`, identityID)
	return err
}
