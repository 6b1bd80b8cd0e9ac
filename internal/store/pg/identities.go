package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"opendesk.org/internal/auth"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const identityColumns = `id, username, email, password_hash, first_name, last_name, phone_number,
	email_verified, phone_verified, failed_logins, locked_until, last_login_ip,
	superuser, active, created_at, updated_at`

type identityStore struct{ db *sql.DB }

func (st identityStore) Create(ctx context.Context, id *auth.Identity, profile *auth.Profile) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into identities (id, username, email, password_hash, first_name, last_name,
			phone_number, email_verified, phone_verified, failed_logins, last_login_ip,
			superuser, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, '', $10, $11, $12, $13)
	`, id.ID, id.Username, id.Email, id.PasswordHash, id.FirstName, id.LastName,
		id.PhoneNumber, id.EmailVerified, id.PhoneVerified,
		id.Superuser, id.Active, id.CreatedAt, id.UpdatedAt); err != nil {
		return mapConstraintErr(err)
	}

	orgID := sql.NullString{String: profile.OrganizationID, Valid: profile.OrganizationID != ""}
	if _, err := tx.ExecContext(ctx, `
		insert into profiles (identity_id, organization_id, bio, timezone, language,
			two_factor_enabled, totp_secret, security_question, security_answer_hash,
			created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, profile.IdentityID, orgID, profile.Bio, profile.Timezone, profile.Language,
		profile.TwoFactorEnabled, profile.TOTPSecret, profile.SecurityQuestion,
		profile.SecurityAnswerHash, profile.CreatedAt, profile.UpdatedAt); err != nil {
		return mapConstraintErr(err)
	}
	return tx.Commit()
}

func (st identityStore) Find(ctx context.Context, identityID string) (*auth.Identity, error) {
	return st.findWhere(ctx, `id = $1`, identityID)
}

func (st identityStore) FindByUsername(ctx context.Context, username string) (*auth.Identity, error) {
	return st.findWhere(ctx, `lower(username) = lower($1)`, username)
}

func (st identityStore) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	return st.findWhere(ctx, `email = lower($1)`, email)
}

func (st identityStore) findWhere(ctx context.Context, where string, arg any) (*auth.Identity, error) {
	row := st.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where `+where, arg)
	return scanIdentity(row)
}

func scanIdentity(row *sql.Row) (*auth.Identity, error) {
	var (
		id     auth.Identity
		locked sql.NullTime
	)
	err := row.Scan(&id.ID, &id.Username, &id.Email, &id.PasswordHash,
		&id.FirstName, &id.LastName, &id.PhoneNumber,
		&id.EmailVerified, &id.PhoneVerified, &id.FailedLogins, &locked, &id.LastLoginIP,
		&id.Superuser, &id.Active, &id.CreatedAt, &id.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if locked.Valid {
		t := locked.Time
		id.LockedUntil = &t
	}
	return &id, nil
}

// RecordLoginFailure is a single UPDATE ... RETURNING statement so the
// row-level lock serializes concurrent failures and none are lost.
func (st identityStore) RecordLoginFailure(ctx context.Context, identityID string) (int, error) {
	var count int
	err := st.db.QueryRowContext(ctx, `
		update identities
		set failed_logins = failed_logins + 1, updated_at = now()
		where id = $1
		returning failed_logins
	`, identityID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, auth.ErrNotFound
	}
	return count, err
}

func (st identityStore) SetLockout(ctx context.Context, identityID string, until time.Time) error {
	return st.exec(ctx, `
		update identities set locked_until = $2, updated_at = now() where id = $1
	`, identityID, until)
}

func (st identityStore) ResetLoginState(ctx context.Context, identityID, clientIP string) error {
	return st.exec(ctx, `
		update identities
		set failed_logins = 0, locked_until = null,
			last_login_ip = case when $2 = '' then last_login_ip else $2 end,
			updated_at = now()
		where id = $1
	`, identityID, clientIP)
}

func (st identityStore) UpdatePassword(ctx context.Context, identityID, passwordHash string) error {
	return st.exec(ctx, `
		update identities set password_hash = $2, updated_at = now() where id = $1
	`, identityID, passwordHash)
}

func (st identityStore) MarkEmailVerified(ctx context.Context, identityID string) error {
	return st.exec(ctx, `
		update identities set email_verified = true, updated_at = now() where id = $1
	`, identityID)
}

func (st identityStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := st.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapConstraintErr(err)
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

type profileStore struct{ db *sql.DB }

func (st profileStore) Find(ctx context.Context, identityID string) (*auth.Profile, error) {
	var (
		p     auth.Profile
		orgID sql.NullString
	)
	err := st.db.QueryRowContext(ctx, `
		select identity_id, organization_id, bio, timezone, language,
			two_factor_enabled, totp_secret, security_question, security_answer_hash,
			created_at, updated_at
		from profiles where identity_id = $1
	`, identityID).Scan(&p.IdentityID, &orgID, &p.Bio, &p.Timezone, &p.Language,
		&p.TwoFactorEnabled, &p.TOTPSecret, &p.SecurityQuestion, &p.SecurityAnswerHash,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if orgID.Valid {
		p.OrganizationID = orgID.String
	}
	return &p, nil
}

func (st profileStore) Update(ctx context.Context, profile *auth.Profile) error {
	orgID := sql.NullString{String: profile.OrganizationID, Valid: profile.OrganizationID != ""}
	query, args, err := psql.Update("profiles").
		Set("organization_id", orgID).
		Set("bio", profile.Bio).
		Set("timezone", profile.Timezone).
		Set("language", profile.Language).
		Set("two_factor_enabled", profile.TwoFactorEnabled).
		Set("totp_secret", profile.TOTPSecret).
		Set("security_question", profile.SecurityQuestion).
		Set("security_answer_hash", profile.SecurityAnswerHash).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"identity_id": profile.IdentityID}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := st.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapConstraintErr(err)
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
