package pg

import (
	"context"
	"database/sql"
	"errors"

	"opendesk.org/internal/auth"
	"opendesk.org/internal/ids"
)

type orgStore struct{ db *sql.DB }

func (st orgStore) Create(ctx context.Context, org *auth.Organization) error {
	_, err := st.db.ExecContext(ctx, `
		insert into organizations (id, name, slug, contact_email, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, org.ID, org.Name, org.Slug, org.ContactEmail, org.Active, org.CreatedAt, org.UpdatedAt)
	return mapConstraintErr(err)
}

func (st orgStore) Find(ctx context.Context, id string) (*auth.Organization, error) {
	var org auth.Organization
	err := st.db.QueryRowContext(ctx, `
		select id, name, slug, contact_email, active, created_at, updated_at
		from organizations where id = $1
	`, id).Scan(&org.ID, &org.Name, &org.Slug, &org.ContactEmail, &org.Active, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (st orgStore) List(ctx context.Context) ([]*auth.Organization, error) {
	rows, err := st.db.QueryContext(ctx, `
		select id, name, slug, contact_email, active, created_at, updated_at
		from organizations order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Organization
	for rows.Next() {
		var org auth.Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Slug, &org.ContactEmail, &org.Active, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &org)
	}
	return out, rows.Err()
}

func (st orgStore) Delete(ctx context.Context, id string) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update profiles set organization_id = null, updated_at = now() where organization_id = $1
	`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from organizations where id = $1`, id)
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
	return tx.Commit()
}

type roleStore struct{ db *sql.DB }

func (st roleStore) Create(ctx context.Context, role *auth.Role) error {
	_, err := st.db.ExecContext(ctx, `
		insert into roles (id, name, description, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
	`, role.ID, role.Name, role.Description, role.CreatedAt, role.UpdatedAt)
	return mapConstraintErr(err)
}

func (st roleStore) Find(ctx context.Context, roleID string) (*auth.Role, error) {
	var role auth.Role
	err := st.db.QueryRowContext(ctx, `
		select id, name, description, created_at, updated_at from roles where id = $1
	`, roleID).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &role, nil
}

func (st roleStore) List(ctx context.Context) ([]*auth.Role, error) {
	rows, err := st.db.QueryContext(ctx, `
		select id, name, description, created_at, updated_at from roles order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &role)
	}
	return out, rows.Err()
}

// SetPermissions replaces the role's permission set in one transaction.
// Unknown keys are registered in the catalog on the fly.
func (st roleStore) SetPermissions(ctx context.Context, roleID string, permissionKeys []string) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from roles where id = $1)`, roleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, key := range permissionKeys {
		permID, err := ensurePermissionTx(ctx, tx, key, "")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id) values ($1, $2)
			on conflict do nothing
		`, roleID, permID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (st roleStore) Assign(ctx context.Context, identityID, roleID string) error {
	_, err := st.db.ExecContext(ctx, `
		insert into identity_roles (identity_id, role_id) values ($1, $2)
		on conflict do nothing
	`, identityID, roleID)
	return mapConstraintErr(err)
}

func (st roleStore) Remove(ctx context.Context, identityID, roleID string) error {
	res, err := st.db.ExecContext(ctx, `
		delete from identity_roles where identity_id = $1 and role_id = $2
	`, identityID, roleID)
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

func (st roleStore) RolesFor(ctx context.Context, identityID string) ([]*auth.Role, error) {
	rows, err := st.db.QueryContext(ctx, `
		select r.id, r.name, r.description, r.created_at, r.updated_at
		from roles r
		join identity_roles ir on ir.role_id = r.id
		where ir.identity_id = $1
		order by r.name
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &role)
	}
	return out, rows.Err()
}

func (st roleStore) PermissionKeysFor(ctx context.Context, identityID string) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, `
		select distinct p.key
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		join identity_roles ir on ir.role_id = rp.role_id
		where ir.identity_id = $1
		order by p.key
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

type permissionStore struct{ db *sql.DB }

func (st permissionStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range perms {
		if _, err := ensurePermissionTx(ctx, tx, p.Key, p.Description); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (st permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	rows, err := st.db.QueryContext(ctx, `
		select id, key, description, created_at from permissions order by key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (st permissionStore) Grant(ctx context.Context, identityID, permissionKey string) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	permID, err := ensurePermissionTx(ctx, tx, permissionKey, "")
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into identity_permissions (identity_id, permission_id) values ($1, $2)
		on conflict do nothing
	`, identityID, permID); err != nil {
		return mapConstraintErr(err)
	}
	return tx.Commit()
}

func (st permissionStore) DirectGrantsFor(ctx context.Context, identityID string) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, `
		select p.key
		from permissions p
		join identity_permissions ip on ip.permission_id = p.id
		where ip.identity_id = $1
		order by p.key
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func ensurePermissionTx(ctx context.Context, tx *sql.Tx, key, description string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `select id from permissions where key = $1`, key).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	id = ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into permissions (id, key, description, created_at) values ($1, $2, $3, now())
	`, id, key, description); err != nil {
		return "", mapConstraintErr(err)
	}
	return id, nil
}
