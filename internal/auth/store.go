package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Identities(ctx context.Context) IdentityStore
	Profiles(ctx context.Context) ProfileStore
	Organizations(ctx context.Context) OrganizationStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
}

// IdentityStore manages identities and their login-attempt bookkeeping.
type IdentityStore interface {
	// Create persists the identity together with its profile atomically.
	Create(ctx context.Context, id *Identity, profile *Profile) error
	Find(ctx context.Context, identityID string) (*Identity, error)
	FindByUsername(ctx context.Context, username string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	// RecordLoginFailure atomically increments the failed-login counter and
	// returns the new value. Concurrent failures must all register.
	RecordLoginFailure(ctx context.Context, identityID string) (int, error)
	SetLockout(ctx context.Context, identityID string, until time.Time) error
	// ResetLoginState zeroes the failed-login counter, clears any lockout and
	// records the client address of the successful login.
	ResetLoginState(ctx context.Context, identityID, clientIP string) error
	UpdatePassword(ctx context.Context, identityID, passwordHash string) error
	MarkEmailVerified(ctx context.Context, identityID string) error
}

// ProfileStore manages the one-to-one identity profiles.
type ProfileStore interface {
	Find(ctx context.Context, identityID string) (*Profile, error)
	Update(ctx context.Context, profile *Profile) error
}

// OrganizationStore manages tenants.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	List(ctx context.Context) ([]*Organization, error)
	// Delete removes the organization; profile references are nulled, not
	// cascaded.
	Delete(ctx context.Context, id string) error
}

// RoleStore manages roles and identity-role assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, roleID string) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
	SetPermissions(ctx context.Context, roleID string, permissionKeys []string) error
	Assign(ctx context.Context, identityID, roleID string) error
	Remove(ctx context.Context, identityID, roleID string) error
	RolesFor(ctx context.Context, identityID string) ([]*Role, error)
	// PermissionKeysFor resolves the union of permission keys granted through
	// the identity's roles.
	PermissionKeysFor(ctx context.Context, identityID string) ([]string, error)
}

// PermissionStore manages the permission catalog and direct grants.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	Grant(ctx context.Context, identityID, permissionKey string) error
	DirectGrantsFor(ctx context.Context, identityID string) ([]string, error)
}

// RefreshTokenStore is the outstanding-token ledger and blacklist.
type RefreshTokenStore interface {
	Create(ctx context.Context, rec *RefreshTokenRecord) error
	Find(ctx context.Context, id string) (*RefreshTokenRecord, error)
	// Revoke marks the record blacklisted. Revoking an already revoked record
	// is not an error.
	Revoke(ctx context.Context, id string) error
	RevokeAllFor(ctx context.Context, identityID string) error
}
