package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Principal is the resolved authorization view of an identity: its roles,
// the flattened permission set and its tenant. Principals are immutable once
// built; callers cache them for the lifetime of a request (or longer behind
// an invalidating cache).
type Principal struct {
	IdentityID     string   `json:"identity_id"`
	Username       string   `json:"username"`
	Email          string   `json:"email"`
	OrganizationID string   `json:"organization_id,omitempty"`
	Superuser      bool     `json:"superuser"`
	Roles          []string `json:"roles"`
	Permissions    []string `json:"permissions"`

	permSet map[string]struct{}
}

// HasRole reports whether the principal carries the named role.
func (p *Principal) HasRole(name string) bool {
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal may perform the capability
// identified by key. Superusers pass every well-formed key; a key without a
// "scope.action" shape is denied for everyone.
func (p *Principal) HasPermission(key string) bool {
	if !strings.Contains(key, ".") {
		return false
	}
	if p.Superuser {
		return true
	}
	_, ok := p.permSet[key]
	return ok
}

// Owned is implemented by resources that belong to a single identity.
type Owned interface {
	OwnerIdentityID() string
}

// TenantScoped is implemented by resources that belong to an organization.
type TenantScoped interface {
	TenantID() string
}

// CanMutate reports whether the principal may modify the resource. Reads are
// decided by HasPermission alone; mutations additionally require ownership or
// shared tenancy, checked here. Superusers may mutate anything.
func (p *Principal) CanMutate(resource any) bool {
	if p.Superuser {
		return true
	}
	if owned, ok := resource.(Owned); ok && owned.OwnerIdentityID() == p.IdentityID {
		return true
	}
	if scoped, ok := resource.(TenantScoped); ok && scoped.TenantID() != "" && scoped.TenantID() == p.OrganizationID {
		return true
	}
	return false
}

// Resolver builds principals from the store. It is the single place where
// role-derived and directly granted permissions are merged.
type Resolver struct {
	store Store
}

// NewResolver returns a Resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve builds the Principal for an identity. Inactive identities resolve
// to ErrUnauthorized.
func (r *Resolver) Resolve(ctx context.Context, identityID string) (*Principal, error) {
	id, err := r.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if !id.Active {
		return nil, ErrUnauthorized
	}
	profile, err := r.store.Profiles(ctx).Find(ctx, identityID)
	if err != nil {
		return nil, err
	}
	roles, err := r.store.Roles(ctx).RolesFor(ctx, identityID)
	if err != nil {
		return nil, err
	}
	roleKeys, err := r.store.Roles(ctx).PermissionKeysFor(ctx, identityID)
	if err != nil {
		return nil, err
	}
	direct, err := r.store.Permissions(ctx).DirectGrantsFor(ctx, identityID)
	if err != nil {
		return nil, err
	}

	permSet := make(map[string]struct{}, len(roleKeys)+len(direct))
	for _, k := range roleKeys {
		permSet[k] = struct{}{}
	}
	for _, k := range direct {
		permSet[k] = struct{}{}
	}
	perms := make([]string, 0, len(permSet))
	for k := range permSet {
		perms = append(perms, k)
	}
	sort.Strings(perms)

	roleNames := make([]string, 0, len(roles))
	for _, role := range roles {
		roleNames = append(roleNames, role.Name)
	}
	sort.Strings(roleNames)

	return &Principal{
		IdentityID:     id.ID,
		Username:       id.Username,
		Email:          id.Email,
		OrganizationID: profile.OrganizationID,
		Superuser:      id.Superuser,
		Roles:          roleNames,
		Permissions:    perms,
		permSet:        permSet,
	}, nil
}

// ClaimsFor implements ClaimSource for the token issuer.
func (r *Resolver) ClaimsFor(ctx context.Context, identityID string) (*Identity, []string, string, error) {
	id, err := r.store.Identities(ctx).Find(ctx, identityID)
	if err != nil {
		return nil, nil, "", err
	}
	profile, err := r.store.Profiles(ctx).Find(ctx, identityID)
	if err != nil {
		return nil, nil, "", err
	}
	roles, err := r.store.Roles(ctx).RolesFor(ctx, identityID)
	if err != nil {
		return nil, nil, "", err
	}
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return id, names, profile.OrganizationID, nil
}

// RBACService is the administrative surface for organizations, roles and
// permission grants.
type RBACService struct {
	store adminStore
	now   func() time.Time
	// invalidate is called with the identity whose authorization state
	// changed, so any principal cache can drop it.
	invalidate func(identityID string)
}

// adminStore is the slice of Store the administrative surface needs. Keeping
// it narrow means RBACService cannot touch credential state by accident.
type adminStore interface {
	Organizations(ctx context.Context) OrganizationStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Identities(ctx context.Context) IdentityStore
}

// RBACOption customizes an RBACService.
type RBACOption func(*RBACService)

// WithInvalidation registers a callback fired whenever an identity's
// authorization state changes.
func WithInvalidation(fn func(identityID string)) RBACOption {
	return func(s *RBACService) { s.invalidate = fn }
}

// NewRBACService returns an RBACService over the store.
func NewRBACService(store Store, opts ...RBACOption) *RBACService {
	s := &RBACService{store: store, now: time.Now, invalidate: func(string) {}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrganization registers a new tenant. Slugs are derived from the name
// when absent and must be unique.
func (s *RBACService) CreateOrganization(ctx context.Context, name, slug, contactEmail string) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newValidationError("name", "name is required")
	}
	if slug == "" {
		slug = slugify(name)
	}
	now := s.now().UTC()
	org := &Organization{
		ID:           uuid.NewString(),
		Name:         name,
		Slug:         slug,
		ContactEmail: strings.TrimSpace(contactEmail),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Organizations(ctx).Create(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

// GetOrganization fetches a tenant by id.
func (s *RBACService) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	return s.store.Organizations(ctx).Find(ctx, id)
}

// ListOrganizations lists all tenants.
func (s *RBACService) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	return s.store.Organizations(ctx).List(ctx)
}

// DeleteOrganization removes a tenant. Profiles referencing it keep existing
// with the reference nulled.
func (s *RBACService) DeleteOrganization(ctx context.Context, id string) error {
	return s.store.Organizations(ctx).Delete(ctx, id)
}

// CreateRole registers a role with an optional initial permission set.
func (s *RBACService) CreateRole(ctx context.Context, name, description string, permissionKeys []string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newValidationError("name", "name is required")
	}
	for _, key := range permissionKeys {
		if !strings.Contains(key, ".") {
			return nil, newValidationError("permissions", fmt.Sprintf("malformed permission key %q", key))
		}
	}
	now := s.now().UTC()
	role := &Role{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Roles(ctx).Create(ctx, role); err != nil {
		return nil, err
	}
	if len(permissionKeys) > 0 {
		if err := s.store.Roles(ctx).SetPermissions(ctx, role.ID, permissionKeys); err != nil {
			return nil, err
		}
	}
	return role, nil
}

// ListRoles lists all roles.
func (s *RBACService) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.store.Roles(ctx).List(ctx)
}

// SetRolePermissions replaces a role's permission set.
func (s *RBACService) SetRolePermissions(ctx context.Context, roleID string, permissionKeys []string) error {
	for _, key := range permissionKeys {
		if !strings.Contains(key, ".") {
			return newValidationError("permissions", fmt.Sprintf("malformed permission key %q", key))
		}
	}
	return s.store.Roles(ctx).SetPermissions(ctx, roleID, permissionKeys)
}

// AssignRole grants a role to an identity and invalidates its cached
// principal.
func (s *RBACService) AssignRole(ctx context.Context, identityID, roleID string) error {
	if _, err := s.store.Identities(ctx).Find(ctx, identityID); err != nil {
		return err
	}
	if _, err := s.store.Roles(ctx).Find(ctx, roleID); err != nil {
		return err
	}
	if err := s.store.Roles(ctx).Assign(ctx, identityID, roleID); err != nil {
		return err
	}
	s.invalidate(identityID)
	return nil
}

// RemoveRole revokes a role from an identity.
func (s *RBACService) RemoveRole(ctx context.Context, identityID, roleID string) error {
	if err := s.store.Roles(ctx).Remove(ctx, identityID, roleID); err != nil {
		return err
	}
	s.invalidate(identityID)
	return nil
}

// GrantPermission gives an identity a permission directly, outside any role.
func (s *RBACService) GrantPermission(ctx context.Context, identityID, key string) error {
	if !strings.Contains(key, ".") {
		return newValidationError("permission", fmt.Sprintf("malformed permission key %q", key))
	}
	if _, err := s.store.Identities(ctx).Find(ctx, identityID); err != nil {
		return err
	}
	if err := s.store.Permissions(ctx).Grant(ctx, identityID, key); err != nil {
		return err
	}
	s.invalidate(identityID)
	return nil
}

// ListPermissions lists the permission catalog.
func (s *RBACService) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.Permissions(ctx).List(ctx)
}

// SeedBuiltins ensures the built-in permission catalog exists.
func (s *RBACService) SeedBuiltins(ctx context.Context) error {
	return s.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions())
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
