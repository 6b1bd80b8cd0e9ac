// Package mem is an in-process implementation of auth.Store used by tests
// and local development. All operations run under one mutex; values are
// copied on the way in and out so callers never share memory with the store.
package mem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"opendesk.org/internal/auth"
)

// Store implements auth.Store over maps.
type Store struct {
	mu sync.Mutex

	identities map[string]*auth.Identity
	byUsername map[string]string
	byEmail    map[string]string

	profiles map[string]*auth.Profile

	orgs    map[string]*auth.Organization
	orgSlug map[string]string

	roles         map[string]*auth.Role
	roleName      map[string]string
	rolePerms     map[string]map[string]struct{}
	identityRoles map[string]map[string]struct{}

	perms        map[string]auth.Permission
	directGrants map[string]map[string]struct{}

	tokens map[string]*auth.RefreshTokenRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{
		identities:    map[string]*auth.Identity{},
		byUsername:    map[string]string{},
		byEmail:       map[string]string{},
		profiles:      map[string]*auth.Profile{},
		orgs:          map[string]*auth.Organization{},
		orgSlug:       map[string]string{},
		roles:         map[string]*auth.Role{},
		roleName:      map[string]string{},
		rolePerms:     map[string]map[string]struct{}{},
		identityRoles: map[string]map[string]struct{}{},
		perms:         map[string]auth.Permission{},
		directGrants:  map[string]map[string]struct{}{},
		tokens:        map[string]*auth.RefreshTokenRecord{},
	}
}

func (s *Store) Identities(context.Context) auth.IdentityStore        { return identities{s} }
func (s *Store) Profiles(context.Context) auth.ProfileStore           { return profiles{s} }
func (s *Store) Organizations(context.Context) auth.OrganizationStore { return organizations{s} }
func (s *Store) Roles(context.Context) auth.RoleStore                 { return roles{s} }
func (s *Store) Permissions(context.Context) auth.PermissionStore     { return permissions{s} }
func (s *Store) RefreshTokens(context.Context) auth.RefreshTokenStore { return tokens{s} }

type identities struct{ s *Store }

func (st identities) Create(_ context.Context, id *auth.Identity, profile *auth.Profile) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	uname := strings.ToLower(id.Username)
	email := strings.ToLower(id.Email)
	if _, ok := st.s.byUsername[uname]; ok {
		return fmt.Errorf("username %q: %w", id.Username, auth.ErrConflict)
	}
	if _, ok := st.s.byEmail[email]; ok {
		return fmt.Errorf("email %q: %w", id.Email, auth.ErrConflict)
	}
	cp := *id
	st.s.identities[id.ID] = &cp
	st.s.byUsername[uname] = id.ID
	st.s.byEmail[email] = id.ID
	pc := *profile
	st.s.profiles[id.ID] = &pc
	return nil
}

func (st identities) Find(_ context.Context, identityID string) (*auth.Identity, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.s.findIdentity(identityID)
}

func (st identities) FindByUsername(_ context.Context, username string) (*auth.Identity, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	id, ok := st.s.byUsername[strings.ToLower(username)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return st.s.findIdentity(id)
}

func (st identities) FindByEmail(_ context.Context, email string) (*auth.Identity, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	id, ok := st.s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return st.s.findIdentity(id)
}

func (st identities) RecordLoginFailure(_ context.Context, identityID string) (int, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	id, ok := st.s.identities[identityID]
	if !ok {
		return 0, auth.ErrNotFound
	}
	id.FailedLogins++
	id.UpdatedAt = time.Now().UTC()
	return id.FailedLogins, nil
}

func (st identities) SetLockout(_ context.Context, identityID string, until time.Time) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	id, ok := st.s.identities[identityID]
	if !ok {
		return auth.ErrNotFound
	}
	u := until
	id.LockedUntil = &u
	id.UpdatedAt = time.Now().UTC()
	return nil
}

func (st identities) ResetLoginState(_ context.Context, identityID, clientIP string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	id, ok := st.s.identities[identityID]
	if !ok {
		return auth.ErrNotFound
	}
	id.FailedLogins = 0
	id.LockedUntil = nil
	if clientIP != "" {
		id.LastLoginIP = clientIP
	}
	id.UpdatedAt = time.Now().UTC()
	return nil
}

func (st identities) UpdatePassword(_ context.Context, identityID, passwordHash string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	id, ok := st.s.identities[identityID]
	if !ok {
		return auth.ErrNotFound
	}
	id.PasswordHash = passwordHash
	id.UpdatedAt = time.Now().UTC()
	return nil
}

func (st identities) MarkEmailVerified(_ context.Context, identityID string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	id, ok := st.s.identities[identityID]
	if !ok {
		return auth.ErrNotFound
	}
	id.EmailVerified = true
	id.UpdatedAt = time.Now().UTC()
	return nil
}

type profiles struct{ s *Store }

func (st profiles) Find(_ context.Context, identityID string) (*auth.Profile, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	p, ok := st.s.profiles[identityID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (st profiles) Update(_ context.Context, profile *auth.Profile) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.profiles[profile.IdentityID]; !ok {
		return auth.ErrNotFound
	}
	cp := *profile
	st.s.profiles[profile.IdentityID] = &cp
	return nil
}

type organizations struct{ s *Store }

func (st organizations) Create(_ context.Context, org *auth.Organization) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.orgSlug[org.Slug]; ok {
		return fmt.Errorf("slug %q: %w", org.Slug, auth.ErrConflict)
	}
	cp := *org
	st.s.orgs[org.ID] = &cp
	st.s.orgSlug[org.Slug] = org.ID
	return nil
}

func (st organizations) Find(_ context.Context, id string) (*auth.Organization, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	org, ok := st.s.orgs[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (st organizations) List(_ context.Context) ([]*auth.Organization, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	out := make([]*auth.Organization, 0, len(st.s.orgs))
	for _, org := range st.s.orgs {
		cp := *org
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (st organizations) Delete(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	org, ok := st.s.orgs[id]
	if !ok {
		return auth.ErrNotFound
	}
	delete(st.s.orgs, id)
	delete(st.s.orgSlug, org.Slug)
	for _, p := range st.s.profiles {
		if p.OrganizationID == id {
			p.OrganizationID = ""
		}
	}
	return nil
}

type roles struct{ s *Store }

func (st roles) Create(_ context.Context, role *auth.Role) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.roleName[role.Name]; ok {
		return fmt.Errorf("role %q: %w", role.Name, auth.ErrConflict)
	}
	cp := *role
	st.s.roles[role.ID] = &cp
	st.s.roleName[role.Name] = role.ID
	return nil
}

func (st roles) Find(_ context.Context, roleID string) (*auth.Role, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	role, ok := st.s.roles[roleID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (st roles) List(_ context.Context) ([]*auth.Role, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	out := make([]*auth.Role, 0, len(st.s.roles))
	for _, role := range st.s.roles {
		cp := *role
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (st roles) SetPermissions(_ context.Context, roleID string, permissionKeys []string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	set := make(map[string]struct{}, len(permissionKeys))
	for _, key := range permissionKeys {
		st.s.ensurePermLocked(key)
		set[key] = struct{}{}
	}
	st.s.rolePerms[roleID] = set
	return nil
}

func (st roles) Assign(_ context.Context, identityID, roleID string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.identities[identityID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := st.s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	set, ok := st.s.identityRoles[identityID]
	if !ok {
		set = map[string]struct{}{}
		st.s.identityRoles[identityID] = set
	}
	set[roleID] = struct{}{}
	return nil
}

func (st roles) Remove(_ context.Context, identityID, roleID string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	set, ok := st.s.identityRoles[identityID]
	if !ok {
		return auth.ErrNotFound
	}
	if _, ok := set[roleID]; !ok {
		return auth.ErrNotFound
	}
	delete(set, roleID)
	return nil
}

func (st roles) RolesFor(_ context.Context, identityID string) ([]*auth.Role, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	out := []*auth.Role{}
	for roleID := range st.s.identityRoles[identityID] {
		if role, ok := st.s.roles[roleID]; ok {
			cp := *role
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (st roles) PermissionKeysFor(_ context.Context, identityID string) ([]string, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	set := map[string]struct{}{}
	for roleID := range st.s.identityRoles[identityID] {
		for key := range st.s.rolePerms[roleID] {
			set[key] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

type permissions struct{ s *Store }

func (st permissions) Ensure(_ context.Context, perms []auth.Permission) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, p := range perms {
		if existing, ok := st.s.perms[p.Key]; ok {
			if p.Description != "" && existing.Description != p.Description {
				existing.Description = p.Description
				st.s.perms[p.Key] = existing
			}
			continue
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		st.s.perms[p.Key] = p
	}
	return nil
}

func (st permissions) List(_ context.Context) ([]auth.Permission, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	out := make([]auth.Permission, 0, len(st.s.perms))
	for _, p := range st.s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (st permissions) Grant(_ context.Context, identityID, permissionKey string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.identities[identityID]; !ok {
		return auth.ErrNotFound
	}
	st.s.ensurePermLocked(permissionKey)
	set, ok := st.s.directGrants[identityID]
	if !ok {
		set = map[string]struct{}{}
		st.s.directGrants[identityID] = set
	}
	set[permissionKey] = struct{}{}
	return nil
}

func (st permissions) DirectGrantsFor(_ context.Context, identityID string) ([]string, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	out := make([]string, 0, len(st.s.directGrants[identityID]))
	for key := range st.s.directGrants[identityID] {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

type tokens struct{ s *Store }

func (st tokens) Create(_ context.Context, rec *auth.RefreshTokenRecord) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	cp := *rec
	st.s.tokens[rec.ID] = &cp
	return nil
}

func (st tokens) Find(_ context.Context, id string) (*auth.RefreshTokenRecord, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	rec, ok := st.s.tokens[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (st tokens) Revoke(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	rec, ok := st.s.tokens[id]
	if !ok {
		return auth.ErrNotFound
	}
	rec.Revoked = true
	return nil
}

func (st tokens) RevokeAllFor(_ context.Context, identityID string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, rec := range st.s.tokens {
		if rec.IdentityID == identityID {
			rec.Revoked = true
		}
	}
	return nil
}

func (s *Store) findIdentity(id string) (*auth.Identity, error) {
	rec, ok := s.identities[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *rec
	if rec.LockedUntil != nil {
		u := *rec.LockedUntil
		cp.LockedUntil = &u
	}
	return &cp, nil
}

// ensurePermLocked registers a permission key if unknown. Callers hold mu.
func (s *Store) ensurePermLocked(key string) {
	if _, ok := s.perms[key]; ok {
		return
	}
	s.perms[key] = auth.Permission{ID: uuid.NewString(), Key: key, CreatedAt: time.Now().UTC()}
}
