package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"opendesk.org/internal/auth"
	"opendesk.org/internal/store/mem"
)

type ownedDoc struct{ owner string }

func (d ownedDoc) OwnerIdentityID() string { return d.owner }

type tenantDoc struct{ org string }

func (d tenantDoc) TenantID() string { return d.org }

func seedIdentity(t *testing.T, store *mem.Store, username string, superuser bool) *auth.Identity {
	t.Helper()
	now := time.Now().UTC()
	id := &auth.Identity{
		ID:        username + "-id",
		Username:  username,
		Email:     username + "@example.com",
		Superuser: superuser,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	profile := &auth.Profile{IdentityID: id.ID, Timezone: "UTC", Language: "en"}
	ctx := context.Background()
	if err := store.Identities(ctx).Create(ctx, id, profile); err != nil {
		t.Fatalf("seed %s: %v", username, err)
	}
	return id
}

func TestResolvePrincipal(t *testing.T) {
	store := mem.New()
	svc := auth.NewRBACService(store)
	resolver := auth.NewResolver(store)
	ctx := context.Background()

	id := seedIdentity(t, store, "alice", false)
	role, err := svc.CreateRole(ctx, "editor", "", []string{"docs.edit", "docs.view"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.AssignRole(ctx, id.ID, role.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := svc.GrantPermission(ctx, id.ID, "reports.export"); err != nil {
		t.Fatalf("GrantPermission: %v", err)
	}

	p, err := resolver.Resolve(ctx, id.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !p.HasRole("editor") {
		t.Fatal("missing role")
	}
	for _, key := range []string{"docs.edit", "docs.view", "reports.export"} {
		if !p.HasPermission(key) {
			t.Errorf("missing permission %q", key)
		}
	}
	if p.HasPermission("docs.delete") {
		t.Fatal("ungranted permission allowed")
	}
}

func TestMalformedKeyDeniedEvenForSuperuser(t *testing.T) {
	store := mem.New()
	resolver := auth.NewResolver(store)
	ctx := context.Background()

	id := seedIdentity(t, store, "root", true)
	p, err := resolver.Resolve(ctx, id.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !p.HasPermission("docs.edit") {
		t.Fatal("superuser denied a well-formed key")
	}
	if p.HasPermission("docsedit") {
		t.Fatal("malformed key allowed")
	}
}

func TestInactiveIdentityResolvesUnauthorized(t *testing.T) {
	store := mem.New()
	ctx := context.Background()

	id := &auth.Identity{ID: "u2", Username: "bob", Email: "bob@example.com", Active: false}
	if err := store.Identities(ctx).Create(ctx, id, &auth.Profile{IdentityID: "u2"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := auth.NewResolver(store).Resolve(ctx, "u2"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestCanMutate(t *testing.T) {
	p := &auth.Principal{IdentityID: "u1", OrganizationID: "org1"}

	if !p.CanMutate(ownedDoc{owner: "u1"}) {
		t.Fatal("owner denied")
	}
	if p.CanMutate(ownedDoc{owner: "u2"}) {
		t.Fatal("non-owner allowed")
	}
	if !p.CanMutate(tenantDoc{org: "org1"}) {
		t.Fatal("same tenant denied")
	}
	if p.CanMutate(tenantDoc{org: "org2"}) {
		t.Fatal("foreign tenant allowed")
	}
	// An empty tenant on the resource never matches.
	if p.CanMutate(tenantDoc{org: ""}) {
		t.Fatal("tenantless resource allowed via empty match")
	}

	root := &auth.Principal{IdentityID: "u9", Superuser: true}
	if !root.CanMutate(ownedDoc{owner: "someone-else"}) {
		t.Fatal("superuser denied")
	}
}

func TestRoleLifecycle(t *testing.T) {
	store := mem.New()
	invalidated := []string{}
	svc := auth.NewRBACService(store, auth.WithInvalidation(func(id string) {
		invalidated = append(invalidated, id)
	}))
	resolver := auth.NewResolver(store)
	ctx := context.Background()

	id := seedIdentity(t, store, "alice", false)
	role, err := svc.CreateRole(ctx, "editor", "can edit", []string{"docs.edit"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := svc.CreateRole(ctx, "editor", "", nil); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("duplicate role: %v", err)
	}
	if _, err := svc.CreateRole(ctx, "bad", "", []string{"nodot"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("malformed key accepted: %v", err)
	}

	if err := svc.AssignRole(ctx, id.ID, role.ID); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if err := svc.SetRolePermissions(ctx, role.ID, []string{"docs.edit", "docs.publish"}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	p, err := resolver.Resolve(ctx, id.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !p.HasPermission("docs.publish") {
		t.Fatal("updated role permissions not visible")
	}

	if err := svc.RemoveRole(ctx, id.ID, role.ID); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	p, err = resolver.Resolve(ctx, id.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.HasPermission("docs.edit") {
		t.Fatal("permission survived role removal")
	}
	if len(invalidated) != 2 {
		t.Fatalf("invalidation fired %d times, want 2", len(invalidated))
	}
}

func TestOrganizationLifecycle(t *testing.T) {
	store := mem.New()
	svc := auth.NewRBACService(store)
	ctx := context.Background()

	org, err := svc.CreateOrganization(ctx, "Acme Corp", "", "ops@acme.test")
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	if org.Slug != "acme-corp" {
		t.Fatalf("slug %q, want acme-corp", org.Slug)
	}
	if _, err := svc.CreateOrganization(ctx, "Acme Corp", "", ""); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("duplicate slug: %v", err)
	}

	// A member's profile survives the organization's deletion with the
	// reference nulled.
	id := seedIdentity(t, store, "alice", false)
	profile, err := store.Profiles(ctx).Find(ctx, id.ID)
	if err != nil {
		t.Fatalf("Find profile: %v", err)
	}
	profile.OrganizationID = org.ID
	if err := store.Profiles(ctx).Update(ctx, profile); err != nil {
		t.Fatalf("Update profile: %v", err)
	}
	if err := svc.DeleteOrganization(ctx, org.ID); err != nil {
		t.Fatalf("DeleteOrganization: %v", err)
	}
	profile, err = store.Profiles(ctx).Find(ctx, id.ID)
	if err != nil {
		t.Fatalf("profile gone after org deletion: %v", err)
	}
	if profile.OrganizationID != "" {
		t.Fatalf("organization reference not nulled: %q", profile.OrganizationID)
	}
}

// Roles and organizations land in uuid-typed columns, so their ids must be
// well-formed UUIDs rather than some other id scheme.
func TestRoleAndOrganizationIDsAreUUIDs(t *testing.T) {
	store := mem.New()
	svc := auth.NewRBACService(store)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, "editor", "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := uuid.Parse(role.ID); err != nil {
		t.Fatalf("role id %q is not a uuid: %v", role.ID, err)
	}

	org, err := svc.CreateOrganization(ctx, "Acme Corp", "", "")
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	if _, err := uuid.Parse(org.ID); err != nil {
		t.Fatalf("organization id %q is not a uuid: %v", org.ID, err)
	}
}

func TestSeedBuiltins(t *testing.T) {
	store := mem.New()
	svc := auth.NewRBACService(store)
	ctx := context.Background()

	if err := svc.SeedBuiltins(ctx); err != nil {
		t.Fatalf("SeedBuiltins: %v", err)
	}
	// Idempotent.
	if err := svc.SeedBuiltins(ctx); err != nil {
		t.Fatalf("SeedBuiltins again: %v", err)
	}
	perms, err := svc.ListPermissions(ctx)
	if err != nil {
		t.Fatalf("ListPermissions: %v", err)
	}
	if len(perms) != len(auth.BuiltinPermissions()) {
		t.Fatalf("catalog has %d entries, want %d", len(perms), len(auth.BuiltinPermissions()))
	}
}
