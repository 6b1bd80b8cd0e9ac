package auth

// Built-in permission keys. Keys follow the "scope.action" convention; a key
// without a scope separator never matches, even for superusers, so malformed
// grants fail closed.
const (
	PermManageOrganizations = "iam.manage_organizations"
	PermManageRoles         = "iam.manage_roles"
	PermManageUsers         = "iam.manage_users"
	PermViewUsers           = "iam.view_users"
	PermViewAuditLog        = "iam.view_audit_log"
)

// BuiltinPermissions is the catalog seeded at startup. Ensure is idempotent,
// so re-seeding on every boot is safe.
func BuiltinPermissions() []Permission {
	return []Permission{
		{Key: PermManageOrganizations, Description: "Create, update and delete organizations"},
		{Key: PermManageRoles, Description: "Manage roles and their permission sets"},
		{Key: PermManageUsers, Description: "Manage user accounts and role assignments"},
		{Key: PermViewUsers, Description: "List and inspect user accounts"},
		{Key: PermViewAuditLog, Description: "Read security audit events"},
	}
}
