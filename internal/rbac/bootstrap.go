package rbac

import (
	"context"
	"fmt"
)

// PermissionSpec is one catalog entry for bootstrapping.
type PermissionSpec struct {
	Code        string
	Name        string
	Description string
}

// RoleSpec names a role and the permission codes it carries.
type RoleSpec struct {
	Name        string
	Description string
	Permissions []string
}

// DefaultPermissions is the catalog seeded into every environment. Codes
// follow the resource:action convention the evaluator expects.
var DefaultPermissions = []PermissionSpec{
	{Code: "admin:all", Name: "Full administration", Description: "Unrestricted access to every admin operation"},

	{Code: "project:create", Name: "Create projects"},
	{Code: "project:read", Name: "View projects"},
	{Code: "project:update", Name: "Update projects"},
	{Code: "project:delete", Name: "Delete projects"},

	{Code: "enterprise:create", Name: "Create enterprises"},
	{Code: "enterprise:read", Name: "View enterprises"},
	{Code: "enterprise:update", Name: "Update enterprises"},
	{Code: "enterprise:delete", Name: "Delete enterprises"},

	{Code: "kubernetes:create", Name: "Create kubernetes resources"},
	{Code: "kubernetes:read", Name: "View kubernetes resources"},
	{Code: "kubernetes:update", Name: "Update kubernetes resources"},
	{Code: "kubernetes:delete", Name: "Delete kubernetes resources"},

	{Code: "gateway:create", Name: "Create gateways"},
	{Code: "gateway:read", Name: "View gateways"},
	{Code: "gateway:update", Name: "Update gateways"},
	{Code: "gateway:delete", Name: "Delete gateways"},

	{Code: "deploy:create", Name: "Trigger deployments"},
	{Code: "deploy:read", Name: "View deployments"},

	{Code: "audit:read", Name: "Read the audit log"},
	{Code: "role:manage", Name: "Manage roles and assignments"},
	{Code: "serviceaccount:manage", Name: "Manage service accounts"},
	{Code: "blocklist:manage", Name: "Manage blocked networks"},
}

// DefaultRoles bundles the catalog into the stock roles.
var DefaultRoles = []RoleSpec{
	{
		Name:        "viewer",
		Description: "Read-only access to platform resources",
		Permissions: []string{
			"project:read", "enterprise:read", "kubernetes:read", "gateway:read", "deploy:read",
		},
	},
	{
		Name:        "editor",
		Description: "Create and modify platform resources",
		Permissions: []string{
			"project:create", "project:read", "project:update",
			"enterprise:create", "enterprise:read", "enterprise:update",
			"kubernetes:create", "kubernetes:read", "kubernetes:update",
			"gateway:create", "gateway:read", "gateway:update",
			"deploy:read",
		},
	},
	{
		Name:        "deployer",
		Description: "Trigger and observe deployments",
		Permissions: []string{"deploy:create", "deploy:read", "project:read", "kubernetes:read"},
	},
	{
		Name:        "auditor",
		Description: "Read-only access to the audit log",
		Permissions: []string{"audit:read"},
	},
	{
		Name:        "admin",
		Description: "Full platform administration",
		Permissions: []string{
			"admin:all",
			"project:create", "project:read", "project:update", "project:delete",
			"enterprise:create", "enterprise:read", "enterprise:update", "enterprise:delete",
			"kubernetes:create", "kubernetes:read", "kubernetes:update", "kubernetes:delete",
			"gateway:create", "gateway:read", "gateway:update", "gateway:delete",
			"deploy:create", "deploy:read",
			"audit:read", "role:manage", "serviceaccount:manage", "blocklist:manage",
		},
	},
}

// BootstrapStats counts what EnsureDefaults actually created. Re-runs against
// a seeded database report zeros.
type BootstrapStats struct {
	PermissionsCreated int
	RolesCreated       int
}

// EnsureDefaults upserts the permission catalog and the stock roles. It is
// idempotent so the seed script and startup paths can both call it.
func EnsureDefaults(ctx context.Context, repo Repository) (BootstrapStats, error) {
	var stats BootstrapStats
	for _, p := range DefaultPermissions {
		_, created, err := repo.EnsurePermission(ctx, p.Code, p.Name, p.Description)
		if err != nil {
			return stats, fmt.Errorf("rbac: ensure permission %s: %w", p.Code, err)
		}
		if created {
			stats.PermissionsCreated++
		}
	}
	for _, rs := range DefaultRoles {
		role, created, err := repo.EnsureRole(ctx, rs.Name, rs.Description)
		if err != nil {
			return stats, fmt.Errorf("rbac: ensure role %s: %w", rs.Name, err)
		}
		if created {
			stats.RolesCreated++
		}
		for _, code := range rs.Permissions {
			if err := repo.AttachPermissionToRole(ctx, role.ID, code); err != nil {
				return stats, fmt.Errorf("rbac: attach %s to role %s: %w", code, rs.Name, err)
			}
		}
	}
	return stats, nil
}
