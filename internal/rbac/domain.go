// Package rbac implements the role and permission model and the evaluation
// engine answering whether a principal holds a permission code.
package rbac

import (
	"net/http"
	"time"
)

// Permission represents an atomic capability identified by an opaque code,
// conventionally "verb:resource".
type Permission struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role groups permissions under a unique name.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleAssignment links a user to a role, optionally time-bounded. The
// (user_id, role_id) pair is unique; re-activation reuses the row.
type RoleAssignment struct {
	ID               int64      `json:"id"`
	UserID           int64      `json:"user_id"`
	RoleID           int64      `json:"role_id"`
	IsActive         bool       `json:"is_active"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	AssignedByUserID *int64     `json:"assigned_by_user_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Expired reports whether the assignment's time bound has passed.
func (a RoleAssignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// EffectiveAssignment joins an assignment with its role's state.
type EffectiveAssignment struct {
	Assignment RoleAssignment
	RoleName   string
	RoleActive bool
}

// Effective reports whether the assignment grants its role's permissions at
// the given instant.
func (e EffectiveAssignment) Effective(now time.Time) bool {
	return e.Assignment.IsActive && e.RoleActive && !e.Assignment.Expired(now)
}

// MethodPermission maps an HTTP method to the conventional permission code
// for a resource type. Unknown methods yield the empty string, which guards
// treat as deny.
func MethodPermission(resource, method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return resource + ":read"
	case http.MethodPost:
		return resource + ":create"
	case http.MethodPut, http.MethodPatch:
		return resource + ":update"
	case http.MethodDelete:
		return resource + ":delete"
	default:
		return ""
	}
}
