package rbac

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-cp/nimbus/internal/platform/db"
	"github.com/nimbus-cp/nimbus/internal/shared"
)

// Repository defines persistence operations for roles, permissions and
// assignments.
type Repository interface {
	ActiveAssignments(ctx context.Context, userID int64) ([]EffectiveAssignment, error)
	RolePermissionCodes(ctx context.Context, roleID int64) ([]string, error)
	ServiceAccountPermissionCodes(ctx context.Context, accountID int64) ([]string, error)

	ListPermissions(ctx context.Context) ([]Permission, error)
	EnsurePermission(ctx context.Context, code, name, description string) (Permission, bool, error)
	DeletePermission(ctx context.Context, id int64) error

	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	EnsureRole(ctx context.Context, name, description string) (Role, bool, error)
	SetRoleActive(ctx context.Context, id int64, active bool) error
	DeleteRole(ctx context.Context, id int64) error
	AttachPermissionToRole(ctx context.Context, roleID int64, code string) error
	DetachPermissionFromRole(ctx context.Context, roleID int64, code string) error

	AssignRole(ctx context.Context, userID, roleID int64, expiresAt *time.Time, assignedBy *int64) (RoleAssignment, error)
	RevokeAssignment(ctx context.Context, userID, roleID int64) error
	ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ActiveAssignments returns the user's active assignments joined with role
// state. Expiry is evaluated by the caller so the decision instant stays
// explicit.
func (r *PGRepository) ActiveAssignments(ctx context.Context, userID int64) ([]EffectiveAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.user_id, a.role_id, a.is_active, a.expires_at, a.assigned_by_user_id, a.created_at,
		       r.name, r.is_active
		FROM role_assignment a
		JOIN role r ON r.id = a.role_id
		WHERE a.user_id = $1 AND a.is_active = TRUE`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []EffectiveAssignment
	for rows.Next() {
		var e EffectiveAssignment
		a := &e.Assignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.IsActive, &a.ExpiresAt, &a.AssignedByUserID, &a.CreatedAt, &e.RoleName, &e.RoleActive); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// RolePermissionCodes returns the permission codes attached to a role.
func (r *PGRepository) RolePermissionCodes(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.code FROM permission p
		JOIN role_permission rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// ServiceAccountPermissionCodes returns the union of permission codes from
// the account's active roles.
func (r *PGRepository) ServiceAccountPermissionCodes(ctx context.Context, accountID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.code
		FROM permission p
		JOIN role_permission rp ON rp.permission_id = p.id
		JOIN role r ON r.id = rp.role_id
		JOIN service_account_role sar ON sar.role_id = r.id
		WHERE sar.service_account_id = $1 AND r.is_active = TRUE`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// ListPermissions returns all permissions ordered by code.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, name, description, created_at, updated_at FROM permission ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// EnsurePermission upserts a permission by code. The second return reports
// whether a new row was created.
func (r *PGRepository) EnsurePermission(ctx context.Context, code, name, description string) (Permission, bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Permission{}, false, errors.New("rbac: permission code required")
	}
	var p Permission
	var inserted bool
	err := r.pool.QueryRow(ctx, `
		INSERT INTO permission (code, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, updated_at = NOW()
		RETURNING id, code, name, description, created_at, updated_at, (xmax = 0)`,
		code, strings.TrimSpace(name), strings.TrimSpace(description)).
		Scan(&p.ID, &p.Code, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt, &inserted)
	if err != nil {
		return Permission{}, false, err
	}
	return p, inserted, nil
}

// DeletePermission removes a permission by id.
func (r *PGRepository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

const roleColumns = `id, name, description, is_active, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM role ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by id.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM role WHERE id = $1`, id))
}

// GetRoleByName fetches a role by its unique name.
func (r *PGRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM role WHERE name = $1`, name))
}

// EnsureRole upserts a role by name.
func (r *PGRepository) EnsureRole(ctx context.Context, name, description string) (Role, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, false, errors.New("rbac: role name required")
	}
	var role Role
	var inserted bool
	err := r.pool.QueryRow(ctx, `
		INSERT INTO role (name, description, is_active, created_at, updated_at)
		VALUES ($1, $2, TRUE, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, updated_at = NOW()
		RETURNING `+roleColumns+`, (xmax = 0)`,
		name, strings.TrimSpace(description)).
		Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.CreatedAt, &role.UpdatedAt, &inserted)
	if err != nil {
		return Role{}, false, err
	}
	return role, inserted, nil
}

// SetRoleActive toggles a role's active flag.
func (r *PGRepository) SetRoleActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE role SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteRole removes a role by id.
func (r *PGRepository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// AttachPermissionToRole links a permission code to a role.
func (r *PGRepository) AttachPermissionToRole(ctx context.Context, roleID int64, code string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO role_permission (role_id, permission_id, created_at)
		SELECT $1, p.id, NOW() FROM permission p WHERE p.code = $2
		ON CONFLICT (role_id, permission_id) DO NOTHING`, roleID, code)
	return err
}

// DetachPermissionFromRole unlinks a permission code from a role.
func (r *PGRepository) DetachPermissionFromRole(ctx context.Context, roleID int64, code string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM role_permission rp
		USING permission p
		WHERE rp.role_id = $1 AND rp.permission_id = p.id AND p.code = $2`, roleID, code)
	return err
}

// AssignRole grants a role to a user. An existing active assignment fails
// with shared.ErrDuplicate; an inactive one is re-activated in place so the
// unique (user_id, role_id) row is reused.
func (r *PGRepository) AssignRole(ctx context.Context, userID, roleID int64, expiresAt *time.Time, assignedBy *int64) (RoleAssignment, error) {
	var out RoleAssignment
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO role_assignment (user_id, role_id, is_active, expires_at, assigned_by_user_id, created_at)
			VALUES ($1, $2, TRUE, $3, $4, NOW())
			RETURNING id, user_id, role_id, is_active, expires_at, assigned_by_user_id, created_at`,
			userID, roleID, expiresAt, assignedBy)
		err := row.Scan(&out.ID, &out.UserID, &out.RoleID, &out.IsActive, &out.ExpiresAt, &out.AssignedByUserID, &out.CreatedAt)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
			return err
		}

		var active bool
		if err := tx.QueryRow(ctx, `SELECT is_active FROM role_assignment WHERE user_id = $1 AND role_id = $2`, userID, roleID).Scan(&active); err != nil {
			return err
		}
		if active {
			return shared.ErrDuplicate
		}
		return tx.QueryRow(ctx, `
			UPDATE role_assignment
			SET is_active = TRUE, expires_at = $3, assigned_by_user_id = $4
			WHERE user_id = $1 AND role_id = $2
			RETURNING id, user_id, role_id, is_active, expires_at, assigned_by_user_id, created_at`,
			userID, roleID, expiresAt, assignedBy).
			Scan(&out.ID, &out.UserID, &out.RoleID, &out.IsActive, &out.ExpiresAt, &out.AssignedByUserID, &out.CreatedAt)
	})
	if err != nil {
		return RoleAssignment{}, err
	}
	return out, nil
}

// RevokeAssignment deactivates an assignment, keeping the row.
func (r *PGRepository) RevokeAssignment(ctx context.Context, userID, roleID int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE role_assignment SET is_active = FALSE WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListAssignments returns all assignments for a user.
func (r *PGRepository) ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, role_id, is_active, expires_at, assigned_by_user_id, created_at
		FROM role_assignment WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.IsActive, &a.ExpiresAt, &a.AssignedByUserID, &a.CreatedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

var _ Repository = (*PGRepository)(nil)
