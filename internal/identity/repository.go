package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-cp/nimbus/internal/shared"
)

// Repository defines persistence operations for principals and credentials.
type Repository interface {
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user User) (*User, error)
	DeactivateUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context) ([]User, error)

	GetTokenByUser(ctx context.Context, userID int64) (*Token, error)
	GetUserByTokenKey(ctx context.Context, key string) (*User, error)
	CreateToken(ctx context.Context, userID int64, key string) (*Token, error)
	DeleteTokenByUser(ctx context.Context, userID int64) error

	GetServiceAccountByAPIKey(ctx context.Context, key string) (*ServiceAccount, error)
	GetServiceAccountByID(ctx context.Context, id int64) (*ServiceAccount, error)
	CreateServiceAccount(ctx context.Context, account ServiceAccount) (*ServiceAccount, error)
	ListServiceAccounts(ctx context.Context) ([]ServiceAccount, error)
	SetServiceAccountActive(ctx context.Context, id int64, active bool) error
	DeleteServiceAccount(ctx context.Context, id int64) error
	TouchServiceAccountUsed(ctx context.Context, id int64, at time.Time) error
	AttachServiceAccountRole(ctx context.Context, accountID, roleID int64) error
	DetachServiceAccountRole(ctx context.Context, accountID, roleID int64) error

	LinkFederatedIdentity(ctx context.Context, fi FederatedIdentity) error
	GetUserByFederatedIdentity(ctx context.Context, provider, externalID string) (*User, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id, username, email, first_name, last_name, password_hash, public_key, is_active, is_staff, is_superuser, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.PublicKey, &u.IsActive, &u.IsStaff, &u.IsSuperuser, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID fetches a user by primary key.
func (r *PGRepository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM principal_user WHERE id = $1`, id))
}

// GetUserByEmail fetches a user by email.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM principal_user WHERE email = $1`, email))
}

// CreateUser inserts a new user. Duplicate email or username maps to
// shared.ErrDuplicate.
func (r *PGRepository) CreateUser(ctx context.Context, user User) (*User, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO principal_user (username, email, first_name, last_name, password_hash, public_key, is_active, is_staff, is_superuser, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING `+userColumns,
		user.Username, user.Email, user.FirstName, user.LastName, user.PasswordHash, user.PublicKey, user.IsActive, user.IsStaff, user.IsSuperuser)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, shared.ErrDuplicate
		}
		return nil, err
	}
	return created, nil
}

// DeactivateUser soft-disables a user, preserving audit joinability.
func (r *PGRepository) DeactivateUser(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE principal_user SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListUsers returns all users ordered by id.
func (r *PGRepository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM principal_user ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.PublicKey, &u.IsActive, &u.IsStaff, &u.IsSuperuser, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetTokenByUser returns the user's bearer token if one exists.
func (r *PGRepository) GetTokenByUser(ctx context.Context, userID int64) (*Token, error) {
	var t Token
	err := r.pool.QueryRow(ctx, `SELECT user_id, key, created_at FROM auth_token WHERE user_id = $1`, userID).
		Scan(&t.UserID, &t.Key, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetUserByTokenKey resolves a bearer token to its owning user.
func (r *PGRepository) GetUserByTokenKey(ctx context.Context, key string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `
		SELECT u.`+joinUserColumns("u")+`
		FROM principal_user u
		JOIN auth_token t ON t.user_id = u.id
		WHERE t.key = $1`, key))
}

// CreateToken stores a new bearer token for the user.
func (r *PGRepository) CreateToken(ctx context.Context, userID int64, key string) (*Token, error) {
	var t Token
	err := r.pool.QueryRow(ctx, `
		INSERT INTO auth_token (user_id, key, created_at) VALUES ($1, $2, NOW())
		RETURNING user_id, key, created_at`, userID, key).
		Scan(&t.UserID, &t.Key, &t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, shared.ErrDuplicate
		}
		return nil, err
	}
	return &t, nil
}

// DeleteTokenByUser revokes the user's bearer token.
func (r *PGRepository) DeleteTokenByUser(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM auth_token WHERE user_id = $1`, userID)
	return err
}

const serviceAccountColumns = `id, name, api_key, is_active, last_used_at, created_by_user_id, created_at`

func scanServiceAccount(row pgx.Row) (*ServiceAccount, error) {
	var sa ServiceAccount
	err := row.Scan(&sa.ID, &sa.Name, &sa.APIKey, &sa.IsActive, &sa.LastUsedAt, &sa.CreatedByUserID, &sa.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &sa, nil
}

// GetServiceAccountByAPIKey resolves an API key to its service account.
func (r *PGRepository) GetServiceAccountByAPIKey(ctx context.Context, key string) (*ServiceAccount, error) {
	return scanServiceAccount(r.pool.QueryRow(ctx, `SELECT `+serviceAccountColumns+` FROM principal_service_account WHERE api_key = $1`, key))
}

// GetServiceAccountByID fetches a service account by primary key.
func (r *PGRepository) GetServiceAccountByID(ctx context.Context, id int64) (*ServiceAccount, error) {
	return scanServiceAccount(r.pool.QueryRow(ctx, `SELECT `+serviceAccountColumns+` FROM principal_service_account WHERE id = $1`, id))
}

// CreateServiceAccount inserts a new service account.
func (r *PGRepository) CreateServiceAccount(ctx context.Context, account ServiceAccount) (*ServiceAccount, error) {
	created, err := scanServiceAccount(r.pool.QueryRow(ctx, `
		INSERT INTO principal_service_account (name, api_key, is_active, created_by_user_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING `+serviceAccountColumns,
		account.Name, account.APIKey, account.IsActive, account.CreatedByUserID))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, shared.ErrDuplicate
		}
		return nil, err
	}
	return created, nil
}

// ListServiceAccounts returns all service accounts ordered by name.
func (r *PGRepository) ListServiceAccounts(ctx context.Context) ([]ServiceAccount, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+serviceAccountColumns+` FROM principal_service_account ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []ServiceAccount
	for rows.Next() {
		var sa ServiceAccount
		if err := rows.Scan(&sa.ID, &sa.Name, &sa.APIKey, &sa.IsActive, &sa.LastUsedAt, &sa.CreatedByUserID, &sa.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, sa)
	}
	return accounts, rows.Err()
}

// SetServiceAccountActive toggles the active flag.
func (r *PGRepository) SetServiceAccountActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE principal_service_account SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteServiceAccount removes a service account.
func (r *PGRepository) DeleteServiceAccount(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM principal_service_account WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// TouchServiceAccountUsed advances last_used_at after successful key auth.
func (r *PGRepository) TouchServiceAccountUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE principal_service_account SET last_used_at = $2 WHERE id = $1`, id, at.UTC())
	return err
}

// AttachServiceAccountRole grants a role to a service account.
func (r *PGRepository) AttachServiceAccountRole(ctx context.Context, accountID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO service_account_role (service_account_id, role_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (service_account_id, role_id) DO NOTHING`, accountID, roleID)
	return err
}

// DetachServiceAccountRole revokes a role from a service account.
func (r *PGRepository) DetachServiceAccountRole(ctx context.Context, accountID, roleID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM service_account_role WHERE service_account_id = $1 AND role_id = $2`, accountID, roleID)
	return err
}

// LinkFederatedIdentity records a verified external identity for the user.
func (r *PGRepository) LinkFederatedIdentity(ctx context.Context, fi FederatedIdentity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO federated_identity (user_id, provider, external_id, email, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (provider, external_id) DO NOTHING`,
		fi.UserID, fi.Provider, fi.ExternalID, fi.Email)
	return err
}

// GetUserByFederatedIdentity resolves a provider identity to its linked user.
func (r *PGRepository) GetUserByFederatedIdentity(ctx context.Context, provider, externalID string) (*User, error) {
	return scanUser(r.pool.QueryRow(ctx, `
		SELECT u.`+joinUserColumns("u")+`
		FROM principal_user u
		JOIN federated_identity f ON f.user_id = u.id
		WHERE f.provider = $1 AND f.external_id = $2`, provider, externalID))
}

func joinUserColumns(alias string) string {
	return `id, ` + alias + `.username, ` + alias + `.email, ` + alias + `.first_name, ` + alias + `.last_name, ` + alias + `.password_hash, ` + alias + `.public_key, ` + alias + `.is_active, ` + alias + `.is_staff, ` + alias + `.is_superuser, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ Repository = (*PGRepository)(nil)
