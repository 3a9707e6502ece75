package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbus-cp/nimbus/internal/shared"
)

// Filters narrow audit listings.
type Filters struct {
	Action    string
	Username  string
	IPAddress string
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// Repository is the append-only audit store. Application code inserts and
// reads; the only delete path is the retention sweep.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	List(ctx context.Context, f Filters) ([]Entry, int, error)
	Get(ctx context.Context, id int64) (Entry, error)

	FailedLoginsByIP(ctx context.Context, since time.Time, minCount int) ([]IPCount, error)
	HighActivityUsers(ctx context.Context, since time.Time, minCount int) ([]UserCount, error)
	MultiIPUsers(ctx context.Context, since time.Time, minIPs int) ([]UserCount, error)
	InsertSuspicious(ctx context.Context, sa SuspiciousActivity) error
	ListSuspicious(ctx context.Context, since time.Time) ([]SuspiciousActivity, error)

	CountEntries(ctx context.Context, from, to time.Time) (int64, error)
	CountByAction(ctx context.Context, from, to time.Time) (map[string]int64, error)
	CountByStatus(ctx context.Context, from, to time.Time) (map[int]int64, error)
	TopUsernames(ctx context.Context, from, to time.Time, limit int) ([]UserCount, error)
	TopIPs(ctx context.Context, from, to time.Time, limit int) ([]IPCount, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Insert appends one entry. Single-row, no cross-row transaction.
func (r *PGRepository) Insert(ctx context.Context, rec Record) error {
	extra, err := json.Marshal(rec.Extra)
	if err != nil {
		return fmt.Errorf("audit: marshal extra: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_entry (created_at, user_id, username, session_key, method, path, query_params, status_code, ip_address, user_agent, referer, action, resource_type, resource_id, extra_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.CreatedAt, rec.UserID, rec.Username, rec.SessionKey, rec.Method, rec.Path, rec.QueryParams,
		rec.StatusCode, rec.IPAddress, rec.UserAgent, rec.Referer, rec.Action, rec.ResourceType, rec.ResourceID, extra)
	return err
}

// DeleteOlderThan removes entries past the retention cutoff and reports the
// deleted count.
func (r *PGRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_entry WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const entryColumns = `id, created_at, user_id, username, session_key, method, path, query_params, status_code, ip_address, user_agent, referer, action, resource_type, resource_id, extra_data`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var action string
	var extra []byte
	err := row.Scan(&e.ID, &e.CreatedAt, &e.UserID, &e.Username, &e.SessionKey, &e.Method, &e.Path, &e.QueryParams,
		&e.StatusCode, &e.IPAddress, &e.UserAgent, &e.Referer, &action, &e.ResourceType, &e.ResourceID, &extra)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, shared.ErrNotFound
		}
		return Entry{}, err
	}
	e.Action = Action(action)
	if len(extra) > 0 {
		_ = json.Unmarshal(extra, &e.Extra)
	}
	return e, nil
}

// List returns a filtered page of entries, newest first, plus the total.
func (r *PGRepository) List(ctx context.Context, f Filters) ([]Entry, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	idx := 1
	add := func(clause string, value any) {
		where += fmt.Sprintf(clause, idx)
		args = append(args, value)
		idx++
	}
	if f.Action != "" {
		add(` AND action = $%d`, f.Action)
	}
	if f.Username != "" {
		add(` AND username = $%d`, f.Username)
	}
	if f.IPAddress != "" {
		add(` AND ip_address = $%d`, f.IPAddress)
	}
	if !f.From.IsZero() {
		add(` AND created_at >= $%d`, f.From)
	}
	if !f.To.IsZero() {
		add(` AND created_at < $%d`, f.To)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entry`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.PageSize
	offset := (f.Page - 1) * f.PageSize
	args = append(args, limit, offset)
	query := `SELECT ` + entryColumns + ` FROM audit_entry` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var action string
		var extra []byte
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.UserID, &e.Username, &e.SessionKey, &e.Method, &e.Path, &e.QueryParams,
			&e.StatusCode, &e.IPAddress, &e.UserAgent, &e.Referer, &action, &e.ResourceType, &e.ResourceID, &extra); err != nil {
			return nil, 0, err
		}
		e.Action = Action(action)
		if len(extra) > 0 {
			_ = json.Unmarshal(extra, &e.Extra)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// Get fetches a single entry by id.
func (r *PGRepository) Get(ctx context.Context, id int64) (Entry, error) {
	return scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM audit_entry WHERE id = $1`, id))
}

// FailedLoginsByIP aggregates ACCESS_DENIED entries on login paths per IP.
// The (action, created_at) index carries this scan.
func (r *PGRepository) FailedLoginsByIP(ctx context.Context, since time.Time, minCount int) ([]IPCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ip_address, COUNT(*)
		FROM audit_entry
		WHERE action = 'ACCESS_DENIED' AND created_at >= $1 AND path LIKE '%login%'
		GROUP BY ip_address
		HAVING COUNT(*) >= $2
		ORDER BY COUNT(*) DESC`, since, minCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIPCounts(rows)
}

// HighActivityUsers aggregates entry volume per username.
func (r *PGRepository) HighActivityUsers(ctx context.Context, since time.Time, minCount int) ([]UserCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT username, COUNT(*)
		FROM audit_entry
		WHERE created_at >= $1 AND username <> ''
		GROUP BY username
		HAVING COUNT(*) >= $2
		ORDER BY COUNT(*) DESC`, since, minCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUserCounts(rows)
}

// MultiIPUsers finds usernames observed from many distinct addresses.
func (r *PGRepository) MultiIPUsers(ctx context.Context, since time.Time, minIPs int) ([]UserCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT username, COUNT(DISTINCT ip_address)
		FROM audit_entry
		WHERE created_at >= $1 AND username <> ''
		GROUP BY username
		HAVING COUNT(DISTINCT ip_address) >= $2
		ORDER BY COUNT(DISTINCT ip_address) DESC`, since, minIPs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUserCounts(rows)
}

// InsertSuspicious persists one anomaly record.
func (r *PGRepository) InsertSuspicious(ctx context.Context, sa SuspiciousActivity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO suspicious_activity (type, username, ip_address, count, window_start, window_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		sa.Type, sa.Username, sa.IPAddress, sa.Count, sa.WindowStart, sa.WindowEnd)
	return err
}

// ListSuspicious returns anomaly records detected after since.
func (r *PGRepository) ListSuspicious(ctx context.Context, since time.Time) ([]SuspiciousActivity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, type, username, ip_address, count, window_start, window_end, created_at
		FROM suspicious_activity WHERE created_at >= $1 ORDER BY created_at DESC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []SuspiciousActivity
	for rows.Next() {
		var sa SuspiciousActivity
		if err := rows.Scan(&sa.ID, &sa.Type, &sa.Username, &sa.IPAddress, &sa.Count, &sa.WindowStart, &sa.WindowEnd, &sa.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, sa)
	}
	return result, rows.Err()
}

// CountEntries totals entries inside the window.
func (r *PGRepository) CountEntries(ctx context.Context, from, to time.Time) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entry WHERE created_at >= $1 AND created_at < $2`, from, to).Scan(&total)
	return total, err
}

// CountByAction groups entries by action inside the window.
func (r *PGRepository) CountByAction(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT action, COUNT(*) FROM audit_entry
		WHERE created_at >= $1 AND created_at < $2 GROUP BY action`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[string]int64)
	for rows.Next() {
		var action string
		var count int64
		if err := rows.Scan(&action, &count); err != nil {
			return nil, err
		}
		result[action] = count
	}
	return result, rows.Err()
}

// CountByStatus groups entries by status code inside the window.
func (r *PGRepository) CountByStatus(ctx context.Context, from, to time.Time) (map[int]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status_code, COUNT(*) FROM audit_entry
		WHERE created_at >= $1 AND created_at < $2 GROUP BY status_code`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[int]int64)
	for rows.Next() {
		var status int
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	return result, rows.Err()
}

// TopUsernames ranks usernames by entry count inside the window.
func (r *PGRepository) TopUsernames(ctx context.Context, from, to time.Time, limit int) ([]UserCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT username, COUNT(*) FROM audit_entry
		WHERE created_at >= $1 AND created_at < $2 AND username <> ''
		GROUP BY username ORDER BY COUNT(*) DESC LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUserCounts(rows)
}

// TopIPs ranks addresses by entry count inside the window.
func (r *PGRepository) TopIPs(ctx context.Context, from, to time.Time, limit int) ([]IPCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ip_address, COUNT(*) FROM audit_entry
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY ip_address ORDER BY COUNT(*) DESC LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIPCounts(rows)
}

func collectIPCounts(rows pgx.Rows) ([]IPCount, error) {
	var result []IPCount
	for rows.Next() {
		var c IPCount
		if err := rows.Scan(&c.IPAddress, &c.Count); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func collectUserCounts(rows pgx.Rows) ([]UserCount, error) {
	var result []UserCount
	for rows.Next() {
		var c UserCount
		if err := rows.Scan(&c.Username, &c.Count); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

var _ Repository = (*PGRepository)(nil)
