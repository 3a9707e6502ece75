package edge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nimbus-cp/nimbus/internal/shared"
)

// BlockedNetwork is an operator-managed deny entry, either an exact address
// or a CIDR range.
type BlockedNetwork struct {
	ID              int64     `json:"id"`
	Network         string    `json:"network"`
	IsCIDR          bool      `json:"is_cidr"`
	Reason          string    `json:"reason"`
	CreatedByUserID *int64    `json:"created_by_user_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NormalizeNetwork validates a network string and derives whether it is a
// CIDR range. The stored form is what the operator supplied, trimmed.
func NormalizeNetwork(raw string) (string, bool, error) {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, "/") {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return "", false, fmt.Errorf("edge: invalid CIDR %q: %w", s, err)
		}
		return s, true, nil
	}
	if net.ParseIP(s) == nil {
		return "", false, fmt.Errorf("edge: invalid address %q", s)
	}
	return s, false, nil
}

// BlocklistRepository persists operator-managed blocked networks.
type BlocklistRepository interface {
	ListNetworks(ctx context.Context) ([]BlockedNetwork, error)
	CreateNetwork(ctx context.Context, nw BlockedNetwork) (BlockedNetwork, error)
	DeleteNetwork(ctx context.Context, id int64) error
}

// PGBlocklistRepository implements BlocklistRepository on PostgreSQL.
type PGBlocklistRepository struct {
	pool *pgxpool.Pool
}

func NewBlocklistRepository(pool *pgxpool.Pool) *PGBlocklistRepository {
	return &PGBlocklistRepository{pool: pool}
}

func (r *PGBlocklistRepository) ListNetworks(ctx context.Context) ([]BlockedNetwork, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, network, is_cidr, reason, created_by_user_id, created_at
		FROM blocked_network ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []BlockedNetwork
	for rows.Next() {
		var nw BlockedNetwork
		if err := rows.Scan(&nw.ID, &nw.Network, &nw.IsCIDR, &nw.Reason, &nw.CreatedByUserID, &nw.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, nw)
	}
	return result, rows.Err()
}

func (r *PGBlocklistRepository) CreateNetwork(ctx context.Context, nw BlockedNetwork) (BlockedNetwork, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO blocked_network (network, is_cidr, reason, created_by_user_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at`,
		nw.Network, nw.IsCIDR, nw.Reason, nw.CreatedByUserID).Scan(&nw.ID, &nw.CreatedAt)
	if err != nil {
		return BlockedNetwork{}, err
	}
	return nw, nil
}

func (r *PGBlocklistRepository) DeleteNetwork(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM blocked_network WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// tempBlockKey prefixes scanner-imposed blocks in redis.
const tempBlockKey = "edge:blocked:"

// Blocker answers "is this address blocked" on the hot path. Operator
// entries are compiled into an in-memory matcher refreshed via Reload.
// Scanner hits live in a process-local map mirrored to redis TTL keys, so
// the block expires on its own and is shared across replicas.
type Blocker struct {
	repo   BlocklistRepository
	client *redis.Client
	logger *slog.Logger

	mu          sync.RWMutex
	exact       map[string]struct{}
	cidrs       []*net.IPNet
	staticExact map[string]struct{}
	staticCIDRs []*net.IPNet

	tempMu sync.Mutex
	temp   map[string]time.Time
}

// NewBlocker builds a Blocker and loads the operator blocklist. A load error
// is returned rather than silently starting with an empty matcher.
func NewBlocker(ctx context.Context, repo BlocklistRepository, client *redis.Client, logger *slog.Logger) (*Blocker, error) {
	b := &Blocker{
		repo:        repo,
		client:      client,
		logger:      logger,
		exact:       map[string]struct{}{},
		staticExact: map[string]struct{}{},
		temp:        map[string]time.Time{},
	}
	if err := b.Reload(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload recompiles the matcher from the repository. Admin mutations call
// this after a write so new entries take effect without a restart.
func (b *Blocker) Reload(ctx context.Context) error {
	networks, err := b.repo.ListNetworks(ctx)
	if err != nil {
		return fmt.Errorf("edge: load blocklist: %w", err)
	}
	exact := make(map[string]struct{}, len(networks))
	var cidrs []*net.IPNet
	for _, nw := range networks {
		if nw.IsCIDR {
			_, ipnet, err := net.ParseCIDR(nw.Network)
			if err != nil {
				b.logger.Warn("skipping unparseable blocked network",
					slog.String("network", nw.Network))
				continue
			}
			cidrs = append(cidrs, ipnet)
			continue
		}
		exact[nw.Network] = struct{}{}
	}
	b.mu.Lock()
	b.exact = exact
	b.cidrs = cidrs
	b.mu.Unlock()
	return nil
}

// SetStatic installs operator entries supplied through configuration. They
// sit alongside database rows and survive Reload, which only recompiles the
// repository state.
func (b *Blocker) SetStatic(ips, ranges []string) {
	exact := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if s := strings.TrimSpace(ip); s != "" {
			exact[s] = struct{}{}
		}
	}
	var cidrs []*net.IPNet
	for _, r := range ranges {
		s := strings.TrimSpace(r)
		if s == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			b.logger.Warn("skipping unparseable static blocked range",
				slog.String("network", s))
			continue
		}
		cidrs = append(cidrs, ipnet)
	}
	b.mu.Lock()
	b.staticExact = exact
	b.staticCIDRs = cidrs
	b.mu.Unlock()
}

// OperatorBlocked reports whether ip matches the compiled operator list,
// exact entries first, then CIDR membership. Static configuration entries
// count as operator entries.
func (b *Blocker) OperatorBlocked(ip string) bool {
	b.mu.RLock()
	_, hit := b.exact[ip]
	if !hit {
		_, hit = b.staticExact[ip]
	}
	cidrs := make([]*net.IPNet, 0, len(b.cidrs)+len(b.staticCIDRs))
	cidrs = append(cidrs, b.cidrs...)
	cidrs = append(cidrs, b.staticCIDRs...)
	b.mu.RUnlock()
	if hit {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipnet := range cidrs {
		if ipnet.Contains(parsed) {
			return true
		}
	}
	return false
}

// TempBlocked reports whether ip carries a scanner-imposed block. The local
// map answers first; redis covers blocks imposed by other replicas. Redis
// errors fail open so a cache outage cannot take the edge down.
func (b *Blocker) TempBlocked(ctx context.Context, ip string) bool {
	now := time.Now()
	b.tempMu.Lock()
	until, ok := b.temp[ip]
	if ok && now.After(until) {
		delete(b.temp, ip)
		ok = false
	}
	b.tempMu.Unlock()
	if ok {
		return true
	}
	if b.client == nil {
		return false
	}
	ttl, err := b.client.TTL(ctx, tempBlockKey+ip).Result()
	if err != nil {
		b.logger.Warn("temp block lookup failed", slog.Any("error", err))
		return false
	}
	if ttl <= 0 {
		return false
	}
	b.tempMu.Lock()
	b.temp[ip] = now.Add(ttl)
	b.tempMu.Unlock()
	return true
}

// Blocked combines the operator list and temporary blocks.
func (b *Blocker) Blocked(ctx context.Context, ip string) bool {
	return b.OperatorBlocked(ip) || b.TempBlocked(ctx, ip)
}

// BlockTemporarily imposes a TTL block on ip, used when the scanner flags a
// request. Re-blocking an already blocked address refreshes the TTL.
func (b *Blocker) BlockTemporarily(ctx context.Context, ip, reason string, ttl time.Duration) error {
	b.tempMu.Lock()
	b.temp[ip] = time.Now().Add(ttl)
	b.tempMu.Unlock()
	if b.client == nil {
		return nil
	}
	return b.client.Set(ctx, tempBlockKey+ip, reason, ttl).Err()
}
