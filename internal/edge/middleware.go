package edge

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/nimbus-cp/nimbus/internal/observability"
	"github.com/nimbus-cp/nimbus/internal/platform/httpx"
)

// maxScanBody caps how much request body the scanner reads.
const maxScanBody = 64 << 10

// Config tunes the edge checks.
type Config struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxRequestSize    int64
	BlockDuration     time.Duration
	AuthBlockedPaths  []string
	BlockedMessage    string
	BlockedRedirect   string
	AdminPrefixes     []string
	AdminWhitelist    []string
}

// Middleware is the ordered request filter that runs before authentication.
type Middleware struct {
	cfg     Config
	blocker *Blocker
	scanner *Scanner
	metrics *observability.Metrics
	logger  *slog.Logger

	whitelistExact map[string]struct{}
	whitelistCIDRs []*net.IPNet
}

// NewMiddleware compiles the admin whitelist once and wires the filter.
func NewMiddleware(cfg Config, blocker *Blocker, scanner *Scanner, metrics *observability.Metrics, logger *slog.Logger) *Middleware {
	m := &Middleware{
		cfg:            cfg,
		blocker:        blocker,
		scanner:        scanner,
		metrics:        metrics,
		logger:         logger,
		whitelistExact: map[string]struct{}{},
	}
	for _, entry := range cfg.AdminWhitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, ipnet, err := net.ParseCIDR(entry); err == nil {
				m.whitelistCIDRs = append(m.whitelistCIDRs, ipnet)
				continue
			}
		}
		m.whitelistExact[entry] = struct{}{}
	}
	return m
}

// Handler assembles the edge chain in its fixed order. The IP checks run
// outside the rate limiter so blocked clients cannot consume counter state.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	inner := m.postLimit(next)
	limited := httprate.Limit(
		m.cfg.RateLimitRequests,
		m.cfg.RateLimitWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
		httprate.WithLimitHandler(m.rateLimited),
	)(inner)
	return RealIP(m.preLimit(limited))
}

// preLimit runs the blocklist checks (steps before the rate limiter).
func (m *Middleware) preLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr

		if m.authPath(r.URL.Path) && m.blocker.OperatorBlocked(ip) {
			m.reject(w, r, "blocklist")
			return
		}
		if m.blocker.TempBlocked(r.Context(), ip) {
			m.reject(w, r, "temp_block")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// postLimit runs the content checks (steps after the rate limiter).
func (m *Middleware) postLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr

		if reason := m.scan(r); reason != "" {
			if err := m.blocker.BlockTemporarily(r.Context(), ip, reason, m.cfg.BlockDuration); err != nil {
				m.logger.Warn("failed to record scanner block", slog.Any("error", err))
			}
			m.logger.Warn("suspicious request blocked",
				slog.String("ip", ip),
				slog.String("pattern", reason),
				slog.String("path", r.URL.Path))
			m.metrics.IncEdgeRejected("scanner")
			httpx.Error(w, http.StatusForbidden, "Forbidden")
			return
		}

		if r.ContentLength > m.cfg.MaxRequestSize {
			m.metrics.IncEdgeRejected("size")
			httpx.Error(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}

		if stateChanging(r.Method) && !allowedContentType(r.Header.Get("Content-Type")) {
			m.metrics.IncEdgeRejected("content_type")
			httpx.Error(w, http.StatusBadRequest, "Unsupported content type")
			return
		}

		ua := r.Header.Get("User-Agent")
		if ua == "" || SuspiciousUserAgent(ua) {
			m.metrics.IncEdgeRejected("user_agent")
			httpx.Error(w, http.StatusForbidden, "Forbidden")
			return
		}

		if m.adminPath(r.URL.Path) && !m.whitelisted(ip) {
			m.metrics.IncEdgeRejected("admin_whitelist")
			httpx.Error(w, http.StatusForbidden, "Forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) rateLimited(w http.ResponseWriter, r *http.Request) {
	m.metrics.IncEdgeRejected("rate_limit")
	retry := int(m.cfg.RateLimitWindow.Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	httpx.ErrorWith(w, http.StatusTooManyRequests, "Rate limit exceeded", map[string]any{
		"retry_after": retry,
	})
}

// reject answers a blocked address. Browsers get a small HTML page, API
// clients get the JSON envelope.
func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, reason string) {
	m.metrics.IncEdgeRejected(reason)
	m.logger.Warn("blocked address rejected",
		slog.String("ip", r.RemoteAddr),
		slog.String("reason", reason),
		slog.String("path", r.URL.Path))
	msg := m.cfg.BlockedMessage
	if msg == "" {
		msg = "Access denied"
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		if m.cfg.BlockedRedirect != "" {
			http.Redirect(w, r, m.cfg.BlockedRedirect, http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, "<!DOCTYPE html><html><body><h1>403</h1><p>"+msg+"</p></body></html>")
		return
	}
	httpx.Error(w, http.StatusForbidden, msg)
}

// scan checks the request target and headers, then a bounded body prefix for
// state-changing requests. The body is restored for downstream readers.
func (m *Middleware) scan(r *http.Request) string {
	if reason := m.scanner.Scan(r); reason != "" {
		return reason
	}
	if !stateChanging(r.Method) || r.Body == nil || r.ContentLength <= 0 || r.ContentLength > maxScanBody {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxScanBody))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return m.scanner.ScanBody(body)
}

func (m *Middleware) authPath(path string) bool {
	for _, prefix := range m.cfg.AuthBlockedPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (m *Middleware) adminPath(path string) bool {
	for _, prefix := range m.cfg.AdminPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// whitelisted admits every address when no whitelist is configured.
func (m *Middleware) whitelisted(ip string) bool {
	if len(m.whitelistExact) == 0 && len(m.whitelistCIDRs) == 0 {
		return true
	}
	if _, ok := m.whitelistExact[ip]; ok {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipnet := range m.whitelistCIDRs {
		if ipnet.Contains(parsed) {
			return true
		}
	}
	return false
}

// stateChanging deliberately excludes DELETE: it gates the content-type and
// body checks, and DELETE requests carry no body. The audit package keeps its
// own wider notion that includes DELETE.
func stateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

var allowedContentTypes = []string{
	"application/json",
	"application/x-www-form-urlencoded",
	"multipart/form-data",
	"text/plain",
	"application/xml",
}

func allowedContentType(value string) bool {
	if value == "" {
		return true
	}
	base := strings.TrimSpace(strings.Split(value, ";")[0])
	for _, ct := range allowedContentTypes {
		if strings.EqualFold(base, ct) {
			return true
		}
	}
	return false
}
