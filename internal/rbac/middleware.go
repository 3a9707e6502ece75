package rbac

import (
	"log/slog"
	"net/http"

	"github.com/nimbus-cp/nimbus/internal/audit"
	"github.com/nimbus-cp/nimbus/internal/identity"
	"github.com/nimbus-cp/nimbus/internal/platform/httpx"
)

// Middleware hosts the route guards. Every guard resolves the principal from
// the request context, consults the evaluator, and on denial annotates the
// in-flight audit capture before writing the 403.
type Middleware struct {
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewMiddleware wires the guard set.
func NewMiddleware(evaluator *Evaluator, logger *slog.Logger) *Middleware {
	return &Middleware{evaluator: evaluator, logger: logger}
}

// RequirePermission admits the request only when the principal holds code.
func (m *Middleware) RequirePermission(code string) func(http.Handler) http.Handler {
	return m.guard([]string{code}, false)
}

// RequireAny admits the request when the principal holds at least one of the
// given codes.
func (m *Middleware) RequireAny(codes ...string) func(http.Handler) http.Handler {
	return m.guard(codes, false)
}

// RequireAll admits the request only when the principal holds every code.
func (m *Middleware) RequireAll(codes ...string) func(http.Handler) http.Handler {
	return m.guard(codes, true)
}

// RequireResource derives the permission from the request method, so GET on a
// projects route demands project:read and DELETE demands project:delete.
// Methods with no mapping are denied outright.
func (m *Middleware) RequireResource(resource string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			code := MethodPermission(resource, r.Method)
			if code == "" {
				m.deny(w, r, nil, nil)
				return
			}
			m.check(w, r, next, []string{code}, false)
		})
	}
}

func (m *Middleware) guard(codes []string, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.check(w, r, next, codes, all)
		})
	}
}

func (m *Middleware) check(w http.ResponseWriter, r *http.Request, next http.Handler, codes []string, all bool) {
	principal := identity.PrincipalFromContext(r.Context())
	for _, code := range codes {
		d := m.evaluator.HasPermission(r.Context(), principal, code)
		if d.Allowed && !all {
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			if all || code == codes[len(codes)-1] {
				m.deny(w, r, codes, d.Err)
				return
			}
			continue
		}
	}
	// all == true and every check passed.
	next.ServeHTTP(w, r)
}

func (m *Middleware) deny(w http.ResponseWriter, r *http.Request, codes []string, cause error) {
	if cap := audit.CaptureFromContext(r.Context()); cap != nil {
		cap.MarkDenied(codes, cause)
	}
	if cause != nil {
		m.logger.Warn("permission check denied on error",
			slog.String("path", r.URL.Path),
			slog.Any("error", cause))
	}
	httpx.Error(w, http.StatusForbidden, "Forbidden: missing permission")
}
