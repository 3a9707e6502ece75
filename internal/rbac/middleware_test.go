package rbac

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nimbus-cp/nimbus/internal/identity"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func guardRequest(t *testing.T, mw func(http.Handler) http.Handler, p identity.Principal) *httptest.ResponseRecorder {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req = req.WithContext(identity.ContextWithPrincipal(req.Context(), p))
	res := httptest.NewRecorder()
	mw(next).ServeHTTP(res, req)
	return res
}

func guardMiddleware(repo Repository) *Middleware {
	return NewMiddleware(NewEvaluator(repo, discardLogger()), discardLogger())
}

func TestRequirePermissionAllows(t *testing.T) {
	repo := newStubRepo()
	repo.assignments[1] = []EffectiveAssignment{{
		Assignment: RoleAssignment{UserID: 1, RoleID: 10, IsActive: true},
		RoleActive: true,
	}}
	repo.rolePerms[10] = []string{"project:read"}

	res := guardRequest(t, guardMiddleware(repo).RequirePermission("project:read"), activeUser(1))
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestRequirePermissionDenies(t *testing.T) {
	res := guardRequest(t, guardMiddleware(newStubRepo()).RequirePermission("project:read"), activeUser(1))
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Contains(t, res.Body.String(), "Forbidden: missing permission")
}

func TestRequireAny(t *testing.T) {
	repo := newStubRepo()
	repo.assignments[1] = []EffectiveAssignment{{
		Assignment: RoleAssignment{UserID: 1, RoleID: 10, IsActive: true},
		RoleActive: true,
	}}
	repo.rolePerms[10] = []string{"role:manage"}
	mw := guardMiddleware(repo)

	assert.Equal(t, http.StatusOK,
		guardRequest(t, mw.RequireAny("admin:all", "role:manage"), activeUser(1)).Code)
	assert.Equal(t, http.StatusForbidden,
		guardRequest(t, mw.RequireAny("admin:all", "blocklist:manage"), activeUser(1)).Code)
}

func TestRequireAll(t *testing.T) {
	repo := newStubRepo()
	repo.assignments[1] = []EffectiveAssignment{{
		Assignment: RoleAssignment{UserID: 1, RoleID: 10, IsActive: true},
		RoleActive: true,
	}}
	repo.rolePerms[10] = []string{"project:read", "audit:read"}
	mw := guardMiddleware(repo)

	assert.Equal(t, http.StatusOK,
		guardRequest(t, mw.RequireAll("project:read", "audit:read"), activeUser(1)).Code)
	assert.Equal(t, http.StatusForbidden,
		guardRequest(t, mw.RequireAll("project:read", "role:manage"), activeUser(1)).Code)
}

func TestRequireResource(t *testing.T) {
	repo := newStubRepo()
	repo.assignments[1] = []EffectiveAssignment{{
		Assignment: RoleAssignment{UserID: 1, RoleID: 10, IsActive: true},
		RoleActive: true,
	}}
	repo.rolePerms[10] = []string{"project:read"}
	mw := guardMiddleware(repo).RequireResource("project")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for method, want := range map[string]int{
		http.MethodGet:     http.StatusOK,
		http.MethodDelete:  http.StatusForbidden,
		http.MethodOptions: http.StatusForbidden,
	} {
		req := httptest.NewRequest(method, "/api/v1/projects", strings.NewReader(""))
		req = req.WithContext(identity.ContextWithPrincipal(req.Context(), activeUser(1)))
		res := httptest.NewRecorder()
		mw(next).ServeHTTP(res, req)
		assert.Equal(t, want, res.Code, method)
	}
}

func TestGuardAnonymousDenied(t *testing.T) {
	res := guardRequest(t, guardMiddleware(newStubRepo()).RequirePermission("project:read"), identity.Anonymous())
	assert.Equal(t, http.StatusForbidden, res.Code)
}
