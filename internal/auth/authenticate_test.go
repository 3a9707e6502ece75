package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cp/nimbus/internal/identity"
)

func newTestAuthenticator(users identity.Repository) *Authenticator {
	return NewAuthenticator(users, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolveAnonymous(t *testing.T) {
	a := newTestAuthenticator(newStubUsers())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	p := a.Resolve(context.Background(), req)
	assert.True(t, p.IsAnonymous())
}

func TestResolveBearerToken(t *testing.T) {
	users := newStubUsers()
	user := users.addUser(identity.User{Username: "nadia", Email: "nadia@test.local", IsActive: true})
	users.tokens[user.ID] = &identity.Token{UserID: user.ID, Key: "tk_abc"}
	a := newTestAuthenticator(users)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token tk_abc")
	p := a.Resolve(context.Background(), req)
	require.True(t, p.IsUser())
	assert.Equal(t, user.ID, p.User.ID)

	// Wrong scheme is ignored.
	req.Header.Set("Authorization", "Bearer tk_abc")
	assert.True(t, a.Resolve(context.Background(), req).IsAnonymous())

	// Unknown key resolves to anonymous, not an error.
	req.Header.Set("Authorization", "Token tk_nope")
	assert.True(t, a.Resolve(context.Background(), req).IsAnonymous())
}

func TestResolveInactiveTokenUser(t *testing.T) {
	users := newStubUsers()
	user := users.addUser(identity.User{Username: "dormant", Email: "d@test.local", IsActive: false})
	users.tokens[user.ID] = &identity.Token{UserID: user.ID, Key: "tk_abc"}
	a := newTestAuthenticator(users)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token tk_abc")
	assert.True(t, a.Resolve(context.Background(), req).IsAnonymous())
}

func TestResolveAPIKey(t *testing.T) {
	users := newStubUsers()
	account, err := users.CreateServiceAccount(context.Background(), identity.ServiceAccount{
		Name: "deployer", APIKey: "sa_abc", IsActive: true,
	})
	require.NoError(t, err)
	a := newTestAuthenticator(users)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "sa_abc")
	p := a.Resolve(context.Background(), req)
	require.True(t, p.IsService())
	assert.Equal(t, account.ID, p.Account.ID)
	// Resolution advances last_used_at.
	assert.Equal(t, []int64{account.ID}, users.touched)
}

func TestResolveInactiveServiceAccount(t *testing.T) {
	users := newStubUsers()
	_, err := users.CreateServiceAccount(context.Background(), identity.ServiceAccount{
		Name: "old", APIKey: "sa_old", IsActive: false,
	})
	require.NoError(t, err)
	a := newTestAuthenticator(users)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "sa_old")
	assert.True(t, a.Resolve(context.Background(), req).IsAnonymous())
	assert.Empty(t, users.touched)
}

func TestMiddlewareStoresPrincipal(t *testing.T) {
	users := newStubUsers()
	user := users.addUser(identity.User{Username: "nadia", Email: "nadia@test.local", IsActive: true})
	users.tokens[user.ID] = &identity.Token{UserID: user.ID, Key: "tk_abc"}
	a := newTestAuthenticator(users)

	var seen identity.Principal
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = identity.PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Token tk_abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.True(t, seen.IsUser())
	assert.Equal(t, "nadia", seen.User.Username)
}
