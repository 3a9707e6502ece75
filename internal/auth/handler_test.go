package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-cp/nimbus/internal/identity"
	"github.com/nimbus-cp/nimbus/internal/shared"
)

type handlerEnv struct {
	users    *stubUsers
	handler  *Handler
	sessions *shared.SessionManager
	router   chi.Router
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(client, "nimbus_session", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-test-secret")
	users := newStubUsers()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := NewHandler(logger, NewService(users, logger), sessions, csrf, NewOAuthRegistry(nil))

	router := chi.NewRouter()
	// Mirror the app chain: load a session, run the handler, and commit the
	// session before the first header write (as responseWriterWithCommit does
	// in internal/app), so the recorder captures the cookie.
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := sessions.Load(r.Context(), r)
			require.NoError(t, err)
			ctx := shared.ContextWithSession(r.Context(), sess)
			r = r.WithContext(ctx)
			next.ServeHTTP(&commitWriter{
				ResponseWriter: w,
				commit: func() {
					require.NoError(t, sessions.Commit(ctx, w, r, sess))
				},
			}, r)
		})
	})
	router.Route("/auth", handler.MountRoutes)

	return &handlerEnv{users: users, handler: handler, sessions: sessions, router: router}
}

func (e *handlerEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	e.router.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	return body
}

func TestLoginSuccess(t *testing.T) {
	env := newHandlerEnv(t)
	env.users.addUser(identity.User{
		Username: "nadia", Email: "nadia@test.local",
		PasswordHash: mustHash(t, "correct horse"), IsActive: true,
	})

	res := env.do(http.MethodPost, "/auth/login", `{"email":"nadia@test.local","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	body := decodeBody(t, res)
	token, _ := body["token"].(string)
	assert.True(t, strings.HasPrefix(token, "tk_"))
	assert.NotEmpty(t, body["csrf_token"])

	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "nadia", user["username"])

	// A session cookie is established for browser clients.
	cookies := res.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, "nimbus_session", cookies[0].Name)
}

func TestLoginInvalidCredentials(t *testing.T) {
	env := newHandlerEnv(t)
	env.users.addUser(identity.User{
		Username: "nadia", Email: "nadia@test.local",
		PasswordHash: mustHash(t, "correct horse"), IsActive: true,
	})

	res := env.do(http.MethodPost, "/auth/login", `{"email":"nadia@test.local","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Contains(t, res.Body.String(), "AUTH_INVALID_CREDENTIALS")
}

func TestLoginValidation(t *testing.T) {
	env := newHandlerEnv(t)

	res := env.do(http.MethodPost, "/auth/login", `{"email":"not-an-email","password":"x"}`)
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = env.do(http.MethodPost, "/auth/login", `not json`)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestSignupSuccess(t *testing.T) {
	env := newHandlerEnv(t)

	res := env.do(http.MethodPost, "/auth/signup", `{
		"email":"new@test.local","username":"newbie",
		"first_name":"New","last_name":"User","password":"long enough pw"
	}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	body := decodeBody(t, res)
	assert.NotEmpty(t, body["private_key"])
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "newbie", user["username"])
}

func TestSignupFieldErrors(t *testing.T) {
	env := newHandlerEnv(t)

	res := env.do(http.MethodPost, "/auth/signup", `{
		"email":"bad","username":"ab",
		"first_name":"","last_name":"","password":"short"
	}`)
	require.Equal(t, http.StatusBadRequest, res.Code)

	body := decodeBody(t, res)
	assert.Equal(t, "AUTH_WEAK_INPUT", body["code"])
	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "Email")
	assert.Contains(t, fields, "Password")
}

func TestSignupDuplicateConflict(t *testing.T) {
	env := newHandlerEnv(t)
	env.users.addUser(identity.User{Username: "nadia", Email: "nadia@test.local", IsActive: true})

	res := env.do(http.MethodPost, "/auth/signup", `{
		"email":"nadia@test.local","username":"other",
		"first_name":"N","last_name":"A","password":"long enough pw"
	}`)
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Contains(t, res.Body.String(), "AUTH_DUPLICATE")
}

func TestMeRequiresAuth(t *testing.T) {
	env := newHandlerEnv(t)

	res := env.do(http.MethodGet, "/auth/me", "")
	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Contains(t, res.Body.String(), "AUTH_MISSING")
}

func TestMeWithPrincipal(t *testing.T) {
	env := newHandlerEnv(t)
	user := env.users.addUser(identity.User{Username: "nadia", Email: "nadia@test.local", IsActive: true})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(identity.ContextWithPrincipal(req.Context(), identity.UserPrincipal(user)))
	res := httptest.NewRecorder()
	env.router.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	body := decodeBody(t, res)
	payload, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "nadia", payload["username"])
}

func TestLogoutRevokesTokenAndSession(t *testing.T) {
	env := newHandlerEnv(t)
	user := env.users.addUser(identity.User{
		Username: "nadia", Email: "nadia@test.local",
		PasswordHash: mustHash(t, "correct horse"), IsActive: true,
	})

	login := env.do(http.MethodPost, "/auth/login", `{"email":"nadia@test.local","password":"correct horse"}`)
	require.Equal(t, http.StatusOK, login.Code)
	require.NotEmpty(t, env.users.tokens)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(identity.ContextWithPrincipal(req.Context(), identity.UserPrincipal(user)))
	for _, c := range login.Result().Cookies() {
		req.AddCookie(c)
	}
	res := httptest.NewRecorder()
	env.router.ServeHTTP(res, req)

	assert.Equal(t, http.StatusOK, res.Code)
	assert.Empty(t, env.users.tokens)

	// The session cookie is cleared.
	var cleared bool
	for _, c := range res.Result().Cookies() {
		if c.Name == "nimbus_session" && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared)
}

func TestOAuthStartUnknownProvider(t *testing.T) {
	env := newHandlerEnv(t)

	res := env.do(http.MethodGet, "/auth/oauth/myspace", "")
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Contains(t, res.Body.String(), "AUTH_UNKNOWN_PROVIDER")
}

func TestOAuthStartSetsState(t *testing.T) {
	env := newHandlerEnv(t)
	env.handler.oauth.Register("github", &fakeExchanger{})

	res := env.do(http.MethodGet, "/auth/oauth/github", "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	body := decodeBody(t, res)
	authorize, _ := body["authorize_url"].(string)
	assert.Contains(t, authorize, "state=")
}

func TestOAuthCompleteStateMismatch(t *testing.T) {
	env := newHandlerEnv(t)
	env.handler.oauth.Register("github", &fakeExchanger{})

	res := env.do(http.MethodPost, "/auth/oauth/github/complete", `{"code":"abc","state":"forged"}`)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestOAuthCallbackCompletesLogin(t *testing.T) {
	env := newHandlerEnv(t)
	env.handler.oauth.Register("github", &fakeExchanger{ext: ExternalIdentity{
		Provider: "github", ExternalID: "77", Email: "dev@test.local", Username: "dev",
	}})

	start := env.do(http.MethodGet, "/auth/oauth/github", "")
	require.Equal(t, http.StatusOK, start.Code, start.Body.String())
	authorize, _ := decodeBody(t, start)["authorize_url"].(string)
	idx := strings.Index(authorize, "state=")
	require.GreaterOrEqual(t, idx, 0)
	state := authorize[idx+len("state="):]
	cookies := start.Result().Cookies()
	require.NotEmpty(t, cookies)

	// Provider redirect lands on the GET callback with code and state in the
	// query, carrying the session cookie from the start request.
	req := httptest.NewRequest(http.MethodGet, "/auth/oauth/github/callback?code=abc&state="+state, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	res := httptest.NewRecorder()
	env.router.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	body := decodeBody(t, res)
	token, _ := body["token"].(string)
	assert.True(t, strings.HasPrefix(token, "tk_"))
	user, ok := body["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dev", user["username"])
}

func TestOAuthCallbackMissingParams(t *testing.T) {
	env := newHandlerEnv(t)
	env.handler.oauth.Register("github", &fakeExchanger{})

	res := env.do(http.MethodGet, "/auth/oauth/github/callback", "")
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

// commitWriter commits the session before the first header write, mirroring
// the app's responseWriterWithCommit.
type commitWriter struct {
	http.ResponseWriter
	commit        func()
	headerWritten bool
}

func (w *commitWriter) WriteHeader(statusCode int) {
	if !w.headerWritten {
		w.headerWritten = true
		w.commit()
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *commitWriter) Write(data []byte) (int, error) {
	if !w.headerWritten {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(data)
}

type fakeExchanger struct {
	ext ExternalIdentity
	err error
}

func (f *fakeExchanger) AuthCodeURL(state string) string {
	return "https://example.test/authorize?state=" + state
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string) (ExternalIdentity, error) {
	if f.err != nil {
		return ExternalIdentity{}, f.err
	}
	return f.ext, nil
}
