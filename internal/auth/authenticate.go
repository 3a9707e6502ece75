package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nimbus-cp/nimbus/internal/audit"
	"github.com/nimbus-cp/nimbus/internal/identity"
	"github.com/nimbus-cp/nimbus/internal/shared"
)

// tokenScheme is the Authorization scheme for user bearer tokens.
const tokenScheme = "Token "

// apiKeyHeader carries service-account credentials.
const apiKeyHeader = "X-API-Key"

// Authenticator resolves the request principal. Session wins over bearer
// token, bearer token over API key; an unresolvable credential leaves the
// principal anonymous rather than failing the request, so guards decide.
type Authenticator struct {
	users  identity.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewAuthenticator wires the principal-resolution middleware.
func NewAuthenticator(users identity.Repository, logger *slog.Logger) *Authenticator {
	return &Authenticator{users: users, logger: logger, now: time.Now}
}

// Middleware stores the resolved principal in the request context and
// annotates the in-flight audit capture.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		principal := a.Resolve(ctx, r)
		ctx = identity.ContextWithPrincipal(ctx, principal)
		if cap := audit.CaptureFromContext(ctx); cap != nil {
			if id, ok := principal.UserID(); ok {
				cap.SetPrincipal(&id, principal.Username())
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Resolve walks the credential sources in precedence order.
func (a *Authenticator) Resolve(ctx context.Context, r *http.Request) identity.Principal {
	if p, ok := a.fromSession(ctx); ok {
		return p
	}
	if p, ok := a.fromToken(ctx, r); ok {
		return p
	}
	if p, ok := a.fromAPIKey(ctx, r); ok {
		return p
	}
	return identity.Anonymous()
}

func (a *Authenticator) fromSession(ctx context.Context) (identity.Principal, bool) {
	sess := shared.SessionFromContext(ctx)
	if sess == nil || sess.User() == "" {
		return identity.Principal{}, false
	}
	id, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil {
		return identity.Principal{}, false
	}
	user, err := a.users.GetUserByID(ctx, id)
	if err != nil || !user.IsActive {
		return identity.Principal{}, false
	}
	return identity.UserPrincipal(user), true
}

func (a *Authenticator) fromToken(ctx context.Context, r *http.Request) (identity.Principal, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, tokenScheme) {
		return identity.Principal{}, false
	}
	key := strings.TrimSpace(strings.TrimPrefix(header, tokenScheme))
	if key == "" {
		return identity.Principal{}, false
	}
	user, err := a.users.GetUserByTokenKey(ctx, key)
	if err != nil || !user.IsActive {
		return identity.Principal{}, false
	}
	return identity.UserPrincipal(user), true
}

func (a *Authenticator) fromAPIKey(ctx context.Context, r *http.Request) (identity.Principal, bool) {
	key := r.Header.Get(apiKeyHeader)
	if key == "" {
		return identity.Principal{}, false
	}
	account, err := a.users.GetServiceAccountByAPIKey(ctx, key)
	if err != nil || !account.IsActive {
		return identity.Principal{}, false
	}
	if err := a.users.TouchServiceAccountUsed(ctx, account.ID, a.now()); err != nil {
		a.logger.Warn("failed to advance service account last_used_at",
			slog.Int64("account_id", account.ID),
			slog.Any("error", err))
	}
	return identity.ServicePrincipal(account), true
}
