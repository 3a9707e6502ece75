package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nimbus-cp/nimbus/internal/audit"
	"github.com/nimbus-cp/nimbus/internal/identity"
	"github.com/nimbus-cp/nimbus/internal/platform/httpx"
	"github.com/nimbus-cp/nimbus/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	sessions  *shared.SessionManager
	csrf      *shared.CSRFManager
	oauth     *OAuthRegistry
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager, oauth *OAuthRegistry) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		sessions:  sessions,
		csrf:      csrf,
		oauth:     oauth,
		validator: validator.New(),
	}
}

// csrfToken mints the session-bound token included in login responses so
// cookie-credentialed clients can make state-changing calls.
func (h *Handler) csrfToken(r *http.Request) string {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || h.csrf == nil {
		return ""
	}
	token, err := h.csrf.EnsureToken(r.Context(), sess)
	if err != nil {
		h.logger.Warn("csrf token provisioning failed", slog.Any("error", err))
		return ""
	}
	return token
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/signup", h.handleSignup)
	r.Post("/logout", h.handleLogout)
	r.Get("/me", h.handleMe)
	r.Get("/providers", h.handleProviders)
	r.Get("/oauth/{provider}", h.handleOAuthStart)
	r.Get("/oauth/{provider}/callback", h.handleOAuthCallback)
	r.Post("/oauth/{provider}/complete", h.handleOAuthComplete)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type userPayload struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	IsActive    bool   `json:"is_active"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
}

func toUserPayload(u *identity.User) userPayload {
	return userPayload{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		IsActive:    u.IsActive,
		IsStaff:     u.IsStaff,
		IsSuperuser: u.IsSuperuser,
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ErrorWith(w, http.StatusBadRequest, "Invalid request body", map[string]any{"code": httpx.CodeRequestInvalid})
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ErrorWith(w, http.StatusBadRequest, "Invalid credentials payload", map[string]any{"code": httpx.CodeRequestInvalid})
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if cap := audit.CaptureFromContext(r.Context()); cap != nil {
			cap.MarkDenied(nil, err)
		}
		httpx.ErrorWith(w, http.StatusUnauthorized, "Invalid credentials", map[string]any{"code": httpx.CodeAuthInvalidCredentials})
		return
	}

	token, err := h.service.EnsureToken(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("login token provisioning failed", slog.Any("error", err))
		httpx.ErrorWith(w, http.StatusInternalServerError, "Login failed", map[string]any{"code": httpx.CodeStorageUnavailable})
		return
	}

	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.SetUser(strconv.FormatInt(user.ID, 10))
	}
	if cap := audit.CaptureFromContext(r.Context()); cap != nil {
		cap.SetPrincipal(&user.ID, user.Username)
		cap.SetAction(audit.ActionLogin)
	}

	body := map[string]any{
		"token": token,
		"user":  toUserPayload(user),
	}
	if csrf := h.csrfToken(r); csrf != "" {
		body["csrf_token"] = csrf
	}
	httpx.JSON(w, http.StatusOK, body)
}

type signupRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Username  string `json:"username" validate:"required,min=3"`
	FirstName string `json:"first_name" validate:"required"`
	LastName  string `json:"last_name" validate:"required"`
	Password  string `json:"password" validate:"required,min=8"`
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ErrorWith(w, http.StatusBadRequest, "Invalid request body", map[string]any{"code": httpx.CodeRequestInvalid})
		return
	}
	if err := h.validator.Struct(req); err != nil {
		fields := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
		}
		httpx.ErrorWith(w, http.StatusBadRequest, "Invalid signup payload", map[string]any{
			"code":   httpx.CodeAuthWeakInput,
			"fields": fields,
		})
		return
	}

	result, err := h.service.Signup(r.Context(), SignupInput{
		Email:     req.Email,
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	})
	if err != nil {
		if errors.Is(err, shared.ErrDuplicate) {
			httpx.ErrorWith(w, http.StatusConflict, "Email or username already in use", map[string]any{"code": httpx.CodeAuthDuplicate})
			return
		}
		h.logger.Error("signup failed", slog.Any("error", err))
		httpx.ErrorWith(w, http.StatusInternalServerError, "Signup failed", map[string]any{"code": httpx.CodeStorageUnavailable})
		return
	}

	body := map[string]any{"user": toUserPayload(result.User)}
	if result.PrivateKey != "" {
		// Surfaced exactly once; the server keeps only the public half.
		body["private_key"] = result.PrivateKey
	}
	if result.Warning != "" {
		body["warning"] = result.Warning
	}
	httpx.JSON(w, http.StatusCreated, body)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal := identity.PrincipalFromContext(r.Context())
	if id, ok := principal.UserID(); ok {
		if err := h.service.RevokeToken(r.Context(), id); err != nil {
			h.logger.Warn("logout token revocation failed", slog.Any("error", err))
		}
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		h.sessions.Destroy(sess)
	}
	if cap := audit.CaptureFromContext(r.Context()); cap != nil {
		cap.SetAction(audit.ActionLogout)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "logged out"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	principal := identity.PrincipalFromContext(r.Context())
	switch {
	case principal.IsUser():
		httpx.JSON(w, http.StatusOK, map[string]any{"user": toUserPayload(principal.User)})
	case principal.IsService():
		httpx.JSON(w, http.StatusOK, map[string]any{
			"service_account": map[string]any{
				"id":   principal.Account.ID,
				"name": principal.Account.Name,
			},
		})
	default:
		httpx.ErrorWith(w, http.StatusUnauthorized, "Authentication required", map[string]any{"code": httpx.CodeAuthMissing})
	}
}

func (h *Handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"providers": h.oauth.Names()})
}

func (h *Handler) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	ex, err := h.oauth.Get(name)
	if err != nil {
		httpx.ErrorWith(w, http.StatusNotFound, "Unknown provider", map[string]any{"code": httpx.CodeAuthUnknownProvider})
		return
	}
	state := shared.NewStateToken()
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.Set("oauth_state", state)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"authorize_url": ex.AuthCodeURL(state)})
}

type oauthCompleteRequest struct {
	Code  string `json:"code" validate:"required"`
	State string `json:"state" validate:"required"`
}

func (h *Handler) handleOAuthComplete(w http.ResponseWriter, r *http.Request) {
	var req oauthCompleteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ErrorWith(w, http.StatusBadRequest, "Invalid request body", map[string]any{"code": httpx.CodeRequestInvalid})
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ErrorWith(w, http.StatusBadRequest, "Missing code or state", map[string]any{"code": httpx.CodeRequestInvalid})
		return
	}
	h.completeOAuth(w, r, req.Code, req.State)
}

// handleOAuthCallback is the provider redirect target; code and state arrive
// in the query instead of a JSON body.
func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		httpx.ErrorWith(w, http.StatusBadRequest, "Missing code or state", map[string]any{"code": httpx.CodeRequestInvalid})
		return
	}
	h.completeOAuth(w, r, code, state)
}

func (h *Handler) completeOAuth(w http.ResponseWriter, r *http.Request, code, state string) {
	name := chi.URLParam(r, "provider")
	ex, err := h.oauth.Get(name)
	if err != nil {
		httpx.ErrorWith(w, http.StatusNotFound, "Unknown provider", map[string]any{"code": httpx.CodeAuthUnknownProvider})
		return
	}

	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.Get("oauth_state") == "" || sess.Get("oauth_state") != state {
		httpx.ErrorWith(w, http.StatusBadRequest, "State mismatch", map[string]any{"code": httpx.CodeRequestInvalid})
		return
	}
	sess.Delete("oauth_state")

	ext, err := ex.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Warn("oauth exchange failed", slog.String("provider", name), slog.Any("error", err))
		httpx.ErrorWith(w, http.StatusUnauthorized, "Invalid credentials", map[string]any{"code": httpx.CodeAuthInvalidCredentials})
		return
	}

	user, err := h.service.OAuthComplete(r.Context(), ext)
	if err != nil {
		if errors.Is(err, shared.ErrInvalidCredentials) {
			httpx.ErrorWith(w, http.StatusUnauthorized, "Invalid credentials", map[string]any{"code": httpx.CodeAuthInvalidCredentials})
			return
		}
		h.logger.Error("oauth completion failed", slog.Any("error", err))
		httpx.ErrorWith(w, http.StatusInternalServerError, "Login failed", map[string]any{"code": httpx.CodeStorageUnavailable})
		return
	}

	token, err := h.service.EnsureToken(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("oauth token provisioning failed", slog.Any("error", err))
		httpx.ErrorWith(w, http.StatusInternalServerError, "Login failed", map[string]any{"code": httpx.CodeStorageUnavailable})
		return
	}

	sess.SetUser(strconv.FormatInt(user.ID, 10))
	if cap := audit.CaptureFromContext(r.Context()); cap != nil {
		cap.SetPrincipal(&user.ID, user.Username)
		cap.SetAction(audit.ActionLogin)
	}
	body := map[string]any{
		"token": token,
		"user":  toUserPayload(user),
	}
	if csrf := h.csrfToken(r); csrf != "" {
		body["csrf_token"] = csrf
	}
	httpx.JSON(w, http.StatusOK, body)
}
