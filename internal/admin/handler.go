// Package admin exposes the privileged management API. Audit entries are
// readable here but never writable; the retention sweep is the only code
// path that removes them.
package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nimbus-cp/nimbus/internal/audit"
	"github.com/nimbus-cp/nimbus/internal/edge"
	"github.com/nimbus-cp/nimbus/internal/identity"
	"github.com/nimbus-cp/nimbus/internal/platform/httpx"
	"github.com/nimbus-cp/nimbus/internal/rbac"
	"github.com/nimbus-cp/nimbus/internal/shared"
)

// Handler wires the admin API.
type Handler struct {
	logger    *slog.Logger
	rbac      rbac.Repository
	identity  identity.Repository
	blocklist edge.BlocklistRepository
	blocker   *edge.Blocker
	auditSvc  *audit.Service
	guards    *rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs the admin handler.
func NewHandler(logger *slog.Logger, rbacRepo rbac.Repository, identityRepo identity.Repository,
	blocklist edge.BlocklistRepository, blocker *edge.Blocker, auditSvc *audit.Service, guards *rbac.Middleware) *Handler {
	return &Handler{
		logger:    logger,
		rbac:      rbacRepo,
		identity:  identityRepo,
		blocklist: blocklist,
		blocker:   blocker,
		auditSvc:  auditSvc,
		guards:    guards,
		validator: validator.New(),
	}
}

// MountRoutes registers the admin API under the given router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/permissions", func(r chi.Router) {
		r.Use(h.guards.RequireAny("admin:all", "role:manage"))
		r.Get("/", h.listPermissions)
		r.Post("/", h.createPermission)
		r.Delete("/{id}", h.deletePermission)
	})
	r.Route("/roles", func(r chi.Router) {
		r.Use(h.guards.RequireAny("admin:all", "role:manage"))
		r.Get("/", h.listRoles)
		r.Post("/", h.createRole)
		r.Patch("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
		r.Post("/{id}/permissions", h.attachPermission)
		r.Delete("/{id}/permissions/{code}", h.detachPermission)
	})
	r.Route("/assignments", func(r chi.Router) {
		r.Use(h.guards.RequireAny("admin:all", "role:manage"))
		r.Get("/", h.listAssignments)
		r.Post("/", h.createAssignment)
		r.Delete("/", h.revokeAssignment)
	})
	r.Route("/service-accounts", func(r chi.Router) {
		r.Use(h.guards.RequireAny("admin:all", "serviceaccount:manage"))
		r.Get("/", h.listServiceAccounts)
		r.Post("/", h.createServiceAccount)
		r.Patch("/{id}", h.updateServiceAccount)
		r.Delete("/{id}", h.deleteServiceAccount)
		r.Post("/{id}/roles", h.attachServiceAccountRole)
		r.Delete("/{id}/roles/{roleID}", h.detachServiceAccountRole)
	})
	r.Route("/blocked-networks", func(r chi.Router) {
		r.Use(h.guards.RequireAny("admin:all", "blocklist:manage"))
		r.Get("/", h.listBlockedNetworks)
		r.Post("/", h.createBlockedNetwork)
		r.Delete("/{id}", h.deleteBlockedNetwork)
	})
	r.Route("/audit", func(r chi.Router) {
		r.Use(h.guards.RequireAny("admin:all", "audit:read"))
		r.Get("/", h.listAuditEntries)
		r.Get("/report", h.auditReport)
		r.Get("/suspicious", h.listSuspicious)
		r.Get("/{id}", h.getAuditEntry)
	})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// --- permissions ---

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.rbac.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

type permissionRequest struct {
	Code        string `json:"code" validate:"required,min=3"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}
	perm, _, err := h.rbac.EnsurePermission(r.Context(), req.Code, req.Name, req.Description)
	if err != nil {
		h.fail(w, "create permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *Handler) deletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	if err := h.rbac.DeletePermission(r.Context(), id); err != nil {
		h.fail(w, "delete permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- roles ---

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.rbac.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type roleRequest struct {
	Name        string `json:"name" validate:"required,min=2"`
	Description string `json:"description"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}
	role, _, err := h.rbac.EnsureRole(r.Context(), req.Name, req.Description)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

type roleUpdateRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	var req roleUpdateRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}
	if err := h.rbac.SetRoleActive(r.Context(), id, *req.IsActive); err != nil {
		h.fail(w, "update role", err)
		return
	}
	role, err := h.rbac.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	if err := h.rbac.DeleteRole(r.Context(), id); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attachPermissionRequest struct {
	Code string `json:"code" validate:"required"`
}

func (h *Handler) attachPermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	var req attachPermissionRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}
	if err := h.rbac.AttachPermissionToRole(r.Context(), id, req.Code); err != nil {
		h.fail(w, "attach permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) detachPermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	if err := h.rbac.DetachPermissionFromRole(r.Context(), id, chi.URLParam(r, "code")); err != nil {
		h.fail(w, "detach permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- assignments ---

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}
	assignments, err := h.rbac.ListAssignments(r.Context(), userID)
	if err != nil {
		h.fail(w, "list assignments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

type assignmentRequest struct {
	UserID    int64      `json:"user_id" validate:"required"`
	RoleID    int64      `json:"role_id" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}
	var assignedBy *int64
	if id, ok := identity.PrincipalFromContext(r.Context()).UserID(); ok {
		assignedBy = &id
	}
	assignment, err := h.rbac.AssignRole(r.Context(), req.UserID, req.RoleID, req.ExpiresAt, assignedBy)
	if err != nil {
		if errors.Is(err, shared.ErrDuplicate) {
			httpx.ErrorWith(w, http.StatusConflict, "Assignment already active", map[string]any{"code": httpx.CodeAuthDuplicate})
			return
		}
		h.fail(w, "create assignment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

func (h *Handler) revokeAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}
	if err := h.rbac.RevokeAssignment(r.Context(), req.UserID, req.RoleID); err != nil {
		h.fail(w, "revoke assignment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- service accounts ---

type serviceAccountPayload struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func toServiceAccountPayload(sa identity.ServiceAccount) serviceAccountPayload {
	return serviceAccountPayload{
		ID:         sa.ID,
		Name:       sa.Name,
		IsActive:   sa.IsActive,
		LastUsedAt: sa.LastUsedAt,
		CreatedAt:  sa.CreatedAt,
	}
}

func (h *Handler) listServiceAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.identity.ListServiceAccounts(r.Context())
	if err != nil {
		h.fail(w, "list service accounts", err)
		return
	}
	payload := make([]serviceAccountPayload, 0, len(accounts))
	for _, sa := range accounts {
		payload = append(payload, toServiceAccountPayload(sa))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"service_accounts": payload})
}

type serviceAccountRequest struct {
	Name string `json:"name" validate:"required,min=3"`
}

// createServiceAccount is the only response that ever carries the api key.
func (h *Handler) createServiceAccount(w http.ResponseWriter, r *http.Request) {
	var req serviceAccountRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}
	key, err := identity.NewAPIKey()
	if err != nil {
		h.fail(w, "create service account", err)
		return
	}
	var createdBy *int64
	if id, ok := identity.PrincipalFromContext(r.Context()).UserID(); ok {
		createdBy = &id
	}
	account, err := h.identity.CreateServiceAccount(r.Context(), identity.ServiceAccount{
		Name:            req.Name,
		APIKey:          key,
		IsActive:        true,
		CreatedByUserID: createdBy,
	})
	if err != nil {
		if errors.Is(err, shared.ErrDuplicate) {
			httpx.ErrorWith(w, http.StatusConflict, "Service account name already in use", map[string]any{"code": httpx.CodeAuthDuplicate})
			return
		}
		h.fail(w, "create service account", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"service_account": toServiceAccountPayload(*account),
		"api_key":         key,
	})
}

type serviceAccountUpdateRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

func (h *Handler) updateServiceAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	var req serviceAccountUpdateRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}
	if err := h.identity.SetServiceAccountActive(r.Context(), id, *req.IsActive); err != nil {
		h.fail(w, "update service account", err)
		return
	}
	account, err := h.identity.GetServiceAccountByID(r.Context(), id)
	if err != nil {
		h.fail(w, "update service account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toServiceAccountPayload(*account))
}

func (h *Handler) deleteServiceAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	if err := h.identity.DeleteServiceAccount(r.Context(), id); err != nil {
		h.fail(w, "delete service account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type serviceAccountRoleRequest struct {
	RoleID int64 `json:"role_id" validate:"required"`
}

func (h *Handler) attachServiceAccountRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	var req serviceAccountRoleRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}
	if err := h.identity.AttachServiceAccountRole(r.Context(), id, req.RoleID); err != nil {
		h.fail(w, "attach service account role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) detachServiceAccountRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid role id")
		return
	}
	if err := h.identity.DetachServiceAccountRole(r.Context(), id, roleID); err != nil {
		h.fail(w, "detach service account role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- blocked networks ---

func (h *Handler) listBlockedNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := h.blocklist.ListNetworks(r.Context())
	if err != nil {
		h.fail(w, "list blocked networks", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"blocked_networks": networks})
}

type blockedNetworkRequest struct {
	Network string `json:"network" validate:"required"`
	Reason  string `json:"reason"`
}

func (h *Handler) createBlockedNetwork(w http.ResponseWriter, r *http.Request) {
	var req blockedNetworkRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}
	network, isCIDR, err := edge.NormalizeNetwork(req.Network)
	if err != nil {
		httpx.ErrorWith(w, http.StatusBadRequest, "Invalid network", map[string]any{"code": httpx.CodeRequestInvalid})
		return
	}
	var createdBy *int64
	if id, ok := identity.PrincipalFromContext(r.Context()).UserID(); ok {
		createdBy = &id
	}
	created, err := h.blocklist.CreateNetwork(r.Context(), edge.BlockedNetwork{
		Network:         network,
		IsCIDR:          isCIDR,
		Reason:          req.Reason,
		CreatedByUserID: createdBy,
	})
	if err != nil {
		h.fail(w, "create blocked network", err)
		return
	}
	h.reloadBlocker(r)
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) deleteBlockedNetwork(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	if err := h.blocklist.DeleteNetwork(r.Context(), id); err != nil {
		h.fail(w, "delete blocked network", err)
		return
	}
	h.reloadBlocker(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reloadBlocker(r *http.Request) {
	if h.blocker == nil {
		return
	}
	if err := h.blocker.Reload(r.Context()); err != nil {
		h.logger.Error("blocklist reload failed", slog.Any("error", err))
	}
}

// --- audit (read only) ---

func (h *Handler) listAuditEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filters{
		Action:    q.Get("action"),
		Username:  q.Get("username"),
		IPAddress: q.Get("ip_address"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = t
		}
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	entries, pagination, err := h.auditSvc.List(r.Context(), f)
	if err != nil {
		h.fail(w, "list audit entries", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries":    toEntryPayloads(entries),
		"pagination": pagination,
	})
}

func (h *Handler) getAuditEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	entry, err := h.auditSvc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get audit entry", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEntryPayload(entry))
}

func (h *Handler) auditReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	report, err := h.auditSvc.Report(r.Context(), from, to)
	if err != nil {
		h.fail(w, "audit report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) listSuspicious(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-7 * 24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}
	records, err := h.auditSvc.ListSuspicious(r.Context(), since)
	if err != nil {
		h.fail(w, "list suspicious activity", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"suspicious": records})
}

type entryPayload struct {
	ID           int64           `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	UserID       *int64          `json:"user_id"`
	Username     string          `json:"username"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	QueryParams  string          `json:"query_params"`
	StatusCode   int             `json:"status_code"`
	IPAddress    string          `json:"ip_address"`
	UserAgent    string          `json:"user_agent"`
	Referer      string          `json:"referer"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Extra        audit.ExtraData `json:"extra_data"`
}

func toEntryPayload(e audit.Entry) entryPayload {
	return entryPayload{
		ID:           e.ID,
		CreatedAt:    e.CreatedAt,
		UserID:       e.UserID,
		Username:     e.Username,
		Method:       e.Method,
		Path:         e.Path,
		QueryParams:  e.QueryParams,
		StatusCode:   e.StatusCode,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		Referer:      e.Referer,
		Action:       string(e.Action),
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Extra:        e.Extra,
	}
}

func toEntryPayloads(entries []audit.Entry) []entryPayload {
	payloads := make([]entryPayload, 0, len(entries))
	for _, e := range entries {
		payloads = append(payloads, toEntryPayload(e))
	}
	return payloads
}

// --- helpers ---

// decode parses and validates the request body, writing the 400 itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.ErrorWith(w, http.StatusBadRequest, "Invalid request body", map[string]any{"code": httpx.CodeRequestInvalid})
		return err
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.ErrorWith(w, http.StatusBadRequest, "Validation failed", map[string]any{"code": httpx.CodeRequestInvalid})
		return err
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, shared.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "Not found")
		return
	}
	h.logger.Error("admin operation failed", slog.String("op", op), slog.Any("error", err))
	httpx.ErrorWith(w, http.StatusInternalServerError, "Operation failed", map[string]any{"code": httpx.CodeStorageUnavailable})
}
