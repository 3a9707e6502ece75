// Package projects is a small guarded resource demonstrating the per-method
// permission mapping end to end. State is in-memory; the interesting part is
// the guard and audit interplay, not persistence.
package projects

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nimbus-cp/nimbus/internal/identity"
	"github.com/nimbus-cp/nimbus/internal/platform/httpx"
	"github.com/nimbus-cp/nimbus/internal/rbac"
)

// Project is a named deployable unit owned by a user.
type Project struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerUserID *int64    `json:"owner_user_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is a concurrency-safe in-memory project set.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]Project
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{nextID: 1, items: map[int64]Project{}}
}

// List returns projects ordered by id.
func (s *Store) List() []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Project, 0, len(s.items))
	for _, p := range s.items {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Get fetches one project.
func (s *Store) Get(id int64) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.items[id]
	return p, ok
}

// Create inserts a project and assigns its id.
func (s *Store) Create(p Project) Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.nextID
	s.nextID++
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.items[p.ID] = p
	return p
}

// Update overwrites mutable fields of an existing project.
func (s *Store) Update(id int64, name, description string) (Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok {
		return Project{}, false
	}
	if name != "" {
		p.Name = name
	}
	p.Description = description
	p.UpdatedAt = time.Now().UTC()
	s.items[id] = p
	return p, true
}

// Delete removes a project.
func (s *Store) Delete(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	return true
}

// Handler exposes the guarded project API.
type Handler struct {
	store     *Store
	guards    *rbac.Middleware
	validator *validator.Validate
}

// NewHandler wires the project routes.
func NewHandler(store *Store, guards *rbac.Middleware) *Handler {
	return &Handler{store: store, guards: guards, validator: validator.New()}
}

// MountRoutes registers the resource under the given router with the
// per-method guard applied across the subtree.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guards.RequireResource("project"))
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.remove)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"projects": h.store.List()})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	p, ok := h.store.Get(id)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "Not found")
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type projectRequest struct {
	Name        string `json:"name" validate:"required,min=2"`
	Description string `json:"description"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "Validation failed")
		return
	}
	var owner *int64
	if id, ok := identity.PrincipalFromContext(r.Context()).UserID(); ok {
		owner = &id
	}
	p := h.store.Create(Project{Name: req.Name, Description: req.Description, OwnerUserID: owner})
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	var req projectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	p, ok := h.store.Update(id, req.Name, req.Description)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "Not found")
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "Invalid id")
		return
	}
	if !h.store.Delete(id) {
		httpx.Error(w, http.StatusNotFound, "Not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
