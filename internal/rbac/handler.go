package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/watchpost/watchpost/internal/platform/httpx"
	"github.com/watchpost/watchpost/internal/shared"
)

// Handler exposes role management over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesView))
		r.Get("/roles", h.listRoles)
		r.Get("/principals/{id}/permissions", h.principalPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionsView))
		r.Get("/permissions", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesEdit))
		r.Post("/roles", h.createRole)
		r.Delete("/roles/{slug}", h.deleteRole)
		r.Put("/roles/{slug}/permissions", h.setRolePermissions)
		r.Delete("/permissions/{slug}", h.deactivatePermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesAssign))
		r.Post("/principals/{id}/roles", h.assignRole)
		r.Delete("/principals/{id}/roles/{slug}", h.removeRole)
		r.Put("/principals/{id}/primary-role", h.setPrimaryRole)
	})
}

type assignRequest struct {
	Role      string     `json:"role" validate:"required"`
	Reason    string     `json:"reason" validate:"max=500"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createRoleRequest struct {
	Slug        string   `json:"slug" validate:"required,max=64"`
	Name        string   `json:"name" validate:"required,max=128"`
	Level       int      `json:"level" validate:"min=1,max=100"`
	Permissions []string `json:"permissions"`
}

type permissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required"`
}

type primaryRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) principalPermissions(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathPrincipal(w, r)
	if !ok {
		return
	}
	set, err := h.service.ResolvePermissions(r.Context(), principalID, time.Now().UTC())
	if err != nil {
		h.fail(w, "resolve permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"principal_id": principalID, "permissions": set.Slugs()})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.PrincipalFromContext(r.Context())
	role, err := h.service.CreateRole(r.Context(), CreateRoleInput{
		Slug:        req.Slug,
		Name:        req.Name,
		Level:       req.Level,
		Permissions: req.Permissions,
		ActorID:     actorID,
	})
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	actorID, _ := shared.PrincipalFromContext(r.Context())
	if err := h.service.DeleteRole(r.Context(), chi.URLParam(r, "slug"), actorID); err != nil {
		h.fail(w, "delete role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.PrincipalFromContext(r.Context())
	if err := h.service.SetRolePermissions(r.Context(), chi.URLParam(r, "slug"), req.Permissions, actorID); err != nil {
		h.fail(w, "set role permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deactivatePermission(w http.ResponseWriter, r *http.Request) {
	actorID, _ := shared.PrincipalFromContext(r.Context())
	if err := h.service.DeactivatePermission(r.Context(), chi.URLParam(r, "slug"), actorID); err != nil {
		h.fail(w, "deactivate permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathPrincipal(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.PrincipalFromContext(r.Context())
	assignment, err := h.service.AssignRole(r.Context(), AssignInput{
		PrincipalID: principalID,
		RoleSlug:    req.Role,
		ActorID:     actorID,
		Reason:      req.Reason,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, "assign role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, assignment)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathPrincipal(w, r)
	if !ok {
		return
	}
	actorID, _ := shared.PrincipalFromContext(r.Context())
	removed, err := h.service.RemoveRole(r.Context(), RemoveInput{
		PrincipalID: principalID,
		RoleSlug:    chi.URLParam(r, "slug"),
		ActorID:     actorID,
		Reason:      r.URL.Query().Get("reason"),
	})
	if err != nil {
		h.fail(w, "remove role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (h *Handler) setPrimaryRole(w http.ResponseWriter, r *http.Request) {
	principalID, ok := pathPrincipal(w, r)
	if !ok {
		return
	}
	var req primaryRoleRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := shared.PrincipalFromContext(r.Context())
	if err := h.service.SetPrimaryRole(r.Context(), principalID, req.Role, actorID); err != nil {
		h.fail(w, "set primary role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func pathPrincipal(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid principal id")
		return 0, false
	}
	return id, true
}
