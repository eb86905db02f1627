package authz

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/watchpost/watchpost/internal/platform/httpx"
	"github.com/watchpost/watchpost/internal/shared"
)

// ResourceFunc extracts the target resource from a request.
type ResourceFunc func(r *http.Request) (Resource, error)

// AgentParam reads the agent id from the named chi URL parameter.
func AgentParam(name string) ResourceFunc {
	return func(r *http.Request) (Resource, error) {
		return Resource{Kind: "agent", ID: chi.URLParam(r, name)}, nil
	}
}

// AgentQuery reads the agent id from the named query parameter.
func AgentQuery(name string) ResourceFunc {
	return func(r *http.Request) (Resource, error) {
		return Resource{Kind: "agent", ID: r.URL.Query().Get(name)}, nil
	}
}

// Global is used for actions without a specific target.
func Global(kind string) ResourceFunc {
	return func(r *http.Request) (Resource, error) {
		return Resource{Kind: kind}, nil
	}
}

// Guard rejects requests the engine denies for action.
func (e *Engine) Guard(action string, resourceFn ResourceFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			var res Resource
			if resourceFn != nil {
				var err error
				if res, err = resourceFn(r); err != nil {
					httpx.RespondError(w, err)
					return
				}
			}
			decision, err := e.Authorize(r.Context(), Request{PrincipalID: principalID, Action: action, Resource: res})
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			if !decision.Allowed {
				httpx.RespondError(w, decision.Err())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler serves POST /authorize for external callers that guard their own
// handlers with the engine.
type Handler struct {
	engine *Engine
}

// NewHandler builds Handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type authorizeRequest struct {
	Action   string   `json:"action" validate:"required"`
	Resource Resource `json:"resource"`
}

// MountRoutes registers the authorize endpoint.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/authorize", h.authorize)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) {
	principalID, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	var req authorizeRequest
	if err := httpx.DecodeJSON(r, shared.Validator(), &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	decision, err := h.engine.Authorize(r.Context(), Request{PrincipalID: principalID, Action: req.Action, Resource: req.Resource})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}
